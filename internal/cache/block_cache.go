// Package cache implements the shared block cache:
// an LRU of encoded data blocks (the framed, possibly compressed bytes
// read from the segment file) keyed by (segment id, block offset),
// bounded by total encoded bytes rather than entry count. The decoded
// form of a block is not cached; segment readers decode on every hit.
package cache

import (
	"container/list"
	"sync"
)

// Key identifies a single cached block.
type Key struct {
	SegmentID string
	Offset    int64
}

// BlockCache is a byte-bounded LRU cache of encoded segment blocks, shared
// across every Tree in a Keyspace.
type BlockCache struct {
	mu           sync.RWMutex
	capacityBytes int64
	usedBytes     int64
	entries       map[Key]*list.Element
	lru           *list.List

	hits   int64
	misses int64
}

type cacheEntry struct {
	key   Key
	value []byte
}

// New creates a block cache bounded by capacityBytes of encoded block data.
func New(capacityBytes int64) *BlockCache {
	if capacityBytes <= 0 {
		capacityBytes = 16 << 20 // 16 MiB default
	}
	return &BlockCache{
		capacityBytes: capacityBytes,
		entries:       make(map[Key]*list.Element),
		lru:           list.New(),
	}
}

// Get returns the encoded block bytes for key, if present.
func (bc *BlockCache) Get(key Key) ([]byte, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if elem, ok := bc.entries[key]; ok {
		bc.lru.MoveToFront(elem)
		bc.hits++
		return elem.Value.(*cacheEntry).value, true
	}

	bc.misses++
	return nil, false
}

// Put inserts or updates the encoded block for key, evicting the least
// recently used blocks until the cache is back under its byte budget.
func (bc *BlockCache) Put(key Key, value []byte) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if elem, ok := bc.entries[key]; ok {
		old := elem.Value.(*cacheEntry)
		bc.usedBytes += int64(len(value)) - int64(len(old.value))
		old.value = value
		bc.lru.MoveToFront(elem)
		bc.evictToFit()
		return
	}

	entry := &cacheEntry{key: key, value: value}
	elem := bc.lru.PushFront(entry)
	bc.entries[key] = elem
	bc.usedBytes += int64(len(value))

	bc.evictToFit()
}

func (bc *BlockCache) evictToFit() {
	for bc.usedBytes > bc.capacityBytes {
		elem := bc.lru.Back()
		if elem == nil {
			return
		}
		bc.lru.Remove(elem)
		entry := elem.Value.(*cacheEntry)
		delete(bc.entries, entry.key)
		bc.usedBytes -= int64(len(entry.value))
	}
}

// InvalidateSegment drops every cached block belonging to segmentID. Called
// when a segment is removed by compaction.
func (bc *BlockCache) InvalidateSegment(segmentID string) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, elem := range bc.entries {
		if key.SegmentID != segmentID {
			continue
		}
		bc.lru.Remove(elem)
		delete(bc.entries, key)
		bc.usedBytes -= int64(len(elem.Value.(*cacheEntry).value))
	}
}

// Clear removes all entries from the cache.
func (bc *BlockCache) Clear() {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	bc.entries = make(map[Key]*list.Element)
	bc.lru = list.New()
	bc.usedBytes = 0
	bc.hits = 0
	bc.misses = 0
}

// Stats returns cumulative hit/miss counters and the derived hit rate.
func (bc *BlockCache) Stats() (hits, misses int64, hitRate float64) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	hits, misses = bc.hits, bc.misses
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}

// UsedBytes returns the current total size of cached block data.
func (bc *BlockCache) UsedBytes() int64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.usedBytes
}

// Len returns the current number of cached blocks.
func (bc *BlockCache) Len() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.lru.Len()
}
