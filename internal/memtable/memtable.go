// Package memtable implements the in-memory write buffer: an ordered
// map from (key, seqno) to value record, ordered by key ascending
// and seqno descending so a scan for a key returns its newest version
// first.
package memtable

import (
	"bytes"
	"sort"
	"sync"
)

// ValueType distinguishes a live value from a tombstone.
type ValueType uint8

const (
	Live ValueType = iota
	Tombstone
)

// perEntryOverhead approximates the bookkeeping cost of one record
// beyond its raw key/value bytes.
const perEntryOverhead = 32

// Record is one versioned value in the memtable.
type Record struct {
	Key   []byte
	Value []byte
	Seqno uint64
	Type  ValueType
}

// IsTombstone reports whether this record represents a deletion.
func (r *Record) IsTombstone() bool {
	return r.Type == Tombstone
}

// Memtable is a thread-safe, size-tracked, per-key multi-version write
// buffer. Concurrent inserts are safe; readers observe a consistent
// snapshot of whatever has completed insertion.
type Memtable struct {
	mu      sync.RWMutex
	data    map[string][]*Record // key -> versions, seqno descending
	keys    []string             // sorted key index, rebuilt lazily
	sorted  bool
	size    int64
	maxSize int64
}

// New creates an empty Memtable that reports IsFull once its approximate
// size reaches maxSize bytes.
func New(maxSize int64) *Memtable {
	return &Memtable{
		data:    make(map[string][]*Record),
		maxSize: maxSize,
	}
}

// Insert records a new version of key. Versions for the same key are kept
// sorted newest (highest seqno) first.
func (m *Memtable) Insert(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyStr := string(rec.Key)
	versions, exists := m.data[keyStr]
	if !exists {
		m.keys = append(m.keys, keyStr)
		m.sorted = false
		m.size += int64(len(rec.Key))
	}

	m.size += int64(len(rec.Value)) + perEntryOverhead

	// Insert keeping the slice sorted by seqno descending; new writes
	// normally have the highest seqno seen so far, so this is usually an
	// O(1) prepend.
	insertAt := sort.Search(len(versions), func(i int) bool {
		return versions[i].Seqno <= rec.Seqno
	})
	versions = append(versions, nil)
	copy(versions[insertAt+1:], versions[insertAt:])
	versions[insertAt] = rec
	m.data[keyStr] = versions
}

// Get returns the newest record for key with Seqno <= seqnoCeiling. A
// seqnoCeiling of ^uint64(0) means "no ceiling" (read the latest version).
func (m *Memtable) Get(key []byte, seqnoCeiling uint64) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions, ok := m.data[string(key)]
	if !ok {
		return nil, false
	}
	for _, rec := range versions {
		if rec.Seqno <= seqnoCeiling {
			return rec, true
		}
	}
	return nil, false
}

// Size returns the approximate in-memory footprint in bytes.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// IsFull reports whether Size has reached maxSize.
func (m *Memtable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size >= m.maxSize
}

// ensureSorted rebuilds the lazily-sorted key index. Callers must hold the
// write lock, or have exclusive access (e.g. during flush drain).
func (m *Memtable) ensureSorted() {
	if !m.sorted {
		sort.Strings(m.keys)
		m.sorted = true
	}
}

// AllVersions returns every record across every key, in key-ascending,
// seqno-descending order — the order a segment writer consumes during
// flush.
func (m *Memtable) AllVersions() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureSorted()

	out := make([]*Record, 0, len(m.keys))
	for _, key := range m.keys {
		out = append(out, m.data[key]...)
	}
	return out
}

// Scan returns the newest qualifying record (Seqno <= seqnoCeiling) for
// every key in [start, end), skipping tombstones, in ascending key order.
func (m *Memtable) Scan(start, end []byte, seqnoCeiling uint64) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureSorted()

	results := make([]*Record, 0)
	for _, key := range m.keys {
		if start != nil && bytes.Compare([]byte(key), start) < 0 {
			continue
		}
		if end != nil && bytes.Compare([]byte(key), end) >= 0 {
			break
		}
		for _, rec := range m.data[key] {
			if rec.Seqno <= seqnoCeiling {
				if !rec.IsTombstone() {
					results = append(results, rec)
				}
				break
			}
		}
	}
	return results
}

// ScanRaw returns the newest qualifying record (Seqno <= seqnoCeiling)
// for every key in [start, end), ascending by key, WITHOUT dropping
// tombstones. Used by the tree-level merged iterator, which must see
// tombstones to shadow older live values sitting in other memtables or
// segments before deciding what to drop.
func (m *Memtable) ScanRaw(start, end []byte, seqnoCeiling uint64) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureSorted()

	results := make([]*Record, 0)
	for _, key := range m.keys {
		if start != nil && bytes.Compare([]byte(key), start) < 0 {
			continue
		}
		if end != nil && bytes.Compare([]byte(key), end) >= 0 {
			break
		}
		for _, rec := range m.data[key] {
			if rec.Seqno <= seqnoCeiling {
				results = append(results, rec)
				break
			}
		}
	}
	return results
}

// Len returns the number of distinct keys held (including tombstoned
// ones).
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}
