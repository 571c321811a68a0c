package segment

import (
	"fmt"
	"path/filepath"

	"golang.org/x/exp/mmap"

	"github.com/dd0wney/lsmkv/internal/cache"
)

// MappedReader is a memory-mapped segment reader: the whole data file
// is mapped once at open and read through ReaderAt.ReadAt, avoiding a
// syscall per block fetch.
// Shares the block cache and bloom/index/metadata core with Reader.
type MappedReader struct {
	core
	mm    *mmap.ReaderAt
	cache *cache.BlockCache
}

// OpenMapped opens an existing, finalized segment directory for
// memory-mapped reads.
func OpenMapped(dir string, blockCache *cache.BlockCache) (*MappedReader, error) {
	c, err := loadCore(dir)
	if err != nil {
		return nil, err
	}

	mm, err := mmap.Open(filepath.Join(dir, "data"))
	if err != nil {
		return nil, fmt.Errorf("segment: mmap open data file: %w", err)
	}

	return &MappedReader{core: c, mm: mm, cache: blockCache}, nil
}

func (r *MappedReader) loadBlock(entry IndexEntry) ([]Record, error) {
	key := cache.Key{SegmentID: r.id, Offset: entry.Offset}
	if r.cache != nil {
		if framed, ok := r.cache.Get(key); ok {
			return decodeBlock(framed)
		}
	}

	framed := make([]byte, entry.Length)
	if _, err := r.mm.ReadAt(framed, entry.Offset); err != nil {
		return nil, fmt.Errorf("segment: mmap read block at %d: %w", entry.Offset, err)
	}
	if r.cache != nil {
		r.cache.Put(key, framed)
	}
	return decodeBlock(framed)
}

// Get implements Source.Get.
func (r *MappedReader) Get(key []byte, seqnoCeiling uint64) (*Record, bool, error) {
	if !r.mayContain(key) {
		return nil, false, nil
	}
	entry, ok := r.findBlock(key)
	if !ok {
		return nil, false, nil
	}

	records, err := r.loadBlock(entry)
	if err != nil {
		return nil, false, err
	}

	for _, rec := range records {
		if keyCompare(rec.Key, key) != 0 {
			continue
		}
		if rec.Seqno <= seqnoCeiling {
			out := rec
			return &out, true, nil
		}
	}
	return nil, false, nil
}

// NewIterator implements Source.NewIterator.
func (r *MappedReader) NewIterator(start, end []byte, seqnoCeiling uint64) *Iterator {
	if !r.overlaps(start, end) {
		return emptyIterator()
	}
	return newIterator(&r.core, r.loadBlock, start, end, seqnoCeiling)
}

// Close unmaps the data file.
func (r *MappedReader) Close() error {
	return r.mm.Close()
}
