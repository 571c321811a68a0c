package segment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dd0wney/lsmkv/internal/cache"
)

// Reader is a buffered-I/O segment reader: one open *os.File per segment,
// read through pread-style ReadAt calls (safe for concurrent callers
// without a lock) and a shared block cache.
type Reader struct {
	core
	file  *os.File
	cache *cache.BlockCache
}

// Open opens an existing, finalized segment directory for buffered reads.
// blockCache may be nil, in which case every block read goes to disk.
func Open(dir string, blockCache *cache.BlockCache) (*Reader, error) {
	c, err := loadCore(dir)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, "data"))
	if err != nil {
		return nil, fmt.Errorf("segment: open data file: %w", err)
	}

	return &Reader{core: c, file: f, cache: blockCache}, nil
}

func (r *Reader) loadBlock(entry IndexEntry) ([]Record, error) {
	key := cache.Key{SegmentID: r.id, Offset: entry.Offset}
	if r.cache != nil {
		if framed, ok := r.cache.Get(key); ok {
			return decodeBlock(framed)
		}
	}

	framed := make([]byte, entry.Length)
	if _, err := r.file.ReadAt(framed, entry.Offset); err != nil {
		return nil, fmt.Errorf("segment: read block at %d: %w", entry.Offset, err)
	}
	if r.cache != nil {
		r.cache.Put(key, framed)
	}
	return decodeBlock(framed)
}

// Get implements Source.Get: bloom probe, index binary search, block
// fetch via cache, in-block scan for the newest record <= seqnoCeiling.
func (r *Reader) Get(key []byte, seqnoCeiling uint64) (*Record, bool, error) {
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
func (r *Reader) NewIterator(start, end []byte, seqnoCeiling uint64) *Iterator {
	if !r.overlaps(start, end) {
		return emptyIterator()
	}
	return newIterator(&r.core, r.loadBlock, start, end, seqnoCeiling)
}

// Close closes the underlying file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}
