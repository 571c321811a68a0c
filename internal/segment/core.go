package segment

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// core holds everything a reader needs except the actual block I/O
// strategy: the sparse index, bloom filter, and metadata footer, all
// loaded once at open time and shared read-only thereafter. Reader and
// MappedReader each embed a core and supply their own block-fetching.
type core struct {
	dir   string
	id    string
	index []IndexEntry
	bloom *BloomFilter
	meta  Metadata
}

func loadCore(dir string) (core, error) {
	id := filepath.Base(dir)

	metaPath := filepath.Join(dir, "meta.json")
	if _, err := os.Stat(metaPath); err != nil {
		return core{}, ErrUnfinished
	}

	meta, err := readMetaFile(metaPath)
	if err != nil {
		return core{}, err
	}
	index, err := readIndexFile(filepath.Join(dir, "index"))
	if err != nil {
		return core{}, err
	}
	bloom, err := readBloomFile(filepath.Join(dir, "bloom"))
	if err != nil {
		return core{}, err
	}

	return core{dir: dir, id: id, index: index, bloom: bloom, meta: *meta}, nil
}

func (c *core) ID() string         { return c.id }
func (c *core) Metadata() Metadata { return c.meta }

// findBlock returns the index entry whose block may contain key: the
// last entry with FirstKey <= key.
func (c *core) findBlock(key []byte) (IndexEntry, bool) {
	if len(c.index) == 0 {
		return IndexEntry{}, false
	}
	i := sort.Search(len(c.index), func(i int) bool {
		return keyCompare(c.index[i].FirstKey, key) > 0
	})
	if i == 0 {
		return IndexEntry{}, false
	}
	return c.index[i-1], true
}

// blocksFrom returns the index of the first block that may overlap
// [start, end), for range iteration.
func (c *core) blocksFrom(start []byte) int {
	if start == nil {
		return 0
	}
	i := sort.Search(len(c.index), func(i int) bool {
		return keyCompare(c.index[i].FirstKey, start) > 0
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

func (c *core) mayContain(key []byte) bool {
	return c.bloom == nil || c.bloom.MayContain(key)
}

func (c *core) overlaps(start, end []byte) bool {
	if start != nil && keyCompare(c.meta.MaxKey, start) < 0 {
		return false
	}
	if end != nil && keyCompare(c.meta.MinKey, end) >= 0 {
		return false
	}
	return true
}

func readMetaFile(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open metadata: %w", err)
	}
	defer f.Close()
	var meta Metadata
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return nil, fmt.Errorf("segment: decode metadata: %w", err)
	}
	return &meta, nil
}

func readIndexFile(path string) ([]IndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open index: %w", err)
	}
	defer f.Close()
	var index []IndexEntry
	if err := json.NewDecoder(f).Decode(&index); err != nil {
		return nil, fmt.Errorf("segment: decode index: %w", err)
	}
	return index, nil
}

func readBloomFile(path string) (*BloomFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open bloom: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var header struct {
		Size      int
		HashCount int
	}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("segment: decode bloom header: %w", err)
	}

	bf := NewBloomFilter(1, 0.01)
	bf.bits = make([]bool, header.Size)
	bf.size = header.Size
	bf.hashCount = header.HashCount

	// The decoder may have buffered bytes past the header's closing
	// brace; read those first, then whatever remains unread in the file.
	rest, err := io.ReadAll(dec.Buffered())
	if err != nil {
		return nil, fmt.Errorf("segment: read bloom bits: %w", err)
	}
	tail, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("segment: read bloom bits: %w", err)
	}
	rest = append(rest, tail...)
	// json.Encoder terminates the header with a newline that is not part
	// of the bit data.
	if len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	}

	if err := bf.UnmarshalBinary(rest); err != nil {
		return nil, fmt.Errorf("segment: unmarshal bloom bits: %w", err)
	}
	return bf, nil
}
