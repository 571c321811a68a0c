// Package segment implements on-disk block-oriented sorted-string
// segments: an immutable sorted run produced by a flush
// or compaction, with a sparse index, an optional bloom filter, and block
// checksums, readable either through buffered I/O or memory-mapped I/O
// behind a common Source interface.
package segment

import (
	"bytes"
	"errors"
)

// ValueType distinguishes a live value from a tombstone, mirroring
// journal.ValueType and memtable.ValueType on the wire.
type ValueType uint8

const (
	Live ValueType = iota
	Tombstone
)

// Record is one versioned key/value pair as it appears inside a segment
// block, in the same (key asc, seqno desc) order the memtable and
// compaction merge iterator produce.
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

// IndexEntry is one sparse-index row: the first key of a block, plus
// the block's location in the data file.
type IndexEntry struct {
	FirstKey []byte
	Offset   int64
	Length   int64
}

// Metadata is a segment's persisted footer: id, counts, key and
// seqno bounds, tombstone count, size, and the compression/creation
// bookkeeping needed by the levels manifest and compaction.
type Metadata struct {
	ID             string
	ItemCount      int
	MinKey         []byte
	MaxKey         []byte
	MinSeqno       uint64
	MaxSeqno       uint64
	TombstoneCount int
	FileSize       int64
	Compressed     bool
	// CreatedSeq is a monotonic per-tree counter stamped at flush/compaction
	// time, used to order L0 newest-first without relying on id string
	// ordering.
	CreatedSeq uint64
}

// Source is the read-side contract both Reader (buffered) and MappedReader
// (mmap-backed) satisfy, so levels/compaction/iterators don't care which
// I/O strategy backs a given segment.
type Source interface {
	ID() string
	Metadata() Metadata
	Get(key []byte, seqnoCeiling uint64) (*Record, bool, error)
	NewIterator(start, end []byte, seqnoCeiling uint64) *Iterator
	Close() error
}

// ErrUnfinished is returned by Open/OpenMapped when a segment directory
// exists but has no metadata file — the segment was never finalized
// (crash during flush/compaction) and must be deleted, not opened.
var ErrUnfinished = errors.New("segment: missing metadata, unfinished segment")

func keyCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}
