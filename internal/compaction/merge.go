package compaction

import (
	"bytes"

	"github.com/dd0wney/lsmkv/internal/segment"
)

// MergeIterator merges several sorted segment iterators into one
// ascending stream, ordered by key and then by seqno descending for
// ties, so a caller that wants "highest seqno wins" can simply take the
// first record of each new key and skip the rest. Sources are consumed
// through segment.Iterator's lazy, block-at-a-time cursors rather than
// materialized entry lists.
type MergeIterator struct {
	cursors []*segment.Iterator
	peeked  []*segment.Record
	valid   []bool
}

// NewMergeIterator opens one iterator per source over the full key range
// with no seqno ceiling (compaction must see every version to dedup and
// evict correctly).
func NewMergeIterator(sources []segment.Source) *MergeIterator {
	mi := &MergeIterator{
		cursors: make([]*segment.Iterator, len(sources)),
		peeked:  make([]*segment.Record, len(sources)),
		valid:   make([]bool, len(sources)),
	}
	for i, src := range sources {
		it := src.NewIterator(nil, nil, ^uint64(0))
		mi.cursors[i] = it
		mi.peeked[i], mi.valid[i] = it.Peek()
	}
	return mi
}

// Next returns the next record in (key asc, seqno desc) order across all
// sources, or (nil, false) once every source is exhausted.
func (mi *MergeIterator) Next() (*segment.Record, bool) {
	minIdx := -1
	for i, ok := range mi.valid {
		if !ok {
			continue
		}
		if minIdx == -1 || less(mi.peeked[i], mi.peeked[minIdx]) {
			minIdx = i
		}
	}
	if minIdx == -1 {
		return nil, false
	}

	rec := mi.peeked[minIdx]
	mi.cursors[minIdx].Next()
	mi.peeked[minIdx], mi.valid[minIdx] = mi.cursors[minIdx].Peek()
	return rec, true
}

// less orders by key ascending, then by seqno descending within a key.
func less(a, b *segment.Record) bool {
	cmp := bytes.Compare(a.Key, b.Key)
	if cmp != 0 {
		return cmp < 0
	}
	return a.Seqno > b.Seqno
}
