package lsmkv

import (
	"bytes"

	"github.com/dd0wney/lsmkv/internal/manifest"
	"github.com/dd0wney/lsmkv/internal/memtable"
	"github.com/dd0wney/lsmkv/internal/segment"
)

// rawRecord is a source-agnostic versioned record used while merging
// memtable and segment cursors; tombstones are carried through so a
// higher-priority source's deletion can shadow a lower-priority source's
// live value before the merge decides what to emit; tombstones are
// dropped only after cross-source dedup.
type rawRecord struct {
	key   []byte
	value []byte
	tomb  bool
}

// rawCursor is the minimal cursor contract the merge needs: peek the
// current record without consuming it, and advance past it.
type rawCursor interface {
	peek() (*rawRecord, bool)
	next()
}

// sliceCursor walks an already-deduped-within-source, ascending-by-key
// slice of memtable.Record (memtable.ScanRaw's output).
type sliceCursor struct {
	recs []*memtable.Record
	idx  int
}

func (c *sliceCursor) peek() (*rawRecord, bool) {
	if c.idx >= len(c.recs) {
		return nil, false
	}
	r := c.recs[c.idx]
	return &rawRecord{key: r.Key, value: r.Value, tomb: r.IsTombstone()}, true
}

func (c *sliceCursor) next() { c.idx++ }

// segmentCursor wraps a segment.Iterator and collapses consecutive
// same-key entries down to the first (highest remaining seqno, given
// the iterator's sorted key-asc/seqno-desc order and ceiling filter),
// so it never surfaces more than one version per key.
type segmentCursor struct {
	it  *segment.Iterator
	cur *rawRecord
}

func newSegmentCursor(it *segment.Iterator) *segmentCursor {
	c := &segmentCursor{it: it}
	c.advance()
	return c
}

func (c *segmentCursor) advance() {
	rec, ok := c.it.Next()
	if !ok {
		c.cur = nil
		return
	}
	key := append([]byte(nil), rec.Key...)
	for {
		nxt, ok2 := c.it.Peek()
		if !ok2 || !bytes.Equal(nxt.Key, key) {
			break
		}
		c.it.Next()
	}
	c.cur = &rawRecord{key: key, value: rec.Value, tomb: rec.IsTombstone()}
}

func (c *segmentCursor) peek() (*rawRecord, bool) {
	if c.cur == nil {
		return nil, false
	}
	return c.cur, true
}

func (c *segmentCursor) next() { c.advance() }

// Iterator merges one cursor per source (active memtable, each
// immutable memtable newest-first, each overlapping segment
// newest-first) into a single ascending stream: for each key, the
// highest-priority source's version wins and every other source's
// version of that key is discarded; tombstones are then dropped from
// the output. Close MUST be called to release acquired
// segment sources.
type Iterator struct {
	sources    []rawCursor
	segIters   []*segment.Iterator
	releaseFns []func()
	current    *rawRecord
}

// Next advances to the next live key, returning false once exhausted.
func (it *Iterator) Next() bool {
	for {
		minIdx := -1
		var minKey []byte
		for i, src := range it.sources {
			rec, ok := src.peek()
			if !ok {
				continue
			}
			if minIdx == -1 || bytes.Compare(rec.key, minKey) < 0 {
				minIdx = i
				minKey = rec.key
			}
		}
		if minIdx == -1 {
			it.current = nil
			return false
		}

		winner, _ := it.sources[minIdx].peek()
		for _, src := range it.sources {
			if rec, ok := src.peek(); ok && bytes.Equal(rec.key, minKey) {
				src.next()
			}
		}

		if winner.tomb {
			continue
		}
		it.current = winner
		return true
	}
}

// Key returns the current record's key. Valid only after Next returns true.
func (it *Iterator) Key() []byte { return it.current.key }

// Value returns the current record's value. Valid only after Next returns true.
func (it *Iterator) Value() []byte { return it.current.value }

// Err returns the first error encountered while loading a segment
// block, if any.
func (it *Iterator) Err() error {
	for _, si := range it.segIters {
		if err := si.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every segment source this iterator acquired.
func (it *Iterator) Close() {
	for _, release := range it.releaseFns {
		release()
	}
}

// Iter returns a merged iterator over every key in the tree as of now.
func (t *Tree) Iter() (*Iterator, error) {
	return t.Range(nil, nil)
}

// Range returns a merged iterator over [start, end) as of now. A nil
// start or end is unbounded on that side.
func (t *Tree) Range(start, end []byte) (*Iterator, error) {
	return t.newRangeIterator(start, end, t.currentSeqnoCeiling())
}

// Prefix returns a merged iterator over every key beginning with prefix.
func (t *Tree) Prefix(prefix []byte) (*Iterator, error) {
	end := prefixUpperBound(prefix)
	return t.newRangeIterator(prefix, end, t.currentSeqnoCeiling())
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil if prefix is empty or consists entirely of
// 0xFF bytes (in which case the range is unbounded above).
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func (t *Tree) newRangeIterator(start, end []byte, ceiling uint64) (*Iterator, error) {
	t.memMu.RLock()
	cursors := make([]rawCursor, 0, 2+len(t.immutableOrder))
	cursors = append(cursors, &sliceCursor{recs: t.active.ScanRaw(start, end, ceiling)})
	for i := len(t.immutableOrder) - 1; i >= 0; i-- {
		mt := t.immutables[t.immutableOrder[i]]
		cursors = append(cursors, &sliceCursor{recs: mt.ScanRaw(start, end, ceiling)})
	}
	t.memMu.RUnlock()

	var segIters []*segment.Iterator
	var releaseFns []func()
	for _, ref := range t.manifest.FlattenedNewestFirst() {
		if !refOverlaps(ref, start, end) {
			continue
		}
		src, release, err := t.acquireSource(ref.ID)
		if err != nil {
			for _, rel := range releaseFns {
				rel()
			}
			return nil, err
		}
		segIt := src.NewIterator(start, end, ceiling)
		segIters = append(segIters, segIt)
		releaseFns = append(releaseFns, release)
		cursors = append(cursors, newSegmentCursor(segIt))
	}

	return &Iterator{sources: cursors, segIters: segIters, releaseFns: releaseFns}, nil
}

// refOverlaps reports whether a segment's key range can contain any key
// in [start, end).
func refOverlaps(ref manifest.SegmentRef, start, end []byte) bool {
	if end != nil && bytes.Compare(ref.MinKey, end) >= 0 {
		return false
	}
	if start != nil && bytes.Compare(ref.MaxKey, start) < 0 {
		return false
	}
	return true
}
