package segment

// blockLoader fetches the decoded records for the block at index entry i,
// via the cache when possible.
type blockLoader func(entry IndexEntry) ([]Record, error)

// Iterator produces a lazy, ascending sequence of records intersecting
// [start, end) with Seqno <= seqnoCeiling, loading one block at a time
// rather than materializing the whole segment. It follows
// the Peek/Next vocabulary of a merge-friendly cursor so the compaction
// and range-read merge iterators can drive many of these in lockstep.
type Iterator struct {
	core     *core
	load     blockLoader
	start    []byte
	end      []byte
	ceiling  uint64
	blockIdx int
	records  []Record
	pos      int
	current  *Record
	err      error
	done     bool
}

func newIterator(c *core, load blockLoader, start, end []byte, ceiling uint64) *Iterator {
	it := &Iterator{
		core:     c,
		load:     load,
		start:    start,
		end:      end,
		ceiling:  ceiling,
		blockIdx: c.blocksFrom(start),
	}
	it.advance()
	return it
}

// emptyIterator returns an iterator that yields nothing, used when a
// segment's key range doesn't overlap the requested bounds at all.
func emptyIterator() *Iterator {
	return &Iterator{done: true}
}

// Err returns the first error encountered while loading blocks, if any.
func (it *Iterator) Err() error { return it.err }

// Peek returns the current record without advancing, or (nil, false) at
// end of stream.
func (it *Iterator) Peek() (*Record, bool) {
	if it.done || it.current == nil {
		return nil, false
	}
	return it.current, true
}

// Next returns the current record and advances to the following one.
func (it *Iterator) Next() (*Record, bool) {
	rec, ok := it.Peek()
	if !ok {
		return nil, false
	}
	it.advance()
	return rec, true
}

// advance moves to the next record satisfying the bounds/ceiling,
// skipping older versions of a key once a qualifying version is emitted
// is NOT done here — callers (the merge iterator) handle de-duplication
// across sources; within one segment's sorted stream every version is
// surfaced in order.
func (it *Iterator) advance() {
	for {
		if it.pos >= len(it.records) {
			if !it.loadNextBlock() {
				it.current = nil
				it.done = true
				return
			}
			continue
		}

		rec := it.records[it.pos]
		it.pos++

		if it.end != nil && keyCompare(rec.Key, it.end) >= 0 {
			it.current = nil
			it.done = true
			return
		}
		if it.start != nil && keyCompare(rec.Key, it.start) < 0 {
			continue
		}
		if rec.Seqno > it.ceiling {
			continue
		}

		it.current = &rec
		return
	}
}

func (it *Iterator) loadNextBlock() bool {
	if it.err != nil || it.blockIdx >= len(it.core.index) {
		return false
	}
	entry := it.core.index[it.blockIdx]
	it.blockIdx++

	if it.end != nil && keyCompare(entry.FirstKey, it.end) >= 0 {
		return false
	}

	records, err := it.load(entry)
	if err != nil {
		it.err = err
		return false
	}
	it.records = records
	it.pos = 0
	return true
}
