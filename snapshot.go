package lsmkv

import "sync"

// snapshotTracker counts open snapshots per seqno ceiling, so compaction
// can compute the minimum ceiling across every currently open snapshot
// (compaction's tombstone eviction is gated on this minimum).
type snapshotTracker struct {
	mu   sync.Mutex
	open map[uint64]int
}

func (st *snapshotTracker) acquire(seqno uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.open == nil {
		st.open = make(map[uint64]int)
	}
	st.open[seqno]++
}

func (st *snapshotTracker) release(seqno uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.open[seqno] <= 1 {
		delete(st.open, seqno)
		return
	}
	st.open[seqno]--
}

// minOpenSeqno returns the lowest ceiling among all currently open
// snapshots, or (0, false) if none are open.
func (st *snapshotTracker) minOpenSeqno() (uint64, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	min, found := uint64(0), false
	for seqno := range st.open {
		if !found || seqno < min {
			min, found = seqno, true
		}
	}
	return min, found
}

// Snapshot is a read view pinned to the seqno in effect when it was
// taken: reads through it never observe a write committed afterward.
// Release MUST be called once the snapshot is no longer needed, or
// compaction can never evict tombstones at or below its ceiling.
type Snapshot struct {
	tree    *Tree
	ceiling uint64
	once    sync.Once
}

// Snapshot captures the tree's current seqno as a read ceiling.
func (t *Tree) Snapshot() *Snapshot {
	ceiling := t.currentSeqnoCeiling()
	t.snapshots.acquire(ceiling)
	return &Snapshot{tree: t, ceiling: ceiling}
}

// Get performs the same layered lookup as Tree.Get, filtered to records
// with Seqno <= the snapshot's ceiling.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	rec, err := s.tree.getInternal(key, s.ceiling)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.IsTombstone() {
		return nil, ErrKeyNotFound
	}
	if rec.Value == nil {
		return []byte{}, nil
	}
	return rec.Value, nil
}

// Range returns a merged iterator over [start, end) as of this
// snapshot's ceiling.
func (s *Snapshot) Range(start, end []byte) (*Iterator, error) {
	return s.tree.newRangeIterator(start, end, s.ceiling)
}

// Release drops this snapshot's hold on its ceiling seqno. Safe to call
// more than once; only the first call has effect.
func (s *Snapshot) Release() {
	s.once.Do(func() { s.tree.snapshots.release(s.ceiling) })
}
