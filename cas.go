package lsmkv

import (
	"bytes"
	"fmt"

	"github.com/dd0wney/lsmkv/internal/journal"
	"github.com/dd0wney/lsmkv/internal/memtable"
)

// CompareAndSwap reads the current value for key under the write lock,
// compares it against expected, and on match writes next (a live value,
// or a tombstone if next is nil) with a fresh seqno. The read happens
// under the same lock as the write, so no other writer can interleave
// between the compare and the set. On mismatch, returns
// *CASMismatchError describing the actual current value.
//
// A nil expected (or next) means "absent"; an empty non-nil slice means
// "present with an empty value". The two never match each other: a key
// holding an empty value is still present.
func (t *Tree) CompareAndSwap(key, expected, next []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.waitWriteBuffer()

	cur, err := t.getInternal(key, ^uint64(0))
	if err != nil {
		return err
	}

	curPresent := cur != nil && !cur.IsTombstone()
	var curValue []byte
	if curPresent {
		curValue = cur.Value
		if curValue == nil {
			curValue = []byte{}
		}
	}
	if curPresent != (expected != nil) || !bytes.Equal(curValue, expected) {
		return &CASMismatchError{Prev: curValue, Next: next}
	}

	seqno := t.nextSeqno()
	typ := memtable.Live
	valType := journal.Live
	if next == nil {
		typ = memtable.Tombstone
		valType = journal.Tombstone
	}

	batch := journal.Batch{
		Seqno: seqno,
		Items: []journal.Item{{Partition: t.partitionName, Key: key, Value: next, Type: valType}},
	}
	if _, err := t.activeShard.WriteBatch(batch); err != nil {
		return fmt.Errorf("lsmkv: write cas journal entry: %w", err)
	}
	t.noteShardWrite()

	t.memMu.Lock()
	t.active.Insert(&memtable.Record{Key: key, Value: next, Seqno: seqno, Type: typ})
	full := t.active.IsFull()
	t.memMu.Unlock()

	if full {
		return t.sealActive()
	}
	return nil
}

// FetchUpdate reads the current value (nil if absent), applies f, and
// CAS-writes the result, retrying on mismatch until it wins. It returns
// the pre-update value — the one f was called with, not the one it
// produced. f may be called more than once under contention and must
// be side-effect free beyond producing its return value.
func (t *Tree) FetchUpdate(key []byte, f func(cur []byte) []byte) ([]byte, error) {
	for {
		cur, err := t.getSnapshotForUpdate(key)
		if err != nil {
			return nil, err
		}
		next := f(cur)
		err = t.CompareAndSwap(key, cur, next)
		if err == nil {
			return cur, nil
		}
		if _, ok := err.(*CASMismatchError); ok {
			continue
		}
		return nil, err
	}
}

// UpdateFetch behaves like FetchUpdate but returns the post-update
// value f produced, rather than the value that preceded it.
func (t *Tree) UpdateFetch(key []byte, f func(cur []byte) []byte) ([]byte, error) {
	for {
		cur, err := t.getSnapshotForUpdate(key)
		if err != nil {
			return nil, err
		}
		next := f(cur)
		err = t.CompareAndSwap(key, cur, next)
		if err == nil {
			return next, nil
		}
		if _, ok := err.(*CASMismatchError); ok {
			continue
		}
		return nil, err
	}
}

func (t *Tree) getSnapshotForUpdate(key []byte) ([]byte, error) {
	v, err := t.Get(key)
	if err == ErrKeyNotFound {
		return nil, nil
	}
	return v, err
}
