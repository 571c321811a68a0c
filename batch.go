package lsmkv

import (
	"fmt"

	"github.com/dd0wney/lsmkv/internal/journal"
	"github.com/dd0wney/lsmkv/internal/memtable"
)

// Batch accumulates writes in memory and commits them atomically: one
// acquisition of the shard lock, one shared seqno, one contiguous
// Start/Item*/End journal record, and every item applied to the active
// memtable before the lock is released.
type Batch struct {
	tree  *Tree
	items []journal.Item
}

// Batch starts a new, empty batch builder for this tree.
func (t *Tree) Batch() *Batch {
	return &Batch{tree: t}
}

// Insert stages a live write.
func (b *Batch) Insert(key, value []byte) *Batch {
	b.items = append(b.items, journal.Item{
		Partition: b.tree.partitionName,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Type:      journal.Live,
	})
	return b
}

// Remove stages a tombstone write.
func (b *Batch) Remove(key []byte) *Batch {
	b.items = append(b.items, journal.Item{
		Partition: b.tree.partitionName,
		Key:       append([]byte(nil), key...),
		Type:      journal.Tombstone,
	})
	return b
}

// Len returns the number of staged items.
func (b *Batch) Len() int { return len(b.items) }

// Commit writes the staged items as one atomic journal batch sharing a
// single seqno, then applies them to the active memtable. An empty
// batch is a no-op returning seqno 0.
func (b *Batch) Commit() (uint64, error) {
	if len(b.items) == 0 {
		return 0, nil
	}
	t := b.tree
	if t.closed.Load() {
		return 0, ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.waitWriteBuffer()

	seqno := t.nextSeqno()
	wb := journal.Batch{Seqno: seqno, Items: b.items}
	if _, err := t.activeShard.WriteBatch(wb); err != nil {
		return 0, fmt.Errorf("lsmkv: write batch journal entry: %w", err)
	}
	t.noteShardWrite()

	t.memMu.Lock()
	for _, item := range b.items {
		t.active.Insert(&memtable.Record{
			Key:   item.Key,
			Value: item.Value,
			Seqno: seqno,
			Type:  memtable.ValueType(item.Type),
		})
	}
	full := t.active.IsFull()
	t.memMu.Unlock()

	if full {
		if err := t.sealActive(); err != nil {
			return seqno, err
		}
	}

	if t.metrics != nil {
		t.metrics.WritesTotal.WithLabelValues("batch", "success").Inc()
		t.metrics.RecordBatch(len(b.items))
	}
	return seqno, nil
}
