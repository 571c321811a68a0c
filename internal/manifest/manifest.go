// Package manifest implements the persistent levels manifest: an
// ordered list of segments grouped into levels, L0 allowed to
// overlap, L1+ non-overlapping and key-sorted, committed with an atomic
// write-temp/fsync/rename/fsync-dir sequence.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dd0wney/lsmkv/internal/segment"
)

// SegmentRef is the manifest's record of one segment: enough to locate
// and order it without opening the segment itself.
type SegmentRef struct {
	ID         string
	MinKey     []byte
	MaxKey     []byte
	CreatedSeq uint64
	FileSize   int64
}

// Level is one tier of the manifest. L0 (index 0) may hold overlapping
// segments; every other level holds non-overlapping segments sorted by
// MinKey ascending.
type Level struct {
	Segments []SegmentRef
}

// Manifest is the persistent, lock-guarded levels structure. Selection
// (choosing a compaction) takes the read lock; committing a flush or
// compaction result takes the write lock.
type Manifest struct {
	mu      sync.RWMutex
	path    string
	Levels  []Level
	nextSeq uint64
}

// New creates an empty manifest at path (not yet persisted; AppendL0 or
// Commit persists it).
func New(path string) *Manifest {
	return &Manifest{path: path, Levels: []Level{{}}}
}

// Load reads an existing manifest file. If path does not exist, an
// empty manifest is returned so a fresh database starts from L0 alone.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(path), nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}

	var doc struct {
		Levels  []Level
		NextSeq uint64
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if len(doc.Levels) == 0 {
		doc.Levels = []Level{{}}
	}
	return &Manifest{path: path, Levels: doc.Levels, nextSeq: doc.NextSeq}, nil
}

// save persists the manifest via write-temp/fsync/rename/fsync-dir.
// Caller must hold mu (read or write — save itself only reads m.Levels).
func (m *Manifest) save() error {
	doc := struct {
		Levels  []Level
		NextSeq uint64
	}{m.Levels, m.nextSeq}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp := m.path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("manifest: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("manifest: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("manifest: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("manifest: close temp file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("manifest: rename: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("manifest: open dir for fsync: %w", err)
	}
	defer d.Close()
	return d.Sync()
}

// NextCreatedSeq allocates the next monotonic creation-order counter
// value, used to stamp a new segment so L0 can be ordered newest-first
// without relying on id string ordering.
func (m *Manifest) NextCreatedSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	return m.nextSeq
}

// AppendL0 adds a freshly flushed segment to L0 and persists the
// manifest.
func (m *Manifest) AppendL0(ref SegmentRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Levels[0].Segments = append(m.Levels[0].Segments, ref)
	return m.save()
}

// Commit atomically replaces a set of input segments (identified by id,
// drawn from any levels) with a set of output segments in targetLevel,
// in a single manifest rewrite. Output segments are inserted sorted by MinKey if
// targetLevel >= 1 (non-overlapping invariant); L0 outputs are just
// appended.
func (m *Manifest) Commit(removeIDs []string, adds []SegmentRef, targetLevel int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	remove := make(map[string]bool, len(removeIDs))
	for _, id := range removeIDs {
		remove[id] = true
	}

	for i := range m.Levels {
		kept := m.Levels[i].Segments[:0]
		for _, ref := range m.Levels[i].Segments {
			if !remove[ref.ID] {
				kept = append(kept, ref)
			}
		}
		m.Levels[i].Segments = kept
	}

	for len(m.Levels) <= targetLevel {
		m.Levels = append(m.Levels, Level{})
	}

	m.Levels[targetLevel].Segments = append(m.Levels[targetLevel].Segments, adds...)
	if targetLevel >= 1 {
		sort.Slice(m.Levels[targetLevel].Segments, func(i, j int) bool {
			return string(m.Levels[targetLevel].Segments[i].MinKey) < string(m.Levels[targetLevel].Segments[j].MinKey)
		})
	}

	return m.save()
}

// Snapshot returns a deep-enough copy of the current levels for
// compaction-strategy selection under the read lock, so the strategy can
// inspect the manifest without holding the lock across its own work.
func (m *Manifest) Snapshot() []Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Level, len(m.Levels))
	for i, lvl := range m.Levels {
		segs := make([]SegmentRef, len(lvl.Segments))
		copy(segs, lvl.Segments)
		out[i] = Level{Segments: segs}
	}
	return out
}

// FlattenedNewestFirst returns every segment newest-first overall:
// L0 newest-to-oldest by CreatedSeq, then L1..Ln in level order.
func (m *Manifest) FlattenedNewestFirst() []SegmentRef {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SegmentRef
	if len(m.Levels) > 0 {
		l0 := append([]SegmentRef(nil), m.Levels[0].Segments...)
		sort.Slice(l0, func(i, j int) bool { return l0[i].CreatedSeq > l0[j].CreatedSeq })
		out = append(out, l0...)
	}
	for i := 1; i < len(m.Levels); i++ {
		out = append(out, m.Levels[i].Segments...)
	}
	return out
}

// AllSegmentIDs returns every segment id referenced anywhere in the
// manifest, used on open to delete unreferenced segment directories.
func (m *Manifest) AllSegmentIDs() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[string]bool)
	for _, lvl := range m.Levels {
		for _, ref := range lvl.Segments {
			ids[ref.ID] = true
		}
	}
	return ids
}

// RefFromMetadata builds a SegmentRef from a finalized segment's metadata.
func RefFromMetadata(meta *segment.Metadata) SegmentRef {
	return SegmentRef{
		ID:         meta.ID,
		MinKey:     meta.MinKey,
		MaxKey:     meta.MaxKey,
		CreatedSeq: meta.CreatedSeq,
		FileSize:   meta.FileSize,
	}
}
