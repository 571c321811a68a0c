package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Journal owns a directory of shards, one subdirectory per shard. It
// does not itself decide which shard a partition writes to — the
// Tree/Keyspace pin an active shard and call WriteBatch on it directly —
// but it creates, recovers, lists, and retires shard directories. A
// shard may hold batches from several partitions at once when a
// keyspace shares the journal, so each shard tracks the set of
// partitions with unflushed data in it (its holders); the shard
// directory is only deleted once that set drains to empty.
type Journal struct {
	mu      sync.RWMutex
	dir     string
	shards  map[string]*Shard
	holders map[string]map[string]struct{}
}

// New creates a Journal rooted at dir with no shards yet. Use Recover
// instead when dir may already contain shard files from a previous run.
func New(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	return &Journal{
		dir:     dir,
		shards:  make(map[string]*Shard),
		holders: make(map[string]map[string]struct{}),
	}, nil
}

// Recover scans dir for existing per-shard directories, replays each
// shard in sortable-id order via RecoverShard, and returns a
// ready-to-use Journal. apply is invoked once per item of every
// validated batch, across every shard. Shard directories carrying a
// `.flush` marker are deleted without replay, as are empty leftovers
// from a crash between directory creation and the first write.
func Recover(dir string, apply Apply) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("journal: read dir: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dirs = append(dirs, filepath.Join(dir, e.Name()))
	}
	sort.Strings(dirs) // ids are millis-prefixed, so lexicographic == chronological

	j := &Journal{
		dir:     dir,
		shards:  make(map[string]*Shard),
		holders: make(map[string]map[string]struct{}),
	}
	for _, shardDir := range dirs {
		p := shardFilePath(shardDir)
		if hasFlushMarker(shardDir) {
			// Every partition whose data lived in this shard has already
			// been durably flushed; the shard is retired and safe to drop
			// without replay.
			_ = os.RemoveAll(shardDir)
			continue
		}
		if info, err := os.Stat(p); os.IsNotExist(err) || (err == nil && info.Size() == 0) {
			// A crash between shard creation and the first write, or a
			// partition that never wrote before shutdown: nothing to
			// replay, nothing to keep.
			_ = os.RemoveAll(shardDir)
			continue
		}
		seen := make(map[string]struct{})
		shard, err := RecoverShard(p, func(partition string, item Item, seqno uint64) error {
			seen[partition] = struct{}{}
			return apply(partition, item, seqno)
		})
		if err != nil {
			return nil, fmt.Errorf("journal: recover shard %s: %w", p, err)
		}
		j.shards[shard.ID] = shard
		if len(seen) > 0 {
			j.holders[shard.ID] = seen
		}
	}
	return j, nil
}

// NewShard creates and registers a fresh shard.
func (j *Journal) NewShard() (*Shard, error) {
	s, err := CreateShard(j.dir)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	j.shards[s.ID] = s
	j.mu.Unlock()
	return s, nil
}

// Rotate closes the current shard (after fsync) and opens a new one —
// used when sealing a memtable so future writes target a fresh file. The
// old shard is retained until every partition holding unflushed data in
// it has called Release.
func (j *Journal) Rotate(current *Shard) (*Shard, error) {
	if err := current.Close(); err != nil {
		return nil, fmt.Errorf("journal: close shard before rotate: %w", err)
	}
	return j.NewShard()
}

// Acquire records that partition has unflushed data in s. Idempotent per
// (shard, partition) pair; callers register once per shard, on the first
// batch they write into it.
func (j *Journal) Acquire(s *Shard, partition string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	h, ok := j.holders[s.ID]
	if !ok {
		h = make(map[string]struct{})
		j.holders[s.ID] = h
	}
	h[partition] = struct{}{}
}

// Release drops partition's hold on s after its data has been durably
// flushed to a segment. When the last holder drops, the shard is marked
// flushed and its file deleted; retired reports whether that happened.
func (j *Journal) Release(s *Shard, partition string) (retired bool, err error) {
	j.mu.Lock()
	h, ok := j.holders[s.ID]
	if ok {
		delete(h, partition)
		if len(h) == 0 {
			delete(j.holders, s.ID)
		}
	}
	empty := !ok || len(h) == 0
	j.mu.Unlock()

	if !empty {
		return false, nil
	}
	if err := j.MarkFlushed(s); err != nil {
		return false, err
	}
	return true, j.Retire(s)
}

// ShardsHolding returns the shards that still carry unflushed data for
// partition, as recorded during recovery or by Acquire.
func (j *Journal) ShardsHolding(partition string) []*Shard {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []*Shard
	for id, h := range j.holders {
		if _, ok := h[partition]; ok {
			if s, ok := j.shards[id]; ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// MarkFlushed writes the `.flush` marker into a shard's directory,
// indicating every partition's data in it has been durably flushed and
// the shard may be deleted on the next recovery.
func (j *Journal) MarkFlushed(s *Shard) error {
	f, err := os.Create(flushMarkerPath(s.Dir()))
	if err != nil {
		return fmt.Errorf("journal: write flush marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Retire closes a flushed shard, removes its directory (file and
// marker), and forgets it.
func (j *Journal) Retire(s *Shard) error {
	j.mu.Lock()
	delete(j.shards, s.ID)
	delete(j.holders, s.ID)
	j.mu.Unlock()

	_ = s.Close()
	return os.RemoveAll(s.Dir())
}

func shardFilePath(shardDir string) string {
	return filepath.Join(shardDir, "shard.journal")
}

func flushMarkerPath(shardDir string) string {
	return filepath.Join(shardDir, ".flush")
}

func hasFlushMarker(shardDir string) bool {
	_, err := os.Stat(flushMarkerPath(shardDir))
	return err == nil
}

// Shards returns every shard currently tracked by the journal.
func (j *Journal) Shards() []*Shard {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*Shard, 0, len(j.shards))
	for _, s := range j.shards {
		out = append(out, s)
	}
	return out
}

// TotalSize sums every shard's on-disk size, used to enforce
// max_journaling_size_in_bytes across the journal.
func (j *Journal) TotalSize() (int64, error) {
	j.mu.RLock()
	shards := make([]*Shard, 0, len(j.shards))
	for _, s := range j.shards {
		shards = append(shards, s)
	}
	j.mu.RUnlock()

	var total int64
	for _, s := range shards {
		size, err := s.Size()
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

// Close flushes and closes every shard.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	for _, s := range j.shards {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
