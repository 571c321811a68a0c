package lsmkv

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dd0wney/lsmkv/config"
	"github.com/dd0wney/lsmkv/internal/cache"
	"github.com/dd0wney/lsmkv/internal/compaction"
	"github.com/dd0wney/lsmkv/internal/flush"
	"github.com/dd0wney/lsmkv/internal/journal"
	"github.com/dd0wney/lsmkv/internal/manifest"
	"github.com/dd0wney/lsmkv/internal/memtable"
	"github.com/dd0wney/lsmkv/logging"
)

// Keyspace shares one journal and one block cache across several named
// Tree partitions.
// Journal items carry the partition name, so a single shared journal
// recovery replays into the right partition's memtable once that
// partition is opened.
type Keyspace struct {
	dir  string
	opts config.KeyspaceOptions

	journal *journal.Journal
	cache   *cache.BlockCache

	// flushMgr is shared by every partition, so its per-partition
	// last-flush recency spans the whole keyspace and PickVictim can
	// arbitrate the journal budget across all of them.
	flushMgr *flush.Manager

	// openMu serializes OpenPartition calls; mu guards only the
	// partitions map, and is never held across blocking work, so the
	// flush workers' dispatch lookups can't wedge against a slow open.
	openMu     sync.Mutex
	mu         sync.Mutex
	partitions map[string]*Tree
	pending    map[string][]pendingItem

	stopFsync chan struct{}
	fsyncDone chan struct{}

	stopBudget chan struct{}
	budgetDone chan struct{}
}

// budgetCheckInterval is how often a Keyspace re-evaluates its journal
// size against max_journaling_size_in_bytes. It runs
// regardless of whether periodic fsync is configured, since the size
// invariant is independent of the durability cadence.
const budgetCheckInterval = 200 * time.Millisecond

type pendingItem struct {
	key, value []byte
	seqno      uint64
	typ        memtable.ValueType
}

// OpenKeyspace recovers (or creates) the shared journal and block cache
// at opts.Path. Call OpenPartition for each named tree before using it;
// data recovered from the journal for a partition that's never opened
// is simply never replayed (and its journal shard eventually retired by
// the normal flush path once that partition is opened and flushed).
func OpenKeyspace(opts config.KeyspaceOptions) (*Keyspace, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("lsmkv: %w: keyspace path is required", ErrInvalidConfig)
	}
	d := config.Defaults()
	if opts.BlockCacheBytes == 0 {
		opts.BlockCacheBytes = d.BlockCacheBytes
	}
	if opts.MaxJournalingSizeInBytes == 0 {
		opts.MaxJournalingSizeInBytes = d.MaxJournalingSizeInBytes
	}
	if opts.FsyncMs == 0 {
		opts.FsyncMs = d.FsyncMs
	}

	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("lsmkv: create keyspace dir: %w", err)
	}

	ks := &Keyspace{
		dir:        opts.Path,
		opts:       opts,
		cache:      cache.New(opts.BlockCacheBytes),
		partitions: make(map[string]*Tree),
		pending:    make(map[string][]pendingItem),
	}

	j, err := journal.Recover(filepath.Join(opts.Path, "journals"), ks.recoveryApply)
	if err != nil {
		return nil, fmt.Errorf("lsmkv: recover keyspace journal: %w", err)
	}
	ks.journal = j

	mgr, err := flush.NewManager(d.FlushThreads, ks.dispatchFlush, logging.NewNopLogger())
	if err != nil {
		return nil, fmt.Errorf("lsmkv: start keyspace flush manager: %w", err)
	}
	ks.flushMgr = mgr

	if opts.FsyncMs > 0 {
		ks.stopFsync = make(chan struct{})
		ks.fsyncDone = make(chan struct{})
		go ks.fsyncLoop(time.Duration(opts.FsyncMs) * time.Millisecond)
	}

	ks.stopBudget = make(chan struct{})
	ks.budgetDone = make(chan struct{})
	go ks.budgetLoop()

	return ks, nil
}

// dispatchFlush routes a flush task to the partition that sealed it.
// The shared manager serializes worker capacity and flush recency
// across partitions; the actual segment write still belongs to the
// owning tree.
func (ks *Keyspace) dispatchFlush(task flush.Task) error {
	ks.mu.Lock()
	t := ks.partitions[task.Partition]
	ks.mu.Unlock()
	if t == nil {
		return fmt.Errorf("lsmkv: flush task for unknown partition %q", task.Partition)
	}
	return t.runFlush(task)
}

func (ks *Keyspace) recoveryApply(partition string, item journal.Item, seqno uint64) error {
	typ := memtable.Live
	if item.Type == journal.Tombstone {
		typ = memtable.Tombstone
	}
	ks.pending[partition] = append(ks.pending[partition], pendingItem{
		key: item.Key, value: item.Value, seqno: seqno, typ: typ,
	})
	return nil
}

func (ks *Keyspace) fsyncLoop(interval time.Duration) {
	defer close(ks.fsyncDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, s := range ks.journal.Shards() {
				_ = s.Flush()
			}
		case <-ks.stopFsync:
			return
		}
	}
}

// budgetLoop periodically enforces max_journaling_size_in_bytes by
// calling enforceJournalBudget, which force-flushes a partition whenever
// the partitions' active journal shards together exceed the cap.
func (ks *Keyspace) budgetLoop() {
	defer close(ks.budgetDone)
	ticker := time.NewTicker(budgetCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ks.enforceJournalBudget()
		case <-ks.stopBudget:
			return
		}
	}
}

// enforceJournalBudget measures each partition's active journal shard
// and hands the sizes to the shared flush manager's PickVictim: a
// partition whose shard alone dominates the budget is forced outright,
// otherwise the partition flushed longest ago (never-flushed first) is
// chosen. Partitions with an empty active shard are skipped — forcing a
// seal there would flush nothing.
func (ks *Keyspace) enforceJournalBudget() {
	ks.mu.Lock()
	trees := make(map[string]*Tree, len(ks.partitions))
	for name, t := range ks.partitions {
		trees[name] = t
	}
	ks.mu.Unlock()

	shardSizes := make(map[string]int64, len(trees))
	for name, t := range trees {
		size, err := t.activeShardSize()
		if err != nil || size == 0 {
			continue
		}
		shardSizes[name] = size
	}

	victim, forced := ks.flushMgr.PickVictim(shardSizes, ks.opts.MaxJournalingSizeInBytes)
	if !forced {
		return
	}
	if err := trees[victim].forceSeal(); err != nil {
		trees[victim].logger.Warn("journal budget force-flush failed", logging.Error(err))
	}
}

// OpenPartition opens (creating if absent, recovering if present) the
// named partition, sharing this keyspace's journal and block cache.
// Each partition writes to its own shard in the shared journal
// directory, and partition names are part of each journal Item, so
// recovery routes every item back to its partition. Engine activity is
// discarded; use OpenPartitionWithLogger to observe it.
func (ks *Keyspace) OpenPartition(name string, opts config.Options) (*Tree, error) {
	return ks.openPartition(name, opts, logging.NewNopLogger())
}

// OpenPartitionWithLogger behaves like OpenPartition but routes this
// partition's flush/compaction/journal events through logger, tagged
// with logging.Partition(name) so lines from every partition sharing
// this keyspace's journal stay distinguishable.
func (ks *Keyspace) OpenPartitionWithLogger(name string, opts config.Options, logger logging.Logger) (*Tree, error) {
	return ks.openPartition(name, opts, logger)
}

func (ks *Keyspace) openPartition(name string, opts config.Options, logger logging.Logger) (*Tree, error) {
	ks.openMu.Lock()
	defer ks.openMu.Unlock()

	ks.mu.Lock()
	existing, ok := ks.partitions[name]
	ks.mu.Unlock()
	if ok {
		return existing, nil
	}

	opts.Path = filepath.Join(ks.dir, name)
	if err := opts.EnsureDefaults(); err != nil {
		return nil, fmt.Errorf("lsmkv: %w: %v", ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	shard, err := ks.journal.NewShard()
	if err != nil {
		return nil, fmt.Errorf("lsmkv: open partition journal shard: %w", err)
	}

	t := &Tree{
		opts:            opts,
		dir:             opts.Path,
		partitionName:   name,
		segmentsDir:     filepath.Join(opts.Path, "segments"),
		journalDir:      filepath.Join(ks.dir, "journals"),
		logger:          logging.WithPartition(logger, name),
		journal:         ks.journal,
		ownsJournal:     false,
		activeShard:     shard,
		cache:           ks.cache,
		active:          memtable.New(opts.MaxWriteBufferSizeInBytes),
		immutables:      make(map[string]*memtable.Memtable),
		immutableShards: make(map[string][]*journal.Shard),
		sources:         make(map[string]*sourceEntry),
		strategy: &compaction.LeveledStrategy{
			Level0FileLimit: opts.Level0FileLimit,
			LevelSizeRatio:  opts.LevelSizeRatio,
			MaxLevels:       opts.MaxLevels,
		},
	}

	t.bufCond = sync.NewCond(&t.bufMu)
	t.flushMgr = ks.flushMgr
	t.pendingShards = ks.journal.ShardsHolding(name)

	if err := os.MkdirAll(t.segmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("lsmkv: create partition segments dir: %w", err)
	}

	for _, it := range ks.pending[name] {
		t.active.Insert(&memtable.Record{Key: it.key, Value: it.value, Seqno: it.seqno, Type: it.typ})
		if it.seqno > t.seqno {
			t.seqno = it.seqno
		}
	}
	delete(ks.pending, name)

	m, err := manifest.Load(filepath.Join(t.dir, "levels.manifest"))
	if err != nil {
		return nil, fmt.Errorf("lsmkv: load partition manifest: %w", err)
	}
	t.manifest = m

	if err := t.pruneUnreferencedSegments(); err != nil {
		return nil, err
	}
	if err := t.startWorkers(); err != nil {
		return nil, err
	}

	// Register before the recovered-data seal below: its flush task is
	// served by the shared manager, whose dispatch resolves the
	// partition by name.
	ks.mu.Lock()
	ks.partitions[name] = t
	ks.mu.Unlock()

	if err := t.flushRecoveredData(); err != nil {
		ks.removePartition(name)
		return nil, err
	}
	if err := t.installMarker(); err != nil {
		ks.removePartition(name)
		return nil, err
	}

	return t, nil
}

func (ks *Keyspace) removePartition(name string) {
	ks.mu.Lock()
	delete(ks.partitions, name)
	ks.mu.Unlock()
}

// Close shuts down the background fsync and budget threads, drains the
// shared flush manager, closes every open partition, then closes the
// shared journal once. The flush manager goes first so no worker is
// still dispatching into a partition being torn down.
func (ks *Keyspace) Close() error {
	if ks.stopFsync != nil {
		close(ks.stopFsync)
		<-ks.fsyncDone
	}
	close(ks.stopBudget)
	<-ks.budgetDone

	ks.flushMgr.Close()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	var firstErr error
	for _, t := range ks.partitions {
		t.ownsJournal = false
		if err := t.Close(); err != nil && err != ErrClosed && firstErr == nil {
			firstErr = err
		}
	}
	if err := ks.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

