// Package lsmkv implements an embedded, single-process log-structured
// merge-tree key-value storage engine: journal-backed durability, an
// in-memory memtable write buffer, immutable on-disk segments organized
// into levels, and background flush/compaction workers. See tree.go,
// keyspace.go, batch.go, cas.go, snapshot.go, and iterator.go for the
// public surface.
package lsmkv

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/lsmkv/config"
	"github.com/dd0wney/lsmkv/internal/cache"
	"github.com/dd0wney/lsmkv/internal/compaction"
	"github.com/dd0wney/lsmkv/internal/flush"
	"github.com/dd0wney/lsmkv/internal/journal"
	"github.com/dd0wney/lsmkv/internal/manifest"
	"github.com/dd0wney/lsmkv/internal/memtable"
	"github.com/dd0wney/lsmkv/internal/segment"
	"github.com/dd0wney/lsmkv/logging"
	"github.com/dd0wney/lsmkv/metrics"
)

const markerFile = ".lsm"

// sourceEntry is a lazily-opened, reference-counted segment.Source. A
// compaction that supersedes a segment marks it for deletion but the
// underlying file and directory are only removed once every iterator or
// Get call that acquired it has released, so in-flight readers keep
// working against segments the manifest no longer references.
type sourceEntry struct {
	src    segment.Source
	dir    string
	refs   int64
	delete bool
}

// Tree is a single LSM-tree partition: its own memtables, manifest, and
// segment directory, optionally sharing a journal and block cache with
// sibling partitions via a Keyspace.
type Tree struct {
	opts config.Options
	dir  string

	// partitionName is the journal.Item partition tag this tree's writes
	// carry. Empty for a standalone Tree (Open); set to the partition's
	// name for a tree opened via Keyspace.OpenPartition, since all
	// partitions of a keyspace share one journal keyed by this name.
	partitionName string

	segmentsDir string
	journalDir  string

	logger  logging.Logger
	metrics *metrics.Registry

	journal     *journal.Journal
	ownsJournal bool
	activeShard *journal.Shard

	cache    *cache.BlockCache
	manifest *manifest.Manifest

	writeMu sync.Mutex // serializes append+insert, models the shard lock

	// sealedBytes is the total approximate size of sealed-but-unflushed
	// memtables. Writers block on bufCond while it sits at or above
	// max_write_buffer_size_in_bytes, so a stalled flusher applies
	// backpressure instead of letting memory grow unbounded.
	bufMu       sync.Mutex
	bufCond     *sync.Cond
	sealedBytes int64

	// pendingShards are the shards carrying the active memtable's data:
	// recovered shards replayed at open plus, once the first write lands,
	// the active shard. sealActive transfers them to immutableShards so
	// runFlush can release each one after the segment is durable.
	// Guarded by writeMu.
	pendingShards []*journal.Shard
	shardAcquired bool

	memMu           sync.RWMutex
	active          *memtable.Memtable
	immutables      map[string]*memtable.Memtable
	immutableOrder  []string // oldest to newest
	immutableShards map[string][]*journal.Shard

	sourcesMu sync.Mutex
	sources   map[string]*sourceEntry

	seqno uint64 // atomic

	snapshots snapshotTracker

	// flushMgr is created by startWorkers for a standalone tree, or
	// injected by the owning Keyspace so every partition shares one
	// manager (worker capacity and flush recency in one place).
	flushMgr     *flush.Manager
	ownsFlushMgr bool
	compactor    *compaction.Worker
	strategy     compaction.Strategy

	// compacting claims segment ids that are inputs of an in-flight
	// compaction, so two overlapping plans never run at once.
	compactingMu sync.Mutex
	compacting   map[string]bool

	stopFsync chan struct{}
	fsyncDone chan struct{}

	closed atomic.Bool
}

// Open creates a new tree at opts.Path if no marker file exists, or
// recovers an existing one. Background flush and compaction workers are
// started before Open returns. Engine activity is discarded; use
// OpenWithLogger to observe it.
func Open(opts config.Options) (*Tree, error) {
	return open(opts, nil, nil)
}

// OpenWithLogger behaves like Open but routes flush, compaction, and
// journal-shard events through logger instead of discarding them. A
// standalone tree has no partition name, so logger is used as given;
// partitions opened through a Keyspace are tagged with
// logging.Partition instead.
func OpenWithLogger(opts config.Options, logger logging.Logger) (*Tree, error) {
	return open(opts, logger, nil)
}

func open(opts config.Options, logger logging.Logger, reg *metrics.Registry) (*Tree, error) {
	if err := opts.EnsureDefaults(); err != nil {
		return nil, fmt.Errorf("lsmkv: %w: %v", ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	t := &Tree{
		opts:            opts,
		dir:             opts.Path,
		logger:          logging.WithPartition(logger, ""),
		metrics:         reg,
		segmentsDir:     filepath.Join(opts.Path, "segments"),
		journalDir:      filepath.Join(opts.Path, "journals"),
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

	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("lsmkv: create db dir: %w", err)
	}
	if err := os.MkdirAll(t.segmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("lsmkv: create segments dir: %w", err)
	}

	t.cache = cache.New(opts.BlockCacheBytes)
	t.active = memtable.New(opts.MaxWriteBufferSizeInBytes)

	j, err := journal.Recover(t.journalDir, t.recoveryApply)
	if err != nil {
		return nil, fmt.Errorf("lsmkv: recover journal: %w", err)
	}
	t.journal = j
	t.ownsJournal = true
	t.pendingShards = j.ShardsHolding(t.partitionName)

	shard, err := j.NewShard()
	if err != nil {
		return nil, fmt.Errorf("lsmkv: open active journal shard: %w", err)
	}
	t.activeShard = shard

	m, err := manifest.Load(filepath.Join(opts.Path, "levels.manifest"))
	if err != nil {
		return nil, fmt.Errorf("lsmkv: load manifest: %w", err)
	}
	t.manifest = m

	if err := t.pruneUnreferencedSegments(); err != nil {
		return nil, err
	}

	if err := t.startWorkers(); err != nil {
		return nil, err
	}

	if err := t.flushRecoveredData(); err != nil {
		return nil, err
	}

	if err := t.installMarker(); err != nil {
		return nil, err
	}

	if opts.FsyncMs > 0 {
		t.stopFsync = make(chan struct{})
		t.fsyncDone = make(chan struct{})
		go t.fsyncLoop(time.Duration(opts.FsyncMs) * time.Millisecond)
	}

	return t, nil
}

// fsyncLoop fsyncs every journal shard at the configured fsync_ms
// cadence, bounding how far durability can lag a returned write. Only a
// standalone tree runs one; partitions of a Keyspace rely on the
// keyspace's shared loop.
func (t *Tree) fsyncLoop(interval time.Duration) {
	defer close(t.fsyncDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, s := range t.journal.Shards() {
				_ = s.Flush()
			}
		case <-t.stopFsync:
			return
		}
	}
}

// OpenWithMetrics behaves like Open but records engine activity against
// reg instead of leaving metrics disabled. The registry is installed
// before the flush manager starts so its queue-depth gauge is wired from
// the first task on.
func OpenWithMetrics(opts config.Options, reg *metrics.Registry) (*Tree, error) {
	return open(opts, nil, reg)
}

// recoveryApply is the journal.Apply callback: every recovered item
// (across every un-flushed shard) lands in the active memtable, stamped
// with its original seqno, and advances the seqno counter so future
// writes continue from where the journal left off.
func (t *Tree) recoveryApply(partition string, item journal.Item, seqno uint64) error {
	if partition != t.partitionName {
		return nil
	}
	t.active.Insert(&memtable.Record{
		Key:   item.Key,
		Value: item.Value,
		Seqno: seqno,
		Type:  memtable.ValueType(item.Type),
	})
	for {
		cur := atomic.LoadUint64(&t.seqno)
		if seqno <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&t.seqno, cur, seqno) {
			break
		}
	}
	return nil
}

// flushRecoveredData seals and enqueues whatever the recovery pass
// loaded into the active memtable, so a restart after a crash durably
// re-persists that data rather than leaving it to grow unbounded in
// memory.
func (t *Tree) flushRecoveredData() error {
	if t.active.Len() == 0 {
		return nil
	}
	return t.forceSeal()
}

// pruneUnreferencedSegments deletes segment directories on disk that the
// manifest doesn't reference: the remnant of a crash between a flush's
// rename-into-place and its manifest commit.
func (t *Tree) pruneUnreferencedSegments() error {
	entries, err := os.ReadDir(t.segmentsDir)
	if err != nil {
		return fmt.Errorf("lsmkv: read segments dir: %w", err)
	}
	referenced := t.manifest.AllSegmentIDs()
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".tmp" {
			_ = os.RemoveAll(filepath.Join(t.segmentsDir, name))
			continue
		}
		if !e.IsDir() || referenced[name] {
			continue
		}
		if _, err := segment.Open(filepath.Join(t.segmentsDir, name), nil); err != nil {
			_ = os.RemoveAll(filepath.Join(t.segmentsDir, name))
		}
	}
	return nil
}

func (t *Tree) installMarker() error {
	path := filepath.Join(t.dir, markerFile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("lsmkv: install marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (t *Tree) startWorkers() error {
	if t.flushMgr == nil {
		execute := func(task flush.Task) error {
			return t.runFlush(task)
		}
		var mgrOpts []flush.ManagerOption
		if t.metrics != nil {
			mgrOpts = append(mgrOpts, flush.WithQueueDepthGauge(func(depth int) {
				t.metrics.SetFlushQueueDepth(depth)
			}))
		}
		mgr, err := flush.NewManager(t.opts.FlushThreads, execute, t.logger, mgrOpts...)
		if err != nil {
			return fmt.Errorf("lsmkv: start flush manager: %w", err)
		}
		t.flushMgr = mgr
		t.ownsFlushMgr = true
	}

	worker, err := compaction.NewWorker(t.opts.CompactionThreads, t.logger)
	if err != nil {
		return fmt.Errorf("lsmkv: start compaction worker: %w", err)
	}
	t.compactor = worker
	return nil
}

// activeShardSize reports the on-disk size of the shard the next write
// would land in, used by a Keyspace's journal budget enforcement.
func (t *Tree) activeShardSize() (int64, error) {
	t.writeMu.Lock()
	shard := t.activeShard
	t.writeMu.Unlock()
	return shard.Size()
}

func (t *Tree) nextSeqno() uint64 {
	return atomic.AddUint64(&t.seqno, 1)
}

func (t *Tree) currentSeqnoCeiling() uint64 {
	return atomic.LoadUint64(&t.seqno)
}

// waitWriteBuffer blocks the calling writer until the total size of
// sealed, unflushed memtables drops below the configured write-buffer
// cap. The active memtable's own growth is handled by sealing, so only
// sealed backlog counts here.
func (t *Tree) waitWriteBuffer() {
	t.bufMu.Lock()
	for t.sealedBytes >= t.opts.MaxWriteBufferSizeInBytes {
		t.bufCond.Wait()
	}
	t.bufMu.Unlock()
}

// noteShardWrite registers the active shard as a holder of this
// partition's unflushed data, once per shard. Callers must hold writeMu.
func (t *Tree) noteShardWrite() {
	if t.shardAcquired {
		return
	}
	t.journal.Acquire(t.activeShard, t.partitionName)
	t.pendingShards = append(t.pendingShards, t.activeShard)
	t.shardAcquired = true
}

// write appends a single-item batch to the journal and inserts it into
// the active memtable under the write lock. The journal append happens
// before the memtable mutation becomes visible, and both happen before
// the lock is released; the append is not fsynced here (see Flush and
// fsyncLoop).
func (t *Tree) write(key, value []byte, typ memtable.ValueType) (uint64, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.waitWriteBuffer()

	seqno := t.nextSeqno()
	batch := journal.Batch{
		Seqno: seqno,
		Items: []journal.Item{{
			Partition: t.partitionName,
			Key:       key,
			Value:     value,
			Type:      journal.ValueType(typ),
		}},
	}
	if _, err := t.activeShard.WriteBatch(batch); err != nil {
		return 0, fmt.Errorf("lsmkv: write journal batch: %w", err)
	}
	t.noteShardWrite()

	t.memMu.Lock()
	t.active.Insert(&memtable.Record{Key: key, Value: value, Seqno: seqno, Type: typ})
	full := t.active.IsFull()
	t.memMu.Unlock()

	if full {
		if err := t.sealActive(); err != nil {
			return seqno, err
		}
	}

	return seqno, nil
}

// Insert writes key/value with a fresh seqno.
func (t *Tree) Insert(key, value []byte) error {
	start := time.Now()
	_, err := t.write(key, value, memtable.Live)
	if t.metrics != nil {
		t.metrics.RecordWrite("insert", statusLabel(err), time.Since(start))
	}
	return err
}

// Remove writes a tombstone for key with a fresh seqno.
func (t *Tree) Remove(key []byte) error {
	start := time.Now()
	_, err := t.write(key, nil, memtable.Tombstone)
	if t.metrics != nil {
		t.metrics.RecordWrite("remove", statusLabel(err), time.Since(start))
	}
	return err
}

// statusLabel maps an operation outcome to the status label its metric
// carries. Expected misses (ErrKeyNotFound) count as successes: the
// engine answered, the key just wasn't there.
func statusLabel(err error) string {
	if err == nil || err == ErrKeyNotFound {
		return "success"
	}
	return "error"
}

// Get returns the newest live value for key, or ErrKeyNotFound if the
// key is absent or its newest version is a tombstone.
func (t *Tree) Get(key []byte) ([]byte, error) {
	start := time.Now()
	rec, err := t.getInternal(key, ^uint64(0))
	if err == nil && (rec == nil || rec.IsTombstone()) {
		err = ErrKeyNotFound
	}
	if t.metrics != nil {
		t.metrics.RecordRead("get", statusLabel(err), time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	if rec.Value == nil {
		// A present key always reads back non-nil, so callers (and the
		// CAS retry loops) can tell an empty value from an absent key.
		return []byte{}, nil
	}
	return rec.Value, nil
}

// ContainsKey reports whether Get would succeed.
func (t *Tree) ContainsKey(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err == ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// getInternal implements the layered lookup: active memtable, then
// immutable memtables newest-first, then segments
// newest-first. Returns (nil, nil) if absent everywhere; the caller
// decides whether a tombstone counts as absent.
func (t *Tree) getInternal(key []byte, ceiling uint64) (*memtable.Record, error) {
	t.memMu.RLock()
	if rec, ok := t.active.Get(key, ceiling); ok {
		t.memMu.RUnlock()
		return rec, nil
	}
	for i := len(t.immutableOrder) - 1; i >= 0; i-- {
		mt := t.immutables[t.immutableOrder[i]]
		if rec, ok := mt.Get(key, ceiling); ok {
			t.memMu.RUnlock()
			return rec, nil
		}
	}
	t.memMu.RUnlock()

	for _, ref := range t.manifest.FlattenedNewestFirst() {
		if keyOutsideRange(key, ref.MinKey, ref.MaxKey) {
			continue
		}
		src, release, err := t.acquireSource(ref.ID)
		if err != nil {
			return nil, err
		}
		rec, ok, err := src.Get(key, ceiling)
		release()
		if err != nil {
			return nil, err
		}
		if ok {
			return &memtable.Record{Key: rec.Key, Value: rec.Value, Seqno: rec.Seqno, Type: memtable.ValueType(rec.Type)}, nil
		}
	}
	return nil, nil
}

func keyOutsideRange(key, min, max []byte) bool {
	return bytes.Compare(key, min) < 0 || bytes.Compare(key, max) > 0
}

// sealActive moves the active memtable to the immutable set, rotates
// the journal shard, and enqueues a flush task. Callers must hold
// writeMu.
func (t *Tree) sealActive() error {
	// Fsync the outgoing shard before writes move to a fresh one, so
	// Flush, which syncs only the active shard, covers every earlier write.
	if err := t.activeShard.Flush(); err != nil {
		return fmt.Errorf("lsmkv: fsync journal shard before rotate: %w", err)
	}
	t.memMu.Lock()
	if t.active.Len() == 0 {
		t.memMu.Unlock()
		return nil
	}
	sealed := t.active
	id := journal.NewShardID(time.Now())
	t.immutables[id] = sealed
	t.immutableOrder = append(t.immutableOrder, id)
	t.immutableShards[id] = t.pendingShards
	t.active = memtable.New(t.opts.MaxWriteBufferSizeInBytes)
	t.memMu.Unlock()

	t.pendingShards = nil
	t.shardAcquired = false

	sealedSize := sealed.Size()
	t.bufMu.Lock()
	t.sealedBytes += sealedSize
	t.bufMu.Unlock()

	newShard, err := t.journal.NewShard()
	if err != nil {
		return fmt.Errorf("lsmkv: rotate journal shard: %w", err)
	}
	t.activeShard = newShard

	t.flushMgr.Enqueue(flush.Task{
		Partition:  t.partitionName,
		MemtableID: id,
		Records:    sealed.AllVersions(),
		Bytes:      sealedSize,
	})
	if t.metrics != nil {
		t.metrics.SealedMemtablesTotal.Set(float64(len(t.immutableOrder)))
	}
	return nil
}

// runFlush is the flush.Manager's Execute callback: writes a segment
// from the sealed memtable's records, commits it to L0, removes the
// immutable memtable, and releases the journal shards that carried it.
func (t *Tree) runFlush(task flush.Task) (err error) {
	timer := logging.StartTimer(t.logger, "flush complete",
		logging.Partition(task.Partition), logging.MemtableID(task.MemtableID), logging.RecordCount(len(task.Records)))
	defer func() {
		if err != nil {
			timer.EndError(err)
		} else {
			timer.End()
		}
	}()

	id := journal.NewShardID(time.Now())
	w, err := segment.NewWriter(t.segmentsDir, id, t.opts.BlockSize, t.opts.Compress, len(task.Records))
	if err != nil {
		return fmt.Errorf("lsmkv: open flush writer: %w", err)
	}
	for _, rec := range task.Records {
		if err := w.Add(segment.Record{Key: rec.Key, Value: rec.Value, Seqno: rec.Seqno, Type: segment.ValueType(rec.Type)}); err != nil {
			_ = w.Abort()
			return fmt.Errorf("lsmkv: write flush record: %w", err)
		}
	}
	meta, err := w.Finish(t.manifest.NextCreatedSeq())
	if err != nil {
		return fmt.Errorf("lsmkv: finish flush segment: %w", err)
	}
	if err := t.manifest.AppendL0(manifest.RefFromMetadata(meta)); err != nil {
		return fmt.Errorf("lsmkv: commit flushed segment: %w", err)
	}

	t.memMu.Lock()
	delete(t.immutables, task.MemtableID)
	for i, mtID := range t.immutableOrder {
		if mtID == task.MemtableID {
			t.immutableOrder = append(t.immutableOrder[:i], t.immutableOrder[i+1:]...)
			break
		}
	}
	shards := t.immutableShards[task.MemtableID]
	delete(t.immutableShards, task.MemtableID)
	t.memMu.Unlock()

	for _, shard := range shards {
		if _, err := t.journal.Release(shard, t.partitionName); err != nil {
			t.logger.Warn("retire journal shard failed", logging.MemtableID(task.MemtableID), logging.Error(err))
		}
	}

	t.bufMu.Lock()
	t.sealedBytes -= task.Bytes
	t.bufCond.Broadcast()
	t.bufMu.Unlock()

	if t.metrics != nil {
		t.metrics.FlushesTotal.WithLabelValues("success").Inc()
	}
	t.maybeCompact()
	return nil
}

// forceSeal seals the active memtable regardless of its size, used by a
// Keyspace to force-flush the LRU partition when the shared journal's
// total size exceeds max_journaling_size_in_bytes.
func (t *Tree) forceSeal() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.sealActive()
}

// maybeCompact asks the configured strategy for a plan and, if one is
// returned, submits it to the compaction worker pool. A plan whose
// inputs overlap an in-flight compaction is skipped; the next flush or
// compaction completion re-evaluates.
func (t *Tree) maybeCompact() {
	levels := t.manifest.Snapshot()
	plan := t.strategy.Choose(levels)
	if plan == nil {
		return
	}
	if !t.claimInputs(plan.InputIDs) {
		return
	}
	submitted := t.compactor.SubmitPlan(plan.SourceLevel, plan.TargetLevel, func() {
		defer t.releaseInputs(plan.InputIDs)
		if err := t.runCompaction(plan); err != nil {
			t.logger.Error("compaction failed",
				logging.SourceLevel(plan.SourceLevel), logging.TargetLevel(plan.TargetLevel), logging.Error(err))
		}
	})
	if !submitted {
		t.releaseInputs(plan.InputIDs)
	}
}

// claimInputs atomically claims every id, or none if any is already the
// input of a running compaction.
func (t *Tree) claimInputs(ids []string) bool {
	t.compactingMu.Lock()
	defer t.compactingMu.Unlock()
	if t.compacting == nil {
		t.compacting = make(map[string]bool)
	}
	for _, id := range ids {
		if t.compacting[id] {
			return false
		}
	}
	for _, id := range ids {
		t.compacting[id] = true
	}
	return true
}

func (t *Tree) releaseInputs(ids []string) {
	t.compactingMu.Lock()
	defer t.compactingMu.Unlock()
	for _, id := range ids {
		delete(t.compacting, id)
	}
}

// runCompaction opens the plan's input segments, runs the merge, commits
// the result to the manifest, and marks superseded segments for deletion
// (deferred until their reference count drops to zero).
func (t *Tree) runCompaction(plan *compaction.Plan) (err error) {
	timer := logging.StartTimer(t.logger, "compaction complete",
		logging.SourceLevel(plan.SourceLevel), logging.TargetLevel(plan.TargetLevel), logging.RecordCount(len(plan.InputIDs)))
	defer func() {
		if err != nil {
			timer.EndError(err)
		} else {
			timer.End()
		}
	}()

	sources := make([]segment.Source, 0, len(plan.InputIDs))
	var releases []func()
	defer func() {
		for _, rel := range releases {
			rel()
		}
	}()
	for _, id := range plan.InputIDs {
		src, release, err := t.acquireSource(id)
		if err != nil {
			return fmt.Errorf("lsmkv: open compaction input %s: %w", id, err)
		}
		sources = append(sources, src)
		releases = append(releases, release)
	}

	floor := ^uint64(0)
	if minSeqno, ok := t.snapshots.minOpenSeqno(); ok {
		floor = minSeqno
	}

	result, err := compaction.Execute(plan, sources, compaction.Options{
		SegmentsDir:      t.segmentsDir,
		BlockSize:        t.opts.BlockSize,
		Compress:         t.opts.Compress,
		MinSnapshotSeqno: floor,
		NextCreatedSeq:   t.manifest.NextCreatedSeq,
		NextSegmentID:    func() string { return journal.NewShardID(time.Now()) },
	})
	if err != nil {
		return err
	}

	if err := t.manifest.Commit(plan.InputIDs, result.Outputs, plan.TargetLevel); err != nil {
		return fmt.Errorf("lsmkv: commit compaction: %w", err)
	}

	for _, id := range plan.InputIDs {
		t.retireSource(id)
		t.cache.InvalidateSegment(id)
	}
	if t.metrics != nil {
		t.metrics.CompactionsTotal.WithLabelValues(strconv.Itoa(plan.TargetLevel), "success").Inc()
	}
	t.maybeCompact()
	return nil
}

// acquireSource returns the Source for segment id, opening it (mmap or
// buffered, per configuration) on first use, and a release func the
// caller MUST call exactly once when done.
func (t *Tree) acquireSource(id string) (segment.Source, func(), error) {
	t.sourcesMu.Lock()
	entry, ok := t.sources[id]
	if !ok {
		dir := filepath.Join(t.segmentsDir, id)
		var src segment.Source
		var err error
		if t.opts.UseMmap {
			src, err = segment.OpenMapped(dir, t.cache)
		} else {
			src, err = segment.Open(dir, t.cache)
		}
		if err != nil {
			t.sourcesMu.Unlock()
			return nil, nil, fmt.Errorf("lsmkv: open segment %s: %w", id, err)
		}
		entry = &sourceEntry{src: src, dir: dir}
		t.sources[id] = entry
	}
	atomic.AddInt64(&entry.refs, 1)
	t.sourcesMu.Unlock()

	release := func() { t.releaseSource(id, entry) }
	return entry.src, release, nil
}

func (t *Tree) releaseSource(id string, entry *sourceEntry) {
	if atomic.AddInt64(&entry.refs, -1) > 0 {
		return
	}
	t.sourcesMu.Lock()
	shouldClose := entry.delete
	if shouldClose && t.sources[id] == entry {
		delete(t.sources, id)
	}
	t.sourcesMu.Unlock()

	if shouldClose {
		_ = entry.src.Close()
		_ = os.RemoveAll(entry.dir)
	}
}

// retireSource marks a superseded segment for deletion once its
// reference count reaches zero.
func (t *Tree) retireSource(id string) {
	t.sourcesMu.Lock()
	entry, ok := t.sources[id]
	if !ok {
		t.sourcesMu.Unlock()
		_ = os.RemoveAll(filepath.Join(t.segmentsDir, id))
		return
	}
	entry.delete = true
	refs := atomic.LoadInt64(&entry.refs)
	if refs == 0 {
		delete(t.sources, id)
	}
	t.sourcesMu.Unlock()

	if refs == 0 {
		_ = entry.src.Close()
		_ = os.RemoveAll(entry.dir)
	}
}

// Flush fsyncs the active journal shard, guaranteeing every write that
// returned before this call is durable.
func (t *Tree) Flush() error {
	t.writeMu.Lock()
	shard := t.activeShard
	t.writeMu.Unlock()
	return shard.Flush()
}

// DiskSpace sums segment file sizes and the current journal size.
func (t *Tree) DiskSpace() (int64, error) {
	var total int64
	for _, lvl := range t.manifest.Snapshot() {
		for _, ref := range lvl.Segments {
			total += ref.FileSize
		}
	}
	journalBytes, err := t.journal.TotalSize()
	if err != nil {
		return 0, err
	}
	return total + journalBytes, nil
}

// Len scans every live key across memtables and segments; it costs
// O(n) and a full iteration, so callers needing a cheap cardinality
// estimate should track counts themselves.
func (t *Tree) Len() (int, error) {
	it, err := t.Iter()
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// Close stops background workers and closes owned resources. Safe to
// call once; a second call returns ErrClosed.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if t.stopFsync != nil {
		close(t.stopFsync)
		<-t.fsyncDone
	}
	if t.ownsFlushMgr {
		t.flushMgr.Close()
	}
	t.compactor.Close()

	t.sourcesMu.Lock()
	for _, entry := range t.sources {
		_ = entry.src.Close()
	}
	t.sourcesMu.Unlock()

	if t.ownsJournal {
		return t.journal.Close()
	}
	return nil
}
