// Package flush implements the flush queue and worker pool: sealed
// memtables wait here until a worker drains one into a new
// L0 segment, with an LRU-fair policy for choosing which partition to
// force-flush when the keyspace's total journal size is exceeded.
package flush

import (
	"sync"
	"time"

	"github.com/dd0wney/lsmkv/internal/memtable"
	"github.com/dd0wney/lsmkv/internal/workerpool"
	"github.com/dd0wney/lsmkv/logging"
)

// Task is one sealed memtable waiting to be persisted as a segment.
// Bytes carries the memtable's approximate size so the tree can release
// that much write-buffer budget once the flush commits.
type Task struct {
	Partition  string
	MemtableID string
	Records    []*memtable.Record
	Bytes      int64
	RetryCount int
}

// Execute performs the actual flush (segment write + manifest append +
// journal retirement); owned by the Tree/Keyspace since it needs access
// to state this package doesn't hold.
type Execute func(Task) error

// maxRetries bounds how many times a failed flush is automatically
// requeued before the manager gives up and waits for the next explicit
// trigger. The memtable and journal shard stay alive either way, so
// nothing is lost.
const maxRetries = 5

// Manager owns the flush worker pool (bounded per Options.FlushThreads)
// and tracks each partition's last successful flush time for LRU-fair
// victim selection.
type Manager struct {
	mu          sync.Mutex
	lastFlushed map[string]time.Time
	pool        *workerpool.WorkerPool
	execute     Execute
	logger      logging.Logger
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	depthGauge workerpool.DepthGauge
}

// WithQueueDepthGauge registers fn to be called with the current count
// of queued-or-running flush tasks every time it changes, so a Tree can
// feed its flush backlog into Registry.SetFlushQueueDepth.
func WithQueueDepthGauge(fn func(depth int)) ManagerOption {
	return func(c *managerConfig) { c.depthGauge = fn }
}

// NewManager creates a Manager backed by threads worker goroutines.
// execute is invoked once per task, possibly from any worker goroutine.
func NewManager(threads int, execute Execute, logger logging.Logger, opts ...ManagerOption) (*Manager, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	cfg := managerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Manager{
		lastFlushed: make(map[string]time.Time),
		execute:     execute,
		logger:      logger,
	}

	poolOpts := []workerpool.Option{
		workerpool.WithPanicHandler(func(label string, recovered any) {
			m.logger.Error("flush task panicked",
				logging.Partition(label), logging.Any("recovered", recovered))
		}),
	}
	if cfg.depthGauge != nil {
		poolOpts = append(poolOpts, workerpool.WithDepthGauge(cfg.depthGauge))
	}

	m.pool = workerpool.NewWorkerPool(threads, poolOpts...)
	return m, nil
}

// Enqueue submits a flush task to the worker pool, tagged with its
// partition name so a panic or the depth gauge can be attributed to it.
// Workers are already running; this returns immediately.
func (m *Manager) Enqueue(task Task) {
	m.pool.SubmitLabeled(task.Partition, func() { m.run(task) })
}

func (m *Manager) run(task Task) {
	if err := m.execute(task); err != nil {
		task.RetryCount++
		if task.RetryCount > maxRetries {
			m.logger.Error("flush exceeded retry budget, leaving memtable sealed for next trigger",
				logging.Partition(task.Partition),
				logging.MemtableID(task.MemtableID),
				logging.Error(err),
			)
			return
		}
		m.logger.Warn("flush failed, requeuing",
			logging.Partition(task.Partition),
			logging.Attempt(task.RetryCount),
			logging.Error(err),
		)
		m.Enqueue(task)
		return
	}

	m.mu.Lock()
	m.lastFlushed[task.Partition] = time.Now()
	m.mu.Unlock()
}

// PickVictim chooses which partition to force-flush when total journal
// size exceeds maxTotal: a partition whose journal shard alone accounts
// for more than half the budget is forced immediately; otherwise the
// partition flushed longest ago (or never flushed) is chosen.
func (m *Manager) PickVictim(shardSizes map[string]int64, maxTotal int64) (string, bool) {
	var total int64
	for _, size := range shardSizes {
		total += size
	}
	if total <= maxTotal {
		return "", false
	}

	var biggest string
	var biggestSize int64
	for partition, size := range shardSizes {
		if size > biggestSize {
			biggestSize = size
			biggest = partition
		}
	}
	if biggest != "" && biggestSize*2 > maxTotal {
		return biggest, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var victim string
	var oldest time.Time
	found := false
	for partition := range shardSizes {
		lastFlushed, ok := m.lastFlushed[partition]
		if !ok {
			return partition, true
		}
		if !found || lastFlushed.Before(oldest) {
			oldest = lastFlushed
			victim = partition
			found = true
		}
	}
	return victim, found
}

// Close stops accepting new flushes and waits for in-flight ones to
// finish.
func (m *Manager) Close() {
	m.pool.Close()
}
