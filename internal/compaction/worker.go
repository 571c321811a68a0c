package compaction

import (
	"fmt"

	"github.com/dd0wney/lsmkv/internal/workerpool"
	"github.com/dd0wney/lsmkv/logging"
)

// Worker runs compaction plans on a bounded pool of goroutines
// (Options.CompactionThreads, default 4), so compaction never runs
// unbounded in parallel across partitions.
type Worker struct {
	pool   *workerpool.WorkerPool
	logger logging.Logger
}

// NewWorker creates a Worker backed by threads goroutines. A panicking
// compaction job is recovered and logged rather than taking the worker
// down, tagged with the source/target level pair it was submitted under.
func NewWorker(threads int, logger logging.Logger) (*Worker, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	w := &Worker{logger: logger}
	w.pool = workerpool.NewWorkerPool(threads, workerpool.WithPanicHandler(func(label string, recovered any) {
		w.logger.Error("compaction job panicked", logging.Any("plan", label), logging.Any("recovered", recovered))
	}))
	return w, nil
}

// SubmitPlan schedules one compaction job tagged with its source/target
// level pair, returning false (without blocking) when the queue is
// full; a dropped plan is re-chosen after the next flush or compaction.
// The caller supplies a closure that opens sources, runs Execute, and
// commits the manifest, since those steps need access to the owning
// Tree's journal/manifest/cache that this package doesn't hold.
func (w *Worker) SubmitPlan(sourceLevel, targetLevel int, job func()) bool {
	return w.pool.TrySubmitLabeled(fmt.Sprintf("%d->%d", sourceLevel, targetLevel), job)
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (w *Worker) Close() {
	w.pool.Close()
}
