package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every Prometheus collector the engine exposes.
type Registry struct {
	// Write path
	WritesTotal      *prometheus.CounterVec
	WriteDuration    *prometheus.HistogramVec
	BatchSizeEntries prometheus.Histogram

	// Read path
	ReadsTotal       *prometheus.CounterVec
	ReadDuration     *prometheus.HistogramVec
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Memtable / journal
	ActiveMemtableBytes  prometheus.Gauge
	SealedMemtablesTotal prometheus.Gauge
	JournalBytesTotal    prometheus.Gauge
	JournalShardsTotal   prometheus.Gauge

	// Flush
	FlushesTotal    *prometheus.CounterVec
	FlushDuration   prometheus.Histogram
	FlushQueueDepth prometheus.Gauge

	// Compaction
	CompactionsTotal       *prometheus.CounterVec
	CompactionDuration     *prometheus.HistogramVec
	CompactionBytesRead    prometheus.Counter
	CompactionBytesWritten prometheus.Counter

	// Storage footprint
	SegmentsTotal     *prometheus.GaugeVec
	DiskSpaceBytes    prometheus.Gauge
	KeyspacesTotal    prometheus.Gauge
	TombstonesDropped prometheus.Counter

	// System
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide metrics registry, creating it on
// first use.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a fresh Registry with all collectors registered
// against a new, private prometheus.Registry. Engines that need isolated
// metrics (tests, multiple Trees in one process) should call this directly
// rather than use DefaultRegistry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initStorageMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry so callers
// can wire it into an HTTP exposition handler.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
