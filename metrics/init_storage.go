package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStorageMetrics() {
	r.WritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmkv_writes_total",
			Help: "Total number of write operations (insert, remove, batch commit)",
		},
		[]string{"op", "status"},
	)

	r.WriteDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsmkv_write_duration_seconds",
			Help:    "Write operation duration in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"op"},
	)

	r.BatchSizeEntries = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lsmkv_batch_size_entries",
			Help:    "Number of items committed per atomic batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	r.ReadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmkv_reads_total",
			Help: "Total number of read operations",
		},
		[]string{"op", "status"},
	)

	r.ReadDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsmkv_read_duration_seconds",
			Help:    "Read operation duration in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"op"},
	)

	r.CacheHitsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmkv_block_cache_hits_total",
			Help: "Total number of block cache hits",
		},
	)

	r.CacheMissesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmkv_block_cache_misses_total",
			Help: "Total number of block cache misses",
		},
	)

	r.ActiveMemtableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmkv_active_memtable_bytes",
			Help: "Approximate size of the active memtable in bytes",
		},
	)

	r.SealedMemtablesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmkv_sealed_memtables",
			Help: "Number of immutable memtables awaiting flush",
		},
	)

	r.JournalBytesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmkv_journal_bytes",
			Help: "Total bytes currently persisted in journal shards",
		},
	)

	r.JournalShardsTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmkv_journal_shards",
			Help: "Number of active journal shards",
		},
	)

	r.FlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmkv_flushes_total",
			Help: "Total number of memtable flushes to segments",
		},
		[]string{"status"},
	)

	r.FlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lsmkv_flush_duration_seconds",
			Help:    "Flush operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.FlushQueueDepth = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmkv_flush_queue_depth",
			Help: "Number of sealed memtables waiting in the flush queue",
		},
	)

	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmkv_compactions_total",
			Help: "Total number of compaction runs",
		},
		[]string{"level", "status"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsmkv_compaction_duration_seconds",
			Help:    "Compaction run duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"level"},
	)

	r.CompactionBytesRead = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmkv_compaction_bytes_read_total",
			Help: "Total bytes read from segments during compaction",
		},
	)

	r.CompactionBytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmkv_compaction_bytes_written_total",
			Help: "Total bytes written to new segments during compaction",
		},
	)

	r.SegmentsTotal = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lsmkv_segments",
			Help: "Number of segments present, by level",
		},
		[]string{"level"},
	)

	r.DiskSpaceBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmkv_disk_space_bytes",
			Help: "Total on-disk footprint of journals, segments, and the manifest",
		},
	)

	r.KeyspacesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmkv_keyspaces",
			Help: "Number of open partitions",
		},
	)

	r.TombstonesDropped = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "lsmkv_tombstones_dropped_total",
			Help: "Total number of tombstones evicted during compaction",
		},
	)
}
