package metrics

import (
	"time"
)

// RecordWrite records a write-path operation (insert, remove, batch commit).
func (r *Registry) RecordWrite(op, status string, duration time.Duration) {
	r.WritesTotal.WithLabelValues(op, status).Inc()
	r.WriteDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBatch records the size of a committed atomic batch.
func (r *Registry) RecordBatch(entries int) {
	r.BatchSizeEntries.Observe(float64(entries))
}

// RecordRead records a read-path operation (get, scan, prefix, range).
func (r *Registry) RecordRead(op, status string, duration time.Duration) {
	r.ReadsTotal.WithLabelValues(op, status).Inc()
	r.ReadDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCacheLookup records a block cache hit or miss.
func (r *Registry) RecordCacheLookup(hit bool) {
	if hit {
		r.CacheHitsTotal.Inc()
		return
	}
	r.CacheMissesTotal.Inc()
}

// UpdateMemtableMetrics reflects the current size of the write buffer.
func (r *Registry) UpdateMemtableMetrics(activeBytes int64, sealedCount int) {
	r.ActiveMemtableBytes.Set(float64(activeBytes))
	r.SealedMemtablesTotal.Set(float64(sealedCount))
}

// UpdateJournalMetrics reflects the current on-disk journal footprint.
func (r *Registry) UpdateJournalMetrics(bytes int64, shards int) {
	r.JournalBytesTotal.Set(float64(bytes))
	r.JournalShardsTotal.Set(float64(shards))
}

// RecordFlush records the outcome and duration of a memtable flush.
func (r *Registry) RecordFlush(status string, duration time.Duration) {
	r.FlushesTotal.WithLabelValues(status).Inc()
	r.FlushDuration.Observe(duration.Seconds())
}

// SetFlushQueueDepth reflects how many sealed memtables await a flush worker.
func (r *Registry) SetFlushQueueDepth(depth int) {
	r.FlushQueueDepth.Set(float64(depth))
}

// RecordCompaction records the outcome, duration, and byte movement of a
// compaction run targeting the given destination level.
func (r *Registry) RecordCompaction(level, status string, duration time.Duration, bytesRead, bytesWritten int64) {
	r.CompactionsTotal.WithLabelValues(level, status).Inc()
	r.CompactionDuration.WithLabelValues(level).Observe(duration.Seconds())
	r.CompactionBytesRead.Add(float64(bytesRead))
	r.CompactionBytesWritten.Add(float64(bytesWritten))
}

// RecordTombstonesDropped records tombstones evicted by a compaction because
// no open snapshot could still observe them.
func (r *Registry) RecordTombstonesDropped(count int) {
	r.TombstonesDropped.Add(float64(count))
}

// UpdateStorageFootprint reflects the current on-disk size and per-level
// segment counts.
func (r *Registry) UpdateStorageFootprint(diskBytes int64, keyspaces int, segmentsPerLevel map[string]int) {
	r.DiskSpaceBytes.Set(float64(diskBytes))
	r.KeyspacesTotal.Set(float64(keyspaces))
	for level, count := range segmentsPerLevel {
		r.SegmentsTotal.WithLabelValues(level).Set(float64(count))
	}
}
