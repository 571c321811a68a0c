package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	if r.WritesTotal == nil {
		t.Error("WritesTotal not initialized")
	}
	if r.ReadsTotal == nil {
		t.Error("ReadsTotal not initialized")
	}
	if r.CompactionsTotal == nil {
		t.Error("CompactionsTotal not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefaultRegistry(t *testing.T) {
	r1 := DefaultRegistry()
	r2 := DefaultRegistry()

	if r1 != r2 {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

func TestRecordWrite(t *testing.T) {
	r := NewRegistry()

	r.RecordWrite("insert", "ok", 100*time.Microsecond)
	r.RecordWrite("insert", "ok", 200*time.Microsecond)
	r.RecordWrite("remove", "ok", 50*time.Microsecond)

	counter, err := r.WritesTotal.GetMetricWithLabelValues("insert", "ok")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}

	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 2 {
		t.Errorf("Counter value = %v, want 2", metric.Counter.GetValue())
	}
}

func TestRecordRead(t *testing.T) {
	r := NewRegistry()

	r.RecordRead("get", "found", 10*time.Microsecond)
	r.RecordRead("get", "not_found", 5*time.Microsecond)

	found, err := r.ReadsTotal.GetMetricWithLabelValues("get", "found")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}

	var metric dto.Metric
	if err := found.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 1 {
		t.Errorf("found counter = %v, want 1", metric.Counter.GetValue())
	}
}

func TestRecordCacheLookup(t *testing.T) {
	r := NewRegistry()

	r.RecordCacheLookup(true)
	r.RecordCacheLookup(true)
	r.RecordCacheLookup(false)

	var metric dto.Metric
	if err := r.CacheHitsTotal.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("CacheHitsTotal = %v, want 2", metric.Counter.GetValue())
	}

	if err := r.CacheMissesTotal.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("CacheMissesTotal = %v, want 1", metric.Counter.GetValue())
	}
}

func TestUpdateMemtableMetrics(t *testing.T) {
	r := NewRegistry()

	r.UpdateMemtableMetrics(4096, 2)

	tests := []struct {
		name     string
		gauge    prometheus.Gauge
		expected float64
	}{
		{"ActiveMemtableBytes", r.ActiveMemtableBytes, 4096},
		{"SealedMemtablesTotal", r.SealedMemtablesTotal, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var metric dto.Metric
			if err := tt.gauge.Write(&metric); err != nil {
				t.Fatalf("Failed to write metric: %v", err)
			}
			if metric.Gauge.GetValue() != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, metric.Gauge.GetValue(), tt.expected)
			}
		})
	}
}

func TestRecordFlush(t *testing.T) {
	r := NewRegistry()

	r.RecordFlush("ok", 5*time.Millisecond)
	r.RecordFlush("ok", 8*time.Millisecond)
	r.RecordFlush("error", 1*time.Millisecond)

	counter, err := r.FlushesTotal.GetMetricWithLabelValues("ok")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}

	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("ok flushes = %v, want 2", metric.Counter.GetValue())
	}

	if err := r.FlushDuration.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 3 {
		t.Errorf("flush duration sample count = %v, want 3", metric.Histogram.GetSampleCount())
	}
}

func TestRecordCompaction(t *testing.T) {
	r := NewRegistry()

	r.RecordCompaction("L1", "ok", 50*time.Millisecond, 1024, 512)
	r.RecordCompaction("L1", "ok", 30*time.Millisecond, 2048, 1024)

	counter, err := r.CompactionsTotal.GetMetricWithLabelValues("L1", "ok")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}

	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("compactions = %v, want 2", metric.Counter.GetValue())
	}

	if err := r.CompactionBytesRead.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 3072 {
		t.Errorf("bytes read = %v, want 3072", metric.Counter.GetValue())
	}
}

func TestRecordTombstonesDropped(t *testing.T) {
	r := NewRegistry()

	r.RecordTombstonesDropped(3)
	r.RecordTombstonesDropped(4)

	var metric dto.Metric
	if err := r.TombstonesDropped.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 7 {
		t.Errorf("tombstones dropped = %v, want 7", metric.Counter.GetValue())
	}
}

func TestUpdateStorageFootprint(t *testing.T) {
	r := NewRegistry()

	r.UpdateStorageFootprint(1024*1024, 2, map[string]int{"L0": 3, "L1": 5})

	var metric dto.Metric
	if err := r.DiskSpaceBytes.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 1024*1024 {
		t.Errorf("disk space = %v, want %v", metric.Gauge.GetValue(), 1024*1024)
	}

	l0, err := r.SegmentsTotal.GetMetricWithLabelValues("L0")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}
	if err := l0.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 3 {
		t.Errorf("L0 segments = %v, want 3", metric.Gauge.GetValue())
	}
}

func TestSystemMetrics(t *testing.T) {
	r := NewRegistry()

	r.UptimeSeconds.Set(3600)
	r.GoRoutines.Set(50)
	r.MemoryAllocBytes.Set(1024 * 1024 * 100)
	r.MemorySysBytes.Set(1024 * 1024 * 200)

	tests := []struct {
		name     string
		gauge    prometheus.Gauge
		expected float64
	}{
		{"UptimeSeconds", r.UptimeSeconds, 3600},
		{"GoRoutines", r.GoRoutines, 50},
		{"MemoryAllocBytes", r.MemoryAllocBytes, 1024 * 1024 * 100},
		{"MemorySysBytes", r.MemorySysBytes, 1024 * 1024 * 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var metric dto.Metric
			if err := tt.gauge.Write(&metric); err != nil {
				t.Fatalf("Failed to write metric: %v", err)
			}
			if metric.Gauge.GetValue() != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, metric.Gauge.GetValue(), tt.expected)
			}
		})
	}
}

func TestGetPrometheusRegistry(t *testing.T) {
	r := NewRegistry()
	promRegistry := r.GetPrometheusRegistry()

	if promRegistry == nil {
		t.Fatal("GetPrometheusRegistry() returned nil")
	}

	// Labeled vectors are only gathered once a label combination exists.
	r.RecordWrite("insert", "ok", time.Microsecond)
	r.RecordCompaction("L1", "ok", time.Millisecond, 0, 0)

	metrics, err := promRegistry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	if len(metrics) == 0 {
		t.Error("No metrics registered")
	}

	expectedMetrics := []string{
		"lsmkv_writes_total",
		"lsmkv_compactions_total",
		"lsmkv_uptime_seconds",
	}

	metricNames := make(map[string]bool)
	for _, m := range metrics {
		metricNames[m.GetName()] = true
	}

	for _, expected := range expectedMetrics {
		if !metricNames[expected] {
			t.Errorf("Expected metric %s not found", expected)
		}
	}
}

func TestMetricNaming(t *testing.T) {
	r := NewRegistry()
	promRegistry := r.GetPrometheusRegistry()

	metrics, err := promRegistry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	for _, m := range metrics {
		name := m.GetName()
		if !strings.HasPrefix(name, "lsmkv_") {
			t.Errorf("Metric %s does not have lsmkv_ prefix", name)
		}
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				r.RecordWrite("insert", "ok", 10*time.Microsecond)
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	counter, err := r.WritesTotal.GetMetricWithLabelValues("insert", "ok")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}

	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 1000 {
		t.Errorf("Counter = %v, want 1000", metric.Counter.GetValue())
	}
}

func BenchmarkRecordWrite(b *testing.B) {
	r := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.RecordWrite("insert", "ok", 10*time.Microsecond)
	}
}

func BenchmarkRecordCompaction(b *testing.B) {
	r := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.RecordCompaction("L1", "ok", 5*time.Millisecond, 1024, 512)
	}
}
