package logging

import (
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Path(p string) Field {
	return String("path", p)
}

// Partition names the keyspace partition a log line belongs to.
// Keyspace.OpenPartition attaches this once, via WithPartition, so every
// line a partition's logger emits carries it without each call site
// repeating it. A standalone Tree has no partition name, so none is
// attached.
func Partition(name string) Field {
	return String("partition", name)
}

// SegmentID names the on-disk segment a log line concerns.
func SegmentID(id string) Field {
	return String("segment_id", id)
}

// MemtableID names the sealed memtable a flush task drains.
func MemtableID(id string) Field {
	return String("memtable_id", id)
}

// Seqno records the monotonic sequence number assigned to a
// batch commit.
func Seqno(seq uint64) Field {
	return Uint64("seqno", seq)
}

// SourceLevel records the manifest level a compaction plan
// reads its inputs from.
func SourceLevel(level int) Field {
	return Int("source_level", level)
}

// TargetLevel records the manifest level a compaction plan writes its
// merged output into.
func TargetLevel(level int) Field {
	return Int("target_level", level)
}

// Attempt records a task's retry count, e.g. the flush manager's
// requeue counter bounded by a maximum retry budget.
func Attempt(n int) Field {
	return Int("attempt", n)
}

// RecordCount records how many records a flush or compaction task
// processed.
func RecordCount(n int) Field {
	return Int("record_count", n)
}

// BytesWritten records the size of data a flush or compaction task
// wrote to a segment file.
func BytesWritten(n int64) Field {
	return Int64("bytes_written", n)
}
