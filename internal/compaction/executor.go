package compaction

import (
	"bytes"
	"fmt"

	"github.com/dd0wney/lsmkv/internal/manifest"
	"github.com/dd0wney/lsmkv/internal/segment"
)

// TargetFileSize bounds how large one output segment grows before the
// executor starts a fresh one.
const TargetFileSize = 64 << 20

// Options configures one run of Execute.
type Options struct {
	SegmentsDir      string
	BlockSize        int
	Compress         bool
	MinSnapshotSeqno uint64 // floor below which tombstones may be dropped
	NextCreatedSeq   func() uint64
	NextSegmentID    func() string
}

// Result is what a successful compaction produced, ready to commit to
// the manifest.
type Result struct {
	Outputs []manifest.SegmentRef
	Metas   []*segment.Metadata
}

// Execute merges sources (opened from plan.InputIDs by the caller) into
// one or more output segments in plan.TargetLevel, applying the
// dedup-by-highest-seqno and tombstone-eviction rules. It does not touch
// the manifest; the caller commits plan.InputIDs for removal and
// Result.Outputs for addition in one atomic manifest.Commit.
func Execute(plan *Plan, sources []segment.Source, opts Options) (*Result, error) {
	merged := NewMergeIterator(sources)

	var result Result
	var writer *segment.Writer
	var lastKey []byte
	haveLastKey := false

	finishCurrent := func() error {
		if writer == nil {
			return nil
		}
		meta, err := writer.Finish(opts.NextCreatedSeq())
		if err != nil {
			return fmt.Errorf("compaction: finish output segment: %w", err)
		}
		result.Metas = append(result.Metas, meta)
		result.Outputs = append(result.Outputs, manifest.RefFromMetadata(meta))
		writer = nil
		return nil
	}

	abortAll := func() {
		if writer != nil {
			_ = writer.Abort()
		}
	}

	for {
		rec, ok := merged.Next()
		if !ok {
			break
		}

		// Dedup: only the first (highest-seqno) version of each key
		// survives.
		if haveLastKey && bytes.Equal(rec.Key, lastKey) {
			continue
		}
		lastKey = append(lastKey[:0], rec.Key...)
		haveLastKey = true

		if rec.IsTombstone() && plan.IsBottomMost && rec.Seqno <= opts.MinSnapshotSeqno {
			// Safe to drop: no lower level can hold a shadowed live
			// record once we're compacting into the bottom level, and
			// no open snapshot needs to observe this deletion.
			continue
		}

		if writer == nil {
			w, err := segment.NewWriter(opts.SegmentsDir, opts.NextSegmentID(), opts.BlockSize, opts.Compress, 1024)
			if err != nil {
				abortAll()
				return nil, fmt.Errorf("compaction: open output writer: %w", err)
			}
			writer = w
		}

		if err := writer.Add(segment.Record{Key: rec.Key, Value: rec.Value, Seqno: rec.Seqno, Type: rec.Type}); err != nil {
			abortAll()
			return nil, fmt.Errorf("compaction: write record: %w", err)
		}

		if writer != nil && approxWriterSize(writer) >= TargetFileSize {
			if err := finishCurrent(); err != nil {
				abortAll()
				return nil, err
			}
		}
	}

	if err := finishCurrent(); err != nil {
		abortAll()
		return nil, err
	}

	if it := merged; it != nil {
		for _, c := range it.cursors {
			if c.Err() != nil {
				return nil, fmt.Errorf("compaction: source iterator error: %w", c.Err())
			}
		}
	}

	return &result, nil
}

// approxWriterSize is a rough running total used only to decide when to
// roll over to a new output segment; exactness isn't required.
func approxWriterSize(w *segment.Writer) int64 {
	return w.ApproxSize()
}
