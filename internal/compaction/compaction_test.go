package compaction

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/dd0wney/lsmkv/internal/manifest"
	"github.com/dd0wney/lsmkv/internal/segment"
)

func TestLeveledStrategyTriggersOnL0FileCount(t *testing.T) {
	s := &LeveledStrategy{Level0FileLimit: 2, LevelSizeRatio: 10, MaxLevels: 7}

	levels := []manifest.Level{
		{Segments: []manifest.SegmentRef{{ID: "a"}, {ID: "b"}}},
	}
	plan := s.Choose(levels)
	if plan == nil || plan.SourceLevel != 0 || plan.TargetLevel != 1 {
		t.Fatalf("Choose = %+v, want L0->L1 plan", plan)
	}
	if len(plan.InputIDs) != 2 {
		t.Errorf("InputIDs = %v, want 2 entries", plan.InputIDs)
	}
}

func TestLeveledStrategyFoldsOverlappingTargetLevelSegments(t *testing.T) {
	s := &LeveledStrategy{Level0FileLimit: 2, LevelSizeRatio: 10, MaxLevels: 7}

	levels := []manifest.Level{
		{Segments: []manifest.SegmentRef{
			{ID: "l0-a", MinKey: []byte("b"), MaxKey: []byte("d")},
			{ID: "l0-b", MinKey: []byte("m"), MaxKey: []byte("n")},
		}},
		{Segments: []manifest.SegmentRef{
			{ID: "l1-overlap", MinKey: []byte("c"), MaxKey: []byte("e")},
			{ID: "l1-disjoint", MinKey: []byte("x"), MaxKey: []byte("z")},
		}},
	}

	plan := s.Choose(levels)
	if plan == nil || plan.SourceLevel != 0 || plan.TargetLevel != 1 {
		t.Fatalf("Choose = %+v, want L0->L1 plan", plan)
	}

	ids := map[string]bool{}
	for _, id := range plan.InputIDs {
		ids[id] = true
	}
	for _, want := range []string{"l0-a", "l0-b", "l1-overlap"} {
		if !ids[want] {
			t.Errorf("InputIDs = %v, missing %q", plan.InputIDs, want)
		}
	}
	if ids["l1-disjoint"] {
		t.Errorf("InputIDs = %v, should not include non-overlapping l1-disjoint", plan.InputIDs)
	}
}

func TestLeveledStrategyNoOpWhenUnderThreshold(t *testing.T) {
	s := DefaultLeveledStrategy()
	levels := []manifest.Level{{Segments: []manifest.SegmentRef{{ID: "a"}}}}
	if plan := s.Choose(levels); plan != nil {
		t.Errorf("Choose = %+v, want nil", plan)
	}
}

func writeSeg(t *testing.T, dir, id string, recs []segment.Record) segment.Source {
	t.Helper()
	w, err := segment.NewWriter(dir, id, 64, false, len(recs))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, r := range recs {
		if err := w.Add(r); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := w.Finish(1); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	src, err := segment.Open(filepath.Join(dir, id), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return src
}

func TestExecuteDedupsAndEvictsTombstones(t *testing.T) {
	dir := t.TempDir()

	src1 := writeSeg(t, dir, "in1", []segment.Record{
		{Key: []byte("a"), Value: []byte("old"), Seqno: 1, Type: segment.Live},
		{Key: []byte("b"), Value: nil, Seqno: 2, Type: segment.Tombstone},
	})
	src2 := writeSeg(t, dir, "in2", []segment.Record{
		{Key: []byte("a"), Value: []byte("new"), Seqno: 3, Type: segment.Live},
		{Key: []byte("c"), Value: []byte("c-val"), Seqno: 4, Type: segment.Live},
	})
	defer src1.Close()
	defer src2.Close()

	outDir := filepath.Join(dir, "out")
	nextID := 0
	opts := Options{
		SegmentsDir:      outDir,
		BlockSize:        64,
		MinSnapshotSeqno: ^uint64(0),
		NextCreatedSeq:   func() uint64 { return 100 },
		NextSegmentID: func() string {
			nextID++
			return fmt.Sprintf("out-%d", nextID)
		},
	}
	plan := &Plan{InputIDs: []string{"in1", "in2"}, SourceLevel: 0, TargetLevel: 1, IsBottomMost: true}

	result, err := Execute(plan, []segment.Source{src1, src2}, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Outputs) != 1 {
		t.Fatalf("expected 1 output segment, got %d", len(result.Outputs))
	}

	out, err := segment.Open(filepath.Join(outDir, result.Outputs[0].ID), nil)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer out.Close()

	rec, ok, err := out.Get([]byte("a"), ^uint64(0))
	if err != nil || !ok || string(rec.Value) != "new" {
		t.Fatalf("Get(a) = %v %v %v, want 'new'", rec, ok, err)
	}

	_, ok, err = out.Get([]byte("b"), ^uint64(0))
	if err != nil || ok {
		t.Fatalf("Get(b) should have been evicted as a bottom-level tombstone, got ok=%v err=%v", ok, err)
	}

	rec, ok, err = out.Get([]byte("c"), ^uint64(0))
	if err != nil || !ok || string(rec.Value) != "c-val" {
		t.Fatalf("Get(c) = %v %v %v", rec, ok, err)
	}
}

func TestExecutePreservesTombstoneWhenNotBottomMost(t *testing.T) {
	dir := t.TempDir()
	src := writeSeg(t, dir, "in1", []segment.Record{
		{Key: []byte("k"), Value: nil, Seqno: 1, Type: segment.Tombstone},
	})
	defer src.Close()

	outDir := filepath.Join(dir, "out")
	opts := Options{
		SegmentsDir:      outDir,
		BlockSize:        64,
		MinSnapshotSeqno: ^uint64(0),
		NextCreatedSeq:   func() uint64 { return 1 },
		NextSegmentID:    func() string { return "out-1" },
	}
	plan := &Plan{InputIDs: []string{"in1"}, SourceLevel: 0, TargetLevel: 1, IsBottomMost: false}

	result, err := Execute(plan, []segment.Source{src}, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Outputs) != 1 {
		t.Fatalf("expected tombstone to survive as its own output segment, got %d outputs", len(result.Outputs))
	}

	out, err := segment.Open(filepath.Join(outDir, result.Outputs[0].ID), nil)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer out.Close()

	rec, ok, err := out.Get([]byte("k"), ^uint64(0))
	if err != nil || !ok || !rec.IsTombstone() {
		t.Fatalf("Get(k) = %v %v %v, want surviving tombstone", rec, ok, err)
	}
}
