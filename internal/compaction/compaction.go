// Package compaction implements the compaction strategies and merge
// machinery: selecting segments to merge, deduplicating by
// highest seqno, evicting shadowed tombstones, and writing new,
// non-overlapping output segments.
package compaction

import (
	"bytes"

	"github.com/dd0wney/lsmkv/internal/manifest"
)

// Plan is what a Strategy returns when it wants compaction to run: the
// segment ids to merge and the level the output lands in. A nil Plan
// means there is nothing worth doing.
type Plan struct {
	InputIDs     []string
	SourceLevel  int
	TargetLevel  int
	IsBottomMost bool
}

// Strategy chooses the next compaction, if any, given a read-only
// snapshot of the manifest's levels.
type Strategy interface {
	Choose(levels []manifest.Level) *Plan
}

// LeveledStrategy is the default strategy: L0 triggers on file count,
// L1+ trigger on a size ratio against the next level.
type LeveledStrategy struct {
	Level0FileLimit int
	LevelSizeRatio  float64
	MaxLevels       int
}

// DefaultLeveledStrategy returns the stock 4-file/10x/7-level
// configuration.
func DefaultLeveledStrategy() *LeveledStrategy {
	return &LeveledStrategy{
		Level0FileLimit: 4,
		LevelSizeRatio:  10.0,
		MaxLevels:       7,
	}
}

// Choose implements Strategy.
func (s *LeveledStrategy) Choose(levels []manifest.Level) *Plan {
	if len(levels) > 0 && len(levels[0].Segments) >= s.Level0FileLimit {
		return s.buildPlan(levels, levels[0].Segments, 0, 1, len(levels) <= 2)
	}

	for level := 1; level < len(levels)-1; level++ {
		size := levelSize(levels[level])
		nextSize := levelSize(levels[level+1])
		if float64(size) > s.LevelSizeRatio*float64(nextSize) {
			return s.buildPlan(levels, levels[level].Segments, level, level+1, level+1 >= len(levels)-1)
		}
	}

	return nil
}

// buildPlan assembles the input set for a source-level -> targetLevel
// compaction. Besides the chosen source segments, it pulls in every
// segment already resident in targetLevel whose key range overlaps
// theirs: targetLevel is non-overlapping once the merge commits, so
// any pre-existing segment in that range has to be folded
// into the same merge rather than left to sit beside the new output.
func (s *LeveledStrategy) buildPlan(levels []manifest.Level, sourceSegs []manifest.SegmentRef, sourceLevel, targetLevel int, isBottomMost bool) *Plan {
	ids := make([]string, 0, len(sourceSegs))
	minKey, maxKey := sourceSegs[0].MinKey, sourceSegs[0].MaxKey
	for _, ref := range sourceSegs {
		ids = append(ids, ref.ID)
		if bytes.Compare(ref.MinKey, minKey) < 0 {
			minKey = ref.MinKey
		}
		if bytes.Compare(ref.MaxKey, maxKey) > 0 {
			maxKey = ref.MaxKey
		}
	}

	if targetLevel < len(levels) {
		for _, ref := range levels[targetLevel].Segments {
			if rangesOverlap(minKey, maxKey, ref.MinKey, ref.MaxKey) {
				ids = append(ids, ref.ID)
			}
		}
	}

	return &Plan{
		InputIDs:     ids,
		SourceLevel:  sourceLevel,
		TargetLevel:  targetLevel,
		IsBottomMost: isBottomMost,
	}
}

func rangesOverlap(minA, maxA, minB, maxB []byte) bool {
	return bytes.Compare(minA, maxB) <= 0 && bytes.Compare(minB, maxA) <= 0
}

func levelSize(l manifest.Level) int64 {
	var total int64
	for _, ref := range l.Segments {
		total += ref.FileSize
	}
	return total
}
