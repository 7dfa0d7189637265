// Package planner splits a frame range into contiguous chunks, one per worker
// invocation.
package planner

import (
	"fmt"

	"github.com/renderfleet/api/internal/model"
)

const (
	// MinFramesPerChunk is the floor below which a chunk is not worth a
	// cold start. Jobs shorter than this render as a single chunk.
	MinFramesPerChunk = 4

	// MaxChunks is the platform ceiling on concurrent invocations per job.
	MaxChunks = 200
)

// InvalidPlanError reports an unsatisfiable or malformed plan request.
type InvalidPlanError struct {
	Reason string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("invalid chunk plan: %s", e.Reason)
}

type strategyKind int

const (
	strategyNone strategyKind = iota
	strategyFixedSize
	strategyTargetConcurrency
)

// ChunkingStrategy selects how the frame range is split. Construct with
// FixedSize or TargetConcurrency; the zero value is invalid. Making this a
// single tagged value keeps "frames-per-chunk XOR concurrency" out of the
// planner's error space.
type ChunkingStrategy struct {
	kind strategyKind
	n    int
}

// FixedSize plans chunks of n frames each (the last chunk may be shorter).
func FixedSize(n int) ChunkingStrategy {
	return ChunkingStrategy{kind: strategyFixedSize, n: n}
}

// TargetConcurrency plans roughly n chunks so n workers run at once.
func TargetConcurrency(n int) ChunkingStrategy {
	return ChunkingStrategy{kind: strategyTargetConcurrency, n: n}
}

// FromHints converts the two nullable API fields into a strategy, enforcing
// mutual exclusion at the boundary.
func FromHints(framesPerChunk, concurrency *int) (ChunkingStrategy, error) {
	switch {
	case framesPerChunk != nil && concurrency != nil:
		return ChunkingStrategy{}, &InvalidPlanError{Reason: "framesPerChunk and concurrency are mutually exclusive"}
	case framesPerChunk != nil:
		return FixedSize(*framesPerChunk), nil
	case concurrency != nil:
		return TargetConcurrency(*concurrency), nil
	default:
		// No hint: aim for the platform ceiling.
		return TargetConcurrency(MaxChunks), nil
	}
}

// Plan partitions [0, totalFrames) into ordered chunks. The returned ranges
// are contiguous, non-overlapping, and cover the full range exactly. Chunk
// count never exceeds MaxChunks and every chunk spans at least
// MinFramesPerChunk frames except when totalFrames itself is smaller.
func Plan(totalFrames int, strategy ChunkingStrategy) ([]model.Chunk, error) {
	if totalFrames <= 0 {
		return nil, &InvalidPlanError{Reason: fmt.Sprintf("frame count must be positive, got %d", totalFrames)}
	}

	var framesPerChunk int
	switch strategy.kind {
	case strategyFixedSize:
		if strategy.n <= 0 {
			return nil, &InvalidPlanError{Reason: fmt.Sprintf("framesPerChunk must be positive, got %d", strategy.n)}
		}
		framesPerChunk = strategy.n
	case strategyTargetConcurrency:
		if strategy.n <= 0 {
			return nil, &InvalidPlanError{Reason: fmt.Sprintf("concurrency must be positive, got %d", strategy.n)}
		}
		framesPerChunk = ceilDiv(totalFrames, strategy.n)
	default:
		return nil, &InvalidPlanError{Reason: "no chunking strategy supplied"}
	}

	// Clamp upward to the per-chunk floor, then upward again until the
	// chunk count fits under the platform ceiling.
	if framesPerChunk < MinFramesPerChunk && totalFrames >= MinFramesPerChunk {
		framesPerChunk = MinFramesPerChunk
	}
	if count := ceilDiv(totalFrames, framesPerChunk); count > MaxChunks {
		framesPerChunk = ceilDiv(totalFrames, MaxChunks)
	}

	count := ceilDiv(totalFrames, framesPerChunk)
	if count > MaxChunks {
		// Unreachable after clamping, but guarded: a plan that cannot
		// satisfy both floor and ceiling must fail, not overflow.
		return nil, &InvalidPlanError{Reason: fmt.Sprintf("%d frames cannot fit %d chunks", totalFrames, MaxChunks)}
	}

	chunks := make([]model.Chunk, 0, count)
	for start := 0; start < totalFrames; start += framesPerChunk {
		end := start + framesPerChunk
		if end > totalFrames {
			end = totalFrames
		}
		chunks = append(chunks, model.Chunk{
			Index:      len(chunks),
			FrameStart: start,
			FrameEnd:   end,
			Status:     model.ChunkStatusPending,
		})
	}
	return chunks, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
