// Package dispatch owns the pool of in-flight chunk invocations for one
// render job: it enforces the concurrency ceiling, applies the retry policy,
// and records every chunk transition in the progress store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/renderfleet/api/internal/client"
	"github.com/renderfleet/api/internal/model"
	"github.com/renderfleet/api/internal/progress"
)

// ErrJobTimedOut reports that the job-level wall-clock budget expired before
// all chunks resolved.
var ErrJobTimedOut = errors.New("render job deadline exceeded")

// ChunkFailedError reports the first chunk to reach terminal failure; it
// carries the classification pollers will see.
type ChunkFailedError struct {
	ChunkIndex int
	Attempt    int
	Err        *client.InvocationError
}

func (e *ChunkFailedError) Error() string {
	return fmt.Sprintf("chunk %d failed terminally on attempt %d: %v", e.ChunkIndex, e.Attempt, e.Err)
}

func (e *ChunkFailedError) Unwrap() error { return e.Err }

// Dispatcher drives all chunk invocations for render jobs. It is stateless
// across jobs; each Run call owns one job's invocation pool, so concurrent
// jobs cannot starve each other.
type Dispatcher struct {
	renderer client.ChunkRenderer
	store    progress.Store
	retry    RetryPolicy

	// OnChunkDone, when set, receives each chunk as it succeeds. The
	// pipelined stitcher feeds on this.
	OnChunkDone func(chunk model.Chunk)

	// OnTransition, when set, receives the updated record after every
	// chunk-state write. Used for live progress broadcasting.
	OnTransition func(rec *model.ProgressRecord)
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(renderer client.ChunkRenderer, store progress.Store, retry RetryPolicy) *Dispatcher {
	return &Dispatcher{renderer: renderer, store: store, retry: retry}
}

// Run fans the job's chunks out to workers and blocks until all succeed, one
// fails terminally, the context deadline passes, or the job is cancelled
// externally.
//
// Guarantees: at most job.ConcurrencyLimit chunks are in flight at once;
// ready chunks launch FIFO by index; the first terminal failure cancels all
// siblings; every transition goes through the store, so a record gone
// terminal (external cancel) aborts the run with progress.ErrTerminal.
//
// The caller bounds ctx with the job deadline; expiry maps to ErrJobTimedOut.
func (d *Dispatcher) Run(ctx context.Context, job *model.RenderJob, chunks []model.Chunk) error {
	limit := job.ConcurrencyLimit
	if limit <= 0 || limit > len(chunks) {
		limit = len(chunks)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := range chunks {
		chunk := chunks[i]
		// Go blocks while all slots are busy, so launch order is FIFO
		// by chunk index.
		g.Go(func() error {
			return d.runChunk(gctx, job, chunk)
		})
	}

	err := g.Wait()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, progress.ErrTerminal):
		return progress.ErrTerminal
	case errors.Is(err, context.DeadlineExceeded):
		return ErrJobTimedOut
	default:
		return err
	}
}

// runChunk drives one chunk through its attempt loop until it reaches a
// terminal per-chunk outcome.
func (d *Dispatcher) runChunk(ctx context.Context, job *model.RenderJob, chunk model.Chunk) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.transition(ctx, job.RenderID, chunk.Index, func(c *model.Chunk, rec *model.ProgressRecord) {
			c.Status = model.ChunkStatusInvoked
			c.Attempt = attempt
			rec.InvocationCount++
		}); err != nil {
			return err
		}

		started := time.Now()
		result, err := d.renderer.RenderChunk(ctx, &client.RenderChunkRequest{
			RenderID:      job.RenderID,
			ServeURL:      job.ServeURL,
			CompositionID: job.CompositionID,
			FrameStart:    job.FrameStart + chunk.FrameStart,
			FrameEnd:      job.FrameStart + chunk.FrameEnd,
			Codec:         job.Codec,
			CodecOptions:  job.CodecOptions,
			OutputKey:     progress.ChunkKey(job.RenderID, chunk.Index, job.Codec.Extension()),
			Attempt:       attempt,
		})

		if err == nil {
			durationMs := result.DurationMs
			if durationMs == 0 {
				durationMs = time.Since(started).Milliseconds()
			}
			if err := d.transition(ctx, job.RenderID, chunk.Index, func(c *model.Chunk, rec *model.ProgressRecord) {
				c.Status = model.ChunkStatusSucceeded
				c.OutputLocation = result.OutputKey
				c.DurationMs += durationMs
				c.SizeInBytes = result.SizeInBytes
				c.LastError = nil
			}); err != nil {
				return err
			}
			if d.OnChunkDone != nil {
				done := chunk
				done.Status = model.ChunkStatusSucceeded
				done.OutputLocation = result.OutputKey
				d.OnChunkDone(done)
			}
			return nil
		}

		// The job deadline races with the invocation; prefer the job-level
		// verdict over recording a misleading chunk failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		invErr := client.ClassifyInvocationError(err)
		attemptDuration := time.Since(started).Milliseconds()

		if d.retry.Decide(invErr.Kind, attempt) == Retry {
			if err := d.transition(ctx, job.RenderID, chunk.Index, func(c *model.Chunk, rec *model.ProgressRecord) {
				c.Status = model.ChunkStatusRetrying
				c.DurationMs += attemptDuration
				c.LastError = &model.ChunkError{Kind: invErr.Kind, Message: invErr.Message}
			}); err != nil {
				return err
			}
			if err := sleepCtx(ctx, d.retry.Backoff(attempt)); err != nil {
				return err
			}
			continue
		}

		if err := d.transition(ctx, job.RenderID, chunk.Index, func(c *model.Chunk, rec *model.ProgressRecord) {
			c.Status = model.ChunkStatusFailed
			c.DurationMs += attemptDuration
			c.LastError = &model.ChunkError{Kind: invErr.Kind, Message: invErr.Message}
		}); err != nil {
			return err
		}
		return &ChunkFailedError{ChunkIndex: chunk.Index, Attempt: attempt, Err: invErr}
	}
}

// transition applies a chunk mutation through the store's atomic update and
// fans the fresh record out to the broadcast hook.
func (d *Dispatcher) transition(ctx context.Context, renderID string, chunkIndex int, apply func(*model.Chunk, *model.ProgressRecord)) error {
	// Store writes must survive the group context being cancelled by a
	// sibling failure, so they use their own short deadline.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	rec, err := d.store.Update(writeCtx, renderID, func(rec *model.ProgressRecord) error {
		if chunkIndex >= len(rec.Chunks) {
			return fmt.Errorf("chunk index %d out of range", chunkIndex)
		}
		apply(&rec.Chunks[chunkIndex], rec)
		return nil
	})
	if err != nil {
		return err
	}
	if d.OnTransition != nil {
		d.OnTransition(rec)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
