// Package worker runs the render orchestration task: it plans chunks, drives
// the dispatcher, stitches the output, prices the job, and fires the webhook.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/renderfleet/api/internal/client"
	"github.com/renderfleet/api/internal/cost"
	"github.com/renderfleet/api/internal/dispatch"
	"github.com/renderfleet/api/internal/model"
	"github.com/renderfleet/api/internal/notify"
	"github.com/renderfleet/api/internal/planner"
	"github.com/renderfleet/api/internal/progress"
	"github.com/renderfleet/api/internal/stitch"
	"github.com/renderfleet/api/internal/websocket"
)

// Orchestrator processes render jobs end to end. One ProcessTask call owns
// one job; concurrent jobs run in separate asynq workers and share nothing
// but the store.
type Orchestrator struct {
	store     progress.Store
	renderer  client.ChunkRenderer
	storage   client.StorageClient
	stitcher  *stitch.Stitcher
	estimator *cost.Estimator
	notifier  *notify.Notifier
	hub       *websocket.Hub
	retry     dispatch.RetryPolicy

	memoryMb  int
	diskMb    int
	pipelined bool
}

// OrchestratorOptions carries the tunables the orchestrator reads from config.
type OrchestratorOptions struct {
	Retry     dispatch.RetryPolicy
	MemoryMb  int
	DiskMb    int
	Pipelined bool
}

// NewOrchestrator creates the render orchestrator.
func NewOrchestrator(
	store progress.Store,
	renderer client.ChunkRenderer,
	storage client.StorageClient,
	muxer client.Muxer,
	estimator *cost.Estimator,
	notifier *notify.Notifier,
	hub *websocket.Hub,
	opts OrchestratorOptions,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		renderer:  renderer,
		storage:   storage,
		stitcher:  stitch.NewStitcher(muxer, storage),
		estimator: estimator,
		notifier:  notifier,
		hub:       hub,
		retry:     opts.Retry,
		memoryMb:  opts.MemoryMb,
		diskMb:    opts.DiskMb,
		pipelined: opts.Pipelined,
	}
}

// ProcessTask handles one render orchestration task.
func (o *Orchestrator) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload struct {
		RenderID string `json:"renderId"`
	}
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	renderID := taskPayload.RenderID
	log.Printf("Starting render %s", renderID)
	started := time.Now()

	rec, err := o.store.Get(ctx, renderID)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			log.Printf("Render %s has no progress record, dropping task", renderID)
			return nil
		}
		return err
	}
	if rec.Status.IsTerminal() {
		// Cancelled before the task was picked up.
		log.Printf("Render %s already %s, dropping task", renderID, rec.Status)
		return nil
	}

	job := rec.Job

	// Plan
	rec, err = o.setStatus(ctx, renderID, model.JobStatusPlanning, func(r *model.ProgressRecord) {
		now := time.Now()
		r.StartedAt = &now
	})
	if err != nil {
		return o.dropIfTerminal(renderID, err)
	}
	o.broadcast(rec)

	chunks, err := planner.Plan(job.FrameCount(), strategyFor(&job))
	if err != nil {
		o.finalize(renderID, started, model.JobStatusFailed, &model.ChunkError{
			Kind:    model.ErrKindInternal,
			Message: err.Error(),
		}, nil)
		return nil
	}

	// Dispatch
	rec, err = o.setStatus(ctx, renderID, model.JobStatusDispatching, func(r *model.ProgressRecord) {
		r.Chunks = chunks
	})
	if err != nil {
		return o.dropIfTerminal(renderID, err)
	}
	o.broadcast(rec)

	deadline := time.Duration(job.TimeoutMs) * time.Millisecond
	jobCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// The job's own retry budget overrides the platform default.
	retry := o.retry
	retry.MaxRetries = job.MaxRetries
	d := dispatch.NewDispatcher(o.renderer, o.store, retry)
	d.OnTransition = o.broadcast

	var pipeline *stitch.Pipeline
	if o.pipelined && !job.Codec.IsStill() {
		pipeline = o.stitcher.NewPipeline(jobCtx, &job)
		d.OnChunkDone = pipeline.Feed
	}

	if err := d.Run(jobCtx, &job, chunks); err != nil {
		switch {
		case errors.Is(err, progress.ErrTerminal):
			// Cancelled out from under us; the record is already final.
			o.broadcastTerminal(renderID)
			return nil
		case errors.Is(err, dispatch.ErrJobTimedOut):
			o.finalize(renderID, started, model.JobStatusTimedOut, nil, nil)
			return nil
		default:
			var chunkErr *dispatch.ChunkFailedError
			detail := &model.ChunkError{Kind: model.ErrKindInternal, Message: err.Error()}
			if errors.As(err, &chunkErr) {
				detail = &model.ChunkError{Kind: chunkErr.Err.Kind, Message: chunkErr.Err.Message}
			}
			o.finalize(renderID, started, model.JobStatusFailed, detail, nil)
			return nil
		}
	}

	// Stitch
	rec, err = o.setStatus(ctx, renderID, model.JobStatusStitching, nil)
	if err != nil {
		return o.dropIfTerminal(renderID, err)
	}
	o.broadcast(rec)

	var artifact *model.Artifact
	if pipeline != nil {
		artifact, err = pipeline.Finish(ctx, rec.Chunks)
	} else {
		artifact, err = o.stitcher.Stitch(ctx, &job, rec.Chunks)
	}
	if err != nil {
		o.finalize(renderID, started, model.JobStatusFailed, &model.ChunkError{
			Kind:    model.ErrKindInternal,
			Message: err.Error(),
		}, nil)
		return nil
	}

	o.finalize(renderID, started, model.JobStatusDone, nil, artifact)
	log.Printf("Render %s completed in %s", renderID, time.Since(started).Round(time.Millisecond))
	return nil
}

// strategyFor reconstructs the chunking strategy from the submitted hints.
func strategyFor(job *model.RenderJob) planner.ChunkingStrategy {
	if job.FramesPerChunk > 0 {
		return planner.FixedSize(job.FramesPerChunk)
	}
	if job.ConcurrencyLimit > 0 {
		return planner.TargetConcurrency(job.ConcurrencyLimit)
	}
	return planner.TargetConcurrency(planner.MaxChunks)
}

// setStatus advances the job status through the store's atomic update.
func (o *Orchestrator) setStatus(ctx context.Context, renderID string, status model.JobStatus, apply func(*model.ProgressRecord)) (*model.ProgressRecord, error) {
	return o.store.Update(ctx, renderID, func(r *model.ProgressRecord) error {
		r.Status = status
		if apply != nil {
			apply(r)
		}
		return nil
	})
}

// dropIfTerminal swallows the external-cancel race on status writes; any
// other store failure is retryable and surfaces to asynq.
func (o *Orchestrator) dropIfTerminal(renderID string, err error) error {
	if errors.Is(err, progress.ErrTerminal) {
		log.Printf("Render %s cancelled externally", renderID)
		o.broadcastTerminal(renderID)
		return nil
	}
	return err
}

// finalize writes the terminal record exactly once: status, error detail,
// artifact, price estimate, completion time, and the webhook-sent marker.
// It then mirrors the snapshot to storage, notifies subscribers, and posts
// the webhook. The estimate is computed for every outcome, failures included.
func (o *Orchestrator) finalize(renderID string, started time.Time, status model.JobStatus, detail *model.ChunkError, artifact *model.Artifact) {
	// Survives the job context; a timed-out job must still get its record.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orchestratorMs := time.Since(started).Milliseconds()

	rec, err := o.store.Update(ctx, renderID, func(r *model.ProgressRecord) error {
		r.Status = status
		r.Error = detail
		r.Artifact = artifact
		r.Estimate = o.estimator.Estimate(r, orchestratorMs, o.memoryMb, o.diskMb)
		now := time.Now()
		r.CompletedAt = &now
		if r.Job.Webhook != nil {
			r.WebhookSent = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, progress.ErrTerminal) {
			o.broadcastTerminal(renderID)
			return
		}
		log.Printf("Failed to finalize render %s: %v", renderID, err)
		return
	}

	o.snapshot(ctx, rec)

	switch status {
	case model.JobStatusDone:
		var info *model.ArtifactInfo
		if artifact != nil {
			info = &model.ArtifactInfo{
				URL:         artifact.URL,
				OutKey:      artifact.Location,
				SizeInBytes: artifact.SizeInBytes,
			}
		}
		o.hub.BroadcastComplete(renderID, info)
	default:
		code := string(status)
		message := ""
		if detail != nil {
			code = string(detail.Kind)
			message = detail.Message
		}
		o.hub.BroadcastError(renderID, status, code, message)
	}

	if rec.Job.Webhook != nil {
		if err := o.notifier.Notify(ctx, rec.Job.Webhook, notify.PayloadFor(rec)); err != nil {
			log.Printf("Webhook for render %s not delivered: %v", renderID, err)
		}
	}
}

// snapshot mirrors the terminal record to storage as progress.json so the
// outcome survives the store's TTL.
func (o *Orchestrator) snapshot(ctx context.Context, rec *model.ProgressRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("Failed to marshal snapshot for render %s: %v", rec.Job.RenderID, err)
		return
	}
	key := progress.SnapshotKey(rec.Job.RenderID)
	if _, err := o.storage.Upload(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		log.Printf("Failed to mirror snapshot for render %s: %v", rec.Job.RenderID, err)
	}
}

// broadcast pushes a live progress frame to websocket subscribers.
func (o *Orchestrator) broadcast(rec *model.ProgressRecord) {
	o.hub.BroadcastProgress(rec.Job.RenderID, rec.Status, rec.CountChunks(), rec.OverallProgress())
}

// broadcastTerminal re-reads an externally finalized record and pushes its
// terminal frame.
func (o *Orchestrator) broadcastTerminal(renderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := o.store.Get(ctx, renderID)
	if err != nil {
		return
	}
	code := string(rec.Status)
	message := ""
	if rec.Error != nil {
		code = string(rec.Error.Kind)
		message = rec.Error.Message
	}
	o.hub.BroadcastError(renderID, rec.Status, code, message)
}
