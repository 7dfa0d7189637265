package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/renderfleet/api/internal/client"
	"github.com/renderfleet/api/internal/config"
	"github.com/renderfleet/api/internal/cost"
	"github.com/renderfleet/api/internal/model"
	"github.com/renderfleet/api/internal/notify"
	"github.com/renderfleet/api/internal/planner"
	"github.com/renderfleet/api/internal/progress"
)

const TaskTypeRender = "render:orchestrate"

var (
	// ErrAlreadyTerminal rejects cancelling a render that already finished.
	ErrAlreadyTerminal = errors.New("render already finished")

	// ErrNotTerminal rejects deleting a render that is still running.
	ErrNotTerminal = errors.New("render still in progress")
)

// ValidationError reports a request the API surface could not accept.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// RenderService manages render job submission and lifecycle.
type RenderService struct {
	store       progress.Store
	storage     client.StorageClient
	asynqClient *asynq.Client
	estimator   *cost.Estimator
	notifier    *notify.Notifier
	cfg         *config.Config
}

func NewRenderService(
	store progress.Store,
	storage client.StorageClient,
	asynqClient *asynq.Client,
	estimator *cost.Estimator,
	notifier *notify.Notifier,
	cfg *config.Config,
) *RenderService {
	return &RenderService{
		store:       store,
		storage:     storage,
		asynqClient: asynqClient,
		estimator:   estimator,
		notifier:    notifier,
		cfg:         cfg,
	}
}

// StartRender validates the request, persists the initial progress record,
// and queues the orchestration task.
func (s *RenderService) StartRender(ctx context.Context, req *model.RenderStartRequest) (*model.RenderStartResponse, error) {
	job, err := s.jobFromRequest(req)
	if err != nil {
		return nil, err
	}

	rec := &model.ProgressRecord{
		Job:    *job,
		Status: model.JobStatusCreated,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save render record: %w", err)
	}

	task, err := newRenderTask(job.RenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// The orchestrator owns all retrying; a crashed task must not re-run
	// half a render.
	_, err = s.asynqClient.Enqueue(task,
		asynq.Queue("render"),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.RenderStartResponse{
		RenderID:   job.RenderID,
		BucketName: s.storage.BucketName(),
		StatusURL:  s.statusURL(job.RenderID),
		Status:     model.JobStatusCreated,
		CreatedAt:  job.CreatedAt,
	}, nil
}

// jobFromRequest applies defaults and rejects anything the orchestrator
// could not execute.
func (s *RenderService) jobFromRequest(req *model.RenderStartRequest) (*model.RenderJob, error) {
	if !validCodec(req.Codec) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported codec %q", req.Codec)}
	}
	if req.FrameEnd < req.FrameStart {
		return nil, &ValidationError{Reason: "frameEnd must not precede frameStart"}
	}

	// Mutual exclusion of the chunking hints is enforced here so the
	// caller gets a 400, not a failed job.
	if _, err := planner.FromHints(req.FramesPerChunk, req.Concurrency); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	privacy := req.Privacy
	if privacy == "" {
		privacy = model.PrivacyPublic
	} else if !validPrivacy(privacy) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported privacy %q", privacy)}
	}

	if req.Webhook != nil {
		if req.Webhook.URL == "" {
			return nil, &ValidationError{Reason: "webhook url is required when webhook is set"}
		}
		if len(req.Webhook.CustomData) > notify.MaxCustomDataBytes {
			return nil, &ValidationError{Reason: fmt.Sprintf("webhook customData exceeds %d bytes", notify.MaxCustomDataBytes)}
		}
	}

	outName := req.OutName
	if outName == "" {
		outName = "out." + req.Codec.Extension()
	}

	maxRetries := s.cfg.Render.MaxRetriesPerChunk
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = s.cfg.Render.JobTimeoutMs
	}

	framesPerChunk := 0
	if req.FramesPerChunk != nil {
		framesPerChunk = *req.FramesPerChunk
	}
	concurrency := 0
	if req.Concurrency != nil {
		concurrency = *req.Concurrency
		if concurrency > planner.MaxChunks {
			concurrency = planner.MaxChunks
		}
	}

	return &model.RenderJob{
		RenderID:         uuid.New().String(),
		ServeURL:         req.ServeURL,
		CompositionID:    req.CompositionID,
		FrameStart:       req.FrameStart,
		FrameEnd:         req.FrameEnd,
		Codec:            req.Codec,
		CodecOptions:     req.CodecOptions,
		OutputKey:        outName,
		Privacy:          privacy,
		FramesPerChunk:   framesPerChunk,
		MaxRetries:       maxRetries,
		ConcurrencyLimit: concurrency,
		TimeoutMs:        timeoutMs,
		Webhook:          req.Webhook,
		CreatedAt:        time.Now(),
	}, nil
}

// GetStatus returns the poll view of a render, including a running price
// estimate over whatever telemetry has accumulated so far.
func (s *RenderService) GetStatus(ctx context.Context, renderID string) (*model.RenderStatusResponse, error) {
	rec, err := s.store.Get(ctx, renderID)
	if err != nil {
		return nil, err
	}

	estimate := rec.Estimate
	if estimate == nil {
		estimate = s.estimator.Estimate(rec, 0, s.cfg.Render.MemoryMb, s.cfg.Render.DiskMb)
	}

	resp := &model.RenderStatusResponse{
		RenderID:        renderID,
		Status:          rec.Status,
		Chunks:          rec.CountChunks(),
		OverallProgress: rec.OverallProgress(),
		EstimatedPrice:  estimate,
		Error:           rec.Error,
		CreatedAt:       rec.Job.CreatedAt,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
	}
	if rec.Artifact != nil {
		resp.Artifact = &model.ArtifactInfo{
			URL:         rec.Artifact.URL,
			OutKey:      rec.Artifact.Location,
			SizeInBytes: rec.Artifact.SizeInBytes,
		}
	}
	return resp, nil
}

// Cancel flips the record terminal. The orchestrator observes the flip on its
// next store write and aborts; in-flight worker invocations finish but their
// results are dropped. Cancelling an already-terminal render fails.
func (s *RenderService) Cancel(ctx context.Context, renderID string) (*model.RenderCancelResponse, error) {
	rec, err := s.store.Update(ctx, renderID, func(r *model.ProgressRecord) error {
		r.Status = model.JobStatusCancelled
		now := time.Now()
		r.CompletedAt = &now
		if r.Job.Webhook != nil {
			r.WebhookSent = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, progress.ErrTerminal) {
			return nil, ErrAlreadyTerminal
		}
		return nil, err
	}

	if rec.Job.Webhook != nil {
		// Best effort; cancellation succeeded regardless.
		_ = s.notifier.Notify(ctx, rec.Job.Webhook, notify.PayloadFor(rec))
	}

	return &model.RenderCancelResponse{
		RenderID: renderID,
		Status:   model.JobStatusCancelled,
	}, nil
}

// Delete removes a finished render: every storage object under its prefix
// and the progress record itself. Running renders must be cancelled first.
func (s *RenderService) Delete(ctx context.Context, renderID string) (*model.RenderDeleteResponse, error) {
	rec, err := s.store.Get(ctx, renderID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsTerminal() {
		return nil, ErrNotTerminal
	}

	freed, err := s.storage.DeletePrefix(ctx, progress.RenderPrefix(renderID))
	if err != nil {
		return nil, fmt.Errorf("failed to delete render objects: %w", err)
	}
	if err := s.store.Delete(ctx, renderID); err != nil {
		return nil, err
	}

	return &model.RenderDeleteResponse{
		RenderID:   renderID,
		FreedBytes: freed,
	}, nil
}

func (s *RenderService) statusURL(renderID string) string {
	if s.cfg.Server.ApiDomain != "" {
		return fmt.Sprintf("https://%s/api/render/status/%s", s.cfg.Server.ApiDomain, renderID)
	}
	return fmt.Sprintf("http://localhost:%s/api/render/status/%s", s.cfg.Server.Port, renderID)
}

func validCodec(c model.Codec) bool {
	for _, v := range model.ValidCodecs {
		if c == v {
			return true
		}
	}
	return false
}

func validPrivacy(p model.Privacy) bool {
	for _, v := range model.ValidPrivacies {
		if p == v {
			return true
		}
	}
	return false
}

func newRenderTask(renderID string) (*asynq.Task, error) {
	data, err := json.Marshal(map[string]string{"renderId": renderID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRender, data), nil
}
