package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/renderfleet/api/internal/config"
	"github.com/renderfleet/api/internal/model"
)

// ChunkRenderer invokes one remote render worker for exactly one chunk.
// The worker writes its own output to shared storage under the job-scoped
// key carried in the request; on success only metadata comes back.
type ChunkRenderer interface {
	RenderChunk(ctx context.Context, req *RenderChunkRequest) (*RenderChunkResult, error)
}

// RenderChunkRequest is the invocation body sent to a render worker.
type RenderChunkRequest struct {
	RenderID      string             `json:"renderId"`
	ServeURL      string             `json:"serveUrl"`
	CompositionID string             `json:"compositionId"`
	FrameStart    int                `json:"frameStart"`
	FrameEnd      int                `json:"frameEnd"`
	Codec         model.Codec        `json:"codec"`
	CodecOptions  model.CodecOptions `json:"codecOptions"`
	OutputKey     string             `json:"outputKey"`
	Attempt       int                `json:"attempt"`
}

// RenderChunkResult is the worker's success response.
type RenderChunkResult struct {
	OutputKey   string `json:"outputKey"`
	DurationMs  int64  `json:"durationMs"`
	SizeInBytes int64  `json:"sizeInBytes"`
	MemoryMb    int    `json:"memoryMb"`
	DiskMb      int    `json:"diskMb"`
}

// InvocationError is a chunk invocation failure classified into the closed
// model.ErrorKind set. Classification happens only here, at the client
// boundary; everything downstream switches on Kind.
type InvocationError struct {
	Kind    model.ErrorKind
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("worker invocation failed (%s): %s", e.Kind, e.Message)
}

// ClassifyInvocationError extracts the InvocationError from err, wrapping
// unclassified errors as internal.
func ClassifyInvocationError(err error) *InvocationError {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr
	}
	return &InvocationError{Kind: model.ErrKindInternal, Message: err.Error()}
}

// WorkerClient implements ChunkRenderer against the serverless render
// function's HTTP endpoint.
type WorkerClient struct {
	httpClient *http.Client
	invokeURL  string
	timeout    time.Duration
}

// NewWorkerClient creates a worker client from config. The per-invocation
// timeout is enforced via context, not the transport, so callers can tighten
// it per call.
func NewWorkerClient(cfg *config.WorkerConfig) *WorkerClient {
	return &WorkerClient{
		httpClient: &http.Client{},
		invokeURL:  cfg.InvokeURL,
		timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

// IsConfigured returns true if the client has a worker endpoint.
func (c *WorkerClient) IsConfigured() bool {
	return c.invokeURL != ""
}

// Timeout returns the configured per-invocation deadline.
func (c *WorkerClient) Timeout() time.Duration {
	return c.timeout
}

// workerErrorBody is the structured error a worker reports for its own
// failures (render crash, bad composition, OOM).
type workerErrorBody struct {
	Error struct {
		Kind    model.ErrorKind `json:"kind"`
		Message string          `json:"message"`
	} `json:"error"`
}

// RenderChunk invokes the worker once and waits for its result or the
// deadline, whichever comes first.
func (c *WorkerClient) RenderChunk(ctx context.Context, req *RenderChunkRequest) (*RenderChunkResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &InvocationError{Kind: model.ErrKindInternal, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.invokeURL, bytes.NewReader(body))
	if err != nil {
		return nil, &InvocationError{Kind: model.ErrKindInternal, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	var result RenderChunkResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &InvocationError{Kind: model.ErrKindInternal, Message: fmt.Sprintf("malformed worker response: %v", err)}
	}
	return &result, nil
}

func classifyTransportError(err error) *InvocationError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &InvocationError{Kind: model.ErrKindTimeout, Message: "worker did not respond before the invocation deadline"}
	}
	if errors.Is(err, context.Canceled) {
		return &InvocationError{Kind: model.ErrKindTimeout, Message: "invocation abandoned"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &InvocationError{Kind: model.ErrKindTimeout, Message: err.Error()}
	}
	return &InvocationError{Kind: model.ErrKindNetwork, Message: err.Error()}
}

func classifyHTTPError(status int, body []byte) *InvocationError {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return &InvocationError{Kind: model.ErrKindThrottled, Message: fmt.Sprintf("worker platform throttled the invocation (HTTP %d)", status)}
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return &InvocationError{Kind: model.ErrKindWorkerPreempted, Message: fmt.Sprintf("worker sandbox lost before completion (HTTP %d)", status)}
	}

	// Workers report their own failures with a declared kind.
	var werr workerErrorBody
	if err := json.Unmarshal(body, &werr); err == nil && werr.Error.Kind != "" {
		if knownErrorKind(werr.Error.Kind) {
			return &InvocationError{Kind: werr.Error.Kind, Message: werr.Error.Message}
		}
	}
	return &InvocationError{Kind: model.ErrKindInternal, Message: fmt.Sprintf("worker returned HTTP %d: %s", status, truncate(string(body), 200))}
}

func knownErrorKind(k model.ErrorKind) bool {
	switch k {
	case model.ErrKindNetwork, model.ErrKindThrottled, model.ErrKindWorkerPreempted,
		model.ErrKindTimeout, model.ErrKindInvalidComposition, model.ErrKindUnsupportedCodec,
		model.ErrKindOutOfMemory, model.ErrKindPermission, model.ErrKindInternal:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
