package model

import "time"

// RenderStartRequest is the body of POST /api/render/start.
// Exactly one of FramesPerChunk / Concurrency may be set.
type RenderStartRequest struct {
	ServeURL      string        `json:"serveUrl" validate:"required,url"`
	CompositionID string        `json:"compositionId" validate:"required"`
	FrameStart    int           `json:"frameStart" validate:"min=0"`
	FrameEnd      int           `json:"frameEnd" validate:"min=0"`
	Codec         Codec         `json:"codec" validate:"required"`
	CodecOptions  CodecOptions  `json:"codecOptions"`
	Privacy       Privacy       `json:"privacy,omitempty"`
	OutName       string        `json:"outName,omitempty"`
	MaxRetries    *int          `json:"maxRetries,omitempty" validate:"omitempty,min=0,max=10"`

	FramesPerChunk *int `json:"framesPerChunk,omitempty" validate:"omitempty,min=1"`
	Concurrency    *int `json:"concurrency,omitempty" validate:"omitempty,min=1"`

	TimeoutMs int64          `json:"timeoutInMilliseconds,omitempty" validate:"omitempty,min=1000"`
	Webhook   *WebhookConfig `json:"webhook,omitempty"`
}

// RenderStartResponse is returned with 202 Accepted.
type RenderStartResponse struct {
	RenderID   string    `json:"renderId"`
	BucketName string    `json:"bucketName"`
	StatusURL  string    `json:"statusUrl"`
	Status     JobStatus `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RenderStatusResponse is the status-poll payload.
type RenderStatusResponse struct {
	RenderID        string         `json:"renderId"`
	Status          JobStatus      `json:"status"`
	Chunks          ChunkCounts    `json:"chunks"`
	OverallProgress float64        `json:"overallProgress"`
	EstimatedPrice  *PriceEstimate `json:"estimatedPrice,omitempty"`
	Artifact        *ArtifactInfo  `json:"artifact,omitempty"`
	Error           *ChunkError    `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

// ArtifactInfo is the artifact subset exposed to pollers.
type ArtifactInfo struct {
	URL         string `json:"url"`
	OutKey      string `json:"outKey"`
	SizeInBytes int64  `json:"sizeInBytes"`
}

// RenderCancelResponse is returned by POST /api/render/cancel/:renderId.
type RenderCancelResponse struct {
	RenderID string    `json:"renderId"`
	Status   JobStatus `json:"status"`
}

// RenderDeleteResponse is returned by DELETE /api/render/:renderId.
type RenderDeleteResponse struct {
	RenderID   string `json:"renderId"`
	FreedBytes int64  `json:"freedBytes"`
}

// WebhookPayload is posted to the configured callback URL on terminal states.
// CustomData is echoed back unmodified.
type WebhookPayload struct {
	RenderID    string        `json:"renderId"`
	Status      WebhookStatus `json:"status"`
	OutputURL   string        `json:"outputUrl,omitempty"`
	ErrorDetail string        `json:"errorDetail,omitempty"`
	CustomData  []byte        `json:"customData,omitempty"`
}
