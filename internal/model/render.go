package model

import "time"

// Chunk is one contiguous frame sub-range rendered by a single worker
// invocation. FrameStart is inclusive, FrameEnd exclusive.
type Chunk struct {
	Index          int         `json:"index"`
	FrameStart     int         `json:"frameStart"`
	FrameEnd       int         `json:"frameEnd"`
	Attempt        int         `json:"attempt"`
	Status         ChunkStatus `json:"status"`
	LastError      *ChunkError `json:"lastError,omitempty"`
	OutputLocation string      `json:"outputLocation,omitempty"`
	DurationMs     int64       `json:"durationMs"`
	SizeInBytes    int64       `json:"sizeInBytes"`
}

// Frames returns the number of frames the chunk covers.
func (c Chunk) Frames() int { return c.FrameEnd - c.FrameStart }

// ChunkError records a classified invocation failure.
type ChunkError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// CodecOptions carries codec-family encoding settings passed through to the
// workers and the muxer.
type CodecOptions struct {
	ImageFormat string `json:"imageFormat,omitempty"`
	PixelFormat string `json:"pixelFormat,omitempty"`
	Bitrate     string `json:"bitrate,omitempty"`
	Quality     int    `json:"quality,omitempty"`
	FPS         int    `json:"fps,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
}

// WebhookConfig is the caller-supplied callback target for terminal states.
type WebhookConfig struct {
	URL        string `json:"url"`
	Secret     string `json:"secret,omitempty"`
	CustomData []byte `json:"customData,omitempty"`
}

// RenderJob identifies one end-to-end render.
type RenderJob struct {
	RenderID         string         `json:"renderId"`
	ServeURL         string         `json:"serveUrl"`
	CompositionID    string         `json:"compositionId"`
	FrameStart       int            `json:"frameStart"`
	FrameEnd         int            `json:"frameEnd"` // inclusive
	Codec            Codec          `json:"codec"`
	CodecOptions     CodecOptions   `json:"codecOptions"`
	OutputKey        string         `json:"outputKey"`
	Privacy          Privacy        `json:"privacy"`
	FramesPerChunk   int            `json:"framesPerChunk,omitempty"`
	MaxRetries       int            `json:"maxRetries"`
	ConcurrencyLimit int            `json:"concurrencyLimit"`
	TimeoutMs        int64          `json:"timeoutInMilliseconds"`
	Webhook          *WebhookConfig `json:"webhook,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// FrameCount returns the total number of frames in the job's range.
func (j *RenderJob) FrameCount() int { return j.FrameEnd - j.FrameStart + 1 }

// Artifact is the final stitched output.
type Artifact struct {
	Location    string  `json:"location"`
	URL         string  `json:"url"`
	SizeInBytes int64   `json:"sizeInBytes"`
	Codec       Codec   `json:"codec"`
	Privacy     Privacy `json:"privacy"`
}

// PriceEstimate is advisory only; it excludes storage and licensing costs.
type PriceEstimate struct {
	TotalDurationMs int64   `json:"totalDurationMs"`
	MemoryMb        int     `json:"memoryMb"`
	DiskMb          int     `json:"diskMb"`
	InvocationCount int     `json:"invocationCount"`
	EstimatedUsd    float64 `json:"estimatedUsd"`
}

// ProgressRecord is the durable snapshot of a RenderJob plus its chunks,
// keyed by renderId. The dispatcher rewrites it on every chunk transition;
// status pollers and the notifier read it.
type ProgressRecord struct {
	Job             RenderJob      `json:"job"`
	Status          JobStatus      `json:"status"`
	Chunks          []Chunk        `json:"chunks"`
	Error           *ChunkError    `json:"error,omitempty"`
	Artifact        *Artifact      `json:"artifact,omitempty"`
	Estimate        *PriceEstimate `json:"estimate,omitempty"`
	InvocationCount int            `json:"invocationCount"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	WebhookSent     bool           `json:"webhookSent"`
}

// ChunkCounts is the per-status chunk tally surfaced to pollers.
type ChunkCounts struct {
	Pending   int `json:"pending"`
	Invoked   int `json:"invoked"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	Total     int `json:"total"`
}

// CountChunks tallies the record's chunks by status.
func (r *ProgressRecord) CountChunks() ChunkCounts {
	counts := ChunkCounts{Total: len(r.Chunks)}
	for _, c := range r.Chunks {
		switch c.Status {
		case ChunkStatusPending:
			counts.Pending++
		case ChunkStatusInvoked:
			counts.Invoked++
		case ChunkStatusSucceeded:
			counts.Succeeded++
		case ChunkStatusFailed:
			counts.Failed++
		case ChunkStatusRetrying:
			counts.Retrying++
		}
	}
	return counts
}

// OverallProgress is the fraction of chunks succeeded, in [0, 1]. A done job
// reports 1 even before its chunks are tallied.
func (r *ProgressRecord) OverallProgress() float64 {
	if r.Status == JobStatusDone {
		return 1
	}
	if len(r.Chunks) == 0 {
		return 0
	}
	return float64(r.CountChunks().Succeeded) / float64(len(r.Chunks))
}

// AllChunksSucceeded reports whether every chunk reached succeeded.
func (r *ProgressRecord) AllChunksSucceeded() bool {
	if len(r.Chunks) == 0 {
		return false
	}
	for _, c := range r.Chunks {
		if c.Status != ChunkStatusSucceeded {
			return false
		}
	}
	return true
}
