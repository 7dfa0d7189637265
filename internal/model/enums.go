package model

// Job status
type JobStatus string

const (
	JobStatusCreated     JobStatus = "created"
	JobStatusPlanning    JobStatus = "planning"
	JobStatusDispatching JobStatus = "dispatching"
	JobStatusStitching   JobStatus = "stitching"
	JobStatusDone        JobStatus = "done"
	JobStatusFailed      JobStatus = "failed"
	JobStatusTimedOut    JobStatus = "timedout"
	JobStatusCancelled   JobStatus = "cancelled"
)

// IsTerminal reports whether a job in this status can never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	}
	return false
}

// Chunk status
type ChunkStatus string

const (
	ChunkStatusPending   ChunkStatus = "pending"
	ChunkStatusInvoked   ChunkStatus = "invoked"
	ChunkStatusSucceeded ChunkStatus = "succeeded"
	ChunkStatusFailed    ChunkStatus = "failed"
	ChunkStatusRetrying  ChunkStatus = "retrying"
)

// Codecs
type Codec string

const (
	CodecH264   Codec = "h264"
	CodecH265   Codec = "h265"
	CodecVP8    Codec = "vp8"
	CodecVP9    Codec = "vp9"
	CodecProRes Codec = "prores"
	CodecGIF    Codec = "gif"
	CodecMP3    Codec = "mp3"
	CodecAAC    Codec = "aac"
	CodecWAV    Codec = "wav"
	CodecPNG    Codec = "png"
	CodecJPEG   Codec = "jpeg"
)

var ValidCodecs = []Codec{
	CodecH264, CodecH265, CodecVP8, CodecVP9, CodecProRes,
	CodecGIF, CodecMP3, CodecAAC, CodecWAV, CodecPNG, CodecJPEG,
}

// Extension returns the container file extension for the codec.
func (c Codec) Extension() string {
	switch c {
	case CodecH264, CodecH265, CodecProRes:
		return "mp4"
	case CodecVP8, CodecVP9:
		return "webm"
	case CodecGIF:
		return "gif"
	case CodecMP3:
		return "mp3"
	case CodecAAC:
		return "aac"
	case CodecWAV:
		return "wav"
	case CodecPNG:
		return "png"
	case CodecJPEG:
		return "jpeg"
	}
	return "mp4"
}

// IsStill reports whether the codec produces a single image rather than a stream.
func (c Codec) IsStill() bool {
	return c == CodecPNG || c == CodecJPEG
}

// HasAudio reports whether the container carries an audio track that must be
// kept seam-free across chunk boundaries.
func (c Codec) HasAudio() bool {
	switch c {
	case CodecH264, CodecH265, CodecVP8, CodecVP9, CodecProRes, CodecMP3, CodecAAC, CodecWAV:
		return true
	}
	return false
}

// Privacy levels for stored artifacts
type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyPrivate Privacy = "private"
	PrivacyNoACL   Privacy = "no-acl"
)

var ValidPrivacies = []Privacy{PrivacyPublic, PrivacyPrivate, PrivacyNoACL}

// ErrorKind is the closed classification of chunk invocation failures.
// It is produced exclusively at the worker-client boundary; the retry policy
// switches exhaustively over it.
type ErrorKind string

const (
	// Flaky kinds, eligible for retry within budget.
	ErrKindNetwork         ErrorKind = "network"
	ErrKindThrottled       ErrorKind = "throttled"
	ErrKindWorkerPreempted ErrorKind = "worker-preempted"

	// Timeout is tracked separately from flaky and fatal so callers can tell
	// "might succeed later" apart from genuine failure.
	ErrKindTimeout ErrorKind = "timeout"

	// Fatal kinds, never retried.
	ErrKindInvalidComposition ErrorKind = "invalid-composition"
	ErrKindUnsupportedCodec   ErrorKind = "unsupported-codec"
	ErrKindOutOfMemory        ErrorKind = "out-of-memory"
	ErrKindPermission         ErrorKind = "permission-denied"
	ErrKindInternal           ErrorKind = "internal"
)

// Webhook delivery statuses
type WebhookStatus string

const (
	WebhookStatusSuccess WebhookStatus = "success"
	WebhookStatusError   WebhookStatus = "error"
	WebhookStatusTimeout WebhookStatus = "timeout"
)
