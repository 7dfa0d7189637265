package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage is the minimal envelope for client-originated messages.
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage is pushed on every chunk transition.
type WSProgressMessage struct {
	Type     string      `json:"type"`
	RenderID string      `json:"renderId"`
	Status   JobStatus   `json:"status"`
	Chunks   ChunkCounts `json:"chunks"`
	Progress float64     `json:"progress"`
}

// WSCompleteMessage is pushed once when the job reaches Done.
type WSCompleteMessage struct {
	Type     string        `json:"type"`
	RenderID string        `json:"renderId"`
	Artifact *ArtifactInfo `json:"artifact"`
}

// WSErrorMessage is pushed once on Failed/TimedOut/Cancelled.
type WSErrorMessage struct {
	Type     string    `json:"type"`
	RenderID string    `json:"renderId"`
	Status   JobStatus `json:"status"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
}
