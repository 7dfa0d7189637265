package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/renderfleet/api/internal/config"
	"github.com/renderfleet/api/internal/model"
)

// Muxer defines the boundary to the encoder sidecar that concatenates chunk
// media segments. The sidecar owns the actual encoder binary; this client
// only describes what to combine and where to put it.
type Muxer interface {
	Concat(ctx context.Context, req *ConcatRequest) (*ConcatResponse, error)
	HealthCheck(ctx context.Context) error
}

// SegmentInput is one chunk segment in stitch order, with the leading audio
// trim (in samples) needed to keep the track seam-free across the boundary.
type SegmentInput struct {
	Key              string `json:"key"`
	TrimLeadingSamples int64 `json:"trimLeadingSamples,omitempty"`
}

// ConcatRequest asks the sidecar to concatenate segments into one output.
type ConcatRequest struct {
	Segments     []SegmentInput     `json:"segments"`
	OutputKey    string             `json:"outputKey"`
	Codec        model.Codec        `json:"codec"`
	CodecOptions model.CodecOptions `json:"codecOptions"`
}

// ConcatResponse is the sidecar's result.
type ConcatResponse struct {
	OutputKey   string `json:"outputKey"`
	SizeInBytes int64  `json:"sizeInBytes"`
	DurationMs  int64  `json:"durationMs"`
}

// MuxerClient implements Muxer against the encoder sidecar's HTTP API.
type MuxerClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewMuxerClient creates a muxer client from config.
func NewMuxerClient(cfg *config.MuxerConfig) *MuxerClient {
	return &MuxerClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

// IsConfigured returns true if the client has a sidecar endpoint.
func (c *MuxerClient) IsConfigured() bool {
	return c.baseURL != ""
}

// Concat requests a concatenation pass.
func (c *MuxerClient) Concat(ctx context.Context, req *ConcatRequest) (*ConcatResponse, error) {
	var result ConcatResponse
	if err := c.post(ctx, "/concat", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck pings the sidecar.
func (c *MuxerClient) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("muxer health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *MuxerClient) post(ctx context.Context, path string, req, result interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("muxer request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read muxer response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("muxer returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal muxer response: %w", err)
	}
	return nil
}
