// Package stitch combines succeeded chunk segments into the final artifact.
// Ordering is by chunk index only, never completion order.
package stitch

import (
	"context"
	"fmt"
	"time"

	"github.com/renderfleet/api/internal/client"
	"github.com/renderfleet/api/internal/model"
	"github.com/renderfleet/api/internal/progress"
)

// aacSamplesPerFrame is the AAC codec frame size. Chunk audio must be trimmed
// to these boundaries or the concatenation seam is audible.
const aacSamplesPerFrame = 1024

// StitchError is fatal to the job and never retried; the chunk outputs stay
// in storage for manual recovery.
type StitchError struct {
	Err error
}

func (e *StitchError) Error() string {
	return fmt.Sprintf("stitching failed: %v", e.Err)
}

func (e *StitchError) Unwrap() error { return e.Err }

// Stitcher drives the muxer sidecar to concatenate chunk segments.
type Stitcher struct {
	muxer   client.Muxer
	storage client.StorageClient
}

// NewStitcher creates a stitcher.
func NewStitcher(muxer client.Muxer, storage client.StorageClient) *Stitcher {
	return &Stitcher{muxer: muxer, storage: storage}
}

// LeadingTrimSamples returns how many audio samples to drop from the head of
// the chunk starting at frameStart so the track lines up with where the
// previous chunk's codec-frame-aligned audio ended.
func LeadingTrimSamples(frameStart, fps, sampleRate int) int64 {
	if frameStart == 0 || fps <= 0 || sampleRate <= 0 {
		return 0
	}
	ideal := int64(frameStart) * int64(sampleRate) / int64(fps)
	aligned := (ideal / aacSamplesPerFrame) * aacSamplesPerFrame
	return ideal - aligned
}

// segmentsFor builds muxer inputs for a run of chunks in index order.
func segmentsFor(job *model.RenderJob, chunks []model.Chunk) []client.SegmentInput {
	fps := job.CodecOptions.FPS
	sampleRate := job.CodecOptions.SampleRate
	if sampleRate == 0 {
		sampleRate = 48000
	}

	segments := make([]client.SegmentInput, 0, len(chunks))
	for _, c := range chunks {
		seg := client.SegmentInput{Key: c.OutputLocation}
		if job.Codec.HasAudio() {
			seg.TrimLeadingSamples = LeadingTrimSamples(c.FrameStart, fps, sampleRate)
		}
		segments = append(segments, seg)
	}
	return segments
}

// artifactFor assembles the Artifact from a finished output key.
func (s *Stitcher) artifactFor(ctx context.Context, job *model.RenderJob, outputKey string, size int64) (*model.Artifact, error) {
	if size == 0 {
		headSize, err := s.storage.HeadSize(ctx, outputKey)
		if err != nil {
			return nil, &StitchError{Err: err}
		}
		size = headSize
	}

	url := s.storage.GetPublicURL(outputKey)
	if job.Privacy == model.PrivacyPrivate {
		signed, err := s.storage.GetSignedURL(ctx, outputKey, 24*time.Hour)
		if err == nil {
			url = signed
		}
	}

	return &model.Artifact{
		Location:    outputKey,
		URL:         url,
		SizeInBytes: size,
		Codec:       job.Codec,
		Privacy:     job.Privacy,
	}, nil
}

// Stitch concatenates all succeeded chunks sequentially: one muxer pass once
// everything is available. Chunks must be the full index-ordered set with
// every status succeeded.
func (s *Stitcher) Stitch(ctx context.Context, job *model.RenderJob, chunks []model.Chunk) (*model.Artifact, error) {
	if err := checkStitchable(chunks); err != nil {
		return nil, &StitchError{Err: err}
	}

	outputKey := progress.ArtifactKey(job.RenderID, job.OutputKey)

	// A single segment (stills, tiny jobs) needs no muxer pass.
	if len(chunks) == 1 {
		if err := s.storage.Copy(ctx, chunks[0].OutputLocation, outputKey); err != nil {
			return nil, &StitchError{Err: err}
		}
		return s.artifactFor(ctx, job, outputKey, chunks[0].SizeInBytes)
	}

	resp, err := s.muxer.Concat(ctx, &client.ConcatRequest{
		Segments:     segmentsFor(job, chunks),
		OutputKey:    outputKey,
		Codec:        job.Codec,
		CodecOptions: job.CodecOptions,
	})
	if err != nil {
		return nil, &StitchError{Err: err}
	}
	return s.artifactFor(ctx, job, resp.OutputKey, resp.SizeInBytes)
}

func checkStitchable(chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks to stitch")
	}
	for i, c := range chunks {
		if c.Index != i {
			return fmt.Errorf("chunks out of order: position %d holds index %d", i, c.Index)
		}
		if c.Status != model.ChunkStatusSucceeded {
			return fmt.Errorf("chunk %d is %s, not succeeded", c.Index, c.Status)
		}
		if c.OutputLocation == "" {
			return fmt.Errorf("chunk %d has no output location", c.Index)
		}
	}
	return nil
}
