package stitch

import (
	"context"
	"sync"

	"github.com/renderfleet/api/internal/client"
	"github.com/renderfleet/api/internal/model"
	"github.com/renderfleet/api/internal/progress"
)

// preStitchBatch is how many new contiguous chunks must be available before
// a pre-stitch pass is worth an extra muxer invocation.
const preStitchBatch = 8

// Pipeline overlaps encoding with rendering: completed chunks are fed in as
// they finish, contiguous prefixes are pre-stitched into intermediate
// segments, and Finish runs one last pass over whatever remains. Trades
// extra muxer invocations for lower end-to-end latency.
type Pipeline struct {
	stitcher *Stitcher
	job      *model.RenderJob

	mu        sync.Mutex
	completed map[int]model.Chunk

	// merged is the intermediate segment covering chunks [0, mergedUpTo),
	// empty until the first pre-stitch pass.
	merged     *client.SegmentInput
	mergedUpTo int
	passes     int

	feed chan model.Chunk
	done chan struct{}
}

// NewPipeline starts the pre-stitch consumer for one job. Feed completed
// chunks from the dispatcher's completion callback; call Finish exactly once
// after dispatch succeeds.
func (s *Stitcher) NewPipeline(ctx context.Context, job *model.RenderJob) *Pipeline {
	p := &Pipeline{
		stitcher:  s,
		job:       job,
		completed: make(map[int]model.Chunk),
		feed:      make(chan model.Chunk, planCapacity),
		done:      make(chan struct{}),
	}
	go p.consume(ctx)
	return p
}

// planCapacity buffers a full plan's worth of completions so Feed never
// blocks the dispatcher.
const planCapacity = 200

// Feed hands a succeeded chunk to the pipeline. Safe for concurrent use.
func (p *Pipeline) Feed(chunk model.Chunk) {
	select {
	case p.feed <- chunk:
	case <-p.done:
	}
}

func (p *Pipeline) consume(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-p.feed:
			if !ok {
				return
			}
			p.mu.Lock()
			p.completed[chunk.Index] = chunk
			ready := p.contiguousPrefixLocked()
			shouldMerge := ready-p.mergedUpTo >= preStitchBatch
			p.mu.Unlock()

			if shouldMerge {
				// Pre-stitch failures are not fatal here; the final
				// pass retries over raw chunk segments.
				_ = p.preStitch(ctx, ready)
			}
		}
	}
}

func (p *Pipeline) contiguousPrefixLocked() int {
	n := p.mergedUpTo
	for {
		if _, ok := p.completed[n]; !ok {
			return n
		}
		n++
	}
}

// preStitch merges chunks [mergedUpTo, upTo) together with the existing
// intermediate segment into a new intermediate.
func (p *Pipeline) preStitch(ctx context.Context, upTo int) error {
	p.mu.Lock()
	chunks := make([]model.Chunk, 0, upTo-p.mergedUpTo)
	for i := p.mergedUpTo; i < upTo; i++ {
		chunks = append(chunks, p.completed[i])
	}
	merged := p.merged
	pass := p.passes
	p.mu.Unlock()

	segments := segmentsFor(p.job, chunks)
	if merged != nil {
		segments = append([]client.SegmentInput{*merged}, segments...)
	}

	outKey := progress.PreStitchKey(p.job.RenderID, pass, p.job.Codec.Extension())
	resp, err := p.stitcher.muxer.Concat(ctx, &client.ConcatRequest{
		Segments:     segments,
		OutputKey:    outKey,
		Codec:        p.job.Codec,
		CodecOptions: p.job.CodecOptions,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.merged = &client.SegmentInput{Key: resp.OutputKey}
	p.mergedUpTo = upTo
	p.passes = pass + 1
	p.mu.Unlock()
	return nil
}

// Finish stops the consumer and runs the final stitch pass over the
// intermediate segment plus every chunk not yet merged. chunks must be the
// full index-ordered succeeded set.
func (p *Pipeline) Finish(ctx context.Context, chunks []model.Chunk) (*model.Artifact, error) {
	close(p.feed)
	<-p.done

	if err := checkStitchable(chunks); err != nil {
		return nil, &StitchError{Err: err}
	}

	p.mu.Lock()
	merged := p.merged
	mergedUpTo := p.mergedUpTo
	p.mu.Unlock()

	remaining := chunks[mergedUpTo:]
	outputKey := progress.ArtifactKey(p.job.RenderID, p.job.OutputKey)

	// Everything already merged into one intermediate: promote it.
	if merged != nil && len(remaining) == 0 {
		if err := p.stitcher.storage.Copy(ctx, merged.Key, outputKey); err != nil {
			return nil, &StitchError{Err: err}
		}
		return p.stitcher.artifactFor(ctx, p.job, outputKey, 0)
	}

	segments := segmentsFor(p.job, remaining)
	if merged != nil {
		segments = append([]client.SegmentInput{*merged}, segments...)
	}

	resp, err := p.stitcher.muxer.Concat(ctx, &client.ConcatRequest{
		Segments:     segments,
		OutputKey:    outputKey,
		Codec:        p.job.Codec,
		CodecOptions: p.job.CodecOptions,
	})
	if err != nil {
		return nil, &StitchError{Err: err}
	}
	return p.stitcher.artifactFor(ctx, p.job, resp.OutputKey, resp.SizeInBytes)
}

// Passes reports how many pre-stitch muxer invocations ran.
func (p *Pipeline) Passes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.passes
}
