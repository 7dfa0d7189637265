package progress

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/renderfleet/api/internal/model"
)

func newTestRecord(renderID string, chunks int) *model.ProgressRecord {
	rec := &model.ProgressRecord{
		Job:    model.RenderJob{RenderID: renderID},
		Status: model.JobStatusDispatching,
	}
	for i := 0; i < chunks; i++ {
		rec.Chunks = append(rec.Chunks, model.Chunk{
			Index:      i,
			FrameStart: i * 10,
			FrameEnd:   (i + 1) * 10,
			Status:     model.ChunkStatusPending,
		})
	}
	return rec
}

func TestMemoryStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, newTestRecord("r1", 2)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, newTestRecord("r1", 2)); err == nil {
		t.Error("expected duplicate Create to fail")
	}

	rec, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(rec.Chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(rec.Chunks))
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newTestRecord("r1", 1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Mutating the returned copy must not touch stored state.
	rec, _ := store.Get(ctx, "r1")
	rec.Chunks[0].Status = model.ChunkStatusSucceeded

	fresh, _ := store.Get(ctx, "r1")
	if fresh.Chunks[0].Status != model.ChunkStatusPending {
		t.Error("Get returned aliased state")
	}
}

func TestMemoryStore_TerminalImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newTestRecord("r1", 1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := store.Update(ctx, "r1", func(rec *model.ProgressRecord) error {
		rec.Status = model.JobStatusCancelled
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Any further update is rejected; a late chunk result would land here.
	_, err = store.Update(ctx, "r1", func(rec *model.ProgressRecord) error {
		rec.Chunks[0].Status = model.ChunkStatusSucceeded
		return nil
	})
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}

	rec, _ := store.Get(ctx, "r1")
	if rec.Status != model.JobStatusCancelled {
		t.Errorf("status changed after terminal: %s", rec.Status)
	}
}

func TestMemoryStore_ConcurrentChunkWriters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	const n = 32
	if err := store.Create(ctx, newTestRecord("r1", n)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := store.Update(ctx, "r1", func(rec *model.ProgressRecord) error {
				rec.Chunks[idx].Status = model.ChunkStatusSucceeded
				return nil
			})
			if err != nil {
				t.Errorf("Update(%d) failed: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()

	rec, _ := store.Get(ctx, "r1")
	counts := rec.CountChunks()
	if counts.Succeeded != n {
		t.Errorf("lost updates: %d of %d chunks succeeded", counts.Succeeded, n)
	}
}

func TestMutationError_NoWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newTestRecord("r1", 1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	boom := errors.New("boom")
	_, err := store.Update(ctx, "r1", func(rec *model.ProgressRecord) error {
		rec.Chunks[0].Status = model.ChunkStatusFailed
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}

	rec, _ := store.Get(ctx, "r1")
	if rec.Chunks[0].Status != model.ChunkStatusPending {
		t.Error("failed mutation was persisted")
	}
}
