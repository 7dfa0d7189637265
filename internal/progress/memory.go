package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/renderfleet/api/internal/model"
)

// MemoryStore implements Store with a mutex-guarded map. Used by tests and
// by local development without Redis. Records are deep-copied through JSON so
// callers never alias store-internal state.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*model.ProgressRecord
}

// NewMemoryStore creates an empty in-memory progress store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*model.ProgressRecord)}
}

func cloneRecord(rec *model.ProgressRecord) (*model.ProgressRecord, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var out model.ProgressRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) Create(ctx context.Context, rec *model.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.Job.RenderID]; exists {
		return fmt.Errorf("render %s already exists", rec.Job.RenderID)
	}
	copied, err := cloneRecord(rec)
	if err != nil {
		return err
	}
	s.records[rec.Job.RenderID] = copied
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, renderID string) (*model.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[renderID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec)
}

func (s *MemoryStore) Update(ctx context.Context, renderID string, mutate func(*model.ProgressRecord) error) (*model.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[renderID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status.IsTerminal() {
		return nil, ErrTerminal
	}
	working, err := cloneRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := mutate(working); err != nil {
		return nil, err
	}
	s.records[renderID] = working
	return cloneRecord(working)
}

func (s *MemoryStore) Delete(ctx context.Context, renderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, renderID)
	return nil
}
