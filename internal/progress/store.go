// Package progress owns the durable, pollable record of a render job and its
// chunks. The dispatcher writes it on every chunk transition; status pollers
// and the notifier read it.
package progress

import (
	"context"
	"errors"

	"github.com/renderfleet/api/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for the renderId.
	ErrNotFound = errors.New("render not found")

	// ErrTerminal is returned by Update when the record has already reached
	// a terminal status. Late chunk results hit this and are dropped.
	ErrTerminal = errors.New("render already terminal")
)

// Store persists ProgressRecords keyed by renderId. Update must be an atomic
// read-modify-write: two racing chunk completions for the same job may not
// clobber each other's transition.
type Store interface {
	Create(ctx context.Context, rec *model.ProgressRecord) error
	Get(ctx context.Context, renderID string) (*model.ProgressRecord, error)
	// Update applies mutate under a per-job atomicity guarantee. It returns
	// ErrTerminal without writing if the record is already terminal, and
	// propagates any error mutate returns.
	Update(ctx context.Context, renderID string, mutate func(*model.ProgressRecord) error) (*model.ProgressRecord, error)
	Delete(ctx context.Context, renderID string) error
}
