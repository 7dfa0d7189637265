package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/renderfleet/api/internal/model"
)

const (
	keyPrefix = "render:"

	// Records outlive their job so pollers and audits can read them.
	recordTTL = 24 * time.Hour

	// Optimistic transactions retry on contention with sibling writers.
	maxTxRetries = 20
)

// RedisStore implements Store on Redis. Updates use WATCH-based optimistic
// transactions so concurrent chunk-completion writers within one job
// serialize instead of losing updates.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed progress store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(renderID string) string {
	return keyPrefix + renderID
}

// Create stores a new record. Fails if one already exists for the renderId.
func (s *RedisStore) Create(ctx context.Context, rec *model.ProgressRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal progress record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, recordKey(rec.Job.RenderID), data, recordTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to store progress record: %w", err)
	}
	if !ok {
		return fmt.Errorf("render %s already exists", rec.Job.RenderID)
	}
	return nil
}

// Get loads a record.
func (s *RedisStore) Get(ctx context.Context, renderID string) (*model.ProgressRecord, error) {
	data, err := s.client.Get(ctx, recordKey(renderID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load progress record: %w", err)
	}
	var rec model.ProgressRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress record: %w", err)
	}
	return &rec, nil
}

// Update applies mutate inside a WATCH/MULTI/EXEC loop. Terminal records are
// immutable: the mutation is rejected with ErrTerminal before any write.
func (s *RedisStore) Update(ctx context.Context, renderID string, mutate func(*model.ProgressRecord) error) (*model.ProgressRecord, error) {
	key := recordKey(renderID)
	var updated *model.ProgressRecord

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		var rec model.ProgressRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal progress record: %w", err)
		}

		if rec.Status.IsTerminal() {
			return ErrTerminal
		}
		if err := mutate(&rec); err != nil {
			return err
		}

		out, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal progress record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, recordTTL)
			return nil
		})
		if err == nil {
			updated = &rec
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // lost the race, re-read and retry
		}
		return nil, err
	}
	return nil, fmt.Errorf("progress update for %s kept losing optimistic transactions", renderID)
}

// Delete removes the record.
func (s *RedisStore) Delete(ctx context.Context, renderID string) error {
	if err := s.client.Del(ctx, recordKey(renderID)).Err(); err != nil {
		return fmt.Errorf("failed to delete progress record: %w", err)
	}
	return nil
}
