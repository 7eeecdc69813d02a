package hold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/cachestore"
	"dispatch/internal/dispatcherr"
	"dispatch/internal/types"
)

const holdKeyPrefix = "hold:"

// Store persists Hold records in Redis with a TTL matching the hold's
// expiry — holds are short-lived reservations, not durable state, so they
// never touch Postgres until ConfirmHoldWithAssignments turns them into
// Assignment rows.
type Store struct {
	cache *cachestore.Store
}

func NewStore(cache *cachestore.Store) *Store {
	return &Store{cache: cache}
}

func (s *Store) Create(ctx context.Context, h *Hold, ttl time.Duration) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	ok, err := s.cache.SetNX(ctx, holdKey(h.ID), string(data), ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("hold %s already exists", h.ID.String())
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.HoldID) (*Hold, error) {
	val, err := s.cache.Get(ctx, holdKey(id))
	if errors.Is(err, redis.Nil) {
		return nil, dispatcherr.ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	var h Hold
	if err := json.Unmarshal([]byte(val), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Save overwrites the stored Hold and resets its TTL to ttl.
func (s *Store) Save(ctx context.Context, h *Hold, ttl time.Duration) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, holdKey(h.ID), string(data), ttl)
}

func (s *Store) Delete(ctx context.Context, id types.HoldID) error {
	return s.cache.Del(ctx, holdKey(id))
}

func holdKey(id types.HoldID) string {
	return holdKeyPrefix + id.String()
}
