// Package lockmanager implements named distributed locks over Redis:
// SETNX to acquire with an owner token, a Lua script to release only if the
// caller still holds it. This is the sole serialization primitive the hold
// protocol relies on for correctness.
package lockmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotOwned = errors.New("lock not owned")

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// Manager acquires and releases per-key locks against a shared Redis
// client.
type Manager struct {
	client *redis.Client
}

func New(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// Lock is a single acquired (or attempted) lock, carrying the owner token
// needed to release it.
type Lock struct {
	key   string
	token string
}

// Acquire attempts to take the named lock for ttl, returning the Lock
// handle and whether acquisition succeeded. A failed acquisition still
// returns a usable Lock value (Release on it is a no-op).
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	fullKey := fmt.Sprintf("lock:%s", key)
	token := uuid.New().String()
	ok, err := m.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	return &Lock{key: fullKey, token: token}, ok, nil
}

// Release deletes the lock iff it is still owned by this Lock's token,
// guarding against a slow caller releasing a lock a newer holder already
// re-acquired after TTL expiry.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	result, err := m.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result()
	if err != nil {
		return err
	}
	n, _ := result.(int64)
	if n == 0 {
		return ErrNotOwned
	}
	return nil
}

// AcquireMany attempts to acquire every key in order, releasing everything
// it already holds and returning ok=false on the first failure — the
// all-or-nothing acquisition §4.2's Hold algorithm needs.
func (m *Manager) AcquireMany(ctx context.Context, keys []string, ttl time.Duration) ([]*Lock, bool, error) {
	locks := make([]*Lock, 0, len(keys))
	for _, key := range keys {
		l, ok, err := m.Acquire(ctx, key, ttl)
		if err != nil {
			m.ReleaseAll(ctx, locks)
			return nil, false, err
		}
		if !ok {
			m.ReleaseAll(ctx, locks)
			return nil, false, nil
		}
		locks = append(locks, l)
	}
	return locks, true, nil
}

// ReleaseAll releases every lock in locks, ignoring individual errors
// (a lock that already expired or was reclaimed is not this caller's
// problem anymore).
func (m *Manager) ReleaseAll(ctx context.Context, locks []*Lock) {
	for _, l := range locks {
		_ = m.Release(ctx, l)
	}
}
