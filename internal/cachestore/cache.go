// Package cachestore is the Redis-backed cache used for Holds, the match
// index, idempotency keys, and per-truck-request locks.
package cachestore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a *redis.Client with the small surface the dispatch core
// needs: string get/set with TTL, set operations, and pipelined writes.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

// SetNX sets key to value only if it doesn't already exist, returning
// whether the set happened.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return s.client.SRem(ctx, key, toAny(members)...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// Pipelined runs fn against a redis.Pipeliner and executes it, the way
// matching/store.go batches RecordDispatch + MarkOrderBroadcast writes.
func (s *Store) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := s.client.Pipeline().TxPipelined(ctx, fn)
	return err
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
