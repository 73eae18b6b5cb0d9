// Package ratelimit implements fixed-window request counting against a
// shared store, plus an in-process token-bucket guard.
package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Store is the shared counting backend. Implementations must make Incr
// atomic with respect to concurrent callers of the same key.
type Store interface {
	// Incr increments key and sets its expiry to ttl if the key has none yet.
	// Returns the count after the increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the current count, 0 if the key does not exist.
	Get(ctx context.Context, key string) (int64, error)
	// Delete removes the key.
	Delete(ctx context.Context, key string) error
}

// RedisStore counts in Redis. INCR and EXPIRE NX run in one transactional
// pipeline so the window expiry is set exactly once, on the increment that
// creates the key.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	counter := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return counter.Val(), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Ping reports whether the store is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
