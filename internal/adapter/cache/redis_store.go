package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-bridge/internal/repository"
)

const localKeyPrefix = "bridge:local:"

// RedisStore implements LocalStore backed by Redis. Every write refreshes
// the key TTL so abandoned browsers age out.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ repository.LocalStore = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed local store.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Get loads a value; a missing key is not an error.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, localKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load local value: %w", err)
	}
	return v, true, nil
}

// Set stores value with the configured TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, localKeyPrefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist local value: %w", err)
	}
	return nil
}

// Delete removes keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = localKeyPrefix + k
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete local values: %w", err)
	}
	return nil
}
