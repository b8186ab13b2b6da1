package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/layer-3/miauth/core"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a KVStore backed by Redis. Keys never expire.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "miauth:identity:",
	}
}

// Get retrieves a value by key
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", core.ErrNotFound
		}
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return value, nil
}

// Set stores a value under key
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}
