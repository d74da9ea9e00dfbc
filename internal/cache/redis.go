package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAPI is the subset of *redis.Client used by Redis.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Redis is a Cache backed by a Redis server.
type Redis struct {
	api redisAPI
}

// NewRedis wraps a redis client.
func NewRedis(api redisAPI) (*Redis, error) {
	if api == nil {
		return nil, errors.New("cache: redis client must not be nil")
	}
	return &Redis{api: api}, nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.api.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get %q: %w", key, err)
	}
	return b, nil
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.api.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %q: %w", key, err)
	}
	return nil
}

// Delete implements Cache.
func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.api.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: redis del %q: %w", key, err)
	}
	return n > 0, nil
}

// Exists implements Cache.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.api.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: redis exists %q: %w", key, err)
	}
	return n > 0, nil
}

// Ping implements Cache.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.api.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: redis ping: %w", err)
	}
	return nil
}
