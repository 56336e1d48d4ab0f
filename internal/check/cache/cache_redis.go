package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"backcheck/internal/platform/metrics"
)

const defaultRedisPrefix = "backcheck:"

// RedisCache is a Cache shared by every pipeline process.
type RedisCache struct {
	client  redis.UniversalClient
	prefix  string
	metrics *metrics.Metrics
}

type RedisOption func(*RedisCache)

// WithKeyPrefix namespaces every key; the default is "backcheck:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCache) {
		c.prefix = prefix
	}
}

func WithRedisMetrics(m *metrics.Metrics) RedisOption {
	return func(c *RedisCache) {
		c.metrics = m
	}
}

func NewRedisCache(client redis.UniversalClient, opts ...RedisOption) *RedisCache {
	c := &RedisCache{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.IncCacheLookup("redis", "miss")
		return nil, ErrMiss
	}
	if err != nil {
		c.metrics.IncCacheLookup("redis", "error")
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	c.metrics.IncCacheLookup("redis", "hit")
	return value, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Invalidate deletes all keys in one round trip.
func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = c.prefix + key
	}
	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis invalidate: %w", err)
	}
	c.metrics.AddCacheInvalidations("redis", len(keys))
	return nil
}
