package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultDedupePrefix = "backcheck:dedupe:"

	dedupePending   = "pending"
	dedupeDelivered = "delivered"
)

// RedisDedupe shares dedupe keys between dispatcher processes.
type RedisDedupe struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDedupe(client redis.UniversalClient, prefix string) *RedisDedupe {
	if prefix == "" {
		prefix = defaultDedupePrefix
	}
	return &RedisDedupe{client: client, prefix: prefix}
}

func (d *RedisDedupe) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, dedupePending, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", key, err)
	}
	return ok, nil
}

func (d *RedisDedupe) MarkDelivered(ctx context.Context, key string, window time.Duration) error {
	if err := d.client.Set(ctx, d.prefix+key, dedupeDelivered, window).Err(); err != nil {
		return fmt.Errorf("redis mark delivered %s: %w", key, err)
	}
	return nil
}

func (d *RedisDedupe) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}
