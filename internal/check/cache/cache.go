// Package cache is the read-through, write-invalidate store for check
// snapshots and component results.
//
// Keys are check:{id} for the check snapshot and check:{id}:result:{kind} for
// a single component result. Entries carry a TTL only as a safety net: the
// pipeline invalidates every affected key inside its write path.
package cache

import (
	"context"
	"fmt"
	"time"

	"backcheck/internal/check"
	"backcheck/pkg/platform/sentinel"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = fmt.Errorf("cache miss: %w", sentinel.ErrNotFound)

// Cache stores opaque encoded values.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

func CheckKey(checkID string) string {
	return "check:" + checkID
}

func ResultKey(checkID string, kind check.ComponentKind) string {
	return "check:" + checkID + ":result:" + string(kind)
}

// KeysFor lists every key that can hold data derived from c.
func KeysFor(c *check.Check) []string {
	keys := make([]string, 0, len(c.Components)+1)
	keys = append(keys, CheckKey(c.ID))
	for _, kind := range c.Kinds() {
		keys = append(keys, ResultKey(c.ID, kind))
	}
	return keys
}
