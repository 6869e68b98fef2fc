// Package cache keeps the latest reading per device in Redis so dashboard
// polling does not hit Postgres on every refresh. Strictly optional; every
// miss or Redis fault falls through to the store.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"magnetgate/pkg/store"
)

type LatestCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLatest(rdb *redis.Client, ttl time.Duration) *LatestCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LatestCache{rdb: rdb, ttl: ttl}
}

func key(storeName, device string) string {
	return "magnetgate:latest:" + storeName + ":" + device
}

// Get returns the cached latest reading, or nil on miss or error.
func (c *LatestCache) Get(ctx context.Context, storeName, device string) *store.Reading {
	if c == nil || c.rdb == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, key(storeName, device)).Bytes()
	if err != nil {
		return nil
	}
	var r store.Reading
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return &r
}

// Set stores the latest reading for a device. Errors are dropped.
func (c *LatestCache) Set(ctx context.Context, storeName, device string, r *store.Reading) {
	if c == nil || c.rdb == nil || r == nil {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, key(storeName, device), raw, c.ttl).Err()
}

// Invalidate drops the cached entry after an insert or delete.
func (c *LatestCache) Invalidate(ctx context.Context, storeName, device string) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Del(ctx, key(storeName, device)).Err()
}
