// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cache is a jobworker.Cache shared by all processes using the same
// Redis database. Increment is atomic.
type Cache struct {
	client goredis.UniversalClient
	prefix string
}

// NewCache creates a cache. All keys are prefixed with prefix.
func NewCache(client goredis.UniversalClient, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

// Get returns the value of key and whether it exists.
func (c *Cache) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Set stores value under key. A ttl <= 0 keeps the value forever.
func (c *Cache) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Increment adds delta to the value of key and returns the new value.
func (c *Cache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return c.client.IncrBy(ctx, c.prefix+key, delta).Result()
}
