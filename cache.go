// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"sync"
	"time"
)

const (
	// AttemptsTTL is how long the attempt counter of a job is kept.
	AttemptsTTL = time.Hour

	// RestartKey holds the timestamp of the last "restart" request.
	// Workers stop when it changes.
	RestartKey = "jobworker:queue:restart"
)

// AttemptsKey returns the cache key of the attempt counter of a job.
func AttemptsKey(jobID string) string {
	return "QUEUE:" + jobID
}

// Cache is a store of integer counters shared between worker processes.
// It holds the attempt counters of jobs, the restart marker and the
// process counters of the supervisor.
//
// Compare-then-act sequences on a Cache are not atomic. Increment should
// be atomic in implementations that can offer it, e.g. Redis INCRBY.
type Cache interface {
	// Get returns the value of key and whether it was found.
	Get(ctx context.Context, key string) (int64, bool, error)

	// Set sets key to value. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error

	// Increment adds delta to key and returns the new value. A missing
	// key counts as zero.
	Increment(ctx context.Context, key string, delta int64) (int64, error)
}

// InMemoryCache is a Cache for a single process. Use it for tests and the
// sync connector; share counters between processes with a Redis cache.
type InMemoryCache struct {
	mu     sync.Mutex
	values map[string]cacheEntry
	now    func() time.Time
}

type cacheEntry struct {
	value   int64
	expires time.Time
}

// NewInMemoryCache creates a new InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		values: make(map[string]cacheEntry),
		now:    time.Now,
	}
}

func (c *InMemoryCache) lookup(key string) (cacheEntry, bool) {
	e, found := c.values[key]
	if !found {
		return e, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.values, key)
		return cacheEntry{}, false
	}
	return e, true
}

// Get returns the value of key.
func (c *InMemoryCache) Get(ctx context.Context, key string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.lookup(key)
	return e.value, found, nil
}

// Set sets key to value.
func (c *InMemoryCache) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cacheEntry{value: value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.values[key] = e
	return nil
}

// Increment adds delta to key, keeping its expiry.
func (c *InMemoryCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, _ := c.lookup(key)
	e.value += delta
	c.values[key] = e
	return e.value, nil
}
