// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// InMemoryFailedStore is a simple in-memory failed job store.
// It implements the FailedJobStore interface. Do not use in production.
type InMemoryFailedStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[string]*FailedJob
	seq    map[string]int64 // insertion order
}

// NewInMemoryFailedStore creates a new InMemoryFailedStore.
func NewInMemoryFailedStore() *InMemoryFailedStore {
	return &InMemoryFailedStore{
		jobs: make(map[string]*FailedJob),
		seq:  make(map[string]int64),
	}
}

// All returns the failed jobs, most recent first.
func (st *InMemoryFailedStore) All(ctx context.Context) ([]*FailedJob, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	list := make([]*FailedJob, 0, len(st.jobs))
	for _, job := range st.jobs {
		list = append(list, job)
	}
	sort.Slice(list, func(i, j int) bool {
		return st.seq[list[i].ID] > st.seq[list[j].ID]
	})
	return list, nil
}

// Find returns the failed job with the specified identifier (or ErrNotFound).
func (st *InMemoryFailedStore) Find(ctx context.Context, id string) (*FailedJob, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	return job, nil
}

// Forget removes the failed job.
func (st *InMemoryFailedStore) Forget(ctx context.Context, id string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[id]; !found {
		return false, nil
	}
	delete(st.jobs, id)
	delete(st.seq, id)
	return true, nil
}

// Flush removes all failed jobs.
func (st *InMemoryFailedStore) Flush(ctx context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.jobs = make(map[string]*FailedJob)
	st.seq = make(map[string]int64)
	return nil
}

// Log adds a failed job.
func (st *InMemoryFailedStore) Log(ctx context.Context, connection, queue string, payload []byte, exception string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextID++
	id := strconv.FormatInt(st.nextID, 10)
	st.jobs[id] = &FailedJob{
		ID:         id,
		Connection: connection,
		Queue:      queue,
		Payload:    string(payload),
		Exception:  exception,
		FailedAt:   time.Now(),
	}
	st.seq[id] = st.nextID
	return id, nil
}

// NullFailedStore discards failed jobs. It is used when the failed job
// store is configured with type "none".
type NullFailedStore struct{}

// All returns no jobs.
func (NullFailedStore) All(ctx context.Context) ([]*FailedJob, error) { return nil, nil }

// Find always returns ErrNotFound.
func (NullFailedStore) Find(ctx context.Context, id string) (*FailedJob, error) {
	return nil, ErrNotFound
}

// Forget removes nothing.
func (NullFailedStore) Forget(ctx context.Context, id string) (bool, error) { return false, nil }

// Flush does nothing.
func (NullFailedStore) Flush(ctx context.Context) error { return nil }

// Log discards the job.
func (NullFailedStore) Log(ctx context.Context, connection, queue string, payload []byte, exception string) (string, error) {
	return "", nil
}
