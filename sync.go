// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"time"
)

// SyncConnector runs jobs immediately in the pushing process. It never
// queues anything: Pop always returns no job.
type SyncConnector struct {
	m    *Manager
	name string
}

// NewSyncConnector creates a sync connector. Jobs are run by the worker
// attached to m.
func NewSyncConnector(m *Manager, name string) *SyncConnector {
	return &SyncConnector{m: m, name: name}
}

// Push runs the job and returns its ID together with the error of the run.
func (c *SyncConnector) Push(ctx context.Context, target string, data map[string]interface{}, queue string, options ...PushOption) (string, error) {
	body, err := EncodeNewPayload(target, data, options...)
	if err != nil {
		return "", err
	}
	return c.PushRaw(ctx, body, queue, 0)
}

// PushDelayed ignores the delay and runs the job right away.
func (c *SyncConnector) PushDelayed(ctx context.Context, delay time.Duration, target string, data map[string]interface{}, queue string, options ...PushOption) (string, error) {
	return c.Push(ctx, target, data, queue, options...)
}

// PushRaw runs an encoded job.
func (c *SyncConnector) PushRaw(ctx context.Context, payload []byte, queue string, delay time.Duration) (string, error) {
	job := &SyncJob{BaseJob: NewBaseJob(c.name, queue, payload)}
	return job.ID(), c.m.runSync(ctx, c.name, job)
}

// Pop returns no job.
func (c *SyncConnector) Pop(ctx context.Context, queue string) (Job, error) {
	return nil, nil
}

// Size is always zero.
func (c *SyncConnector) Size(ctx context.Context, queue string) (int64, error) {
	return 0, nil
}

// SyncJob is the handle of a job run by the SyncConnector. Delete and
// Release only change its flags.
type SyncJob struct {
	*BaseJob
}
