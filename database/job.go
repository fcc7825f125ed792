// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package database

import (
	"context"
	"time"

	"github.com/olivere/jobworker"
)

// Job is a reserved row of the jobs table.
type Job struct {
	*jobworker.BaseJob
	c        *Connector
	row      int64
	attempts int
}

func newJob(c *Connector, queue string, row int64, payload []byte, attempts int) *Job {
	return &Job{
		BaseJob:  jobworker.NewBaseJob(c.name, queue, payload),
		c:        c,
		row:      row,
		attempts: attempts,
	}
}

// Attempts returns the attempts column, which is incremented whenever
// the job is reserved.
func (j *Job) Attempts() int {
	return j.attempts
}

// Delete removes the row.
func (j *Job) Delete(ctx context.Context) error {
	if !j.MarkDeleted() {
		return nil
	}
	return j.c.deleteRow(ctx, j.c.db, j.row)
}

// Release makes the job available again after delay.
func (j *Job) Release(ctx context.Context, delay time.Duration) error {
	if j.IsDeleted() || !j.MarkReleased() {
		return nil
	}
	return j.c.release(ctx, j, delay)
}
