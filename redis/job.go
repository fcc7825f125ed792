// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/olivere/jobworker"
)

// Job is a reserved Redis job.
type Job struct {
	*jobworker.BaseJob
	c        *Connector
	key      string
	reserved string
}

func newJob(c *Connector, queue, key, raw, reserved string) *Job {
	body, previous, wrapped := unwrapMalformed(raw)
	j := &Job{
		BaseJob:  jobworker.NewBaseJob(c.name, queue, []byte(body)),
		c:        c,
		key:      key,
		reserved: reserved,
	}
	if wrapped {
		j.SetAttempts(previous)
	}
	return j
}

// Delete removes the job from the reserved set.
func (j *Job) Delete(ctx context.Context) error {
	if !j.MarkDeleted() {
		return nil
	}
	return j.c.client.ZRem(ctx, j.key+":reserved", j.reserved).Err()
}

// Release moves the job from the reserved to the delayed set. It becomes
// available again after delay with its attempts incremented.
func (j *Job) Release(ctx context.Context, delay time.Duration) error {
	if j.IsDeleted() || !j.MarkReleased() {
		return nil
	}
	_, err := j.c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, j.key+":reserved", j.reserved)
		pipe.ZAdd(ctx, j.key+":delayed", goredis.Z{
			Score:  float64(j.c.now().Add(delay).Unix()),
			Member: j.reserved,
		})
		return nil
	})
	return err
}
