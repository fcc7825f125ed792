// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/olivere/jobworker"
)

const (
	// DefaultQueue is used when a call passes no queue name.
	DefaultQueue = "default"

	// DefaultRetryAfter is the time after which a reserved job is handed
	// out again.
	DefaultRetryAfter = 60 * time.Second

	// maxReserveTries limits the optimistic reservation loop.
	maxReserveTries = 10
)

// migrateScript moves all members of the sorted set KEYS[1] with a score
// <= ARGV[1] to the tail of the list KEYS[2].
var migrateScript = goredis.NewScript(`
local due = redis.call('zrangebyscore', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(due) do
  redis.call('zrem', KEYS[1], member)
  redis.call('rpush', KEYS[2], member)
end
return #due
`)

// Connector is a jobworker.Connector backed by Redis. A queue q uses
// three keys: the list "queues:q" of ready jobs, the sorted set
// "queues:q:delayed" of delayed jobs and the sorted set
// "queues:q:reserved" of jobs being worked on, both scored by the Unix
// time at which they become ready.
type Connector struct {
	client     goredis.UniversalClient
	name       string
	queue      string
	retryAfter time.Duration
	blockFor   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// Option is an options provider for Connector.
type Option func(*Connector)

// SetConnectionName specifies the name of the connection reported by jobs.
func SetConnectionName(name string) Option {
	return func(c *Connector) {
		c.name = name
	}
}

// SetQueue overrides the default queue name.
func SetQueue(queue string) Option {
	return func(c *Connector) {
		if queue != "" {
			c.queue = queue
		}
	}
}

// SetRetryAfter specifies after how long a reserved job that has been
// neither deleted nor released becomes available again.
func SetRetryAfter(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.retryAfter = d
		}
	}
}

// SetBlockFor makes Pop wait up to d for a job on an empty queue.
func SetBlockFor(d time.Duration) Option {
	return func(c *Connector) {
		c.blockFor = d
	}
}

// SetLogger specifies the logger.
func SetLogger(logger *zap.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a connector.
func New(client goredis.UniversalClient, options ...Option) *Connector {
	c := &Connector{
		client:     client,
		name:       "redis",
		queue:      DefaultQueue,
		retryAfter: DefaultRetryAfter,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Close closes the Redis client.
func (c *Connector) Close() error {
	return c.client.Close()
}

func (c *Connector) queueKey(queue string) string {
	if queue == "" {
		queue = c.queue
	}
	return "queues:" + queue
}

func (c *Connector) queueName(queue string) string {
	if queue == "" {
		return c.queue
	}
	return queue
}

// Push adds a job for immediate delivery.
func (c *Connector) Push(ctx context.Context, target string, data map[string]interface{}, queue string, options ...jobworker.PushOption) (string, error) {
	body, err := jobworker.EncodeNewPayload(target, data, options...)
	if err != nil {
		return "", err
	}
	return c.PushRaw(ctx, body, queue, 0)
}

// PushDelayed adds a job that becomes available after delay.
func (c *Connector) PushDelayed(ctx context.Context, delay time.Duration, target string, data map[string]interface{}, queue string, options ...jobworker.PushOption) (string, error) {
	body, err := jobworker.EncodeNewPayload(target, data, options...)
	if err != nil {
		return "", err
	}
	return c.PushRaw(ctx, body, queue, delay)
}

// PushRaw adds an encoded job.
func (c *Connector) PushRaw(ctx context.Context, payload []byte, queue string, delay time.Duration) (string, error) {
	p, err := jobworker.DecodePayload(payload)
	if err != nil {
		return "", err
	}
	key := c.queueKey(queue)
	if delay > 0 {
		err = c.client.ZAdd(ctx, key+":delayed", goredis.Z{
			Score:  float64(c.now().Add(delay).Unix()),
			Member: string(payload),
		}).Err()
	} else {
		err = c.client.RPush(ctx, key, string(payload)).Err()
	}
	if err != nil {
		return "", &jobworker.BrokerError{Op: "push", Queue: c.queueName(queue), Err: err}
	}
	return p.ID, nil
}

// Pop moves due delayed jobs and expired reservations to the queue, then
// reserves the job at its head.
func (c *Connector) Pop(ctx context.Context, queue string) (jobworker.Job, error) {
	key := c.queueKey(queue)
	now := c.now().Unix()
	for _, from := range []string{key + ":delayed", key + ":reserved"} {
		if err := migrateScript.Run(ctx, c.client, []string{from, key}, now).Err(); err != nil {
			return nil, fmt.Errorf("redis: migrate %s: %w", from, err)
		}
	}

	job, err := c.reserve(ctx, queue, key)
	if err != nil || job != nil {
		return job, err
	}
	if c.blockFor <= 0 {
		return nil, nil
	}

	// A job popped by BLPOP is reserved in a second step.
	res, err := c.client.BLPop(ctx, c.blockFor, key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw := res[1]
	reserved := reservedBody(raw)
	if err := c.client.ZAdd(ctx, key+":reserved", goredis.Z{
		Score:  float64(c.reservedUntil()),
		Member: reserved,
	}).Err(); err != nil {
		return nil, err
	}
	return newJob(c, c.queueName(queue), key, raw, reserved), nil
}

// reserve atomically moves the head of the list to the reserved set.
func (c *Connector) reserve(ctx context.Context, queue, key string) (*Job, error) {
	for i := 0; i < maxReserveTries; i++ {
		var job *Job
		err := c.client.Watch(ctx, func(tx *goredis.Tx) error {
			raw, err := tx.LIndex(ctx, key, 0).Result()
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			reserved := reservedBody(raw)
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.LPop(ctx, key)
				pipe.ZAdd(ctx, key+":reserved", goredis.Z{
					Score:  float64(c.reservedUntil()),
					Member: reserved,
				})
				return nil
			})
			if err != nil {
				return err
			}
			job = newJob(c, c.queueName(queue), key, raw, reserved)
			return nil
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job != nil {
			c.logger.Debug("redis: job reserved",
				zap.String("queue", job.Queue()),
				zap.String("job", job.ID()),
				zap.Int("attempts", job.Attempts()))
		}
		return job, nil
	}
	return nil, fmt.Errorf("redis: cannot reserve job on %s: too much contention", key)
}

func (c *Connector) reservedUntil() int64 {
	return c.now().Add(c.retryAfter).Unix()
}

// reservedBody returns the body stored while the job is reserved. Its
// attempts are incremented so that a job handed out again after
// retryAfter counts the lost run. A body that cannot be decoded is
// stored in a malformedEnvelope instead.
func reservedBody(raw string) string {
	p, err := jobworker.DecodePayload([]byte(raw))
	if err != nil {
		body, attempts, _ := unwrapMalformed(raw)
		env, err := json.Marshal(malformedEnvelope{Attempts: attempts + 1, Malformed: &body})
		if err != nil {
			return raw
		}
		return string(env)
	}
	p.Attempts++
	body, err := p.Encode()
	if err != nil {
		return raw
	}
	return string(body)
}

// malformedEnvelope keeps the attempts of a body that cannot be decoded
// while it moves between the reserved, delayed and ready lists.
type malformedEnvelope struct {
	Attempts  int     `json:"attempts"`
	Malformed *string `json:"malformed"`
}

// unwrapMalformed returns the original body and the previous attempts
// of raw if it is a malformedEnvelope. Otherwise it returns raw as is.
func unwrapMalformed(raw string) (body string, attempts int, ok bool) {
	if _, err := jobworker.DecodePayload([]byte(raw)); err == nil {
		return raw, 0, false
	}
	var env malformedEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Malformed == nil {
		return raw, 0, false
	}
	return *env.Malformed, env.Attempts, true
}

// Size returns the number of ready, delayed and reserved jobs.
func (c *Connector) Size(ctx context.Context, queue string) (int64, error) {
	key := c.queueKey(queue)
	var llen, delayed, reserved *goredis.IntCmd
	_, err := c.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		llen = pipe.LLen(ctx, key)
		delayed = pipe.ZCard(ctx, key+":delayed")
		reserved = pipe.ZCard(ctx, key+":reserved")
		return nil
	})
	if err != nil {
		return 0, err
	}
	return llen.Val() + delayed.Val() + reserved.Val(), nil
}
