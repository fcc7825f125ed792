// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package amqp implements a connector for RabbitMQ with the delayed
// message exchange plugin.
//
// Messages are published to an exchange of type "x-delayed-message".
// A delay is passed in the "x-delay" header in milliseconds. Queues are
// bound to the exchange with their name as routing key. Releasing a job
// acknowledges its delivery and publishes the body again with a delay.
//
// RabbitMQ does not rewrite the body of a redelivered message, so the
// number of attempts is also kept in a shared jobworker.Cache under
// jobworker.AttemptsKey. Pop uses the larger of both values.
package amqp

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/olivere/jobworker"
)

const (
	// DefaultQueue is used when a call passes no queue name.
	DefaultQueue = "default"

	// DefaultExchange is the name of the delayed message exchange.
	DefaultExchange = "jobworker"

	// ExchangeType is the exchange type provided by the plugin.
	ExchangeType = "x-delayed-message"

	// MinReleaseDelay is used when a job is released without a delay.
	MinReleaseDelay = 5 * time.Second
)

// Connector is a jobworker.Connector backed by RabbitMQ.
type Connector struct {
	provider   ChannelProvider
	cache      jobworker.Cache
	name       string
	queue      string
	exchange   string
	autoAck    bool
	persistent bool
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

// SetExchange overrides the default exchange name.
func SetExchange(exchange string) Option {
	return func(c *Connector) {
		if exchange != "" {
			c.exchange = exchange
		}
	}
}

// SetAutoAck makes the broker forget messages as soon as they are
// delivered. Delete then has nothing to do.
func SetAutoAck(autoAck bool) Option {
	return func(c *Connector) {
		c.autoAck = autoAck
	}
}

// SetPersistent publishes messages with persistent delivery mode.
func SetPersistent(persistent bool) Option {
	return func(c *Connector) {
		c.persistent = persistent
	}
}

// SetCache specifies the cache holding the attempts of jobs. Workers and
// producers must share it.
func SetCache(cache jobworker.Cache) Option {
	return func(c *Connector) {
		if cache != nil {
			c.cache = cache
		}
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

// New creates a connector that gets its channel from provider.
func New(provider ChannelProvider, options ...Option) *Connector {
	c := &Connector{
		provider: provider,
		cache:    jobworker.NewInMemoryCache(),
		name:     "amqp",
		queue:    DefaultQueue,
		exchange: DefaultExchange,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Connector) queueName(queue string) string {
	if queue == "" {
		return c.queue
	}
	return queue
}

// declare declares the exchange and the queue and binds them. It is
// idempotent and runs before every publish and get.
func (c *Connector) declare(ch Channel, queue string) error {
	err := ch.ExchangeDeclare(c.exchange, ExchangeType, true, false, false, false, amqp.Table{
		"x-delayed-type": "direct",
	})
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	return ch.QueueBind(queue, queue, c.exchange, false, nil)
}

// Push publishes a job for immediate delivery.
func (c *Connector) Push(ctx context.Context, target string, data map[string]interface{}, queue string, options ...jobworker.PushOption) (string, error) {
	body, err := jobworker.EncodeNewPayload(target, data, options...)
	if err != nil {
		return "", err
	}
	return c.PushRaw(ctx, body, queue, 0)
}

// PushDelayed publishes a job that is delivered after delay.
func (c *Connector) PushDelayed(ctx context.Context, delay time.Duration, target string, data map[string]interface{}, queue string, options ...jobworker.PushOption) (string, error) {
	body, err := jobworker.EncodeNewPayload(target, data, options...)
	if err != nil {
		return "", err
	}
	return c.PushRaw(ctx, body, queue, delay)
}

// PushRaw publishes an encoded job and resets its attempts counter.
func (c *Connector) PushRaw(ctx context.Context, payload []byte, queue string, delay time.Duration) (string, error) {
	p, err := jobworker.DecodePayload(payload)
	if err != nil {
		return "", err
	}
	if err := c.publish(ctx, payload, p.ID, c.queueName(queue), delay); err != nil {
		return "", &jobworker.BrokerError{Op: "push", Queue: c.queueName(queue), Err: err}
	}
	if p.ID != "" {
		if err := c.cache.Set(ctx, jobworker.AttemptsKey(p.ID), 0, jobworker.AttemptsTTL); err != nil {
			c.logger.Warn("amqp: cannot reset attempts", zap.String("job", p.ID), zap.Error(err))
		}
	}
	return p.ID, nil
}

func (c *Connector) publish(ctx context.Context, body []byte, id, queue string, delay time.Duration) error {
	ch, err := c.provider.Channel(ctx)
	if err != nil {
		return err
	}
	if err := c.declare(ch, queue); err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   id,
		Timestamp:   c.now(),
		Body:        body,
	}
	if c.persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if delay > 0 {
		msg.Headers = amqp.Table{"x-delay": delay.Milliseconds()}
	}
	return ch.PublishWithContext(ctx, c.exchange, queue, false, false, msg)
}

// Pop gets a single message from queue. Only one unacknowledged message
// is delivered per channel.
func (c *Connector) Pop(ctx context.Context, queue string) (jobworker.Job, error) {
	queue = c.queueName(queue)
	ch, err := c.provider.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.declare(ch, queue); err != nil {
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, err
	}
	msg, ok, err := ch.Get(queue, c.autoAck)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	body := c.reconcileAttempts(ctx, msg.Body)
	job := newJob(c, ch, queue, body, msg)
	if _, err := job.Payload(); err != nil {
		c.reconcileMalformed(ctx, job)
	}
	return job, nil
}

// reconcileMalformed restores the attempts of a job whose body cannot be
// decoded. Its identifier is derived from the body, which is republished
// unchanged on release, so the cached count survives redelivery.
func (c *Connector) reconcileMalformed(ctx context.Context, job *Job) {
	n, found, err := c.cache.Get(ctx, jobworker.AttemptsKey(job.ID()))
	if err != nil {
		c.logger.Warn("amqp: cannot read attempts", zap.String("job", job.ID()), zap.Error(err))
		return
	}
	if found {
		job.SetAttempts(int(n))
	}
}

// reconcileAttempts replaces the attempts of body by the cached value
// if that is larger. Bodies that cannot be decoded are returned as is.
func (c *Connector) reconcileAttempts(ctx context.Context, body []byte) []byte {
	p, err := jobworker.DecodePayload(body)
	if err != nil || p.ID == "" {
		return body
	}
	n, found, err := c.cache.Get(ctx, jobworker.AttemptsKey(p.ID))
	if err != nil {
		c.logger.Warn("amqp: cannot read attempts", zap.String("job", p.ID), zap.Error(err))
		return body
	}
	if !found || int(n) <= p.Attempts {
		return body
	}
	p.Attempts = int(n)
	reconciled, err := p.Encode()
	if err != nil {
		return body
	}
	return reconciled
}

// Size returns the number of ready messages in queue. Delayed messages
// are held by the exchange and not counted.
func (c *Connector) Size(ctx context.Context, queue string) (int64, error) {
	queue = c.queueName(queue)
	ch, err := c.provider.Channel(ctx)
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return int64(q.Messages), nil
}
