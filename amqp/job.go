// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package amqp

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/olivere/jobworker"
)

// Job is a message delivered by RabbitMQ.
type Job struct {
	*jobworker.BaseJob
	c        *Connector
	ch       Channel
	delivery amqp.Delivery

	ackOnce sync.Once
	ackErr  error
}

func newJob(c *Connector, ch Channel, queue string, body []byte, delivery amqp.Delivery) *Job {
	return &Job{
		BaseJob:  jobworker.NewBaseJob(c.name, queue, body),
		c:        c,
		ch:       ch,
		delivery: delivery,
	}
}

// ack acknowledges the delivery once. A closed channel has already
// returned the message to the broker, so ErrClosed is not an error.
func (j *Job) ack() error {
	j.ackOnce.Do(func() {
		if j.c.autoAck {
			return
		}
		err := j.ch.Ack(j.delivery.DeliveryTag, false)
		if errors.Is(err, amqp.ErrClosed) {
			err = nil
		}
		j.ackErr = err
	})
	return j.ackErr
}

// Delete acknowledges the delivery.
func (j *Job) Delete(ctx context.Context) error {
	if !j.MarkDeleted() {
		return nil
	}
	return j.ack()
}

// Release acknowledges the delivery and publishes the original body
// again, delayed by delay or MinReleaseDelay.
func (j *Job) Release(ctx context.Context, delay time.Duration) error {
	if j.IsDeleted() || !j.MarkReleased() {
		return nil
	}
	if err := j.ack(); err != nil {
		return err
	}
	if delay <= 0 {
		delay = MinReleaseDelay
	}
	return j.c.publish(ctx, j.delivery.Body, j.ID(), j.Queue(), delay)
}
