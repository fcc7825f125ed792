// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Connector implements push, pop and delay primitives against one broker.
type Connector interface {
	// Push enqueues a job for immediate delivery and returns its ID.
	Push(ctx context.Context, target string, data map[string]interface{}, queue string, options ...PushOption) (string, error)

	// PushDelayed enqueues a job for delivery no earlier than now+delay.
	PushDelayed(ctx context.Context, delay time.Duration, target string, data map[string]interface{}, queue string, options ...PushOption) (string, error)

	// PushRaw enqueues an encoded payload.
	PushRaw(ctx context.Context, payload []byte, queue string, delay time.Duration) (string, error)

	// Pop fetches the next job from queue without blocking for long.
	// If the queue is empty, Pop must return nil for both the job and
	// the error.
	Pop(ctx context.Context, queue string) (Job, error)

	// Size returns the number of jobs in queue.
	Size(ctx context.Context, queue string) (int64, error)
}

// ConnectorFactory creates the connector for the named connection.
type ConnectorFactory func(ctx context.Context, name string) (Connector, error)

// PushOption configures the optional fields of a payload.
type PushOption func(*Payload)

// WithMaxTries sets the maximum number of tries of the job. Zero means
// unlimited.
func WithMaxTries(n int) PushOption {
	return func(p *Payload) {
		p.MaxTries = &n
	}
}

// WithTimeout sets the time a single run of the job may take.
func WithTimeout(d time.Duration) PushOption {
	return func(p *Payload) {
		secs := int(d / time.Second)
		p.Timeout = &secs
	}
}

// WithTimeoutAt sets the deadline of the job. While the deadline has not
// passed, the attempt counter is not checked.
func WithTimeoutAt(t time.Time) PushOption {
	return func(p *Payload) {
		at := t.Unix()
		p.TimeoutAt = &at
	}
}

// NewJobID returns a random 32-char job identifier.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// MalformedJobID returns the identifier of a body that cannot be decoded.
// It is derived from the body, so redeliveries of the same body share it.
func MalformedJobID(body []byte) string {
	return strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, body).String(), "-", "")
}

// NewPayload creates the payload of a new job.
func NewPayload(target string, data map[string]interface{}, options ...PushOption) *Payload {
	if data == nil {
		data = make(map[string]interface{})
	}
	p := &Payload{
		Job:      target,
		Data:     data,
		ID:       NewJobID(),
		Attempts: 0,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// EncodeNewPayload is a helper for connectors: it creates a payload and
// encodes it.
func EncodeNewPayload(target string, data map[string]interface{}, options ...PushOption) ([]byte, error) {
	return NewPayload(target, data, options...).Encode()
}

// SplitQueues splits a comma-separated list of queue names. The order is
// the order of priority.
func SplitQueues(queues string) []string {
	var list []string
	for _, q := range strings.Split(queues, ",") {
		if q = strings.TrimSpace(q); q != "" {
			list = append(list, q)
		}
	}
	return list
}
