// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultMethod is the handler method used when a job target has no
// "@method" suffix.
const DefaultMethod = "fire"

// Payload is the body of a job as it is stored in the broker.
type Payload struct {
	Job       string                 `json:"job"`                 // target, e.g. "SendMail@fire"
	Data      map[string]interface{} `json:"data"`                // arguments passed to the handler
	ID        string                 `json:"id"`                  // random 32-char token
	Attempts  int                    `json:"attempts"`            // number of previous attempts
	MaxTries  *int                   `json:"maxTries,omitempty"`  // overrides the worker default
	Timeout   *int                   `json:"timeout,omitempty"`   // seconds a single run may take
	TimeoutAt *int64                 `json:"timeoutAt,omitempty"` // deadline in Unix seconds
}

// DecodePayload parses a broker message body.
func DecodePayload(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &MalformedMessageError{Body: body, Err: err}
	}
	if p.Job == "" {
		return nil, &MalformedMessageError{Body: body, Err: errMissingTarget}
	}
	return &p, nil
}

// Encode serializes the payload for the broker.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Target splits the job target into name and method.
func (p *Payload) Target() (name, method string) {
	return ParseTarget(p.Job)
}

// ParseTarget splits a "Name@method" declaration. The method is
// DefaultMethod if omitted.
func ParseTarget(target string) (name, method string) {
	if i := strings.LastIndex(target, "@"); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, DefaultMethod
}

// Job is the handle of a job popped from a broker. Implementations differ
// in how the raw payload is stored and how the broker-native
// acknowledgment is released.
type Job interface {
	// ID returns the job identifier from the payload.
	ID() string
	// Name returns the job target, e.g. "SendMail@fire".
	Name() string
	// Connection returns the name of the connection the job came from.
	Connection() string
	// Queue returns the queue the job was popped from.
	Queue() string
	// RawBody returns the body as handed to the worker.
	RawBody() []byte
	// Payload returns the decoded body, or a *MalformedMessageError.
	Payload() (*Payload, error)

	// Attempts returns the number of times the job has been attempted,
	// including the current run.
	Attempts() int
	// MaxTries returns the maximum number of tries declared by the job.
	MaxTries() (int, bool)
	// Timeout returns the time a single run of the job may take.
	Timeout() (time.Duration, bool)
	// TimeoutAt returns the deadline of the job.
	TimeoutAt() (time.Time, bool)

	// Delete removes the job from the broker permanently. Calling it
	// more than once is a no-op.
	Delete(ctx context.Context) error
	// Release puts the job back into the queue after delay. Calling it
	// more than once is a no-op.
	Release(ctx context.Context, delay time.Duration) error

	MarkAsFailed()
	IsDeleted() bool
	IsReleased() bool
	HasFailed() bool
}

// BaseJob implements the lifecycle bookkeeping shared by all Job
// implementations. Connector packages embed it and override Delete,
// Release and, where the broker tracks attempts itself, Attempts.
type BaseJob struct {
	connection string
	queue      string
	raw        []byte
	payload    *Payload
	err        error

	mu       sync.Mutex
	deleted  bool
	released bool
	failed   bool
}

// NewBaseJob wraps the raw body of a job. A body that cannot be decoded
// does not make NewBaseJob fail; the error is returned from Payload so
// that the worker can treat it like any other failing run. Such a job
// gets its ID from MalformedJobID.
func NewBaseJob(connection, queue string, raw []byte) *BaseJob {
	j := &BaseJob{
		connection: connection,
		queue:      queue,
		raw:        raw,
	}
	j.payload, j.err = DecodePayload(raw)
	if j.payload == nil {
		j.payload = &Payload{ID: MalformedJobID(raw)}
	}
	return j
}

// SetAttempts overrides the number of previous attempts. Connectors use
// it when they track attempts outside of the body, e.g. for bodies that
// cannot be decoded.
func (j *BaseJob) SetAttempts(previous int) {
	j.payload.Attempts = previous
}

// ID returns the job identifier.
func (j *BaseJob) ID() string { return j.payload.ID }

// Name returns the job target.
func (j *BaseJob) Name() string { return j.payload.Job }

// Connection returns the connection name.
func (j *BaseJob) Connection() string { return j.connection }

// Queue returns the queue name.
func (j *BaseJob) Queue() string { return j.queue }

// RawBody returns the undecoded body.
func (j *BaseJob) RawBody() []byte { return j.raw }

// Payload returns the decoded body.
func (j *BaseJob) Payload() (*Payload, error) {
	if j.err != nil {
		return nil, j.err
	}
	return j.payload, nil
}

// Attempts returns the previous attempts recorded in the body plus the
// current one.
func (j *BaseJob) Attempts() int {
	return j.payload.Attempts + 1
}

// MaxTries returns the maximum number of tries declared by the job.
func (j *BaseJob) MaxTries() (int, bool) {
	if j.payload.MaxTries == nil {
		return 0, false
	}
	return *j.payload.MaxTries, true
}

// Timeout returns the time a single run may take.
func (j *BaseJob) Timeout() (time.Duration, bool) {
	if j.payload.Timeout == nil {
		return 0, false
	}
	return time.Duration(*j.payload.Timeout) * time.Second, true
}

// TimeoutAt returns the deadline of the job.
func (j *BaseJob) TimeoutAt() (time.Time, bool) {
	if j.payload.TimeoutAt == nil || *j.payload.TimeoutAt <= 0 {
		return time.Time{}, false
	}
	return time.Unix(*j.payload.TimeoutAt, 0), true
}

// Delete marks the job as deleted.
func (j *BaseJob) Delete(ctx context.Context) error {
	j.MarkDeleted()
	return nil
}

// Release marks the job as released.
func (j *BaseJob) Release(ctx context.Context, delay time.Duration) error {
	j.MarkReleased()
	return nil
}

// MarkDeleted flags the job as deleted. It returns false if the job was
// deleted before.
func (j *BaseJob) MarkDeleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.deleted {
		return false
	}
	j.deleted = true
	return true
}

// MarkReleased flags the job as released. It returns false if the job
// was released before.
func (j *BaseJob) MarkReleased() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.released {
		return false
	}
	j.released = true
	return true
}

// MarkAsFailed flags the job as failed.
func (j *BaseJob) MarkAsFailed() {
	j.mu.Lock()
	j.failed = true
	j.mu.Unlock()
}

// IsDeleted reports whether the job has been deleted.
func (j *BaseJob) IsDeleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.deleted
}

// IsReleased reports whether the job has been released.
func (j *BaseJob) IsReleased() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.released
}

// HasFailed reports whether the job has been marked as failed.
func (j *BaseJob) HasFailed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}
