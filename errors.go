// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound must be returned from a FailedJobStore when a failed job
	// could not be found.
	ErrNotFound = errors.New("jobworker: failed job not found")

	// ErrDuplicate is returned from a FailedJobStore when the failed job
	// has been logged before.
	ErrDuplicate = errors.New("jobworker: failed job already logged")

	// ErrMaxAttemptsExceeded signals that a job exhausted its tries or its
	// deadline and has been moved to the failed job store.
	ErrMaxAttemptsExceeded = errors.New("jobworker: max attempts exceeded")

	// ErrUnknownJob is returned when no handler is registered for a target.
	ErrUnknownJob = errors.New("jobworker: unknown job")

	// ErrMalformedMessage is returned when a broker message cannot be decoded.
	ErrMalformedMessage = errors.New("jobworker: malformed message")

	// ErrBrokerUnavailable wraps errors of connector calls.
	ErrBrokerUnavailable = errors.New("jobworker: broker unavailable")

	// ErrConnectorConstruction is returned when a connector cannot be built.
	// It is fatal for the worker process.
	ErrConnectorConstruction = errors.New("jobworker: cannot construct connector")

	// ErrUnknownConnection is returned when no connection with the given
	// name is configured.
	ErrUnknownConnection = errors.New("jobworker: unknown connection")

	errMissingTarget = errors.New("missing job target")
)

// AttemptsExceededError is returned from Worker.Process when a job has
// been failed before or after it ran because of its attempt or deadline
// policy. The job has already been logged to the failed job store.
type AttemptsExceededError struct {
	JobID    string
	Name     string
	MaxTries int
	Cause    error
}

func (e *AttemptsExceededError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("jobworker: job %s (%s) failed permanently: %v", e.JobID, e.Name, e.Cause)
	}
	return fmt.Sprintf("jobworker: job %s (%s) exceeded the maximum of %d tries or ran past its deadline", e.JobID, e.Name, e.MaxTries)
}

// Is makes errors.Is(err, ErrMaxAttemptsExceeded) work.
func (e *AttemptsExceededError) Is(target error) bool {
	return target == ErrMaxAttemptsExceeded
}

// Unwrap returns the error of the last run, if any.
func (e *AttemptsExceededError) Unwrap() error {
	return e.Cause
}

// MalformedMessageError is returned when a broker message body is not a
// valid payload.
type MalformedMessageError struct {
	Body []byte
	Err  error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("jobworker: malformed message: %v", e.Err)
}

// Is makes errors.Is(err, ErrMalformedMessage) work.
func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// BrokerError wraps an error returned by a connector call.
type BrokerError struct {
	Op    string
	Queue string
	Err   error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("jobworker: %s on queue %q: %v", e.Op, e.Queue, e.Err)
}

// Is makes errors.Is(err, ErrBrokerUnavailable) work.
func (e *BrokerError) Is(target error) bool {
	return target == ErrBrokerUnavailable
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// PanicError is returned when a handler panics.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("jobworker: handler panic: %v", e.Value)
}
