// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

// EventSink consumes lifecycle notifications of jobs and workers.
// Implementations must not block for long; they are called from the
// worker loop.
type EventSink interface {
	JobProcessing(connection string, job Job)
	JobProcessed(connection string, job Job)
	JobExceptionOccurred(connection string, job Job, err error)
	JobFailed(connection string, job Job, err error)
	WorkerStopping(ev WorkerStopping)
}

// WorkerStopping is sent right before a worker exits.
type WorkerStopping struct {
	Status  int    // exit code
	Message string // reason, e.g. "idle"
	IsIdle  bool   // worker stopped because it had nothing to do
	Queue   string // queue list of an idle worker
}

// Exit codes of a worker process.
const (
	ExitOK             = 0
	ExitTimeout        = 1
	ExitMemoryExceeded = 12
)

// NopSink ignores all events. Embed it to implement a subset of EventSink.
type NopSink struct{}

func (NopSink) JobProcessing(connection string, job Job)                   {}
func (NopSink) JobProcessed(connection string, job Job)                    {}
func (NopSink) JobExceptionOccurred(connection string, job Job, err error) {}
func (NopSink) JobFailed(connection string, job Job, err error)            {}
func (NopSink) WorkerStopping(ev WorkerStopping)                           {}

// MultiSink forwards events to all sinks in order.
type MultiSink []EventSink

func (m MultiSink) JobProcessing(connection string, job Job) {
	for _, s := range m {
		s.JobProcessing(connection, job)
	}
}

func (m MultiSink) JobProcessed(connection string, job Job) {
	for _, s := range m {
		s.JobProcessed(connection, job)
	}
}

func (m MultiSink) JobExceptionOccurred(connection string, job Job, err error) {
	for _, s := range m {
		s.JobExceptionOccurred(connection, job, err)
	}
}

func (m MultiSink) JobFailed(connection string, job Job, err error) {
	for _, s := range m {
		s.JobFailed(connection, job, err)
	}
}

func (m MultiSink) WorkerStopping(ev WorkerStopping) {
	for _, s := range m {
		s.WorkerStopping(ev)
	}
}
