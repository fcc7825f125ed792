// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package console

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/olivere/jobworker"
)

// StatusSink prints one line per job transition, e.g.
//
//	[2006-01-02 15:04:05][8a4b...] Processing: SendMail@fire
type StatusSink struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewStatusSink creates a status sink that writes to w.
func NewStatusSink(w io.Writer) *StatusSink {
	return &StatusSink{w: w, now: time.Now}
}

func (s *StatusSink) JobProcessing(connection string, job jobworker.Job) {
	s.write(job.ID(), "Processing", job.Name())
}

func (s *StatusSink) JobProcessed(connection string, job jobworker.Job) {
	s.write(job.ID(), "Processed", job.Name())
}

func (s *StatusSink) JobExceptionOccurred(connection string, job jobworker.Job, err error) {
	s.write(job.ID(), "Exception", job.Name()+": "+err.Error())
}

func (s *StatusSink) JobFailed(connection string, job jobworker.Job, err error) {
	s.write(job.ID(), "Failed", job.Name())
}

func (s *StatusSink) WorkerStopping(ev jobworker.WorkerStopping) {
	if ev.IsIdle {
		s.write("", "IdleClose", ev.Queue)
	}
}

func (s *StatusSink) write(id, status, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%s][%s] %s: %s\n", s.now().Format("2006-01-02 15:04:05"), id, status, msg)
}
