// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// memoryConnector is a FIFO connector for tests. Delays are recorded but
// not honored.
type memoryConnector struct {
	name string

	mu       sync.Mutex
	queues   map[string][][]byte
	pops     int
	deleted  int
	released []time.Duration
	delays   []time.Duration
	popErr   error
}

func newMemoryConnector(name string) *memoryConnector {
	return &memoryConnector{name: name, queues: make(map[string][][]byte)}
}

func (c *memoryConnector) Push(ctx context.Context, target string, data map[string]interface{}, queue string, options ...PushOption) (string, error) {
	body, err := EncodeNewPayload(target, data, options...)
	if err != nil {
		return "", err
	}
	return c.PushRaw(ctx, body, queue, 0)
}

func (c *memoryConnector) PushDelayed(ctx context.Context, delay time.Duration, target string, data map[string]interface{}, queue string, options ...PushOption) (string, error) {
	body, err := EncodeNewPayload(target, data, options...)
	if err != nil {
		return "", err
	}
	return c.PushRaw(ctx, body, queue, delay)
}

func (c *memoryConnector) PushRaw(ctx context.Context, payload []byte, queue string, delay time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[queue] = append(c.queues[queue], payload)
	c.delays = append(c.delays, delay)
	p, _ := DecodePayload(payload)
	if p == nil {
		return "", nil
	}
	return p.ID, nil
}

func (c *memoryConnector) Pop(ctx context.Context, queue string) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pops++
	if c.popErr != nil {
		return nil, c.popErr
	}
	list := c.queues[queue]
	if len(list) == 0 {
		return nil, nil
	}
	body := list[0]
	c.queues[queue] = list[1:]
	return &memoryJob{BaseJob: NewBaseJob(c.name, queue, body), c: c}, nil
}

func (c *memoryConnector) Size(ctx context.Context, queue string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.queues[queue])), nil
}

// memoryJob puts itself back into its queue on Release, with the current
// attempt recorded in the body.
type memoryJob struct {
	*BaseJob
	c *memoryConnector
}

func (j *memoryJob) Delete(ctx context.Context) error {
	if !j.MarkDeleted() {
		return nil
	}
	j.c.mu.Lock()
	j.c.deleted++
	j.c.mu.Unlock()
	return nil
}

func (j *memoryJob) Release(ctx context.Context, delay time.Duration) error {
	if !j.MarkReleased() {
		return nil
	}
	p := *j.payload
	p.Attempts = j.Attempts()
	body, err := p.Encode()
	if err != nil {
		return err
	}
	j.c.mu.Lock()
	j.c.released = append(j.c.released, delay)
	j.c.mu.Unlock()
	_, err = j.c.PushRaw(ctx, body, j.Queue(), delay)
	return err
}

// recordingSink records the names of all events.
type recordingSink struct {
	mu       sync.Mutex
	events   []string
	stopping []WorkerStopping
	errs     []error
}

func (s *recordingSink) add(name string) {
	s.mu.Lock()
	s.events = append(s.events, name)
	s.mu.Unlock()
}

func (s *recordingSink) JobProcessing(connection string, job Job) { s.add("processing") }
func (s *recordingSink) JobProcessed(connection string, job Job)  { s.add("processed") }
func (s *recordingSink) JobExceptionOccurred(connection string, job Job, err error) {
	s.add("exceptionOccurred")
}
func (s *recordingSink) JobFailed(connection string, job Job, err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.add("failed")
}
func (s *recordingSink) WorkerStopping(ev WorkerStopping) {
	s.mu.Lock()
	s.stopping = append(s.stopping, ev)
	s.mu.Unlock()
	s.add("stopping")
}

func (s *recordingSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// recordingReporter collects reported errors.
type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(err error, fields ...zap.Field) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingReporter) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// fakeClock advances only when the worker sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestWorker wires a manager with a memory connection "memory" and a
// worker with recording sinks and a fake clock.
func newTestWorker(options ...WorkerOption) (*Manager, *Worker, *memoryConnector, *recordingSink, *InMemoryFailedStore) {
	conn := newMemoryConnector("memory")
	m := New(SetConnection("memory", conn), SetDefaultConnection("memory"))
	sink := &recordingSink{}
	failer := NewInMemoryFailedStore()
	clock := newFakeClock()
	opts := append([]WorkerOption{
		SetEventSink(sink),
		SetFailedJobStore(failer),
		SetErrorReporter(&recordingReporter{}),
	}, options...)
	w := NewWorker(m, opts...)
	w.now = clock.Now
	w.sleep = clock.Sleep
	w.memoryUsage = func() (uint64, error) { return 0, nil }
	w.exit = func(code int) { panic(fmt.Sprintf("unexpected exit(%d)", code)) }
	return m, w, conn, sink, failer
}

var errBoom = errors.New("boom")

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
