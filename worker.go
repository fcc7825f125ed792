// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultIdleTimeout is the time a daemon may go without a job before
	// it stops.
	DefaultIdleTimeout = 30 * time.Second
)

func nop() {}

// Worker pulls jobs from a connection of a Manager and runs them with
// the retry, deadline and backoff policy. A worker processes one job at
// a time. Create a new worker via NewWorker.
type Worker struct {
	m           *Manager
	logger      *zap.Logger
	events      EventSink
	failer      FailedJobStore
	cache       Cache
	reporter    ErrorReporter
	backoff     BackoffFunc
	idleTimeout time.Duration
	state       *RunState

	mu    sync.Mutex // guards stats
	stats Stats

	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration)
	afterFunc   func(d time.Duration, f func()) *time.Timer
	exit        func(code int)
	memoryUsage func() (uint64, error)

	testJobStarted   func() // testing hook
	testJobSucceeded func() // testing hook
	testJobReleased  func() // testing hook
	testJobFailed    func() // testing hook
}

// NewWorker creates a new worker for the connections of m. The worker
// also runs the jobs of sync connections of m.
func NewWorker(m *Manager, options ...WorkerOption) *Worker {
	w := &Worker{
		m:                m,
		logger:           zap.NewNop(),
		events:           NopSink{},
		failer:           NullFailedStore{},
		cache:            NewInMemoryCache(),
		backoff:          ConstantBackoff,
		idleTimeout:      DefaultIdleTimeout,
		state:            &RunState{},
		now:              time.Now,
		sleep:            sleepContext,
		afterFunc:        time.AfterFunc,
		exit:             os.Exit,
		memoryUsage:      ProcessRSS,
		testJobStarted:   nop,
		testJobSucceeded: nop,
		testJobReleased:  nop,
		testJobFailed:    nop,
	}
	for _, opt := range options {
		opt(w)
	}
	if w.reporter == nil {
		w.reporter = NewZapReporter(w.logger)
	}
	m.attachRunner(w)
	return w
}

// -- Configuration --

// WorkerOption is the signature of an options provider.
type WorkerOption func(*Worker)

// SetLogger specifies the logger of the worker.
func SetLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// SetEventSink specifies the consumer of lifecycle events.
func SetEventSink(sink EventSink) WorkerOption {
	return func(w *Worker) {
		if sink != nil {
			w.events = sink
		} else {
			w.events = NopSink{}
		}
	}
}

// SetFailedJobStore specifies where permanently failed jobs are logged.
func SetFailedJobStore(st FailedJobStore) WorkerOption {
	return func(w *Worker) {
		if st != nil {
			w.failer = st
		} else {
			w.failer = NullFailedStore{}
		}
	}
}

// SetCache specifies the cache for attempt counters and the restart
// marker. Workers of different processes need a shared cache.
func SetCache(c Cache) WorkerOption {
	return func(w *Worker) {
		if c != nil {
			w.cache = c
		}
	}
}

// SetErrorReporter specifies where infrastructure errors are reported.
func SetErrorReporter(r ErrorReporter) WorkerOption {
	return func(w *Worker) {
		w.reporter = r
	}
}

// SetBackoffFunc specifies the backoff function that returns the time span
// between retries of failed jobs. Constant backoff is used by default.
func SetBackoffFunc(fn BackoffFunc) WorkerOption {
	return func(w *Worker) {
		if fn != nil {
			w.backoff = fn
		} else {
			w.backoff = ConstantBackoff
		}
	}
}

// SetIdleTimeout specifies how long a daemon may go without a job before
// it stops. A value <= 0 disables the idle stop.
func SetIdleTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.idleTimeout = d
	}
}

// SetRunState specifies the control state of the daemon loop, e.g. to
// share it with a signal handler.
func SetRunState(s *RunState) WorkerOption {
	return func(w *Worker) {
		if s != nil {
			w.state = s
		}
	}
}

// State returns the control state of the daemon loop.
func (w *Worker) State() *RunState {
	return w.state
}

// Stats returns the counters of the worker.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) count(f func(*Stats)) {
	w.mu.Lock()
	f(&w.stats)
	w.mu.Unlock()
}

// -- Process --

// GuardResult is the outcome of an attempt policy check.
type GuardResult struct {
	Failed bool  // the job has been failed
	Err    error // why it failed
}

// Process runs a single job. The maxTries argument applies to jobs that
// do not declare their own maximum; zero means unlimited. A failing job
// that stays live is released after the delay computed by the backoff
// function.
//
// Process returns the error of the run. If the job has been moved to the
// failed job store, the error is an *AttemptsExceededError.
func (w *Worker) Process(ctx context.Context, connection string, job Job, maxTries int, delay time.Duration) error {
	w.events.JobProcessing(connection, job)

	if res := w.markAsFailedIfAlreadyExceedsMaxAttempts(ctx, connection, job, maxTries); res.Failed {
		return res.Err
	}

	w.testJobStarted() // testing hook

	err := w.fire(ctx, job)
	if err == nil {
		if !job.IsDeleted() && !job.IsReleased() {
			if derr := job.Delete(ctx); derr != nil {
				w.reporter.Report(derr, zap.String("job", job.ID()), zap.String("op", "delete"))
			}
		}
		w.count(func(s *Stats) { s.Processed++ })
		w.events.JobProcessed(connection, job)
		w.testJobSucceeded() // testing hook
		return nil
	}

	w.count(func(s *Stats) { s.Exceptions++ })
	w.logger.Debug("jobworker: job failed",
		zap.String("job", job.ID()),
		zap.String("name", job.Name()),
		zap.Int("attempts", job.Attempts()),
		zap.Error(err))

	w.events.JobExceptionOccurred(connection, job, err)

	if !job.HasFailed() {
		if res := w.markAsFailedIfWillExceedMaxAttempts(ctx, connection, job, maxTries, err); res.Failed {
			return res.Err
		}
	}

	if !job.IsDeleted() && !job.IsReleased() && !job.HasFailed() {
		attempts := job.Attempts()
		if cerr := w.cache.Set(ctx, AttemptsKey(job.ID()), int64(attempts), AttemptsTTL); cerr != nil {
			w.reporter.Report(cerr, zap.String("job", job.ID()), zap.String("op", "cache attempts"))
		}
		if rerr := job.Release(ctx, w.backoff(attempts, delay)); rerr != nil {
			w.reporter.Report(rerr, zap.String("job", job.ID()), zap.String("op", "release"))
		} else {
			w.count(func(s *Stats) { s.Released++ })
			w.testJobReleased() // testing hook
		}
	}
	return err
}

// effectiveMaxTries prefers the maximum declared by the job.
func effectiveMaxTries(job Job, maxTries int) int {
	if n, ok := job.MaxTries(); ok {
		return n
	}
	return maxTries
}

// markAsFailedIfAlreadyExceedsMaxAttempts runs before the handler. A job
// with a deadline that has not passed yet is never failed here. A job
// without a deadline is failed once its attempts exceed maxTries.
func (w *Worker) markAsFailedIfAlreadyExceedsMaxAttempts(ctx context.Context, connection string, job Job, maxTries int) GuardResult {
	maxTries = effectiveMaxTries(job, maxTries)

	timeoutAt, hasDeadline := job.TimeoutAt()
	if hasDeadline && !w.now().After(timeoutAt) {
		return GuardResult{}
	}
	if !hasDeadline && (maxTries == 0 || job.Attempts() <= maxTries) {
		return GuardResult{}
	}

	err := &AttemptsExceededError{
		JobID:    job.ID(),
		Name:     job.Name(),
		MaxTries: maxTries,
	}
	w.failJob(ctx, connection, job, err)
	return GuardResult{Failed: true, Err: err}
}

// markAsFailedIfWillExceedMaxAttempts runs after a failing run. It fails
// the job if its deadline has passed or if this was its last try.
func (w *Worker) markAsFailedIfWillExceedMaxAttempts(ctx context.Context, connection string, job Job, maxTries int, cause error) GuardResult {
	maxTries = effectiveMaxTries(job, maxTries)

	failed := false
	if timeoutAt, ok := job.TimeoutAt(); ok && !timeoutAt.After(w.now()) {
		failed = true
	} else if maxTries > 0 && job.Attempts() >= maxTries {
		failed = true
	}
	if !failed {
		return GuardResult{}
	}

	w.failJob(ctx, connection, job, cause)
	return GuardResult{
		Failed: true,
		Err: &AttemptsExceededError{
			JobID:    job.ID(),
			Name:     job.Name(),
			MaxTries: maxTries,
			Cause:    cause,
		},
	}
}

// failJob deletes the job, calls its failure callback and logs it to the
// failed job store. Errors are reported, never returned.
func (w *Worker) failJob(ctx context.Context, connection string, job Job, cause error) {
	job.MarkAsFailed()
	if job.IsDeleted() {
		return
	}
	defer func() {
		w.count(func(s *Stats) { s.Failed++ })
		w.events.JobFailed(connection, job, cause)
		w.testJobFailed() // testing hook
	}()

	if err := job.Delete(ctx); err != nil {
		w.reporter.Report(err, zap.String("job", job.ID()), zap.String("op", "delete"))
	}
	w.callFailedHandler(ctx, job, cause)

	id, err := w.failer.Log(ctx, connection, job.Queue(), job.RawBody(), cause.Error())
	if errors.Is(err, ErrDuplicate) {
		w.logger.Info("jobworker: failed job already logged",
			zap.String("job", job.ID()),
			zap.String("name", job.Name()))
		return
	}
	if err != nil {
		w.reporter.Report(err, zap.String("job", job.ID()), zap.String("op", "log failed job"))
		return
	}
	w.logger.Info("jobworker: job failed permanently",
		zap.String("job", job.ID()),
		zap.String("name", job.Name()),
		zap.String("failed_id", id),
		zap.Error(cause))
}

func (w *Worker) callFailedHandler(ctx context.Context, job Job, cause error) {
	registry := w.m.Registry()
	if registry == nil {
		return
	}
	h, found := registry.LookupFailed(job.Name())
	if !found {
		return
	}
	var data map[string]interface{}
	if p, err := job.Payload(); err == nil {
		data = p.Data
	}
	defer func() {
		if r := recover(); r != nil {
			w.reporter.Report(&PanicError{Value: r}, zap.String("job", job.ID()), zap.String("op", "failed handler"))
		}
	}()
	h(ctx, data, cause)
}

// fire resolves the handler of job and runs it. A panic in the handler
// is returned as a *PanicError.
func (w *Worker) fire(ctx context.Context, job Job) (err error) {
	payload, err := job.Payload()
	if err != nil {
		return err
	}
	registry := w.m.Registry()
	if registry == nil {
		return ErrUnknownJob
	}
	h, err := registry.Lookup(payload.Job)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return h(ctx, job, payload.Data)
}

// RunSync runs a job of a sync connection. A failing job is failed
// immediately; there is no queue to release it to.
func (w *Worker) RunSync(ctx context.Context, connection string, job Job) error {
	w.events.JobProcessing(connection, job)
	err := w.fire(ctx, job)
	if err == nil {
		if derr := job.Delete(ctx); derr != nil {
			w.reporter.Report(derr, zap.String("job", job.ID()), zap.String("op", "delete"))
		}
		w.count(func(s *Stats) { s.Processed++ })
		w.events.JobProcessed(connection, job)
		return nil
	}
	w.count(func(s *Stats) { s.Exceptions++ })
	w.events.JobExceptionOccurred(connection, job, err)
	w.failJob(ctx, connection, job, err)
	return err
}
