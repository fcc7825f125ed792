// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DaemonOptions configures the worker loop.
type DaemonOptions struct {
	Connection string        // connection name; empty for the default connection
	Queue      string        // comma-separated queue names in order of priority
	Delay      time.Duration // delay before a failed job is retried
	Sleep      time.Duration // sleep when no job is available
	MaxTries   int           // maximum tries of jobs that declare none; 0 is unlimited
	Memory     int           // memory limit in MB; <= 0 disables the check
	Timeout    time.Duration // time a job may run; <= 0 disables the watchdog
}

// restartMarker is the value of RestartKey at a point in time.
type restartMarker struct {
	value int64
	found bool
}

// Daemon runs the worker loop until a stop condition is met and returns
// the exit code of the worker process: ExitOK when it stopped because it
// was idle, asked to quit or restart, ExitMemoryExceeded when it reached
// the memory limit. A job running longer than its timeout terminates the
// process with ExitTimeout.
//
// Daemon returns an error only if the connection cannot be created.
func (w *Worker) Daemon(ctx context.Context, opts DaemonOptions) (int, error) {
	connection := opts.Connection
	if connection == "" {
		connection = w.m.DefaultConnectionName()
	}
	conn, err := w.m.Connection(ctx, connection)
	if err != nil {
		return 1, err
	}

	lastRestart := w.lastRestart(ctx)
	lastActivity := w.now()
	paused := false

	w.logger.Info("jobworker: worker started",
		zap.String("connection", connection),
		zap.String("queue", opts.Queue))

	for {
		var idle time.Duration
		if w.state.Paused() {
			paused = true
			w.sleep(ctx, opts.Sleep)
		} else {
			if paused {
				// Time spent paused does not count as idle.
				paused = false
				lastActivity = w.now()
			}
			job := w.nextJob(ctx, conn, opts.Queue)
			if job != nil {
				lastActivity = w.now()
				watchdog := w.registerTimeout(job, opts.Timeout)
				w.runJob(ctx, connection, job, opts.MaxTries, opts.Delay)
				if watchdog != nil {
					watchdog.Stop()
				}
			} else {
				idle = w.now().Sub(lastActivity)
				w.sleep(ctx, opts.Sleep)
			}
		}

		if code, stop := w.stopIfNecessary(ctx, opts.Queue, lastRestart, opts.Memory, idle); stop {
			return code, nil
		}
	}
}

// RunNextJob fetches a single job and runs it, or sleeps if there is none.
func (w *Worker) RunNextJob(ctx context.Context, opts DaemonOptions) error {
	connection := opts.Connection
	if connection == "" {
		connection = w.m.DefaultConnectionName()
	}
	conn, err := w.m.Connection(ctx, connection)
	if err != nil {
		return err
	}
	job := w.nextJob(ctx, conn, opts.Queue)
	if job == nil {
		w.sleep(ctx, opts.Sleep)
		return nil
	}
	w.runJob(ctx, connection, job, opts.MaxTries, opts.Delay)
	return nil
}

// nextJob pops from the queues in order and returns the first job found.
// Broker errors are reported and followed by a short pause.
func (w *Worker) nextJob(ctx context.Context, conn Connector, queue string) Job {
	queues := SplitQueues(queue)
	if len(queues) == 0 {
		queues = []string{""}
	}
	for _, q := range queues {
		job, err := conn.Pop(ctx, q)
		if err != nil {
			w.reporter.Report(&BrokerError{Op: "pop", Queue: q, Err: err})
			w.sleep(ctx, time.Second)
			return nil
		}
		if job != nil {
			return job
		}
	}
	return nil
}

// runJob processes job and reports its error. Errors never stop the loop.
func (w *Worker) runJob(ctx context.Context, connection string, job Job, maxTries int, delay time.Duration) {
	if err := w.Process(ctx, connection, job, maxTries, delay); err != nil {
		w.reporter.Report(err,
			zap.String("connection", connection),
			zap.String("queue", job.Queue()),
			zap.String("job", job.ID()),
			zap.String("name", job.Name()))
	}
}

// registerTimeout arms the watchdog for job. It kills the process if
// job does not finish within its timeout. The caller stops the returned
// timer, which is nil if there is no timeout.
func (w *Worker) registerTimeout(job Job, timeout time.Duration) *time.Timer {
	if d, ok := job.Timeout(); ok {
		timeout = d
	}
	if timeout <= 0 {
		return nil
	}
	return w.afterFunc(timeout, func() {
		w.kill(ExitTimeout)
	})
}

// kill terminates the worker process immediately.
func (w *Worker) kill(status int) {
	w.events.WorkerStopping(WorkerStopping{Status: status, Message: "timeout"})
	w.exit(status)
}

// stopIfNecessary evaluates the stop conditions in order of priority.
func (w *Worker) stopIfNecessary(ctx context.Context, queue string, lastRestart restartMarker, memoryMB int, idle time.Duration) (int, bool) {
	switch {
	case w.idleTimeout > 0 && idle >= w.idleTimeout:
		return w.stop(ExitOK, "idle", true, queue), true
	case w.state.ShouldQuit() || ctx.Err() != nil || w.queueShouldRestart(ctx, lastRestart):
		return w.stop(ExitOK, "", false, ""), true
	case w.memoryExceeded(memoryMB):
		return w.stop(ExitMemoryExceeded, "memory limit exceeded", false, ""), true
	}
	return 0, false
}

// stop notifies the event sink and returns status.
func (w *Worker) stop(status int, message string, isIdle bool, queue string) int {
	w.events.WorkerStopping(WorkerStopping{
		Status:  status,
		Message: message,
		IsIdle:  isIdle,
		Queue:   queue,
	})
	w.logger.Info("jobworker: worker stopping",
		zap.Int("status", status),
		zap.String("message", message),
		zap.Bool("idle", isIdle))
	return status
}

func (w *Worker) memoryExceeded(limitMB int) bool {
	if limitMB <= 0 {
		return false
	}
	rss, err := w.memoryUsage()
	if err != nil {
		w.reporter.Report(err, zap.String("op", "memory usage"))
		return false
	}
	return MemoryExceeded(rss, limitMB)
}

func (w *Worker) lastRestart(ctx context.Context) restartMarker {
	v, found, err := w.cache.Get(ctx, RestartKey)
	if err != nil {
		w.reporter.Report(err, zap.String("op", "get restart marker"))
	}
	return restartMarker{value: v, found: found}
}

func (w *Worker) queueShouldRestart(ctx context.Context, last restartMarker) bool {
	v, found, err := w.cache.Get(ctx, RestartKey)
	if err != nil {
		w.reporter.Report(err, zap.String("op", "get restart marker"))
		return false
	}
	return restartMarker{value: v, found: found} != last
}

// Restart asks all daemons sharing cache to stop after their current job.
func Restart(ctx context.Context, cache Cache) error {
	return cache.Set(ctx, RestartKey, time.Now().Unix(), 0)
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
