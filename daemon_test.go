// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDaemonStopsWhenIdle(t *testing.T) {
	ctx := context.Background()
	_, w, conn, sink, _ := newTestWorker()

	code, err := w.Daemon(ctx, DaemonOptions{Queue: "default", Sleep: 5 * time.Second})
	if err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
	if len(sink.stopping) != 1 {
		t.Fatalf("stopping events = %v", sink.stopping)
	}
	ev := sink.stopping[0]
	if !ev.IsIdle || ev.Queue != "default" || ev.Status != ExitOK {
		t.Fatalf("stopping = %+v", ev)
	}
	// 0s, 5s, ... 30s of idle time
	if have, want := conn.pops, 7; have != want {
		t.Fatalf("pops = %d, want %d", have, want)
	}
}

func TestDaemonQueuePriority(t *testing.T) {
	ctx := context.Background()
	m, w, _, _, _ := newTestWorker()

	var order []string
	m.Register("Q", func(ctx context.Context, job Job, data map[string]interface{}) error {
		order = append(order, job.Queue())
		return nil
	})
	m.Push(ctx, "Q", nil, 0, "low")
	m.Push(ctx, "Q", nil, 0, "high")
	m.Push(ctx, "Q", nil, 0, "high")

	code, err := w.Daemon(ctx, DaemonOptions{Queue: "high,low", Sleep: 10 * time.Second})
	if err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
	if have, want := order, []string{"high", "high", "low"}; !equalStrings(have, want) {
		t.Fatalf("order = %v, want %v", have, want)
	}
}

func TestDaemonStopsOnQuit(t *testing.T) {
	ctx := context.Background()
	_, w, conn, sink, _ := newTestWorker()

	w.State().Quit()
	code, err := w.Daemon(ctx, DaemonOptions{Queue: "default", Sleep: time.Second})
	if err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
	if have, want := conn.pops, 1; have != want {
		t.Fatalf("pops = %d, want %d", have, want)
	}
	if have, want := sink.stopping[0].IsIdle, false; have != want {
		t.Fatalf("IsIdle = %v, want %v", have, want)
	}
}

func TestDaemonStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, w, _, _, _ := newTestWorker()

	code, err := w.Daemon(ctx, DaemonOptions{Queue: "default"})
	if err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
}

func TestDaemonStopsOnRestart(t *testing.T) {
	ctx := context.Background()
	m, w, _, _, _ := newTestWorker()

	var runs int
	m.Register("R", func(ctx context.Context, job Job, data map[string]interface{}) error {
		runs++
		return Restart(ctx, w.cache)
	})
	m.Push(ctx, "R", nil, 0, "default")
	m.Push(ctx, "R", nil, 0, "default")

	code, err := w.Daemon(ctx, DaemonOptions{Queue: "default", Sleep: time.Second})
	if err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
	if have, want := runs, 1; have != want {
		t.Fatalf("runs = %d, want %d", have, want)
	}
}

func TestDaemonStopsOnMemoryLimit(t *testing.T) {
	ctx := context.Background()
	_, w, _, sink, _ := newTestWorker()
	w.memoryUsage = func() (uint64, error) { return 200 * 1024 * 1024, nil }

	code, err := w.Daemon(ctx, DaemonOptions{Queue: "default", Sleep: time.Second, Memory: 128})
	if err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := code, ExitMemoryExceeded; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
	if have, want := sink.stopping[0].Status, ExitMemoryExceeded; have != want {
		t.Fatalf("Status = %d, want %d", have, want)
	}
}

func TestDaemonIgnoresMemoryBelowLimit(t *testing.T) {
	ctx := context.Background()
	_, w, _, _, _ := newTestWorker(SetIdleTimeout(3 * time.Second))
	w.memoryUsage = func() (uint64, error) { return 64 * 1024 * 1024, nil }

	code, _ := w.Daemon(ctx, DaemonOptions{Queue: "default", Sleep: time.Second, Memory: 128})
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
}

func TestDaemonBrokerErrorDoesNotStopLoop(t *testing.T) {
	ctx := context.Background()
	reporter := &recordingReporter{}
	_, w, conn, _, _ := newTestWorker(SetErrorReporter(reporter))
	conn.popErr = errors.New("connection refused")

	var sleeps []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) {
		sleeps = append(sleeps, d)
		if len(sleeps) >= 4 {
			w.State().Quit()
		}
	}

	code, err := w.Daemon(ctx, DaemonOptions{Queue: "default", Sleep: 3 * time.Second})
	if err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
	if have, want := conn.pops, 2; have != want {
		t.Fatalf("pops = %d, want %d", have, want)
	}
	errs := reporter.Errors()
	if len(errs) != 2 {
		t.Fatalf("reported errors = %v", errs)
	}
	if !errors.Is(errs[0], ErrBrokerUnavailable) {
		t.Fatalf("reported %v, want ErrBrokerUnavailable", errs[0])
	}
	if have, want := sleeps[0], time.Second; have != want {
		t.Fatalf("sleep after broker error = %v, want %v", have, want)
	}
}

func TestDaemonPausedDoesNotFetch(t *testing.T) {
	ctx := context.Background()
	_, w, conn, _, _ := newTestWorker()

	var sleeps int
	w.sleep = func(ctx context.Context, d time.Duration) {
		sleeps++
		if sleeps == 3 {
			w.State().Quit()
		}
	}
	w.State().Pause()

	code, _ := w.Daemon(ctx, DaemonOptions{Queue: "default", Sleep: time.Second})
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
	if have, want := conn.pops, 0; have != want {
		t.Fatalf("pops = %d, want %d", have, want)
	}
}

func TestDaemonWatchdog(t *testing.T) {
	ctx := context.Background()
	m, w, _, sink, _ := newTestWorker()

	var (
		durations []time.Duration
		fire      func()
	)
	w.afterFunc = func(d time.Duration, f func()) *time.Timer {
		durations = append(durations, d)
		fire = f
		return time.NewTimer(time.Hour)
	}
	exited := make(chan int, 1)
	w.exit = func(code int) { exited <- code }

	m.Register("Slow", func(ctx context.Context, job Job, data map[string]interface{}) error { return nil })
	m.Push(ctx, "Slow", nil, 0, "default", WithTimeout(5*time.Second))
	w.State().Quit()

	if _, err := w.Daemon(ctx, DaemonOptions{Queue: "default", Timeout: time.Minute}); err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := len(durations), 1; have != want {
		t.Fatalf("len(watchdogs) = %d, want %d", have, want)
	}
	if have, want := durations[0], 5*time.Second; have != want {
		t.Fatalf("watchdog = %v, want %v", have, want)
	}

	fire()
	select {
	case code := <-exited:
		if have, want := code, ExitTimeout; have != want {
			t.Fatalf("exit code = %d, want %d", have, want)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("watchdog did not exit")
	}
	last := sink.stopping[len(sink.stopping)-1]
	if have, want := last.Status, ExitTimeout; have != want {
		t.Fatalf("Status = %d, want %d", have, want)
	}
}

func TestDaemonWatchdogStopsAfterJob(t *testing.T) {
	ctx := context.Background()
	m, w, _, sink, _ := newTestWorker()

	exited := make(chan int, 1)
	w.exit = func(code int) { exited <- code }
	w.sleep = sleepContext

	m.Register("Quick", func(ctx context.Context, job Job, data map[string]interface{}) error { return nil })
	m.Push(ctx, "Quick", nil, 0, "default")
	quit := time.AfterFunc(300*time.Millisecond, w.State().Quit)
	defer quit.Stop()

	code, err := w.Daemon(ctx, DaemonOptions{Queue: "default", Timeout: 50 * time.Millisecond, Sleep: 150 * time.Millisecond})
	if err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
	select {
	case code := <-exited:
		t.Fatalf("watchdog exited with %d after the job finished", code)
	default:
	}
	if have, want := len(sink.stopping), 1; have != want {
		t.Fatalf("stopping events = %v", sink.stopping)
	}
}

func TestDaemonWatchdogStopsWhilePaused(t *testing.T) {
	ctx := context.Background()
	m, w, _, sink, _ := newTestWorker()

	exited := make(chan int, 1)
	w.exit = func(code int) { exited <- code }
	w.sleep = sleepContext

	m.Register("Pause", func(ctx context.Context, job Job, data map[string]interface{}) error {
		w.State().Pause()
		return nil
	})
	m.Push(ctx, "Pause", nil, 0, "default")
	quit := time.AfterFunc(300*time.Millisecond, w.State().Quit)
	defer quit.Stop()

	code, err := w.Daemon(ctx, DaemonOptions{Queue: "default", Timeout: 50 * time.Millisecond, Sleep: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
	select {
	case code := <-exited:
		t.Fatalf("watchdog exited with %d while paused", code)
	default:
	}
	if have, want := len(sink.stopping), 1; have != want {
		t.Fatalf("stopping events = %v", sink.stopping)
	}
	if ev := sink.stopping[0]; ev.Status != ExitOK || ev.Message != "" {
		t.Fatalf("stopping = %+v", ev)
	}
}

func TestDaemonPauseDoesNotCountAsIdle(t *testing.T) {
	ctx := context.Background()
	_, w, conn, sink, _ := newTestWorker()

	clockSleep := w.sleep
	var sleeps int
	w.sleep = func(ctx context.Context, d time.Duration) {
		sleeps++
		if sleeps == 3 {
			w.State().Resume()
		}
		clockSleep(ctx, d)
	}
	w.State().Pause()

	code, err := w.Daemon(ctx, DaemonOptions{Queue: "default", Sleep: 20 * time.Second})
	if err != nil {
		t.Fatalf("Daemon failed with %v", err)
	}
	if have, want := code, ExitOK; have != want {
		t.Fatalf("code = %d, want %d", have, want)
	}
	// 0s, 20s, 40s of idle time after resuming
	if have, want := conn.pops, 3; have != want {
		t.Fatalf("pops = %d, want %d", have, want)
	}
	if ev := sink.stopping[0]; !ev.IsIdle {
		t.Fatalf("stopping = %+v", ev)
	}
}

func TestDaemonUnknownConnection(t *testing.T) {
	_, w, _, _, _ := newTestWorker()
	_, err := w.Daemon(context.Background(), DaemonOptions{Connection: "nope"})
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Daemon = %v, want ErrUnknownConnection", err)
	}
}

func TestRunNextJob(t *testing.T) {
	ctx := context.Background()
	m, w, conn, sink, _ := newTestWorker()

	m.Register("A", func(ctx context.Context, job Job, data map[string]interface{}) error { return nil })
	m.Push(ctx, "A", nil, 0, "b")

	if err := w.RunNextJob(ctx, DaemonOptions{Queue: "a,b"}); err != nil {
		t.Fatalf("RunNextJob failed with %v", err)
	}
	if have, want := sink.Events(), []string{"processing", "processed"}; !equalStrings(have, want) {
		t.Fatalf("events = %v, want %v", have, want)
	}
	if have, want := conn.pops, 2; have != want {
		t.Fatalf("pops = %d, want %d", have, want)
	}

	// Nothing left: sleeps instead.
	start := w.now()
	if err := w.RunNextJob(ctx, DaemonOptions{Queue: "a,b", Sleep: 3 * time.Second}); err != nil {
		t.Fatalf("RunNextJob failed with %v", err)
	}
	if have, want := w.now().Sub(start), 3*time.Second; have != want {
		t.Fatalf("slept %v, want %v", have, want)
	}
}

func TestMemoryExceeded(t *testing.T) {
	tests := []struct {
		RSS      uint64
		Limit    int
		Expected bool
	}{
		{0, 0, false},
		{1 << 40, 0, false},
		{127 * 1024 * 1024, 128, false},
		{128 * 1024 * 1024, 128, true},
		{300 * 1024 * 1024, 128, true},
	}
	for i, test := range tests {
		if have, want := MemoryExceeded(test.RSS, test.Limit), test.Expected; have != want {
			t.Fatalf("#%d: have %v, want %v", i, have, want)
		}
	}
}

func TestRunState(t *testing.T) {
	var s RunState
	if s.Paused() || s.ShouldQuit() {
		t.Fatal("expected zero RunState to be running")
	}
	s.Pause()
	if !s.Paused() {
		t.Fatal("expected paused")
	}
	s.Resume()
	if s.Paused() {
		t.Fatal("expected resumed")
	}
	s.Quit()
	if !s.ShouldQuit() {
		t.Fatal("expected quit")
	}
}
