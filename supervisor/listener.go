// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package supervisor keeps a bounded number of worker processes running
// per queue.
//
// The number of running workers is determined by scanning the process
// table for worker command lines of the queue. If the process table
// cannot be read, a counter in the shared cache is used instead. The
// counter is not transactional, so the maximum is a soft limit: a
// worker that stops idle releases its slot, a worker that dies with a
// non-zero exit code has its slot released by the supervisor, and
// workers that quit or restart are only accounted for by the next scan.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/jobworker"
)

const (
	// DefaultInterval is the time between two admission checks.
	DefaultInterval = 2 * time.Second

	// WorkCommand is the subcommand that runs a worker process.
	WorkCommand = "work"
)

// ErrMemoryExceeded is returned by Listen when the supervisor itself
// reached its memory limit.
var ErrMemoryExceeded = errors.New("supervisor: memory limit exceeded")

// ProcessCounterKey is the cache key of the process counter of queue.
func ProcessCounterKey(queue string) string {
	return strings.ToUpper(queue) + ":QUEUE:PROCESS:NUM"
}

// Stream identifies the output stream of a child process.
type Stream int

const (
	Stdout Stream = 1
	Stderr Stream = 2
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// OutputHandler receives the output of child processes line by line.
type OutputHandler func(stream Stream, line string)

// Options are the settings passed to every worker process.
type Options struct {
	Connection string
	Queue      string
	Maximum    int           // maximum number of workers
	Delay      time.Duration // --delay
	Sleep      time.Duration // --sleep
	MaxTries   int           // --tries
	Memory     int           // --memory; also the limit of the supervisor
	Timeout    time.Duration // --timeout
}

// Listener supervises the worker processes of one queue. Create a new
// listener via New.
type Listener struct {
	command     string   // executable of the worker
	commandArgs []string // arguments before the worker arguments
	dir         string
	env         []string
	cache       jobworker.Cache
	logger      *zap.Logger
	output      OutputHandler
	interval    time.Duration

	countProcesses func(ctx context.Context, opts Options) (int, error)
	memoryUsage    func() (uint64, error)
	now            func() time.Time

	mu   sync.Mutex
	aux  errgroup.Group
	cmds []*exec.Cmd
}

// Option is an options provider for Listener.
type Option func(*Listener)

// SetCommand specifies the executable of the worker and the arguments
// that precede the worker arguments. The current executable is used by
// default.
func SetCommand(name string, args ...string) Option {
	return func(l *Listener) {
		l.command = name
		l.commandArgs = args
	}
}

// SetDir specifies the working directory of child processes.
func SetDir(dir string) Option {
	return func(l *Listener) {
		l.dir = dir
	}
}

// SetEnv adds environment variables ("KEY=value") to child processes.
func SetEnv(env ...string) Option {
	return func(l *Listener) {
		l.env = append(l.env, env...)
	}
}

// SetCache specifies the cache holding the process counter.
func SetCache(c jobworker.Cache) Option {
	return func(l *Listener) {
		if c != nil {
			l.cache = c
		}
	}
}

// SetLogger specifies the logger.
func SetLogger(logger *zap.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// SetOutputHandler specifies the receiver of child process output.
func SetOutputHandler(h OutputHandler) Option {
	return func(l *Listener) {
		l.output = h
	}
}

// SetInterval overrides the time between two admission checks.
func SetInterval(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.interval = d
		}
	}
}

// New creates a listener.
func New(options ...Option) (*Listener, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	l := &Listener{
		command:        exe,
		cache:          jobworker.NewInMemoryCache(),
		logger:         zap.NewNop(),
		output:         func(Stream, string) {},
		interval:       DefaultInterval,
		countProcesses: countWorkerProcesses,
		memoryUsage:    jobworker.ProcessRSS,
		now:            time.Now,
	}
	for _, opt := range options {
		opt(l)
	}
	if l.output == nil {
		l.output = func(Stream, string) {}
	}
	return l, nil
}

// WorkerArgs returns the command line arguments of a worker process.
func (l *Listener) WorkerArgs(opts Options) []string {
	start := float64(l.now().UnixNano()) / float64(time.Second)
	return []string{
		WorkCommand,
		opts.Connection,
		"--queue=" + opts.Queue,
		"--delay=" + formatSeconds(opts.Delay),
		"--memory=" + strconv.Itoa(opts.Memory),
		"--sleep=" + formatSeconds(opts.Sleep),
		"--tries=" + strconv.Itoa(opts.MaxTries),
		"--timeout=" + formatSeconds(opts.Timeout),
		"--start=" + strconv.FormatFloat(start, 'f', 4, 64),
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// Listen starts workers until opts.Maximum of them are running, then
// checks again every interval. It returns when ctx is done, after all
// workers have exited, or with ErrMemoryExceeded when the supervisor
// reached opts.Memory.
func (l *Listener) Listen(ctx context.Context, opts Options) error {
	if opts.Maximum <= 0 {
		return fmt.Errorf("supervisor: maximum must be > 0, have %d", opts.Maximum)
	}
	key := ProcessCounterKey(opts.Queue)
	if err := l.cache.Set(ctx, key, 0, 0); err != nil {
		return err
	}
	l.logger.Info("supervisor: listening",
		zap.String("connection", opts.Connection),
		zap.String("queue", opts.Queue),
		zap.Int("maximum", opts.Maximum))

	var g errgroup.Group
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		l.admit(ctx, &g, opts, key)

		if l.memoryExceeded(opts.Memory) {
			l.logger.Warn("supervisor: memory limit exceeded", zap.Int("memory", opts.Memory))
			return ErrMemoryExceeded
		}

		select {
		case <-ctx.Done():
			g.Wait()
			return nil
		case <-t.C:
		}
	}
}

// admit starts a worker if there is a free slot.
func (l *Listener) admit(ctx context.Context, g *errgroup.Group, opts Options, key string) {
	if count, err := l.countProcesses(ctx, opts); err == nil {
		if err := l.cache.Set(ctx, key, int64(count), 0); err != nil {
			l.logger.Warn("supervisor: cannot store process count", zap.Error(err))
		}
		if count >= opts.Maximum {
			return
		}
		if _, err := l.cache.Increment(ctx, key, 1); err != nil {
			l.logger.Warn("supervisor: cannot increment process count", zap.Error(err))
		}
	} else {
		n, err := l.cache.Increment(ctx, key, 1)
		if err != nil {
			l.logger.Warn("supervisor: cannot increment process count", zap.Error(err))
			return
		}
		if n > int64(opts.Maximum) {
			l.release(key)
			return
		}
	}

	args := append(append([]string{}, l.commandArgs...), l.WorkerArgs(opts)...)
	cmd, err := l.start(ctx, g, l.command, args, func(err error) {
		if err != nil {
			l.logger.Info("supervisor: worker exited", zap.String("queue", opts.Queue), zap.Error(err))
			l.release(key)
		}
	})
	if err != nil {
		l.logger.Error("supervisor: cannot start worker", zap.Error(err))
		l.release(key)
		return
	}
	l.logger.Debug("supervisor: worker started", zap.Int("pid", cmd.Process.Pid))
}

// release decrements the process counter unless it is zero.
func (l *Listener) release(key string) {
	ctx := context.Background()
	n, found, err := l.cache.Get(ctx, key)
	if err != nil || !found || n <= 0 {
		return
	}
	if _, err := l.cache.Increment(ctx, key, -1); err != nil {
		l.logger.Warn("supervisor: cannot decrement process count", zap.Error(err))
	}
}

func (l *Listener) memoryExceeded(limitMB int) bool {
	if limitMB <= 0 {
		return false
	}
	rss, err := l.memoryUsage()
	if err != nil {
		return false
	}
	return jobworker.MemoryExceeded(rss, limitMB)
}

// StartAuxiliary starts an auxiliary service with the given command line.
// Its output goes to the output handler. Use Wait to wait for it.
func (l *Listener) StartAuxiliary(ctx context.Context, argv []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, errors.New("supervisor: no auxiliary command configured")
	}
	cmd, err := l.start(ctx, &l.aux, argv[0], argv[1:], func(err error) {
		if err != nil {
			l.logger.Warn("supervisor: auxiliary service exited", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("supervisor: auxiliary service started", zap.Int("pid", cmd.Process.Pid))
	return cmd, nil
}

// Wait waits for auxiliary services to exit.
func (l *Listener) Wait() error {
	return l.aux.Wait()
}

// start runs a child process and streams its output. onExit is called
// with the result of cmd.Wait after all output has been handled.
func (l *Listener) start(ctx context.Context, g *errgroup.Group, name string, args []string, onExit func(error)) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = l.dir
	cmd.Env = append(os.Environ(), l.env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var streams errgroup.Group
	streams.Go(func() error { return l.pipe(Stdout, stdout) })
	streams.Go(func() error { return l.pipe(Stderr, stderr) })
	g.Go(func() error {
		streams.Wait()
		onExit(cmd.Wait())
		return nil
	})

	l.mu.Lock()
	l.cmds = append(l.cmds, cmd)
	l.mu.Unlock()
	return cmd, nil
}

func (l *Listener) pipe(stream Stream, r io.Reader) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		l.output(stream, s.Text())
	}
	return s.Err()
}

// Started returns the number of child processes started so far.
func (l *Listener) Started() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cmds)
}
