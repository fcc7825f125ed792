// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package console implements the command line of jobworker binaries:
// running workers, supervising a pool of workers and managing the
// failed job ledger.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/olivere/jobworker"
	"github.com/olivere/jobworker/internal/config"
	"github.com/olivere/jobworker/internal/logger"
	"github.com/olivere/jobworker/supervisor"
)

// ExitError carries the exit code of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("console: exit status %d", e.Code)
}

// WorkerFlags are the flags shared by the work and listen commands.
type WorkerFlags struct {
	Queue   string
	Delay   float64 // seconds
	Memory  int     // MB
	Timeout float64 // seconds
	Sleep   float64 // seconds
	Tries   int
}

func (f *WorkerFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.Queue, "queue", "", "comma-separated queues in order of priority")
	flags.Float64Var(&f.Delay, "delay", 0, "seconds to delay failed jobs")
	flags.IntVar(&f.Memory, "memory", 128, "memory limit in megabytes")
	flags.Float64Var(&f.Timeout, "timeout", 60, "seconds a job may run")
	flags.Float64Var(&f.Sleep, "sleep", 3, "seconds to sleep when no job is available")
	flags.IntVar(&f.Tries, "tries", 0, "number of times to attempt a job before logging it failed")
}

func (f *WorkerFlags) daemonOptions(connection, defaultQueue string) jobworker.DaemonOptions {
	queue := f.Queue
	if queue == "" {
		queue = defaultQueue
	}
	return jobworker.DaemonOptions{
		Connection: connection,
		Queue:      queue,
		Delay:      secondsf(f.Delay),
		Sleep:      secondsf(f.Sleep),
		MaxTries:   f.Tries,
		Memory:     f.Memory,
		Timeout:    secondsf(f.Timeout),
	}
}

func secondsf(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// cli is shared by all commands of a command tree.
type cli struct {
	registry   *jobworker.Registry
	configPath string
	debug      bool

	logger *zap.Logger
	app    *App
}

func (rt *cli) setup(cmd *cobra.Command, _ []string) error {
	l, err := logger.New(rt.debug)
	if err != nil {
		return err
	}
	cfg, err := config.Load(rt.configPath, l)
	if err != nil {
		return err
	}
	if cfg.Debug && !rt.debug {
		if l, err = logger.New(true); err != nil {
			return err
		}
	}
	rt.logger = l
	rt.app = NewApp(cfg, l)
	return nil
}

func (rt *cli) close() error {
	if rt.app == nil {
		return nil
	}
	err := rt.app.Close()
	_ = rt.logger.Sync()
	return err
}

// NewRootCommand creates the command tree. Jobs are run with the
// handlers of registry.
func NewRootCommand(registry *jobworker.Registry) *cobra.Command {
	root, _ := newRootCommand(registry)
	return root
}

func newRootCommand(registry *jobworker.Registry) (*cobra.Command, *cli) {
	rt := &cli{registry: registry}
	root := &cobra.Command{
		Use:               "jobworker",
		Short:             "Process queued jobs",
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: rt.setup,
	}
	root.PersistentFlags().StringVar(&rt.configPath, "config", "", "configuration file")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		workCmd(rt),
		listenCmd(rt),
		failedCmd(rt),
		forgetCmd(rt),
		flushCmd(rt),
		retryCmd(rt),
		restartCmd(rt),
	)
	return root, rt
}

// Execute runs the command tree with args and returns the exit code of
// the process.
func Execute(ctx context.Context, registry *jobworker.Registry, args []string) int {
	return execute(ctx, registry, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, registry *jobworker.Registry, args []string, out, errOut io.Writer) int {
	root, rt := newRootCommand(registry)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	err := root.ExecuteContext(ctx)
	if cerr := rt.close(); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil {
		return jobworker.ExitOK
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	return 1
}

func connectionArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// -- work --

func workCmd(rt *cli) *cobra.Command {
	var (
		flags WorkerFlags
		once  bool
		start float64
	)
	cmd := &cobra.Command{
		Use:   "work [connection]",
		Short: "Process jobs of a queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, cc, err := rt.app.Config().Connection(connectionArg(args))
			if err != nil {
				return err
			}
			cache, err := rt.app.Cache(ctx)
			if err != nil {
				return err
			}
			failed, err := rt.app.FailedStore(ctx)
			if err != nil {
				return err
			}
			if start > 0 {
				rt.logger.Debug("console: worker spawned", zap.Float64("start", start))
			}

			state := &jobworker.RunState{}
			stop := jobworker.ListenForSignals(state)
			defer stop()

			w := jobworker.NewWorker(rt.app.Manager(rt.registry),
				jobworker.SetLogger(rt.logger),
				jobworker.SetCache(cache),
				jobworker.SetFailedJobStore(failed),
				jobworker.SetRunState(state),
				jobworker.SetEventSink(jobworker.MultiSink{
					NewStatusSink(cmd.OutOrStdout()),
					supervisor.NewSlotReleaser(cache, rt.logger),
					rt.app.MetricsSink(),
				}),
			)
			opts := flags.daemonOptions(name, cc.Queue)
			if once {
				return w.RunNextJob(ctx, opts)
			}
			code, err := w.Daemon(ctx, opts)
			if err != nil {
				return err
			}
			if code != jobworker.ExitOK {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&once, "once", false, "only process the next job")
	cmd.Flags().Float64Var(&start, "start", 0, "spawn time of the worker")
	return cmd
}

// -- listen --

func listenCmd(rt *cli) *cobra.Command {
	var (
		flags   WorkerFlags
		maximum int
		rpc     bool
	)
	cmd := &cobra.Command{
		Use:   "listen [connection]",
		Short: "Keep a pool of worker processes running",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			name, cc, err := rt.app.Config().Connection(connectionArg(args))
			if err != nil {
				return err
			}
			cache, err := rt.app.Cache(ctx)
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			var pre []string
			if rt.configPath != "" {
				pre = append(pre, "--config="+rt.configPath)
			}
			if rt.debug {
				pre = append(pre, "--debug")
			}
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			l, err := supervisor.New(
				supervisor.SetCommand(exe, pre...),
				supervisor.SetCache(cache),
				supervisor.SetLogger(rt.logger),
				supervisor.SetOutputHandler(func(stream supervisor.Stream, line string) {
					if stream == supervisor.Stderr {
						fmt.Fprintln(errOut, line)
					} else {
						fmt.Fprintln(out, line)
					}
				}),
			)
			if err != nil {
				return err
			}
			if rpc {
				if _, err := l.StartAuxiliary(ctx, rt.app.Config().Supervisor.AuxiliaryCommand); err != nil {
					return err
				}
			}

			d := flags.daemonOptions(name, cc.Queue)
			err = l.Listen(ctx, supervisor.Options{
				Connection: d.Connection,
				Queue:      d.Queue,
				Maximum:    maximum,
				Delay:      d.Delay,
				Sleep:      d.Sleep,
				MaxTries:   d.MaxTries,
				Memory:     d.Memory,
				Timeout:    d.Timeout,
			})
			if errors.Is(err, supervisor.ErrMemoryExceeded) {
				return &ExitError{Code: jobworker.ExitMemoryExceeded}
			}
			if err != nil {
				return err
			}
			if rpc {
				return l.Wait()
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&maximum, "maximum", 1, "maximum number of worker processes")
	cmd.Flags().BoolVar(&rpc, "rpc", false, "also start the auxiliary service")
	return cmd
}

// -- failed job ledger --

func failedCmd(rt *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "failed",
		Aliases: []string{"failed:list"},
		Short:   "List all failed jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rt.app.FailedStore(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := st.All(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No failed jobs!")
				return nil
			}
			return printFailedJobs(out, jobs)
		},
	}
}

func printFailedJobs(out io.Writer, jobs []*jobworker.FailedJob) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tConnection\tQueue\tJob\tFailed At")
	for _, j := range jobs {
		name := "-"
		if p, err := jobworker.DecodePayload([]byte(j.Payload)); err == nil {
			name = p.Job
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Connection, j.Queue, name, j.FailedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func forgetCmd(rt *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "forget ID",
		Aliases: []string{"failed:forget"},
		Short:   "Delete a failed job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rt.app.FailedStore(cmd.Context())
			if err != nil {
				return err
			}
			found, err := st.Forget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintln(cmd.ErrOrStderr(), "No failed job matches the given ID.")
				return &ExitError{Code: 1}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Failed job deleted successfully!")
			return nil
		},
	}
}

func flushCmd(rt *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "flush",
		Aliases: []string{"failed:flush"},
		Short:   "Delete all failed jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rt.app.FailedStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := st.Flush(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All failed jobs deleted successfully!")
			return nil
		},
	}
}

func retryCmd(rt *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "retry ID...",
		Aliases: []string{"failed:retry"},
		Short:   "Push failed jobs back onto their queue",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := rt.app.FailedStore(ctx)
			if err != nil {
				return err
			}
			m := rt.app.Manager(rt.registry)
			for _, id := range args {
				err := retryFailedJob(ctx, m, st, id)
				if errors.Is(err, jobworker.ErrNotFound) {
					fmt.Fprintf(cmd.ErrOrStderr(), "No failed job matches the given ID [%s].\n", id)
					continue
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "The failed job [%s] has been pushed back onto the queue!\n", id)
			}
			return nil
		},
	}
}

// retryFailedJob pushes the payload of a failed job with a reset attempt
// counter to its original connection and queue, then forgets it.
func retryFailedJob(ctx context.Context, m *jobworker.Manager, st jobworker.FailedJobStore, id string) error {
	fj, err := st.Find(ctx, id)
	if err != nil {
		return err
	}
	p, err := jobworker.DecodePayload([]byte(fj.Payload))
	if err != nil {
		return err
	}
	p.Attempts = 0
	body, err := p.Encode()
	if err != nil {
		return err
	}
	c, err := m.Connection(ctx, fj.Connection)
	if err != nil {
		return err
	}
	if _, err := c.PushRaw(ctx, body, fj.Queue, 0); err != nil {
		return err
	}
	_, err = st.Forget(ctx, id)
	return err
}

// -- restart --

func restartCmd(rt *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart worker daemons after their current job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := rt.app.Cache(cmd.Context())
			if err != nil {
				return err
			}
			if err := jobworker.Restart(cmd.Context(), cache); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Broadcasting queue restart signal.")
			return nil
		},
	}
}
