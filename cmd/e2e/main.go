// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command e2e pushes random jobs to a connection and processes them with
// a worker in the same process, printing statistics periodically.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olivere/jobworker"
	"github.com/olivere/jobworker/console"
	"github.com/olivere/jobworker/internal/config"
	"github.com/olivere/jobworker/internal/logger"
)

func main() {
	var (
		configPath  = flag.String("config", "", "configuration file")
		connection  = flag.String("connection", "", "connection name; default connection if empty")
		queue       = flag.String("queue", "default", "queue to push to and work on")
		fillTime    = flag.Duration("fill-time", 500*time.Millisecond, "interval in which new jobs get added")
		runTime     = flag.Duration("run-time", 200*time.Millisecond, "maximum run time of a single job")
		logInterval = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		maxTries    = flag.Int("max-tries", 3, "maximum number of tries per job")
		delay       = flag.Duration("delay", time.Second, "delay before a failed job is retried")
		topicsList  = flag.String("topics", "a,b,c", "comma-separated list of job targets")
		failureRate = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	l, err := logger.New(*debug)
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := config.Load(*configPath, l)
	if err != nil {
		log.Fatal(err)
	}
	app := console.NewApp(cfg, l)
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Add topics and handlers
	registry := jobworker.NewRegistry()
	topics := strings.Split(*topicsList, ",")
	for _, topic := range topics {
		if err := registry.Register(topic, makeHandler(*failureRate, *runTime)); err != nil {
			log.Fatal(err)
		}
	}

	cache, err := app.Cache(ctx)
	if err != nil {
		log.Fatal(err)
	}
	failed, err := app.FailedStore(ctx)
	if err != nil {
		log.Fatal(err)
	}
	m := app.Manager(registry)
	w := jobworker.NewWorker(m,
		jobworker.SetLogger(l),
		jobworker.SetCache(cache),
		jobworker.SetFailedJobStore(failed),
		jobworker.SetIdleTimeout(0),
		jobworker.SetBackoffFunc(jobworker.ExponentialBackoff),
	)

	errc := make(chan error, 1)

	// Enqueue jobs
	go func() {
		errc <- enqueuer(ctx, m, *connection, *queue, topics, *fillTime, *maxTries)
	}()

	// Print stats
	go printStats(ctx, w, *logInterval)

	// Work until e.g. Ctrl+C
	go func() {
		_, err := w.Daemon(ctx, jobworker.DaemonOptions{
			Connection: *connection,
			Queue:      *queue,
			Delay:      *delay,
			Sleep:      100 * time.Millisecond,
		})
		errc <- err
	}()

	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	log.Print("exiting")
}

func enqueuer(ctx context.Context, m *jobworker.Manager, connection, queue string, topics []string, fillTime time.Duration, maxTries int) error {
	var cnt int

	fillTimeNanos := fillTime.Nanoseconds()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond):
		}
		topic := topics[rand.Intn(len(topics))]
		cnt++
		data := map[string]interface{}{"cid": fmt.Sprintf("#%05d", cnt)}
		_, err := m.PushOn(ctx, connection, topic, data, 0, queue, jobworker.WithMaxTries(maxTries))
		if err != nil {
			return err
		}
	}
}

func printStats(ctx context.Context, w *jobworker.Worker, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ss := w.Stats()
			fmt.Printf("Processed=%6d Released=%6d Failed=%6d Exceptions=%6d\n",
				ss.Processed,
				ss.Released,
				ss.Failed,
				ss.Exceptions)
		}
	}
}

func makeHandler(failureRate float64, runTime time.Duration) jobworker.Handler {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, job jobworker.Job, data map[string]interface{}) error {
		time.Sleep(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond)
		if rand.Float64() < failureRate {
			return errors.New("handler failed")
		}
		return nil
	}
}
