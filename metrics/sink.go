// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package metrics counts job lifecycle events with Prometheus.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/olivere/jobworker"
)

// Job statuses used as label values.
const (
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusException  = "exception"
	StatusFailed     = "failed"
)

// Sink is a jobworker.EventSink that counts events. Worker processes are
// short-lived, so the counters can be pushed to a Prometheus pushgateway
// when the worker stops.
type Sink struct {
	registry *prometheus.Registry
	jobs     *prometheus.CounterVec
	stops    *prometheus.CounterVec
	logger   *zap.Logger

	pushURL     string
	pushJob     string
	pushTimeout time.Duration
}

// Option is an options provider for Sink.
type Option func(*Sink)

// SetPushgateway pushes all metrics to the pushgateway at url, grouped
// by job, when the worker stops.
func SetPushgateway(url, job string) Option {
	return func(s *Sink) {
		s.pushURL = url
		if job != "" {
			s.pushJob = job
		}
	}
}

// SetLogger specifies the logger.
func SetLogger(logger *zap.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a sink with its own registry.
func New(options ...Option) *Sink {
	s := &Sink{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobworker",
			Name:      "jobs_total",
			Help:      "Number of job lifecycle events by connection, queue and status.",
		}, []string{"connection", "queue", "status"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobworker",
			Name:      "worker_stops_total",
			Help:      "Number of worker stops by exit status.",
		}, []string{"status", "idle"}),
		logger:      zap.NewNop(),
		pushJob:     "jobworker",
		pushTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(s)
	}
	s.registry.MustRegister(s.jobs, s.stops)
	return s
}

// Gatherer returns the registry of the sink.
func (s *Sink) Gatherer() prometheus.Gatherer {
	return s.registry
}

func (s *Sink) count(connection string, job jobworker.Job, status string) {
	s.jobs.WithLabelValues(connection, job.Queue(), status).Inc()
}

func (s *Sink) JobProcessing(connection string, job jobworker.Job) {
	s.count(connection, job, StatusProcessing)
}

func (s *Sink) JobProcessed(connection string, job jobworker.Job) {
	s.count(connection, job, StatusProcessed)
}

func (s *Sink) JobExceptionOccurred(connection string, job jobworker.Job, err error) {
	s.count(connection, job, StatusException)
}

func (s *Sink) JobFailed(connection string, job jobworker.Job, err error) {
	s.count(connection, job, StatusFailed)
}

// WorkerStopping counts the stop and pushes the metrics.
func (s *Sink) WorkerStopping(ev jobworker.WorkerStopping) {
	s.stops.WithLabelValues(strconv.Itoa(ev.Status), strconv.FormatBool(ev.IsIdle)).Inc()
	if err := s.Push(context.Background()); err != nil {
		s.logger.Warn("metrics: push failed", zap.String("url", s.pushURL), zap.Error(err))
	}
}

// Push sends all metrics to the pushgateway. It does nothing if no
// pushgateway is configured.
func (s *Sink) Push(ctx context.Context) error {
	if s.pushURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()
	return push.New(s.pushURL, s.pushJob).Gatherer(s.registry).PushContext(ctx)
}
