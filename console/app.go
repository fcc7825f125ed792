// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package console

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/olivere/jobworker"
	"github.com/olivere/jobworker/amqp"
	"github.com/olivere/jobworker/database"
	"github.com/olivere/jobworker/internal/config"
	"github.com/olivere/jobworker/metrics"
	"github.com/olivere/jobworker/mongodb"
	"github.com/olivere/jobworker/redis"
)

// App builds the manager, cache and failed job store from the
// configuration. Resources are created on first use and released by
// Close.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.Mutex
	cache   jobworker.Cache
	failed  jobworker.FailedJobStore
	manager *jobworker.Manager
	closers []io.Closer
}

// NewApp creates an application for cfg.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger}
}

// Config returns the configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Cache returns the cache shared between worker processes.
func (a *App) Cache(ctx context.Context) (jobworker.Cache, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache != nil {
		return a.cache, nil
	}
	switch a.cfg.Cache.Type {
	case "", "memory":
		a.cache = jobworker.NewInMemoryCache()
	case "redis":
		client, err := redis.Dial(ctx, redis.ClientOptions{
			Addr:     hostPort(a.cfg.Cache.Host, a.cfg.Cache.Port, 6379),
			Password: a.cfg.Cache.Password,
			DB:       a.cfg.Cache.Select,
		})
		if err != nil {
			return nil, fmt.Errorf("console: cache: %w", err)
		}
		a.closers = append(a.closers, client)
		a.cache = redis.NewCache(client, "")
	default:
		return nil, fmt.Errorf("console: unknown cache type %q", a.cfg.Cache.Type)
	}
	return a.cache, nil
}

// FailedStore returns the failed job store.
func (a *App) FailedStore(ctx context.Context) (jobworker.FailedJobStore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed != nil {
		return a.failed, nil
	}
	f := a.cfg.Failed
	switch f.Type {
	case "", "none":
		a.failed = jobworker.NullFailedStore{}
	case "memory":
		a.failed = jobworker.NewInMemoryFailedStore()
	case "database":
		st, err := database.OpenFailedStore(ctx, f.Driver, f.DSN,
			database.SetFailedTable(f.Table),
			database.SetFailedLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("console: failed job store: %w", err)
		}
		a.closers = append(a.closers, st)
		a.failed = st
	case "mongodb":
		st, err := mongodb.NewStore(f.URL,
			mongodb.SetCollectionName(f.Collection),
			mongodb.SetLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("console: failed job store: %w", err)
		}
		a.closers = append(a.closers, st)
		a.failed = st
	default:
		return nil, fmt.Errorf("console: unknown failed job store type %q", f.Type)
	}
	return a.failed, nil
}

// Manager returns the manager. Connections are created from the
// configuration when they are first used.
func (a *App) Manager(registry *jobworker.Registry) *jobworker.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.manager != nil {
		return a.manager
	}
	var m *jobworker.Manager
	m = jobworker.New(
		jobworker.SetRegistry(registry),
		jobworker.SetDefaultConnection(a.cfg.Default),
		jobworker.SetManagerLogger(a.logger),
		jobworker.SetConnectionFactory(func(ctx context.Context, name string) (jobworker.Connector, error) {
			return a.newConnector(ctx, m, name)
		}),
	)
	a.manager = m
	return m
}

// MetricsSink returns a Prometheus sink for the worker.
func (a *App) MetricsSink() *metrics.Sink {
	return metrics.New(
		metrics.SetPushgateway(a.cfg.Metrics.Pushgateway, a.cfg.Metrics.Job),
		metrics.SetLogger(a.logger))
}

func (a *App) newConnector(ctx context.Context, m *jobworker.Manager, name string) (jobworker.Connector, error) {
	name, cc, err := a.cfg.Connection(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", jobworker.ErrUnknownConnection, name)
	}
	retryAfter := seconds(cc.RetryAfter)

	switch cc.Type {
	case "sync":
		return jobworker.NewSyncConnector(m, name), nil
	case "database":
		c, err := database.Open(ctx, cc.Driver, cc.DSN,
			database.SetConnectionName(name),
			database.SetTable(cc.Table),
			database.SetQueue(cc.Queue),
			database.SetRetryAfter(retryAfter),
			database.SetLogger(a.logger))
		if err != nil {
			return nil, err
		}
		return c, nil
	case "redis":
		client, err := redis.Dial(ctx, redis.ClientOptions{
			Addr:        hostPort(cc.Host, cc.Port, 6379),
			Password:    cc.Password,
			DB:          cc.Select,
			DialTimeout: seconds(cc.Timeout),
		})
		if err != nil {
			return nil, err
		}
		return redis.New(client,
			redis.SetConnectionName(name),
			redis.SetQueue(cc.Queue),
			redis.SetRetryAfter(retryAfter),
			redis.SetBlockFor(seconds(cc.BlockFor)),
			redis.SetLogger(a.logger)), nil
	case "amqp":
		cache, err := a.Cache(ctx)
		if err != nil {
			return nil, err
		}
		pool := amqp.NewPool(amqp.URL(cc.Host, cc.Port, cc.Username, cc.Password, cc.Vhost),
			amqp.SetPoolLogger(a.logger))
		a.mu.Lock()
		a.closers = append(a.closers, pool)
		a.mu.Unlock()
		return amqp.New(pool,
			amqp.SetConnectionName(name),
			amqp.SetQueue(cc.Queue),
			amqp.SetExchange(cc.Exchange),
			amqp.SetAutoAck(cc.AutoAck),
			amqp.SetPersistent(cc.Persistent),
			amqp.SetCache(cache),
			amqp.SetLogger(a.logger)), nil
	}
	return nil, fmt.Errorf("console: connection %s has unknown type %q", name, cc.Type)
}

// Close releases the connections and stores of the application.
func (a *App) Close() error {
	a.mu.Lock()
	m := a.manager
	closers := a.closers
	a.manager, a.closers = nil, nil
	a.mu.Unlock()

	var firstErr error
	if m != nil {
		firstErr = m.Close()
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func hostPort(host string, port, defaultPort int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	if port <= 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
