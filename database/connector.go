// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package database implements a connector and a failed job store on top
// of database/sql. MySQL, PostgreSQL (via pgx) and SQLite are supported.
//
// The connector expects a table like this (MySQL syntax):
//
//	CREATE TABLE jobs (
//	  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
//	  queue VARCHAR(255) NOT NULL,
//	  payload LONGTEXT NOT NULL,
//	  attempts INT UNSIGNED NOT NULL DEFAULT 0,
//	  reserve_time BIGINT NULL,
//	  available_time BIGINT NOT NULL,
//	  create_time BIGINT NOT NULL,
//	  INDEX ix_jobs_queue (queue)
//	);
//
// Times are stored in Unix seconds.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/olivere/jobworker"
	"github.com/olivere/jobworker/database/internal"
)

const (
	// DefaultTable is the name of the jobs table.
	DefaultTable = "jobs"

	// DefaultQueue is used when a call passes no queue name.
	DefaultQueue = "default"

	// DefaultRetryAfter is the time after which a reserved job is handed
	// out again.
	DefaultRetryAfter = 60 * time.Second
)

// errReserveConflict is returned when another worker reserved a job
// between select and update. The transaction is retried.
var errReserveConflict = errors.New("database: job reserved concurrently")

// Connector is a jobworker.Connector backed by a SQL table.
type Connector struct {
	db         *sql.DB
	ownsDB     bool
	driver     string
	name       string
	table      string
	queue      string
	retryAfter time.Duration
	builder    sq.StatementBuilderType
	logger     *zap.Logger
	newBackoff func() backoff.BackOff
	now        func() time.Time
}

// Option is an options provider for Connector.
type Option func(*Connector)

// SetConnectionName specifies the name of the connection reported by jobs.
func SetConnectionName(name string) Option {
	return func(c *Connector) {
		c.name = name
	}
}

// SetTable overrides the default table name.
func SetTable(table string) Option {
	return func(c *Connector) {
		if table != "" {
			c.table = table
		}
	}
}

// SetQueue overrides the default queue name.
func SetQueue(queue string) Option {
	return func(c *Connector) {
		if queue != "" {
			c.queue = queue
		}
	}
}

// SetRetryAfter specifies after how long a reserved job that has been
// neither deleted nor released becomes available again.
func SetRetryAfter(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.retryAfter = d
		}
	}
}

// SetLogger specifies the logger.
func SetLogger(logger *zap.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a connector on an open database. The driver name selects
// the SQL dialect.
func New(db *sql.DB, driver string, options ...Option) *Connector {
	c := &Connector{
		db:         db,
		driver:     driver,
		name:       "database",
		table:      DefaultTable,
		queue:      DefaultQueue,
		retryAfter: DefaultRetryAfter,
		builder:    builderFor(driver),
		logger:     zap.NewNop(),
		newBackoff: internal.NewBackOff,
		now:        time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Open opens the database and creates a connector on it. Close the
// connector to close the database.
func Open(ctx context.Context, driver, dsn string, options ...Option) (*Connector, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	c := New(db, driver, options...)
	c.ownsDB = true
	return c, nil
}

// Close closes the database if it has been opened by Open.
func (c *Connector) Close() error {
	if c.ownsDB {
		return c.db.Close()
	}
	return nil
}

func (c *Connector) queueName(queue string) string {
	if queue == "" {
		return c.queue
	}
	return queue
}

// Push adds a job for immediate delivery.
func (c *Connector) Push(ctx context.Context, target string, data map[string]interface{}, queue string, options ...jobworker.PushOption) (string, error) {
	body, err := jobworker.EncodeNewPayload(target, data, options...)
	if err != nil {
		return "", err
	}
	return c.PushRaw(ctx, body, queue, 0)
}

// PushDelayed adds a job that becomes available after delay.
func (c *Connector) PushDelayed(ctx context.Context, delay time.Duration, target string, data map[string]interface{}, queue string, options ...jobworker.PushOption) (string, error) {
	body, err := jobworker.EncodeNewPayload(target, data, options...)
	if err != nil {
		return "", err
	}
	return c.PushRaw(ctx, body, queue, delay)
}

// PushRaw adds an encoded job.
func (c *Connector) PushRaw(ctx context.Context, payload []byte, queue string, delay time.Duration) (string, error) {
	p, err := jobworker.DecodePayload(payload)
	if err != nil {
		return "", err
	}
	err = internal.RunWithRetry(ctx, c.db, func(ctx context.Context, db *sql.DB) error {
		return c.insert(ctx, db, c.queueName(queue), payload, 0, delay)
	}, internal.IsDeadlock, c.newBackoff())
	if err != nil {
		return "", &jobworker.BrokerError{Op: "push", Queue: c.queueName(queue), Err: err}
	}
	return p.ID, nil
}

func (c *Connector) insert(ctx context.Context, runner sq.BaseRunner, queue string, payload []byte, attempts int, delay time.Duration) error {
	now := c.now()
	_, err := c.builder.Insert(c.table).
		Columns("queue", "payload", "attempts", "reserve_time", "available_time", "create_time").
		Values(queue, string(payload), attempts, nil, now.Add(delay).Unix(), now.Unix()).
		RunWith(runner).
		ExecContext(ctx)
	return err
}

// Pop reserves the oldest available job of queue. A job is available if
// it is not reserved and its delay has passed, or if its reservation is
// older than the retry-after interval.
func (c *Connector) Pop(ctx context.Context, queue string) (jobworker.Job, error) {
	queue = c.queueName(queue)
	var job *Job
	err := internal.RunInTxWithRetry(ctx, c.db, func(ctx context.Context, tx *sql.Tx) error {
		job = nil
		now := c.now().Unix()
		expired := now - int64(c.retryAfter/time.Second)
		available := sq.Or{
			sq.And{sq.Eq{"reserve_time": nil}, sq.LtOrEq{"available_time": now}},
			sq.LtOrEq{"reserve_time": expired},
		}

		q := c.builder.Select("id", "payload", "attempts").
			From(c.table).
			Where(sq.Eq{"queue": queue}).
			Where(available).
			OrderBy("id ASC").
			Limit(1)
		if supportsForUpdate(c.driver) {
			q = q.Suffix("FOR UPDATE")
		}
		var (
			id       int64
			payload  string
			attempts int
		)
		err := q.RunWith(tx).QueryRowContext(ctx).Scan(&id, &payload, &attempts)
		if internal.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := c.builder.Update(c.table).
			Set("reserve_time", now).
			Set("attempts", sq.Expr("attempts + 1")).
			Where(sq.Eq{"id": id}).
			Where(sq.Or{sq.Eq{"reserve_time": nil}, sq.LtOrEq{"reserve_time": expired}}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return errReserveConflict
		}

		job = newJob(c, queue, id, []byte(payload), attempts+1)
		return nil
	}, func(err error) bool {
		return internal.IsDeadlock(err) || errors.Is(err, errReserveConflict)
	}, c.newBackoff())
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	c.logger.Debug("database: job reserved",
		zap.String("queue", queue),
		zap.Int64("row", job.row),
		zap.Int("attempts", job.attempts))
	return job, nil
}

// Size returns the number of jobs in queue, reserved ones included.
func (c *Connector) Size(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := c.builder.Select("COUNT(*)").
		From(c.table).
		Where(sq.Eq{"queue": c.queueName(queue)}).
		RunWith(c.db).
		QueryRowContext(ctx).
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("database: size of %s: %w", queue, err)
	}
	return n, nil
}

func (c *Connector) deleteRow(ctx context.Context, runner sq.BaseRunner, id int64) error {
	_, err := c.builder.Delete(c.table).
		Where(sq.Eq{"id": id}).
		RunWith(runner).
		ExecContext(ctx)
	return err
}

// release replaces the reserved row by a new one that becomes available
// after delay.
func (c *Connector) release(ctx context.Context, j *Job, delay time.Duration) error {
	return internal.RunInTxWithRetry(ctx, c.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := c.deleteRow(ctx, tx, j.row); err != nil {
			return err
		}
		return c.insert(ctx, tx, j.Queue(), j.RawBody(), j.attempts, delay)
	}, internal.IsDeadlock, c.newBackoff())
}
