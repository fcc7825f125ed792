// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/olivere/jobworker"
	"github.com/olivere/jobworker/database/internal"
)

// DefaultFailedTable is the name of the failed jobs table.
const DefaultFailedTable = "failed_jobs"

// FailedStore logs permanently failed jobs into a SQL table like this
// (MySQL syntax):
//
//	CREATE TABLE failed_jobs (
//	  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
//	  uuid VARCHAR(64) NOT NULL UNIQUE,
//	  connection TEXT NOT NULL,
//	  queue TEXT NOT NULL,
//	  payload LONGTEXT NOT NULL,
//	  exception LONGTEXT NOT NULL,
//	  fail_time BIGINT NOT NULL
//	);
//
// It implements jobworker.FailedJobStore.
type FailedStore struct {
	db         *sql.DB
	ownsDB     bool
	driver     string
	table      string
	builder    sq.StatementBuilderType
	logger     *zap.Logger
	newBackoff func() backoff.BackOff
	now        func() time.Time
}

// FailedStoreOption is an options provider for FailedStore.
type FailedStoreOption func(*FailedStore)

// SetFailedTable overrides the default table name.
func SetFailedTable(table string) FailedStoreOption {
	return func(st *FailedStore) {
		if table != "" {
			st.table = table
		}
	}
}

// SetFailedLogger specifies the logger.
func SetFailedLogger(logger *zap.Logger) FailedStoreOption {
	return func(st *FailedStore) {
		if logger != nil {
			st.logger = logger
		}
	}
}

// NewFailedStore creates a failed job store on an open database.
func NewFailedStore(db *sql.DB, driver string, options ...FailedStoreOption) *FailedStore {
	st := &FailedStore{
		db:         db,
		driver:     driver,
		table:      DefaultFailedTable,
		builder:    builderFor(driver),
		logger:     zap.NewNop(),
		newBackoff: internal.NewBackOff,
		now:        time.Now,
	}
	for _, opt := range options {
		opt(st)
	}
	return st
}

// OpenFailedStore opens the database and creates a failed job store on it.
func OpenFailedStore(ctx context.Context, driver, dsn string, options ...FailedStoreOption) (*FailedStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	st := NewFailedStore(db, driver, options...)
	st.ownsDB = true
	return st, nil
}

// Close closes the database if it has been opened by OpenFailedStore.
func (st *FailedStore) Close() error {
	if st.ownsDB {
		return st.db.Close()
	}
	return nil
}

func (st *FailedStore) selectJobs() sq.SelectBuilder {
	return st.builder.
		Select("id", "connection", "queue", "payload", "exception", "fail_time").
		From(st.table)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFailedJob(row rowScanner) (*jobworker.FailedJob, error) {
	var (
		id       int64
		failTime int64
		j        jobworker.FailedJob
	)
	if err := row.Scan(&id, &j.Connection, &j.Queue, &j.Payload, &j.Exception, &failTime); err != nil {
		return nil, err
	}
	j.ID = strconv.FormatInt(id, 10)
	j.FailedAt = time.Unix(failTime, 0)
	return &j, nil
}

// All returns the failed jobs, most recent first.
func (st *FailedStore) All(ctx context.Context) ([]*jobworker.FailedJob, error) {
	rows, err := st.selectJobs().
		OrderBy("id DESC").
		RunWith(st.db).
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*jobworker.FailedJob
	for rows.Next() {
		j, err := scanFailedJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// Find returns the failed job with the given id or jobworker.ErrNotFound.
func (st *FailedStore) Find(ctx context.Context, id string) (*jobworker.FailedJob, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, jobworker.ErrNotFound
	}
	j, err := scanFailedJob(st.selectJobs().
		Where(sq.Eq{"id": n}).
		RunWith(st.db).
		QueryRowContext(ctx))
	if internal.IsNotFound(err) {
		return nil, jobworker.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Forget removes the failed job with the given id. It returns true if
// a row was removed.
func (st *FailedStore) Forget(ctx context.Context, id string) (bool, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, nil
	}
	res, err := st.builder.Delete(st.table).
		Where(sq.Eq{"id": n}).
		RunWith(st.db).
		ExecContext(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Flush removes all failed jobs.
func (st *FailedStore) Flush(ctx context.Context) error {
	_, err := st.builder.Delete(st.table).RunWith(st.db).ExecContext(ctx)
	return err
}

// Log adds a failed job and returns its id. A job whose uuid has been
// logged before is rejected with jobworker.ErrDuplicate.
func (st *FailedStore) Log(ctx context.Context, connection, queue string, payload []byte, exception string) (string, error) {
	var id int64
	uuid := jobworker.FailedJobUUID(payload)
	err := internal.RunWithRetry(ctx, st.db, func(ctx context.Context, db *sql.DB) error {
		q := st.builder.Insert(st.table).
			Columns("uuid", "connection", "queue", "payload", "exception", "fail_time").
			Values(uuid, connection, queue, string(payload), exception, st.now().Unix())
		if st.driver == DriverPostgres {
			return q.Suffix("RETURNING id").RunWith(db).QueryRowContext(ctx).Scan(&id)
		}
		res, err := q.RunWith(db).ExecContext(ctx)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	}, internal.IsDeadlock, st.newBackoff())
	if internal.IsDup(err) {
		return "", fmt.Errorf("%w: %s", jobworker.ErrDuplicate, uuid)
	}
	if err != nil {
		return "", err
	}
	st.logger.Debug("database: failed job logged",
		zap.Int64("id", id),
		zap.String("connection", connection),
		zap.String("queue", queue))
	return strconv.FormatInt(id, 10), nil
}
