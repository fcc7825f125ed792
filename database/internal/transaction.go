// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package internal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// NewBackOff returns the default backoff of the retry helpers.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

// Run runs fn with the given database connection.
// Run recovers from panics, e.g. in fn.
func Run(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.DB) error) (err error) {
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
		}
	}()
	return fn(ctx, db)
}

// RunWithRetry is like Run but retries fn with exponential backoff as
// long as retryable reports true for its error.
func RunWithRetry(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.DB) error, retryable func(error) bool, b backoff.BackOff) (err error) {
	return retry(ctx, func() error { return Run(ctx, db, fn) }, retryable, b)
}

// RunInTx runs fn in a database transaction.
// The context ctx is passed to fn, as well as the newly created
// transaction.
//
// There are a few rules that fn must respect:
//
// 1. fn must use the passed tx reference for all database calls.
// 2. fn must not commit or rollback the transaction: Run will do that.
// 3. fn must be idempotent, i.e. it may be called several times
//    without side effects.
//
// If fn returns nil, RunInTx commits the transaction, returning
// the Commit and a nil error if it succeeds.
//
// If fn returns a non-nil value, RunInTx rolls back the
// transaction and will return the reported error from fn.
//
// RunInTx also recovers from panics, e.g. in fn.
func RunInTx(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RunInTxWithRetry is like RunInTx but will retry several times with
// the given backoff while retryable reports true for the error. A nil
// backoff uses NewBackOff.
func RunInTxWithRetry(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error, retryable func(error) bool, b backoff.BackOff) (err error) {
	return retry(ctx, func() error { return RunInTx(ctx, db, fn) }, retryable, b)
}

func retry(ctx context.Context, op func() error, retryable func(error) bool, b backoff.BackOff) (err error) {
	if b == nil {
		b = NewBackOff()
	}
	b.Reset()
	for {
		if err = op(); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
