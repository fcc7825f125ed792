// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/jobworker"
)

const (
	createJobsSQL = `CREATE TABLE jobs (
id INTEGER PRIMARY KEY AUTOINCREMENT,
queue TEXT NOT NULL,
payload TEXT NOT NULL,
attempts INTEGER NOT NULL DEFAULT 0,
reserve_time INTEGER NULL,
available_time INTEGER NOT NULL,
create_time INTEGER NOT NULL)`

	createFailedJobsSQL = `CREATE TABLE failed_jobs (
id INTEGER PRIMARY KEY AUTOINCREMENT,
uuid TEXT NOT NULL UNIQUE,
connection TEXT NOT NULL,
queue TEXT NOT NULL,
payload TEXT NOT NULL,
exception TEXT NOT NULL,
fail_time INTEGER NOT NULL)`
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(createJobsSQL)
	require.NoError(t, err)
	_, err = db.Exec(createFailedJobsSQL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestConnector(t *testing.T, options ...Option) (*Connector, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	c := New(openTestDB(t), DriverSQLite, options...)
	c.now = clock.Now
	return c, clock
}

func TestConnectorPushAndPop(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestConnector(t, SetConnectionName("db"))

	id, err := c.Push(ctx, "SendMail", map[string]interface{}{"to": "oliver@example.com"}, "")
	require.NoError(t, err)
	require.Len(t, id, 32)

	n, err := c.Size(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	job, err := c.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID())
	assert.Equal(t, "SendMail", job.Name())
	assert.Equal(t, "db", job.Connection())
	assert.Equal(t, DefaultQueue, job.Queue())
	assert.Equal(t, 1, job.Attempts())

	p, err := job.Payload()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"to": "oliver@example.com"}, p.Data)

	// Reserved jobs are not handed out twice.
	next, err := c.Pop(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, next)

	// Reserved jobs still count.
	n, err = c.Size(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestConnectorPopEmpty(t *testing.T) {
	c, _ := newTestConnector(t)
	job, err := c.Pop(context.Background(), "emails")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestConnectorQueuesAreSeparate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestConnector(t)

	_, err := c.Push(ctx, "A", nil, "emails")
	require.NoError(t, err)
	_, err = c.Push(ctx, "B", nil, "reports")
	require.NoError(t, err)

	job, err := c.Pop(ctx, "reports")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "B", job.Name())
	assert.Equal(t, "reports", job.Queue())

	job, err = c.Pop(ctx, "reports")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestConnectorPopIsFIFO(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestConnector(t)
	for _, name := range []string{"A", "B", "C"} {
		_, err := c.Push(ctx, name, nil, "")
		require.NoError(t, err)
	}
	var names []string
	for i := 0; i < 3; i++ {
		job, err := c.Pop(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, job)
		names = append(names, job.Name())
	}
	assert.Equal(t, []string{"A", "B", "C"}, names)
}

func TestConnectorPushDelayed(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestConnector(t)

	data := map[string]interface{}{"url": "https://alt-f4.de"}
	_, err := c.PushDelayed(ctx, 10*time.Second, "Crawl", data, "")
	require.NoError(t, err)

	job, err := c.Pop(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, job, "job must not be available before its delay")

	clock.Advance(10 * time.Second)

	job, err = c.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, job)
	p, err := job.Payload()
	require.NoError(t, err)
	assert.Equal(t, data, p.Data)
}

func TestConnectorRetryAfterExpiredReservation(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestConnector(t, SetRetryAfter(30*time.Second))

	_, err := c.Push(ctx, "A", nil, "")
	require.NoError(t, err)

	job, err := c.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts())

	clock.Advance(29 * time.Second)
	again, err := c.Pop(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, again)

	clock.Advance(time.Second)
	again, err = c.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID(), again.ID())
	assert.Equal(t, 2, again.Attempts())
}

func TestJobDeleteTwice(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestConnector(t)

	_, err := c.Push(ctx, "A", nil, "")
	require.NoError(t, err)
	job, err := c.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, job.Delete(ctx))
	require.NoError(t, job.Delete(ctx))
	assert.True(t, job.IsDeleted())

	n, err := c.Size(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestJobRelease(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestConnector(t)

	_, err := c.Push(ctx, "A", nil, "")
	require.NoError(t, err)
	job, err := c.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, job.Release(ctx, 5*time.Second))
	require.NoError(t, job.Release(ctx, 5*time.Second))
	assert.True(t, job.IsReleased())

	n, err := c.Size(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	again, err := c.Pop(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, again)

	clock.Advance(5 * time.Second)
	again, err = c.Pop(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID(), again.ID())
	assert.Equal(t, 2, again.Attempts())
}

func TestConnectorPushRawRejectsMalformedPayload(t *testing.T) {
	c, _ := newTestConnector(t)
	_, err := c.PushRaw(context.Background(), []byte(`{`), "", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobworker.ErrMalformedMessage))
}

func TestConnectorCustomTable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.Exec(`ALTER TABLE jobs RENAME TO queue_jobs`)
	require.NoError(t, err)

	c := New(db, DriverSQLite, SetTable("queue_jobs"), SetQueue("high"))
	_, err = c.Push(ctx, "A", nil, "")
	require.NoError(t, err)

	n, err := c.Size(ctx, "high")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.NoError(t, c.Close())
}

var errBoom = errors.New("boom")
