// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/jobworker"
)

func TestFailedStore(t *testing.T) {
	ctx := context.Background()
	st := NewFailedStore(openTestDB(t), DriverSQLite)
	st.now = func() time.Time { return time.Unix(1700000000, 0) }

	list, err := st.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	id1, err := st.Log(ctx, "db", "default", []byte(`{"job":"A"}`), "boom")
	require.NoError(t, err)
	id2, err := st.Log(ctx, "db", "emails", []byte(`{"job":"B"}`), "bang")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	list, err = st.All(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, id2, list[0].ID)
	assert.Equal(t, id1, list[1].ID)

	j, err := st.Find(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "db", j.Connection)
	assert.Equal(t, "default", j.Queue)
	assert.Equal(t, `{"job":"A"}`, j.Payload)
	assert.Equal(t, "boom", j.Exception)
	assert.Equal(t, int64(1700000000), j.FailedAt.Unix())

	_, err = st.Find(ctx, "4711")
	assert.ErrorIs(t, err, jobworker.ErrNotFound)
	_, err = st.Find(ctx, "not-a-number")
	assert.ErrorIs(t, err, jobworker.ErrNotFound)

	ok, err := st.Forget(ctx, id1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.Forget(ctx, id1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Flush(ctx))
	list, err = st.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFailedStoreRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	st := NewFailedStore(openTestDB(t), DriverSQLite)

	body, err := jobworker.EncodeNewPayload("A", nil)
	require.NoError(t, err)

	_, err = st.Log(ctx, "db", "default", body, "boom")
	require.NoError(t, err)
	_, err = st.Log(ctx, "db", "default", body, "boom again")
	assert.ErrorIs(t, err, jobworker.ErrDuplicate)

	// Malformed bodies are told apart by their content.
	_, err = st.Log(ctx, "db", "default", []byte(`{not json`), "boom")
	require.NoError(t, err)
	_, err = st.Log(ctx, "db", "default", []byte(`{not json either`), "boom")
	require.NoError(t, err)
	_, err = st.Log(ctx, "db", "default", []byte(`{not json`), "boom")
	assert.ErrorIs(t, err, jobworker.ErrDuplicate)

	list, err := st.All(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

// eventRecorder records the names of lifecycle events.
type eventRecorder struct {
	jobworker.NopSink
	events []string
}

func (r *eventRecorder) JobProcessing(connection string, job jobworker.Job) {
	r.events = append(r.events, "processing")
}

func (r *eventRecorder) JobProcessed(connection string, job jobworker.Job) {
	r.events = append(r.events, "processed")
}

func (r *eventRecorder) JobExceptionOccurred(connection string, job jobworker.Job, err error) {
	r.events = append(r.events, "exceptionOccurred")
}

func (r *eventRecorder) JobFailed(connection string, job jobworker.Job, err error) {
	r.events = append(r.events, "failed")
}

func TestWorkerOnDatabase(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	conn := New(db, DriverSQLite, SetConnectionName("db"))
	failed := NewFailedStore(db, DriverSQLite)
	sink := &eventRecorder{}

	m := jobworker.New(
		jobworker.SetConnection("db", conn),
		jobworker.SetDefaultConnection("db"),
	)
	runs := 0
	require.NoError(t, m.Register("Import", func(ctx context.Context, job jobworker.Job, data map[string]interface{}) error {
		runs++
		return errBoom
	}))
	w := jobworker.NewWorker(m,
		jobworker.SetEventSink(sink),
		jobworker.SetFailedJobStore(failed),
		jobworker.SetIdleTimeout(0),
	)

	_, err := m.Push(ctx, "Import", map[string]interface{}{"file": "a.csv"}, 0, "", jobworker.WithMaxTries(3))
	require.NoError(t, err)

	opts := jobworker.DaemonOptions{Connection: "db", MaxTries: 1}
	for i := 0; i < 3; i++ {
		require.NoError(t, w.RunNextJob(ctx, opts))
	}
	assert.Equal(t, 3, runs)
	assert.Equal(t, []string{
		"processing", "exceptionOccurred",
		"processing", "exceptionOccurred",
		"processing", "exceptionOccurred", "failed",
	}, sink.events)

	n, err := conn.Size(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	list, err := failed.All(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "db", list[0].Connection)
	assert.Equal(t, DefaultQueue, list[0].Queue)
	assert.Equal(t, errBoom.Error(), list[0].Exception)

	stats := w.Stats()
	assert.Equal(t, 2, stats.Released)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, stats.Exceptions)
}
