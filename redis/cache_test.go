// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/jobworker"
)

func TestCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	c := NewCache(client, "app:")

	_, found, err := c.Get(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "counter", 3, time.Hour))
	v, found, err := c.Get(ctx, "counter")
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 3, v)
	assert.Equal(t, time.Hour, mr.TTL("app:counter"))

	v, err = c.Increment(ctx, "counter", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	v, err = c.Increment(ctx, "counter", -5)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)

	mr.FastForward(time.Hour)
	_, found, err = c.Get(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheSetWithoutTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	c := NewCache(client, "")

	require.NoError(t, jobworker.Restart(ctx, c))
	assert.True(t, mr.Exists(jobworker.RestartKey))
	assert.Equal(t, time.Duration(0), mr.TTL(jobworker.RestartKey))
}

func TestDial(t *testing.T) {
	mr := miniredisRun(t)
	client, err := Dial(context.Background(), ClientOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestDialGivesUp(t *testing.T) {
	mr := miniredisRun(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Dial(context.Background(), ClientOptions{
		Addr:           addr,
		DialTimeout:    100 * time.Millisecond,
		MaxElapsedTime: 300 * time.Millisecond,
	})
	assert.Error(t, err)
}
