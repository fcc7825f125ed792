// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package redis implements a connector and a shared cache on top of Redis.
package redis

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	goredis "github.com/redis/go-redis/v9"
)

// ClientOptions specifies how to connect to Redis.
type ClientOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	// MaxElapsedTime limits how long Dial keeps trying to reach the server.
	MaxElapsedTime time.Duration
}

// Dial creates a client and waits until the server answers a PING,
// retrying with exponential backoff.
func Dial(ctx context.Context, opts ClientOptions) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	if opts.MaxElapsedTime > 0 {
		b.MaxElapsedTime = opts.MaxElapsedTime
	}
	err := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(b, ctx))
	if err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
