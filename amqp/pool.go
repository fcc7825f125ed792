// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package amqp

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// URL builds an AMQP URL from its parts.
func URL(host string, port int, username, password, vhost string) string {
	if port <= 0 {
		port = 5672
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Vhost:    vhost,
	}.String()
}

// Pool owns the AMQP connection of a process and the channel shared by
// the connectors using it. The connection is dialed on first use and
// dialed again once it has been closed. Pool is safe for concurrent use.
type Pool struct {
	url        string
	logger     *zap.Logger
	dial       func(url string) (*amqp.Connection, error)
	newBackoff func() backoff.BackOff

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// PoolOption is an options provider for Pool.
type PoolOption func(*Pool)

// SetPoolLogger specifies the logger.
func SetPoolLogger(logger *zap.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// SetDialBackoff specifies the backoff between dial attempts.
func SetDialBackoff(f func() backoff.BackOff) PoolOption {
	return func(p *Pool) {
		if f != nil {
			p.newBackoff = f
		}
	}
}

// NewPool creates a pool for the broker at url. It does not connect.
func NewPool(url string, options ...PoolOption) *Pool {
	p := &Pool{
		url:    url,
		logger: zap.NewNop(),
		dial:   amqp.Dial,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Channel returns the shared channel, connecting if necessary.
func (p *Pool) Channel(ctx context.Context) (Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		if err := p.connect(ctx); err != nil {
			return nil, err
		}
	}
	ch, err := p.conn.Channel()
	if err != nil {
		// The connection may have died in between. Dial once more.
		if err := p.connect(ctx); err != nil {
			return nil, err
		}
		if ch, err = p.conn.Channel(); err != nil {
			return nil, err
		}
	}
	p.ch = ch
	return ch, nil
}

// connect dials the broker with backoff. The caller must hold p.mu.
func (p *Pool) connect(ctx context.Context) error {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		c, err := p.dial(p.url)
		if err != nil {
			p.logger.Warn("amqp: dial failed", zap.Error(err))
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(p.newBackoff(), ctx))
	if err != nil {
		return err
	}
	p.conn = conn
	p.logger.Debug("amqp: connected")
	return nil
}

// Close closes the channel and the connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}
	return nil
}
