// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultConnection is the name of the connection used when none
	// is configured.
	DefaultConnection = "sync"
)

// Manager holds the named broker connections of a process and is the
// producer API to push jobs. Create a new manager via New.
type Manager struct {
	logger            *zap.Logger
	registry          *Registry
	defaultConnection string
	factory           ConnectorFactory

	mu          sync.Mutex           // guards the following block
	connections map[string]Connector // maps connection name to connector
	runner      syncRunner           // executes jobs of sync connections
}

// syncRunner executes a job in-process.
type syncRunner interface {
	RunSync(ctx context.Context, connection string, job Job) error
}

// New creates a new manager. Pass options to Manager to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:            zap.NewNop(),
		registry:          NewRegistry(),
		defaultConnection: DefaultConnection,
		connections:       make(map[string]Connector),
	}
	m.factory = m.defaultFactory
	for _, opt := range options {
		opt(m)
	}
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetManagerLogger specifies the logger of the manager.
func SetManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// SetRegistry specifies the handler registry. Targets of pushed jobs are
// validated against it. Pass nil to disable validation, e.g. in producer
// processes that have no handlers.
func SetRegistry(r *Registry) ManagerOption {
	return func(m *Manager) {
		m.registry = r
	}
}

// SetDefaultConnection specifies the connection used by Push and Later.
func SetDefaultConnection(name string) ManagerOption {
	return func(m *Manager) {
		m.defaultConnection = name
	}
}

// SetConnection registers a connector under the given name.
func SetConnection(name string, c Connector) ManagerOption {
	return func(m *Manager) {
		m.connections[name] = c
	}
}

// SetConnectionFactory specifies how connectors are created for
// connection names that have not been registered with SetConnection.
func SetConnectionFactory(f ConnectorFactory) ManagerOption {
	return func(m *Manager) {
		if f != nil {
			m.factory = f
		} else {
			m.factory = m.defaultFactory
		}
	}
}

// defaultFactory knows the sync connection only.
func (m *Manager) defaultFactory(ctx context.Context, name string) (Connector, error) {
	if name == DefaultConnection {
		return NewSyncConnector(m, name), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, name)
}

// Registry returns the handler registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Register registers a handler for the target.
func (m *Manager) Register(target string, h Handler) error {
	if m.registry == nil {
		return errors.New("jobworker: manager has no registry")
	}
	return m.Registry().Register(target, h)
}

// DefaultConnectionName returns the name of the default connection.
func (m *Manager) DefaultConnectionName() string {
	return m.defaultConnection
}

// Connection returns the connector with the given name, creating it on
// first use. An empty name returns the default connection.
func (m *Manager) Connection(ctx context.Context, name string) (Connector, error) {
	if name == "" {
		name = m.defaultConnection
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, found := m.connections[name]; found {
		return c, nil
	}
	c, err := m.factory(ctx, name)
	if err != nil {
		if errors.Is(err, ErrUnknownConnection) {
			return nil, err
		}
		return nil, fmt.Errorf("%w %s: %v", ErrConnectorConstruction, name, err)
	}
	m.connections[name] = c
	m.logger.Debug("jobworker: connection created", zap.String("connection", name))
	return c, nil
}

// -- Push --

// Push enqueues a job on the default connection. A delay > 0 makes the
// job available no earlier than now+delay.
func (m *Manager) Push(ctx context.Context, target string, data map[string]interface{}, delay time.Duration, queue string, options ...PushOption) (string, error) {
	return m.PushOn(ctx, "", target, data, delay, queue, options...)
}

// Later enqueues a delayed job on the default connection.
func (m *Manager) Later(ctx context.Context, delay time.Duration, target string, data map[string]interface{}, queue string, options ...PushOption) (string, error) {
	return m.PushOn(ctx, "", target, data, delay, queue, options...)
}

// PushOn enqueues a job on the named connection.
func (m *Manager) PushOn(ctx context.Context, connection, target string, data map[string]interface{}, delay time.Duration, queue string, options ...PushOption) (string, error) {
	if target == "" {
		return "", errors.New("jobworker: no job target specified")
	}
	if m.registry != nil && !m.registry.Has(target) {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, target)
	}
	c, err := m.Connection(ctx, connection)
	if err != nil {
		return "", err
	}
	if delay > 0 {
		return c.PushDelayed(ctx, delay, target, data, queue, options...)
	}
	return c.Push(ctx, target, data, queue, options...)
}

// Size returns the number of jobs in queue of the named connection.
func (m *Manager) Size(ctx context.Context, connection, queue string) (int64, error) {
	c, err := m.Connection(ctx, connection)
	if err != nil {
		return 0, err
	}
	return c.Size(ctx, queue)
}

// -- Sync execution --

// attachRunner is called by NewWorker.
func (m *Manager) attachRunner(r syncRunner) {
	m.mu.Lock()
	m.runner = r
	m.mu.Unlock()
}

// runSync executes job with the attached worker.
func (m *Manager) runSync(ctx context.Context, connection string, job Job) error {
	m.mu.Lock()
	r := m.runner
	m.mu.Unlock()
	if r == nil {
		return fmt.Errorf("jobworker: no worker attached to run job %s on connection %s", job.Name(), connection)
	}
	return r.RunSync(ctx, connection, job)
}

// Close closes all connectors that can be closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, c := range m.connections {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("jobworker: close connection %s: %w", name, err)
			}
		}
		delete(m.connections, name)
	}
	return firstErr
}
