// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler is responsible to process a job for a certain target.
type Handler func(ctx context.Context, job Job, data map[string]interface{}) error

// FailedHandler is called once a job failed permanently. It gets the data
// of the job and the error of the last run.
type FailedHandler func(ctx context.Context, data map[string]interface{}, err error)

// Registry maps job targets to handlers. Register all handlers before
// starting workers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler       // maps "Name@method" to handler
	failed   map[string]FailedHandler // maps "Name" to failure callback
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		failed:   make(map[string]FailedHandler),
	}
}

func normalizeTarget(target string) string {
	name, method := ParseTarget(target)
	return name + "@" + method
}

// Register associates h with target. A target without "@method" is
// registered for DefaultMethod.
func (r *Registry) Register(target string, h Handler) error {
	if target == "" {
		return fmt.Errorf("jobworker: empty job target")
	}
	if h == nil {
		return fmt.Errorf("jobworker: nil handler for %s", target)
	}
	key := normalizeTarget(target)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.handlers[key]; found {
		return fmt.Errorf("jobworker: job %s already registered", key)
	}
	r.handlers[key] = h
	return nil
}

// RegisterFailed associates a failure callback with the job name (the part
// of the target before "@").
func (r *Registry) RegisterFailed(name string, h FailedHandler) error {
	name, _ = ParseTarget(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.failed[name]; found {
		return fmt.Errorf("jobworker: failure callback for %s already registered", name)
	}
	r.failed[name] = h
	return nil
}

// Lookup returns the handler for target, or an error wrapping
// ErrUnknownJob.
func (r *Registry) Lookup(target string) (Handler, error) {
	key := normalizeTarget(target)
	r.mu.RLock()
	h, found := r.handlers[key]
	r.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, key)
	}
	return h, nil
}

// LookupFailed returns the failure callback for the job target.
func (r *Registry) LookupFailed(target string) (FailedHandler, bool) {
	name, _ := ParseTarget(target)
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, found := r.failed[name]
	return h, found
}

// Has reports whether a handler is registered for target.
func (r *Registry) Has(target string) bool {
	_, err := r.Lookup(target)
	return err == nil
}

// Targets returns the sorted list of registered targets.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}
