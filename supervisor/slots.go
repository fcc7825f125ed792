// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package supervisor

import (
	"context"

	"go.uber.org/zap"

	"github.com/olivere/jobworker"
)

// SlotReleaser is an event sink for worker processes. It decrements the
// process counter of the queue when the worker stops because it was idle.
type SlotReleaser struct {
	jobworker.NopSink
	cache  jobworker.Cache
	logger *zap.Logger
}

// NewSlotReleaser creates a SlotReleaser on the cache shared with the
// supervisor.
func NewSlotReleaser(cache jobworker.Cache, logger *zap.Logger) *SlotReleaser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlotReleaser{cache: cache, logger: logger}
}

// WorkerStopping releases the slot of an idle worker.
func (s *SlotReleaser) WorkerStopping(ev jobworker.WorkerStopping) {
	if !ev.IsIdle || ev.Queue == "" {
		return
	}
	ctx := context.Background()
	key := ProcessCounterKey(ev.Queue)
	n, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("supervisor: cannot read process count", zap.Error(err))
		return
	}
	if !found || n <= 0 {
		return
	}
	if _, err := s.cache.Increment(ctx, key, -1); err != nil {
		s.logger.Warn("supervisor: cannot decrement process count", zap.Error(err))
	}
}
