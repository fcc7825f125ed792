// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import "sync"

// RunState is the cooperative control state of a worker loop: running,
// paused or cancelled. It is checked once per loop iteration; a running
// job is never interrupted by it.
type RunState struct {
	mu     sync.Mutex
	paused bool
	quit   bool
}

// Pause stops fetching new jobs until Resume is called.
func (s *RunState) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume continues fetching jobs.
func (s *RunState) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Quit asks the loop to stop after the current iteration.
func (s *RunState) Quit() {
	s.mu.Lock()
	s.quit = true
	s.mu.Unlock()
}

// Paused reports whether the loop is paused.
func (s *RunState) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// ShouldQuit reports whether Quit has been called.
func (s *RunState) ShouldQuit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quit
}
