// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

//go:build !windows

package jobworker

import (
	"os"
	"os/signal"
	"syscall"
)

// ListenForSignals maps process signals to the run state: SIGTERM and
// SIGINT quit, SIGUSR2 pauses and SIGCONT resumes. Call the returned
// function to stop listening.
func ListenForSignals(state *RunState) (stop func()) {
	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2, syscall.SIGCONT)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigc:
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					state.Quit()
				case syscall.SIGUSR2:
					state.Pause()
				case syscall.SIGCONT:
					state.Resume()
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigc)
		close(done)
	}
}
