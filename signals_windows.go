// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

//go:build windows

package jobworker

import (
	"os"
	"os/signal"
)

// ListenForSignals makes an interrupt quit the loop. Pause and resume
// are not available on Windows.
func ListenForSignals(state *RunState) (stop func()) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigc:
			state.Quit()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigc)
		close(done)
	}
}
