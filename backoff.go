// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"math"
	"time"
)

// BackoffFunc is a callback that returns the delay before a failed job is
// retried. It is configurable via the SetBackoffFunc option of the worker.
// It gets the attempts of the job so far and the delay configured for the
// worker.
type BackoffFunc func(attempts int, delay time.Duration) time.Duration

// ConstantBackoff is the default backoff function. It always returns the
// configured delay.
func ConstantBackoff(attempts int, delay time.Duration) time.Duration {
	return delay
}

// maxBackoff caps ExponentialBackoff.
const maxBackoff = 24 * time.Hour

// ExponentialBackoff doubles the configured delay with every attempt,
// i.e. delay * 2^(attempts-1).
func ExponentialBackoff(attempts int, delay time.Duration) time.Duration {
	if attempts <= 1 || delay <= 0 {
		return delay
	}
	d := float64(delay) * math.Pow(2, float64(attempts-1))
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}
