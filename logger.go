// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import "go.uber.org/zap"

// ErrorReporter defines an interface that implementers can use to redirect
// infrastructure errors, e.g. failed fetches or failed store writes, into
// their own application.
type ErrorReporter interface {
	Report(err error, fields ...zap.Field)
}

// zapReporter implements the ErrorReporter interface by wrapping a zap logger.
type zapReporter struct {
	logger *zap.Logger
}

// NewZapReporter returns an ErrorReporter that logs errors at error level.
func NewZapReporter(logger *zap.Logger) ErrorReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return zapReporter{logger: logger}
}

func (r zapReporter) Report(err error, fields ...zap.Field) {
	r.logger.Error("jobworker: error", append(fields, zap.Error(err))...)
}
