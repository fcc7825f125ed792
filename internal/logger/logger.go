// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package logger builds the zap logger of the jobworker binaries.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config returns the logger configuration. Debug mode logs at debug level
// in console format, otherwise JSON at info level.
func Config(debug bool) zap.Config {
	level := zap.NewAtomicLevel()
	encoding := "json"
	if debug {
		level.SetLevel(zap.DebugLevel)
		encoding = "console"
	} else {
		level.SetLevel(zap.InfoLevel)
	}

	return zap.Config{
		Level:            level,
		Encoding:         encoding,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:   "msg",
			LevelKey:     "level",
			TimeKey:      "time",
			CallerKey:    "caller",
			EncodeLevel:  zapcore.LowercaseLevelEncoder,
			EncodeTime:   zapcore.ISO8601TimeEncoder,
			EncodeCaller: zapcore.ShortCallerEncoder,
		},
	}
}

// New builds a logger.
func New(debug bool) (*zap.Logger, error) {
	l, err := Config(debug).Build()
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}
