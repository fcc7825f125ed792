// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"context"
	"time"
)

// FailedJob is an entry of the failed job ledger. It is never modified
// after it has been logged.
type FailedJob struct {
	ID         string    `json:"id"`
	Connection string    `json:"connection"`
	Queue      string    `json:"queue"`
	Payload    string    `json:"payload"`
	Exception  string    `json:"exception"`
	FailedAt   time.Time `json:"failed_at"`
}

// FailedJobStore implements persistent storage of jobs that exhausted
// their tries or their deadline.
type FailedJobStore interface {
	// All returns all failed jobs, most recent first.
	All(ctx context.Context) ([]*FailedJob, error)

	// Find returns a single failed job by its identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Find(ctx context.Context, id string) (*FailedJob, error)

	// Forget removes a single failed job. It returns true if a job has
	// been removed.
	Forget(ctx context.Context, id string) (bool, error)

	// Flush removes all failed jobs.
	Flush(ctx context.Context) error

	// Log adds a failed job and returns its identifier. The payload is
	// stored as-is, even if it is not valid JSON. Stores that detect a job
	// logged twice return ErrDuplicate.
	Log(ctx context.Context, connection, queue string, payload []byte, exception string) (string, error)
}

// FailedJobUUID returns the identifier of the job in payload, or the
// MalformedJobID of payload if it has none.
func FailedJobUUID(payload []byte) string {
	if p, err := DecodePayload(payload); err == nil && p.ID != "" {
		return p.ID
	}
	return MalformedJobID(payload)
}
