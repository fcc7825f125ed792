// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

// Stats returns statistics about a worker.
type Stats struct {
	Processed  int `json:"processed"`  // number of jobs that completed successfully
	Released   int `json:"released"`   // number of jobs put back into the queue
	Failed     int `json:"failed"`     // number of jobs moved to the failed job store
	Exceptions int `json:"exceptions"` // number of failing runs
}
