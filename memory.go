// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobworker

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessRSS returns the resident set size of the current process in bytes.
func ProcessRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

// MemoryExceeded reports whether rss bytes reach the limit in megabytes.
// A limit <= 0 is never exceeded.
func MemoryExceeded(rss uint64, limitMB int) bool {
	if limitMB <= 0 {
		return false
	}
	return rss/1024/1024 >= uint64(limitMB)
}
