// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package supervisor

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// countWorkerProcesses counts the running worker processes of the queue
// in opts. Processes whose command line cannot be read are skipped.
func countWorkerProcesses(ctx context.Context, opts Options) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	self := int32(os.Getpid())
	n := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		argv, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		if isWorkerCmdline(argv, opts.Connection, opts.Queue) {
			n++
		}
	}
	return n, nil
}

// isWorkerCmdline reports whether argv runs "work <connection>" on queue.
func isWorkerCmdline(argv []string, connection, queue string) bool {
	var isWork, hasQueue bool
	for i, arg := range argv {
		if arg == WorkCommand && i+1 < len(argv) && argv[i+1] == connection {
			isWork = true
		}
		if arg == "--queue="+queue {
			hasQueue = true
		}
	}
	return isWork && hasQueue
}
