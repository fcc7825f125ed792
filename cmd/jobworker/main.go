// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command jobworker runs workers for the jobs registered in this binary.
//
// Applications build their own binary the same way: create a registry,
// register the handlers of their jobs and pass it to console.Execute.
//
//	jobworker work [connection] --queue=high,low --tries=3
//	jobworker listen [connection] --maximum=4
//	jobworker failed
//	jobworker forget ID
//	jobworker flush
//	jobworker restart
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olivere/jobworker"
	"github.com/olivere/jobworker/console"
)

func main() {
	registry := jobworker.NewRegistry()
	must(registry.Register("Echo", echo))
	must(registry.Register("Sleep", sleep))
	os.Exit(console.Execute(context.Background(), registry, os.Args[1:]))
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// echo prints the data of the job.
func echo(ctx context.Context, job jobworker.Job, data map[string]interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", job.ID(), b)
	return nil
}

// sleep waits for data["seconds"] seconds.
func sleep(ctx context.Context, job jobworker.Job, data map[string]interface{}) error {
	secs, _ := data["seconds"].(float64)
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
