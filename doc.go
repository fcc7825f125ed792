// Package jobworker pulls jobs from a message broker and executes them
// with retry, timeout and backoff policy.
//
// Applications first create a Registry and register a Handler for every
// job target they want to process. A target has the form "Name@method";
// the method defaults to "fire" when omitted.
//
// A Manager holds the named broker connections. A connection is backed by
// a Connector: Sync (run in-process at push time), Database, Redis or
// AMQP. The Manager is also the producer API: Push enqueues a job on a
// connection, either for immediate delivery or after a delay. Push fails
// fast when the target is not registered.
//
// A Worker asks a Connector for the next Job and runs it via Process.
// A job ends in exactly one of three ways: it is deleted (succeeded or
// discarded), released (put back with a delay), or failed (moved to the
// FailedJobStore and removed from the broker permanently).
//
// Before running a job, the Worker checks whether it already exceeded its
// maximum number of tries. A job may declare either a maximum number of
// tries or a deadline (TimeoutAt). If a deadline is set and has not passed
// yet, the attempt counter is ignored. After a failing run, the same
// policy decides whether the job is released or failed.
//
// Daemon runs the Worker loop: it fetches jobs from a comma-separated list
// of queues in priority order, arms a watchdog per job that terminates the
// process on timeout, and stops when the worker was idle for too long,
// when asked to quit or restart, or when the memory limit was reached.
//
// The number of Worker processes per queue is capped by the Listener in
// the supervisor package.
package jobworker
