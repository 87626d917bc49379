// Package worker implements the WorkerLoop described by the design docs:
// a single ticking loop that advances every active run, checks in with the
// bundle service over HTTP+JSON, and dispatches at most one command per
// tick (run, read, write, netcat, kill). It replaces the older gRPC
// heartbeat/sync-loop split with one tick that does both, matching how the
// bundle service expects a worker to behave: check in, get told what to
// do, do at most one thing, repeat.
package worker
