// Package types defines the data model shared across the worker: bundles and
// their dependencies, the keys the caches index entries by, per-run state,
// and the check-in request/command shapes exchanged with the bundle service.
//
// Enums follow the same typed-string-constant pattern throughout:
//
//	type RunStage string
//	const (
//		RunPreparing RunStage = "preparing"
//		RunStarting  RunStage = "starting"
//	)
//
// Types here are read-safe but not write-safe; callers that mutate a shared
// RunState or CacheEntry must hold whatever mutex its owning component uses.
package types
