package models

import "errors"

// Fatal error classes. Per-unit FitErrors are counted and absorbed; these
// two terminate the process with a non-zero exit.
var (
	// ErrUpstreamDataMissing: the observation store, a required baseline
	// table, or a prior checkpoint is absent when needed. Raised before any
	// work begins.
	ErrUpstreamDataMissing = errors.New("upstream data missing")

	// ErrCheckpointWrite: a checkpoint or output flush failed after retries.
	// Continuing would accumulate unflushed, at-risk work, so the run aborts.
	ErrCheckpointWrite = errors.New("checkpoint write failed")
)
