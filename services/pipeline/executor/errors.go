// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
)

// Sentinel errors for the executor package.
var (
	// ErrNotBuilt is returned by every run operation before Build succeeds.
	ErrNotBuilt = errors.New("executor not built")

	// ErrAlreadyBuilt is returned by a second Build.
	ErrAlreadyBuilt = errors.New("executor already built")

	// ErrInvalidGraph is returned by Build for a graph the executor cannot run.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrInvalidConfig is returned for inconsistent executor settings.
	ErrInvalidConfig = errors.New("invalid executor config")

	// ErrStopped is returned once the pipeline stopped, with or without a
	// failure.
	ErrStopped = errors.New("pipeline stopped")

	// ErrFailed is joined with ErrStopped after every queued operator error
	// has been reported.
	ErrFailed = errors.New("pipeline failed")

	// ErrNoOutput is returned by the synchronous executor when no iteration
	// is ready; Run must be called first.
	ErrNoOutput = errors.New("no output ready")

	// ErrNoFreeSlot is returned by the synchronous executor when a stage
	// cannot get a slot; outputs must be released before the next Run.
	ErrNoFreeSlot = errors.New("no free slot")

	// ErrBatchSizeMismatch is returned when batch size providers disagree.
	ErrBatchSizeMismatch = errors.New("batch size providers disagree")

	// ErrInvalidBatchSize is returned for a batch size outside (0, MaxBatchSize].
	ErrInvalidBatchSize = errors.New("invalid batch size")

	// ErrCheckpointMisuse is returned for checkpoint calls the executor state
	// does not allow.
	ErrCheckpointMisuse = errors.New("checkpoint misuse")

	// ErrUnknownOperator is returned for an operator name not in the graph.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrInitFailed is returned when a stage worker cannot start.
	ErrInitFailed = errors.New("executor init failed")
)

// StageError is an operator failure with its origin.
type StageError struct {
	Operator  string
	Stage     stage.Kind
	Iteration int64
	Err       error
}

func (e *StageError) Error() string {
	if e.Operator == "" {
		return fmt.Sprintf("error in %s stage (iteration %d): %v", e.Stage, e.Iteration, e.Err)
	}
	return fmt.Sprintf("error in %s operator %q (iteration %d): %v", e.Stage, e.Operator, e.Iteration, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// State is the run state of a built executor.
type State int32

const (
	// StateRunning accepts work.
	StateRunning State = iota

	// StateStopping was stopped on request without a failure.
	StateStopping

	// StateFailed was stopped by an operator or device error.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
