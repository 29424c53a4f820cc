// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
)

// Sentinel errors for the queue package.
var (
	// ErrStopped is returned by blocking calls once SignalStop was called.
	ErrStopped = errors.New("stop signaled")

	// ErrInvalidDepth is returned when a configured depth is unusable.
	ErrInvalidDepth = errors.New("invalid queue depth")

	// ErrNotInitialized is returned when a policy is used before Initialize.
	ErrNotInitialized = errors.New("queue policy not initialized")

	// ErrInvalidStage is returned for a stage outside CPU/Mixed/GPU.
	ErrInvalidStage = errors.New("invalid stage")
)

// Sizes are the user-configured prefetch depths.
//
// CPU bounds how far the CPU stage may run ahead, GPU bounds the Mixed and
// GPU stages together with the number of outputs awaiting consumption.
type Sizes struct {
	CPU int `json:"cpu" yaml:"cpu"`
	GPU int `json:"gpu" yaml:"gpu"`
}

// Uniform returns Sizes with both depths set to depth.
func Uniform(depth int) Sizes {
	return Sizes{CPU: depth, GPU: depth}
}

// StageDepths holds the number of slots of every stage.
type StageDepths [stage.Count]int

// Of returns the depth of stage s.
func (d StageDepths) Of(s stage.Kind) int {
	return d[s]
}

// Idxs holds the slot index of every stage for one iteration.
// A value of -1 means the iteration holds no slot of that stage.
type Idxs [stage.Count]int

// NoIdxs returns an Idxs with no slot held.
func NoIdxs() Idxs {
	return Idxs{-1, -1, -1}
}

// Of returns the slot of stage s.
func (i Idxs) Of(s stage.Kind) int {
	return i[s]
}

// String renders the indices for logs.
func (i Idxs) String() string {
	return fmt.Sprintf("{cpu:%d mixed:%d gpu:%d}", i[stage.CPU], i[stage.Mixed], i[stage.GPU])
}

// Policy decides how slot indices are handed from stage to stage.
//
// Description:
//
//	A Policy owns the free and ready queues of every stage. A stage acquires
//	indices before it runs and releases them when its work for the iteration
//	has been issued. Releasing hands the iteration to the next stage, and the
//	last stage queues it as an output. Output indices go back to the free
//	queues when the caller releases the output.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Each stage is expected to be
//	driven by at most one goroutine at a time.
type Policy interface {
	// QueueSizes maps the configured sizes to per-stage depths.
	QueueSizes(sizes Sizes) (StageDepths, error)

	// Initialize fills the free queues. Must be called once before use.
	Initialize(depths StageDepths) error

	// Acquire blocks until the previous stage has produced an iteration and a
	// free slot of stage s exists. Returns ErrStopped after SignalStop.
	Acquire(ctx context.Context, s stage.Kind) (Idxs, error)

	// TryAcquire is the non-blocking form of Acquire. ok is false when the
	// call would block.
	TryAcquire(s stage.Kind) (idxs Idxs, ok bool, err error)

	// Release hands the iteration to the next stage and frees the slot of
	// the previous stage, which has now been consumed.
	Release(s stage.Kind, idxs Idxs)

	// QueueOutput makes a finished iteration available to UseOutput.
	QueueOutput(idxs Idxs)

	// UseOutput blocks until an output is ready and marks it in use.
	UseOutput(ctx context.Context) (Idxs, error)

	// TryUseOutput is the non-blocking form of UseOutput.
	TryUseOutput() (idxs Idxs, ok bool, err error)

	// ReleaseOutput frees the oldest in-use output. No-op when none is held.
	ReleaseOutput()

	// InUseOutputs returns how many outputs are currently held.
	InUseOutputs() int

	// SignalStop wakes every waiter with ErrStopped. Idempotent.
	SignalStop()

	// IsStopSignaled reports whether SignalStop was called.
	IsStopSignaled() bool
}
