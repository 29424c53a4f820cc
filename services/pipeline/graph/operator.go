// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"

	"github.com/AleutianAI/stagepipe/services/pipeline/device"
	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
)

// Capabilities describe what the executor must know about an operator.
// They are queried once when the graph is built.
type Capabilities struct {
	// DynamicBatchSize marks an operator that decides the batch size of an
	// iteration. It must also implement BatchSizeProvider.
	DynamicBatchSize bool

	// Merge marks an operator that joins the branches of a conditional.
	Merge bool

	// ConditionalSplit marks an operator that partitions a batch between
	// branches of a conditional.
	ConditionalSplit bool

	// ContiguousOutputs marks an operator whose outputs must be stored in one
	// contiguous block.
	ContiguousOutputs bool
}

// Operator is one unit of work in the graph.
//
// Description:
//
//	Run is called once per iteration with a workspace whose inputs hold the
//	iteration's data. Host operators do their work inside Run. Mixed and GPU
//	operators issue device work through Workspace.Launch and return; an
//	error returned from Run or from launched work fails the pipeline.
type Operator interface {
	Run(ctx context.Context, ws Workspace) error
	Capabilities() Capabilities
}

// BatchSizeProvider is implemented by operators with DynamicBatchSize.
type BatchSizeProvider interface {
	// NextBatchSize returns the batch size of the next iteration without
	// consuming it.
	NextBatchSize() int

	// Advance consumes the batch size returned by NextBatchSize.
	Advance()
}

// Checkpointer is implemented by operators with state that must survive a
// checkpoint restore.
type Checkpointer interface {
	// SaveState captures the operator state. order tells where the capture is
	// ordered; device operators must capture in stream order.
	SaveState(order device.AccessOrder) ([]byte, error)

	// RestoreState replaces the operator state.
	RestoreState(state []byte) error
}

// HostPool runs host-parallel work for CPU operators.
type HostPool interface {
	// ParallelFor calls fn for every i in [0, n) using the pool's workers
	// and returns the first error.
	ParallelFor(ctx context.Context, n int, fn func(i int) error) error

	// NumWorkers returns the pool size.
	NumWorkers() int
}

// Workspace is what an operator sees during one invocation.
type Workspace interface {
	OperatorName() string
	Stage() stage.Kind
	Iteration() int64
	BatchSize() int

	NumInput() int
	Input(i int) *storage.TensorList
	NumOutput() int
	Output(i int) *storage.TensorList

	// Stream is the stage stream, nil on the CPU stage or without a device.
	Stream() device.Stream

	// Order is the execution order of the operator.
	Order() device.AccessOrder

	// Pool is the host worker pool.
	Pool() HostPool

	// Launch runs fn in stream order, or inline when there is no stream.
	// Errors are attributed to the operator.
	Launch(fn func() error) error
}

// BaseOperator provides zero Capabilities. Embed it in operators that need
// no special handling.
type BaseOperator struct{}

// Capabilities returns no capabilities.
func (BaseOperator) Capabilities() Capabilities {
	return Capabilities{}
}

// FuncOperator wraps a function as an Operator.
type FuncOperator struct {
	BaseOperator
	fn func(context.Context, Workspace) error
}

// NewFuncOperator creates an operator from fn.
func NewFuncOperator(fn func(context.Context, Workspace) error) *FuncOperator {
	return &FuncOperator{fn: fn}
}

// Run calls the wrapped function.
func (o *FuncOperator) Run(ctx context.Context, ws Workspace) error {
	if o.fn == nil {
		return ErrNilOperator
	}
	return o.fn(ctx, ws)
}
