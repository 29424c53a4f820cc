// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace binds operators to the buffers of one iteration.
//
// A Workspace is the per-invocation view an operator gets: the slot buffers
// of its inputs and outputs, the stage stream and the events it must honour.
// A Policy decides whether workspaces are built ahead of time for every slot
// combination (AOTPolicy) or bound on every call (JITPolicy).
package workspace

import (
	"fmt"

	"github.com/AleutianAI/stagepipe/services/pipeline/device"
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
)

// Workspace implements graph.Workspace for one node and one slot combination.
//
// Thread Safety:
//
//	A Workspace belongs to the iteration holding its slots. It is not safe
//	for concurrent use, and the queue policy guarantees it is never shared.
type Workspace struct {
	node    *graph.Node
	inputs  []*storage.TensorList
	outputs []*storage.TensorList
	stream  device.Stream
	pool    graph.HostPool

	// waitEvents must fire before the node's device work may start.
	waitEvents []device.Event
	// completion is recorded after the node's device work, nil if unused.
	completion device.Event

	iteration int64
	batchSize int
}

// Prepare sets the per-iteration fields before the operator runs.
func (w *Workspace) Prepare(iteration int64, batchSize int) {
	w.iteration = iteration
	w.batchSize = batchSize
}

// Node returns the bound node.
func (w *Workspace) Node() *graph.Node { return w.node }

// OperatorName returns the node name.
func (w *Workspace) OperatorName() string { return w.node.Name }

// Stage returns the node's stage.
func (w *Workspace) Stage() stage.Kind { return w.node.Stage }

// Iteration returns the iteration being executed.
func (w *Workspace) Iteration() int64 { return w.iteration }

// BatchSize returns the batch size of the iteration.
func (w *Workspace) BatchSize() int { return w.batchSize }

// NumInput returns the number of inputs.
func (w *Workspace) NumInput() int { return len(w.inputs) }

// Input returns input buffer i.
func (w *Workspace) Input(i int) *storage.TensorList { return w.inputs[i] }

// NumOutput returns the number of outputs.
func (w *Workspace) NumOutput() int { return len(w.outputs) }

// Output returns output buffer i.
func (w *Workspace) Output(i int) *storage.TensorList { return w.outputs[i] }

// Stream returns the stage stream, nil for host execution.
func (w *Workspace) Stream() device.Stream { return w.stream }

// Order returns where the node's work is ordered.
func (w *Workspace) Order() device.AccessOrder { return device.AccessOrder{Stream: w.stream} }

// Pool returns the host worker pool.
func (w *Workspace) Pool() graph.HostPool { return w.pool }

// WaitEvents returns the events that must fire before the node's work.
func (w *Workspace) WaitEvents() []device.Event { return w.waitEvents }

// CompletionEvent returns the event recorded after the node, or nil.
func (w *Workspace) CompletionEvent() device.Event { return w.completion }

// Launch runs fn in stream order, or inline without a stream. Errors carry
// the operator name.
func (w *Workspace) Launch(fn func() error) error {
	name := w.node.Name
	wrapped := func() error {
		if err := fn(); err != nil {
			return graph.NewNodeError(name, err)
		}
		return nil
	}
	if w.stream == nil {
		return wrapped()
	}
	if err := w.stream.Enqueue(wrapped); err != nil {
		return fmt.Errorf("launch %s: %w", name, err)
	}
	return nil
}

var _ graph.Workspace = (*Workspace)(nil)
