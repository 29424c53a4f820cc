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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the graph package.
var (
	// ErrEmptyGraph is returned when building a graph without nodes.
	ErrEmptyGraph = errors.New("graph has no operators")

	// ErrNilOperator is returned when a node has no operator.
	ErrNilOperator = errors.New("operator must not be nil")

	// ErrDuplicateNode is returned when adding a node with an existing name.
	ErrDuplicateNode = errors.New("node with this name already exists")

	// ErrDuplicateTensor is returned when two outputs share a name.
	ErrDuplicateTensor = errors.New("tensor with this name already exists")

	// ErrTensorNotFound is returned when an input names no produced tensor.
	ErrTensorNotFound = errors.New("tensor not found")

	// ErrCycleDetected is returned when the graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in graph")

	// ErrStageOrder is returned when data would flow backwards between stages
	// or cross a device boundary a stage cannot handle.
	ErrStageOrder = errors.New("invalid stage placement")

	// ErrInvalidPassThrough is returned for a pass-through pair with a bad index.
	ErrInvalidPassThrough = errors.New("invalid pass-through mapping")

	// ErrOutputNotFound is returned when a requested pipeline output does not exist.
	ErrOutputNotFound = errors.New("pipeline output not found")

	// ErrInvalidOutputStage is returned when a pipeline output is produced on
	// the CPU stage.
	ErrInvalidOutputStage = errors.New("pipeline outputs must be produced by mixed or gpu operators")
)

// NodeError wraps an error with the node that caused it.
type NodeError struct {
	NodeName string
	Err      error
}

// Error returns the error message.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.NodeName, e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError creates a NodeError.
func NewNodeError(nodeName string, err error) *NodeError {
	return &NodeError{NodeName: nodeName, Err: err}
}

// CycleError provides details about a detected cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Is makes errors.Is(err, ErrCycleDetected) hold for a CycleError.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}
