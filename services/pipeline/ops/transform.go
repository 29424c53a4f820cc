// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ops

import (
	"context"
	"encoding/binary"

	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
)

// Passthrough forwards its input unchanged. Declare the node with
// PassThrough{0: 0} so both tensors share storage decisions.
type Passthrough struct {
	graph.BaseOperator
}

// NewPassthrough creates a Passthrough.
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

// Run copies input 0 to output 0.
func (p *Passthrough) Run(_ context.Context, ws graph.Workspace) error {
	if err := checkArity(ws, 1, 1); err != nil {
		return err
	}
	return copyLaunch(ws, ws.Input(0), ws.Output(0))
}

// copyLaunch sizes dst like src and copies the samples in stream order.
func copyLaunch(ws graph.Workspace, src, dst *storage.TensorList) error {
	dst.Resize(sampleSizes(src))
	return ws.Launch(func() error {
		return copySamples(dst, src)
	})
}

// CopyToDevice moves a host batch into device memory on the Mixed stage.
type CopyToDevice struct {
	graph.BaseOperator
}

// NewCopyToDevice creates a CopyToDevice.
func NewCopyToDevice() *CopyToDevice {
	return &CopyToDevice{}
}

// Run copies input 0 to output 0 on the stage stream.
func (c *CopyToDevice) Run(_ context.Context, ws graph.Workspace) error {
	if err := checkArity(ws, 1, 1); err != nil {
		return err
	}
	return copyLaunch(ws, ws.Input(0), ws.Output(0))
}

// Increment adds Delta to the first int32 of every sample. With
// AddIteration the iteration number is added as well.
type Increment struct {
	graph.BaseOperator

	Delta        int32
	AddIteration bool
}

// Run issues the addition on the stage stream.
func (o *Increment) Run(_ context.Context, ws graph.Workspace) error {
	if err := checkArity(ws, 1, 1); err != nil {
		return err
	}
	delta := o.Delta
	if o.AddIteration {
		delta += int32(ws.Iteration())
	}
	src, dst := ws.Input(0), ws.Output(0)
	dst.Resize(sampleSizes(src))
	return ws.Launch(func() error {
		if err := copySamples(dst, src); err != nil {
			return err
		}
		for i := 0; i < dst.NumSamples(); i++ {
			s, err := dst.Sample(i)
			if err != nil {
				return err
			}
			if len(s) < 4 {
				continue
			}
			v := int32(binary.LittleEndian.Uint32(s))
			binary.LittleEndian.PutUint32(s, uint32(v+delta))
		}
		return nil
	})
}

// Fail is an operator that returns Err, after After successful runs.
// It is used to exercise error reporting.
type Fail struct {
	graph.BaseOperator

	Err   error
	After int

	runs int
}

// Run fails once After runs succeeded. Outputs are passed through.
func (f *Fail) Run(_ context.Context, ws graph.Workspace) error {
	f.runs++
	if f.runs > f.After {
		return f.Err
	}
	if ws.NumInput() > 0 && ws.NumOutput() > 0 {
		return copyLaunch(ws, ws.Input(0), ws.Output(0))
	}
	return nil
}

var (
	_ graph.Operator = (*Passthrough)(nil)
	_ graph.Operator = (*CopyToDevice)(nil)
	_ graph.Operator = (*Increment)(nil)
	_ graph.Operator = (*Fail)(nil)
)
