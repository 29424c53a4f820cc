// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/stagepipe/services/pipeline/executor"
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/ops"
	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
)

const (
	demoPipeline = "demo"
	demoOutput   = "out"
)

// demoOptions parameterise the demo pipeline.
type demoOptions struct {
	Start int32
	Step  int32
	Delta int32
}

// demoGraph builds count (CPU) -> copy (Mixed) -> inc (GPU). Every output
// sample is a counter value plus Delta; the counter is checkpointable.
func demoGraph(opts demoOptions) (*graph.Graph, error) {
	return graph.NewBuilder(demoPipeline).
		AddNode(graph.NodeSpec{Name: "count", Stage: stage.CPU, Op: ops.NewCounter(opts.Start, opts.Step),
			Outputs: []graph.OutputSpec{graph.HostOut("raw").WithHint(4)}}).
		AddNode(graph.NodeSpec{Name: "copy", Stage: stage.Mixed, Op: ops.NewCopyToDevice(),
			Inputs: []string{"raw"}, Outputs: []graph.OutputSpec{graph.DeviceOut("dev")}}).
		AddNode(graph.NodeSpec{Name: "inc", Stage: stage.GPU, Op: &ops.Increment{Delta: opts.Delta},
			Inputs: []string{"dev"}, Outputs: []graph.OutputSpec{graph.DeviceOut(demoOutput)}}).
		Build()
}

// outputRecord is one printed pipeline output.
type outputRecord struct {
	Iteration int64   `json:"iteration"`
	Values    []int32 `json:"values"`
}

// pump prefetches and then consumes n outputs, issuing one new iteration
// per consumed output. n <= 0 runs until ctx is done.
//
// Description:
//
//	emit runs after the output was released and before the next iteration
//	is issued, so a checkpoint taken inside emit resumes at the following
//	output. A cancelled ctx ends the loop without error.
func pump(ctx context.Context, d executor.Driver, n int, emit func(outputRecord) error) error {
	if err := d.Prefetch(ctx); err != nil {
		return fmt.Errorf("prefetch: %w", err)
	}
	for i := 0; n <= 0 || i < n; i++ {
		out, err := d.Outputs(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return fmt.Errorf("outputs: %w", err)
		}
		data, ok := out.Get(demoOutput)
		if !ok {
			return fmt.Errorf("output %q missing", demoOutput)
		}
		rec := outputRecord{Iteration: out.Iteration, Values: data.Int32s()}
		d.ReleaseOutputs()

		if err := emit(rec); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := d.Run(ctx); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	}
	return nil
}
