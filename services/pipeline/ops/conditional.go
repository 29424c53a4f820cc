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
	"fmt"

	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
)

// Split partitions a batch between two branches.
//
// Outputs are the samples for which Predicate holds, the others, and a
// mask with one int32 per input sample (1 for the first branch) that Merge
// uses to restore the order.
type Split struct {
	Predicate func(sample []byte) bool
}

// Capabilities marks the operator as a conditional split.
func (s *Split) Capabilities() graph.Capabilities {
	return graph.Capabilities{ConditionalSplit: true}
}

// Run partitions input 0 on the host.
func (s *Split) Run(_ context.Context, ws graph.Workspace) error {
	if err := checkArity(ws, 1, 3); err != nil {
		return err
	}
	if s.Predicate == nil {
		return fmt.Errorf("split %s: nil predicate", ws.OperatorName())
	}
	in := ws.Input(0)
	var yes, no [][]byte
	mask := make([]int32, in.NumSamples())
	for i := 0; i < in.NumSamples(); i++ {
		sample, err := in.Sample(i)
		if err != nil {
			return err
		}
		if s.Predicate(sample) {
			yes = append(yes, sample)
			mask[i] = 1
		} else {
			no = append(no, sample)
		}
	}
	ws.Output(0).SetSamples(yes)
	ws.Output(1).SetSamples(no)
	ws.Output(2).SetInt32s(mask)
	return nil
}

// Merge joins the branches produced by Split back into one batch.
// Inputs are the first branch, the second branch and the Split mask.
type Merge struct{}

// Capabilities marks the operator as a merge.
func (m *Merge) Capabilities() graph.Capabilities {
	return graph.Capabilities{Merge: true}
}

// Run interleaves the branches as recorded in the mask.
func (m *Merge) Run(_ context.Context, ws graph.Workspace) error {
	if err := checkArity(ws, 3, 1); err != nil {
		return err
	}
	yes, no, mask := ws.Input(0), ws.Input(1), ws.Input(2).Int32s()
	out := make([][]byte, 0, len(mask))
	var y, n int
	for _, branch := range mask {
		var (
			sample []byte
			err    error
		)
		if branch == 1 {
			sample, err = yes.Sample(y)
			y++
		} else {
			sample, err = no.Sample(n)
			n++
		}
		if err != nil {
			return fmt.Errorf("merge %s: branch sizes do not match mask: %w", ws.OperatorName(), err)
		}
		out = append(out, sample)
	}
	ws.Output(0).SetSamples(out)
	return nil
}

var (
	_ graph.Operator = (*Split)(nil)
	_ graph.Operator = (*Merge)(nil)
)
