// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ops provides operators for building pipelines: sources that feed
// the CPU stage, a host to device copy for the Mixed stage, simple device
// transforms and a conditional split and merge pair.
//
// Operators set the size of their outputs on the host inside Run and move
// data with Workspace.Launch, so device work is ordered on the stage
// stream while the next operator can already size its own outputs.
package ops

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
)

// Sentinel errors for the ops package.
var (
	// ErrNoData is returned by ExternalSource when it runs without a batch.
	ErrNoData = errors.New("no data fed")

	// ErrEmptyBatch is returned when feeding a batch without samples.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrArity is returned when an operator is wired with the wrong number
	// of inputs or outputs.
	ErrArity = errors.New("wrong number of inputs or outputs")

	// ErrBadState is returned by RestoreState for undecodable state.
	ErrBadState = errors.New("invalid operator state")
)

func checkArity(ws graph.Workspace, inputs, outputs int) error {
	if ws.NumInput() != inputs || ws.NumOutput() != outputs {
		return fmt.Errorf("%w: %s wants %d inputs and %d outputs, got %d and %d",
			ErrArity, ws.OperatorName(), inputs, outputs, ws.NumInput(), ws.NumOutput())
	}
	return nil
}

// sampleSizes returns the byte size of every sample of t.
func sampleSizes(t *storage.TensorList) []int {
	sizes := make([]int, t.NumSamples())
	for i := range sizes {
		s, _ := t.Sample(i)
		sizes[i] = len(s)
	}
	return sizes
}

// copySamples copies src into dst, which must already have src's sizes.
func copySamples(dst, src *storage.TensorList) error {
	for i := 0; i < src.NumSamples(); i++ {
		from, err := src.Sample(i)
		if err != nil {
			return err
		}
		to, err := dst.Sample(i)
		if err != nil {
			return err
		}
		copy(to, from)
	}
	return nil
}
