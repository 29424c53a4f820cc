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
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
)

// Output is one pipeline output of an iteration.
type Output struct {
	Name   string
	Tensor graph.TensorID
	Device storage.StorageDevice

	// Data aliases the slot buffer. It is valid until ReleaseOutputs.
	Data *storage.TensorList
}

// OutputSet holds the outputs of one iteration in the order they were
// requested at Build.
type OutputSet struct {
	Iteration int64
	Outputs   []Output
}

// Len returns the number of outputs.
func (o *OutputSet) Len() int {
	return len(o.Outputs)
}

// Get returns the output named name.
func (o *OutputSet) Get(name string) (*storage.TensorList, bool) {
	for _, out := range o.Outputs {
		if out.Name == name {
			return out.Data, true
		}
	}
	return nil, false
}

// Counters are the per-stage iteration counters. Each counts completed
// iterations of its stage; Output counts shared outputs.
type Counters struct {
	CPU    int64 `json:"cpu"`
	Mixed  int64 `json:"mixed"`
	GPU    int64 `json:"gpu"`
	Output int64 `json:"output"`
}
