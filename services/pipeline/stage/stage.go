// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stage names the three execution stages of a pipeline.
//
// Every iteration flows CPU -> Mixed -> GPU. CPU work runs on the host worker
// pool, Mixed work moves host data towards the device, and GPU work is issued
// on a device stream.
package stage

// Kind identifies an execution stage.
type Kind int

const (
	// CPU is the host-parallel stage.
	CPU Kind = iota

	// Mixed is the host-to-device transfer stage.
	Mixed

	// GPU is the device stage.
	GPU
)

// Count is the number of stages.
const Count = 3

// All returns the stages in pipeline order.
func All() []Kind {
	return []Kind{CPU, Mixed, GPU}
}

// String returns the upper-case stage name used in logs and error messages.
func (k Kind) String() string {
	switch k {
	case CPU:
		return "CPU"
	case Mixed:
		return "MIXED"
	case GPU:
		return "GPU"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether k names one of the three stages.
func (k Kind) Valid() bool {
	return k >= CPU && k <= GPU
}

// HasNext reports whether a stage follows k.
func (k Kind) HasNext() bool {
	return k == CPU || k == Mixed
}

// Next returns the stage after k. Only meaningful when HasNext is true.
func (k Kind) Next() Kind {
	return k + 1
}

// HasPrev reports whether a stage precedes k.
func (k Kind) HasPrev() bool {
	return k == Mixed || k == GPU
}

// Prev returns the stage before k. Only meaningful when HasPrev is true.
func (k Kind) Prev() Kind {
	return k - 1
}
