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
	"sync"

	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
	"github.com/AleutianAI/stagepipe/services/pipeline/workspace"
)

// MemoryStats describes one output buffer of an operator. Every field is
// the largest value seen since statistics were enabled.
type MemoryStats struct {
	// RealSize is the number of bytes in use.
	RealSize int `json:"real_size"`
	// MaxRealSize is the largest sample, or the average sample size for a
	// contiguous buffer.
	MaxRealSize int `json:"max_real_size"`
	// Reserved is the allocated capacity.
	Reserved int `json:"reserved"`
	// MaxReserved is the largest per-sample allocation.
	MaxReserved int `json:"max_reserved"`
}

// MetaMap maps "<STAGE>_<operator>" to the stats of each operator output.
type MetaMap map[string][]MemoryStats

type statsMap struct {
	mu sync.Mutex
	m  MetaMap
}

// EnableMemoryStats turns collection of output memory statistics on or off.
func (e *Executor) EnableMemoryStats(enabled bool) {
	e.memStats.Store(enabled)
}

// GetExecutorMeta returns a copy of the memory statistics of every stage.
func (e *Executor) GetExecutorMeta() MetaMap {
	out := make(MetaMap)
	for i := range e.stats {
		st := &e.stats[i]
		st.mu.Lock()
		for k, v := range st.m {
			out[k] = append([]MemoryStats(nil), v...)
		}
		st.mu.Unlock()
	}
	return out
}

func statsKey(s stage.Kind, node *graph.Node) string {
	return s.String() + "_" + node.Name
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func bufferStats(buf storage.Buffer) MemoryStats {
	st := MemoryStats{
		RealSize: buf.NBytes(),
		Reserved: buf.Capacity(),
	}
	if buf.IsContiguous() {
		n := buf.NumSamples()
		st.MaxRealSize = ceilDiv(st.RealSize, n)
		st.MaxReserved = ceilDiv(st.Reserved, n)
	} else {
		st.MaxRealSize = buf.MaxSampleNBytes()
		st.MaxReserved = buf.MaxChunkCapacity()
	}
	return st
}

func (m *MemoryStats) merge(o MemoryStats) {
	m.RealSize = max(m.RealSize, o.RealSize)
	m.MaxRealSize = max(m.MaxRealSize, o.MaxRealSize)
	m.Reserved = max(m.Reserved, o.Reserved)
	m.MaxReserved = max(m.MaxReserved, o.MaxReserved)
}

// fillStats records the output buffers of node after it ran.
func (e *Executor) fillStats(s stage.Kind, node *graph.Node, ws *workspace.Workspace) {
	if !e.memStats.Load() {
		return
	}
	st := &e.stats[s]
	key := statsKey(s, node)

	st.mu.Lock()
	defer st.mu.Unlock()
	entry := st.m[key]
	if len(entry) < ws.NumOutput() {
		grown := make([]MemoryStats, ws.NumOutput())
		copy(grown, entry)
		entry = grown
	}
	for i := 0; i < ws.NumOutput(); i++ {
		entry[i].merge(bufferStats(ws.Output(i)))
	}
	st.m[key] = entry
}
