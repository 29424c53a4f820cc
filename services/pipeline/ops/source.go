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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/AleutianAI/stagepipe/services/pipeline/device"
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
)

// ExternalSource emits batches fed by the caller.
//
// Description:
//
//	Every fed batch becomes one iteration. The size of the oldest fed batch
//	is the batch size of the next iteration, so batches may vary in size up
//	to the executor's maximum. The executor takes the batch size before the
//	CPU stage runs; Run then emits that batch.
//
// Thread Safety:
//
//	Feed may be called concurrently with the pipeline running.
type ExternalSource struct {
	mu       sync.Mutex
	fed      [][][]byte
	taken    [][][]byte
	consumed int64
}

// NewExternalSource creates a source with nothing fed.
func NewExternalSource() *ExternalSource {
	return &ExternalSource{}
}

// Capabilities marks the source as deciding the batch size.
func (s *ExternalSource) Capabilities() graph.Capabilities {
	return graph.Capabilities{DynamicBatchSize: true}
}

// Feed queues one batch. The samples are copied.
func (s *ExternalSource) Feed(batch [][]byte) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}
	owned := make([][]byte, len(batch))
	for i, b := range batch {
		owned[i] = append([]byte(nil), b...)
	}
	s.mu.Lock()
	s.fed = append(s.fed, owned)
	s.mu.Unlock()
	return nil
}

// FeedInt32s queues one batch holding one int32 per sample.
func (s *ExternalSource) FeedInt32s(vals []int32) error {
	batch := make([][]byte, len(vals))
	for i, v := range vals {
		batch[i] = binary.LittleEndian.AppendUint32(nil, uint32(v))
	}
	return s.Feed(batch)
}

// Pending returns the number of fed batches not yet emitted.
func (s *ExternalSource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fed) + len(s.taken)
}

// Consumed returns the number of batches emitted so far.
func (s *ExternalSource) Consumed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// NextBatchSize returns the size of the oldest fed batch, 0 if none.
func (s *ExternalSource) NextBatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fed) == 0 {
		return 0
	}
	return len(s.fed[0])
}

// Advance hands the oldest fed batch to the next Run.
func (s *ExternalSource) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fed) == 0 {
		return
	}
	s.taken = append(s.taken, s.fed[0])
	s.fed = s.fed[1:]
}

// Run emits the batch taken by the last Advance.
func (s *ExternalSource) Run(_ context.Context, ws graph.Workspace) error {
	if err := checkArity(ws, 0, 1); err != nil {
		return err
	}
	s.mu.Lock()
	if len(s.taken) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: feed a batch before running iteration %d", ErrNoData, ws.Iteration())
	}
	batch := s.taken[0]
	s.taken = s.taken[1:]
	s.consumed++
	s.mu.Unlock()

	ws.Output(0).SetSamples(batch)
	return nil
}

type sourceState struct {
	Consumed int64 `json:"consumed"`
}

// SaveState records how many batches were emitted. Fed data is not part
// of the state and must be fed again after a restore.
func (s *ExternalSource) SaveState(device.AccessOrder) ([]byte, error) {
	return json.Marshal(sourceState{Consumed: s.Consumed()})
}

// RestoreState sets the emitted batch count.
func (s *ExternalSource) RestoreState(state []byte) error {
	var st sourceState
	if err := json.Unmarshal(state, &st); err != nil {
		return fmt.Errorf("%w: %w", ErrBadState, err)
	}
	s.mu.Lock()
	s.consumed = st.Consumed
	s.mu.Unlock()
	return nil
}

// Counter emits consecutive int32 values, one per sample.
type Counter struct {
	graph.BaseOperator

	step int32

	mu   sync.Mutex
	next int32
}

// NewCounter creates a counter starting at start. A step of 0 means 1.
func NewCounter(start, step int32) *Counter {
	if step == 0 {
		step = 1
	}
	return &Counter{next: start, step: step}
}

// Run emits BatchSize values and advances the counter.
func (c *Counter) Run(_ context.Context, ws graph.Workspace) error {
	if err := checkArity(ws, 0, 1); err != nil {
		return err
	}
	n := ws.BatchSize()
	vals := make([]int32, n)

	c.mu.Lock()
	for i := range vals {
		vals[i] = c.next
		c.next += c.step
	}
	c.mu.Unlock()

	ws.Output(0).SetInt32s(vals)
	return nil
}

type counterState struct {
	Next int32 `json:"next"`
}

// SaveState records the next value.
func (c *Counter) SaveState(device.AccessOrder) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(counterState{Next: c.next})
}

// RestoreState sets the next value.
func (c *Counter) RestoreState(state []byte) error {
	var st counterState
	if err := json.Unmarshal(state, &st); err != nil {
		return fmt.Errorf("%w: %w", ErrBadState, err)
	}
	c.mu.Lock()
	c.next = st.Next
	c.mu.Unlock()
	return nil
}

var (
	_ graph.Operator          = (*ExternalSource)(nil)
	_ graph.BatchSizeProvider = (*ExternalSource)(nil)
	_ graph.Checkpointer      = (*ExternalSource)(nil)
	_ graph.Operator          = (*Counter)(nil)
	_ graph.Checkpointer      = (*Counter)(nil)
)
