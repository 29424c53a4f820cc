// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
)

// Kind selects a Policy implementation.
type Kind string

const (
	// KindUniform shares one slot index between all stages.
	KindUniform Kind = "uniform"

	// KindSeparate keeps independent slot indices per stage.
	KindSeparate Kind = "separate"
)

// New creates the policy named by kind.
//
// Inputs:
//
//	kind - KindUniform or KindSeparate.
//	logger - Logger for slow-acquire warnings. If nil, uses slog.Default().
//
// Outputs:
//
//	Policy - The policy, not yet initialized.
//	error - Non-nil if kind is unknown.
func New(kind Kind, logger *slog.Logger) (Policy, error) {
	switch kind {
	case KindUniform:
		return NewUniformPolicy(logger), nil
	case KindSeparate:
		return NewSeparatePolicy(logger), nil
	default:
		return nil, fmt.Errorf("unknown queue policy %q", kind)
	}
}

// base holds what both policies share: the stop latch and the output queues.
type base struct {
	stopOnce    sync.Once
	stop        chan struct{}
	stopped     atomic.Bool
	initialized atomic.Bool
	obs         *waitObserver

	ready slotQueue[Idxs]

	inUseMu sync.Mutex
	inUse   []Idxs
}

func newBase(logger *slog.Logger) base {
	return base{
		stop: make(chan struct{}),
		obs:  newWaitObserver(logger),
	}
}

// SignalStop wakes every waiter with ErrStopped.
func (b *base) SignalStop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stop)
		stopSignals.Inc()
	})
}

// IsStopSignaled reports whether SignalStop was called.
func (b *base) IsStopSignaled() bool {
	return b.stopped.Load()
}

// QueueOutput makes a finished iteration available to UseOutput.
func (b *base) QueueOutput(idxs Idxs) {
	b.ready.push(idxs)
}

// UseOutput blocks until an output is ready and marks it in use.
func (b *base) UseOutput(ctx context.Context) (Idxs, error) {
	if !b.initialized.Load() {
		return NoIdxs(), ErrNotInitialized
	}
	started := time.Now()
	idxs, err := b.ready.pop(ctx, b.stop)
	b.obs.observe(outputLabel, started)
	if err != nil {
		return NoIdxs(), err
	}
	b.markInUse(idxs)
	return idxs, nil
}

// TryUseOutput is the non-blocking form of UseOutput.
func (b *base) TryUseOutput() (Idxs, bool, error) {
	if !b.initialized.Load() {
		return NoIdxs(), false, ErrNotInitialized
	}
	if b.IsStopSignaled() {
		return NoIdxs(), false, ErrStopped
	}
	idxs, ok := b.ready.tryPop()
	if !ok {
		return NoIdxs(), false, nil
	}
	b.markInUse(idxs)
	return idxs, true, nil
}

// InUseOutputs returns how many outputs are currently held.
func (b *base) InUseOutputs() int {
	b.inUseMu.Lock()
	defer b.inUseMu.Unlock()
	return len(b.inUse)
}

func (b *base) markInUse(idxs Idxs) {
	b.inUseMu.Lock()
	b.inUse = append(b.inUse, idxs)
	b.inUseMu.Unlock()
}

func (b *base) popInUse() (Idxs, bool) {
	b.inUseMu.Lock()
	defer b.inUseMu.Unlock()
	if len(b.inUse) == 0 {
		return NoIdxs(), false
	}
	idxs := b.inUse[0]
	b.inUse = b.inUse[1:]
	return idxs, true
}

func validStage(s stage.Kind) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStage, s)
	}
	return nil
}

// UniformPolicy shares one slot index between all stages.
//
// Description:
//
//	The CPU stage takes an index from the free queue and the same index
//	travels through Mixed and GPU. The index returns to the free queue when
//	the output is released. All stages therefore have the same depth.
//
// Thread Safety:
//
//	Safe for concurrent use.
type UniformPolicy struct {
	base
	depth int
	free  slotQueue[int]
	work  [stage.Count]slotQueue[int]
}

// NewUniformPolicy creates an uninitialized UniformPolicy.
func NewUniformPolicy(logger *slog.Logger) *UniformPolicy {
	return &UniformPolicy{base: newBase(logger)}
}

// QueueSizes requires equal CPU and GPU depths and returns that depth for
// every stage.
func (p *UniformPolicy) QueueSizes(sizes Sizes) (StageDepths, error) {
	if sizes.CPU != sizes.GPU {
		return StageDepths{}, fmt.Errorf("%w: uniform policy needs equal cpu and gpu depths, got %d and %d",
			ErrInvalidDepth, sizes.CPU, sizes.GPU)
	}
	if sizes.CPU < 1 {
		return StageDepths{}, fmt.Errorf("%w: depth must be at least 1, got %d", ErrInvalidDepth, sizes.CPU)
	}
	return StageDepths{sizes.CPU, sizes.CPU, sizes.CPU}, nil
}

// Initialize fills the shared free queue with depths[CPU] indices.
func (p *UniformPolicy) Initialize(depths StageDepths) error {
	if depths[stage.CPU] != depths[stage.Mixed] || depths[stage.CPU] != depths[stage.GPU] {
		return fmt.Errorf("%w: uniform policy needs equal stage depths, got %v", ErrInvalidDepth, depths)
	}
	if depths[stage.CPU] < 1 {
		return fmt.Errorf("%w: depth must be at least 1", ErrInvalidDepth)
	}
	if !p.initialized.CompareAndSwap(false, true) {
		return errors.New("uniform policy already initialized")
	}
	p.depth = depths[stage.CPU]
	for i := 0; i < p.depth; i++ {
		p.free.push(i)
	}
	return nil
}

// Acquire takes a free index for the CPU stage or the next index handed
// over by the previous stage for Mixed and GPU.
func (p *UniformPolicy) Acquire(ctx context.Context, s stage.Kind) (Idxs, error) {
	if err := validStage(s); err != nil {
		return NoIdxs(), err
	}
	if !p.initialized.Load() {
		return NoIdxs(), ErrNotInitialized
	}
	started := time.Now()
	var (
		idx int
		err error
	)
	if s == stage.CPU {
		idx, err = p.free.pop(ctx, p.stop)
	} else {
		idx, err = p.work[s].pop(ctx, p.stop)
	}
	p.obs.observe(stageLabel(s), started)
	if err != nil {
		return NoIdxs(), err
	}
	return Idxs{idx, idx, idx}, nil
}

// TryAcquire is the non-blocking form of Acquire.
func (p *UniformPolicy) TryAcquire(s stage.Kind) (Idxs, bool, error) {
	if err := validStage(s); err != nil {
		return NoIdxs(), false, err
	}
	if !p.initialized.Load() {
		return NoIdxs(), false, ErrNotInitialized
	}
	if p.IsStopSignaled() {
		return NoIdxs(), false, ErrStopped
	}
	q := &p.free
	if s != stage.CPU {
		q = &p.work[s]
	}
	idx, ok := q.tryPop()
	if !ok {
		return NoIdxs(), false, nil
	}
	return Idxs{idx, idx, idx}, true, nil
}

// Release passes the index to the next stage. The GPU stage hands its index
// over through QueueOutput instead.
func (p *UniformPolicy) Release(s stage.Kind, idxs Idxs) {
	if !s.HasNext() || idxs[s] < 0 {
		return
	}
	p.work[s.Next()].push(idxs[s])
}

// ReleaseOutput returns the oldest in-use index to the free queue.
func (p *UniformPolicy) ReleaseOutput() {
	idxs, ok := p.popInUse()
	if !ok {
		return
	}
	p.free.push(idxs[stage.CPU])
}

// SeparatePolicy keeps independent slot indices per stage.
//
// Description:
//
//	Every stage has its own free queue and its own depth: CPU uses the CPU
//	depth while Mixed and GPU use the GPU depth. An iteration picks up one
//	index per stage as it moves forward. The CPU index is freed once the
//	Mixed stage has consumed it; Mixed and GPU indices are freed when the
//	output is released, since outputs may live in either stage's storage.
//	This lets the CPU stage run ahead of Mixed by up to its own depth.
//
// Thread Safety:
//
//	Safe for concurrent use.
type SeparatePolicy struct {
	base
	depths StageDepths
	free   [stage.Count]slotQueue[int]
	// stageReady[s] holds iterations released by stage s for stage s+1.
	stageReady [stage.Count - 1]slotQueue[Idxs]
}

// NewSeparatePolicy creates an uninitialized SeparatePolicy.
func NewSeparatePolicy(logger *slog.Logger) *SeparatePolicy {
	return &SeparatePolicy{base: newBase(logger)}
}

// QueueSizes returns CPU depth for the CPU stage and GPU depth for Mixed and GPU.
func (p *SeparatePolicy) QueueSizes(sizes Sizes) (StageDepths, error) {
	if sizes.CPU < 1 || sizes.GPU < 1 {
		return StageDepths{}, fmt.Errorf("%w: depths must be at least 1, got cpu=%d gpu=%d",
			ErrInvalidDepth, sizes.CPU, sizes.GPU)
	}
	return StageDepths{sizes.CPU, sizes.GPU, sizes.GPU}, nil
}

// Initialize fills every stage's free queue.
func (p *SeparatePolicy) Initialize(depths StageDepths) error {
	for _, s := range stage.All() {
		if depths[s] < 1 {
			return fmt.Errorf("%w: %s depth must be at least 1, got %d", ErrInvalidDepth, s, depths[s])
		}
	}
	if !p.initialized.CompareAndSwap(false, true) {
		return errors.New("separate policy already initialized")
	}
	p.depths = depths
	for _, s := range stage.All() {
		for i := 0; i < depths[s]; i++ {
			p.free[s].push(i)
		}
	}
	return nil
}

// Acquire waits for the previous stage's next iteration, then for a free
// slot of stage s.
func (p *SeparatePolicy) Acquire(ctx context.Context, s stage.Kind) (Idxs, error) {
	if err := validStage(s); err != nil {
		return NoIdxs(), err
	}
	if !p.initialized.Load() {
		return NoIdxs(), ErrNotInitialized
	}
	started := time.Now()
	defer p.obs.observe(stageLabel(s), started)

	result := NoIdxs()
	if s.HasPrev() {
		prev, err := p.stageReady[s.Prev()].pop(ctx, p.stop)
		if err != nil {
			return NoIdxs(), err
		}
		result = prev
	}
	idx, err := p.free[s].pop(ctx, p.stop)
	if err != nil {
		if s.HasPrev() && !errors.Is(err, ErrStopped) {
			p.stageReady[s.Prev()].pushFront(result)
		}
		return NoIdxs(), err
	}
	result[s] = idx
	return result, nil
}

// TryAcquire is the non-blocking form of Acquire.
func (p *SeparatePolicy) TryAcquire(s stage.Kind) (Idxs, bool, error) {
	if err := validStage(s); err != nil {
		return NoIdxs(), false, err
	}
	if !p.initialized.Load() {
		return NoIdxs(), false, ErrNotInitialized
	}
	if p.IsStopSignaled() {
		return NoIdxs(), false, ErrStopped
	}
	result := NoIdxs()
	if s.HasPrev() {
		prev, ok := p.stageReady[s.Prev()].tryPop()
		if !ok {
			return NoIdxs(), false, nil
		}
		result = prev
	}
	idx, ok := p.free[s].tryPop()
	if !ok {
		if s.HasPrev() {
			p.stageReady[s.Prev()].pushFront(result)
		}
		return NoIdxs(), false, nil
	}
	result[s] = idx
	return result, true, nil
}

// Release hands the iteration to the next stage. When the Mixed stage
// releases, the CPU slot it consumed becomes free again.
func (p *SeparatePolicy) Release(s stage.Kind, idxs Idxs) {
	if s.HasNext() {
		p.stageReady[s].push(idxs)
	}
	if s == stage.Mixed && idxs[stage.CPU] >= 0 {
		p.free[stage.CPU].push(idxs[stage.CPU])
	}
}

// ReleaseOutput frees the Mixed and GPU slots of the oldest in-use output.
func (p *SeparatePolicy) ReleaseOutput() {
	idxs, ok := p.popInUse()
	if !ok {
		return
	}
	if idxs[stage.Mixed] >= 0 {
		p.free[stage.Mixed].push(idxs[stage.Mixed])
	}
	if idxs[stage.GPU] >= 0 {
		p.free[stage.GPU].push(idxs[stage.GPU])
	}
}

var (
	_ Policy = (*UniformPolicy)(nil)
	_ Policy = (*SeparatePolicy)(nil)
)
