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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
)

func newSeparate(t *testing.T, cpu, gpu int) *SeparatePolicy {
	t.Helper()
	p := NewSeparatePolicy(nil)
	depths, err := p.QueueSizes(Sizes{CPU: cpu, GPU: gpu})
	require.NoError(t, err)
	require.NoError(t, p.Initialize(depths))
	return p
}

func newUniform(t *testing.T, depth int) *UniformPolicy {
	t.Helper()
	p := NewUniformPolicy(nil)
	depths, err := p.QueueSizes(Uniform(depth))
	require.NoError(t, err)
	require.NoError(t, p.Initialize(depths))
	return p
}

func TestQueueSizes(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		sizes   Sizes
		want    StageDepths
		wantErr bool
	}{
		{"uniform equal", NewUniformPolicy(nil), Sizes{CPU: 2, GPU: 2}, StageDepths{2, 2, 2}, false},
		{"uniform unequal", NewUniformPolicy(nil), Sizes{CPU: 3, GPU: 2}, StageDepths{}, true},
		{"uniform zero", NewUniformPolicy(nil), Sizes{}, StageDepths{}, true},
		{"separate", NewSeparatePolicy(nil), Sizes{CPU: 3, GPU: 2}, StageDepths{3, 2, 2}, false},
		{"separate zero gpu", NewSeparatePolicy(nil), Sizes{CPU: 3, GPU: 0}, StageDepths{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.QueueSizes(tt.sizes)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidDepth))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New("lifo", nil)
	require.Error(t, err)

	p, err := New(KindSeparate, nil)
	require.NoError(t, err)
	assert.IsType(t, &SeparatePolicy{}, p)
}

func TestAcquire_BeforeInitialize(t *testing.T) {
	p := NewSeparatePolicy(nil)
	_, err := p.Acquire(context.Background(), stage.CPU)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestUniformPolicy_FullIteration(t *testing.T) {
	p := newUniform(t, 2)
	ctx := context.Background()

	for want := 0; want < 2; want++ {
		cpu, err := p.Acquire(ctx, stage.CPU)
		require.NoError(t, err)
		assert.Equal(t, want, cpu.Of(stage.CPU))
		p.Release(stage.CPU, cpu)

		mixed, err := p.Acquire(ctx, stage.Mixed)
		require.NoError(t, err)
		assert.Equal(t, want, mixed.Of(stage.Mixed))
		p.Release(stage.Mixed, mixed)

		gpu, err := p.Acquire(ctx, stage.GPU)
		require.NoError(t, err)
		assert.Equal(t, want, gpu.Of(stage.GPU))
		p.Release(stage.GPU, gpu)
		p.QueueOutput(gpu)
	}

	// Queue is full: no CPU slot until an output is released.
	_, ok, err := p.TryAcquire(stage.CPU)
	require.NoError(t, err)
	assert.False(t, ok)

	out, err := p.UseOutput(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Of(stage.GPU))
	assert.Equal(t, 1, p.InUseOutputs())

	p.ReleaseOutput()
	assert.Equal(t, 0, p.InUseOutputs())

	cpu, ok, err := p.TryAcquire(stage.CPU)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, cpu.Of(stage.CPU))
}

func TestSeparatePolicy_CPURunsAhead(t *testing.T) {
	p := newSeparate(t, 3, 1)
	ctx := context.Background()

	// CPU can take all three of its slots without any consumer.
	for i := 0; i < 3; i++ {
		idxs, err := p.Acquire(ctx, stage.CPU)
		require.NoError(t, err)
		assert.Equal(t, i, idxs.Of(stage.CPU))
		p.Release(stage.CPU, idxs)
	}
	_, ok, err := p.TryAcquire(stage.CPU)
	require.NoError(t, err)
	assert.False(t, ok, "cpu stage must not exceed its depth")

	// Mixed consumes the oldest CPU iteration and frees its CPU slot.
	mixed, err := p.Acquire(ctx, stage.Mixed)
	require.NoError(t, err)
	assert.Equal(t, 0, mixed.Of(stage.CPU))
	assert.Equal(t, 0, mixed.Of(stage.Mixed))
	p.Release(stage.Mixed, mixed)

	cpu, ok, err := p.TryAcquire(stage.CPU)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, cpu.Of(stage.CPU))

	// Mixed depth is 1: the second Mixed acquire must wait for the output.
	_, ok, err = p.TryAcquire(stage.Mixed)
	require.NoError(t, err)
	assert.False(t, ok)

	gpu, err := p.Acquire(ctx, stage.GPU)
	require.NoError(t, err)
	assert.Equal(t, Idxs{0, 0, 0}, gpu)
	p.Release(stage.GPU, gpu)
	p.QueueOutput(gpu)

	out, err := p.UseOutput(ctx)
	require.NoError(t, err)
	assert.Equal(t, gpu, out)
	p.ReleaseOutput()

	mixed, ok, err = p.TryAcquire(stage.Mixed)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, mixed.Of(stage.CPU))
	assert.Equal(t, 0, mixed.Of(stage.Mixed))
}

func TestSeparatePolicy_TryAcquireKeepsReadyIteration(t *testing.T) {
	p := newSeparate(t, 2, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		idxs, err := p.Acquire(ctx, stage.CPU)
		require.NoError(t, err)
		p.Release(stage.CPU, idxs)
	}
	first, err := p.Acquire(ctx, stage.Mixed)
	require.NoError(t, err)
	p.Release(stage.Mixed, first)

	// No free Mixed slot: the ready CPU iteration must stay queued.
	_, ok, err := p.TryAcquire(stage.Mixed)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, 1, p.stageReady[stage.CPU].len())
}

func TestSignalStop_UnblocksWaiters(t *testing.T) {
	p := newSeparate(t, 1, 1)

	errs := make(chan error, 2)
	go func() {
		_, err := p.Acquire(context.Background(), stage.GPU)
		errs <- err
	}()
	go func() {
		_, err := p.UseOutput(context.Background())
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return p.stageReady[stage.Mixed].numWaiters() == 1 && p.ready.numWaiters() == 1
	}, time.Second, time.Millisecond)

	p.SignalStop()
	p.SignalStop() // idempotent
	assert.True(t, p.IsStopSignaled())

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrStopped)
		case <-time.After(time.Second):
			t.Fatal("waiter not released by SignalStop")
		}
	}

	_, err := p.Acquire(context.Background(), stage.CPU)
	assert.ErrorIs(t, err, ErrStopped)
	_, _, err = p.TryAcquire(stage.CPU)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestAcquire_ContextCancelDoesNotLoseSlot(t *testing.T) {
	p := newUniform(t, 1)
	ctx := context.Background()

	idxs, err := p.Acquire(ctx, stage.CPU)
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(cctx, stage.CPU)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Complete the iteration and release it; the slot must be reusable.
	p.Release(stage.CPU, idxs)
	m, err := p.Acquire(ctx, stage.Mixed)
	require.NoError(t, err)
	p.Release(stage.Mixed, m)
	g, err := p.Acquire(ctx, stage.GPU)
	require.NoError(t, err)
	p.QueueOutput(g)
	_, err = p.UseOutput(ctx)
	require.NoError(t, err)
	p.ReleaseOutput()

	again, ok, err := p.TryAcquire(stage.CPU)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, again.Of(stage.CPU))
}

func TestSlotQueue_FIFOWaiters(t *testing.T) {
	var q slotQueue[int]
	stop := make(chan struct{})

	const waiters = 5
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := q.pop(context.Background(), stop)
			if err == nil {
				order <- id
			}
		}(i)
		// Make sure waiter i is enqueued before waiter i+1.
		require.Eventually(t, func() bool { return q.numWaiters() == i+1 }, time.Second, time.Millisecond)
	}

	for i := 0; i < waiters; i++ {
		q.push(i)
		got := <-order
		assert.Equal(t, i, got, "waiters must be served in arrival order")
	}
	wg.Wait()
}

func TestSlotQueue_LateCallerDoesNotOvertake(t *testing.T) {
	var q slotQueue[int]
	stop := make(chan struct{})

	got := make(chan int, 1)
	go func() {
		v, err := q.pop(context.Background(), stop)
		if err == nil {
			got <- v
		}
	}()
	require.Eventually(t, func() bool { return q.numWaiters() == 1 }, time.Second, time.Millisecond)

	q.push(7)
	_, ok := q.tryPop()
	assert.False(t, ok, "item belongs to the earlier waiter")
	assert.Equal(t, 7, <-got)
}
