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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stagepipe/services/pipeline/ops"
	"github.com/AleutianAI/stagepipe/services/pipeline/queue"
)

func newAsync(t *testing.T, mutate func(*Config)) *AsyncExecutor {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewAsync(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestAsync_FeedScenario(t *testing.T) {
	ctx := testCtx(t)
	a := newAsync(t, func(c *Config) { c.SetAffinity = true })
	g, src := feedGraph(t)
	require.NoError(t, a.Build(g, []string{"out"}))

	n, err := a.InputFeedCount("src")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	const iterations = 6
	feed(t, src, n+iterations)
	require.NoError(t, a.Prefetch(ctx))

	depths := a.Depths()
	got, iters := drive(t, ctx, a, &depths, iterations)
	for i := range got {
		delta := int32(1 + i)
		assert.Equal(t, []int32{1 + delta, 2 + delta, 3 + delta}, got[i], "iteration %d", i)
		assert.Equal(t, int64(i), iters[i])
	}

	require.NoError(t, a.Shutdown(ctx))
	c := a.Counters()
	assert.Equal(t, int64(iterations), c.Output)
	assertCounters(t, a, a.Depths())
}

func TestAsync_RequiresSeparateQueues(t *testing.T) {
	cfg := testConfig()
	cfg.QueuePolicy = queue.KindUniform
	_, err := NewAsync(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAsync_ShutdownUnblocksOutputs(t *testing.T) {
	a := newAsync(t, nil)
	g, _ := feedGraph(t)
	require.NoError(t, a.Build(g, []string{"out"}))

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Outputs(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("Outputs did not return after Shutdown")
	}

	assert.ErrorIs(t, a.Run(context.Background()), ErrStopped)
	assert.NoError(t, a.Shutdown(context.Background()))
}

func TestAsync_OutputsHonoursContext(t *testing.T) {
	a := newAsync(t, nil)
	g, _ := feedGraph(t)
	require.NoError(t, a.Build(g, []string{"out"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Outputs(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsync_OperatorError(t *testing.T) {
	ctx := testCtx(t)
	boom := errors.New("boom")
	a := newAsync(t, nil)
	g, src := failGraph(t, &ops.Fail{Err: boom, After: 1})
	require.NoError(t, a.Build(g, []string{"out"}))
	feed(t, src, 4)
	require.NoError(t, a.Prefetch(ctx))

	var err error
	for i := 0; i < 2 && err == nil; i++ {
		_, err = a.Outputs(ctx)
	}
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "bad", stageErr.Operator)
	assert.ErrorIs(t, err, boom)

	_, err = a.Outputs(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, err, ErrFailed)
}

func TestAsync_Checkpoint(t *testing.T) {
	ctx := testCtx(t)
	a := newAsync(t, nil)
	require.NoError(t, a.EnableCheckpointing(true))
	require.NoError(t, a.Build(counterGraph(t), []string{"out"}))
	require.NoError(t, a.Prefetch(ctx))

	_, err := a.Outputs(ctx)
	require.NoError(t, err)
	cpt, err := a.GetCurrentCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, int64(1), cpt.Iteration)
	state, ok := cpt.State("count")
	require.True(t, ok)
	assert.JSONEq(t, `{"next":104}`, string(state))
}

func TestAsync_NotBuilt(t *testing.T) {
	a := newAsync(t, nil)
	assert.ErrorIs(t, a.Run(context.Background()), ErrNotBuilt)
	assert.ErrorIs(t, a.Prefetch(context.Background()), ErrNotBuilt)
	_, err := a.GetCurrentCheckpoint()
	assert.ErrorIs(t, err, ErrNotBuilt)
	assert.NoError(t, a.Init())
}

func TestAsync_ThreadsStartWithBuild(t *testing.T) {
	a := newAsync(t, nil)
	for _, th := range a.threads {
		assert.Nil(t, th, "no stage thread before Build")
	}

	failed := newAsync(t, nil)
	assert.ErrorIs(t, failed.Build(nil, []string{"out"}), ErrInvalidGraph)
	for _, th := range failed.threads {
		assert.Nil(t, th, "a failed Build starts no thread")
	}

	g, _ := feedGraph(t)
	require.NoError(t, a.Build(g, []string{"out"}))
	for _, th := range a.threads {
		require.NotNil(t, th)
		assert.True(t, th.Idle())
	}

	stopped := newAsync(t, nil)
	require.NoError(t, stopped.Shutdown(context.Background()))
	assert.ErrorIs(t, stopped.Init(), ErrStopped)
	for _, th := range stopped.threads {
		assert.Nil(t, th, "no thread starts after Shutdown")
	}
}
