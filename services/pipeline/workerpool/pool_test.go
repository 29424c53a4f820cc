// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	p, err := New(0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p.NumWorkers(), 1)

	_, err = New(-1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestParallelFor_VisitsEveryItem(t *testing.T) {
	for _, workers := range []int{1, 4} {
		p, err := New(workers)
		require.NoError(t, err)

		seen := make([]int32, 100)
		err = p.ParallelFor(context.Background(), len(seen), func(i int) error {
			atomic.AddInt32(&seen[i], 1)
			return nil
		})
		require.NoError(t, err)
		for i, v := range seen {
			assert.Equal(t, int32(1), v, "item %d", i)
		}
	}
}

func TestParallelFor_RespectsLimit(t *testing.T) {
	p, err := New(2)
	require.NoError(t, err)

	var active, peak atomic.Int32
	err = p.ParallelFor(context.Background(), 50, func(int) error {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		active.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestParallelFor_FirstError(t *testing.T) {
	p, err := New(3)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = p.ParallelFor(context.Background(), 10, func(i int) error {
		if i == 4 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestParallelFor_Panic(t *testing.T) {
	p, err := New(2)
	require.NoError(t, err)

	err = p.ParallelFor(context.Background(), 3, func(i int) error {
		if i == 1 {
			panic("kaboom")
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestParallelFor_Cancelled(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.ParallelFor(ctx, 5, func(int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, p.ParallelFor(ctx, 0, nil))
}
