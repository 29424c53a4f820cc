// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workerpool runs host-parallel work for CPU operators.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ErrInvalidSize is returned when a pool is created with fewer than one worker.
var ErrInvalidSize = errors.New("worker pool needs at least one worker")

// Pool bounds host parallelism for CPU operators.
//
// Description:
//
//	ParallelFor fans work items out over at most NumWorkers goroutines and
//	stops scheduling new items after the first failure. A panic inside a
//	work item is returned as an error rather than crashing the process.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent ParallelFor calls each get their own
//	limit of NumWorkers goroutines.
type Pool struct {
	workers int
}

// New creates a pool with n workers. n == 0 selects runtime.NumCPU().
func New(n int) (*Pool, error) {
	if n == 0 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, n)
	}
	return &Pool{workers: n}, nil
}

// NumWorkers returns the pool size.
func (p *Pool) NumWorkers() int {
	return p.workers
}

// ParallelFor calls fn(i) for every i in [0, n).
//
// Inputs:
//
//	ctx - Cancels scheduling of remaining items.
//	n - Number of work items.
//	fn - Work function, called concurrently.
//
// Outputs:
//
//	error - The first error returned by fn, or ctx.Err().
func (p *Pool) ParallelFor(ctx context.Context, n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	if n == 1 || p.workers == 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := safeCall(fn, i); err != nil {
				return err
			}
		}
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := 0; i < n; i++ {
		if gCtx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			return safeCall(fn, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func safeCall(fn func(int) error, i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work item %d panicked: %v", i, r)
		}
	}()
	return fn(i)
}
