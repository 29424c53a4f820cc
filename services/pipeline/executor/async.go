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
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/stagepipe/services/pipeline/checkpoint"
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/queue"
	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/workerthread"
)

// AsyncExecutor runs every stage on its own worker thread.
//
// Description:
//
//	Run, RunCPU, RunMixed and RunGPU queue work on the stage threads and
//	return at once. Stages block on their queues until their predecessor
//	produced an iteration and a slot is free, so stages of different
//	iterations overlap. Outputs blocks until an iteration is ready.
//
// Thread Safety:
//
//	Safe for concurrent use, but the Outputs, ReleaseOutputs, Run sequence
//	is expected to come from one goroutine.
type AsyncExecutor struct {
	*Executor

	threads [stage.Count]*workerthread.Thread

	// workCtx is the context of queued stage work. It outlives the calls
	// that queued the work and is canceled by Shutdown.
	workCtx context.Context
	cancel  context.CancelFunc

	initOnce sync.Once
	initErr  error

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewAsync creates an executor with one worker thread per stage.
//
// Inputs:
//
//	cfg - Executor settings. QueuePolicy must be queue.KindSeparate.
//
// Outputs:
//
//	*AsyncExecutor - The executor. Its stage threads start in Init, which
//	                 Build calls, so an executor that was never built owns no
//	                 goroutines.
//	error - ErrInvalidConfig.
func NewAsync(cfg Config) (*AsyncExecutor, error) {
	if cfg.QueuePolicy != queue.KindSeparate {
		return nil, fmt.Errorf("%w: async execution needs the %q queue policy, got %q",
			ErrInvalidConfig, queue.KindSeparate, cfg.QueuePolicy)
	}
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	e.blocking = true

	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncExecutor{Executor: e, workCtx: ctx, cancel: cancel}, nil
}

func (a *AsyncExecutor) startThreads() {
	cpus := a.affinityCPUs()
	for _, s := range stage.All() {
		opts := []workerthread.Option{workerthread.WithLogger(a.logger)}
		if len(cpus) > 0 {
			opts = append(opts, workerthread.WithCPU(cpus[int(s)%len(cpus)]))
		}
		a.threads[s] = workerthread.New(s.String()+"-stage", opts...)
	}
}

// affinityCPUs returns the CPUs to pin stage threads to, none when
// pinning is off or unavailable.
func (a *AsyncExecutor) affinityCPUs() []int {
	if !a.cfg.SetAffinity {
		return nil
	}
	cpus, err := workerthread.AvailableCPUs()
	if err != nil {
		a.logger.Warn("stage thread affinity unavailable",
			slog.String("error", err.Error()),
		)
		return nil
	}
	return cpus
}

// Init starts the stage threads and waits until every one is up. It
// fails with ErrStopped after Shutdown.
func (a *AsyncExecutor) Init() error {
	a.initOnce.Do(func() {
		a.mu.Lock()
		stopped := a.state != StateRunning
		if !stopped {
			a.startThreads()
		}
		a.mu.Unlock()
		if stopped {
			a.initErr = ErrStopped
			return
		}
		var errs []error
		for _, th := range a.threads {
			if err := th.WaitForInit(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			a.initErr = fmt.Errorf("%w: %w", ErrInitFailed, errors.Join(errs...))
		}
	})
	return a.initErr
}

// Build builds the pipeline and starts the stage threads. A failed Build
// starts none.
func (a *AsyncExecutor) Build(g *graph.Graph, outputNames []string) error {
	if err := a.Executor.Build(g, outputNames); err != nil {
		return err
	}
	return a.Init()
}

func (a *AsyncExecutor) enqueue(s stage.Kind) error {
	if !a.built.Load() {
		return ErrNotBuilt
	}
	a.issued.Store(true)
	err := a.threads[s].DoWork(func() error {
		return a.runStage(a.workCtx, s)
	})
	if errors.Is(err, workerthread.ErrStopped) {
		return fmt.Errorf("%w: %w", ErrStopped, err)
	}
	return err
}

// RunCPU queues the CPU stage of the next iteration.
func (a *AsyncExecutor) RunCPU(context.Context) error {
	return a.enqueue(stage.CPU)
}

// RunMixed queues the Mixed stage of the next iteration.
func (a *AsyncExecutor) RunMixed(context.Context) error {
	return a.enqueue(stage.Mixed)
}

// RunGPU queues the GPU stage of the next iteration.
func (a *AsyncExecutor) RunGPU(context.Context) error {
	return a.enqueue(stage.GPU)
}

// Run queues one iteration of every stage.
func (a *AsyncExecutor) Run(ctx context.Context) error {
	if err := a.RunCPU(ctx); err != nil {
		return err
	}
	if err := a.RunMixed(ctx); err != nil {
		return err
	}
	return a.RunGPU(ctx)
}

// Prefetch queues enough iterations to fill every stage queue.
func (a *AsyncExecutor) Prefetch(ctx context.Context) error {
	if !a.built.Load() {
		return ErrNotBuilt
	}
	full, extra := a.prefetchPlan()
	for i := 0; i < full; i++ {
		if err := a.Run(ctx); err != nil {
			return err
		}
	}
	for i := 0; i < extra; i++ {
		if err := a.RunCPU(ctx); err != nil {
			return err
		}
	}
	return nil
}

// workerError returns the oldest error a stage thread recorded.
func (a *AsyncExecutor) workerError() error {
	for _, th := range a.threads {
		if th == nil {
			continue
		}
		if err := th.CheckForErrors(); err != nil {
			return err
		}
	}
	return nil
}

// Outputs releases the held output and waits for the next one. Errors
// recorded by the stage threads come first.
func (a *AsyncExecutor) Outputs(ctx context.Context) (*OutputSet, error) {
	a.ReleaseOutputs()
	return a.ShareOutputs(ctx)
}

// ShareOutputs waits for the next output. Errors recorded by the stage
// threads come first.
func (a *AsyncExecutor) ShareOutputs(ctx context.Context) (*OutputSet, error) {
	if err := a.workerError(); err != nil {
		return nil, err
	}
	return a.Executor.ShareOutputs(ctx)
}

// GetCurrentCheckpoint waits until the stage threads ran all queued work,
// then returns the checkpoint matching the shared outputs.
//
// Limitations:
//
//	Queued work must be able to finish: release held outputs first when
//	stages are queued behind them.
func (a *AsyncExecutor) GetCurrentCheckpoint() (*checkpoint.Checkpoint, error) {
	if !a.built.Load() {
		return nil, ErrNotBuilt
	}
	a.waitForWork()
	return a.Executor.GetCurrentCheckpoint()
}

// waitForWork blocks until every started stage thread ran its queued work.
func (a *AsyncExecutor) waitForWork() {
	for _, th := range a.threads {
		if th != nil {
			th.WaitForWork()
		}
	}
}

// Shutdown stops the queues, drops queued stage work, drains the device
// and joins the stage threads before releasing resources.
func (a *AsyncExecutor) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.stop()
		// Taking mu orders this against Init, so threads started by a
		// concurrent Init are seen here.
		a.mu.Lock()
		threads := a.threads
		a.mu.Unlock()
		for _, th := range threads {
			if th != nil {
				th.ForceStop()
			}
		}
		a.cancel()
		var errs []error
		if a.built.Load() {
			if err := a.syncDevice(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		for _, th := range threads {
			if th != nil {
				th.Shutdown()
			}
		}
		if err := a.Executor.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}

var _ Driver = (*AsyncExecutor)(nil)
