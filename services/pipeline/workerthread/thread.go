// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workerthread provides a long-lived goroutine bound to one OS thread
// that executes submitted work in order.
//
// The asynchronous executor runs one Thread per stage so that each stage's
// blocking handshakes never stall the caller.
package workerthread

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Sentinel errors for the workerthread package.
var (
	// ErrStopped is returned by DoWork after ForceStop or Shutdown.
	ErrStopped = errors.New("worker thread stopped")

	// ErrAffinityUnsupported is returned where CPU pinning is not available.
	ErrAffinityUnsupported = errors.New("cpu affinity not supported on this platform")
)

// Option configures a Thread.
type Option func(*Thread)

// WithCPU pins the thread to cpu. A negative value disables pinning.
func WithCPU(cpu int) Option {
	return func(t *Thread) {
		t.cpu = cpu
	}
}

// WithInit runs fn on the worker thread before it accepts work. An error
// fails WaitForInit.
func WithInit(fn func() error) Option {
	return func(t *Thread) {
		t.init = fn
	}
}

// WithLogger sets the logger. If nil, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Thread) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Thread executes work items one at a time on a dedicated OS thread.
//
// Description:
//
//	Work items run in submission order. An error or panic in a work item is
//	recorded and the thread keeps running; callers collect recorded errors
//	with CheckForErrors. ForceStop drops queued work and rejects new work;
//	Shutdown additionally waits for the goroutine to exit.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Thread struct {
	name   string
	cpu    int
	init   func() error
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func() error
	busy    bool
	running bool
	errs    []error

	initDone chan struct{}
	initErr  error
	exited   chan struct{}
}

// New starts a worker thread.
//
// Inputs:
//
//	name - Used in logs and error messages.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Thread - The running thread. Call WaitForInit before submitting work.
func New(name string, opts ...Option) *Thread {
	t := &Thread{
		name:     name,
		cpu:      -1,
		logger:   slog.Default(),
		running:  true,
		initDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cond = sync.NewCond(&t.mu)
	go t.main()
	return t
}

// Name returns the thread name.
func (t *Thread) Name() string {
	return t.name
}

func (t *Thread) main() {
	defer close(t.exited)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if t.cpu >= 0 {
		if err := setAffinity(t.cpu); err != nil {
			t.logger.Warn("cannot pin worker thread",
				slog.String("thread", t.name),
				slog.Int("cpu", t.cpu),
				slog.String("error", err.Error()),
			)
		}
	}
	if t.init != nil {
		if err := callSafely(t.init); err != nil {
			t.initErr = fmt.Errorf("init worker thread %s: %w", t.name, err)
			t.mu.Lock()
			t.running = false
			t.mu.Unlock()
			close(t.initDone)
			return
		}
	}
	close(t.initDone)

	for {
		t.mu.Lock()
		for len(t.queue) == 0 && t.running {
			t.cond.Wait()
		}
		if !t.running {
			t.queue = nil
			t.cond.Broadcast()
			t.mu.Unlock()
			return
		}
		work := t.queue[0]
		t.queue = t.queue[1:]
		t.busy = true
		t.mu.Unlock()

		err := callSafely(work)

		t.mu.Lock()
		if err != nil {
			t.errs = append(t.errs, err)
		}
		t.busy = false
		t.cond.Broadcast()
		t.mu.Unlock()
	}
}

func callSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// WaitForInit blocks until the thread is ready and returns its init error.
func (t *Thread) WaitForInit() error {
	<-t.initDone
	return t.initErr
}

// DoWork queues fn.
func (t *Thread) DoWork(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("%s: %w", t.name, ErrStopped)
	}
	t.queue = append(t.queue, fn)
	t.cond.Broadcast()
	return nil
}

// WaitForWork blocks until the queue is empty and no item is running.
func (t *Thread) WaitForWork() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for (len(t.queue) > 0 || t.busy) && t.running {
		t.cond.Wait()
	}
}

// Idle reports whether the thread has nothing queued or running.
func (t *Thread) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue) == 0 && !t.busy
}

// CheckForErrors returns and removes the oldest recorded error, if any.
func (t *Thread) CheckForErrors() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errs) == 0 {
		return nil
	}
	err := t.errs[0]
	t.errs = t.errs[1:]
	return fmt.Errorf("error in worker thread %s: %w", t.name, err)
}

// ForceStop drops queued work and rejects new work. The item currently
// running, if any, is allowed to finish.
func (t *Thread) ForceStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.queue = nil
	t.cond.Broadcast()
}

// Shutdown stops the thread and waits for its goroutine to exit.
func (t *Thread) Shutdown() {
	t.ForceStop()
	<-t.exited
}
