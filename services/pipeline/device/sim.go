// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package device

import (
	"context"
	"fmt"
	"sync"
)

// SimDevice is a software device.
//
// Description:
//
//	Every stream owns one goroutine that executes enqueued work strictly in
//	order. Events are armed by Record and fire when the stream goroutine
//	reaches the record marker. A stream that waits on an event blocks its
//	goroutine at the wait marker, not the host.
//
//	The first error returned by a work function becomes the stream's sticky
//	error: later work functions on that stream are skipped, markers still
//	run, and every event recorded afterwards reports the error.
//
// Thread Safety:
//
//	Safe for concurrent use.
type SimDevice struct {
	id int

	mu      sync.Mutex
	streams []*simStream
	closed  bool
}

// NewSimDevice creates a software device with the given id.
func NewSimDevice(id int) *SimDevice {
	return &SimDevice{id: id}
}

// ID returns the device id.
func (d *SimDevice) ID() int {
	return d.id
}

// NewStream starts a new stream goroutine.
func (d *SimDevice) NewStream() (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrStreamClosed
	}
	s := newSimStream(d)
	d.streams = append(d.streams, s)
	return s, nil
}

// NewEvent creates an event that has not been recorded yet.
func (d *SimDevice) NewEvent() (Event, error) {
	return newSimEvent(d), nil
}

// Synchronize waits for every stream of the device.
func (d *SimDevice) Synchronize(ctx context.Context) error {
	d.mu.Lock()
	streams := append([]*simStream(nil), d.streams...)
	d.mu.Unlock()

	var first error
	for _, s := range streams {
		if err := s.Synchronize(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every stream. Pending work is drained first.
func (d *SimDevice) Close() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	d.closed = true
	d.mu.Unlock()
	for _, s := range streams {
		_ = s.Close()
	}
	return nil
}

type simEvent struct {
	dev *SimDevice

	mu   sync.Mutex
	done chan struct{}
	err  error
}

func newSimEvent(dev *SimDevice) *simEvent {
	done := make(chan struct{})
	close(done)
	return &simEvent{dev: dev, done: done}
}

// arm starts a new record generation and returns the function that fires it.
func (e *simEvent) arm() func(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	done := make(chan struct{})
	e.done = done
	e.err = nil
	return func(err error) {
		e.mu.Lock()
		if e.done == done {
			e.err = err
		}
		e.mu.Unlock()
		close(done)
	}
}

func (e *simEvent) current() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *simEvent) Query() bool {
	select {
	case <-e.current():
		return true
	default:
		return false
	}
}

func (e *simEvent) Wait(ctx context.Context) error {
	select {
	case <-e.current():
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type streamItem struct {
	work   func() error
	marker func(stickyErr error)
}

type simStream struct {
	dev *SimDevice

	mu      sync.Mutex
	cond    *sync.Cond
	items   []streamItem
	busy    bool
	closed  bool
	err     error
	stopped chan struct{}
}

func newSimStream(dev *SimDevice) *simStream {
	s := &simStream{dev: dev, stopped: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *simStream) loop() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		for len(s.items) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.items) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		item := s.items[0]
		s.items = s.items[1:]
		s.busy = true
		sticky := s.err
		s.mu.Unlock()

		var err error
		switch {
		case item.marker != nil:
			item.marker(sticky)
		case sticky == nil:
			err = runWork(item.work)
		}

		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = err
		}
		s.busy = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// runWork converts a panic in device work into a stream error.
func runWork(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("device work panicked: %v", r)
		}
	}()
	return fn()
}

func (s *simStream) push(item streamItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.items = append(s.items, item)
	s.cond.Broadcast()
	return nil
}

func (s *simStream) Enqueue(fn func() error) error {
	if fn == nil {
		return nil
	}
	return s.push(streamItem{work: fn})
}

func (s *simStream) event(ev Event) (*simEvent, error) {
	se, ok := ev.(*simEvent)
	if !ok || se.dev != s.dev {
		return nil, ErrForeignEvent
	}
	return se, nil
}

func (s *simStream) Record(ev Event) error {
	se, err := s.event(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	fire := se.arm()
	if err := s.push(streamItem{marker: fire}); err != nil {
		fire(err)
		return err
	}
	return nil
}

func (s *simStream) WaitEvent(ev Event) error {
	se, err := s.event(ev)
	if err != nil {
		return err
	}
	done := se.current()
	return s.push(streamItem{marker: func(error) {
		<-done
	}})
}

func (s *simStream) Synchronize(ctx context.Context) error {
	ev := newSimEvent(s.dev)
	if err := s.Record(ev); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return s.err
		}
		return err
	}
	if err := ev.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *simStream) Query() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) == 0 && !s.busy
}

func (s *simStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.stopped
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.stopped
	return nil
}

var (
	_ Device = (*SimDevice)(nil)
	_ Stream = (*simStream)(nil)
	_ Event  = (*simEvent)(nil)
)
