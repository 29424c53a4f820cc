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
	"fmt"
	"sync"
)

// EventPool recycles events of one device.
//
// Description:
//
//	Events are created lazily on Get and returned with Put. The pool never
//	shrinks while open. Events handed out must not be used after Close.
//
// Thread Safety:
//
//	Safe for concurrent use.
type EventPool struct {
	dev Device

	mu      sync.Mutex
	free    []Event
	created int
	closed  bool
}

// NewEventPool creates an empty pool backed by dev.
func NewEventPool(dev Device) *EventPool {
	return &EventPool{dev: dev}
}

// Get returns a recycled event or creates a new one.
func (p *EventPool) Get() (Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		ev := p.free[n-1]
		p.free = p.free[:n-1]
		return ev, nil
	}
	ev, err := p.dev.NewEvent()
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	p.created++
	return ev, nil
}

// Put returns an event to the pool. Events returned after Close are dropped.
func (p *EventPool) Put(ev Event) {
	if ev == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.free = append(p.free, ev)
}

// Created returns how many events the pool created in total.
func (p *EventPool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Close releases all pooled events. Get fails afterwards.
func (p *EventPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.free = nil
}
