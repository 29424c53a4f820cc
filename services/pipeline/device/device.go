// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package device defines the accelerator collaborator of the pipeline:
// ordered work streams and reusable completion events.
//
// The executor only needs four things from a device: a stream to enqueue
// work on, the ability to record an event on a stream, the ability to make a
// stream wait for an event recorded elsewhere, and a way to block the host
// until an event fired. SimDevice implements all of them in software with
// one goroutine per stream.
package device

import (
	"context"
	"errors"
)

// CPUOnlyDeviceID marks a pipeline that runs without any device.
const CPUOnlyDeviceID = -99

// Sentinel errors for the device package.
var (
	// ErrStreamClosed is returned when work is submitted to a closed stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrForeignEvent is returned when an event from another device is used.
	ErrForeignEvent = errors.New("event does not belong to this device")

	// ErrPoolClosed is returned by EventPool.Get after Close.
	ErrPoolClosed = errors.New("event pool closed")
)

// Event is a reusable completion signal.
//
// An event is armed each time it is recorded on a stream and fires when the
// stream reaches the record point. An event that was never recorded counts
// as fired.
type Event interface {
	// Query reports whether the last record point was reached.
	Query() bool

	// Wait blocks the host until the last record point was reached. It
	// returns the stream error observed at that point, if any.
	Wait(ctx context.Context) error
}

// Stream is an ordered queue of device work.
type Stream interface {
	// Enqueue schedules fn after everything already enqueued.
	Enqueue(fn func() error) error

	// Record arms ev and schedules it to fire at the current end of the stream.
	Record(ev Event) error

	// WaitEvent makes later work on this stream wait until ev fires.
	WaitEvent(ev Event) error

	// Synchronize blocks the host until all enqueued work completed and
	// returns the first work error of the stream.
	Synchronize(ctx context.Context) error

	// Query reports whether the stream is idle.
	Query() bool

	// Close drains the stream and stops it.
	Close() error
}

// Device creates streams and events and can wait for all of its work.
type Device interface {
	ID() int
	NewStream() (Stream, error)
	NewEvent() (Event, error)
	Synchronize(ctx context.Context) error
	Close() error
}

// AccessOrder identifies where an action is ordered: on a device stream, or
// on the host when Stream is nil.
type AccessOrder struct {
	Stream Stream
}

// HostOrder is the host execution order.
var HostOrder = AccessOrder{}

// OnStream returns an AccessOrder bound to s.
func OnStream(s Stream) AccessOrder {
	return AccessOrder{Stream: s}
}

// IsDevice reports whether the order refers to a device stream.
func (o AccessOrder) IsDevice() bool {
	return o.Stream != nil
}

// Wait waits for ev in this order: the host blocks, a stream is told to wait.
func (o AccessOrder) Wait(ctx context.Context, ev Event) error {
	if ev == nil {
		return nil
	}
	if o.Stream != nil {
		return o.Stream.WaitEvent(ev)
	}
	return ev.Wait(ctx)
}
