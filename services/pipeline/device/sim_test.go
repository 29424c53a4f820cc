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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimStream_RunsWorkInOrder(t *testing.T) {
	dev := NewSimDevice(0)
	defer dev.Close()

	s, err := dev.NewStream()
	require.NoError(t, err)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, s.Enqueue(func() error {
			got = append(got, i)
			return nil
		}))
	}
	require.NoError(t, s.Synchronize(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.True(t, s.Query())
}

func TestSimEvent_NeverRecordedIsFired(t *testing.T) {
	dev := NewSimDevice(0)
	ev, err := dev.NewEvent()
	require.NoError(t, err)
	assert.True(t, ev.Query())
	assert.NoError(t, ev.Wait(context.Background()))
}

func TestSimEvent_FiresAtRecordPoint(t *testing.T) {
	dev := NewSimDevice(0)
	defer dev.Close()
	s, err := dev.NewStream()
	require.NoError(t, err)
	ev, err := dev.NewEvent()
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, s.Enqueue(func() error {
		<-release
		return nil
	}))
	require.NoError(t, s.Record(ev))
	assert.False(t, ev.Query(), "event must not fire before preceding work")

	close(release)
	require.NoError(t, ev.Wait(context.Background()))
	assert.True(t, ev.Query())
}

func TestSimStream_WaitEventOrdersStreams(t *testing.T) {
	dev := NewSimDevice(0)
	defer dev.Close()
	producer, err := dev.NewStream()
	require.NoError(t, err)
	consumer, err := dev.NewStream()
	require.NoError(t, err)
	ev, err := dev.NewEvent()
	require.NoError(t, err)

	var value atomic.Int32
	release := make(chan struct{})
	require.NoError(t, producer.Enqueue(func() error {
		<-release
		value.Store(42)
		return nil
	}))
	require.NoError(t, producer.Record(ev))

	var seen atomic.Int32
	require.NoError(t, consumer.WaitEvent(ev))
	require.NoError(t, consumer.Enqueue(func() error {
		seen.Store(value.Load())
		return nil
	}))

	time.Sleep(5 * time.Millisecond)
	assert.False(t, consumer.Query(), "consumer must block on the event")

	close(release)
	require.NoError(t, consumer.Synchronize(context.Background()))
	assert.Equal(t, int32(42), seen.Load())
}

func TestSimStream_StickyError(t *testing.T) {
	dev := NewSimDevice(0)
	defer dev.Close()
	s, err := dev.NewStream()
	require.NoError(t, err)
	ev, err := dev.NewEvent()
	require.NoError(t, err)

	boom := errors.New("boom")
	ran := false
	require.NoError(t, s.Enqueue(func() error { return boom }))
	require.NoError(t, s.Enqueue(func() error {
		ran = true
		return nil
	}))
	require.NoError(t, s.Record(ev))

	assert.ErrorIs(t, ev.Wait(context.Background()), boom)
	assert.ErrorIs(t, s.Synchronize(context.Background()), boom)
	assert.False(t, ran, "work after a failure must be skipped")
}

func TestSimStream_PanicBecomesError(t *testing.T) {
	dev := NewSimDevice(0)
	defer dev.Close()
	s, err := dev.NewStream()
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(func() error { panic("bad kernel") }))
	err = s.Synchronize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad kernel")
}

func TestSimStream_ForeignEvent(t *testing.T) {
	a := NewSimDevice(0)
	b := NewSimDevice(1)
	defer a.Close()
	defer b.Close()

	s, err := a.NewStream()
	require.NoError(t, err)
	ev, err := b.NewEvent()
	require.NoError(t, err)

	assert.ErrorIs(t, s.Record(ev), ErrForeignEvent)
	assert.ErrorIs(t, s.WaitEvent(ev), ErrForeignEvent)
}

func TestSimStream_Closed(t *testing.T) {
	dev := NewSimDevice(0)
	s, err := dev.NewStream()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Enqueue(func() error { return nil }), ErrStreamClosed)

	require.NoError(t, dev.Close())
	_, err = dev.NewStream()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestAccessOrder(t *testing.T) {
	dev := NewSimDevice(0)
	defer dev.Close()
	s, err := dev.NewStream()
	require.NoError(t, err)
	ev, err := dev.NewEvent()
	require.NoError(t, err)

	assert.False(t, HostOrder.IsDevice())
	assert.True(t, OnStream(s).IsDevice())
	assert.NoError(t, HostOrder.Wait(context.Background(), nil))

	require.NoError(t, s.Record(ev))
	require.NoError(t, HostOrder.Wait(context.Background(), ev))
	require.NoError(t, OnStream(s).Wait(context.Background(), ev))
	require.NoError(t, s.Synchronize(context.Background()))
}

func TestEventPool(t *testing.T) {
	dev := NewSimDevice(0)
	pool := NewEventPool(dev)

	a, err := pool.Get()
	require.NoError(t, err)
	b, err := pool.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Created())

	pool.Put(a)
	c, err := pool.Get()
	require.NoError(t, err)
	assert.Same(t, a, c, "returned events are recycled")
	assert.Equal(t, 2, pool.Created())

	pool.Close()
	pool.Put(b)
	_, err = pool.Get()
	assert.ErrorIs(t, err, ErrPoolClosed)
}
