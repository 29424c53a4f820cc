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
	"sync"
)

// slotQueue is a FIFO of items with FIFO waiters.
//
// A pushed item goes straight to the oldest waiter when one exists, so a
// late caller can never overtake a goroutine that started waiting earlier.
type slotQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	waiters []chan T
}

func (q *slotQueue[T]) push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- item // buffered, never blocks
		return
	}
	q.items = append(q.items, item)
}

// pushFront returns an item that was taken but not used.
func (q *slotQueue[T]) pushFront(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- item
		return
	}
	q.items = append([]T{item}, q.items...)
}

func (q *slotQueue[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.waiters) > 0 || len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// pop blocks until an item is available, stop is closed or ctx is done.
func (q *slotQueue[T]) pop(ctx context.Context, stop <-chan struct{}) (T, error) {
	var zero T
	select {
	case <-stop:
		return zero, ErrStopped
	default:
	}

	q.mu.Lock()
	if len(q.waiters) == 0 && len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return item, nil
	}
	ch := make(chan T, 1)
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case item := <-ch:
		return item, nil
	case <-stop:
		q.abandon(ch)
		return zero, ErrStopped
	case <-ctx.Done():
		q.abandon(ch)
		return zero, ctx.Err()
	}
}

// abandon removes a waiter. If an item was already handed to it, the item is
// put back at the head of the queue so no slot is lost.
func (q *slotQueue[T]) abandon(ch chan T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
	select {
	case item := <-ch:
		if len(q.waiters) > 0 {
			w := q.waiters[0]
			q.waiters = q.waiters[1:]
			w <- item
			return
		}
		q.items = append([]T{item}, q.items...)
	default:
	}
}

func (q *slotQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *slotQueue[T]) numWaiters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
