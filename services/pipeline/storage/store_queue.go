// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

// StoreQueue is the ring of buffers backing one tensor edge.
//
// Description:
//
//	The producer of an iteration writes into Slot(idx) where idx is the slot
//	its stage holds; consumers read the same slot. A tensor that never
//	leaves its stage needs a single slot, since a stage runs one iteration
//	at a time.
type StoreQueue struct {
	tensor int
	device StorageDevice
	slots  []*TensorList
}

// NewStoreQueue creates depth empty buffers on dev for tensor.
// depth is clamped to at least one slot.
func NewStoreQueue(tensor int, dev StorageDevice, depth int) *StoreQueue {
	if depth < 1 {
		depth = 1
	}
	q := &StoreQueue{tensor: tensor, device: dev, slots: make([]*TensorList, depth)}
	for i := range q.slots {
		q.slots[i] = NewTensorList(dev)
	}
	return q
}

// Tensor returns the id of the tensor this queue backs.
func (q *StoreQueue) Tensor() int { return q.tensor }

// Device returns where the buffers live.
func (q *StoreQueue) Device() StorageDevice { return q.device }

// Len returns the number of slots.
func (q *StoreQueue) Len() int { return len(q.slots) }

// Slot returns the buffer for stage slot idx.
func (q *StoreQueue) Slot(idx int) *TensorList {
	if idx < 0 {
		idx = 0
	}
	return q.slots[idx%len(q.slots)]
}

// Each calls fn for every buffer of the ring.
func (q *StoreQueue) Each(fn func(*TensorList)) {
	for _, s := range q.slots {
		fn(s)
	}
}
