// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage holds batch buffers and the per-tensor slot rings the
// executor rotates through.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrSampleOutOfRange is returned when a sample index is outside the batch.
var ErrSampleOutOfRange = errors.New("sample index out of range")

// StorageDevice is where a buffer lives.
type StorageDevice int

const (
	// Host is host memory.
	Host StorageDevice = iota

	// Device is accelerator memory.
	Device
)

// String returns "host" or "device".
func (d StorageDevice) String() string {
	if d == Device {
		return "device"
	}
	return "host"
}

// Buffer is the view of a batch buffer the executor needs for presizing,
// pinning and memory statistics.
type Buffer interface {
	Device() StorageDevice
	NumSamples() int
	NBytes() int
	Capacity() int
	MaxSampleNBytes() int
	MaxChunkCapacity() int
	IsContiguous() bool
	SetContiguous(bool)
	IsPinned() bool
	SetPinned(bool)
	Reserve(totalBytes int)
	ReserveSamples(bytesPerSample, numSamples int)
}

// TensorList is a batch of byte samples.
//
// Description:
//
//	A contiguous TensorList keeps all samples in one backing array; a
//	non-contiguous one allocates every sample separately. Capacity only
//	grows, so a buffer presized at build time is reused without allocation
//	as long as batches fit.
//
// Thread Safety:
//
//	Not safe for concurrent use. The slot ring guarantees a single writer.
type TensorList struct {
	device     StorageDevice
	pinned     bool
	contiguous bool

	samples [][]byte
	backing []byte
}

// NewTensorList creates an empty batch on dev.
func NewTensorList(dev StorageDevice) *TensorList {
	return &TensorList{device: dev}
}

// Device returns where the buffer lives.
func (t *TensorList) Device() StorageDevice { return t.device }

// IsPinned reports whether host memory is page-locked.
func (t *TensorList) IsPinned() bool { return t.pinned }

// SetPinned marks host memory as page-locked.
func (t *TensorList) SetPinned(pinned bool) { t.pinned = pinned }

// IsContiguous reports whether samples share one backing array.
func (t *TensorList) IsContiguous() bool { return t.contiguous }

// SetContiguous switches the layout. Existing samples are preserved.
func (t *TensorList) SetContiguous(contiguous bool) {
	if t.contiguous == contiguous {
		return
	}
	data := t.Samples()
	t.contiguous = contiguous
	if !contiguous {
		t.backing = nil
	}
	t.SetSamples(data)
}

// NumSamples returns the batch size.
func (t *TensorList) NumSamples() int { return len(t.samples) }

// NBytes returns the number of bytes in use.
func (t *TensorList) NBytes() int {
	n := 0
	for _, s := range t.samples {
		n += len(s)
	}
	return n
}

// Capacity returns the number of bytes allocated.
func (t *TensorList) Capacity() int {
	if t.contiguous {
		return cap(t.backing)
	}
	n := 0
	for _, s := range t.samples[:cap(t.samples)] {
		n += cap(s)
	}
	return n
}

// MaxSampleNBytes returns the size of the largest sample.
func (t *TensorList) MaxSampleNBytes() int {
	m := 0
	for _, s := range t.samples {
		if len(s) > m {
			m = len(s)
		}
	}
	return m
}

// MaxChunkCapacity returns the largest single allocation: the backing array
// for a contiguous list, the largest sample otherwise.
func (t *TensorList) MaxChunkCapacity() int {
	if t.contiguous {
		return cap(t.backing)
	}
	m := 0
	for _, s := range t.samples[:cap(t.samples)] {
		if cap(s) > m {
			m = cap(s)
		}
	}
	return m
}

// Reserve ensures a contiguous backing array of at least totalBytes.
func (t *TensorList) Reserve(totalBytes int) {
	if totalBytes <= cap(t.backing) {
		return
	}
	data := t.Samples()
	t.backing = make([]byte, 0, totalBytes)
	if t.contiguous {
		t.SetSamples(data)
	}
}

// ReserveSamples ensures numSamples samples of at least bytesPerSample each.
// For a contiguous list this reserves bytesPerSample*numSamples in one block.
func (t *TensorList) ReserveSamples(bytesPerSample, numSamples int) {
	if t.contiguous {
		t.Reserve(bytesPerSample * numSamples)
		return
	}
	for len(t.samples) < numSamples {
		t.samples = append(t.samples, nil)
	}
	for i := 0; i < numSamples; i++ {
		if cap(t.samples[i]) < bytesPerSample {
			grown := make([]byte, len(t.samples[i]), bytesPerSample)
			copy(grown, t.samples[i])
			t.samples[i] = grown
		}
	}
	t.samples = t.samples[:0]
}

// Resize sets the batch to len(sizes) samples with the given byte sizes.
// Sample contents are undefined afterwards.
func (t *TensorList) Resize(sizes []int) {
	total := 0
	for _, sz := range sizes {
		total += sz
	}
	if cap(t.samples) < len(sizes) {
		grown := make([][]byte, len(t.samples), len(sizes))
		copy(grown, t.samples)
		t.samples = grown
	}
	t.samples = t.samples[:len(sizes)]

	if t.contiguous {
		if cap(t.backing) < total {
			t.backing = make([]byte, total)
		}
		t.backing = t.backing[:total]
		off := 0
		for i, sz := range sizes {
			t.samples[i] = t.backing[off : off+sz : off+sz]
			off += sz
		}
		return
	}
	for i, sz := range sizes {
		if cap(t.samples[i]) < sz {
			t.samples[i] = make([]byte, sz)
		}
		t.samples[i] = t.samples[i][:sz]
	}
}

// Sample returns sample i. The slice aliases the buffer.
func (t *TensorList) Sample(i int) ([]byte, error) {
	if i < 0 || i >= len(t.samples) {
		return nil, fmt.Errorf("%w: %d of %d", ErrSampleOutOfRange, i, len(t.samples))
	}
	return t.samples[i], nil
}

// Samples returns a deep copy of all samples.
func (t *TensorList) Samples() [][]byte {
	out := make([][]byte, len(t.samples))
	for i, s := range t.samples {
		out[i] = make([]byte, len(s))
		copy(out[i], s)
	}
	return out
}

// SetSamples replaces the batch with a copy of data.
func (t *TensorList) SetSamples(data [][]byte) {
	sizes := make([]int, len(data))
	for i, d := range data {
		sizes[i] = len(d)
	}
	t.Resize(sizes)
	for i, d := range data {
		copy(t.samples[i], d)
	}
}

// CopyFrom replaces the batch with a copy of src's samples. Layout, device
// and pinning of t are kept.
func (t *TensorList) CopyFrom(src *TensorList) {
	sizes := make([]int, len(src.samples))
	for i, s := range src.samples {
		sizes[i] = len(s)
	}
	t.Resize(sizes)
	for i, s := range src.samples {
		copy(t.samples[i], s)
	}
}

// SetInt32s stores one little-endian int32 per sample.
func (t *TensorList) SetInt32s(vals []int32) {
	sizes := make([]int, len(vals))
	for i := range sizes {
		sizes[i] = 4
	}
	t.Resize(sizes)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(t.samples[i], uint32(v))
	}
}

// Int32s reads the first int32 of every sample. Samples shorter than four
// bytes read as zero.
func (t *TensorList) Int32s() []int32 {
	out := make([]int32, len(t.samples))
	for i, s := range t.samples {
		if len(s) >= 4 {
			out[i] = int32(binary.LittleEndian.Uint32(s))
		}
	}
	return out
}

var _ Buffer = (*TensorList)(nil)
