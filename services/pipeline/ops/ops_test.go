// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ops

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stagepipe/services/pipeline/device"
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
)

// fakeWorkspace runs launched work inline.
type fakeWorkspace struct {
	name      string
	iteration int64
	batchSize int
	inputs    []*storage.TensorList
	outputs   []*storage.TensorList
}

func newWS(name string, nIn, nOut int) *fakeWorkspace {
	ws := &fakeWorkspace{name: name}
	for i := 0; i < nIn; i++ {
		ws.inputs = append(ws.inputs, storage.NewTensorList(storage.Host))
	}
	for i := 0; i < nOut; i++ {
		ws.outputs = append(ws.outputs, storage.NewTensorList(storage.Host))
	}
	return ws
}

func (w *fakeWorkspace) OperatorName() string             { return w.name }
func (w *fakeWorkspace) Stage() stage.Kind                { return stage.CPU }
func (w *fakeWorkspace) Iteration() int64                 { return w.iteration }
func (w *fakeWorkspace) BatchSize() int                   { return w.batchSize }
func (w *fakeWorkspace) NumInput() int                    { return len(w.inputs) }
func (w *fakeWorkspace) Input(i int) *storage.TensorList  { return w.inputs[i] }
func (w *fakeWorkspace) NumOutput() int                   { return len(w.outputs) }
func (w *fakeWorkspace) Output(i int) *storage.TensorList { return w.outputs[i] }
func (w *fakeWorkspace) Stream() device.Stream            { return nil }
func (w *fakeWorkspace) Order() device.AccessOrder        { return device.HostOrder }
func (w *fakeWorkspace) Pool() graph.HostPool             { return nil }
func (w *fakeWorkspace) Launch(fn func() error) error     { return fn() }

func TestExternalSource_FeedAndRun(t *testing.T) {
	src := NewExternalSource()
	assert.True(t, src.Capabilities().DynamicBatchSize)
	assert.Equal(t, 0, src.NextBatchSize())
	assert.ErrorIs(t, src.Feed(nil), ErrEmptyBatch)

	require.NoError(t, src.FeedInt32s([]int32{1, 2, 3}))
	require.NoError(t, src.FeedInt32s([]int32{4}))
	assert.Equal(t, 2, src.Pending())
	assert.Equal(t, 3, src.NextBatchSize())

	ws := newWS("src", 0, 1)
	err := src.Run(context.Background(), ws)
	assert.ErrorIs(t, err, ErrNoData, "run without advance has no batch")

	src.Advance()
	assert.Equal(t, 1, src.NextBatchSize())
	require.NoError(t, src.Run(context.Background(), ws))
	assert.Equal(t, []int32{1, 2, 3}, ws.Output(0).Int32s())
	assert.Equal(t, int64(1), src.Consumed())
	assert.Equal(t, 1, src.Pending())
}

func TestExternalSource_FeedCopiesData(t *testing.T) {
	src := NewExternalSource()
	sample := []byte{1, 2}
	require.NoError(t, src.Feed([][]byte{sample}))
	sample[0] = 9

	src.Advance()
	ws := newWS("src", 0, 1)
	require.NoError(t, src.Run(context.Background(), ws))
	got, err := ws.Output(0).Sample(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)
}

func TestExternalSource_State(t *testing.T) {
	src := NewExternalSource()
	require.NoError(t, src.FeedInt32s([]int32{1}))
	src.Advance()
	require.NoError(t, src.Run(context.Background(), newWS("src", 0, 1)))

	state, err := src.SaveState(device.HostOrder)
	require.NoError(t, err)

	restored := NewExternalSource()
	require.NoError(t, restored.RestoreState(state))
	assert.Equal(t, int64(1), restored.Consumed())
	assert.ErrorIs(t, restored.RestoreState([]byte("{")), ErrBadState)
}

func TestCounter(t *testing.T) {
	c := NewCounter(10, 0)
	ws := newWS("count", 0, 1)
	ws.batchSize = 3
	require.NoError(t, c.Run(context.Background(), ws))
	assert.Equal(t, []int32{10, 11, 12}, ws.Output(0).Int32s())

	state, err := c.SaveState(device.HostOrder)
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background(), ws))
	assert.Equal(t, []int32{13, 14, 15}, ws.Output(0).Int32s())

	require.NoError(t, c.RestoreState(state))
	require.NoError(t, c.Run(context.Background(), ws))
	assert.Equal(t, []int32{13, 14, 15}, ws.Output(0).Int32s(), "restore replays from the saved value")

	assert.ErrorIs(t, c.Run(context.Background(), newWS("count", 1, 1)), ErrArity)
}

func TestIncrement(t *testing.T) {
	tests := []struct {
		name      string
		op        *Increment
		iteration int64
		want      []int32
	}{
		{name: "delta", op: &Increment{Delta: 2}, iteration: 5, want: []int32{3, 4, 5}},
		{name: "with iteration", op: &Increment{Delta: 1, AddIteration: true}, iteration: 2, want: []int32{4, 5, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := newWS("inc", 1, 1)
			ws.iteration = tt.iteration
			ws.Input(0).SetInt32s([]int32{1, 2, 3})
			require.NoError(t, tt.op.Run(context.Background(), ws))
			assert.Equal(t, tt.want, ws.Output(0).Int32s())
			assert.Equal(t, []int32{1, 2, 3}, ws.Input(0).Int32s(), "input is not modified")
		})
	}
}

func TestPassthroughAndCopy(t *testing.T) {
	for _, op := range []graph.Operator{NewPassthrough(), NewCopyToDevice()} {
		ws := newWS("copy", 1, 1)
		ws.Input(0).SetSamples([][]byte{{1}, {2, 3}, {}})
		require.NoError(t, op.Run(context.Background(), ws))
		assert.Equal(t, [][]byte{{1}, {2, 3}, {}}, ws.Output(0).Samples())
	}
}

func TestSplitMerge(t *testing.T) {
	even := func(s []byte) bool { return binary.LittleEndian.Uint32(s)%2 == 0 }
	split := &Split{Predicate: even}
	assert.True(t, split.Capabilities().ConditionalSplit)

	sws := newWS("split", 1, 3)
	sws.Input(0).SetInt32s([]int32{1, 2, 3, 4, 6})
	require.NoError(t, split.Run(context.Background(), sws))
	assert.Equal(t, []int32{2, 4, 6}, sws.Output(0).Int32s())
	assert.Equal(t, []int32{1, 3}, sws.Output(1).Int32s())
	assert.Equal(t, []int32{0, 1, 0, 1, 1}, sws.Output(2).Int32s())

	merge := &Merge{}
	assert.True(t, merge.Capabilities().Merge)
	mws := newWS("merge", 3, 1)
	mws.inputs = []*storage.TensorList{sws.Output(0), sws.Output(1), sws.Output(2)}
	require.NoError(t, merge.Run(context.Background(), mws))
	assert.Equal(t, []int32{1, 2, 3, 4, 6}, mws.Output(0).Int32s())

	mws.Input(2).SetInt32s([]int32{1, 1, 1, 1})
	err := merge.Run(context.Background(), mws)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrSampleOutOfRange)

	assert.Error(t, (&Split{}).Run(context.Background(), sws))
}

func TestFail(t *testing.T) {
	boom := errors.New("boom")
	f := &Fail{Err: boom, After: 1}
	ws := newWS("fail", 1, 1)
	ws.Input(0).SetInt32s([]int32{7})
	require.NoError(t, f.Run(context.Background(), ws))
	assert.Equal(t, []int32{7}, ws.Output(0).Int32s())
	assert.ErrorIs(t, f.Run(context.Background(), ws), boom)
}
