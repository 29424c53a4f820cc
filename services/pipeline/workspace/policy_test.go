// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stagepipe/services/pipeline/device"
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/queue"
	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
)

func nop() graph.Operator {
	return graph.NewFuncOperator(func(context.Context, graph.Workspace) error { return nil })
}

type fixture struct {
	g      *graph.Graph
	params Params
	dev    *device.SimDevice
}

func newFixture(t *testing.T, depths queue.StageDepths, uniform bool) *fixture {
	t.Helper()
	g, err := graph.NewBuilder("ws").
		AddNode(graph.NodeSpec{Name: "src", Stage: stage.CPU, Op: nop(),
			Outputs: []graph.OutputSpec{graph.HostOut("raw")}}).
		AddNode(graph.NodeSpec{Name: "copy", Stage: stage.Mixed, Op: nop(),
			Inputs: []string{"raw"}, Outputs: []graph.OutputSpec{graph.DeviceOut("dev")}}).
		AddNode(graph.NodeSpec{Name: "inc", Stage: stage.GPU, Op: nop(),
			Inputs: []string{"dev"}, Outputs: []graph.OutputSpec{graph.DeviceOut("out")}}).
		Build()
	require.NoError(t, err)

	queues := make([]*storage.StoreQueue, len(g.Tensors()))
	for _, tn := range g.Tensors() {
		queues[tn.ID] = storage.NewStoreQueue(int(tn.ID), tn.Device, depths[g.Producer(tn.ID).Stage])
	}

	dev := device.NewSimDevice(0)
	t.Cleanup(func() { _ = dev.Close() })
	mixed, err := dev.NewStream()
	require.NoError(t, err)
	gpu, err := dev.NewStream()
	require.NoError(t, err)

	copyNode, _ := g.NodeByName("copy")
	events := make([]device.Event, depths[stage.Mixed])
	for i := range events {
		events[i], err = dev.NewEvent()
		require.NoError(t, err)
	}

	return &fixture{
		g:   g,
		dev: dev,
		params: Params{
			Graph:       g,
			Queues:      queues,
			Depths:      depths,
			Uniform:     uniform,
			Streams:     [stage.Count]device.Stream{nil, mixed, gpu},
			MixedEvents: map[graph.NodeID][]device.Event{copyNode.ID: events},
		},
	}
}

func TestAOTPolicy_BindsSlots(t *testing.T) {
	f := newFixture(t, queue.StageDepths{3, 2, 2}, false)
	p := NewAOTPolicy()
	require.NoError(t, p.Initialize(f.params))

	assert.Equal(t, 3, p.Count(stage.CPU))
	assert.Equal(t, 6, p.Count(stage.Mixed))
	assert.Equal(t, 4, p.Count(stage.GPU))

	src, _ := f.g.NodeByName("src")
	cp, _ := f.g.NodeByName("copy")
	inc, _ := f.g.NodeByName("inc")
	raw, _ := f.g.TensorByName("raw")
	dev, _ := f.g.TensorByName("dev")

	cpuWS, err := p.Get(stage.CPU, queue.Idxs{2, -1, -1}, src)
	require.NoError(t, err)
	assert.Same(t, f.params.Queues[raw.ID].Slot(2), cpuWS.Output(0))
	assert.Nil(t, cpuWS.Stream())
	assert.False(t, cpuWS.Order().IsDevice())

	mixedWS, err := p.Get(stage.Mixed, queue.Idxs{2, 1, -1}, cp)
	require.NoError(t, err)
	assert.Same(t, cpuWS.Output(0), mixedWS.Input(0), "mixed reads the cpu slot written by the cpu stage")
	assert.Same(t, f.params.Queues[dev.ID].Slot(1), mixedWS.Output(0))
	assert.Same(t, f.params.MixedEvents[cp.ID][1], mixedWS.CompletionEvent())
	assert.NotNil(t, mixedWS.Stream())

	gpuWS, err := p.Get(stage.GPU, queue.Idxs{0, 1, 0}, inc)
	require.NoError(t, err)
	assert.Same(t, mixedWS.Output(0), gpuWS.Input(0))
	require.Len(t, gpuWS.WaitEvents(), 1)
	assert.Same(t, f.params.MixedEvents[cp.ID][1], gpuWS.WaitEvents()[0])

	again, err := p.Get(stage.GPU, queue.Idxs{2, 1, 0}, inc)
	require.NoError(t, err)
	assert.Same(t, gpuWS, again, "cpu index is irrelevant to the gpu stage")

	_, err = p.Get(stage.CPU, queue.Idxs{7, -1, -1}, src)
	assert.ErrorIs(t, err, ErrNoWorkspace)
	_, err = p.Get(stage.CPU, queue.Idxs{0, -1, -1}, inc)
	assert.ErrorIs(t, err, ErrNoWorkspace)
}

func TestAOTPolicy_Uniform(t *testing.T) {
	f := newFixture(t, queue.StageDepths{2, 2, 2}, true)
	p := NewAOTPolicy()
	require.NoError(t, p.Initialize(f.params))

	assert.Equal(t, 2, p.Count(stage.CPU))
	assert.Equal(t, 2, p.Count(stage.Mixed))
	assert.Equal(t, 2, p.Count(stage.GPU))

	cp, _ := f.g.NodeByName("copy")
	ws, err := p.Get(stage.Mixed, queue.Idxs{1, 1, 1}, cp)
	require.NoError(t, err)
	assert.Same(t, f.params.MixedEvents[cp.ID][1], ws.CompletionEvent())
}

func TestJITPolicy_BindsOnDemand(t *testing.T) {
	f := newFixture(t, queue.StageDepths{2, 2, 2}, false)
	p := NewJITPolicy()

	inc, _ := f.g.NodeByName("inc")
	_, err := p.Get(stage.GPU, queue.Idxs{-1, 0, 0}, inc)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, p.Initialize(f.params))
	a, err := p.Get(stage.GPU, queue.Idxs{-1, 0, 1}, inc)
	require.NoError(t, err)
	b, err := p.Get(stage.GPU, queue.Idxs{-1, 0, 1}, inc)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Same(t, a.Output(0), b.Output(0))

	_, err = p.Get(stage.GPU, queue.Idxs{-1, -1, 1}, inc)
	assert.ErrorIs(t, err, ErrNoWorkspace)
	_, err = p.Get(stage.CPU, queue.Idxs{0, -1, -1}, inc)
	assert.ErrorIs(t, err, ErrNoWorkspace)
}

func TestInitialize_InvalidParams(t *testing.T) {
	f := newFixture(t, queue.StageDepths{1, 1, 1}, false)

	bad := f.params
	bad.Queues = bad.Queues[:1]
	assert.ErrorIs(t, NewAOTPolicy().Initialize(bad), ErrInvalidParams)

	bad = f.params
	bad.Depths = queue.StageDepths{1, 0, 1}
	assert.ErrorIs(t, NewJITPolicy().Initialize(bad), ErrInvalidParams)

	assert.ErrorIs(t, NewAOTPolicy().Initialize(Params{}), ErrInvalidParams)
}

func TestNew(t *testing.T) {
	p, err := New(KindJIT)
	require.NoError(t, err)
	assert.IsType(t, &JITPolicy{}, p)

	p, err = New("")
	require.NoError(t, err)
	assert.IsType(t, &AOTPolicy{}, p)

	_, err = New("lazy")
	require.Error(t, err)
}

func TestWorkspace_Launch(t *testing.T) {
	f := newFixture(t, queue.StageDepths{1, 1, 1}, false)
	p := NewAOTPolicy()
	require.NoError(t, p.Initialize(f.params))

	src, _ := f.g.NodeByName("src")
	inc, _ := f.g.NodeByName("inc")

	hostWS, err := p.Get(stage.CPU, queue.Idxs{0, -1, -1}, src)
	require.NoError(t, err)
	hostWS.Prepare(4, 8)
	assert.Equal(t, int64(4), hostWS.Iteration())
	assert.Equal(t, 8, hostWS.BatchSize())
	assert.Equal(t, "src", hostWS.OperatorName())

	boom := errors.New("boom")
	err = hostWS.Launch(func() error { return boom })
	var nodeErr *graph.NodeError
	require.True(t, errors.As(err, &nodeErr))
	assert.Equal(t, "src", nodeErr.NodeName)
	assert.ErrorIs(t, err, boom)

	gpuWS, err := p.Get(stage.GPU, queue.Idxs{-1, 0, 0}, inc)
	require.NoError(t, err)
	ran := false
	require.NoError(t, gpuWS.Launch(func() error {
		ran = true
		return nil
	}))
	require.NoError(t, gpuWS.Stream().Synchronize(context.Background()))
	assert.True(t, ran)

	require.NoError(t, gpuWS.Launch(func() error { return boom }))
	err = gpuWS.Stream().Synchronize(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `"inc"`)
}
