// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/stagepipe/services/pipeline/checkpoint"
	"github.com/AleutianAI/stagepipe/services/pipeline/device"
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/queue"
	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
	"github.com/AleutianAI/stagepipe/services/pipeline/workerpool"
	"github.com/AleutianAI/stagepipe/services/pipeline/workspace"
)

// Build prepares the executor to run g.
//
// Description:
//
//	Resolves the requested outputs, sizes the stage queues, creates the
//	device streams and events, allocates the slot buffers of every tensor,
//	pins and presizes them, builds the workspaces and finds the batch size
//	providers. With checkpointing enabled the state of every checkpointable
//	operator is captured as the checkpoint of iteration 0.
//
// Inputs:
//
//	g - The graph. Must contain at least one node.
//	outputNames - Names of the tensors returned by Outputs. Each must be
//	              produced on the Mixed or GPU stage.
//
// Outputs:
//
//	error - ErrAlreadyBuilt, ErrInvalidGraph, ErrInvalidConfig or a wrapped
//	        graph, queue or device error.
//
// Limitations:
//
//	Build may be called once. A failed Build leaves the executor unusable.
func (e *Executor) Build(g *graph.Graph, outputNames []string) (err error) {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	if e.built.Load() {
		return ErrAlreadyBuilt
	}
	if g == nil || len(g.Nodes()) == 0 {
		return fmt.Errorf("%w: empty graph", ErrInvalidGraph)
	}

	outputs, err := g.ResolveOutputs(outputNames)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGraph, err)
	}
	depths, err := e.qp.QueueSizes(e.cfg.PrefetchDepth)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e.graph = g
	e.outputs = outputs
	e.depths = depths

	defer func() {
		if err != nil {
			e.abortBuild()
		}
	}()

	if err := e.setupDevice(); err != nil {
		return err
	}
	if e.pool, err = workerpool.New(e.cfg.NumThreads); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	e.queues = createBackingStorage(g, outputs, depths)
	if err := e.setupStreams(); err != nil {
		return err
	}
	if err := e.setupEvents(); err != nil {
		return err
	}
	e.prepinData()
	e.presizeData()

	err = e.wp.Initialize(workspace.Params{
		Graph:       g,
		Queues:      e.queues,
		Depths:      depths,
		Uniform:     e.cfg.QueuePolicy == queue.KindUniform,
		Streams:     e.streams,
		Pool:        e.pool,
		MixedEvents: e.mixedEvents,
	})
	if err != nil {
		return fmt.Errorf("initialize workspaces: %w", err)
	}
	if err := e.qp.Initialize(depths); err != nil {
		return fmt.Errorf("initialize queues: %w", err)
	}

	if err := e.discoverProviders(); err != nil {
		return err
	}
	e.hasConditionals = detectConditionals(g)
	if err := e.setupIterationData(); err != nil {
		return err
	}

	e.built.Store(true)
	e.logger.Info("executor built",
		slog.String("run_id", e.runID),
		slog.String("pipeline", g.Name()),
		slog.Int("nodes", len(g.Nodes())),
		slog.Int("tensors", len(g.Tensors())),
		slog.String("depths", fmt.Sprintf("%v", [stage.Count]int(depths))),
		slog.String("queue_policy", string(e.cfg.QueuePolicy)),
		slog.Bool("cpu_only", e.dev == nil),
		slog.Bool("checkpointing", e.checkpointing.Load()),
	)
	return nil
}

// abortBuild releases what a failed Build created.
func (e *Executor) abortBuild() {
	for i, s := range e.streams {
		if s != nil {
			_ = s.Close()
			e.streams[i] = nil
		}
	}
	if e.events != nil {
		e.events.Close()
	}
	if e.ownsDev && e.dev != nil {
		_ = e.dev.Close()
	}
	e.dev = nil
}

func (e *Executor) setupDevice() error {
	switch {
	case e.cfg.Device != nil:
		e.dev = e.cfg.Device
	case e.cfg.DeviceID == device.CPUOnlyDeviceID:
		return nil
	default:
		e.dev = device.NewSimDevice(e.cfg.DeviceID)
		e.ownsDev = true
	}
	e.events = device.NewEventPool(e.dev)
	return nil
}

// createBackingStorage allocates one slot ring per tensor. Tensors produced
// on a stream stage, read on another stage or returned as outputs get one
// slot per slot of their producer stage. Host tensors used only inside the
// CPU stage get a single slot.
//
// A GPU iteration is issued before the previous one finished on the
// stream, so a GPU-internal tensor with a single slot would be resized on
// the host while the stream still reads it.
func createBackingStorage(g *graph.Graph, outputs []graph.TensorID, depths queue.StageDepths) []*storage.StoreQueue {
	isOutput := make(map[graph.TensorID]bool, len(outputs))
	for _, id := range outputs {
		isOutput[id] = true
	}
	queues := make([]*storage.StoreQueue, len(g.Tensors()))
	for _, t := range g.Tensors() {
		producer := g.Producer(t.ID).Stage
		depth := 1
		if producer != stage.CPU || isOutput[t.ID] || g.ConsumedOnOtherStage(t.ID) {
			depth = depths[producer]
		}
		queues[t.ID] = storage.NewStoreQueue(int(t.ID), t.Device, depth)
	}
	return queues
}

func (e *Executor) setupStreams() error {
	if e.dev == nil {
		return nil
	}
	for _, s := range []stage.Kind{stage.Mixed, stage.GPU} {
		stream, err := e.dev.NewStream()
		if err != nil {
			return fmt.Errorf("create %s stream: %w", s, err)
		}
		e.streams[s] = stream
	}
	return nil
}

// setupEvents takes the per-slot events of every Mixed node and of the
// Mixed and GPU stages from the event pool.
func (e *Executor) setupEvents() error {
	e.mixedEvents = make(map[graph.NodeID][]device.Event)
	if e.dev == nil {
		return nil
	}
	take := func(n int) ([]device.Event, error) {
		evs := make([]device.Event, n)
		for i := range evs {
			ev, err := e.events.Get()
			if err != nil {
				return nil, err
			}
			evs[i] = ev
		}
		return evs, nil
	}
	for _, node := range e.graph.StageNodes(stage.Mixed) {
		evs, err := take(e.depths[stage.Mixed])
		if err != nil {
			return fmt.Errorf("events for %q: %w", node.Name, err)
		}
		e.mixedEvents[node.ID] = evs
	}
	for _, s := range []stage.Kind{stage.Mixed, stage.GPU} {
		evs, err := take(e.depths[s])
		if err != nil {
			return fmt.Errorf("%s stage events: %w", s, err)
		}
		e.stageEvents[s] = evs
	}
	for _, id := range e.outputs {
		e.outputWait[e.graph.Producer(id).Stage] = true
	}
	// GPU slots are reused once the output is released, so the GPU work of
	// an iteration must be done by then even if it produced no output.
	if e.graph.NumOp(stage.GPU) > 0 {
		e.outputWait[stage.GPU] = true
	}
	return nil
}

func (e *Executor) eachSlot(id graph.TensorID, fn func(*storage.TensorList)) {
	e.queues[id].Each(fn)
}

// prepinData pins the host buffers copied to the device by Mixed
// operators, together with every tensor in their storage group. Groups
// join pass-through edges and every input and output of split and merge
// nodes, so pinning also reaches the branches of a conditional.
func (e *Executor) prepinData() {
	if e.cfg.RestrictPinnedMemory || e.dev == nil {
		for _, t := range e.graph.Tensors() {
			e.eachSlot(t.ID, func(tl *storage.TensorList) { tl.SetPinned(false) })
		}
		return
	}
	g := e.graph
	pinned := make(map[graph.TensorID]bool)
	pinGroup := func(id graph.TensorID) {
		for _, member := range g.Group(id) {
			if g.Tensor(member).Device != storage.Host || pinned[member] {
				continue
			}
			pinned[member] = true
			e.eachSlot(member, func(tl *storage.TensorList) { tl.SetPinned(true) })
		}
	}

	for _, node := range g.StageNodes(stage.Mixed) {
		toDevice := false
		for _, out := range node.Outputs {
			if g.Tensor(out).Device == storage.Device {
				toDevice = true
				break
			}
		}
		if !toDevice {
			continue
		}
		for _, in := range node.Inputs {
			pinGroup(in)
		}
	}
}

// presizeData marks contiguous outputs and reserves memory for tensors
// with a known sample size.
func (e *Executor) presizeData() {
	g := e.graph
	maxBatch := e.cfg.MaxBatchSize
	for _, t := range g.Tensors() {
		producer := g.Producer(t.ID)
		contiguous := producer.Stage == stage.Mixed || producer.Caps.ContiguousOutputs
		hint := t.BytesPerSampleHint
		if hint == 0 {
			hint = e.cfg.BytesPerSampleHint
		}
		e.eachSlot(t.ID, func(tl *storage.TensorList) {
			if contiguous {
				tl.SetContiguous(true)
			}
			if hint <= 0 {
				return
			}
			if t.Device == storage.Host && !tl.IsPinned() {
				return
			}
			if tl.IsContiguous() {
				tl.Reserve(hint * maxBatch)
			} else {
				tl.ReserveSamples(hint, maxBatch)
			}
		})
	}
}

func (e *Executor) discoverProviders() error {
	e.providers = e.providers[:0]
	for _, node := range e.graph.StageNodes(stage.CPU) {
		if !node.IsBatchSizeProvider() {
			continue
		}
		p, ok := node.Op.(graph.BatchSizeProvider)
		if !ok {
			return fmt.Errorf("%w: %q declares a dynamic batch size but does not provide one", ErrInvalidGraph, node.Name)
		}
		e.providers = append(e.providers, providerNode{node: node, provider: p})
	}
	for _, s := range []stage.Kind{stage.Mixed, stage.GPU} {
		for _, node := range e.graph.StageNodes(s) {
			if node.IsBatchSizeProvider() {
				return fmt.Errorf("%w: batch size provider %q must run on the CPU stage", ErrInvalidGraph, node.Name)
			}
		}
	}
	return nil
}

func detectConditionals(g *graph.Graph) bool {
	for _, node := range g.Nodes() {
		if node.Caps.Merge || node.Caps.ConditionalSplit {
			return true
		}
	}
	return false
}

// iterationRingSize is the number of iterations that may be between the
// CPU stage and the last shared output, plus one.
func (e *Executor) iterationRingSize() int {
	if e.cfg.QueuePolicy == queue.KindUniform {
		return e.depths[stage.CPU] + 1
	}
	return e.depths[stage.CPU] + e.depths[stage.GPU] + 1
}

func (e *Executor) operatorNames() []string {
	names := make([]string, 0, len(e.graph.Nodes()))
	for _, node := range e.graph.Nodes() {
		names = append(names, node.Name)
	}
	return names
}

func (e *Executor) setupIterationData() error {
	e.iterData = make([]iterationData, e.iterationRingSize())
	if !e.checkpointing.Load() {
		return nil
	}
	names := e.operatorNames()
	for i := range e.iterData {
		e.iterData[i].checkpoint = checkpoint.New(e.graph.Name(), int64(i), names)
	}
	initial := e.iterData[0].checkpoint
	initial.Reset(0)
	for _, node := range e.graph.Nodes() {
		cp, ok := node.Op.(graph.Checkpointer)
		if !ok {
			continue
		}
		state, err := cp.SaveState(device.HostOrder)
		if err != nil {
			return fmt.Errorf("initial checkpoint of %q: %w", node.Name, err)
		}
		if err := initial.SetState(node.Name, state); err != nil {
			return err
		}
	}
	return nil
}

// captureState stores the state of node after iteration iter into the
// checkpoint of iteration iter+1.
func (e *Executor) captureState(node *graph.Node, ws *workspace.Workspace, iter int64) error {
	cp, ok := node.Op.(graph.Checkpointer)
	if !ok {
		return nil
	}
	state, err := cp.SaveState(ws.Order())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	next := e.iterData[(iter+1)%int64(len(e.iterData))].checkpoint
	return next.SetState(node.Name, state)
}

// syncDevice waits for all device work. Device errors are only logged:
// they were reported through Outputs or no longer matter once stopping.
func (e *Executor) syncDevice(ctx context.Context) error {
	if e.dev == nil {
		return nil
	}
	if err := e.dev.Synchronize(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Debug("device error at shutdown", slog.String("error", err.Error()))
	}
	return nil
}
