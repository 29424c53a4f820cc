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
	"errors"
	"fmt"

	"github.com/AleutianAI/stagepipe/services/pipeline/device"
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/queue"
	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
)

// Sentinel errors for the workspace package.
var (
	// ErrNotInitialized is returned by Get before Initialize.
	ErrNotInitialized = errors.New("workspace policy not initialized")

	// ErrNoWorkspace is returned when no workspace exists for a slot combination.
	ErrNoWorkspace = errors.New("no workspace for slot combination")

	// ErrInvalidParams is returned when Initialize gets inconsistent parameters.
	ErrInvalidParams = errors.New("invalid workspace parameters")
)

// Kind selects a Policy implementation.
type Kind string

const (
	// KindAOT builds every workspace at Build time.
	KindAOT Kind = "aot"

	// KindJIT binds a workspace on every call.
	KindJIT Kind = "jit"
)

// Params are the inputs to Policy.Initialize.
type Params struct {
	Graph *graph.Graph

	// Queues holds the slot ring of every tensor, indexed by TensorID.
	Queues []*storage.StoreQueue

	Depths queue.StageDepths

	// Uniform is true when every stage uses the same slot index.
	Uniform bool

	// Streams holds the Mixed and GPU streams; CPU is always nil. All nil
	// when the pipeline runs without a device.
	Streams [stage.Count]device.Stream

	Pool graph.HostPool

	// MixedEvents holds, per Mixed node, one event per Mixed slot.
	MixedEvents map[graph.NodeID][]device.Event
}

func (p Params) validate() error {
	if p.Graph == nil {
		return fmt.Errorf("%w: nil graph", ErrInvalidParams)
	}
	if len(p.Queues) != len(p.Graph.Tensors()) {
		return fmt.Errorf("%w: %d storage queues for %d tensors", ErrInvalidParams, len(p.Queues), len(p.Graph.Tensors()))
	}
	for _, s := range stage.All() {
		if p.Depths[s] < 1 {
			return fmt.Errorf("%w: %s depth %d", ErrInvalidParams, s, p.Depths[s])
		}
	}
	return nil
}

// Policy hands out the workspace of a node for a slot combination.
type Policy interface {
	// Initialize prepares the policy. Must be called once before Get.
	Initialize(params Params) error

	// Get returns the workspace of node for the slots in idxs.
	Get(s stage.Kind, idxs queue.Idxs, node *graph.Node) (*Workspace, error)
}

// New creates the policy named by kind.
func New(kind Kind) (Policy, error) {
	switch kind {
	case KindAOT, "":
		return NewAOTPolicy(), nil
	case KindJIT:
		return NewJITPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown workspace policy %q", kind)
	}
}

// relevant keeps only the slot indices stage s reads or writes, so equal
// bindings share one key.
func relevant(s stage.Kind, idxs queue.Idxs) queue.Idxs {
	out := queue.NoIdxs()
	switch s {
	case stage.CPU:
		out[stage.CPU] = idxs[stage.CPU]
	case stage.Mixed:
		out[stage.CPU] = idxs[stage.CPU]
		out[stage.Mixed] = idxs[stage.Mixed]
	case stage.GPU:
		out[stage.Mixed] = idxs[stage.Mixed]
		out[stage.GPU] = idxs[stage.GPU]
	}
	return out
}

// bind creates the workspace of node for idxs.
func bind(p *Params, node *graph.Node, idxs queue.Idxs) *Workspace {
	g := p.Graph
	ws := &Workspace{
		node:   node,
		stream: p.Streams[node.Stage],
		pool:   p.Pool,
	}
	if node.Stage == stage.CPU {
		ws.stream = nil
	}

	seen := make(map[device.Event]bool)
	for _, tid := range node.Inputs {
		producer := g.Producer(tid)
		slot := idxs[producer.Stage]
		ws.inputs = append(ws.inputs, p.Queues[tid].Slot(slot))

		if node.Stage == stage.GPU && producer.Stage == stage.Mixed {
			if events := p.MixedEvents[producer.ID]; len(events) > 0 {
				ev := events[idxs[stage.Mixed]%len(events)]
				if !seen[ev] {
					seen[ev] = true
					ws.waitEvents = append(ws.waitEvents, ev)
				}
			}
		}
	}
	for _, tid := range node.Outputs {
		ws.outputs = append(ws.outputs, p.Queues[tid].Slot(idxs[node.Stage]))
	}
	if node.Stage == stage.Mixed {
		if events := p.MixedEvents[node.ID]; len(events) > 0 {
			ws.completion = events[idxs[stage.Mixed]%len(events)]
		}
	}
	return ws
}

// combos lists the distinct relevant slot combinations of stage s.
func combos(p *Params, s stage.Kind) []queue.Idxs {
	if p.Uniform {
		out := make([]queue.Idxs, 0, p.Depths[stage.CPU])
		for i := 0; i < p.Depths[stage.CPU]; i++ {
			out = append(out, relevant(s, queue.Idxs{i, i, i}))
		}
		return out
	}

	var out []queue.Idxs
	switch s {
	case stage.CPU:
		for c := 0; c < p.Depths[stage.CPU]; c++ {
			out = append(out, queue.Idxs{c, -1, -1})
		}
	case stage.Mixed:
		for c := 0; c < p.Depths[stage.CPU]; c++ {
			for m := 0; m < p.Depths[stage.Mixed]; m++ {
				out = append(out, queue.Idxs{c, m, -1})
			}
		}
	case stage.GPU:
		for m := 0; m < p.Depths[stage.Mixed]; m++ {
			for gi := 0; gi < p.Depths[stage.GPU]; gi++ {
				out = append(out, queue.Idxs{-1, m, gi})
			}
		}
	}
	return out
}

// AOTPolicy builds the workspaces of every node for every reachable slot
// combination when initialized, so running an iteration allocates nothing.
//
// Thread Safety:
//
//	Get is safe for concurrent use after Initialize returns.
type AOTPolicy struct {
	params     Params
	workspaces [stage.Count]map[queue.Idxs]map[graph.NodeID]*Workspace
	ready      bool
}

// NewAOTPolicy creates an uninitialized AOTPolicy.
func NewAOTPolicy() *AOTPolicy {
	return &AOTPolicy{}
}

// Initialize builds all workspaces.
func (a *AOTPolicy) Initialize(params Params) error {
	if err := params.validate(); err != nil {
		return err
	}
	a.params = params
	for _, s := range stage.All() {
		byIdx := make(map[queue.Idxs]map[graph.NodeID]*Workspace)
		for _, idxs := range combos(&a.params, s) {
			nodes := make(map[graph.NodeID]*Workspace, params.Graph.NumOp(s))
			for _, node := range params.Graph.StageNodes(s) {
				nodes[node.ID] = bind(&a.params, node, idxs)
			}
			byIdx[idxs] = nodes
		}
		a.workspaces[s] = byIdx
	}
	a.ready = true
	return nil
}

// Get returns the prebuilt workspace.
func (a *AOTPolicy) Get(s stage.Kind, idxs queue.Idxs, node *graph.Node) (*Workspace, error) {
	if !a.ready {
		return nil, ErrNotInitialized
	}
	nodes, ok := a.workspaces[s][relevant(s, idxs)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %v", ErrNoWorkspace, s, idxs)
	}
	ws, ok := nodes[node.ID]
	if !ok {
		return nil, fmt.Errorf("%w: node %q on %s", ErrNoWorkspace, node.Name, s)
	}
	return ws, nil
}

// Count returns the number of prebuilt workspaces of stage s.
func (a *AOTPolicy) Count(s stage.Kind) int {
	n := 0
	for _, nodes := range a.workspaces[s] {
		n += len(nodes)
	}
	return n
}

// JITPolicy binds a fresh workspace on every Get.
type JITPolicy struct {
	params Params
	ready  bool
}

// NewJITPolicy creates an uninitialized JITPolicy.
func NewJITPolicy() *JITPolicy {
	return &JITPolicy{}
}

// Initialize stores the parameters.
func (j *JITPolicy) Initialize(params Params) error {
	if err := params.validate(); err != nil {
		return err
	}
	j.params = params
	j.ready = true
	return nil
}

// Get binds a new workspace.
func (j *JITPolicy) Get(s stage.Kind, idxs queue.Idxs, node *graph.Node) (*Workspace, error) {
	if !j.ready {
		return nil, ErrNotInitialized
	}
	if node.Stage != s {
		return nil, fmt.Errorf("%w: node %q is not on %s", ErrNoWorkspace, node.Name, s)
	}
	for _, in := range node.Inputs {
		if idxs[j.params.Graph.Producer(in).Stage] < 0 {
			return nil, fmt.Errorf("%w: %s %v", ErrNoWorkspace, s, idxs)
		}
	}
	if idxs[s] < 0 {
		return nil, fmt.Errorf("%w: %s %v", ErrNoWorkspace, s, idxs)
	}
	return bind(&j.params, node, idxs), nil
}

var (
	_ Policy = (*AOTPolicy)(nil)
	_ Policy = (*JITPolicy)(nil)
)
