// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
)

// OutputSpec declares one output of a node.
type OutputSpec struct {
	Name               string
	Device             storage.StorageDevice
	BytesPerSampleHint int
}

// HostOut declares a host output.
func HostOut(name string) OutputSpec {
	return OutputSpec{Name: name, Device: storage.Host}
}

// DeviceOut declares a device output.
func DeviceOut(name string) OutputSpec {
	return OutputSpec{Name: name, Device: storage.Device}
}

// WithHint returns a copy of o with a bytes-per-sample hint.
func (o OutputSpec) WithHint(bytesPerSample int) OutputSpec {
	o.BytesPerSampleHint = bytesPerSample
	return o
}

// NodeSpec declares a node for Builder.AddNode.
type NodeSpec struct {
	Name    string
	Stage   stage.Kind
	Op      Operator
	Inputs  []string
	Outputs []OutputSpec

	// PassThrough maps an output index to the input index it aliases.
	PassThrough map[int]int
}

// Builder constructs a Graph with validation.
//
// Description:
//
//	Builder provides a fluent API for constructing graphs. Nodes may be added
//	in any order; inputs are resolved by tensor name at Build time. Build
//	validates that every input is produced, that no cycles exist and that
//	data only flows forward through the stages:
//
//	  - CPU nodes read host tensors produced on the CPU stage and write host
//	    tensors.
//	  - Mixed nodes read tensors produced on the CPU stage.
//	  - GPU nodes read tensors produced on the Mixed or GPU stage and write
//	    device tensors.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use. Build the graph in a single goroutine.
//
// Example:
//
//	g, err := graph.NewBuilder("decode").
//	    AddNode(graph.NodeSpec{Name: "src", Stage: stage.CPU, Op: src,
//	        Outputs: []graph.OutputSpec{graph.HostOut("raw")}}).
//	    AddNode(graph.NodeSpec{Name: "upload", Stage: stage.Mixed, Op: up,
//	        Inputs: []string{"raw"}, Outputs: []graph.OutputSpec{graph.DeviceOut("dev")}}).
//	    Build()
type Builder struct {
	name   string
	specs  []NodeSpec
	names  map[string]bool
	errors []error
}

// NewBuilder creates a new graph builder.
//
// Inputs:
//
//	name - The name of the graph (used in logging/metrics).
//
// Outputs:
//
//	*Builder - The builder instance.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		names: make(map[string]bool),
	}
}

// AddNode adds a node to the graph.
//
// Description:
//
//	Records the node and its capabilities. A duplicate name, a nil operator
//	or an invalid stage is recorded as an error and reported by Build.
//
// Inputs:
//
//	spec - The node declaration.
//
// Outputs:
//
//	*Builder - The builder for chaining.
func (b *Builder) AddNode(spec NodeSpec) *Builder {
	switch {
	case spec.Op == nil:
		b.errors = append(b.errors, NewNodeError(spec.Name, ErrNilOperator))
		return b
	case !spec.Stage.Valid():
		b.errors = append(b.errors, NewNodeError(spec.Name, fmt.Errorf("%w: unknown stage %d", ErrStageOrder, spec.Stage)))
		return b
	case b.names[spec.Name]:
		b.errors = append(b.errors, NewNodeError(spec.Name, ErrDuplicateNode))
		return b
	}
	b.names[spec.Name] = true
	b.specs = append(b.specs, spec)
	return b
}

// Build validates and constructs the graph.
//
// Outputs:
//
//	*Graph - The constructed graph.
//	error - Non-nil if validation fails.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.specs) == 0 {
		return nil, ErrEmptyGraph
	}

	tensorSpec := make(map[string]tensorRef)
	for si, spec := range b.specs {
		for oi, out := range spec.Outputs {
			if _, exists := tensorSpec[out.Name]; exists {
				return nil, NewNodeError(spec.Name, fmt.Errorf("%w: %q", ErrDuplicateTensor, out.Name))
			}
			tensorSpec[out.Name] = tensorRef{spec: si, index: oi}
		}
	}

	adjList := make(map[string][]string, len(b.specs))
	for _, spec := range b.specs {
		deps := make([]string, 0, len(spec.Inputs))
		for _, in := range spec.Inputs {
			ref, ok := tensorSpec[in]
			if !ok {
				return nil, NewNodeError(spec.Name, fmt.Errorf("%w: %q", ErrTensorNotFound, in))
			}
			deps = append(deps, b.specs[ref.spec].Name)
		}
		adjList[spec.Name] = deps
		if err := validatePassThrough(spec); err != nil {
			return nil, NewNodeError(spec.Name, err)
		}
	}

	if err := b.detectCycles(adjList); err != nil {
		return nil, err
	}

	for _, spec := range b.specs {
		if err := b.validatePlacement(spec, tensorSpec); err != nil {
			return nil, NewNodeError(spec.Name, err)
		}
	}

	return b.assemble(tensorSpec), nil
}

type tensorRef struct {
	spec  int
	index int
}

func validatePassThrough(spec NodeSpec) error {
	for out, in := range spec.PassThrough {
		if out < 0 || out >= len(spec.Outputs) || in < 0 || in >= len(spec.Inputs) {
			return fmt.Errorf("%w: output %d -> input %d", ErrInvalidPassThrough, out, in)
		}
	}
	return nil
}

// validatePlacement checks that data flows forward through the stages.
func (b *Builder) validatePlacement(spec NodeSpec, tensors map[string]tensorRef) error {
	for _, in := range spec.Inputs {
		ref := tensors[in]
		producer := b.specs[ref.spec]
		dev := producer.Outputs[ref.index].Device
		switch spec.Stage {
		case stage.CPU:
			if producer.Stage != stage.CPU || dev != storage.Host {
				return fmt.Errorf("%w: cpu operator reads %q from %s stage (%s)", ErrStageOrder, in, producer.Stage, dev)
			}
		case stage.Mixed:
			if producer.Stage != stage.CPU {
				return fmt.Errorf("%w: mixed operator reads %q from %s stage", ErrStageOrder, in, producer.Stage)
			}
		case stage.GPU:
			if producer.Stage == stage.CPU {
				return fmt.Errorf("%w: gpu operator reads %q from cpu stage", ErrStageOrder, in)
			}
		}
	}
	for _, out := range spec.Outputs {
		if spec.Stage == stage.CPU && out.Device != storage.Host {
			return fmt.Errorf("%w: cpu operator cannot produce device tensor %q", ErrStageOrder, out.Name)
		}
		if spec.Stage == stage.GPU && out.Device != storage.Device {
			return fmt.Errorf("%w: gpu operator cannot produce host tensor %q", ErrStageOrder, out.Name)
		}
	}
	return nil
}

// detectCycles uses DFS to detect cycles in the graph.
func (b *Builder) detectCycles(adjList map[string][]string) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, dep := range adjList[node] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				cycleStart := 0
				for i, n := range path {
					if n == dep {
						cycleStart = i
						break
					}
				}
				cyclePath := append(append([]string(nil), path[cycleStart:]...), dep)
				return &CycleError{Path: cyclePath}
			}
		}

		path = path[:len(path)-1]
		recStack[node] = false
		return nil
	}

	// Walk in declaration order so the reported cycle is deterministic.
	for _, spec := range b.specs {
		if !visited[spec.Name] {
			if err := dfs(spec.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// assemble creates nodes in execution order and links tensors.
func (b *Builder) assemble(tensorSpec map[string]tensorRef) *Graph {
	order := b.executionOrder(tensorSpec)

	g := &Graph{
		name:         b.name,
		nodes:        make([]*Node, 0, len(order)),
		nodeByName:   make(map[string]*Node, len(order)),
		tensorByName: make(map[string]*Tensor, len(tensorSpec)),
	}

	for _, si := range order {
		spec := b.specs[si]
		node := &Node{
			ID:          NodeID(len(g.nodes)),
			Name:        spec.Name,
			Stage:       spec.Stage,
			Op:          spec.Op,
			Caps:        spec.Op.Capabilities(),
			PassThrough: spec.PassThrough,
		}
		for oi, out := range spec.Outputs {
			t := &Tensor{
				ID:                 TensorID(len(g.tensors)),
				Name:               out.Name,
				Producer:           node.ID,
				Index:              oi,
				Device:             out.Device,
				BytesPerSampleHint: out.BytesPerSampleHint,
			}
			g.tensors = append(g.tensors, t)
			g.tensorByName[t.Name] = t
			node.Outputs = append(node.Outputs, t.ID)
		}
		g.nodes = append(g.nodes, node)
		g.nodeByName[node.Name] = node
		g.byStage[node.Stage] = append(g.byStage[node.Stage], node)
	}

	// Producers precede consumers in execution order, so every input
	// tensor already exists here.
	for _, node := range g.nodes {
		spec := b.specs[indexOf(b.specs, node.Name)]
		for ii, in := range spec.Inputs {
			t := g.tensorByName[in]
			node.Inputs = append(node.Inputs, t.ID)
			t.Consumers = append(t.Consumers, Consumer{Node: node.ID, Input: ii})
		}
	}

	g.buildGroups()
	return g
}

func indexOf(specs []NodeSpec, name string) int {
	for i, s := range specs {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// executionOrder returns spec indices sorted topologically. Among ready
// nodes the earlier stage wins, then the earlier declaration.
func (b *Builder) executionOrder(tensorSpec map[string]tensorRef) []int {
	indegree := make([]int, len(b.specs))
	dependents := make([][]int, len(b.specs))
	for si, spec := range b.specs {
		seen := make(map[int]bool)
		for _, in := range spec.Inputs {
			p := tensorSpec[in].spec
			if seen[p] {
				continue
			}
			seen[p] = true
			indegree[si]++
			dependents[p] = append(dependents[p], si)
		}
	}

	ready := make([]int, 0, len(b.specs))
	for si := range b.specs {
		if indegree[si] == 0 {
			ready = append(ready, si)
		}
	}

	order := make([]int, 0, len(b.specs))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool {
			si, sj := b.specs[ready[i]], b.specs[ready[j]]
			if si.Stage != sj.Stage {
				return si.Stage < sj.Stage
			}
			return ready[i] < ready[j]
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return order
}

// buildGroups unions tensors that alias each other: pass-through pairs,
// everything flowing into and out of a merge, and the branches of a split.
func (g *Graph) buildGroups() {
	parent := make([]int, len(g.tensors))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b TensorID) {
		ra, rb := find(int(a)), find(int(b))
		if ra != rb {
			parent[rb] = ra
		}
	}

	for _, n := range g.nodes {
		for out, in := range n.PassThrough {
			union(n.Outputs[out], n.Inputs[in])
		}
		if (n.Caps.Merge || n.Caps.ConditionalSplit) && len(n.Inputs) > 0 {
			for _, in := range n.Inputs[1:] {
				if n.Caps.Merge {
					union(n.Inputs[0], in)
				}
			}
			for _, out := range n.Outputs {
				union(n.Inputs[0], out)
			}
		}
	}

	g.groupOf = make([]int, len(g.tensors))
	index := make(map[int]int)
	for i := range g.tensors {
		root := find(i)
		gid, ok := index[root]
		if !ok {
			gid = len(g.groups)
			index[root] = gid
			g.groups = append(g.groups, nil)
		}
		g.groupOf[i] = gid
		g.groups[gid] = append(g.groups[gid], TensorID(i))
	}
}
