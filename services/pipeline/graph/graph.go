// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph describes the operator graph a pipeline executes.
//
// A graph is built once with Builder and is read-only afterwards. Nodes are
// operators placed on a stage; tensors are the edges between them. The graph
// keeps nodes in execution order (by stage, then topologically) and groups
// tensors that alias each other through pass-through or merge operators.
package graph

import (
	"fmt"

	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
)

// NodeID indexes Graph.Nodes.
type NodeID int

// TensorID indexes Graph.Tensors.
type TensorID int

// Consumer is one use of a tensor as a node input.
type Consumer struct {
	Node  NodeID
	Input int
}

// Node is an operator placed on a stage.
type Node struct {
	ID    NodeID
	Name  string
	Stage stage.Kind
	Op    Operator
	Caps  Capabilities

	Inputs  []TensorID
	Outputs []TensorID

	// PassThrough maps an output index to the input index it aliases.
	PassThrough map[int]int
}

// IsBatchSizeProvider reports whether the node decides the batch size.
func (n *Node) IsBatchSizeProvider() bool {
	return n.Caps.DynamicBatchSize
}

// Tensor is an edge of the graph: one output of one node.
type Tensor struct {
	ID       TensorID
	Name     string
	Producer NodeID
	// Index is the output index on the producer.
	Index  int
	Device storage.StorageDevice
	// BytesPerSampleHint is the expected sample size; 0 means unknown.
	BytesPerSampleHint int

	Consumers []Consumer
}

// Graph is an immutable, validated operator graph.
type Graph struct {
	name    string
	nodes   []*Node
	tensors []*Tensor
	byStage [stage.Count][]*Node

	nodeByName   map[string]*Node
	tensorByName map[string]*Tensor

	// groupOf maps a tensor to its pass-through group id.
	groupOf []int
	groups  [][]TensorID
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Nodes returns all nodes in execution order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Node returns the node with id.
func (g *Graph) Node(id NodeID) *Node { return g.nodes[id] }

// NodeByName looks a node up by name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	n, ok := g.nodeByName[name]
	return n, ok
}

// StageNodes returns the nodes of stage s in execution order.
func (g *Graph) StageNodes(s stage.Kind) []*Node { return g.byStage[s] }

// NumOp returns the number of nodes on stage s.
func (g *Graph) NumOp(s stage.Kind) int { return len(g.byStage[s]) }

// Tensors returns all tensors ordered by id.
func (g *Graph) Tensors() []*Tensor { return g.tensors }

// Tensor returns the tensor with id.
func (g *Graph) Tensor(id TensorID) *Tensor { return g.tensors[id] }

// TensorByName looks a tensor up by name.
func (g *Graph) TensorByName(name string) (*Tensor, bool) {
	t, ok := g.tensorByName[name]
	return t, ok
}

// Producer returns the node producing tensor id.
func (g *Graph) Producer(id TensorID) *Node {
	return g.nodes[g.tensors[id].Producer]
}

// Group returns every tensor sharing storage decisions with id, including id.
func (g *Graph) Group(id TensorID) []TensorID {
	return g.groups[g.groupOf[id]]
}

// Groups returns all pass-through groups.
func (g *Graph) Groups() [][]TensorID { return g.groups }

// ResolveOutputs maps pipeline output names to tensors.
//
// Inputs:
//
//	names - Tensor names requested as pipeline outputs. Must not be empty.
//
// Outputs:
//
//	[]TensorID - The tensors in the order of names.
//	error - ErrOutputNotFound or ErrInvalidOutputStage.
func (g *Graph) ResolveOutputs(names []string) ([]TensorID, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no outputs requested", ErrOutputNotFound)
	}
	ids := make([]TensorID, 0, len(names))
	for _, name := range names {
		t, ok := g.tensorByName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrOutputNotFound, name)
		}
		if g.nodes[t.Producer].Stage == stage.CPU {
			return nil, fmt.Errorf("%w: %q is produced by %q", ErrInvalidOutputStage, name, g.nodes[t.Producer].Name)
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// ConsumedOnOtherStage reports whether any consumer of id runs on a stage
// other than its producer.
func (g *Graph) ConsumedOnOtherStage(id TensorID) bool {
	t := g.tensors[id]
	ps := g.nodes[t.Producer].Stage
	for _, c := range t.Consumers {
		if g.nodes[c.Node].Stage != ps {
			return true
		}
	}
	return false
}
