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
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
)

// EnableCheckpointing turns operator state capture on or off. It must be
// called before Build.
func (e *Executor) EnableCheckpointing(enabled bool) error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	if e.built.Load() {
		return fmt.Errorf("%w: checkpointing must be configured before Build", ErrCheckpointMisuse)
	}
	e.checkpointing.Store(enabled)
	return nil
}

// GetCurrentCheckpoint returns the checkpoint matching the outputs shared
// so far.
//
// Description:
//
//	Restoring the returned checkpoint into a fresh executor built from the
//	same graph makes its first output equal to the next output this
//	executor would share. The checkpoint holds the state of every
//	checkpointable operator after it processed the last shared iteration.
//
// Outputs:
//
//	*checkpoint.Checkpoint - A copy owned by the caller.
//	error - ErrNotBuilt, or ErrCheckpointMisuse when checkpointing is
//	        disabled or a stage is executing.
//
// Limitations:
//
//	The synchronous executor must not be running a stage concurrently.
//	AsyncExecutor waits for its workers first.
func (e *Executor) GetCurrentCheckpoint() (*checkpoint.Checkpoint, error) {
	if !e.built.Load() {
		return nil, ErrNotBuilt
	}
	if !e.checkpointing.Load() {
		return nil, fmt.Errorf("%w: checkpointing is disabled", ErrCheckpointMisuse)
	}
	if n := e.busy.Load(); n > 0 {
		return nil, fmt.Errorf("%w: %d stage(s) executing", ErrCheckpointMisuse, n)
	}
	out := e.iterations[counterOutput].Load()
	cpt := e.iterData[out%int64(len(e.iterData))].checkpoint.Clone()

	e.initMetrics()
	if e.checkpoints != nil {
		e.checkpoints.Add(context.Background(), 1)
	}
	e.logger.Debug("checkpoint taken",
		slog.String("run_id", e.runID),
		slog.String("checkpoint_id", cpt.ID),
		slog.Int64("iteration", cpt.Iteration),
	)
	return cpt, nil
}

// RestoreStateFromCheckpoint loads operator state from cpt.
//
// Description:
//
//	Must be called after Build, either before the first Run or Prefetch or
//	after Shutdown. A restore after Shutdown only rewinds the operators,
//	which can then be reused by a new executor. Every
//	operator state in cpt must belong to an operator of the graph. States
//	are restored in execution order and iteration numbering continues at
//	cpt.Iteration.
//
// Outputs:
//
//	error - ErrNotBuilt, ErrCheckpointMisuse, ErrUnknownOperator or the
//	        operator's restore error.
func (e *Executor) RestoreStateFromCheckpoint(cpt *checkpoint.Checkpoint) error {
	if !e.built.Load() {
		return ErrNotBuilt
	}
	if cpt == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrCheckpointMisuse)
	}
	if e.issued.Load() && !e.closed.Load() {
		return fmt.Errorf("%w: restore while the pipeline is running; call Shutdown first", ErrCheckpointMisuse)
	}
	for _, st := range cpt.Operators {
		if _, ok := e.graph.NodeByName(st.Operator); !ok {
			return fmt.Errorf("%w: checkpoint holds state of %q", ErrUnknownOperator, st.Operator)
		}
	}
	for _, node := range e.graph.Nodes() {
		state, ok := cpt.State(node.Name)
		if !ok || state == nil {
			continue
		}
		cp, ok := node.Op.(graph.Checkpointer)
		if !ok {
			return fmt.Errorf("%w: %q holds state but cannot restore it", ErrCheckpointMisuse, node.Name)
		}
		if err := cp.RestoreState(state); err != nil {
			return fmt.Errorf("restore %q: %w", node.Name, err)
		}
	}

	e.iterBase = cpt.Iteration
	if e.checkpointing.Load() {
		seed := checkpoint.New(e.graph.Name(), cpt.Iteration, e.operatorNames())
		for _, st := range cpt.Operators {
			if err := seed.SetState(st.Operator, st.State); err != nil {
				return err
			}
		}
		e.iterData[0].checkpoint = seed
	}
	e.logger.Info("restored from checkpoint",
		slog.String("run_id", e.runID),
		slog.String("checkpoint_id", cpt.ID),
		slog.Int64("iteration", cpt.Iteration),
	)
	return nil
}
