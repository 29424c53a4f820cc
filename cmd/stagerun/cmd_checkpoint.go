// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stagepipe/services/pipeline/checkpoint"
)

func (a *app) newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "List and inspect stored checkpoints",
	}

	var pipeline string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the checkpoints of a pipeline, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(store checkpoint.Store) error {
				summaries, err := store.List(cmd.Context(), pipeline)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), summaries)
			})
		},
	}
	list.Flags().StringVar(&pipeline, "pipeline", demoPipeline, "pipeline name")

	inspect := &cobra.Command{
		Use:   "inspect <file|id|latest>",
		Short: "Print a checkpoint with the size of every operator state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.inspect(cmd.Context(), cmd.OutOrStdout(), pipeline, args[0])
		},
	}
	inspect.Flags().StringVar(&pipeline, "pipeline", demoPipeline, `pipeline searched for "latest"`)

	cmd.AddCommand(list, inspect)
	return cmd
}

// withStore opens the configured store for fn and closes it afterwards.
func (a *app) withStore(fn func(checkpoint.Store) error) error {
	store, err := a.cfg.Checkpoint.OpenStore(a.logger.Slog())
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	if store == nil {
		return errNoStore
	}
	defer store.Close()
	return fn(store)
}

// operatorView describes one operator state. State is shown inline when
// it is JSON.
type operatorView struct {
	Operator string          `json:"operator"`
	Bytes    int             `json:"bytes"`
	State    json.RawMessage `json:"state,omitempty"`
}

type checkpointView struct {
	ID        string         `json:"id"`
	Pipeline  string         `json:"pipeline"`
	Iteration int64          `json:"iteration"`
	CreatedAt string         `json:"created_at"`
	Operators []operatorView `json:"operators"`
}

func viewOf(c *checkpoint.Checkpoint) checkpointView {
	v := checkpointView{
		ID:        c.ID,
		Pipeline:  c.Pipeline,
		Iteration: c.Iteration,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
	for _, op := range c.Operators {
		ov := operatorView{Operator: op.Operator, Bytes: len(op.State)}
		if len(op.State) > 0 && json.Valid(op.State) {
			ov.State = json.RawMessage(op.State)
		}
		v.Operators = append(v.Operators, ov)
	}
	return v
}

func (a *app) inspect(ctx context.Context, w io.Writer, pipeline, ref string) error {
	store, err := a.cfg.Checkpoint.OpenStore(a.logger.Slog())
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}
	cpt, err := findCheckpoint(ctx, store, pipeline, ref)
	if err != nil {
		return err
	}
	return writeJSON(w, viewOf(cpt))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
