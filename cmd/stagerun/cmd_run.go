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
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stagepipe/services/pipeline/checkpoint"
)

// errNoStore is returned when a command needs the checkpoint store but
// checkpoint.store is "none".
var errNoStore = errors.New("checkpoint store is not configured (set checkpoint.store)")

type runOptions struct {
	Iterations int
	Demo       demoOptions

	// Restore is "latest", a checkpoint id or a checkpoint file.
	Restore  string
	Save     bool
	SaveFile string
}

func (r runOptions) needsCheckpoints() bool {
	return r.Restore != "" || r.Save || r.SaveFile != ""
}

func (a *app) newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the demo pipeline and print its outputs as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.Iterations, "iterations", "n", 10, "outputs to print")
	f.Int32Var(&opts.Demo.Start, "start", 0, "first counter value")
	f.Int32Var(&opts.Demo.Step, "step", 1, "counter step")
	f.Int32Var(&opts.Demo.Delta, "delta", 0, "value added on the GPU stage")
	f.StringVar(&opts.Restore, "restore", "", `resume from "latest", a checkpoint id or a checkpoint file`)
	f.BoolVar(&opts.Save, "save", false, "store the final checkpoint in the configured store")
	f.StringVar(&opts.SaveFile, "save-file", "", "write the final checkpoint to this file")
	return cmd
}

// run builds the demo pipeline from the configuration and prints opts.Iterations
// outputs to w.
func (a *app) run(ctx context.Context, w io.Writer, opts runOptions) error {
	if opts.Iterations < 1 {
		return fmt.Errorf("iterations must be positive, got %d", opts.Iterations)
	}
	stopTelemetry, err := a.startTelemetry(ctx)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	cfg := a.cfg
	if opts.needsCheckpoints() {
		cfg.Executor.Checkpointing = true
	}
	logger := a.logger.Slog()

	store, err := cfg.Checkpoint.OpenStore(logger)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}
	if opts.Save && store == nil {
		return errNoStore
	}

	d, err := cfg.NewDriver(logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Shutdown(context.Background()); err != nil {
			a.logger.Warn("executor shutdown", "error", err)
		}
	}()

	g, err := demoGraph(opts.Demo)
	if err != nil {
		return err
	}
	if err := d.Build(g, []string{demoOutput}); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	if opts.Restore != "" {
		cpt, err := findCheckpoint(ctx, store, demoPipeline, opts.Restore)
		if err != nil {
			return err
		}
		if err := d.RestoreStateFromCheckpoint(cpt); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		a.logger.Info("restored checkpoint", "id", cpt.ID, "iteration", cpt.Iteration)
	}

	enc := json.NewEncoder(w)
	if err := pump(ctx, d, opts.Iterations, func(rec outputRecord) error {
		return enc.Encode(rec)
	}); err != nil {
		return err
	}

	if opts.Save || opts.SaveFile != "" {
		cpt, err := d.GetCurrentCheckpoint()
		if err != nil {
			return fmt.Errorf("capture checkpoint: %w", err)
		}
		if opts.Save {
			if err := store.Put(ctx, cpt); err != nil {
				return fmt.Errorf("store checkpoint: %w", err)
			}
		}
		if opts.SaveFile != "" {
			if err := checkpoint.SaveFile(cpt, opts.SaveFile); err != nil {
				return err
			}
		}
		a.logger.Info("checkpoint saved", "id", cpt.ID, "iteration", cpt.Iteration)
	}

	if cfg.Executor.MemoryStats {
		return enc.Encode(map[string]any{"memory_stats": d.GetExecutorMeta()})
	}
	return nil
}

// findCheckpoint resolves ref as a file, "latest" or a store id.
func findCheckpoint(ctx context.Context, store checkpoint.Store, pipeline, ref string) (*checkpoint.Checkpoint, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return checkpoint.LoadFile(ref)
	}
	if store == nil {
		return nil, errNoStore
	}
	if ref == "latest" {
		return store.Latest(ctx, pipeline)
	}
	return store.Get(ctx, ref)
}
