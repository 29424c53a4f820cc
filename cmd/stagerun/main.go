// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command stagerun drives the demo pipeline of the staged executor.
//
// Subcommands:
//
//	stagerun run        run N iterations and print every output as JSON
//	stagerun serve      run continuously behind a status server
//	stagerun checkpoint list|inspect
//
// Configuration is read from --config (YAML or JSON) with STAGEPIPE_
// environment overrides.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/stagepipe/pkg/logging"
	"github.com/AleutianAI/stagepipe/services/pipeline/config"
	"github.com/AleutianAI/stagepipe/services/pipeline/telemetry"
)

// app carries the state shared by all subcommands of one invocation.
type app struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *logging.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "stagerun",
		Short:             "Run and inspect staged CPU/Mixed/GPU pipelines",
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.logger.Close()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML or JSON config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(a.newRunCmd(), a.newServeCmd(), a.newCheckpointCmd())
	return root
}

// setup loads the configuration and installs the process logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.cfg = cfg

	fd := os.Stderr.Fd()
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.LogDir,
		Service: "stagerun",
		JSON:    cfg.Logging.JSON || !(isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)),
		Output:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(a.logger.Slog())
	a.logger.Debug("configuration loaded",
		"config", a.configPath,
		"queue_policy", cfg.Executor.QueuePolicy,
		"async", cfg.Executor.Async,
	)
	return nil
}

// startTelemetry installs the tracer and meter providers. The returned
// function flushes them and never fails the command.
func (a *app) startTelemetry(ctx context.Context) (func(), error) {
	shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	}, nil
}
