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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/stagepipe/services/pipeline/checkpoint"
	"github.com/AleutianAI/stagepipe/services/pipeline/executor"
)

type serveOptions struct {
	Demo demoOptions

	// Rate limits outputs per second. 0 runs unthrottled.
	Rate float64

	// CheckpointEvery captures a checkpoint every N outputs. 0 disables it.
	CheckpointEvery int
}

func (a *app) newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo pipeline continuously behind a status server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.Int32Var(&opts.Demo.Start, "start", 0, "first counter value")
	f.Int32Var(&opts.Demo.Step, "step", 1, "counter step")
	f.Int32Var(&opts.Demo.Delta, "delta", 0, "value added on the GPU stage")
	f.Float64Var(&opts.Rate, "rate", 10, "outputs per second, 0 for unthrottled")
	f.IntVar(&opts.CheckpointEvery, "checkpoint-every", 0, "capture a checkpoint every N outputs")
	return cmd
}

// serve runs the pipeline until ctx is done while the status server
// listens on server.addr.
func (a *app) serve(ctx context.Context, opts serveOptions) error {
	stopTelemetry, err := a.startTelemetry(ctx)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	cfg := a.cfg
	if opts.CheckpointEvery > 0 {
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

	board := newStatusBoard(d, g.Name())
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(board, cfg.Telemetry.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		a.logger.Info("status server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		err := a.serveLoop(loopCtx, d, board, store, opts)
		if err != nil {
			a.logger.Error("pipeline stopped", "error", err)
			board.setError(err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			cancelLoop()
			<-loopDone
			return fmt.Errorf("status server: %w", err)
		}
	}

	cancelLoop()
	<-loopDone
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	a.logger.Info("serve stopped", "outputs", d.Counters().Output)
	return nil
}

// serveLoop pumps outputs, throttled by opts.Rate, and publishes them to
// the board. Checkpoints go to the board and, when configured, the store.
func (a *app) serveLoop(ctx context.Context, d executor.Driver, board *statusBoard, store checkpoint.Store, opts serveOptions) error {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	count := 0
	err := pump(ctx, d, 0, func(rec outputRecord) error {
		board.setOutput(rec)
		count++
		if opts.CheckpointEvery > 0 && count%opts.CheckpointEvery == 0 {
			cpt, err := d.GetCurrentCheckpoint()
			if err != nil {
				return fmt.Errorf("capture checkpoint: %w", err)
			}
			board.setCheckpoint(cpt)
			if store != nil {
				if err := store.Put(ctx, cpt); err != nil {
					a.logger.Warn("store checkpoint", "id", cpt.ID, "error", err)
				}
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			// The next token lies beyond the deadline.
			<-ctx.Done()
		}
		return nil
	})
	if ctx.Err() != nil && (err == nil || errors.Is(err, executor.ErrStopped)) {
		return nil
	}
	return err
}
