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
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/stagepipe/services/pipeline/checkpoint"
	"github.com/AleutianAI/stagepipe/services/pipeline/executor"
	"github.com/AleutianAI/stagepipe/services/pipeline/telemetry"
)

// statusBoard is what the serve loop publishes for the status server.
//
// Thread Safety:
//
//	Safe for concurrent use. The driver is only queried through its
//	goroutine-safe accessors (State, Counters, GetExecutorMeta).
type statusBoard struct {
	driver   executor.Driver
	pipeline string
	started  time.Time

	mu      sync.RWMutex
	last    *outputRecord
	cpt     *checkpoint.Checkpoint
	loopErr error
}

func newStatusBoard(d executor.Driver, pipeline string) *statusBoard {
	return &statusBoard{driver: d, pipeline: pipeline, started: time.Now()}
}

func (b *statusBoard) setOutput(rec outputRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &rec
}

func (b *statusBoard) setCheckpoint(c *checkpoint.Checkpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cpt = c
}

func (b *statusBoard) setError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loopErr = err
}

func (b *statusBoard) snapshot() (*outputRecord, *checkpoint.Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.cpt, b.loopErr
}

// metaResponse is the body of GET /v1/executor/meta.
type metaResponse struct {
	Pipeline    string            `json:"pipeline"`
	State       string            `json:"state"`
	Uptime      string            `json:"uptime"`
	Counters    executor.Counters `json:"counters"`
	MemoryStats executor.MetaMap  `json:"memory_stats,omitempty"`
	LastOutput  *outputRecord     `json:"last_output,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// newRouter registers the status endpoints.
//
//	GET /healthz                 200 while the executor is running, 503 after
//	GET /metrics                 Prometheus exposition
//	GET /v1/executor/meta        counters, memory statistics and last output
//	GET /v1/executor/checkpoint  last checkpoint captured by the serve loop
func newRouter(board *statusBoard, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/healthz", func(c *gin.Context) {
		_, _, loopErr := board.snapshot()
		state := board.driver.State()
		body := gin.H{"state": state.String()}
		if loopErr != nil {
			body["error"] = loopErr.Error()
		}
		if state != executor.StateRunning || loopErr != nil {
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		c.JSON(http.StatusOK, body)
	})

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))

	v1 := router.Group("/v1/executor")
	v1.GET("/meta", func(c *gin.Context) {
		last, _, loopErr := board.snapshot()
		resp := metaResponse{
			Pipeline:    board.pipeline,
			State:       board.driver.State().String(),
			Uptime:      time.Since(board.started).Round(time.Second).String(),
			Counters:    board.driver.Counters(),
			MemoryStats: board.driver.GetExecutorMeta(),
			LastOutput:  last,
		}
		if loopErr != nil {
			resp.Error = loopErr.Error()
		}
		c.JSON(http.StatusOK, resp)
	})
	v1.GET("/checkpoint", func(c *gin.Context) {
		_, cpt, _ := board.snapshot()
		if cpt == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no checkpoint captured"})
			return
		}
		data, err := checkpoint.Marshal(cpt)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	})
	return router
}
