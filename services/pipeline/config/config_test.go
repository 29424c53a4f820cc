// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stagepipe/services/pipeline/checkpoint"
	"github.com/AleutianAI/stagepipe/services/pipeline/executor"
	"github.com/AleutianAI/stagepipe/services/pipeline/queue"
	"github.com/AleutianAI/stagepipe/services/pipeline/workspace"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "separate", cfg.Executor.QueuePolicy)
	assert.Equal(t, DepthConfig{CPU: 2, GPU: 2}, cfg.Executor.PrefetchDepth)
	assert.Equal(t, StoreNone, cfg.Checkpoint.Store)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero batch", func(c *Config) { c.Executor.MaxBatchSize = 0 }, "MaxBatchSize"},
		{"negative threads", func(c *Config) { c.Executor.NumThreads = -1 }, "NumThreads"},
		{"zero depth", func(c *Config) { c.Executor.PrefetchDepth.GPU = 0 }, "GPU"},
		{"unknown queue policy", func(c *Config) { c.Executor.QueuePolicy = "ring" }, "QueuePolicy"},
		{"unknown workspace policy", func(c *Config) { c.Executor.WorkspacePolicy = "lazy" }, "WorkspacePolicy"},
		{"uniform equal depths", func(c *Config) {
			c.Executor.QueuePolicy = "uniform"
			c.Executor.PrefetchDepth = DepthConfig{CPU: 3, GPU: 3}
		}, ""},
		{"uniform unequal depths", func(c *Config) {
			c.Executor.QueuePolicy = "uniform"
			c.Executor.PrefetchDepth = DepthConfig{CPU: 3, GPU: 2}
		}, "uniform_depth"},
		{"async separate", func(c *Config) { c.Executor.Async = true }, ""},
		{"async uniform", func(c *Config) {
			c.Executor.Async = true
			c.Executor.QueuePolicy = "uniform"
		}, "async_separate"},
		{"file store without path", func(c *Config) { c.Checkpoint.Store = StoreFile }, "Path"},
		{"unknown store", func(c *Config) { c.Checkpoint.Store = "s3" }, "Store"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"bad trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }, "TraceExporter"},
		{"empty server addr", func(c *Config) { c.Server.Addr = "" }, "Addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "stagepipe.yaml", `
executor:
  max_batch_size: 8
  queue_policy: uniform
  workspace_policy: jit
  prefetch_depth:
    cpu: 3
    gpu: 3
  memory_stats: true
checkpoint:
  store: badger
  path: /tmp/cpt
logging:
  level: debug
server:
  addr: 127.0.0.1:9000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Executor.MaxBatchSize)
	assert.Equal(t, "uniform", cfg.Executor.QueuePolicy)
	assert.Equal(t, "jit", cfg.Executor.WorkspacePolicy)
	assert.Equal(t, DepthConfig{CPU: 3, GPU: 3}, cfg.Executor.PrefetchDepth)
	assert.True(t, cfg.Executor.MemoryStats)
	assert.Equal(t, StoreBadger, cfg.Checkpoint.Store)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "stagepipe.json", `{"executor": {"max_batch_size": 4, "async": true}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Executor.MaxBatchSize)
	assert.True(t, cfg.Executor.Async)
	assert.Equal(t, "separate", cfg.Executor.QueuePolicy, "unset fields keep defaults")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Executor, cfg.Executor)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "bad.yaml", "executor: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config file")

	_, err = Load(writeFile(t, "invalid.yaml", "executor:\n  max_batch_size: -3\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "stagepipe.yaml", "executor:\n  max_batch_size: 8\n  num_threads: 2\n")
	t.Setenv("STAGEPIPE_MAX_BATCH_SIZE", "16")
	t.Setenv("STAGEPIPE_CPU_PREFETCH_DEPTH", "4")
	t.Setenv("STAGEPIPE_ASYNC", "true")
	t.Setenv("STAGEPIPE_CHECKPOINT_STORE", "file")
	t.Setenv("STAGEPIPE_CHECKPOINT_PATH", t.TempDir())
	t.Setenv("STAGEPIPE_LOG_LEVEL", "warn")
	t.Setenv("STAGEPIPE_SERVER_ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Executor.MaxBatchSize)
	assert.Equal(t, 2, cfg.Executor.NumThreads)
	assert.Equal(t, 4, cfg.Executor.PrefetchDepth.CPU)
	assert.True(t, cfg.Executor.Async)
	assert.Equal(t, StoreFile, cfg.Checkpoint.Store)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoad_MalformedEnv(t *testing.T) {
	t.Setenv("STAGEPIPE_NUM_THREADS", "many")
	t.Setenv("STAGEPIPE_MEMORY_STATS", "sometimes")
	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "STAGEPIPE_NUM_THREADS")
	assert.Contains(t, err.Error(), "STAGEPIPE_MEMORY_STATS")
}

func TestExecutorConfig(t *testing.T) {
	cfg := Default()
	cfg.Executor.DeviceID = -99
	cfg.Executor.WorkspacePolicy = "jit"
	cfg.Executor.RestrictPinnedMemory = true

	ec := cfg.ExecutorConfig(nil)
	assert.Equal(t, 32, ec.MaxBatchSize)
	assert.Equal(t, -99, ec.DeviceID)
	assert.Equal(t, queue.Sizes{CPU: 2, GPU: 2}, ec.PrefetchDepth)
	assert.Equal(t, queue.KindSeparate, ec.QueuePolicy)
	assert.Equal(t, workspace.KindJIT, ec.WorkspacePolicy)
	assert.True(t, ec.RestrictPinnedMemory)
}

func TestNewDriver(t *testing.T) {
	cfg := Default()
	cfg.Executor.DeviceID = -99

	d, err := cfg.NewDriver(nil)
	require.NoError(t, err)
	assert.IsType(t, &executor.Executor{}, d)
	require.NoError(t, d.Shutdown(context.Background()))

	cfg.Executor.Async = true
	cfg.Executor.Checkpointing = true
	d, err = cfg.NewDriver(nil)
	require.NoError(t, err)
	assert.IsType(t, &executor.AsyncExecutor{}, d)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestOpenStore(t *testing.T) {
	store, err := CheckpointConfig{Store: StoreNone}.OpenStore(nil)
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = CheckpointConfig{Store: StoreFile, Path: t.TempDir()}.OpenStore(nil)
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.DirStore{}, store)
	require.NoError(t, store.Close())

	store, err = CheckpointConfig{Store: StoreBadger, Path: t.TempDir()}.OpenStore(nil)
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.BadgerStore{}, store)
	require.NoError(t, store.Close())

	_, err = CheckpointConfig{Store: "s3"}.OpenStore(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
