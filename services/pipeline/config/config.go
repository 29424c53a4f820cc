// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the configuration of stagepipe processes.
//
// Values are layered with priority env > file > defaults. Files may be YAML
// or JSON; environment variables use the STAGEPIPE_ prefix. The executor
// section converts to executor.Config and the checkpoint section opens the
// configured checkpoint.Store.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/stagepipe/services/pipeline/checkpoint"
	"github.com/AleutianAI/stagepipe/services/pipeline/executor"
	"github.com/AleutianAI/stagepipe/services/pipeline/queue"
	"github.com/AleutianAI/stagepipe/services/pipeline/telemetry"
	"github.com/AleutianAI/stagepipe/services/pipeline/workspace"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STAGEPIPE_"

// Checkpoint store kinds.
const (
	StoreNone   = "none"
	StoreFile   = "file"
	StoreBadger = "badger"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(validateExecutor, ExecutorConfig{})
}

// Config is the complete process configuration.
type Config struct {
	Executor   ExecutorConfig   `json:"executor" yaml:"executor"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Telemetry  telemetry.Config `json:"telemetry" yaml:"telemetry"`
	Server     ServerConfig     `json:"server" yaml:"server"`
}

// DepthConfig holds the prefetch depths. Mixed always shares the GPU depth.
type DepthConfig struct {
	CPU int `json:"cpu" yaml:"cpu" validate:"gte=1,lte=64"`
	GPU int `json:"gpu" yaml:"gpu" validate:"gte=1,lte=64"`
}

// ExecutorConfig configures the executor.
type ExecutorConfig struct {
	MaxBatchSize       int         `json:"max_batch_size" yaml:"max_batch_size" validate:"gte=1"`
	NumThreads         int         `json:"num_threads" yaml:"num_threads" validate:"gte=0"`
	DeviceID           int         `json:"device_id" yaml:"device_id"`
	BytesPerSampleHint int         `json:"bytes_per_sample_hint" yaml:"bytes_per_sample_hint" validate:"gte=0"`
	PrefetchDepth      DepthConfig `json:"prefetch_depth" yaml:"prefetch_depth"`

	// QueuePolicy is "uniform" or "separate".
	QueuePolicy string `json:"queue_policy" yaml:"queue_policy" validate:"oneof=uniform separate"`

	// WorkspacePolicy is "aot" or "jit".
	WorkspacePolicy string `json:"workspace_policy" yaml:"workspace_policy" validate:"oneof=aot jit"`

	// Async selects AsyncExecutor. It requires separate queues.
	Async bool `json:"async" yaml:"async"`

	SetAffinity          bool `json:"set_affinity" yaml:"set_affinity"`
	RestrictPinnedMemory bool `json:"restrict_pinned_memory" yaml:"restrict_pinned_memory"`
	MemoryStats          bool `json:"memory_stats" yaml:"memory_stats"`
	Checkpointing        bool `json:"checkpointing" yaml:"checkpointing"`
}

// CheckpointConfig selects where checkpoints are persisted.
type CheckpointConfig struct {
	// Store is "none", "file" or "badger".
	Store string `json:"store" yaml:"store" validate:"oneof=none file badger"`

	// Path is the directory of the file or badger store.
	Path string `json:"path" yaml:"path" validate:"required_unless=Store none"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON   bool   `json:"json" yaml:"json"`
	LogDir string `json:"log_dir" yaml:"log_dir"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" validate:"required"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Executor: ExecutorConfig{
			MaxBatchSize:    32,
			DeviceID:        0,
			PrefetchDepth:   DepthConfig{CPU: 2, GPU: 2},
			QueuePolicy:     string(queue.KindSeparate),
			WorkspacePolicy: string(workspace.KindAOT),
		},
		Checkpoint: CheckpointConfig{Store: StoreNone},
		Logging:    LoggingConfig{Level: "info"},
		Telemetry:  telemetry.DefaultConfig(),
		Server:     ServerConfig{Addr: ":8080"},
	}
}

// Load builds the configuration with priority env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON file. Optional; a missing file keeps the defaults.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil if the file is unreadable or invalid, or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// loadEnv applies STAGEPIPE_ overrides. A malformed number or boolean is an
// error so a typo never silently keeps the file value.
func loadEnv(cfg *Config) error {
	e := &envReader{}
	ex := &cfg.Executor

	e.int("MAX_BATCH_SIZE", &ex.MaxBatchSize)
	e.int("NUM_THREADS", &ex.NumThreads)
	e.int("DEVICE_ID", &ex.DeviceID)
	e.int("BYTES_PER_SAMPLE_HINT", &ex.BytesPerSampleHint)
	e.int("CPU_PREFETCH_DEPTH", &ex.PrefetchDepth.CPU)
	e.int("GPU_PREFETCH_DEPTH", &ex.PrefetchDepth.GPU)
	e.str("QUEUE_POLICY", &ex.QueuePolicy)
	e.str("WORKSPACE_POLICY", &ex.WorkspacePolicy)
	e.bool("ASYNC", &ex.Async)
	e.bool("SET_AFFINITY", &ex.SetAffinity)
	e.bool("RESTRICT_PINNED_MEMORY", &ex.RestrictPinnedMemory)
	e.bool("MEMORY_STATS", &ex.MemoryStats)
	e.bool("CHECKPOINTING", &ex.Checkpointing)

	e.str("CHECKPOINT_STORE", &cfg.Checkpoint.Store)
	e.str("CHECKPOINT_PATH", &cfg.Checkpoint.Path)

	e.str("LOG_LEVEL", &cfg.Logging.Level)
	e.bool("LOG_JSON", &cfg.Logging.JSON)
	e.str("LOG_DIR", &cfg.Logging.LogDir)

	e.str("SERVICE_NAME", &cfg.Telemetry.ServiceName)
	e.str("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	e.str("METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	e.str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	e.str("SERVER_ADDR", &cfg.Server.Addr)

	return errors.Join(e.errs...)
}

type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) int(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalidConfig, EnvPrefix, name, v))
		return
	}
	*dst = i
}

func (e *envReader) bool(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalidConfig, EnvPrefix, name, v))
		return
	}
	*dst = b
}

// Validate checks field constraints and the cross-field rules of the
// executor section.
//
// Outputs:
//   - error: Wraps ErrInvalidConfig and the validator's field errors.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// validateExecutor enforces that uniform queues use one depth for every
// stage and that the async driver runs on separate queues.
func validateExecutor(sl validator.StructLevel) {
	ex := sl.Current().Interface().(ExecutorConfig)
	if ex.QueuePolicy == string(queue.KindUniform) && ex.PrefetchDepth.CPU != ex.PrefetchDepth.GPU {
		sl.ReportError(ex.PrefetchDepth, "prefetch_depth", "PrefetchDepth", "uniform_depth", "")
	}
	if ex.Async && ex.QueuePolicy != string(queue.KindSeparate) {
		sl.ReportError(ex.QueuePolicy, "queue_policy", "QueuePolicy", "async_separate", "")
	}
}

// ExecutorConfig converts the executor section.
//
// Inputs:
//   - logger: Logger handed to the executor. Nil selects slog.Default().
func (c Config) ExecutorConfig(logger *slog.Logger) executor.Config {
	ex := c.Executor
	return executor.Config{
		MaxBatchSize:         ex.MaxBatchSize,
		NumThreads:           ex.NumThreads,
		DeviceID:             ex.DeviceID,
		BytesPerSampleHint:   ex.BytesPerSampleHint,
		PrefetchDepth:        queue.Sizes{CPU: ex.PrefetchDepth.CPU, GPU: ex.PrefetchDepth.GPU},
		QueuePolicy:          queue.Kind(ex.QueuePolicy),
		WorkspacePolicy:      workspace.Kind(ex.WorkspacePolicy),
		SetAffinity:          ex.SetAffinity,
		RestrictPinnedMemory: ex.RestrictPinnedMemory,
		Logger:               logger,
	}
}

// NewDriver creates the executor selected by the executor section with
// memory statistics and checkpointing applied. The caller builds it.
func (c Config) NewDriver(logger *slog.Logger) (executor.Driver, error) {
	ecfg := c.ExecutorConfig(logger)
	var (
		d   executor.Driver
		err error
	)
	if c.Executor.Async {
		d, err = executor.NewAsync(ecfg)
	} else {
		d, err = executor.New(ecfg)
	}
	if err != nil {
		return nil, err
	}
	d.EnableMemoryStats(c.Executor.MemoryStats)
	if err := d.EnableCheckpointing(c.Executor.Checkpointing); err != nil {
		_ = d.Shutdown(context.Background())
		return nil, err
	}
	return d, nil
}

// OpenStore opens the configured checkpoint store.
//
// Outputs:
//   - checkpoint.Store: The store, nil when Store is "none".
//   - error: Non-nil if the store cannot be opened.
func (c CheckpointConfig) OpenStore(logger *slog.Logger) (checkpoint.Store, error) {
	switch c.Store {
	case StoreNone, "":
		return nil, nil
	case StoreFile:
		return checkpoint.NewDirStore(c.Path)
	case StoreBadger:
		scfg := checkpoint.DefaultStoreConfig(c.Path)
		scfg.Logger = logger
		return checkpoint.OpenBadgerStore(scfg)
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint store %q", ErrInvalidConfig, c.Store)
	}
}
