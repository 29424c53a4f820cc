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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/stagepipe/services/pipeline/device"
	"github.com/AleutianAI/stagepipe/services/pipeline/queue"
	"github.com/AleutianAI/stagepipe/services/pipeline/workspace"
)

// Config holds executor settings.
type Config struct {
	// MaxBatchSize bounds every iteration's batch size and is the batch
	// size when the graph has no batch size provider.
	MaxBatchSize int

	// NumThreads is the host worker pool size. 0 selects runtime.NumCPU().
	NumThreads int

	// DeviceID selects the device. device.CPUOnlyDeviceID runs Mixed and
	// GPU operators inline on the host.
	DeviceID int

	// Device overrides the device created from DeviceID. The executor does
	// not close a device it did not create.
	Device device.Device

	// BytesPerSampleHint presizes outputs whose node gives no hint.
	BytesPerSampleHint int

	// PrefetchDepth is the lookahead of the CPU stage and of the Mixed and
	// GPU stages.
	PrefetchDepth queue.Sizes

	QueuePolicy     queue.Kind
	WorkspacePolicy workspace.Kind

	// SetAffinity pins the stage worker threads of AsyncExecutor to CPUs.
	SetAffinity bool

	// RestrictPinnedMemory disables pinning of host buffers.
	RestrictPinnedMemory bool

	// Logger for executor logs. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a separate-queue configuration with depth 2 for
// every stage on simulated device 0.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:    32,
		DeviceID:        0,
		PrefetchDepth:   queue.Sizes{CPU: 2, GPU: 2},
		QueuePolicy:     queue.KindSeparate,
		WorkspacePolicy: workspace.KindAOT,
	}
}

func (c Config) validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("%w: max batch size must be positive, got %d", ErrInvalidConfig, c.MaxBatchSize)
	}
	if c.NumThreads < 0 {
		return fmt.Errorf("%w: negative thread count %d", ErrInvalidConfig, c.NumThreads)
	}
	if c.BytesPerSampleHint < 0 {
		return fmt.Errorf("%w: negative bytes per sample hint %d", ErrInvalidConfig, c.BytesPerSampleHint)
	}
	if c.DeviceID < 0 && c.DeviceID != device.CPUOnlyDeviceID && c.Device == nil {
		return fmt.Errorf("%w: device id %d", ErrInvalidConfig, c.DeviceID)
	}
	return nil
}
