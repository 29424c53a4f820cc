// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"warn", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownLevel)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "stagerun", Output: &buf})
	defer logger.Close()

	logger.Debug("hidden")
	logger.Info("executor built", "pipeline", "demo")
	logger.Warn("slow stage", "stage", "GPU")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "executor built")
	assert.Contains(t, out, "pipeline=demo")
	assert.Contains(t, out, "service=stagerun")
	assert.Contains(t, out, "level=WARN")
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, JSON: true, Output: &buf})
	logger.With("run_id", "abc").Debug("stage done", "iteration", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "stage done", rec["msg"])
	assert.Equal(t, "abc", rec["run_id"])
	assert.EqualValues(t, 3, rec["iteration"])
	assert.NotContains(t, rec, "service")
}

func TestNew_LogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "svc", LogDir: dir, Output: &console})

	path := logger.FilePath()
	require.NotEmpty(t, path)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "svc_"))

	logger.Error("stage failed", "stage", "MIXED")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	assert.Empty(t, logger.FilePath())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "stage failed", rec["msg"])
	assert.Equal(t, "svc", rec["service"])
	assert.Contains(t, console.String(), "stage failed")
}

func TestNew_LogDirUnusable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	var console bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &console})
	defer logger.Close()

	assert.Empty(t, logger.FilePath())
	assert.Contains(t, console.String(), "file logging disabled")
}

func TestNew_QuietFileOnly(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger := New(Config{Quiet: true, LogDir: dir, Output: &console})
	logger.Info("only in file")
	path := logger.FilePath()
	require.NoError(t, logger.Close())

	assert.Empty(t, console.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "only in file")
}

func TestDefault(t *testing.T) {
	logger := Default()
	require.NotNil(t, logger.Slog())
	assert.True(t, logger.Slog().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Slog().Enabled(context.Background(), slog.LevelDebug))
	assert.NoError(t, logger.Close())
}

func TestMultiHandler(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("g"))
	logger.Debug("low", "x", 1)
	logger.Warn("high", "x", 2)

	assert.Contains(t, a.String(), "low")
	assert.Contains(t, a.String(), "k=v")
	assert.Contains(t, a.String(), "g.x=2")
	assert.NotContains(t, b.String(), "low")
	assert.Contains(t, b.String(), "high")
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var buf syncBuffer
	logger := New(Config{Output: &buf})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.With("worker", id).Info("tick", "j", j)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 400, strings.Count(buf.String(), "tick"))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".stagepipe/logs"), expandPath("~/.stagepipe/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "rel/dir", expandPath("rel/dir"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
