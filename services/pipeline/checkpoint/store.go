// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Store persists checkpoints.
type Store interface {
	Put(ctx context.Context, c *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	Latest(ctx context.Context, pipeline string) (*Checkpoint, error)
	List(ctx context.Context, pipeline string) ([]Summary, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// DirStore keeps one file per checkpoint under <dir>/<pipeline>/.
//
// File names are <iteration:020d>_<id>.json so a directory listing is in
// iteration order.
//
// Thread Safety:
//
//	Safe for concurrent use; writes are atomic renames.
type DirStore struct {
	dir string
}

// NewDirStore creates a store rooted at dir.
func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) fileName(c *Checkpoint) string {
	return filepath.Join(s.dir, c.Pipeline, fmt.Sprintf("%020d_%s.json", c.Iteration, c.ID))
}

// Put writes c.
func (s *DirStore) Put(ctx context.Context, c *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if c == nil {
		return errors.New("checkpoint must not be nil")
	}
	if !validPipelineName.MatchString(c.Pipeline) {
		return fmt.Errorf("%w: %q", ErrInvalidPipelineName, c.Pipeline)
	}
	return SaveFile(c, s.fileName(c))
}

type dirEntry struct {
	path      string
	iteration int64
	id        string
}

func (s *DirStore) entries(pipeline string) ([]dirEntry, error) {
	files, err := os.ReadDir(filepath.Join(s.dir, pipeline))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	var out []dirEntry
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		iterStr, id, ok := strings.Cut(strings.TrimSuffix(name, ".json"), "_")
		if !ok {
			continue
		}
		iter, err := strconv.ParseInt(iterStr, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, dirEntry{path: filepath.Join(s.dir, pipeline, name), iteration: iter, id: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].iteration < out[j].iteration })
	return out, nil
}

func (s *DirStore) find(id string) (string, error) {
	pipelines, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("read checkpoint directory: %w", err)
	}
	for _, p := range pipelines {
		if !p.IsDir() {
			continue
		}
		entries, err := s.entries(p.Name())
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			if e.id == id {
				return e.path, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Get loads the checkpoint with id.
func (s *DirStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	path, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// Latest loads the checkpoint of pipeline with the highest iteration.
func (s *DirStore) Latest(ctx context.Context, pipeline string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if !validPipelineName.MatchString(pipeline) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPipelineName, pipeline)
	}
	entries, err := s.entries(pipeline)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: pipeline %s", ErrNotFound, pipeline)
	}
	return LoadFile(entries[len(entries)-1].path)
}

// List returns summaries of the checkpoints of pipeline in iteration order.
func (s *DirStore) List(ctx context.Context, pipeline string) ([]Summary, error) {
	if !validPipelineName.MatchString(pipeline) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPipelineName, pipeline)
	}
	entries, err := s.entries(pipeline)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled: %w", err)
		}
		c, err := LoadFile(e.path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", e.path, err)
		}
		out = append(out, Summary{
			ID:        c.ID,
			Pipeline:  c.Pipeline,
			Iteration: c.Iteration,
			CreatedAt: c.CreatedAt,
			Operators: len(c.Operators),
		})
	}
	return out, nil
}

// Delete removes the checkpoint with id.
func (s *DirStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	path, err := s.find(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// Close is a no-op.
func (s *DirStore) Close() error {
	return nil
}

var (
	_ Store = (*DirStore)(nil)
	_ Store = (*BadgerStore)(nil)
)
