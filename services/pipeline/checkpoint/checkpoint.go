// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint holds pipeline checkpoints and persists them.
//
// A Checkpoint is the recoverable state of every operator at the start of one
// iteration. The executor fills it while the iteration runs; once complete it
// is treated as immutable. Checkpoints can be written to JSON files with an
// integrity checksum or kept in a BadgerDB store.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Version is the checkpoint format version.
const Version = "1.0.0"

// Sentinel errors for the checkpoint package.
var (
	// ErrCorrupt is returned when the stored checksum does not match.
	ErrCorrupt = errors.New("checkpoint checksum mismatch")

	// ErrVersionMismatch is returned when the format version differs.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrInvalidPipelineName is returned for names unsafe to use in paths or keys.
	ErrInvalidPipelineName = errors.New("invalid pipeline name")

	// ErrNotFound is returned by stores when no checkpoint matches.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrUnknownOperator is returned when setting state of an operator the
	// checkpoint does not track.
	ErrUnknownOperator = errors.New("operator not in checkpoint")
)

// validPipelineName prevents path traversal and key injection.
var validPipelineName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// OperatorState is the captured state of one operator.
type OperatorState struct {
	Operator string `json:"operator"`
	// State is nil when the operator has nothing to save.
	State []byte `json:"state,omitempty"`
}

// Checkpoint is the state of every operator at the start of Iteration.
//
// Thread Safety:
//
//	SetState may be called concurrently for different operators. Everything
//	else must not race with SetState.
type Checkpoint struct {
	ID        string    `json:"id"`
	Pipeline  string    `json:"pipeline"`
	Iteration int64     `json:"iteration"`
	CreatedAt time.Time `json:"created_at"`

	// Operators is in topological order; restore replays it in this order.
	Operators []OperatorState `json:"operators"`

	index map[string]int
}

// New creates an empty checkpoint for the given operators.
//
// Inputs:
//
//	pipeline - Pipeline name.
//	iteration - Iteration whose starting state the checkpoint holds.
//	operators - Operator names in topological order.
//
// Outputs:
//
//	*Checkpoint - Checkpoint with a fresh ID and no state.
func New(pipeline string, iteration int64, operators []string) *Checkpoint {
	c := &Checkpoint{
		ID:        uuid.NewString(),
		Pipeline:  pipeline,
		Iteration: iteration,
		CreatedAt: time.Now().UTC(),
		Operators: make([]OperatorState, len(operators)),
	}
	for i, name := range operators {
		c.Operators[i].Operator = name
	}
	c.reindex()
	return c
}

func (c *Checkpoint) reindex() {
	c.index = make(map[string]int, len(c.Operators))
	for i, op := range c.Operators {
		c.index[op.Operator] = i
	}
}

// SetState stores the state of operator.
func (c *Checkpoint) SetState(operator string, state []byte) error {
	if c.index == nil {
		c.reindex()
	}
	i, ok := c.index[operator]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, operator)
	}
	c.Operators[i].State = state
	return nil
}

// State returns the stored state of operator.
func (c *Checkpoint) State(operator string) ([]byte, bool) {
	if c.index == nil {
		c.reindex()
	}
	i, ok := c.index[operator]
	if !ok {
		return nil, false
	}
	return c.Operators[i].State, true
}

// Reset clears every operator state and moves the checkpoint to iteration.
// The ID is renewed so a reused ring entry is never confused with the
// checkpoint it replaced.
func (c *Checkpoint) Reset(iteration int64) {
	c.ID = uuid.NewString()
	c.Iteration = iteration
	c.CreatedAt = time.Now().UTC()
	for i := range c.Operators {
		c.Operators[i].State = nil
	}
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	out := &Checkpoint{
		ID:        c.ID,
		Pipeline:  c.Pipeline,
		Iteration: c.Iteration,
		CreatedAt: c.CreatedAt,
		Operators: make([]OperatorState, len(c.Operators)),
	}
	for i, op := range c.Operators {
		out.Operators[i].Operator = op.Operator
		if op.State != nil {
			out.Operators[i].State = append([]byte(nil), op.State...)
		}
	}
	out.reindex()
	return out
}

// envelope is the on-disk form with integrity fields.
type envelope struct {
	Checkpoint *Checkpoint `json:"checkpoint"`
	Version    string      `json:"version"`
	Checksum   string      `json:"checksum"`
}

// checksum returns the SHA256 of the JSON encoding of c.
func checksum(c *Checkpoint) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Marshal encodes c with version and checksum.
func Marshal(c *Checkpoint) ([]byte, error) {
	if c == nil {
		return nil, errors.New("checkpoint must not be nil")
	}
	if !validPipelineName.MatchString(c.Pipeline) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPipelineName, c.Pipeline)
	}
	sum, err := checksum(c)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(envelope{Checkpoint: c, Version: Version, Checksum: sum}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

// Unmarshal decodes data written by Marshal and verifies it.
//
// Outputs:
//
//	*Checkpoint - The decoded checkpoint.
//	error - ErrVersionMismatch, ErrCorrupt or a decoding error.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrVersionMismatch, env.Version, Version)
	}
	if env.Checkpoint == nil {
		return nil, fmt.Errorf("%w: empty checkpoint", ErrCorrupt)
	}
	sum, err := checksum(env.Checkpoint)
	if err != nil {
		return nil, err
	}
	if sum != env.Checksum {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrCorrupt, sum, env.Checksum)
	}
	env.Checkpoint.reindex()
	return env.Checkpoint, nil
}

// SaveFile writes c to path atomically.
//
// Description:
//
//	Encodes the checkpoint, writes it to a temporary file in the target
//	directory, syncs it and renames it over path. A failed write leaves any
//	previous file at path untouched.
//
// Inputs:
//
//	c - The checkpoint. Its pipeline name must match ^[a-zA-Z0-9_-]+$.
//	path - Destination file. The directory is created if missing.
//
// Outputs:
//
//	error - Non-nil if encoding or any file operation fails.
func SaveFile(c *Checkpoint, path string) error {
	data, err := Marshal(c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	success = true
	return nil
}

// LoadFile reads and verifies a checkpoint written by SaveFile.
func LoadFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}
	return Unmarshal(data)
}
