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
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	cpt/<pipeline>/<iteration:020d>/<id> -> envelope JSON
//	cptid/<id>                           -> primary key
const (
	dataPrefix = "cpt/"
	idPrefix   = "cptid/"
)

// StoreConfig configures a BadgerStore.
type StoreConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	// SyncWrites makes every Put durable before it returns.
	SyncWrites bool

	// Logger receives BadgerDB's own log lines. If nil, they are dropped.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that triggers GC.
	GCDiscardRatio float64
}

// DefaultStoreConfig returns durable settings with a 5-minute GC interval.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryStoreConfig returns settings for tests.
func InMemoryStoreConfig() StoreConfig {
	return StoreConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Summary describes a stored checkpoint without its state.
type Summary struct {
	ID        string    `json:"id"`
	Pipeline  string    `json:"pipeline"`
	Iteration int64     `json:"iteration"`
	CreatedAt time.Time `json:"created_at"`
	Operators int       `json:"operators"`
}

// BadgerStore keeps checkpoints in a BadgerDB database, ordered by
// pipeline and iteration.
//
// Thread Safety:
//
//	Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenBadgerStore opens or creates a store.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*BadgerStore - The store. Call Close when done.
//	error - Non-nil if the database cannot be opened.
//
// Thread Safety: The returned store is safe for concurrent use.
func OpenBadgerStore(cfg StoreConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent checkpoint store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio > 1 {
			_ = db.Close()
			return nil, errors.New("gc discard ratio must be in (0, 1]")
		}
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing to collect.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("checkpoint store GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
		s.gcStop = nil
	}
	return s.db.Close()
}

func dataKey(pipeline string, iteration int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", dataPrefix, pipeline, iteration, id))
}

func pipelinePrefix(pipeline string) []byte {
	return []byte(dataPrefix + pipeline + "/")
}

func idKey(id string) []byte {
	return []byte(idPrefix + id)
}

// Put stores c, replacing any checkpoint with the same ID.
func (s *BadgerStore) Put(ctx context.Context, c *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if c != nil && c.Iteration < 0 {
		return fmt.Errorf("negative iteration %d", c.Iteration)
	}
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	key := dataKey(c.Pipeline, c.Iteration, c.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if old, err := txn.Get(idKey(c.ID)); err == nil {
			prev, err := old.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(prev); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idKey(c.ID), key)
	})
}

// Get returns the checkpoint with id.
func (s *BadgerStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		ptr, err := txn.Get(idKey(id))
		if err != nil {
			return err
		}
		key, err := ptr.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return Unmarshal(data)
}

// Latest returns the checkpoint of pipeline with the highest iteration.
func (s *BadgerStore) Latest(ctx context.Context, pipeline string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if !validPipelineName.MatchString(pipeline) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPipelineName, pipeline)
	}
	prefix := pipelinePrefix(pipeline)
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the last key <= the seek key.
		seek := append(append([]byte(nil), prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return badger.ErrKeyNotFound
		}
		var err error
		data, err = it.Item().ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: pipeline %s", ErrNotFound, pipeline)
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint of %s: %w", pipeline, err)
	}
	return Unmarshal(data)
}

// List returns summaries of the checkpoints of pipeline in iteration order.
func (s *BadgerStore) List(ctx context.Context, pipeline string) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if !validPipelineName.MatchString(pipeline) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPipelineName, pipeline)
	}
	prefix := pipelinePrefix(pipeline)
	var out []Summary
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			c, err := Unmarshal(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, Summary{
				ID:        c.ID,
				Pipeline:  c.Pipeline,
				Iteration: c.Iteration,
				CreatedAt: c.CreatedAt,
				Operators: len(c.Operators),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints of %s: %w", pipeline, err)
	}
	return out, nil
}

// Delete removes the checkpoint with id.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		ptr, err := txn.Get(idKey(id))
		if err != nil {
			return err
		}
		key, err := ptr.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}
