// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB store used by
// single-node deployments of the gate.
//
// The gate keeps only short-lived rate limit counters here, so the wrapper
// focuses on two things: value-log GC for long-running processes, and
// read-write transactions that retry on optimistic conflicts.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DefaultConflictRetries is how many times WithTxn re-runs a transaction
// that lost an optimistic conflict.
const DefaultConflictRetries = 64

// ErrConflictRetriesExhausted wraps badger.ErrConflict after the last retry.
var ErrConflictRetriesExhausted = errors.New("transaction conflict retries exhausted")

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory keeps everything in RAM. Counters are lost on restart.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites forces an fsync per commit.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often to run value log GC. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the minimum discardable fraction before GC rewrites.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`

	// ConflictRetries bounds WithTxn retries. Zero uses DefaultConflictRetries.
	ConflictRetries int `yaml:"conflict_retries"`

	// Logger receives BadgerDB's internal messages. Nil silences them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns settings for a persistent store at path.
//
// Counters expire within minutes, so SyncWrites is off: losing the last
// few decrements in a crash only lets a handful of extra calls through.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		GCInterval:      5 * time.Minute,
		GCDiscardRatio:  0.5,
		ConflictRetries: DefaultConflictRetries,
	}
}

// InMemoryConfig returns settings for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:        true,
		ConflictRetries: DefaultConflictRetries,
	}
}

// slogAdapter forwards BadgerDB's printf-style logging to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *slogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *slogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *slogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

// DB wraps a BadgerDB instance with GC and conflict-retrying transactions.
//
// # Thread Safety
//
// Safe for concurrent use. Close is idempotent.
type DB struct {
	*badger.DB
	retries   int
	inMemory  bool
	path      string
	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open opens a managed BadgerDB.
//
// # Inputs
//
//   - cfg: Path is required unless InMemory is set.
//
// # Outputs
//
//   - *DB: Caller must Close it.
//   - error: Invalid config or open failure.
func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return nil, errors.New("badger path is required for a persistent store")
	default:
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	retries := cfg.ConflictRetries
	if retries <= 0 {
		retries = DefaultConflictRetries
	}
	db := &DB{
		DB:       raw,
		retries:  retries,
		inMemory: cfg.InMemory,
		path:     cfg.Path,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		db.stopGC = make(chan struct{})
		db.gcDone = make(chan struct{})
		go db.runGC(cfg.GCInterval, ratio)
	}

	slog.Info("badger store opened",
		"path", cfg.Path,
		"in_memory", cfg.InMemory,
		"gc_interval", cfg.GCInterval,
	)
	return db, nil
}

// OpenInMemory opens an in-memory store.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Path returns the database directory, empty for in-memory stores.
func (d *DB) Path() string {
	return d.path
}

// InMemory reports whether the store is RAM only.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.stopGC != nil {
			close(d.stopGC)
			<-d.gcDone
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// WithTxn runs fn in a read-write transaction and commits it.
//
// # Description
//
// On badger.ErrConflict the whole transaction, including fn, is re-run in a
// fresh transaction up to the configured retry count. fn must therefore be
// free of side effects outside txn.
//
// # Inputs
//
//   - ctx: Checked before every attempt.
//   - fn: Transaction body. A non-nil error discards the transaction.
//
// # Outputs
//
//   - error: fn's error, a commit error, ctx error, or
//     ErrConflictRetriesExhausted.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt <= d.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}
		err := d.DB.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrConflictRetriesExhausted, badger.ErrConflict)
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return d.DB.View(fn)
}

func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.DB.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("badger value log GC error", "error", err)
			}
		}
	}
}
