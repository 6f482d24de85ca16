// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package allowlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source supplies the current allow-list snapshot. Validators depend on this
// interface rather than on *Store so tests can pin a fixed snapshot.
type Source interface {
	Current() *AllowList
}

// Static is a Source that always returns the same snapshot.
type Static struct {
	List *AllowList
}

// Current implements Source.
func (s Static) Current() *AllowList {
	return s.List
}

// Store owns the current allow-list snapshot for a file.
//
// # Thread Safety
//
// Current is lock-free. Reload and Replace may run concurrently with any
// number of readers; readers see either the old or the new snapshot.
type Store struct {
	path       string
	permissive bool
	current    atomic.Pointer[AllowList]
	reloads    atomic.Int64
}

// NewStore loads path once and returns a store holding that snapshot.
func NewStore(path string, permissive bool) (*Store, error) {
	list, err := Load(path, permissive)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, permissive: permissive}
	s.current.Store(list)
	return s, nil
}

// NewStaticStore creates a store that starts from list and has no backing
// file. Reload keeps the current snapshot.
func NewStaticStore(list *AllowList) *Store {
	s := &Store{}
	if list == nil {
		list = New(nil, nil, nil)
	}
	s.current.Store(list)
	return s
}

// Path returns the backing file path ("" for static stores).
func (s *Store) Path() string {
	return s.path
}

// Current implements Source.
func (s *Store) Current() *AllowList {
	return s.current.Load()
}

// Reloads returns how many successful reloads have happened.
func (s *Store) Reloads() int64 {
	return s.reloads.Load()
}

// Reload re-reads the backing file and swaps the snapshot.
//
// On error the previous snapshot stays in place. A missing file is an error
// here even for a permissive store: the stub is only used at first load.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	list, err := Load(s.path, false)
	if errors.Is(err, ErrNotFound) {
		slog.Warn("allow-list file missing, keeping previous snapshot",
			"path", s.path,
			"permissive", s.permissive,
		)
	}
	if err != nil {
		return fmt.Errorf("reload allow-list: %w", err)
	}
	s.current.Store(list)
	s.reloads.Add(1)
	slog.Info("allow-list reloaded",
		"path", s.path,
		"labels", len(list.nodeLabels),
		"relationship_types", len(list.relationshipTypes),
	)
	return nil
}

// Replace publishes list as the current snapshot (admin refresh).
func (s *Store) Replace(list *AllowList) {
	if list == nil {
		return
	}
	s.current.Store(list)
	s.reloads.Add(1)
}

// Watch reloads the store whenever its backing file is written or created.
//
// # Description
//
// Watches the parent directory rather than the file itself so that editors
// that replace the file via rename are handled. Events are debounced; a
// burst of writes results in one reload. Blocks until ctx is done.
//
// # Inputs
//
//   - ctx: Stops the watcher when cancelled.
//   - debounce: Quiet period before reloading. Zero means 200ms.
//
// # Outputs
//
//   - error: Non-nil only if the watcher cannot be started.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create allow-list watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch allow-list directory: %w", err)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("allow-list watcher error", "error", err)
		case <-timer.C:
			if err := s.Reload(); err != nil {
				slog.Warn("allow-list reload failed, keeping previous snapshot",
					"path", s.path, "error", err)
			}
		}
	}
}

var (
	_ Source = (*Store)(nil)
	_ Source = Static{}
)
