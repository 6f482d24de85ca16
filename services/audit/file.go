// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	auditLogFileMode = 0600
	auditLogDirMode  = 0750
)

// FileTrail appends one JSON object per line to a local file.
//
// # Description
//
// The file and its parent directory are created if absent, so opening the
// same path twice (or across restarts) is idempotent. Writes are serialized
// by a mutex held only for the duration of a single write call.
//
// Each line also carries a monotonically increasing "sequence" so that
// gaps are visible to anyone tailing the file.
type FileTrail struct {
	file     *os.File
	path     string
	mu       sync.Mutex
	sequence int64
}

// OpenFileTrail opens (or creates) the audit file at path.
//
// # Outputs
//
//   - *FileTrail: Ready-to-use trail. Call Close on shutdown.
//   - error: Non-nil if the directory or file cannot be created.
func OpenFileTrail(path string) (*FileTrail, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, auditLogDirMode); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	slog.Info("audit trail opened", "path", path)
	return &FileTrail{file: file, path: path}, nil
}

// Path returns the file path backing this trail.
func (f *FileTrail) Path() string {
	return f.path
}

// Record implements Trail.
func (f *FileTrail) Record(_ context.Context, entry Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		slog.Warn("audit.record.dropped", "event", entry.Event, "reason", "trail closed")
		return
	}

	f.sequence++
	flat := entry.Flatten()
	flat["sequence"] = f.sequence

	line, err := json.Marshal(flat)
	if err != nil {
		slog.Error("audit.record.marshal_failed", "event", entry.Event, "error", err)
		return
	}
	if _, err := f.file.Write(append(line, '\n')); err != nil {
		slog.Error("audit.record.write_failed", "event", entry.Event, "error", err)
	}
}

// Close syncs and closes the underlying file. Later Record calls are dropped.
func (f *FileTrail) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	var firstErr error
	if err := f.file.Sync(); err != nil {
		firstErr = fmt.Errorf("sync audit log: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close audit log: %w", err)
	}
	f.file = nil
	return firstErr
}

var _ Trail = (*FileTrail)(nil)
