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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"trace", LevelInfo, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, must(ParseLevel(got.String())))
		})
	}
}

func must(l Level, err error) Level {
	if err != nil {
		panic(err)
	}
	return l
}

func TestNew_ConsoleFiltersByLevelAndAddsService(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: LevelWarn, Service: "querygate", JSON: true, Output: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Slog().Info("hidden")
	l.Slog().Warn("shown", "reason", "schema_violation")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "querygate", rec["service"])
	assert.Equal(t, "schema_violation", rec["reason"])
}

func TestNew_FileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	l, err := New(Config{LogDir: dir, Service: "gate", Output: &console})
	require.NoError(t, err)

	l.Slog().Info("request rejected", "stage", "validator")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "gate_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "validator", rec["stage"])
	assert.Contains(t, console.String(), "request rejected")
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	l, err := New(Config{Quiet: true})
	require.NoError(t, err)
	l.Slog().Error("dropped")
	assert.NoError(t, l.Close())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}
