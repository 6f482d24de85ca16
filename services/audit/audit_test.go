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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readLines decodes every JSON line in path.
func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestEntry_MarshalJSON_Flat(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Entry{
		Event:     "guardrail_blocked",
		Timestamp: ts,
		Fields:    map[string]any{"reason": "jailbreak", "event": "spoofed"},
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "guardrail_blocked", m["event"], "typed event wins over field")
	assert.Equal(t, "jailbreak", m["reason"])
	assert.Equal(t, ts.Format(time.RFC3339Nano), m["timestamp"])
}

func TestNewEntry_NilFields(t *testing.T) {
	e := NewEntry("x", nil)
	assert.NotNil(t, e.Fields)
	assert.False(t, e.Timestamp.IsZero())
}

func TestFileTrail_AppendsOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")

	trail, err := OpenFileTrail(path)
	require.NoError(t, err)

	trail.Record(context.Background(), NewEntry("cypher_validation", map[string]any{"valid": true}))
	trail.Record(context.Background(), NewEntry("guardrail_blocked", map[string]any{"reason": "pii"}))
	require.NoError(t, trail.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "cypher_validation", lines[0]["event"])
	assert.Equal(t, true, lines[0]["valid"])
	assert.EqualValues(t, 1, lines[0]["sequence"])
	assert.Equal(t, "guardrail_blocked", lines[1]["event"])
	assert.EqualValues(t, 2, lines[1]["sequence"])
}

func TestFileTrail_ReopenIsIdempotentAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	first, err := OpenFileTrail(path)
	require.NoError(t, err)
	first.Record(context.Background(), NewEntry("a", nil))
	require.NoError(t, first.Close())

	second, err := OpenFileTrail(path)
	require.NoError(t, err)
	second.Record(context.Background(), NewEntry("b", nil))
	require.NoError(t, second.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "a", lines[0]["event"])
	assert.Equal(t, "b", lines[1]["event"])
}

func TestFileTrail_RecordAfterCloseIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	trail, err := OpenFileTrail(path)
	require.NoError(t, err)
	require.NoError(t, trail.Close())
	require.NoError(t, trail.Close())

	trail.Record(context.Background(), NewEntry("late", nil))
	assert.Empty(t, readLines(t, path))
}

func TestFileTrail_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	trail, err := OpenFileTrail(path)
	require.NoError(t, err)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				trail.Record(context.Background(), NewEntry("concurrent", nil))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, trail.Close())

	assert.Len(t, readLines(t, path), writers*perWriter)
}

func TestOpenFileTrail_EmptyPath(t *testing.T) {
	_, err := OpenFileTrail("")
	assert.Error(t, err)
}

func TestMultiTrail_FansOutAndSkipsNil(t *testing.T) {
	a, b := NewMemoryTrail(), NewMemoryTrail()
	multi := NewMultiTrail(a, nil, b)

	multi.Record(context.Background(), NewEntry("x", nil))

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
}

func TestMemoryTrail_CountAndLast(t *testing.T) {
	m := NewMemoryTrail()
	_, ok := m.Last()
	assert.False(t, ok)

	m.Record(context.Background(), NewEntry("a", nil))
	m.Record(context.Background(), NewEntry("b", nil))
	m.Record(context.Background(), NewEntry("a", nil))

	assert.Equal(t, 2, m.Count("a"))
	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, "a", last.Event)
	assert.Len(t, m.Entries(), 3)
}

// fakeExec records Exec calls for PostgresTrail.
type fakeExec struct {
	mu    sync.Mutex
	calls []fakeExecCall
	err   error
}

type fakeExecCall struct {
	sql  string
	args []any
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeExecCall{sql: sql, args: args})
	return pgconn.CommandTag{}, f.err
}

func TestPostgresTrail_InsertsFlattenedPayload(t *testing.T) {
	db := &fakeExec{}
	trail := NewPostgresTrail(db, time.Second)

	trail.Record(context.Background(), NewEntry("rate_limit_exceeded", map[string]any{"endpoint": "planner"}))

	require.Len(t, db.calls, 1)
	call := db.calls[0]
	assert.Equal(t, insertAuditSQL, call.sql)
	require.Len(t, call.args, 3)
	assert.Equal(t, "rate_limit_exceeded", call.args[0])

	var payload map[string]any
	require.NoError(t, json.Unmarshal(call.args[2].([]byte), &payload))
	assert.Equal(t, "planner", payload["endpoint"])
	assert.Equal(t, "rate_limit_exceeded", payload["event"])
}

func TestPostgresTrail_CancelledContextStillInserts(t *testing.T) {
	db := &fakeExec{}
	trail := NewPostgresTrail(db, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trail.Record(ctx, NewEntry("guardrail_blocked", nil))

	assert.Len(t, db.calls, 1)
}

func TestPostgresTrail_ErrorsAreSwallowed(t *testing.T) {
	db := &fakeExec{err: errors.New("connection refused")}
	trail := NewPostgresTrail(db, 0)

	assert.NotPanics(t, func() {
		trail.Record(context.Background(), NewEntry("x", nil))
	})
}

func TestPostgresTrail_EnsureSchema(t *testing.T) {
	db := &fakeExec{}
	require.NoError(t, NewPostgresTrail(db, 0).EnsureSchema(context.Background()))
	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, "CREATE TABLE IF NOT EXISTS gate_audit")

	failing := &fakeExec{err: errors.New("denied")}
	assert.Error(t, NewPostgresTrail(failing, 0).EnsureSchema(context.Background()))
}
