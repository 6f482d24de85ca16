// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit provides the append-only decision trail for the safety gate.
//
// # Description
//
// Every accept/reject decision made by the validator, the semantic
// guardrail and the rate limiter is written here as one flat JSON object
// whose only fixed field is "event". The primary sink is a line-delimited
// JSON file that downstream tooling tails. Additional sinks (Postgres,
// Pub/Sub) can be fanned out with MultiTrail.
//
// # Thread Safety
//
// All Trail implementations in this package are safe for concurrent use.
//
// # Error Handling
//
// Record is fire-and-forget. Sink failures are logged and never propagated,
// so an unavailable audit backend cannot change a gate decision.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// =============================================================================
// Entry
// =============================================================================

// Entry is a single audit record.
//
// Entry serializes as a flat object: {"event": ..., "timestamp": ..., <fields>}.
// Fields named "event" or "timestamp" are overwritten by the typed values.
type Entry struct {
	Event     string
	Timestamp time.Time
	Fields    map[string]any
}

// NewEntry creates an entry stamped with the current UTC time.
func NewEntry(event string, fields map[string]any) Entry {
	if fields == nil {
		fields = map[string]any{}
	}
	return Entry{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
}

// Flatten returns the entry as a single map suitable for JSON encoding.
func (e Entry) Flatten() map[string]any {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["event"] = e.Event
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	out["timestamp"] = ts.Format(time.RFC3339Nano)
	return out
}

// MarshalJSON implements json.Marshaler.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Flatten())
}

// =============================================================================
// Trail
// =============================================================================

// Trail is an append-only sink for gate decisions.
//
// # Description
//
// Implementations append exactly one record per call and never update or
// delete previous records.
//
// # Inputs
//
//   - ctx: Used for tracing and for sinks that perform network I/O. Sinks
//     must not drop a record just because ctx was cancelled after the
//     decision was made.
//   - entry: The record to append.
type Trail interface {
	Record(ctx context.Context, entry Entry)
}

// NopTrail discards every entry.
type NopTrail struct{}

// Record implements Trail.
func (NopTrail) Record(context.Context, Entry) {}

// MultiTrail fans out every entry to a fixed set of sinks in order.
type MultiTrail struct {
	trails []Trail
}

// NewMultiTrail creates a fan-out trail. Nil trails are skipped.
func NewMultiTrail(trails ...Trail) *MultiTrail {
	kept := make([]Trail, 0, len(trails))
	for _, t := range trails {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return &MultiTrail{trails: kept}
}

// Record implements Trail.
func (m *MultiTrail) Record(ctx context.Context, entry Entry) {
	for _, t := range m.trails {
		t.Record(ctx, entry)
	}
}

// MemoryTrail keeps entries in memory.
//
// Used by tests and by the CLI when no audit file is configured.
type MemoryTrail struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryTrail creates an empty in-memory trail.
func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{}
}

// Record implements Trail.
func (m *MemoryTrail) Record(_ context.Context, entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

// Entries returns a copy of all recorded entries in append order.
func (m *MemoryTrail) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of recorded entries.
func (m *MemoryTrail) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Count returns the number of entries with the given event name.
func (m *MemoryTrail) Count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Last returns the most recent entry, if any.
func (m *MemoryTrail) Last() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return Entry{}, false
	}
	return m.entries[len(m.entries)-1], true
}

var (
	_ Trail = NopTrail{}
	_ Trail = (*MultiTrail)(nil)
	_ Trail = (*MemoryTrail)(nil)
)
