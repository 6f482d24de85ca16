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
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS gate_audit (
	id          BIGSERIAL PRIMARY KEY,
	event       TEXT        NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	payload     JSONB       NOT NULL
)`

const insertAuditSQL = `INSERT INTO gate_audit (event, recorded_at, payload) VALUES ($1, $2, $3)`

// execer is the subset of pgx used by PostgresTrail. *pgxpool.Pool and
// pgx.Conn both satisfy it.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresTrail appends audit entries to the gate_audit table.
//
// # Description
//
// Each entry becomes one INSERT; the full flattened entry is stored as JSONB
// so that event-specific fields need no schema migration. The insert runs
// on a context detached from the caller's cancellation with its own
// timeout, so a request that finishes (or is cancelled) right after its
// decision still gets audited.
type PostgresTrail struct {
	db      execer
	timeout time.Duration
}

// NewPostgresTrail wraps an existing pgx connection or pool.
func NewPostgresTrail(db execer, timeout time.Duration) *PostgresTrail {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PostgresTrail{db: db, timeout: timeout}
}

// ConnectPostgresTrail opens a pgx pool for dsn and ensures the audit table exists.
func ConnectPostgresTrail(ctx context.Context, dsn string) (*PostgresTrail, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect audit database: %w", err)
	}
	trail := NewPostgresTrail(pool, 0)
	if err := trail.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return trail, pool, nil
}

// EnsureSchema creates the gate_audit table if it does not exist.
func (p *PostgresTrail) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createAuditTableSQL); err != nil {
		return fmt.Errorf("create gate_audit table: %w", err)
	}
	return nil
}

// Record implements Trail.
func (p *PostgresTrail) Record(ctx context.Context, entry Entry) {
	flat := entry.Flatten()
	payload, err := json.Marshal(flat)
	if err != nil {
		slog.Error("audit.postgres.marshal_failed", "event", entry.Event, "error", err)
		return
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if _, err := p.db.Exec(execCtx, insertAuditSQL, entry.Event, ts, payload); err != nil {
		slog.Error("audit.postgres.insert_failed", "event", entry.Event, "error", err)
	}
}

var _ Trail = (*PostgresTrail)(nil)
