// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/querygate/services/observability"
	kv "github.com/AleutianAI/querygate/services/storage/badger"
)

// errWindowExhausted aborts the transaction without writing.
var errWindowExhausted = errors.New("window exhausted")

// BadgerLimiter keeps windows in an embedded BadgerDB.
//
// # Description
//
// The read, check and decrement run inside one read-write transaction.
// BadgerDB's optimistic concurrency turns a racing decrement into
// badger.ErrConflict, and kv.DB.WithTxn re-runs the transaction, so the
// check-and-decrement is atomic for every goroutine sharing the DB.
//
// Conflicts are contention, not an outage: TryConsume retries until the
// backend deadline and denies if it still has not committed. Only other
// backend errors fail open.
//
// # Limitations
//
//   - Counters are shared only within one process (BadgerDB holds an
//     exclusive directory lock).
type BadgerLimiter struct {
	db      *kv.DB
	prefix  string
	timeout time.Duration
	now     Clock
	metrics *observability.GateMetrics
}

// NewBadgerLimiter creates a limiter on db. A nil clock uses time.Now.
func NewBadgerLimiter(db *kv.DB, now Clock, metrics *observability.GateMetrics) *BadgerLimiter {
	if now == nil {
		now = time.Now
	}
	return &BadgerLimiter{
		db:      db,
		prefix:  DefaultKeyPrefix,
		timeout: DefaultBackendTimeout,
		now:     now,
		metrics: metrics,
	}
}

// TryConsume implements Limiter.
func (l *BadgerLimiter) TryConsume(ctx context.Context, endpoint, model string, limitPerMinute int) bool {
	if limitPerMinute <= 0 {
		return true
	}
	if l.db == nil {
		l.failOpen(endpoint, model, errors.New("badger store not configured"))
		return true
	}
	key := []byte(Key(l.prefix, endpoint, model, windowOf(l.now())))

	callCtx, cancel := backendContext(ctx, l.timeout)
	defer cancel()

	attempts := 0
	consume := func(txn *badger.Txn) error {
		attempts++
		c, err := readCounter(txn, key)
		if err != nil {
			return err
		}
		remaining := limitPerMinute
		ttl := KeyTTL
		if c.found {
			remaining = c.remaining
			// Keep the expiry set at creation.
			if c.expiresAt > 0 {
				ttl = time.Until(time.Unix(int64(c.expiresAt), 0))
				if ttl < time.Second {
					ttl = time.Second
				}
			}
		}
		if remaining-1 < 0 {
			return errWindowExhausted
		}
		entry := badger.NewEntry(key, []byte(strconv.Itoa(remaining-1))).WithTTL(ttl)
		return txn.SetEntry(entry)
	}

	// Running out of conflict retries means other callers are consuming the
	// same window; keep going until the backend deadline.
	err := l.db.WithTxn(callCtx, consume)
	for errors.Is(err, kv.ErrConflictRetriesExhausted) && callCtx.Err() == nil {
		err = l.db.WithTxn(callCtx, consume)
	}
	contended := attempts > 1

	switch {
	case err == nil:
		return true
	case errors.Is(err, errWindowExhausted):
		return false
	case contended && (errors.Is(err, kv.ErrConflictRetriesExhausted) || callCtx.Err() != nil):
		l.denyContended(endpoint, model, attempts, err)
		return false
	default:
		l.failOpen(endpoint, model, err)
		return true
	}
}

// Usage implements Limiter.
func (l *BadgerLimiter) Usage(ctx context.Context, endpoint, model string, limitPerMinute int) (Usage, error) {
	now := l.now()
	if limitPerMinute <= 0 {
		return disabledUsage(endpoint, model, now), nil
	}
	w := windowOf(now)
	usage := Usage{
		Endpoint:  endpoint,
		Model:     model,
		Remaining: limitPerMinute,
		Limit:     limitPerMinute,
		ResetAt:   windowReset(w),
	}
	if l.db == nil {
		return usage, errors.New("badger store not configured")
	}

	key := []byte(Key(l.prefix, endpoint, model, w))
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		c, err := readCounter(txn, key)
		if err != nil {
			return err
		}
		if c.found {
			usage.Remaining = clampRemaining(c.remaining, limitPerMinute)
		}
		return nil
	})
	if err != nil {
		return usage, fmt.Errorf("read rate limit usage: %w", err)
	}
	return usage, nil
}

// denyContended rejects a call whose transaction kept losing to concurrent
// consumers until the deadline. Admitting it could exceed the limit.
func (l *BadgerLimiter) denyContended(endpoint, model string, attempts int, err error) {
	slog.Warn("rate limiter contended past deadline, rejecting request",
		"backend", "badger",
		"endpoint", endpoint,
		"model", model,
		"attempts", attempts,
		"error", err,
	)
	l.metrics.RecordRateLimitBackendError("badger")
}

func (l *BadgerLimiter) failOpen(endpoint, model string, err error) {
	slog.Warn("rate limiter backend error, allowing request",
		"backend", "badger",
		"endpoint", endpoint,
		"model", model,
		"error", err,
	)
	l.metrics.RecordRateLimitBackendError("badger")
}

type counter struct {
	remaining int
	expiresAt uint64
	found     bool
}

// readCounter returns the stored counter for key.
func readCounter(txn *badger.Txn, key []byte) (counter, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return counter{}, nil
	}
	if err != nil {
		return counter{}, err
	}
	c := counter{expiresAt: item.ExpiresAt(), found: true}
	err = item.Value(func(val []byte) error {
		n, convErr := strconv.Atoi(string(val))
		if convErr != nil {
			return fmt.Errorf("parse counter %q: %w", val, convErr)
		}
		c.remaining = n
		return nil
	})
	if err != nil {
		return counter{}, err
	}
	return c, nil
}

var _ Limiter = (*BadgerLimiter)(nil)
