// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit gates outbound LLM calls with fixed one-minute windows
// keyed by endpoint and model.
//
// # Description
//
// Every backend performs the same check-and-decrement atomically:
//
//	window    = floor(unix / 60)
//	key       = "{prefix}{endpoint}:{model}:{window}"
//	remaining = GET key, or limit when absent (expires 120s after creation)
//	allowed   = remaining-1 >= 0, in which case remaining is decremented
//
// A limit <= 0 disables limiting and touches no shared state. Backend
// failures fail open: the request is allowed, logged and counted.
//
// # Backends
//
//   - RedisLimiter: shared across processes, one Lua script per call.
//   - BadgerLimiter: single node, embedded, badger transactions.
//   - MemoryLimiter: single process, mutex-owned map.
//
// # Thread Safety
//
// All limiters are safe for concurrent use.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultKeyPrefix namespaces limiter keys in shared stores.
	DefaultKeyPrefix = "querygate:rl:"

	// WindowSeconds is the length of one counting window.
	WindowSeconds = 60

	// KeyTTL keeps a window's counter slightly past the window boundary to
	// absorb clock skew between processes.
	KeyTTL = 120 * time.Second

	// DefaultBackendTimeout bounds a single backend call.
	DefaultBackendTimeout = 500 * time.Millisecond
)

// =============================================================================
// Types
// =============================================================================

// Limiter is the admission check in front of every LLM call.
type Limiter interface {
	// TryConsume takes one unit from the current window. It returns true when
	// the call may proceed, including when limitPerMinute <= 0 or the backend
	// is unavailable.
	TryConsume(ctx context.Context, endpoint, model string, limitPerMinute int) bool

	// Usage reports the current window without consuming.
	Usage(ctx context.Context, endpoint, model string, limitPerMinute int) (Usage, error)
}

// Usage is a read-only view of one key's window.
type Usage struct {
	Endpoint  string    `json:"endpoint"`
	Model     string    `json:"model"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// Clock returns the current time. Tests replace it to pin a window.
type Clock func() time.Time

// =============================================================================
// Errors
// =============================================================================

// ErrRateLimitExceeded matches every *ExceededError via errors.Is.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ExceededError is returned by Guard when the limiter rejects a call.
// Callers should retry after the current window rather than treat it as a
// fault.
type ExceededError struct {
	Endpoint string
	Model    string
	Limit    int
}

// Error implements error.
func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s:%s (%d/min)", e.Endpoint, e.Model, e.Limit)
}

// Is lets errors.Is(err, ErrRateLimitExceeded) match.
func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// =============================================================================
// Key helpers
// =============================================================================

// windowOf returns the window number for t.
func windowOf(t time.Time) int64 {
	return t.Unix() / WindowSeconds
}

// windowReset returns when window w ends.
func windowReset(w int64) time.Time {
	return time.Unix((w+1)*WindowSeconds, 0).UTC()
}

// Key builds the storage key for endpoint and model in window w.
func Key(prefix, endpoint, model string, w int64) string {
	return prefix + endpoint + ":" + model + ":" + strconv.FormatInt(w, 10)
}

// disabledUsage is reported when limiting is off.
func disabledUsage(endpoint, model string, now time.Time) Usage {
	return Usage{
		Endpoint:  endpoint,
		Model:     model,
		Remaining: -1,
		Limit:     0,
		ResetAt:   windowReset(windowOf(now)),
	}
}

func clampRemaining(remaining, limit int) int {
	switch {
	case remaining < 0:
		return 0
	case remaining > limit:
		return limit
	}
	return remaining
}

// backendContext derives a bounded context for one backend call.
func backendContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
