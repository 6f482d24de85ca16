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
	"sync"
	"time"
)

// MemoryLimiter keeps windows in process memory.
//
// Use it for development and tests; counters are not shared between
// processes and vanish on restart.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	remaining int
	expiresAt time.Time
}

// NewMemoryLimiter creates an in-process limiter. A nil clock uses time.Now.
func NewMemoryLimiter(now Clock) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		now:     now,
		entries: make(map[string]memoryEntry),
	}
}

// TryConsume implements Limiter.
func (l *MemoryLimiter) TryConsume(_ context.Context, endpoint, model string, limitPerMinute int) bool {
	if limitPerMinute <= 0 {
		return true
	}
	now := l.now()
	key := Key("", endpoint, model, windowOf(now))

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)
	e, ok := l.entries[key]
	if !ok {
		e = memoryEntry{remaining: limitPerMinute, expiresAt: now.Add(KeyTTL)}
	}
	if e.remaining-1 < 0 {
		l.entries[key] = e
		return false
	}
	e.remaining--
	l.entries[key] = e
	return true
}

// Usage implements Limiter.
func (l *MemoryLimiter) Usage(_ context.Context, endpoint, model string, limitPerMinute int) (Usage, error) {
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

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[Key("", endpoint, model, w)]; ok && now.Before(e.expiresAt) {
		usage.Remaining = clampRemaining(e.remaining, limitPerMinute)
	}
	return usage, nil
}

// Len returns the number of live counters.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evict drops expired counters. Caller holds mu.
func (l *MemoryLimiter) evict(now time.Time) {
	for k, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, k)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
