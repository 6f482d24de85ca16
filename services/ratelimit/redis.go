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

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/querygate/services/observability"
)

// consumeScript performs the whole check-and-decrement server side.
//
// KEYS[1] window key, ARGV[1] limit, ARGV[2] ttl seconds.
// Returns {allowed (0|1), remaining}.
var consumeScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
  current = tonumber(ARGV[1])
else
  current = tonumber(current)
end
if current - 1 < 0 then
  return {0, current}
end
local remaining = redis.call("DECR", KEYS[1])
return {1, remaining}
`)

// RedisLimiter shares windows across every process using the same Redis.
type RedisLimiter struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	now     Clock
	metrics *observability.GateMetrics
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisPrefix overrides DefaultKeyPrefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(l *RedisLimiter) {
		l.prefix = prefix
	}
}

// WithRedisTimeout bounds each script call.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(l *RedisLimiter) {
		l.timeout = d
	}
}

// WithRedisClock replaces time.Now.
func WithRedisClock(now Clock) RedisOption {
	return func(l *RedisLimiter) {
		l.now = now
	}
}

// WithRedisMetrics counts backend failures.
func WithRedisMetrics(m *observability.GateMetrics) RedisOption {
	return func(l *RedisLimiter) {
		l.metrics = m
	}
}

// NewRedisLimiter creates a limiter backed by client.
//
// # Inputs
//
//   - client: Any go-redis client (single node, cluster, ring).
//   - opts: Optional settings.
//
// # Outputs
//
//   - *RedisLimiter: Ready to use.
func NewRedisLimiter(client redis.UniversalClient, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client:  client,
		prefix:  DefaultKeyPrefix,
		timeout: DefaultBackendTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryConsume implements Limiter.
func (l *RedisLimiter) TryConsume(ctx context.Context, endpoint, model string, limitPerMinute int) bool {
	if limitPerMinute <= 0 {
		return true
	}
	if l.client == nil {
		l.failOpen(endpoint, model, errors.New("redis client not configured"))
		return true
	}
	key := Key(l.prefix, endpoint, model, windowOf(l.now()))

	callCtx, cancel := backendContext(ctx, l.timeout)
	defer cancel()

	res, err := consumeScript.Run(callCtx, l.client, []string{key},
		limitPerMinute, int(KeyTTL/time.Second)).Int64Slice()
	if err != nil || len(res) < 2 {
		if err == nil {
			err = fmt.Errorf("unexpected script reply length %d", len(res))
		}
		l.failOpen(endpoint, model, err)
		return true
	}
	return res[0] == 1
}

// Usage implements Limiter.
func (l *RedisLimiter) Usage(ctx context.Context, endpoint, model string, limitPerMinute int) (Usage, error) {
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
	if l.client == nil {
		return usage, errors.New("redis client not configured")
	}

	callCtx, cancel := backendContext(ctx, l.timeout)
	defer cancel()

	raw, err := l.client.Get(callCtx, Key(l.prefix, endpoint, model, w)).Result()
	if errors.Is(err, redis.Nil) {
		return usage, nil
	}
	if err != nil {
		return usage, fmt.Errorf("read rate limit usage: %w", err)
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil {
		return usage, fmt.Errorf("parse rate limit counter %q: %w", raw, err)
	}
	usage.Remaining = clampRemaining(remaining, limitPerMinute)
	return usage, nil
}

func (l *RedisLimiter) failOpen(endpoint, model string, err error) {
	slog.Warn("rate limiter backend error, allowing request",
		"backend", "redis",
		"endpoint", endpoint,
		"model", model,
		"error", err,
	)
	l.metrics.RecordRateLimitBackendError("redis")
}

var _ Limiter = (*RedisLimiter)(nil)
