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
	"log/slog"

	"github.com/AleutianAI/querygate/services/audit"
	"github.com/AleutianAI/querygate/services/observability"
	"github.com/AleutianAI/querygate/services/verdict"
)

// Spec identifies one rate-limited call site.
type Spec struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Model    string `json:"model" yaml:"model"`
	Limit    int    `json:"limit" yaml:"limit"`
}

// Enforcer applies a Limiter to outbound calls and reports rejections.
//
// # Description
//
// Every rejection increments the exceeded counter and writes exactly one
// rate_limit_exceeded audit entry before the typed error is returned.
//
// # Thread Safety
//
// Safe for concurrent use.
type Enforcer struct {
	limiter Limiter
	trail   audit.Trail
	metrics *observability.GateMetrics
}

// NewEnforcer wraps limiter. Nil trail discards entries; nil metrics
// disables counting.
func NewEnforcer(limiter Limiter, trail audit.Trail, metrics *observability.GateMetrics) *Enforcer {
	if trail == nil {
		trail = audit.NopTrail{}
	}
	return &Enforcer{
		limiter: limiter,
		trail:   trail,
		metrics: metrics,
	}
}

// Limiter returns the wrapped limiter.
func (e *Enforcer) Limiter() Limiter {
	return e.limiter
}

// Allow consumes one unit for spec.
//
// # Outputs
//
//   - error: nil when the call may proceed, otherwise *ExceededError.
func (e *Enforcer) Allow(ctx context.Context, spec Spec) error {
	if e == nil || e.limiter == nil {
		return nil
	}
	if e.limiter.TryConsume(ctx, spec.Endpoint, spec.Model, spec.Limit) {
		return nil
	}

	e.metrics.RecordRateLimitExceeded(spec.Endpoint, spec.Model)
	e.trail.Record(ctx, audit.NewEntry(string(verdict.ReasonRateLimitExceeded), map[string]any{
		"endpoint": spec.Endpoint,
		"model":    spec.Model,
		"limit":    spec.Limit,
	}))
	slog.Warn("rate limit exceeded",
		"endpoint", spec.Endpoint,
		"model", spec.Model,
		"limit", spec.Limit,
	)
	return &ExceededError{Endpoint: spec.Endpoint, Model: spec.Model, Limit: spec.Limit}
}

// Guard runs fn only if the enforcer admits spec.
//
// # Description
//
// On rejection fn is not called and the zero T is returned together with
// an *ExceededError, which matches ErrRateLimitExceeded via errors.Is.
//
// # Inputs
//
//   - ctx: Passed to the limiter and to fn.
//   - e: The enforcer. Nil admits every call.
//   - spec: Endpoint, model and per-minute limit.
//   - fn: The outbound call.
//
// # Outputs
//
//   - T: fn's result.
//   - error: *ExceededError or fn's error.
func Guard[T any](ctx context.Context, e *Enforcer, spec Spec, fn func(context.Context) (T, error)) (T, error) {
	if err := e.Allow(ctx, spec); err != nil {
		var zero T
		return zero, err
	}
	return fn(ctx)
}
