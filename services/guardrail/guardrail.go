// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardrail classifies raw user requests with a language model
// before any query is planned.
//
// # Failure Modes
//
// Classifier failures (transport error, timeout, malformed answer) follow the
// configured policy: fail-closed denies, fail-open tries to repair the answer
// and otherwise allows. Unexpected failures (panic, sanitizer error) always
// deny. A rate limit rejection of the classifier call always denies and is
// reported with the rate_limit_exceeded code.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/querygate/services/audit"
	"github.com/AleutianAI/querygate/services/llm"
	"github.com/AleutianAI/querygate/services/observability"
	"github.com/AleutianAI/querygate/services/ratelimit"
	"github.com/AleutianAI/querygate/services/verdict"
)

var tracer = otel.Tracer("querygate.guardrail")

// DefaultTimeout bounds one classifier call.
const DefaultTimeout = 10 * time.Second

// FailMode records which failure policy produced a decision.
type FailMode string

const (
	FailModeNone   FailMode = ""
	FailModeOpen   FailMode = "open"
	FailModeClosed FailMode = "closed"
)

// Sanitizer prepares untrusted text for the classifier prompt.
type Sanitizer interface {
	Sanitize(ctx context.Context, text string) (string, error)
}

// SanitizerFunc adapts a function to Sanitizer.
type SanitizerFunc func(ctx context.Context, text string) (string, error)

// Sanitize implements Sanitizer.
func (f SanitizerFunc) Sanitize(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// Config controls the failure policy.
type Config struct {
	// FailClosed denies requests when the classifier fails. When false the
	// guardrail fails open.
	FailClosed bool `yaml:"fail_closed"`

	// Timeout bounds each classifier call. Zero uses DefaultTimeout.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// DisableRepair skips tolerant parsing when failing open.
	DisableRepair bool `yaml:"disable_repair"`
}

// Decision is the guardrail's answer for one request.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Reason is the classifier's stated reason, or the failure description.
	Reason string `json:"reason"`

	// Code is the taxonomy code for denials and fail-open bypasses. Empty
	// for a plain classifier allow.
	Code verdict.Reason `json:"code,omitempty"`

	FailMode FailMode `json:"fail_mode,omitempty"`

	// Repaired is set when a fail-open repair produced the answer.
	Repaired bool `json:"repaired,omitempty"`

	TraceID string `json:"trace_id"`
}

// RateLimited reports whether the classifier call was throttled.
func (d Decision) RateLimited() bool {
	return d.Code == verdict.ReasonRateLimitExceeded
}

// Guardrail is the semantic request classifier.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent evaluations of the same sanitized text
// share one classifier call.
type Guardrail struct {
	client    llm.Client
	sanitizer Sanitizer
	trail     audit.Trail
	metrics   *observability.GateMetrics
	cfg       Config
	group     singleflight.Group
}

// New creates a Guardrail.
//
// # Inputs
//
//   - client: The classifier model. Typically an *llm.RateLimitedClient.
//   - sanitizer: Applied before prompting. Nil passes text through.
//   - trail: Audit sink. Nil discards entries.
//   - metrics: Nil disables counting.
//   - cfg: Failure policy.
func New(client llm.Client, sanitizer Sanitizer, trail audit.Trail, metrics *observability.GateMetrics, cfg Config) *Guardrail {
	if sanitizer == nil {
		sanitizer = SanitizerFunc(func(_ context.Context, text string) (string, error) { return text, nil })
	}
	if trail == nil {
		trail = audit.NopTrail{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Guardrail{
		client:    client,
		sanitizer: sanitizer,
		trail:     trail,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Check reports whether text may proceed.
func (g *Guardrail) Check(ctx context.Context, text string) bool {
	return g.Evaluate(ctx, text).Allowed
}

// Evaluate classifies text and applies the failure policy.
//
// # Description
//
// Writes at most one audit entry: none for an allowed classification, one
// for every denial and for a fail-open bypass. Rate limit rejections are
// audited by the limiter and add no entry here.
//
// # Inputs
//
//   - ctx: Carries tracing. The classifier call is additionally bounded by
//     Config.Timeout.
//   - text: The raw user request.
//
// # Outputs
//
//   - Decision: Never an error; failures are folded into the decision.
func (g *Guardrail) Evaluate(ctx context.Context, text string) (decision Decision) {
	ctx, span := tracer.Start(ctx, "guardrail.Guardrail.Evaluate")
	defer span.End()

	traceID := uuid.NewString()
	span.SetAttributes(
		attribute.String("guardrail.trace_id", traceID),
		attribute.Int("text.length", len(text)),
		attribute.Bool("guardrail.fail_closed", g.cfg.FailClosed),
	)

	defer func() {
		if r := recover(); r != nil {
			decision = g.unexpected(ctx, traceID, fmt.Errorf("panic: %v", r))
		}
		span.SetAttributes(
			attribute.Bool("allowed", decision.Allowed),
			attribute.String("code", string(decision.Code)),
		)
		if !decision.Allowed {
			span.SetStatus(codes.Error, string(decision.Code))
		}
		g.metrics.RecordGuardrailDecision(decision.Allowed, string(decision.FailMode))
	}()

	clean, err := g.sanitizer.Sanitize(ctx, text)
	if err != nil {
		return g.unexpected(ctx, traceID, fmt.Errorf("sanitize: %w", err))
	}

	raw, err := g.classify(ctx, clean)
	if err != nil {
		return g.classifierFailed(ctx, traceID, "", err)
	}

	c, err := parseStrict(raw)
	if err != nil {
		return g.classifierFailed(ctx, traceID, raw, err)
	}
	if !c.Allowed {
		return g.blocked(ctx, traceID, c, false)
	}
	return Decision{Allowed: true, Reason: c.Reason, TraceID: traceID}
}

// classify runs the model call, sharing it with concurrent identical calls.
func (g *Guardrail) classify(ctx context.Context, clean string) (string, error) {
	if g.client == nil {
		return "", errors.New("guardrail classifier not configured")
	}
	v, err, shared := g.group.Do(clean, func() (any, error) {
		// The leader's cancellation must not fail the callers sharing the result.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
		defer cancel()
		return g.client.Generate(callCtx, buildPrompt(clean), classifierParams())
	})
	if shared {
		slog.Debug("guardrail classification shared with concurrent request")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// classifierFailed applies the fail-open or fail-closed policy.
func (g *Guardrail) classifierFailed(ctx context.Context, traceID, raw string, cause error) Decision {
	if errors.Is(cause, ratelimit.ErrRateLimitExceeded) {
		slog.Warn("guardrail classifier rate limited", "trace_id", traceID)
		return Decision{
			Allowed: false,
			Reason:  cause.Error(),
			Code:    verdict.ReasonRateLimitExceeded,
			TraceID: traceID,
		}
	}

	if g.cfg.FailClosed {
		g.metrics.RecordGuardrailFailure(string(FailModeClosed))
		g.trail.Record(ctx, audit.NewEntry(string(verdict.ReasonGuardrailClassificationFailed), map[string]any{
			"trace_id":  traceID,
			"fail_mode": string(FailModeClosed),
			"error":     cause.Error(),
		}))
		slog.Warn("guardrail classifier failed, denying request", "trace_id", traceID, "error", cause)
		return Decision{
			Allowed:  false,
			Reason:   cause.Error(),
			Code:     verdict.ReasonGuardrailClassificationFailed,
			FailMode: FailModeClosed,
			TraceID:  traceID,
		}
	}

	g.metrics.RecordGuardrailFailure(string(FailModeOpen))
	if raw != "" && !g.cfg.DisableRepair {
		if c, ok := repair(raw); ok {
			slog.Info("guardrail classifier output repaired", "trace_id", traceID, "allowed", c.Allowed)
			if !c.Allowed {
				return g.blocked(ctx, traceID, c, true)
			}
			return Decision{
				Allowed:  true,
				Reason:   c.Reason,
				FailMode: FailModeOpen,
				Repaired: true,
				TraceID:  traceID,
			}
		}
	}

	g.trail.Record(ctx, audit.NewEntry(string(verdict.ReasonGuardrailClassificationFailedAllowed), map[string]any{
		"trace_id":  traceID,
		"fail_mode": string(FailModeOpen),
		"error":     cause.Error(),
	}))
	slog.Warn("guardrail classifier failed, allowing request", "trace_id", traceID, "error", cause)
	return Decision{
		Allowed:  true,
		Reason:   cause.Error(),
		Code:     verdict.ReasonGuardrailClassificationFailedAllowed,
		FailMode: FailModeOpen,
		TraceID:  traceID,
	}
}

// blocked records a classifier denial.
func (g *Guardrail) blocked(ctx context.Context, traceID string, c classification, repaired bool) Decision {
	category := blockCategory(c.Reason)
	g.metrics.RecordGuardrailBlock(category)
	fields := map[string]any{
		"trace_id": traceID,
		"reason":   c.Reason,
		"category": category,
	}
	failMode := FailModeNone
	if repaired {
		failMode = FailModeOpen
		fields["repaired"] = true
		fields["fail_mode"] = string(FailModeOpen)
	}
	g.trail.Record(ctx, audit.NewEntry(string(verdict.ReasonGuardrailBlocked), fields))
	slog.Info("guardrail blocked request", "trace_id", traceID, "category", category)
	return Decision{
		Allowed:  false,
		Reason:   c.Reason,
		Code:     verdict.ReasonGuardrailBlocked,
		FailMode: failMode,
		Repaired: repaired,
		TraceID:  traceID,
	}
}

// unexpected denies regardless of the failure policy.
func (g *Guardrail) unexpected(ctx context.Context, traceID string, cause error) Decision {
	g.metrics.RecordGuardrailFailure("error")
	g.trail.Record(ctx, audit.NewEntry(string(verdict.ReasonGuardrailError), map[string]any{
		"trace_id": traceID,
		"error":    cause.Error(),
	}))
	slog.Error("guardrail failed unexpectedly, denying request", "trace_id", traceID, "error", cause)
	return Decision{
		Allowed: false,
		Reason:  cause.Error(),
		Code:    verdict.ReasonGuardrailError,
		TraceID: traceID,
	}
}

// blockCategory maps a free-text reason to a bounded metric label.
func blockCategory(reason string) string {
	r := strings.ToLower(reason)
	for _, c := range BlockCategories {
		if strings.Contains(r, c) {
			return c
		}
	}
	return "other"
}
