// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate composes the safety components into one request pipeline.
//
// # Description
//
// A request flows strictly in order: semantic guardrail (its model call is
// rate limited), query planner, Cypher validator, executor. The first
// rejection ends the request; no later stage runs. Rejections are returned
// as a Result with Allowed false. An error is returned only when a
// collaborator (planner or executor) fails.
//
// # Audit
//
// Each rejection produces exactly one audit entry. The guardrail, validator
// and rate limiter audit their own rejections; the gate writes a
// gate_decision entry for planner failure, executor failure and successful
// execution. A successful request therefore carries the validator's
// cypher_validation entry plus one gate_decision entry.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/querygate/services/allowlist"
	"github.com/AleutianAI/querygate/services/audit"
	"github.com/AleutianAI/querygate/services/cypher"
	"github.com/AleutianAI/querygate/services/guardrail"
	"github.com/AleutianAI/querygate/services/observability"
	"github.com/AleutianAI/querygate/services/planner"
	"github.com/AleutianAI/querygate/services/ratelimit"
	"github.com/AleutianAI/querygate/services/verdict"
)

var tracer = otel.Tracer("querygate.gate")

// EventDecision is the audit event written by the gate itself.
const EventDecision = "gate_decision"

// User-facing messages for non-validator rejections.
const (
	MessageFlagged     = "request flagged for review"
	MessageRateLimited = "rate limit exceeded, retry later"
	MessagePlanFailed  = "query planning failed"
	MessageExecFailed  = "query execution failed"
	MessageOK          = "ok"
)

var (
	// ErrPlannerFailed wraps planner errors other than rate limiting.
	ErrPlannerFailed = errors.New("planner failed")

	// ErrExecutorFailed wraps executor errors.
	ErrExecutorFailed = errors.New("executor failed")
)

// Planner produces a candidate query for a request.
type Planner interface {
	Plan(ctx context.Context, text string, list *allowlist.AllowList) (planner.Plan, error)
}

// Executor runs a validated query against the graph.
type Executor interface {
	Execute(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return f(ctx, query, params)
}

// DryRunExecutor accepts every validated query and returns no rows. Used
// when no graph database is attached.
type DryRunExecutor struct{}

// Execute implements Executor.
func (DryRunExecutor) Execute(context.Context, string, map[string]any) ([]map[string]any, error) {
	return []map[string]any{}, nil
}

// Request is one natural-language question.
type Request struct {
	Text      string `json:"text" binding:"required"`
	SessionID string `json:"session_id,omitempty"`
}

// Result is the outcome of Process or Run.
type Result struct {
	RequestID  string              `json:"request_id"`
	Allowed    bool                `json:"allowed"`
	Stage      verdict.Stage       `json:"stage"`
	Reason     verdict.Reason      `json:"reason,omitempty"`
	Message    string              `json:"message"`
	Query      string              `json:"query,omitempty"`
	Validation *cypher.Outcome     `json:"validation,omitempty"`
	Guardrail  *guardrail.Decision `json:"guardrail,omitempty"`
	Rows       []map[string]any    `json:"rows,omitempty"`
}

// Components are the collaborators of a Gate. Guardrail, Planner,
// Validator and AllowList are required.
type Components struct {
	Guardrail *guardrail.Guardrail
	Planner   Planner
	Validator *cypher.Validator
	Executor  Executor
	AllowList allowlist.Source
	Trail     audit.Trail
	Metrics   *observability.GateMetrics
}

// Gate runs the request pipeline.
//
// # Thread Safety
//
// Safe for concurrent use.
type Gate struct {
	guardrail *guardrail.Guardrail
	planner   Planner
	validator *cypher.Validator
	executor  Executor
	allowlist allowlist.Source
	trail     audit.Trail
	metrics   *observability.GateMetrics
}

// New assembles a Gate. A nil Executor uses DryRunExecutor and a nil Trail
// discards gate entries.
func New(c Components) (*Gate, error) {
	switch {
	case c.Guardrail == nil:
		return nil, errors.New("gate: guardrail is required")
	case c.Planner == nil:
		return nil, errors.New("gate: planner is required")
	case c.Validator == nil:
		return nil, errors.New("gate: validator is required")
	case c.AllowList == nil:
		return nil, errors.New("gate: allow-list source is required")
	}
	if c.Executor == nil {
		c.Executor = DryRunExecutor{}
	}
	if c.Trail == nil {
		c.Trail = audit.NopTrail{}
	}
	return &Gate{
		guardrail: c.Guardrail,
		planner:   c.Planner,
		validator: c.Validator,
		executor:  c.Executor,
		allowlist: c.AllowList,
		trail:     c.Trail,
		metrics:   c.Metrics,
	}, nil
}

// CheckText runs only the guardrail.
func (g *Gate) CheckText(ctx context.Context, text string) guardrail.Decision {
	return g.guardrail.Evaluate(ctx, text)
}

// ValidateQuery runs only the Cypher validator.
func (g *Gate) ValidateQuery(ctx context.Context, query string) cypher.Outcome {
	return g.validator.Validate(ctx, query)
}

// Process runs the full pipeline for req.
//
// # Outputs
//
//   - *Result: Always non-nil.
//   - error: Non-nil only for planner or executor failures, wrapping
//     ErrPlannerFailed or ErrExecutorFailed. The Result then carries the
//     failing stage.
func (g *Gate) Process(ctx context.Context, req Request) (*Result, error) {
	res := &Result{RequestID: uuid.NewString()}
	ctx, span := tracer.Start(ctx, "gate.Gate.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", res.RequestID),
		attribute.String("session.id", req.SessionID),
	)
	defer func() {
		span.SetAttributes(
			attribute.Bool("allowed", res.Allowed),
			attribute.String("stage", string(res.Stage)),
			attribute.String("reason", string(res.Reason)),
		)
		g.metrics.RecordGateDecision(string(res.Stage), res.Allowed)
	}()

	start := time.Now()
	decision := g.guardrail.Evaluate(ctx, req.Text)
	g.metrics.ObserveStage(string(verdict.StageGuardrail), time.Since(start))
	res.Guardrail = &decision
	if !decision.Allowed {
		res.Reason = decision.Code
		if decision.RateLimited() {
			res.Stage, res.Message = verdict.StageRateLimit, MessageRateLimited
		} else {
			res.Stage, res.Message = verdict.StageGuardrail, MessageFlagged
		}
		slog.Info("request rejected", "request_id", res.RequestID, "stage", res.Stage, "reason", res.Reason)
		return res, nil
	}

	start = time.Now()
	plan, err := g.planner.Plan(ctx, req.Text, g.allowlist.Current())
	g.metrics.ObserveStage(string(verdict.StagePlanner), time.Since(start))
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			res.Stage, res.Reason, res.Message = verdict.StageRateLimit, verdict.ReasonRateLimitExceeded, MessageRateLimited
			slog.Info("request rejected", "request_id", res.RequestID, "stage", res.Stage, "reason", res.Reason)
			return res, nil
		}
		res.Stage, res.Reason, res.Message = verdict.StagePlanner, verdict.ReasonPlannerFailed, MessagePlanFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.recordDecision(ctx, req.SessionID, res, err)
		return res, fmt.Errorf("%w: %w", ErrPlannerFailed, err)
	}

	return g.run(ctx, req.SessionID, plan, res)
}

// Run validates and executes a plan that did not come from Process, such as
// a template query. The guardrail is skipped because there is no free text.
func (g *Gate) Run(ctx context.Context, plan planner.Plan) (*Result, error) {
	res := &Result{RequestID: uuid.NewString()}
	ctx, span := tracer.Start(ctx, "gate.Gate.Run")
	defer span.End()
	defer func() {
		span.SetAttributes(
			attribute.Bool("allowed", res.Allowed),
			attribute.String("stage", string(res.Stage)),
		)
		g.metrics.RecordGateDecision(string(res.Stage), res.Allowed)
	}()
	return g.run(ctx, "", plan, res)
}

func (g *Gate) run(ctx context.Context, sessionID string, plan planner.Plan, res *Result) (*Result, error) {
	res.Query = plan.Query

	start := time.Now()
	outcome := g.validator.Validate(ctx, plan.Query)
	g.metrics.ObserveStage(string(verdict.StageValidator), time.Since(start))
	res.Validation = &outcome
	if !outcome.Valid {
		res.Stage, res.Reason, res.Message = verdict.StageValidator, outcome.BlockedReason, outcome.Message()
		slog.Info("request rejected", "request_id", res.RequestID, "stage", res.Stage, "reason", res.Reason)
		return res, nil
	}

	start = time.Now()
	rows, err := g.executor.Execute(ctx, plan.Query, plan.Params)
	g.metrics.ObserveStage(string(verdict.StageExecutor), time.Since(start))
	res.Stage = verdict.StageExecutor
	if err != nil {
		res.Reason, res.Message = verdict.ReasonExecutorFailed, MessageExecFailed
		g.recordDecision(ctx, sessionID, res, err)
		return res, fmt.Errorf("%w: %w", ErrExecutorFailed, err)
	}

	if rows == nil {
		rows = []map[string]any{}
	}
	res.Allowed, res.Message, res.Rows = true, MessageOK, rows
	g.recordDecision(ctx, sessionID, res, nil)
	return res, nil
}

func (g *Gate) recordDecision(ctx context.Context, sessionID string, res *Result, err error) {
	fields := map[string]any{
		"request_id": res.RequestID,
		"allowed":    res.Allowed,
		"stage":      string(res.Stage),
		"reason":     string(res.Reason),
		"rows":       len(res.Rows),
	}
	if sessionID != "" {
		fields["session_id"] = sessionID
	}
	if err != nil {
		fields["error"] = err.Error()
		slog.Error("gate collaborator failed",
			"request_id", res.RequestID,
			"stage", res.Stage,
			"error", err,
		)
	}
	g.trail.Record(ctx, audit.NewEntry(EventDecision, fields))
}
