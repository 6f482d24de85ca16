// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the query safety gate.
//
// # Description
//
// Metrics cover every admission decision:
//   - Cypher validations by outcome and reason
//   - Guardrail decisions, per-reason blocks and classifier failures
//   - Rate limit rejections and backend errors
//   - Gate decisions and per-stage latency
//
// # Integration
//
// GateMetrics registers on an injected prometheus.Registerer. The server
// exposes the registry via /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record* method is safe to call on a nil *GateMetrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "querygate"

// GateMetrics holds all Prometheus metrics for the safety gate.
//
// # Fields
//
//   - ValidationsTotal: Cypher validations by outcome and reason
//   - GuardrailDecisionsTotal: Guardrail decisions by outcome and fail mode
//   - GuardrailBlocksTotal: Blocks by classifier-stated reason
//   - GuardrailFailuresTotal: Classifier failures by fail mode
//   - RateLimitExceededTotal: Rejections by endpoint and model
//   - RateLimitBackendErrorsTotal: Fail-open events by backend
//   - GateDecisionsTotal: End-to-end decisions by stage and outcome
//   - StageDurationSeconds: Per-stage latency
//   - AllowListReloadsTotal: Allow-list reloads by status
type GateMetrics struct {
	// ValidationsTotal counts Cypher validations.
	// Labels: outcome (valid, rejected), reason
	ValidationsTotal *prometheus.CounterVec

	// GuardrailDecisionsTotal counts guardrail decisions.
	// Labels: outcome (allowed, blocked), fail_mode ("", open, closed)
	GuardrailDecisionsTotal *prometheus.CounterVec

	// GuardrailBlocksTotal counts classifier blocks by stated reason.
	// Labels: reason
	GuardrailBlocksTotal *prometheus.CounterVec

	// GuardrailFailuresTotal counts classifier call failures.
	// Labels: fail_mode (open, closed, error)
	GuardrailFailuresTotal *prometheus.CounterVec

	// RateLimitExceededTotal counts rate limit rejections.
	// Labels: endpoint, model
	RateLimitExceededTotal *prometheus.CounterVec

	// RateLimitBackendErrorsTotal counts backend failures (requests allowed).
	// Labels: backend (redis, badger, memory)
	RateLimitBackendErrorsTotal *prometheus.CounterVec

	// GateDecisionsTotal counts end-to-end decisions.
	// Labels: stage, outcome (allowed, rejected)
	GateDecisionsTotal *prometheus.CounterVec

	// StageDurationSeconds measures time spent per stage.
	// Labels: stage
	StageDurationSeconds *prometheus.HistogramVec

	// AllowListReloadsTotal counts allow-list reload attempts.
	// Labels: status (success, error)
	AllowListReloadsTotal *prometheus.CounterVec
}

// NewGateMetrics creates and registers all gate metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Nil creates a private registry, which
//     is what tests and the one-shot CLI commands want.
//
// # Outputs
//
//   - *GateMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if the same registry already holds these metrics.
func NewGateMetrics(reg prometheus.Registerer) *GateMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &GateMetrics{
		ValidationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cypher",
				Name:      "validations_total",
				Help:      "Cypher safety validations by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),

		GuardrailDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "guardrail",
				Name:      "decisions_total",
				Help:      "Semantic guardrail decisions by outcome and fail mode",
			},
			[]string{"outcome", "fail_mode"},
		),

		GuardrailBlocksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "guardrail",
				Name:      "blocks_total",
				Help:      "Requests blocked by the classifier, by stated reason",
			},
			[]string{"reason"},
		),

		GuardrailFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "guardrail",
				Name:      "classification_failures_total",
				Help:      "Classifier call failures by applied fail mode",
			},
			[]string{"fail_mode"},
		),

		RateLimitExceededTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ratelimit",
				Name:      "exceeded_total",
				Help:      "LLM calls rejected by the rate limiter",
			},
			[]string{"endpoint", "model"},
		),

		RateLimitBackendErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ratelimit",
				Name:      "backend_errors_total",
				Help:      "Rate limiter backend failures (request allowed)",
			},
			[]string{"backend"},
		),

		GateDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gate",
				Name:      "decisions_total",
				Help:      "End-to-end gate decisions by terminal stage and outcome",
			},
			[]string{"stage", "outcome"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "gate",
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each gate stage in seconds",
				Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),

		AllowListReloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "allowlist",
				Name:      "reloads_total",
				Help:      "Allow-list reload attempts by status",
			},
			[]string{"status"},
		),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordValidation counts one Cypher validation.
func (m *GateMetrics) RecordValidation(valid bool, reason string) {
	if m == nil {
		return
	}
	outcome := "valid"
	if !valid {
		outcome = "rejected"
	}
	m.ValidationsTotal.WithLabelValues(outcome, reason).Inc()
}

// RecordGuardrailDecision counts one guardrail decision.
func (m *GateMetrics) RecordGuardrailDecision(allowed bool, failMode string) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	m.GuardrailDecisionsTotal.WithLabelValues(outcome, failMode).Inc()
}

// RecordGuardrailBlock counts a classifier block by reason.
func (m *GateMetrics) RecordGuardrailBlock(reason string) {
	if m == nil {
		return
	}
	m.GuardrailBlocksTotal.WithLabelValues(reason).Inc()
}

// RecordGuardrailFailure counts a classifier failure.
func (m *GateMetrics) RecordGuardrailFailure(failMode string) {
	if m == nil {
		return
	}
	m.GuardrailFailuresTotal.WithLabelValues(failMode).Inc()
}

// RecordRateLimitExceeded counts a rate limit rejection.
func (m *GateMetrics) RecordRateLimitExceeded(endpoint, model string) {
	if m == nil {
		return
	}
	m.RateLimitExceededTotal.WithLabelValues(endpoint, model).Inc()
}

// RecordRateLimitBackendError counts a backend failure.
func (m *GateMetrics) RecordRateLimitBackendError(backend string) {
	if m == nil {
		return
	}
	m.RateLimitBackendErrorsTotal.WithLabelValues(backend).Inc()
}

// RecordGateDecision counts an end-to-end decision.
func (m *GateMetrics) RecordGateDecision(stage string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	m.GateDecisionsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveStage records how long a stage took.
func (m *GateMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordAllowListReload counts an allow-list reload attempt.
func (m *GateMetrics) RecordAllowListReload(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.AllowListReloadsTotal.WithLabelValues(status).Inc()
}
