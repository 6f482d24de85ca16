// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verdict defines the reason codes and pipeline stages shared by every
// layer of the query safety gate.
//
// # Description
//
// The validator, the semantic guardrail and the rate limiter each reject
// requests for their own reasons, but callers (HTTP layer, CLI, audit
// tooling) see a single taxonomy. Reason values double as audit event names
// for the guardrail and rate limiter, so they must stay stable.
package verdict

// Reason is a machine-readable rejection or decision code.
type Reason string

// Cypher validator reasons.
const (
	ReasonNone                   Reason = ""
	ReasonEmptyQuery             Reason = "empty_query"
	ReasonWriteOrProcedure       Reason = "write_or_procedure_detected"
	ReasonUnboundedTraversal     Reason = "unbounded_traversal_detected"
	ReasonDepthExceedsLimit      Reason = "traversal_depth_exceeds_limit"
	ReasonSchemaViolation        Reason = "schema_violation"
	ReasonValidationProcessError Reason = "validation_process_error"
)

// Semantic guardrail reasons.
const (
	ReasonGuardrailClassificationFailed        Reason = "guardrail_classification_failed"
	ReasonGuardrailClassificationFailedAllowed Reason = "guardrail_classification_failed_allowed"
	ReasonGuardrailBlocked                     Reason = "guardrail_blocked"
	ReasonGuardrailError                       Reason = "guardrail_error"
)

// Rate limiter reasons.
const (
	ReasonRateLimitExceeded Reason = "rate_limit_exceeded"
)

// Gate-level reasons for failures outside the three safety components.
const (
	ReasonPlannerFailed  Reason = "planner_failed"
	ReasonExecutorFailed Reason = "executor_failed"
)

// String implements fmt.Stringer.
func (r Reason) String() string {
	return string(r)
}

// IsValidatorReason reports whether the reason originates from the Cypher
// safety validator.
func (r Reason) IsValidatorReason() bool {
	switch r {
	case ReasonEmptyQuery, ReasonWriteOrProcedure, ReasonUnboundedTraversal,
		ReasonDepthExceedsLimit, ReasonSchemaViolation, ReasonValidationProcessError:
		return true
	}
	return false
}

// IsRetryable reports whether a caller should retry the same request later
// rather than treat the rejection as final.
func (r Reason) IsRetryable() bool {
	return r == ReasonRateLimitExceeded
}

// Stage identifies which step of the gate produced a decision.
type Stage string

const (
	StageRateLimit Stage = "rate_limit"
	StageGuardrail Stage = "guardrail"
	StagePlanner   Stage = "planner"
	StageValidator Stage = "validator"
	StageExecutor  Stage = "executor"
)
