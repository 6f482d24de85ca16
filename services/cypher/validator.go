// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cypher statically checks generated Cypher queries before they are
// executed against the graph database.
//
// # Description
//
// The validator is deliberately conservative. It does not parse Cypher; it
// masks string literals, splits pattern bodies out by bracket depth, then
// applies four ordered checks and stops at the first failure:
//
//  1. Empty query
//  2. Write clauses and procedure calls
//  3. Variable-length traversal and path quantifier depth caps
//  4. Schema membership against the allow-list
//
// Unbalanced brackets fail closed. Some valid read queries are rejected,
// such as arithmetic directly after a call wrapping a path. No query that writes, calls a
// procedure, traverses without bound or references an unknown label or
// relationship type is accepted.
//
// # Thread Safety
//
// Validator is safe for concurrent use. ValidateAgainst is a pure function.
package cypher

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/querygate/services/allowlist"
	"github.com/AleutianAI/querygate/services/audit"
	"github.com/AleutianAI/querygate/services/observability"
	"github.com/AleutianAI/querygate/services/verdict"
)

var tracer = otel.Tracer("querygate.cypher")

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultMaxHops is the traversal depth cap used when none is configured.
	DefaultMaxHops = 2

	// EventValidation is the audit event written for every validation.
	EventValidation = "cypher_validation"

	// previewRunes bounds the query text copied into audit entries.
	previewRunes = 200
)

// ViolationKind sub-buckets write_or_procedure_detected rejections.
type ViolationKind string

const (
	ViolationNone      ViolationKind = ""
	ViolationProcedure ViolationKind = "procedure"
	ViolationClause    ViolationKind = "clause"
)

// =============================================================================
// Patterns
// =============================================================================

var (
	// Namespaced procedure or function invocation, e.g. apoc.periodic.iterate(.
	procedurePrefixRe = regexp.MustCompile(`(?i)(?:^|[^.\w$])((?:apoc|db|dbms|gds)(?:\.[A-Za-z_][A-Za-z0-9_]*)+)\s*\(`)

	// CALL is matched separately so it lands in the procedure bucket.
	callRe = regexp.MustCompile(`(?i)(?:^|[^.\w$])(CALL)\b`)

	// Mutating clauses. A leading dot is excluded so property keys such as
	// n.set are not mistaken for clauses.
	clauseRe = regexp.MustCompile(`(?i)(?:^|[^.\w$])(DETACH\s+DELETE|LOAD\s+CSV|CREATE|MERGE|DELETE|SET|REMOVE|DROP|UNWIND|FOREACH)\b`)

	// Backtick identifiers are neutralised before the keyword scan.
	backtickRe = regexp.MustCompile("`(?:[^`]|``)*`")

	// Variable-length marker inside a relationship body.
	varLengthRe = regexp.MustCompile(`\*\s*(\d*)\s*(\.\.\s*(\d*))?`)

	// A run of schema terms after a colon: :A, :A|B, :A|:B, :A&B.
	termRunRe = regexp.MustCompile(":\\s*((?:`(?:[^`]|``)+`|[A-Za-z_][A-Za-z0-9_]*)(?:\\s*[|&]\\s*:?\\s*(?:`(?:[^`]|``)+`|[A-Za-z_][A-Za-z0-9_]*))*)")

	termSplitRe = regexp.MustCompile(`\s*[|&]\s*:?\s*`)
)

// =============================================================================
// Outcome
// =============================================================================

// Outcome is the result of one validation.
//
// Valid implies BlockedReason is empty and both invalid lists are empty.
// Slices are never nil so JSON output is stable.
type Outcome struct {
	Valid                  bool           `json:"valid"`
	BlockedReason          verdict.Reason `json:"blocked_reason,omitempty"`
	ViolationKind          ViolationKind  `json:"violation_kind,omitempty"`
	Violation              string         `json:"violation,omitempty"`
	Detail                 string         `json:"detail,omitempty"`
	FoundLabels            []string       `json:"found_labels"`
	FoundRelationships     []string       `json:"found_relationships"`
	InvalidLabels          []string       `json:"invalid_labels"`
	InvalidRelationships   []string       `json:"invalid_relationships"`
	VariableLengthPatterns []string       `json:"variable_length_patterns"`
	DepthLimit             int            `json:"depth_limit"`
}

func newOutcome(maxHops int) Outcome {
	return Outcome{
		FoundLabels:            []string{},
		FoundRelationships:     []string{},
		InvalidLabels:          []string{},
		InvalidRelationships:   []string{},
		VariableLengthPatterns: []string{},
		DepthLimit:             maxHops,
	}
}

// Message renders a one-line human explanation of the outcome.
func (o Outcome) Message() string {
	switch o.BlockedReason {
	case verdict.ReasonNone:
		return "query accepted"
	case verdict.ReasonEmptyQuery:
		return "query is empty"
	case verdict.ReasonWriteOrProcedure:
		return fmt.Sprintf("query contains a forbidden %s: %s", o.ViolationKind, o.Violation)
	case verdict.ReasonUnboundedTraversal:
		return fmt.Sprintf("query contains an unbounded traversal: %s", strings.Join(o.VariableLengthPatterns, ", "))
	case verdict.ReasonDepthExceedsLimit:
		return fmt.Sprintf("traversal depth exceeds limit of %d hops: %s", o.DepthLimit, o.Violation)
	case verdict.ReasonSchemaViolation:
		var parts []string
		if len(o.InvalidLabels) > 0 {
			parts = append(parts, "unknown labels "+strings.Join(o.InvalidLabels, ", "))
		}
		if len(o.InvalidRelationships) > 0 {
			parts = append(parts, "unknown relationship types "+strings.Join(o.InvalidRelationships, ", "))
		}
		return "query references " + strings.Join(parts, " and ")
	case verdict.ReasonValidationProcessError:
		return "query could not be validated: " + o.Detail
	}
	return string(o.BlockedReason)
}

// =============================================================================
// Validator
// =============================================================================

// Validator checks queries against the current allow-list snapshot.
//
// # Fields
//
//   - source: Supplies the allow-list snapshot read once per call.
//   - maxHops: Inclusive traversal depth cap.
//   - trail: Receives one cypher_validation entry per call.
//   - metrics: Optional validation counters.
type Validator struct {
	source  allowlist.Source
	maxHops int
	trail   audit.Trail
	metrics *observability.GateMetrics
}

// Option configures a Validator.
type Option func(*Validator)

// WithMetrics attaches validation counters.
func WithMetrics(m *observability.GateMetrics) Option {
	return func(v *Validator) {
		v.metrics = m
	}
}

// NewValidator creates a validator.
//
// # Inputs
//
//   - source: Allow-list source. Nil means an empty allow-list.
//   - maxHops: Depth cap. Values <= 0 use DefaultMaxHops.
//   - trail: Audit sink. Nil discards entries.
//   - opts: Optional settings.
//
// # Outputs
//
//   - *Validator: Ready to use.
func NewValidator(source allowlist.Source, maxHops int, trail audit.Trail, opts ...Option) *Validator {
	if source == nil {
		source = allowlist.Static{List: allowlist.New(nil, nil, nil)}
	}
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if trail == nil {
		trail = audit.NopTrail{}
	}
	v := &Validator{
		source:  source,
		maxHops: maxHops,
		trail:   trail,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// MaxHops returns the configured depth cap.
func (v *Validator) MaxHops() int {
	return v.maxHops
}

// Validate checks query against the current allow-list snapshot.
//
// # Description
//
// Reads the allow-list once, delegates to ValidateAgainst, then writes one
// audit entry. The audit write never influences the returned Outcome.
//
// # Inputs
//
//   - ctx: Used for tracing and the audit write.
//   - query: The generated Cypher text.
//
// # Outputs
//
//   - Outcome: Never an error; internal faults become validation_process_error.
func (v *Validator) Validate(ctx context.Context, query string) Outcome {
	ctx, span := tracer.Start(ctx, "cypher.Validator.Validate",
		trace.WithAttributes(
			attribute.Int("query.length", len(query)),
			attribute.Int("max_hops", v.maxHops),
		),
	)
	defer span.End()

	outcome := ValidateAgainst(query, v.source.Current(), v.maxHops)

	span.SetAttributes(
		attribute.Bool("valid", outcome.Valid),
		attribute.String("reason", string(outcome.BlockedReason)),
	)
	v.metrics.RecordValidation(outcome.Valid, string(outcome.BlockedReason))
	v.trail.Record(ctx, audit.NewEntry(EventValidation, outcomeFields(query, outcome)))

	if !outcome.Valid {
		slog.Info("cypher query rejected",
			"reason", outcome.BlockedReason,
			"violation", outcome.Violation,
			"invalid_labels", outcome.InvalidLabels,
			"invalid_relationships", outcome.InvalidRelationships,
		)
	}
	return outcome
}

// ValidateAgainst is the pure validation core.
//
// # Description
//
// Identical (query, list, maxHops) always yield an identical Outcome. A
// panic in any step is recovered and reported as validation_process_error;
// the function never fails open.
//
// # Inputs
//
//   - query: The Cypher text.
//   - list: Allow-list snapshot. Nil permits no terms.
//   - maxHops: Inclusive depth cap, used as given.
//
// # Outputs
//
//   - Outcome: The decision and diagnostics.
func ValidateAgainst(query string, list *allowlist.AllowList, maxHops int) (out Outcome) {
	out = newOutcome(maxHops)
	if strings.TrimSpace(query) == "" {
		out.BlockedReason = verdict.ReasonEmptyQuery
		return out
	}

	defer func() {
		if r := recover(); r != nil {
			out = newOutcome(maxHops)
			out.BlockedReason = verdict.ReasonValidationProcessError
			out.Detail = fmt.Sprint(r)
		}
	}()

	masked, err := maskLiterals(query)
	if err != nil {
		out.BlockedReason = verdict.ReasonValidationProcessError
		out.Detail = err.Error()
		return out
	}

	if kind, keyword := detectWrite(masked); kind != ViolationNone {
		out.BlockedReason = verdict.ReasonWriteOrProcedure
		out.ViolationKind = kind
		out.Violation = keyword
		return out
	}

	scan, err := scanPatterns(masked)
	if err != nil {
		out.BlockedReason = verdict.ReasonValidationProcessError
		out.Detail = err.Error()
		return out
	}

	reason, offending, patterns := checkDepth(scan, maxHops)
	out.VariableLengthPatterns = patterns
	if reason != verdict.ReasonNone {
		out.BlockedReason = reason
		out.Violation = offending
		return out
	}

	checkSchema(scan, list, &out)
	if len(out.InvalidLabels) > 0 || len(out.InvalidRelationships) > 0 {
		out.BlockedReason = verdict.ReasonSchemaViolation
		return out
	}

	out.Valid = true
	return out
}

// =============================================================================
// Checks
// =============================================================================

// detectWrite reports the first mutating keyword in the masked text.
func detectWrite(masked string) (ViolationKind, string) {
	scan := backtickRe.ReplaceAllString(masked, "``")

	if m := procedurePrefixRe.FindStringSubmatch(scan); m != nil {
		return ViolationProcedure, m[1]
	}
	if m := callRe.FindStringSubmatch(scan); m != nil {
		return ViolationProcedure, strings.ToUpper(m[1])
	}
	if m := clauseRe.FindStringSubmatch(scan); m != nil {
		return ViolationClause, normalizeSpace(strings.ToUpper(m[1]))
	}
	return ViolationNone, ""
}

// checkDepth collects every variable-length relationship and path
// quantifier and applies the depth cap.
//
// A marker without an upper bound (*, *2.., *.., +, {1,}) is unbounded. A
// marker with an upper bound (*3, *1..3, *..3, {1,3}) is rejected iff
// upper > maxHops; a quantified path counts every relationship it repeats.
// Unbounded markers take precedence over depth violations.
func checkDepth(scan patternScan, maxHops int) (verdict.Reason, string, []string) {
	patterns := []string{}
	var unbounded, tooDeep string

	flag := func(pattern string, bounded, over bool) {
		switch {
		case !bounded && unbounded == "":
			unbounded = pattern
		case bounded && over && tooDeep == "":
			tooDeep = pattern
		}
	}

	for _, rel := range scan.relationships {
		vl := varLengthRe.FindStringSubmatch(rel.own)
		if vl == nil {
			continue
		}
		pattern := "[" + strings.TrimSpace(rel.raw) + "]"
		patterns = append(patterns, pattern)

		lower, hasRange, upper := vl[1], vl[2] != "", vl[3]
		var bound string
		switch {
		case !hasRange && lower == "":
			bound = "" // bare *
		case !hasRange:
			bound = lower // *n
		default:
			bound = upper // *a..b, *..b, or open *a..
		}
		if bound == "" {
			flag(pattern, false, false)
			continue
		}
		n, err := strconv.Atoi(bound)
		flag(pattern, true, err != nil || n > maxHops)
	}

	for _, q := range scan.quantifiers {
		patterns = append(patterns, q.pattern)
		flag(q.pattern, q.bounded, q.upper > maxHops)
	}

	switch {
	case unbounded != "":
		return verdict.ReasonUnboundedTraversal, unbounded, patterns
	case tooDeep != "":
		return verdict.ReasonDepthExceedsLimit, tooDeep, patterns
	}
	return verdict.ReasonNone, "", patterns
}

// checkSchema extracts labels from node patterns and relationship types
// from relationship patterns and records every term missing from list.
func checkSchema(scan patternScan, list *allowlist.AllowList, out *Outcome) {
	labels := newOrderedSet()
	for _, body := range scan.nodes {
		for _, term := range extractTerms(body) {
			labels.add(term)
		}
	}
	rels := newOrderedSet()
	for _, rel := range scan.relationships {
		for _, term := range extractTerms(rel.own) {
			rels.add(term)
		}
	}

	out.FoundLabels = labels.items
	out.FoundRelationships = rels.items
	for _, label := range labels.items {
		if !list.HasLabel(label) {
			out.InvalidLabels = append(out.InvalidLabels, label)
		}
	}
	for _, rel := range rels.items {
		if !list.HasRelationshipType(rel) {
			out.InvalidRelationships = append(out.InvalidRelationships, rel)
		}
	}
}

// extractTerms returns the schema terms following colons in a pattern body
// whose nested groups have already been removed.
func extractTerms(body string) []string {
	var terms []string
	for _, m := range termRunRe.FindAllStringSubmatch(body, -1) {
		for _, raw := range termSplitRe.Split(m[1], -1) {
			if term := unquoteIdentifier(raw); term != "" {
				terms = append(terms, term)
			}
		}
	}
	return terms
}

// =============================================================================
// Helpers
// =============================================================================

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{}), items: []string{}}
}

func (s *orderedSet) add(item string) {
	if _, ok := s.seen[item]; ok {
		return
	}
	s.seen[item] = struct{}{}
	s.items = append(s.items, item)
}

// unquoteIdentifier strips surrounding backticks and unescapes doubled ones.
func unquoteIdentifier(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 && strings.HasPrefix(raw, "`") && strings.HasSuffix(raw, "`") {
		raw = strings.ReplaceAll(raw[1:len(raw)-1], "``", "`")
	}
	return raw
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// preview truncates a query for audit entries.
func preview(query string) string {
	if utf8.RuneCountInString(query) <= previewRunes {
		return query
	}
	return string([]rune(query)[:previewRunes]) + "..."
}

func outcomeFields(query string, o Outcome) map[string]any {
	fields := map[string]any{
		"valid":         o.Valid,
		"reason":        string(o.BlockedReason),
		"query_preview": preview(query),
		"query_length":  utf8.RuneCountInString(query),
		"depth_limit":   o.DepthLimit,
	}
	if o.ViolationKind != ViolationNone {
		fields["violation_kind"] = string(o.ViolationKind)
	}
	if o.Violation != "" {
		fields["violation"] = o.Violation
	}
	if o.Detail != "" {
		fields["detail"] = o.Detail
	}
	if len(o.InvalidLabels) > 0 {
		fields["invalid_labels"] = o.InvalidLabels
	}
	if len(o.InvalidRelationships) > 0 {
		fields["invalid_relationships"] = o.InvalidRelationships
	}
	if len(o.VariableLengthPatterns) > 0 {
		fields["variable_length_patterns"] = o.VariableLengthPatterns
	}
	return fields
}
