// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cypher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/querygate/services/allowlist"
	"github.com/AleutianAI/querygate/services/audit"
	"github.com/AleutianAI/querygate/services/observability"
	"github.com/AleutianAI/querygate/services/verdict"
)

func testAllowList() *allowlist.AllowList {
	return allowlist.New(
		[]string{"Student", "Goal", "Course"},
		[]string{"HAS_GOAL", "ENROLLED_IN"},
		map[string][]string{"Student": {"name", "id"}},
	)
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func TestValidateAgainst_AcceptsAllowListedQuery(t *testing.T) {
	out := ValidateAgainst("MATCH (n:Student)-[:HAS_GOAL]->(m) RETURN m LIMIT 10", testAllowList(), 2)

	assert.True(t, out.Valid)
	assert.Equal(t, verdict.ReasonNone, out.BlockedReason)
	assert.Equal(t, []string{"Student"}, out.FoundLabels)
	assert.Equal(t, []string{"HAS_GOAL"}, out.FoundRelationships)
	assert.Empty(t, out.InvalidLabels)
	assert.Empty(t, out.InvalidRelationships)
	assert.Equal(t, 2, out.DepthLimit)
}

func TestValidateAgainst_RejectsUnboundedTraversal(t *testing.T) {
	out := ValidateAgainst("MATCH (n)-[*]->(m) RETURN n", testAllowList(), 2)

	assert.False(t, out.Valid)
	assert.Equal(t, verdict.ReasonUnboundedTraversal, out.BlockedReason)
	assert.Contains(t, string(out.BlockedReason), "unbounded")
	assert.Equal(t, []string{"[*]"}, out.VariableLengthPatterns)
}

func TestValidateAgainst_RejectsUnknownLabel(t *testing.T) {
	out := ValidateAgainst("MATCH (n:Ghost) RETURN n LIMIT 5", testAllowList(), 2)

	assert.False(t, out.Valid)
	assert.Equal(t, verdict.ReasonSchemaViolation, out.BlockedReason)
	assert.Equal(t, []string{"Ghost"}, out.InvalidLabels)
	assert.Empty(t, out.InvalidRelationships)
	assert.Contains(t, out.Message(), "Ghost")
}

// =============================================================================
// Ordered checks
// =============================================================================

func TestValidateAgainst_EmptyQuery(t *testing.T) {
	for _, q := range []string{"", "   ", "\n\t"} {
		out := ValidateAgainst(q, testAllowList(), 2)
		assert.False(t, out.Valid)
		assert.Equal(t, verdict.ReasonEmptyQuery, out.BlockedReason)
	}
}

func TestValidateAgainst_WriteBlockTotality(t *testing.T) {
	clauses := []string{"CREATE", "MERGE", "DELETE", "SET", "REMOVE", "DROP", "FOREACH", "UNWIND"}

	for _, kw := range clauses {
		for _, variant := range []string{kw, strings.ToLower(kw)} {
			t.Run(variant, func(t *testing.T) {
				q := fmt.Sprintf("MATCH (n:Student) %s n RETURN n", variant)
				out := ValidateAgainst(q, testAllowList(), 2)
				assert.False(t, out.Valid)
				assert.Equal(t, verdict.ReasonWriteOrProcedure, out.BlockedReason)
				assert.Equal(t, ViolationClause, out.ViolationKind)
				assert.Equal(t, kw, out.Violation)
			})
		}
	}

	out := ValidateAgainst("MATCH (n:Student) call n", testAllowList(), 2)
	assert.Equal(t, verdict.ReasonWriteOrProcedure, out.BlockedReason)
	assert.Equal(t, ViolationProcedure, out.ViolationKind)
}

func TestValidateAgainst_WriteVariants(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		kind      ViolationKind
		violation string
	}{
		{"detach delete", "MATCH (n:Student) DETACH DELETE n", ViolationClause, "DETACH DELETE"},
		{"load csv", "LOAD CSV FROM 'file:///x.csv' AS row RETURN row", ViolationClause, "LOAD CSV"},
		{"procedure call", "CALL db.labels()", ViolationProcedure, "db.labels"},
		{"apoc function", "MATCH (n:Student) RETURN apoc.text.join(['a'], ',')", ViolationProcedure, "apoc.text.join"},
		{"gds procedure", "RETURN gds.graph.list ()", ViolationProcedure, "gds.graph.list"},
		{"subquery call", "MATCH (n:Student) CALL { RETURN 1 } RETURN n", ViolationProcedure, "CALL"},
		{"on create set", "MERGE (n:Student {id: 1}) ON CREATE SET n.name = 'x'", ViolationClause, "MERGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ValidateAgainst(tt.query, testAllowList(), 2)
			assert.False(t, out.Valid)
			assert.Equal(t, verdict.ReasonWriteOrProcedure, out.BlockedReason)
			assert.Equal(t, tt.kind, out.ViolationKind)
			assert.Equal(t, tt.violation, out.Violation)
		})
	}
}

func TestValidateAgainst_MaskedTextIsIgnored(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"single quoted", "MATCH (n:Student) WHERE n.name = 'CREATE something' RETURN n"},
		{"double quoted", `MATCH (n:Student) WHERE n.name = "x; DETACH DELETE n" RETURN n`},
		{"escaped quote", `MATCH (n:Student) WHERE n.name = 'it\'s a MERGE' RETURN n`},
		{"line comment", "MATCH (n:Student) RETURN n // DELETE everything"},
		{"block comment", "MATCH (n:Student) /* CREATE (x) */ RETURN n"},
		{"property key", "MATCH (n:Student) RETURN n.set LIMIT 1"},
		{"literal in map", "MATCH (n:Student {name: 'Ghost:Label'}) RETURN n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ValidateAgainst(tt.query, testAllowList(), 2)
			assert.True(t, out.Valid, "reason=%s violation=%s", out.BlockedReason, out.Violation)
		})
	}
}

func TestValidateAgainst_DepthBoundary(t *testing.T) {
	const maxHops = 2
	tests := []struct {
		name    string
		marker  string
		reason  verdict.Reason
		pattern string
	}{
		{"range at limit", "*1..2", verdict.ReasonNone, "[:HAS_GOAL*1..2]"},
		{"range over limit", "*1..3", verdict.ReasonDepthExceedsLimit, "[:HAS_GOAL*1..3]"},
		{"fixed at limit", "*2", verdict.ReasonNone, "[:HAS_GOAL*2]"},
		{"fixed over limit", "*3", verdict.ReasonDepthExceedsLimit, "[:HAS_GOAL*3]"},
		{"upper only at limit", "*..2", verdict.ReasonNone, "[:HAS_GOAL*..2]"},
		{"upper only over limit", "*..3", verdict.ReasonDepthExceedsLimit, "[:HAS_GOAL*..3]"},
		{"open upper bound", "*2..", verdict.ReasonUnboundedTraversal, "[:HAS_GOAL*2..]"},
		{"bare star with type", "*", verdict.ReasonUnboundedTraversal, "[:HAS_GOAL*]"},
		{"spaced range", "* 1 .. 2", verdict.ReasonNone, "[:HAS_GOAL* 1 .. 2]"},
		{"list in map over limit", "*1..99 {w: [1]}", verdict.ReasonDepthExceedsLimit, "[:HAS_GOAL*1..99 {w: [1]}]"},
		{"list in map bare star", "* {w: [1]}", verdict.ReasonUnboundedTraversal, "[:HAS_GOAL* {w: [1]}]"},
		{"nested call in map at limit", "*1..2 {w: abs(abs(1))}", verdict.ReasonNone, "[:HAS_GOAL*1..2 {w: abs(abs(1))}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := fmt.Sprintf("MATCH (a:Student)-[:HAS_GOAL%s]->(b) RETURN b", tt.marker)
			out := ValidateAgainst(q, testAllowList(), maxHops)

			assert.Equal(t, tt.reason, out.BlockedReason)
			assert.Equal(t, tt.reason == verdict.ReasonNone, out.Valid)
			assert.Equal(t, []string{tt.pattern}, out.VariableLengthPatterns, "patterns are collected on every path")
		})
	}
}

func TestValidateAgainst_NestedBodiesWithoutType(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		reason verdict.Reason
	}{
		{"range over limit", "MATCH (a)-[*1..99 {w: [1]}]->(b) RETURN b", verdict.ReasonDepthExceedsLimit},
		{"bare star", "MATCH (a)-[* {w: [1]}]->(b) RETURN b", verdict.ReasonUnboundedTraversal},
		{"list of lists", "MATCH (a)-[*..3 {w: [[1], [2]]}]->(b) RETURN b", verdict.ReasonDepthExceedsLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ValidateAgainst(tt.query, testAllowList(), 2)
			assert.False(t, out.Valid)
			assert.Equal(t, tt.reason, out.BlockedReason)
			assert.Len(t, out.VariableLengthPatterns, 1)
		})
	}
}

func TestValidateAgainst_QuantifiedPaths(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		reason  verdict.Reason
		pattern string
	}{
		{"plus after relationship", "MATCH (a:Student)-[:HAS_GOAL]->+(b) RETURN b",
			verdict.ReasonUnboundedTraversal, "[:HAS_GOAL]+"},
		{"star after relationship", "MATCH (a:Student)-[:HAS_GOAL]->*(b) RETURN b",
			verdict.ReasonUnboundedTraversal, "[:HAS_GOAL]*"},
		{"plus after abbreviated arrow", "MATCH (a:Student)-->+(b) RETURN b",
			verdict.ReasonUnboundedTraversal, "-->+"},
		{"open range after path", "MATCH ((a:Student)-[:HAS_GOAL]->(b)){1,} RETURN b",
			verdict.ReasonUnboundedTraversal, "((a:Student)-[:HAS_GOAL]->(b)){1,}"},
		{"plus after path", "MATCH ((a:Student)-[:HAS_GOAL]->(b))+ RETURN b",
			verdict.ReasonUnboundedTraversal, "((a:Student)-[:HAS_GOAL]->(b))+"},
		{"range at limit", "MATCH (a:Student)-[:HAS_GOAL]->{1,2}(b) RETURN b",
			verdict.ReasonNone, "[:HAS_GOAL]{1,2}"},
		{"range over limit", "MATCH (a:Student)-[:HAS_GOAL]->{1,3}(b) RETURN b",
			verdict.ReasonDepthExceedsLimit, "[:HAS_GOAL]{1,3}"},
		{"upper only after path", "MATCH ((a:Student)-[:HAS_GOAL]->(b)){,2} RETURN b",
			verdict.ReasonNone, "((a:Student)-[:HAS_GOAL]->(b)){,2}"},
		{"fixed count after path", "MATCH ((a:Student)-[:HAS_GOAL]->(b)){2} RETURN b",
			verdict.ReasonNone, "((a:Student)-[:HAS_GOAL]->(b)){2}"},
		{"two hops repeated twice", "MATCH ((a:Student)-[:HAS_GOAL]->(g:Goal)<-[:HAS_GOAL]-(s)){1,2} RETURN s",
			verdict.ReasonDepthExceedsLimit, "((a:Student)-[:HAS_GOAL]->(g:Goal)<-[:HAS_GOAL]-(s)){1,2}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ValidateAgainst(tt.query, testAllowList(), 2)

			assert.Equal(t, tt.reason, out.BlockedReason)
			assert.Equal(t, tt.reason == verdict.ReasonNone, out.Valid)
			assert.Equal(t, []string{tt.pattern}, out.VariableLengthPatterns)
		})
	}
}

func TestValidateAgainst_ArithmeticIsNotAQuantifier(t *testing.T) {
	for _, q := range []string{
		"MATCH (a:Student) RETURN count(*) * 2",
		"MATCH (a:Student) RETURN (a.score + 1) * 2",
		"MATCH (a:Student) WITH {n: 1} AS m RETURN m",
	} {
		out := ValidateAgainst(q, testAllowList(), 2)
		assert.True(t, out.Valid, "query %q reason=%s", q, out.BlockedReason)
		assert.Empty(t, out.VariableLengthPatterns)
	}
}

func TestValidateAgainst_UnboundedRejectedForAnyLimit(t *testing.T) {
	for _, maxHops := range []int{1, 2, 10, 1000} {
		out := ValidateAgainst("MATCH (a:Student)-[:HAS_GOAL*]->(b) RETURN b", testAllowList(), maxHops)
		assert.Equal(t, verdict.ReasonUnboundedTraversal, out.BlockedReason)
	}
}

func TestValidateAgainst_UnboundedTakesPrecedence(t *testing.T) {
	q := "MATCH (a:Student)-[:HAS_GOAL*1..9]->(b)-[:ENROLLED_IN*]->(c) RETURN c"
	out := ValidateAgainst(q, testAllowList(), 2)

	assert.Equal(t, verdict.ReasonUnboundedTraversal, out.BlockedReason)
	assert.Equal(t, "[:ENROLLED_IN*]", out.Violation)
	assert.Len(t, out.VariableLengthPatterns, 2)
}

func TestValidateAgainst_SchemaCollectsAllViolations(t *testing.T) {
	q := "MATCH (a:Student)-[:KNOWS]->(b:Ghost)-[:HAS_GOAL|OWES]->(c:Ghost) RETURN c"
	out := ValidateAgainst(q, testAllowList(), 2)

	assert.False(t, out.Valid)
	assert.Equal(t, verdict.ReasonSchemaViolation, out.BlockedReason)
	assert.Equal(t, []string{"Student", "Ghost"}, out.FoundLabels)
	assert.Equal(t, []string{"KNOWS", "HAS_GOAL", "OWES"}, out.FoundRelationships)
	assert.Equal(t, []string{"Ghost"}, out.InvalidLabels)
	assert.Equal(t, []string{"KNOWS", "OWES"}, out.InvalidRelationships)
}

func TestValidateAgainst_SchemaTermForms(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		labels []string
	}{
		{"backtick label", "MATCH (n:`Student`) RETURN n", []string{"Student"}},
		{"multiple labels", "MATCH (n:Student:Goal) RETURN n", []string{"Student", "Goal"}},
		{"label without variable", "MATCH (:Course)<-[:ENROLLED_IN]-(s:Student) RETURN s", []string{"Course", "Student"}},
		{"property map", "MATCH (n:Student {name: 'x', id: $id}) RETURN n", []string{"Student"}},
		{"nested map", "MATCH (n:Student {meta: {k: n}}) RETURN n", []string{"Student"}},
		{"list in map", "MATCH (n:Student {tags: [1, [2]]}) RETURN n", []string{"Student"}},
		{"nested call in map", "MATCH (n:Student {x: abs(abs(1))}) RETURN n", []string{"Student"}},
		{"path inside call", "MATCH (n:Student) WHERE exists((n)-[:HAS_GOAL]->(:Goal)) RETURN n", []string{"Student", "Goal"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ValidateAgainst(tt.query, testAllowList(), 2)
			assert.True(t, out.Valid, "reason=%s invalid=%v", out.BlockedReason, out.InvalidLabels)
			assert.Equal(t, tt.labels, out.FoundLabels)
		})
	}
}

func TestValidateAgainst_SchemaSeesThroughNestedGroups(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		labels []string
		rels   []string
	}{
		{"relationship with list in map", "MATCH (a)-[:GHOST {w: [1]}]->(b) RETURN b", nil, []string{"GHOST"}},
		{"node with nested call in map", "MATCH (a:Ghost {x: abs(abs(1))}) RETURN a", []string{"Ghost"}, nil},
		{"pattern comprehension", "MATCH (a:Student) RETURN [(a)-[:OWES]->(b:Ghost) | b]", []string{"Ghost"}, []string{"OWES"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ValidateAgainst(tt.query, testAllowList(), 2)
			assert.False(t, out.Valid)
			assert.Equal(t, verdict.ReasonSchemaViolation, out.BlockedReason)
			if tt.labels != nil {
				assert.Equal(t, tt.labels, out.InvalidLabels)
			}
			if tt.rels != nil {
				assert.Equal(t, tt.rels, out.InvalidRelationships)
			}
		})
	}
}

func TestValidateAgainst_LabelsAreCaseSensitive(t *testing.T) {
	out := ValidateAgainst("MATCH (n:student) RETURN n", testAllowList(), 2)
	assert.Equal(t, []string{"student"}, out.InvalidLabels)
}

func TestValidateAgainst_NilAllowListPermitsNoTerms(t *testing.T) {
	assert.True(t, ValidateAgainst("MATCH (n) RETURN n LIMIT 1", nil, 2).Valid)

	out := ValidateAgainst("MATCH (n:Student) RETURN n", nil, 2)
	assert.Equal(t, verdict.ReasonSchemaViolation, out.BlockedReason)
}

func TestValidateAgainst_MalformedInputFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		detail string
	}{
		{"unterminated string", "MATCH (n:Student) WHERE n.name = 'oops RETURN n", "unterminated string literal"},
		{"unterminated identifier", "MATCH (n:`Student) RETURN n", "unterminated backtick identifier"},
		{"unterminated comment", "MATCH (n:Student) /* RETURN n", "unterminated block comment"},
		{"unclosed relationship", "MATCH (a)-[:HAS_GOAL*1..9->(b) RETURN b", "relationship pattern has no closing bracket"},
		{"unclosed node", "MATCH (a:Student RETURN a", "unbalanced brackets"},
		{"stray closer", "MATCH (a:Student)) RETURN a", "unbalanced brackets"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ValidateAgainst(tt.query, testAllowList(), 2)
			assert.False(t, out.Valid)
			assert.Equal(t, verdict.ReasonValidationProcessError, out.BlockedReason)
			assert.Equal(t, tt.detail, out.Detail)
		})
	}
}

func TestValidateAgainst_Purity(t *testing.T) {
	queries := []string{
		"MATCH (n:Student)-[:HAS_GOAL]->(m) RETURN m LIMIT 10",
		"MATCH (n)-[*]->(m) RETURN n",
		"MATCH (n:Ghost) RETURN n LIMIT 5",
		"CREATE (n:Student)",
		"MATCH (a:Student)-[:HAS_GOAL*1..3]->(b) RETURN b",
		"MATCH (n) WHERE n.x = 'unterminated",
	}
	list := testAllowList()

	for _, q := range queries {
		first, err := json.Marshal(ValidateAgainst(q, list, 2))
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			again, err := json.Marshal(ValidateAgainst(q, list, 2))
			require.NoError(t, err)
			assert.Equal(t, string(first), string(again), "query %q", q)
		}
	}
}

func TestOutcome_ValidImpliesNoViolations(t *testing.T) {
	out := ValidateAgainst("MATCH (n:Student) RETURN n", testAllowList(), 2)
	require.True(t, out.Valid)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"valid": true,
		"found_labels": ["Student"],
		"found_relationships": [],
		"invalid_labels": [],
		"invalid_relationships": [],
		"variable_length_patterns": [],
		"depth_limit": 2
	}`, string(data))
}

// =============================================================================
// Validator
// =============================================================================

func TestValidator_WritesOneAuditEntryPerCall(t *testing.T) {
	trail := audit.NewMemoryTrail()
	v := NewValidator(allowlist.Static{List: testAllowList()}, 2, trail)
	ctx := context.Background()

	v.Validate(ctx, "MATCH (n:Student) RETURN n")
	v.Validate(ctx, "MATCH (n:Ghost) RETURN n")
	v.Validate(ctx, "")

	require.Equal(t, 3, trail.Len())
	assert.Equal(t, 3, trail.Count(EventValidation))

	last, ok := trail.Last()
	require.True(t, ok)
	assert.Equal(t, "empty_query", last.Fields["reason"])
	assert.Equal(t, false, last.Fields["valid"])

	second := trail.Entries()[1]
	assert.Equal(t, "schema_violation", second.Fields["reason"])
	assert.Equal(t, []string{"Ghost"}, second.Fields["invalid_labels"])
}

func TestValidator_AuditPreviewIsTruncated(t *testing.T) {
	trail := audit.NewMemoryTrail()
	v := NewValidator(allowlist.Static{List: testAllowList()}, 2, trail)

	q := "MATCH (n:Student) RETURN n /* " + strings.Repeat("é", 400) + " */"
	out := v.Validate(context.Background(), q)
	require.True(t, out.Valid)

	entry, ok := trail.Last()
	require.True(t, ok)
	p, ok := entry.Fields["query_preview"].(string)
	require.True(t, ok)
	assert.Equal(t, previewRunes+3, utf8.RuneCountInString(p))
	assert.True(t, strings.HasSuffix(p, "..."))
	assert.Equal(t, utf8.RuneCountInString(q), entry.Fields["query_length"])
}

func TestValidator_UsesCurrentSnapshot(t *testing.T) {
	store := allowlist.NewStaticStore(testAllowList())
	v := NewValidator(store, 2, nil)
	ctx := context.Background()

	assert.False(t, v.Validate(ctx, "MATCH (n:Ghost) RETURN n").Valid)

	store.Replace(allowlist.New([]string{"Ghost"}, nil, nil))
	assert.True(t, v.Validate(ctx, "MATCH (n:Ghost) RETURN n").Valid)
}

func TestValidator_Defaults(t *testing.T) {
	v := NewValidator(nil, 0, nil)
	assert.Equal(t, DefaultMaxHops, v.MaxHops())

	out := v.Validate(context.Background(), "MATCH (n:Student) RETURN n")
	assert.Equal(t, verdict.ReasonSchemaViolation, out.BlockedReason)
	assert.Equal(t, DefaultMaxHops, out.DepthLimit)
}

func TestValidator_RecordsMetrics(t *testing.T) {
	m := observability.NewGateMetrics(prometheus.NewRegistry())
	v := NewValidator(allowlist.Static{List: testAllowList()}, 2, nil, WithMetrics(m))
	ctx := context.Background()

	v.Validate(ctx, "MATCH (n:Student) RETURN n")
	v.Validate(ctx, "CREATE (n:Student)")
	v.Validate(ctx, "DELETE n")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ValidationsTotal.WithLabelValues("valid", "")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ValidationsTotal.WithLabelValues("rejected", "write_or_procedure_detected")))
}

// =============================================================================
// Single-term validation
// =============================================================================

func TestValidator_ValidateLabel(t *testing.T) {
	v := NewValidator(allowlist.Static{List: testAllowList()}, 2, nil)

	tests := []struct {
		in   string
		want string
	}{
		{"Student", "Student"},
		{"`Student`", "Student"},
		{" Goal ", "Goal"},
		{"Ghost", FallbackLabel},
		{"Stu dent", FallbackLabel},
		{"Student) DETACH DELETE (n", FallbackLabel},
		{"", FallbackLabel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, v.ValidateLabel(tt.in), "input %q", tt.in)
	}
}

func TestValidator_ValidateRelationshipType(t *testing.T) {
	v := NewValidator(allowlist.Static{List: testAllowList()}, 2, nil)

	assert.Equal(t, "HAS_GOAL", v.ValidateRelationshipType("HAS_GOAL"))
	assert.Equal(t, "ENROLLED_IN", v.ValidateRelationshipType("`ENROLLED_IN`"))
	assert.Equal(t, FallbackRelationshipType, v.ValidateRelationshipType("HAS-GOAL"))
	assert.Equal(t, FallbackRelationshipType, v.ValidateRelationshipType("KNOWS"))
}

func TestMaskLiterals(t *testing.T) {
	masked, err := maskLiterals("RETURN 'a\\'b', \"c\" // tail\n, `x``y` /* mid */ 1")
	require.NoError(t, err)
	assert.Equal(t, "RETURN '', '' \n, `x``y`   1", masked)
}
