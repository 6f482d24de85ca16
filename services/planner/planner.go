// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner turns natural-language requests into Cypher queries.
//
// Nothing produced here is trusted: every Plan is validated by the cypher
// package before execution.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/querygate/services/allowlist"
	"github.com/AleutianAI/querygate/services/llm"
)

var tracer = otel.Tracer("querygate.planner")

// ErrEmptyPlan is returned when the model produced no query text.
var ErrEmptyPlan = errors.New("planner produced an empty query")

// Plan is a candidate query and its parameters.
type Plan struct {
	Query  string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
}

// LLMPlanner asks a model to write a read-only query over the allow-listed
// schema.
type LLMPlanner struct {
	client  llm.Client
	maxHops int
}

// NewLLMPlanner creates a planner. maxHops is stated in the prompt so the
// model aims for queries the validator will accept.
func NewLLMPlanner(client llm.Client, maxHops int) *LLMPlanner {
	return &LLMPlanner{client: client, maxHops: maxHops}
}

// Plan generates a query for text.
//
// # Outputs
//
//   - Plan: The extracted query. Params is always empty for model plans.
//   - error: The client's error wrapped (a rate limit rejection still
//     matches ratelimit.ErrRateLimitExceeded), or ErrEmptyPlan.
func (p *LLMPlanner) Plan(ctx context.Context, text string, list *allowlist.AllowList) (Plan, error) {
	ctx, span := tracer.Start(ctx, "planner.LLMPlanner.Plan")
	defer span.End()

	if p.client == nil {
		return Plan{}, errors.New("planner model not configured")
	}

	out, err := p.client.Generate(ctx, buildPlanPrompt(text, list, p.maxHops), llm.GenerationParams{
		Temperature: llm.Float32(0),
		MaxTokens:   llm.Int(512),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Plan{}, fmt.Errorf("generate query: %w", err)
	}

	query := ExtractQuery(out)
	if query == "" {
		span.SetStatus(codes.Error, ErrEmptyPlan.Error())
		return Plan{}, ErrEmptyPlan
	}
	span.SetAttributes(attribute.Int("query.length", len(query)))
	slog.Debug("planner produced query", "length", len(query))
	return Plan{Query: query}, nil
}

var fenceRe = regexp.MustCompile("(?s)```[A-Za-z]*[ \t]*\n?(.*?)```")

// ExtractQuery pulls the query out of a model answer. The first fenced code
// block wins; without one the whole answer is used. A trailing semicolon is
// dropped.
func ExtractQuery(answer string) string {
	query := answer
	if m := fenceRe.FindStringSubmatch(answer); m != nil {
		query = m[1]
	}
	query = strings.TrimSpace(query)
	query = strings.TrimSpace(strings.TrimSuffix(query, ";"))
	return query
}

func buildPlanPrompt(text string, list *allowlist.AllowList, maxHops int) string {
	var b strings.Builder
	b.WriteString("Write one read-only Cypher query that answers the question below.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Use only MATCH, OPTIONAL MATCH, WHERE, WITH, RETURN, ORDER BY and LIMIT.\n")
	b.WriteString("- Use only the node labels and relationship types listed in the schema.\n")
	fmt.Fprintf(&b, "- Variable-length patterns must have an explicit upper bound of at most %d hops.\n", maxHops)
	b.WriteString("- Always end with a LIMIT.\n")
	b.WriteString("- Answer with the query in a ```cypher code block and nothing else.\n\n")

	b.WriteString("Schema:\n")
	for _, label := range list.Labels() {
		props := list.Properties(label)
		if len(props) == 0 {
			fmt.Fprintf(&b, "  (:%s)\n", label)
			continue
		}
		fmt.Fprintf(&b, "  (:%s {%s})\n", label, strings.Join(props, ", "))
	}
	for _, rel := range list.RelationshipTypes() {
		fmt.Fprintf(&b, "  -[:%s]->\n", rel)
	}

	b.WriteString("\nQuestion:\n")
	b.WriteString(text)
	b.WriteByte('\n')
	return b.String()
}
