// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"fmt"
)

const (
	DefaultTemplateLimit = 25
	MaxTemplateLimit     = 500
)

// TermValidator formats single schema terms. *cypher.Validator satisfies it.
type TermValidator interface {
	ValidateLabel(label string) string
	ValidateRelationshipType(relType string) string
}

// TemplatePlanner assembles queries from fixed templates, substituting only
// terms that passed single-term validation.
type TemplatePlanner struct {
	terms TermValidator
}

// NewTemplatePlanner creates a TemplatePlanner.
func NewTemplatePlanner(terms TermValidator) *TemplatePlanner {
	return &TemplatePlanner{terms: terms}
}

// Neighborhood returns the one-hop neighbors of nodes with label over
// relType.
//
// Unknown terms are replaced by the validator's fallback so the query stays
// well formed. limit outside 1..MaxTemplateLimit is clamped, and zero
// means DefaultTemplateLimit.
func (t *TemplatePlanner) Neighborhood(label, relType string, limit int) Plan {
	switch {
	case limit <= 0:
		limit = DefaultTemplateLimit
	case limit > MaxTemplateLimit:
		limit = MaxTemplateLimit
	}
	l := t.terms.ValidateLabel(label)
	r := t.terms.ValidateRelationshipType(relType)
	return Plan{
		Query: fmt.Sprintf("MATCH (n:%s)-[rel:%s]->(m) RETURN n, rel, m LIMIT %d", l, r, limit),
	}
}
