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
	"log/slog"
	"regexp"

	"github.com/AleutianAI/querygate/services/allowlist"
)

// Fallback terms substituted when a single term fails validation. They keep
// an assembled query syntactically whole; the full validation pass still
// rejects it if the fallback is not allow-listed.
const (
	FallbackLabel            = "Entity"
	FallbackRelationshipType = "RELATED_TO"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateLabel checks a single node label against the current allow-list.
//
// # Description
//
// Strips surrounding backticks, requires a plain identifier and allow-list
// membership. Never returns an error: any failure yields FallbackLabel so a
// query being assembled from a template stays well formed.
//
// # Inputs
//
//   - label: Candidate label, optionally backtick-quoted.
//
// # Outputs
//
//   - string: The canonical label, or FallbackLabel.
func (v *Validator) ValidateLabel(label string) string {
	return FormatLabel(label, v.source.Current())
}

// ValidateRelationshipType is ValidateLabel for relationship types.
func (v *Validator) ValidateRelationshipType(relType string) string {
	return FormatRelationshipType(relType, v.source.Current())
}

// FormatLabel is the pure form of Validator.ValidateLabel.
func FormatLabel(label string, list *allowlist.AllowList) string {
	term := unquoteIdentifier(label)
	if identifierRe.MatchString(term) && list.HasLabel(term) {
		return term
	}
	slog.Warn("label rejected, using fallback",
		"label", label,
		"fallback", FallbackLabel,
	)
	return FallbackLabel
}

// FormatRelationshipType is the pure form of Validator.ValidateRelationshipType.
func FormatRelationshipType(relType string, list *allowlist.AllowList) string {
	term := unquoteIdentifier(relType)
	if identifierRe.MatchString(term) && list.HasRelationshipType(term) {
		return term
	}
	slog.Warn("relationship type rejected, using fallback",
		"relationship_type", relType,
		"fallback", FallbackRelationshipType,
	)
	return FallbackRelationshipType
}
