// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxRunes bounds the text forwarded to a model.
const DefaultMaxRunes = 4000

// ErrNoEngine is returned by Sanitize on a Sanitizer without an engine.
var ErrNoEngine = errors.New("sanitizer has no policy engine")

// Sanitizer prepares untrusted text for inclusion in a model prompt.
//
// # Description
//
// Sanitize runs four steps in order: invalid UTF-8 is replaced, control
// characters other than newline and tab are dropped, sensitive data is
// redacted, and the result is clamped to MaxRunes.
//
// # Thread Safety
//
// Safe for concurrent use.
type Sanitizer struct {
	engine   *PolicyEngine
	maxRunes int
}

// NewSanitizer wraps engine. maxRunes <= 0 uses DefaultMaxRunes.
func NewSanitizer(engine *PolicyEngine, maxRunes int) *Sanitizer {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}
	return &Sanitizer{engine: engine, maxRunes: maxRunes}
}

// NewDefaultSanitizer builds a Sanitizer on the embedded patterns.
func NewDefaultSanitizer() (*Sanitizer, error) {
	engine, err := NewPolicyEngine()
	if err != nil {
		return nil, err
	}
	return NewSanitizer(engine, DefaultMaxRunes), nil
}

// Sanitize returns text safe to embed in a prompt.
func (s *Sanitizer) Sanitize(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.engine == nil {
		return "", ErrNoEngine
	}

	clean := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, strings.ToValidUTF8(text, ""))

	clean, fired := s.engine.Redact(clean)
	if len(fired) > 0 {
		slog.Info("redacted sensitive data before model call", "patterns", fired)
	}

	if utf8.RuneCountInString(clean) > s.maxRunes {
		clean = string([]rune(clean)[:s.maxRunes])
	}
	return clean, nil
}
