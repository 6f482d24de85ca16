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
	"errors"
	"strings"
)

// literalPlaceholder replaces every quoted string literal. It contains no
// identifier characters so no keyword or label pattern can match inside it.
const literalPlaceholder = "''"

var (
	errUnterminatedString     = errors.New("unterminated string literal")
	errUnterminatedIdentifier = errors.New("unterminated backtick identifier")
	errUnterminatedComment    = errors.New("unterminated block comment")
)

type scanState int

const (
	stateCode scanState = iota
	stateSingle
	stateDouble
	stateBacktick
	stateLineComment
	stateBlockComment
)

// maskLiterals replaces quoted string literals with a placeholder and
// strips comments.
//
// # Description
//
// Single- and double-quoted literals honour backslash escapes. Backtick
// identifiers are copied verbatim because they carry schema terms; a doubled
// backtick inside one is an escaped backtick. Line comments (//) and block
// comments are replaced by a single space so tokens on either side stay
// separated.
//
// # Outputs
//
//   - string: The masked query.
//   - error: Non-nil for an unterminated literal, identifier or block comment.
func maskLiterals(query string) (string, error) {
	var b strings.Builder
	b.Grow(len(query))

	state := stateCode
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch state {
		case stateCode:
			switch {
			case r == '\'':
				state = stateSingle
			case r == '"':
				state = stateDouble
			case r == '`':
				state = stateBacktick
				b.WriteRune(r)
			case r == '/' && i+1 < len(runes) && runes[i+1] == '/':
				state = stateLineComment
				i++
			case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
				state = stateBlockComment
				i++
			default:
				b.WriteRune(r)
			}

		case stateSingle, stateDouble:
			quote := '\''
			if state == stateDouble {
				quote = '"'
			}
			switch r {
			case '\\':
				i++ // skip the escaped rune
			case quote:
				b.WriteString(literalPlaceholder)
				state = stateCode
			}

		case stateBacktick:
			b.WriteRune(r)
			if r == '`' {
				if i+1 < len(runes) && runes[i+1] == '`' {
					b.WriteRune('`')
					i++
					continue
				}
				state = stateCode
			}

		case stateLineComment:
			if r == '\n' {
				b.WriteRune('\n')
				state = stateCode
			}

		case stateBlockComment:
			if r == '*' && i+1 < len(runes) && runes[i+1] == '/' {
				b.WriteRune(' ')
				i++
				state = stateCode
			}
		}
	}

	switch state {
	case stateSingle, stateDouble:
		return "", errUnterminatedString
	case stateBacktick:
		return "", errUnterminatedIdentifier
	case stateBlockComment:
		return "", errUnterminatedComment
	}
	return b.String(), nil
}
