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
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	errUnclosedRelationship = errors.New("relationship pattern has no closing bracket")
	errUnbalancedBrackets   = errors.New("unbalanced brackets")
)

// quantifierRe matches a path quantifier at the start of the remaining text:
// +, *, {n}, {a,}, {,b} or {a,b}.
var quantifierRe = regexp.MustCompile(`^\s*(\+|\*|\{\s*(\d*)\s*(,\s*(\d*))?\s*\})`)

// relationshipBody is the text between the brackets of one -[ ... ] pattern.
type relationshipBody struct {
	raw string // verbatim
	own string // nested maps, lists and calls removed
}

// quantifier is a repetition applied to a relationship or a parenthesised
// path. upper is the total hop bound; bounded is false for +, * and {a,}.
type quantifier struct {
	pattern string
	upper   int
	bounded bool
}

// patternScan holds every pattern body found in a masked query.
type patternScan struct {
	relationships []relationshipBody
	nodes         []string
	quantifiers   []quantifier
}

// group is one open bracket on the scanner stack.
type group struct {
	open     rune
	start    int
	rel      bool
	children int // closed parenthesised children
	hops     int // relationships directly inside
	own      strings.Builder
}

// scanPatterns walks a masked query tracking bracket depth.
//
// # Description
//
// Every parenthesised group is a node candidate and every bracket directly
// preceded by a dash is a relationship. Each body keeps only the text at its
// own depth, so property maps, list literals and nested calls never hide or
// leak schema terms. Quantifiers following a relationship, an abbreviated
// arrow or a parenthesised path are collected with their hop bound.
//
// # Inputs
//
//   - masked: Output of maskLiterals.
//
// # Outputs
//
//   - patternScan: Bodies in closing order.
//   - error: Non-nil for an unclosed relationship or any unbalanced bracket.
func scanPatterns(masked string) (patternScan, error) {
	var scan patternScan
	var stack []*group
	runes := []rune(masked)
	inBacktick := false

	emit := func(r rune) {
		if n := len(stack); n > 0 {
			stack[n-1].own.WriteRune(r)
		}
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inBacktick {
			emit(r)
			if r == '`' {
				if i+1 < len(runes) && runes[i+1] == '`' {
					emit('`')
					i++
					continue
				}
				inBacktick = false
			}
			continue
		}

		switch r {
		case '`':
			inBacktick = true
			emit(r)

		case '(', '[', '{':
			stack = append(stack, &group{
				open:  r,
				start: i,
				rel:   r == '[' && previousRune(runes, i) == '-',
			})

		case ')', ']', '}':
			n := len(stack)
			if n == 0 || stack[n-1].open != opener(r) {
				if hasOpenRelationship(stack) {
					return patternScan{}, errUnclosedRelationship
				}
				return patternScan{}, errUnbalancedBrackets
			}
			g := stack[n-1]
			stack = stack[:n-1]
			var parent *group
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}
			raw := string(runes[g.start+1 : i])

			switch {
			case g.rel:
				scan.relationships = append(scan.relationships, relationshipBody{raw: raw, own: g.own.String()})
				if parent != nil {
					parent.hops++
				}
				if q, ok := quantifierAt(runes, skipArrow(runes, i+1), 1); ok {
					q.pattern = "[" + normalizeSpace(raw) + "]" + q.pattern
					scan.quantifiers = append(scan.quantifiers, q)
				}
			case g.open == '(':
				own := g.own.String()
				scan.nodes = append(scan.nodes, own)
				if g.children > 0 && strings.Contains(own, "-") {
					if q, ok := quantifierAt(runes, i+1, g.hops); ok {
						q.pattern = "(" + normalizeSpace(raw) + ")" + q.pattern
						scan.quantifiers = append(scan.quantifiers, q)
					}
				}
				if parent != nil {
					parent.children++
					parent.hops += g.hops
				}
			}

		case '-':
			emit(r)
			if i+1 < len(runes) && runes[i+1] == '-' {
				arrow, j := "--", i+2
				if j < len(runes) && runes[j] == '>' {
					arrow, j = "-->", j+1
				}
				if n := len(stack); n > 0 {
					stack[n-1].hops++
				}
				if q, ok := quantifierAt(runes, j, 1); ok {
					q.pattern = arrow + q.pattern
					scan.quantifiers = append(scan.quantifiers, q)
				}
				emit('-')
				i++
			}

		default:
			emit(r)
		}
	}

	if hasOpenRelationship(stack) {
		return patternScan{}, errUnclosedRelationship
	}
	if len(stack) > 0 {
		return patternScan{}, errUnbalancedBrackets
	}
	return scan, nil
}

// quantifierAt parses a quantifier starting at runes[j]. hops scales the
// bound to the number of relationships the quantifier repeats.
func quantifierAt(runes []rune, j, hops int) (quantifier, bool) {
	if j >= len(runes) {
		return quantifier{}, false
	}
	m := quantifierRe.FindStringSubmatch(string(runes[j:]))
	if m == nil {
		return quantifier{}, false
	}

	q := quantifier{pattern: normalizeSpace(m[1])}
	var bound string
	switch {
	case m[1] == "+" || m[1] == "*":
		return q, true
	case m[3] == "":
		bound = m[2] // {n}
	default:
		bound = m[4] // {a,b}, {,b} or open {a,}
	}
	if bound == "" {
		return q, true
	}

	q.bounded = true
	n, err := strconv.Atoi(bound)
	if hops < 1 {
		hops = 1
	}
	if err != nil || n > math.MaxInt/hops {
		q.upper = math.MaxInt
	} else {
		q.upper = n * hops
	}
	return q, true
}

// skipArrow returns the index after the tail of a relationship arrow: an
// optional dash then an optional '>'.
func skipArrow(runes []rune, j int) int {
	j = skipSpace(runes, j)
	if j < len(runes) && runes[j] == '-' {
		j = skipSpace(runes, j+1)
		if j < len(runes) && runes[j] == '>' {
			j++
		}
	}
	return j
}

func skipSpace(runes []rune, j int) int {
	for j < len(runes) && unicode.IsSpace(runes[j]) {
		j++
	}
	return j
}

// previousRune returns the nearest non-space rune before runes[i], or 0.
func previousRune(runes []rune, i int) rune {
	for j := i - 1; j >= 0; j-- {
		if !unicode.IsSpace(runes[j]) {
			return runes[j]
		}
	}
	return 0
}

func opener(closer rune) rune {
	switch closer {
	case ')':
		return '('
	case ']':
		return '['
	}
	return '{'
}

func hasOpenRelationship(stack []*group) bool {
	for _, g := range stack {
		if g.rel {
			return true
		}
	}
	return false
}
