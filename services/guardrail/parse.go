// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrail

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedClassification is returned when the classifier output does not
// match {"allowed": bool, "reason": string}.
var ErrMalformedClassification = errors.New("malformed classifier response")

// classification is the parsed classifier answer.
type classification struct {
	Allowed bool
	Reason  string
}

type strictResponse struct {
	Allowed *bool  `json:"allowed"`
	Reason  string `json:"reason"`
}

// parseStrict accepts exactly one JSON object with a boolean "allowed", an
// optional string "reason" and no other fields.
func parseStrict(raw string) (classification, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()

	var resp strictResponse
	if err := dec.Decode(&resp); err != nil {
		return classification{}, fmt.Errorf("%w: %w", ErrMalformedClassification, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return classification{}, fmt.Errorf("%w: trailing data after object", ErrMalformedClassification)
	}
	if resp.Allowed == nil {
		return classification{}, fmt.Errorf("%w: missing field \"allowed\"", ErrMalformedClassification)
	}
	return classification{Allowed: *resp.Allowed, Reason: resp.Reason}, nil
}

// Field-name variants seen from chat models that ignore the output format.
var (
	allowedKeys = []string{"allowed", "is_allowed", "safe", "is_safe"}
	blockedKeys = []string{"blocked", "is_blocked", "unsafe", "is_unsafe"}
	labelKeys   = []string{"classification", "label", "decision", "verdict", "result"}
	reasonKeys  = []string{"reason", "explanation", "rationale", "justification"}
)

var (
	allowWords = map[string]bool{
		"allow": true, "allowed": true, "safe": true, "benign": true, "ok": true,
		"pass": true, "approved": true, "true": true, "yes": true,
	}
	blockWords = map[string]bool{
		"block": true, "blocked": true, "unsafe": true, "malicious": true, "harmful": true,
		"deny": true, "denied": true, "reject": true, "rejected": true, "false": true, "no": true,
	}
)

// repair extracts a classification from loosely formatted output.
//
// # Description
//
// The first '{' through the last '}' is parsed as a JSON object, which
// covers code fences and surrounding prose. Keys are matched
// case-insensitively against known variants. Only used when failing open.
//
// # Outputs
//
//   - classification: The recovered answer.
//   - bool: False when no allow/block signal could be found.
func repair(raw string) (classification, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return classification{}, false
	}

	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(raw[start : end+1])))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return classification{}, false
	}
	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[strings.ToLower(strings.TrimSpace(k))] = v
	}

	var out classification
	found := false
	for _, k := range allowedKeys {
		if v, ok := truthValue(fields[k]); ok {
			out.Allowed, found = v, true
			break
		}
	}
	if !found {
		for _, k := range blockedKeys {
			if v, ok := truthValue(fields[k]); ok {
				out.Allowed, found = !v, true
				break
			}
		}
	}
	if !found {
		for _, k := range labelKeys {
			if v, ok := truthValue(fields[k]); ok {
				out.Allowed, found = v, true
				break
			}
		}
	}
	if !found {
		return classification{}, false
	}

	for _, k := range reasonKeys {
		if s, ok := fields[k].(string); ok && strings.TrimSpace(s) != "" {
			out.Reason = strings.TrimSpace(s)
			break
		}
	}
	return out, true
}

// truthValue interprets v as allow (true) or block (false).
func truthValue(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		w := strings.ToLower(strings.TrimSpace(t))
		if allowWords[w] {
			return true, true
		}
		if blockWords[w] {
			return false, true
		}
	case json.Number:
		switch t.String() {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	}
	return false, false
}
