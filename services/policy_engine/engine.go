// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine detects and redacts sensitive data in free text
// before it is forwarded to a language model.
package policy_engine

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/querygate/services/policy_engine/enforcement"
)

// ClassPublic is returned by ClassifyData when nothing matches.
const ClassPublic = "public"

// PolicyEngine holds compiled classifications ordered by priority.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine loads the patterns embedded in the binary.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(enforcement.SensitiveDataPatterns)
}

// NewPolicyEngineFromYAML parses, compiles and priority-sorts a patterns file.
//
// # Outputs
//
//   - error: Malformed YAML, unknown confidence level or invalid regex.
func NewPolicyEngineFromYAML(data []byte) (*PolicyEngine, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal policy file: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, err
	}
	file.sortByPriority()
	return &PolicyEngine{Classifiers: file.Classifications}, nil
}

// ClassifyData returns the name of the highest-priority classification that
// matches data, or ClassPublic.
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, classifier := range e.Classifiers {
		for _, pattern := range classifier.Patterns {
			if pattern.compiled.Match(data) {
				return classifier.Name
			}
		}
	}
	return ClassPublic
}

// Scan reports every pattern match, line by line. Matched text is not
// included in findings so they can be logged and audited safely.
func (e *PolicyEngine) Scan(content string) []Finding {
	var findings []Finding
	for lineNum, line := range strings.Split(content, "\n") {
		for _, classifier := range e.Classifiers {
			for _, pattern := range classifier.Patterns {
				if !pattern.compiled.MatchString(line) {
					continue
				}
				findings = append(findings, Finding{
					LineNumber:         lineNum + 1,
					ClassificationName: classifier.Name,
					PatternId:          pattern.Id,
					PatternDescription: pattern.Description,
					Confidence:         pattern.Confidence,
				})
			}
		}
	}
	return findings
}

// Redact replaces every match with [REDACTED:<pattern id>].
//
// # Outputs
//
//   - string: The redacted text.
//   - []string: IDs of the patterns that fired, in priority order, each once.
func (e *PolicyEngine) Redact(text string) (string, []string) {
	var fired []string
	for _, classifier := range e.Classifiers {
		for _, pattern := range classifier.Patterns {
			if !pattern.compiled.MatchString(text) {
				continue
			}
			text = pattern.compiled.ReplaceAllLiteralString(text, "[REDACTED:"+pattern.Id+"]")
			fired = append(fired, pattern.Id)
		}
	}
	return text, fired
}
