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
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// PolicyFile is the top-level shape of the patterns YAML.
type PolicyFile struct {
	Classifications []Classification `yaml:"classifications"`
}

type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

type Pattern struct {
	Id          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`
	compiled    *regexp.Regexp
}

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := ConfidenceLevel(s)
	switch incoming {
	case High, Medium, Low:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", incoming)
	}
}

// compile compiles every pattern regex in place.
func (p *PolicyFile) compile() error {
	for i := range p.Classifications {
		for j := range p.Classifications[i].Patterns {
			pattern := &p.Classifications[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("pattern %s: compile %q: %w", pattern.Id, pattern.Regex, err)
			}
			pattern.compiled = re
		}
	}
	return nil
}

// sortByPriority orders classifications from highest to lowest priority.
func (p *PolicyFile) sortByPriority() {
	sort.SliceStable(p.Classifications, func(i, j int) bool {
		return p.Classifications[i].Priority > p.Classifications[j].Priority
	})
}

// Finding is one pattern match in scanned text.
type Finding struct {
	LineNumber         int             `json:"line_number"`
	ClassificationName string          `json:"classification_name"`
	PatternId          string          `json:"pattern_id"`
	PatternDescription string          `json:"pattern_description"`
	Confidence         ConfidenceLevel `json:"confidence"`
}
