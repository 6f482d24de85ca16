// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package allowlist holds the set of graph schema terms generated queries may
// reference.
//
// # Description
//
// An AllowList is an immutable snapshot of node labels, relationship types
// and per-label properties. The Store keeps the current snapshot behind an
// atomic pointer: readers never block and never observe a half-built list,
// and a reload constructs a fresh snapshot before swapping it in.
//
// # File Format
//
//	{
//	  "node_labels": ["Student", "Goal"],
//	  "relationship_types": ["HAS_GOAL"],
//	  "properties": {"Student": ["name", "id"]}
//	}
package allowlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

// ErrNotFound is returned by Load when the allow-list file is absent and
// permissive mode is off.
var ErrNotFound = errors.New("allow-list file not found")

// AllowList is an immutable snapshot of permitted schema terms.
//
// The zero value permits nothing. Never mutate an AllowList after it has
// been published through a Store.
type AllowList struct {
	nodeLabels        map[string]struct{}
	relationshipTypes map[string]struct{}
	properties        map[string]map[string]struct{}
}

// fileFormat is the on-disk JSON shape.
type fileFormat struct {
	NodeLabels        []string            `json:"node_labels"`
	RelationshipTypes []string            `json:"relationship_types"`
	Properties        map[string][]string `json:"properties"`
}

// New builds a snapshot from plain slices. Empty and whitespace-only terms
// are ignored.
func New(labels, relationshipTypes []string, properties map[string][]string) *AllowList {
	a := &AllowList{
		nodeLabels:        toSet(labels),
		relationshipTypes: toSet(relationshipTypes),
		properties:        make(map[string]map[string]struct{}, len(properties)),
	}
	for label, props := range properties {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		a.properties[label] = toSet(props)
	}
	return a
}

// Stub returns the small built-in allow-list used in permissive mode when
// no file is present.
func Stub() *AllowList {
	return New(
		[]string{"Entity", "Document", "Concept"},
		[]string{"RELATED_TO", "MENTIONS"},
		map[string][]string{
			"Entity":   {"id", "name"},
			"Document": {"id", "title"},
			"Concept":  {"id", "name"},
		},
	)
}

// Load reads an allow-list file.
//
// # Description
//
// A missing file yields ErrNotFound unless permissive is true, in which
// case the built-in Stub is returned. Malformed JSON is always an error.
//
// # Inputs
//
//   - path: JSON file path.
//   - permissive: Development mode; tolerate a missing file.
//
// # Outputs
//
//   - *AllowList: The parsed snapshot.
//   - error: ErrNotFound (wrapped), read or parse errors.
func Load(path string, permissive bool) (*AllowList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if permissive {
				return Stub(), nil
			}
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read allow-list %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes the JSON allow-list format.
func Parse(data []byte) (*AllowList, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse allow-list: %w", err)
	}
	return New(f.NodeLabels, f.RelationshipTypes, f.Properties), nil
}

// MarshalJSON encodes the snapshot in the file format with sorted terms.
func (a *AllowList) MarshalJSON() ([]byte, error) {
	props := make(map[string][]string, len(a.properties))
	for label, set := range a.properties {
		props[label] = sortedKeys(set)
	}
	return json.Marshal(fileFormat{
		NodeLabels:        a.Labels(),
		RelationshipTypes: a.RelationshipTypes(),
		Properties:        props,
	})
}

// HasLabel reports whether label is permitted. Matching is case-sensitive,
// as it is in Cypher.
func (a *AllowList) HasLabel(label string) bool {
	if a == nil {
		return false
	}
	_, ok := a.nodeLabels[label]
	return ok
}

// HasRelationshipType reports whether relType is permitted.
func (a *AllowList) HasRelationshipType(relType string) bool {
	if a == nil {
		return false
	}
	_, ok := a.relationshipTypes[relType]
	return ok
}

// HasProperty reports whether property is permitted on label.
func (a *AllowList) HasProperty(label, property string) bool {
	if a == nil {
		return false
	}
	props, ok := a.properties[label]
	if !ok {
		return false
	}
	_, ok = props[property]
	return ok
}

// Labels returns the permitted node labels, sorted.
func (a *AllowList) Labels() []string {
	if a == nil {
		return []string{}
	}
	return sortedKeys(a.nodeLabels)
}

// RelationshipTypes returns the permitted relationship types, sorted.
func (a *AllowList) RelationshipTypes() []string {
	if a == nil {
		return []string{}
	}
	return sortedKeys(a.relationshipTypes)
}

// Properties returns the permitted properties for label, sorted.
func (a *AllowList) Properties(label string) []string {
	if a == nil {
		return []string{}
	}
	return sortedKeys(a.properties[label])
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		set[item] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
