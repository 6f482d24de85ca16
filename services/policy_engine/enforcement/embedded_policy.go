// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enforcement embeds the sensitive data patterns into the binary so
// the redaction rules cannot drift from the build that ships them.
package enforcement

import (
	_ "embed"
)

// SensitiveDataPatterns holds the raw content of sensitive_data_patterns.yaml.
//
// Usage:
//
//	err := yaml.Unmarshal(enforcement.SensitiveDataPatterns, &policyFile)
//
//go:embed sensitive_data_patterns.yaml
var SensitiveDataPatterns []byte
