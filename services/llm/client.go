// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the text-generation clients used by the semantic
// guardrail and the query planner.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend names accepted by Config.Backend.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// DefaultSystemPrompt is sent with chat-style backends when Config leaves it empty.
const DefaultSystemPrompt = "You are a careful assistant. Follow the output format exactly."

// ErrEmptyResponse is returned when a backend answers without any content.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// GenerationParams tunes one generation call. Nil fields use backend defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	// JSONMode asks the backend to constrain output to a JSON object.
	JSONMode bool `json:"json_mode,omitempty"`
}

// Client generates a completion for a single prompt.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string, params GenerationParams) (string, error)

// Generate implements Client.
func (f ClientFunc) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return f(ctx, prompt, params)
}

// Config selects and configures a backend.
type Config struct {
	Backend      string        `yaml:"backend" validate:"omitempty,oneof=openai ollama"`
	Model        string        `yaml:"model"`
	BaseURL      string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey       string        `yaml:"api_key"`
	APIKeyFile   string        `yaml:"api_key_file"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Float32 returns a pointer to v, for GenerationParams literals.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v, for GenerationParams literals.
func Int(v int) *int { return &v }

// NewFromConfig builds the backend named by cfg.Backend.
//
// # Inputs
//
//   - cfg: Backend must be "openai" or "ollama".
//
// # Outputs
//
//   - Client: The unwrapped backend client. Wrap it with
//     NewRateLimitedClient before handing it to the guardrail or planner.
//   - error: Unknown backend or missing credentials.
func NewFromConfig(cfg Config) (Client, error) {
	switch cfg.Backend {
	case BackendOpenAI:
		return NewOpenAIClient(cfg)
	case BackendOllama:
		return NewOllamaClient(cfg)
	case "":
		return nil, errors.New("llm backend is not configured")
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}

// ModelName returns the model cfg resolves to, applying the backend
// default when cfg.Model is empty. Rate-limit keys use this name.
func ModelName(cfg Config) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	switch cfg.Backend {
	case BackendOpenAI:
		return defaultOpenAIModel
	case BackendOllama:
		return defaultOllamaModel
	default:
		return ""
	}
}
