// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("querygate.llm")

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "llama3.1"
	defaultOllamaTimeout = 2 * time.Minute
)

// ErrModelNotFound is returned when Ollama does not have the model pulled.
var ErrModelNotFound = errors.New("ollama model not found")

// OllamaClient calls a local Ollama server's /api/generate endpoint.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaClient creates a client from cfg. Empty fields use
// localhost:11434, llama3.1 and a two-minute HTTP timeout.
func NewOllamaClient(cfg Config) (*OllamaClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
		slog.Warn("llm model not set, using default", "backend", BackendOllama, "model", model)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Model returns the configured model name.
func (o *OllamaClient) Model() string {
	return o.model
}

// Generate implements Client.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", BackendOllama),
		attribute.String("llm.model", o.model),
	)

	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Options: ollamaOptions(params),
	}
	if params.JSONMode {
		payload.Format = "json"
	}

	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fail(fmt.Errorf("marshal ollama request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("create ollama request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "error", err)
		return fail(fmt.Errorf("ollama api call: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("read ollama response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(respBody, &errResp) == nil && strings.Contains(errResp.Error, "not found") {
				slog.Warn("Ollama model not found", "model", o.model)
				return fail(fmt.Errorf("%w: %s (run 'ollama pull %s')", ErrModelNotFound, o.model, o.model))
			}
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return fail(fmt.Errorf("ollama failed with status %d: %s", resp.StatusCode, string(respBody)))
	}

	var out ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return fail(fmt.Errorf("parse ollama response: %w", err))
	}
	if out.Response == "" {
		return fail(ErrEmptyResponse)
	}
	return out.Response, nil
}

// ollamaOptions maps params to Ollama's options object. Low temperature is
// the default because both callers want deterministic, structured output.
func ollamaOptions(params GenerationParams) map[string]any {
	options := map[string]any{
		"temperature": float32(0.1),
		"top_k":       20,
		"top_p":       float32(0.9),
		"num_predict": 1024,
	}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

var _ Client = (*OllamaClient)(nil)
