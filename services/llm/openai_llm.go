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
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultOpenAISecretPath = "/run/secrets/openai_api_key"
)

// OpenAIClient talks to the OpenAI chat completions API, or any server that
// speaks the same protocol when BaseURL is set.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAIClient creates a client from cfg.
//
// # Description
//
// The API key is taken from cfg.APIKey, then OPENAI_API_KEY, then the file
// at cfg.APIKeyFile (default /run/secrets/openai_api_key).
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	apiKey, err := resolveOpenAIKey(cfg)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
		slog.Warn("llm model not set, using default", "backend", BackendOpenAI, "model", model)
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	slog.Info("Initializing OpenAI client", "model", model, "base_url", clientCfg.BaseURL)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

func resolveOpenAIKey(cfg Config) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key, nil
	}
	path := cfg.APIKeyFile
	if path == "" {
		path = defaultOpenAISecretPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("openai api key not set and secret %s unreadable: %w", path, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("openai api key secret %s is empty", path)
	}
	return key, nil
}

// Model returns the configured model name.
func (o *OpenAIClient) Model() string {
	return o.model
}

// Generate implements Client.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", BackendOpenAI),
		attribute.String("llm.model", o.model),
		attribute.Bool("llm.json_mode", params.JSONMode),
	)

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	if params.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI API call failed", "model", o.model, "error", err)
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		span.SetStatus(codes.Error, ErrEmptyResponse.Error())
		return "", ErrEmptyResponse
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

var _ Client = (*OpenAIClient)(nil)
