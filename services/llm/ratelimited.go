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

	"github.com/AleutianAI/querygate/services/ratelimit"
)

// RateLimitedClient consumes one rate limit unit before every call to the
// wrapped client.
//
// # Description
//
// A rejected call never reaches the backend. The returned error is a
// *ratelimit.ExceededError, so callers can tell throttling apart from
// backend failures with errors.Is(err, ratelimit.ErrRateLimitExceeded).
type RateLimitedClient struct {
	inner    Client
	enforcer *ratelimit.Enforcer
	spec     ratelimit.Spec
}

// NewRateLimitedClient wraps inner. A nil enforcer admits every call.
func NewRateLimitedClient(inner Client, enforcer *ratelimit.Enforcer, spec ratelimit.Spec) *RateLimitedClient {
	return &RateLimitedClient{inner: inner, enforcer: enforcer, spec: spec}
}

// Spec returns the endpoint, model and limit applied to every call.
func (c *RateLimitedClient) Spec() ratelimit.Spec {
	return c.spec
}

// Generate implements Client.
func (c *RateLimitedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return ratelimit.Guard(ctx, c.enforcer, c.spec, func(ctx context.Context) (string, error) {
		return c.inner.Generate(ctx, prompt, params)
	})
}

var _ Client = (*RateLimitedClient)(nil)
