// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QUERYGATE_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key   string
	apply func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func boolean(dst func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func integer(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

// bothLLM applies a string override to the guardrail and planner models.
func bothLLM(field func(c *Config) (*string, *string)) func(*Config, string) error {
	return func(c *Config, v string) error {
		g, p := field(c)
		*g, *p = v, v
		return nil
	}
}

var envBindings = []envBinding{
	{"ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"ADMIN_TOKEN", str(func(c *Config) *string { return &c.Server.AdminToken })},
	{"ALLOWLIST_PATH", str(func(c *Config) *string { return &c.AllowList.Path })},
	{"ALLOWLIST_PERMISSIVE", boolean(func(c *Config) *bool { return &c.AllowList.Permissive })},
	{"ALLOWLIST_WATCH", boolean(func(c *Config) *bool { return &c.AllowList.Watch })},
	{"MAX_HOPS", integer(func(c *Config) *int { return &c.Validator.MaxHops })},
	{"GUARDRAIL_FAIL_CLOSED", boolean(func(c *Config) *bool { return &c.Guardrail.FailClosed })},
	{"GUARDRAIL_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Guardrail.Timeout })},
	{"RATELIMIT_BACKEND", str(func(c *Config) *string { return &c.RateLimit.Backend })},
	{"RATELIMIT_GUARDRAIL_PER_MINUTE", integer(func(c *Config) *int { return &c.RateLimit.GuardrailPerMinute })},
	{"RATELIMIT_PLANNER_PER_MINUTE", integer(func(c *Config) *int { return &c.RateLimit.PlannerPerMinute })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.RateLimit.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.RateLimit.Redis.Password })},
	{"BADGER_PATH", str(func(c *Config) *string { return &c.RateLimit.Badger.Path })},
	{"LLM_BACKEND", bothLLM(func(c *Config) (*string, *string) { return &c.LLM.Guardrail.Backend, &c.LLM.Planner.Backend })},
	{"LLM_MODEL", bothLLM(func(c *Config) (*string, *string) { return &c.LLM.Guardrail.Model, &c.LLM.Planner.Model })},
	{"LLM_BASE_URL", bothLLM(func(c *Config) (*string, *string) { return &c.LLM.Guardrail.BaseURL, &c.LLM.Planner.BaseURL })},
	{"AUDIT_FILE", str(func(c *Config) *string { return &c.Audit.File })},
	{"AUDIT_POSTGRES_DSN", str(func(c *Config) *string { return &c.Audit.PostgresDSN })},
	{"OTLP_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.OTLPEndpoint })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_JSON", boolean(func(c *Config) *bool { return &c.Logging.JSON })},
}

// ApplyEnv overrides fields from QUERYGATE_* variables.
//
// # Outputs
//
//   - error: The first variable whose value cannot be parsed.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.apply(c, v); err != nil {
			return fmt.Errorf("parse %s%s=%q: %w", EnvPrefix, b.key, v, err)
		}
	}
	return nil
}
