// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the gate's process configuration.
//
// # Description
//
// Configuration is read once in main from a YAML file, overridden by
// QUERYGATE_* environment variables, validated, and then passed by value
// to every component constructor. Nothing in the service packages reads
// configuration on its own.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/querygate/services/guardrail"
	"github.com/AleutianAI/querygate/services/llm"
	"github.com/AleutianAI/querygate/services/ratelimit"
	kv "github.com/AleutianAI/querygate/services/storage/badger"
)

// Rate limit backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	AllowList AllowListConfig  `yaml:"allowlist"`
	Validator ValidatorConfig  `yaml:"validator"`
	Guardrail guardrail.Config `yaml:"guardrail"`
	RateLimit RateLimitConfig  `yaml:"ratelimit"`
	LLM       LLMConfig        `yaml:"llm"`
	Audit     AuditConfig      `yaml:"audit"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// AdminToken protects administrative routes. Empty leaves them open.
	AdminToken string `yaml:"admin_token"`
}

type AllowListConfig struct {
	Path string `yaml:"path"`

	// Permissive substitutes the built-in stub when Path does not exist.
	Permissive bool `yaml:"permissive"`

	// Watch reloads the file when it changes on disk.
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

type ValidatorConfig struct {
	MaxHops int `yaml:"max_hops" validate:"gte=1,lte=10"`
}

type RateLimitConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=memory redis badger"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`

	// Per-minute limits for the two model call sites. Zero disables.
	GuardrailPerMinute int `yaml:"guardrail_per_minute" validate:"gte=0"`
	PlannerPerMinute   int `yaml:"planner_per_minute" validate:"gte=0"`

	Redis  ratelimit.RedisConfig `yaml:"redis"`
	Badger kv.Config             `yaml:"badger"`
}

type LLMConfig struct {
	Guardrail llm.Config `yaml:"guardrail"`
	Planner   llm.Config `yaml:"planner"`
}

type AuditConfig struct {
	// File is the JSON-lines audit log. Empty disables the file sink.
	File string `yaml:"file"`

	PostgresDSN string `yaml:"postgres_dsn"`

	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic" validate:"required_with=PubSubProject"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// Default returns the production defaults: strict allow-list loading and a
// fail-closed guardrail.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		AllowList: AllowListConfig{
			Path:     "allowlist.json",
			Debounce: 250 * time.Millisecond,
		},
		Validator: ValidatorConfig{MaxHops: 2},
		Guardrail: guardrail.Config{
			FailClosed: true,
			Timeout:    guardrail.DefaultTimeout,
		},
		RateLimit: RateLimitConfig{
			Backend:            BackendMemory,
			KeyPrefix:          ratelimit.DefaultKeyPrefix,
			Timeout:            ratelimit.DefaultBackendTimeout,
			GuardrailPerMinute: 60,
			PlannerPerMinute:   30,
			Redis:              ratelimit.RedisConfig{Addr: "localhost:6379"},
			Badger:             kv.DefaultConfig("data/ratelimit"),
		},
		LLM: LLMConfig{
			Guardrail: llm.Config{Backend: llm.BackendOllama, Timeout: 30 * time.Second},
			Planner:   llm.Config{Backend: llm.BackendOllama, Timeout: 60 * time.Second},
		},
		Audit: AuditConfig{File: "data/audit.jsonl"},
		Telemetry: TelemetryConfig{
			ServiceName: "querygate",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.RateLimit.Backend == BackendBadger && !c.RateLimit.Badger.InMemory && c.RateLimit.Badger.Path == "" {
		return errors.New("invalid config: ratelimit.badger.path is required for the badger backend")
	}
	return nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
