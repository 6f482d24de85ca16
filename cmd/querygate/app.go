// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AleutianAI/querygate/services/allowlist"
	"github.com/AleutianAI/querygate/services/audit"
	"github.com/AleutianAI/querygate/services/config"
	"github.com/AleutianAI/querygate/services/cypher"
	"github.com/AleutianAI/querygate/services/gate"
	"github.com/AleutianAI/querygate/services/guardrail"
	"github.com/AleutianAI/querygate/services/llm"
	"github.com/AleutianAI/querygate/services/observability"
	"github.com/AleutianAI/querygate/services/planner"
	"github.com/AleutianAI/querygate/services/policy_engine"
	"github.com/AleutianAI/querygate/services/ratelimit"
	kv "github.com/AleutianAI/querygate/services/storage/badger"
)

// Rate-limited call sites.
const (
	endpointGuardrail = "guardrail"
	endpointPlanner   = "planner"
)

// app is the wired component graph for one process.
type app struct {
	cfg      config.Config
	registry *prometheus.Registry
	metrics  *observability.GateMetrics
	trail    audit.Trail
	store    *allowlist.Store
	limiter  ratelimit.Limiter
	enforcer *ratelimit.Enforcer
	specs    []ratelimit.Spec

	validator *cypher.Validator
	templates *planner.TemplatePlanner
	gate      *gate.Gate

	closers []func() error
}

// newApp wires every component from cfg. With withModels false the LLM
// clients, guardrail and gate are skipped, which is enough for the
// validator and the read-only commands.
func newApp(ctx context.Context, cfg config.Config, withModels bool) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()
	var err error

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewGateMetrics(a.registry)

	if a.trail, err = a.openTrail(ctx); err != nil {
		return nil, err
	}

	if a.store, err = allowlist.NewStore(cfg.AllowList.Path, cfg.AllowList.Permissive); err != nil {
		return nil, err
	}
	list := a.store.Current()
	slog.Info("allow-list loaded",
		"path", cfg.AllowList.Path,
		"labels", len(list.Labels()),
		"relationship_types", len(list.RelationshipTypes()),
	)

	if a.limiter, err = a.openLimiter(ctx); err != nil {
		return nil, err
	}
	a.enforcer = ratelimit.NewEnforcer(a.limiter, a.trail, a.metrics)

	a.validator = cypher.NewValidator(a.store, cfg.Validator.MaxHops, a.trail, cypher.WithMetrics(a.metrics))
	a.templates = planner.NewTemplatePlanner(a.validator)

	if !withModels {
		a.specs = []ratelimit.Spec{
			{Endpoint: endpointGuardrail, Model: llm.ModelName(cfg.LLM.Guardrail), Limit: cfg.RateLimit.GuardrailPerMinute},
			{Endpoint: endpointPlanner, Model: llm.ModelName(cfg.LLM.Planner), Limit: cfg.RateLimit.PlannerPerMinute},
		}
		ready = true
		return a, nil
	}

	guardClient, err := a.limitedClient(endpointGuardrail, cfg.LLM.Guardrail, cfg.RateLimit.GuardrailPerMinute)
	if err != nil {
		return nil, fmt.Errorf("guardrail model: %w", err)
	}
	planClient, err := a.limitedClient(endpointPlanner, cfg.LLM.Planner, cfg.RateLimit.PlannerPerMinute)
	if err != nil {
		return nil, fmt.Errorf("planner model: %w", err)
	}

	sanitizer, err := policy_engine.NewDefaultSanitizer()
	if err != nil {
		return nil, fmt.Errorf("sanitizer: %w", err)
	}

	a.gate, err = gate.New(gate.Components{
		Guardrail: guardrail.New(guardClient, sanitizer, a.trail, a.metrics, cfg.Guardrail),
		Planner:   planner.NewLLMPlanner(planClient, cfg.Validator.MaxHops),
		Validator: a.validator,
		AllowList: a.store,
		Trail:     a.trail,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

// limitedClient builds the model client for one call site and wraps it in
// the rate limiter.
func (a *app) limitedClient(endpoint string, cfg llm.Config, limit int) (*llm.RateLimitedClient, error) {
	client, err := llm.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	model := llm.ModelName(cfg)
	spec := ratelimit.Spec{Endpoint: endpoint, Model: model, Limit: limit}
	a.specs = append(a.specs, spec)
	slog.Info("model configured", "endpoint", endpoint, "backend", cfg.Backend, "model", model, "limit_per_minute", limit)
	return llm.NewRateLimitedClient(client, a.enforcer, spec), nil
}

// openTrail opens every configured audit sink behind one MultiTrail.
func (a *app) openTrail(ctx context.Context) (audit.Trail, error) {
	var sinks []audit.Trail
	if path := a.cfg.Audit.File; path != "" {
		file, err := audit.OpenFileTrail(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, file.Close)
		sinks = append(sinks, file)
	}
	if dsn := a.cfg.Audit.PostgresDSN; dsn != "" {
		pg, pool, err := audit.ConnectPostgresTrail(ctx, dsn)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if project := a.cfg.Audit.PubSubProject; project != "" {
		ps, err := audit.NewPubSubTrail(ctx, project, a.cfg.Audit.PubSubTopic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ps.Close)
		sinks = append(sinks, ps)
	}
	switch len(sinks) {
	case 0:
		slog.Warn("no audit sink configured, audit entries are discarded")
		return audit.NopTrail{}, nil
	case 1:
		return sinks[0], nil
	default:
		return audit.NewMultiTrail(sinks...), nil
	}
}

// openLimiter builds the configured rate limit backend.
func (a *app) openLimiter(ctx context.Context) (ratelimit.Limiter, error) {
	rl := a.cfg.RateLimit
	switch rl.Backend {
	case config.BackendRedis:
		client, err := ratelimit.NewRedisClient(ctx, rl.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return ratelimit.NewRedisLimiter(client,
			ratelimit.WithRedisPrefix(rl.KeyPrefix),
			ratelimit.WithRedisTimeout(rl.Timeout),
			ratelimit.WithRedisMetrics(a.metrics),
		), nil
	case config.BackendBadger:
		db, err := kv.Open(rl.Badger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return ratelimit.NewBadgerLimiter(db, nil, a.metrics), nil
	default:
		return ratelimit.NewMemoryLimiter(nil), nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
