// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway exposes the safety gate over HTTP.
//
// # Routes
//
//	GET  /health
//	GET  /metrics
//	POST /v1/ask                  full pipeline
//	GET  /v1/neighborhood         template query, validator and executor only
//	POST /v1/guardrail/check      guardrail only
//	POST /v1/cypher/validate      validator only
//	GET  /v1/ratelimit/usage      current windows, nothing consumed
//	GET  /v1/allowlist            current snapshot
//	POST /v1/allowlist/reload     admin
//
// # Status Codes
//
// A rejection is a normal outcome and is returned as 200 with
// "allowed": false. Rate limiting returns 429 with Retry-After, a failing
// planner or executor returns 502, and malformed input returns 400.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/querygate/services/allowlist"
	"github.com/AleutianAI/querygate/services/gate"
	"github.com/AleutianAI/querygate/services/observability"
	"github.com/AleutianAI/querygate/services/planner"
	"github.com/AleutianAI/querygate/services/ratelimit"
)

// Deps are the collaborators the handlers call. Gate and AllowList are
// required.
type Deps struct {
	Gate      *gate.Gate
	Templates *planner.TemplatePlanner
	AllowList *allowlist.Store

	// Limiter and Specs back the usage endpoint. Specs are the configured
	// call sites reported when no endpoint is named in the query.
	Limiter ratelimit.Limiter
	Specs   []ratelimit.Spec

	Gatherer prometheus.Gatherer
	Metrics  *observability.GateMetrics

	AdminToken  string
	ServiceName string
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) (*gin.Engine, error) {
	if d.Gate == nil {
		return nil, errors.New("gateway: gate is required")
	}
	if d.AllowList == nil {
		return nil, errors.New("gateway: allow-list store is required")
	}
	if d.ServiceName == "" {
		d.ServiceName = "querygate"
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(), otelgin.Middleware(d.ServiceName))

	h := &handlers{deps: d}
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.POST("/ask", h.ask)
		v1.GET("/neighborhood", h.neighborhood)
		v1.POST("/guardrail/check", h.checkGuardrail)
		v1.POST("/cypher/validate", h.validateCypher)
		v1.GET("/ratelimit/usage", h.rateLimitUsage)
		v1.GET("/allowlist", h.allowList)
		v1.POST("/allowlist/reload", AdminAuth(d.AdminToken), h.reloadAllowList)
	}
	return router, nil
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Serve runs handler on cfg.Addr until ctx is cancelled, then shuts down
// gracefully.
//
// # Outputs
//
//   - error: Listener failure, or nil after a clean shutdown.
func Serve(ctx context.Context, cfg ServerConfig, handler http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway listener: %w", err)
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	slog.Info("gateway shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}
