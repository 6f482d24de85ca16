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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/querygate/services/gateway"
	"github.com/AleutianAI/querygate/services/observability"
)

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Starts the HTTP gateway with the full pipeline: guardrail, planner,
validator and executor. Stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

// serve blocks until ctx is cancelled or a component fails.
func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	router, err := gateway.NewRouter(gateway.Deps{
		Gate:        a.gate,
		Templates:   a.templates,
		AllowList:   a.store,
		Limiter:     a.limiter,
		Specs:       a.specs,
		Gatherer:    a.registry,
		Metrics:     a.metrics,
		AdminToken:  cfg.Server.AdminToken,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.Serve(gctx, gateway.ServerConfig{
			Addr:            cfg.Server.Addr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, router)
	})
	if cfg.AllowList.Watch {
		g.Go(func() error {
			return a.store.Watch(gctx, cfg.AllowList.Debounce)
		})
	}
	return g.Wait()
}
