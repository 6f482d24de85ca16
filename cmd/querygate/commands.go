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
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/querygate/services/config"
	"github.com/AleutianAI/querygate/services/ratelimit"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// validate
// =============================================================================

func (c *cli) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [query]",
		Short: "Validate a Cypher query against the allow-list and depth limit",
		Long: `Runs only the Cypher validator. No model is called and nothing is
executed. Exits 1 when the query is rejected.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			outcome := a.validator.Validate(cmd.Context(), strings.Join(args, " "))
			if err := writeJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			if !outcome.Valid {
				return rejected("query rejected: %s", outcome.Message())
			}
			return nil
		},
	}
}

// =============================================================================
// check
// =============================================================================

func (c *cli) newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [text]",
		Short: "Classify a request with the semantic guardrail",
		Long: `Runs only the guardrail: sanitize, classify with the guardrail model,
apply the configured fail mode. Exits 1 when the request is denied.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			decision := a.gate.CheckText(cmd.Context(), strings.Join(args, " "))
			if err := writeJSON(cmd.OutOrStdout(), decision); err != nil {
				return err
			}
			if !decision.Allowed {
				return rejected("request denied: %s", decision.Code)
			}
			return nil
		},
	}
}

// =============================================================================
// allowlist
// =============================================================================

func (c *cli) newAllowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "Inspect the schema allow-list",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the allow-list the gate would load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return writeJSON(cmd.OutOrStdout(), a.store.Current())
		},
	})
	return cmd
}

// =============================================================================
// ratelimit
// =============================================================================

func (c *cli) newRateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect rate limit windows",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "usage",
		Short: "Show the current window for each model call site",
		Long: `Reads the configured backend without consuming anything. With the
memory backend this only reflects the current process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			usage := make([]ratelimit.Usage, 0, len(a.specs))
			for _, s := range a.specs {
				u, err := a.limiter.Usage(cmd.Context(), s.Endpoint, s.Model, s.Limit)
				if err != nil {
					return fmt.Errorf("read usage for %s: %w", s.Endpoint, err)
				}
				usage = append(usage, u)
			}
			return writeJSON(cmd.OutOrStdout(), usage)
		},
	})
	return cmd
}

// =============================================================================
// config
// =============================================================================

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "Manage the configuration file",
		Annotations: map[string]string{"skipConfig": "true"},
	}
	cmd.AddCommand(&cobra.Command{
		Use:         "init [path]",
		Short:       "Write the default configuration",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "querygate.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	return cmd
}
