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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/querygate/pkg/logging"
	"github.com/AleutianAI/querygate/services/config"
)

// cli holds state shared by every subcommand of one invocation.
type cli struct {
	configPath string
	cfg        config.Config
	logger     *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "querygate",
		Short: "Safety gate between natural-language requests and a graph database",
		Long: `querygate screens natural-language requests with an LLM guardrail,
plans a Cypher query, validates it against an allow-listed schema and a
traversal depth limit, and only then lets it reach the database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipConfig"] == "true" {
				return nil
			}
			return c.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("QUERYGATE_CONFIG"),
		"Path to the YAML configuration file")

	root.AddCommand(
		c.newServeCmd(),
		c.newValidateCmd(),
		c.newCheckCmd(),
		c.newAllowListCmd(),
		c.newRateLimitCmd(),
		newConfigCmd(),
	)
	return root
}

// setup loads configuration and installs the process logger.
func (c *cli) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logger.Install()
	c.cfg, c.logger = cfg, logger
	return nil
}
