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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianConcierge/pkg/logging"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator"
)

// Set with -ldflags "-X main.version=..." at build time.
var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "concierge",
		Short: "Website concierge chat service",
		Long: `Concierge answers website visitors in Serbian and English, grounding
answers in the company knowledge base and handing meeting requests to the
booking page.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "concierge", version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONCIERGE_CONFIG"),
		"Path to the YAML config file (env: CONCIERGE_CONFIG)")

	rootCmd.AddCommand(serveCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := cfg.Logging
	logCfg.Output = cmd.ErrOrStderr()
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting concierge", "version", version)

	svc, err := orchestrator.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("Concierge stopped")
	return nil
}
