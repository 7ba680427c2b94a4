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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/config"
)

var serveAddr string

// serveCmd runs the substrate daemon until SIGINT/SIGTERM.
//
// Examples:
//
//	substrate serve
//	substrate serve --addr :9000
//	SUBSTRATE_POSTGRES_DSN=postgres://... substrate serve
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the substrate HTTP boundary and background workers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"Listen address override (default from SUBSTRATE_HTTP_ADDR)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings := config.Load()
	if serveAddr != "" {
		settings.Substrate.HTTPAddr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := substrate.New(ctx, settings)
	if err != nil {
		return fmt.Errorf("wire substrate: %w", err)
	}
	return svc.Run(ctx)
}
