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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate"
)

// pruneCmd runs one TTL sweep against the configured packet store and
// exits. Useful from cron when the daemon's own scheduler is disabled.
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Run one TTL sweep over the packet store",
	RunE:  runPrune,
}

func runPrune(cmd *cobra.Command, _ []string) error {
	svc, err := substrate.New(cmd.Context(), nil)
	if err != nil {
		return fmt.Errorf("wire substrate: %w", err)
	}
	defer svc.Close(context.Background())

	removed, err := svc.Pruner.RunNow(cmd.Context())
	if err != nil {
		return fmt.Errorf("prune sweep: %w", err)
	}
	fmt.Printf("Removed %d expired packet(s).\n", removed)
	return nil
}
