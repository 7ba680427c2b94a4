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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/config"
)

// configCmd prints the effective settings with environment overrides
// applied. Secrets are masked.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE:  runConfig,
}

func runConfig(_ *cobra.Command, _ []string) error {
	settings := config.Load()
	snapshot := settings.Snapshot()
	for _, key := range settings.Keys() {
		fmt.Printf("%-44s %s\n", key, snapshot[key])
	}
	return nil
}
