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
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "substrate",
	Short: "The Aleutian agent operations substrate",
	Long: `Substrate is the shared memory and governance plane for agent fleets:
a universal packet store, graph-backed agent state, prompt kernels,
governed tool dispatch, and the long-horizon research orchestrator,
behind one HTTP boundary.

With no engines configured (no SUBSTRATE_POSTGRES_DSN) the process runs
in lightweight mode on in-memory stores and the mock LLM, which is the
shape local development uses.`,
}

var kernelsCmd = &cobra.Command{
	Use:   "kernels",
	Short: "Inspect and verify the prompt kernel set",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(kernelsCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(configCmd)

	kernelsCmd.AddCommand(kernelsVerifyCmd)
	kernelsCmd.AddCommand(kernelsHashCmd)
}
