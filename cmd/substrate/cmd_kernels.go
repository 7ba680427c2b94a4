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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/config"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/kernel"
)

// kernelsVerifyCmd compares on-disk kernels against the hash ledger.
//
// Exit status is non-zero when any kernel differs, so the command works
// as a pre-deploy gate:
//
//	substrate kernels verify && systemctl restart substrate
var kernelsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare on-disk kernel manifests against the hash ledger",
	RunE:  runKernelsVerify,
}

// kernelsHashCmd prints the current manifest hashes without touching
// the ledger.
var kernelsHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the SHA-256 of every kernel manifest on disk",
	RunE:  runKernelsHash,
}

func runKernelsVerify(cmd *cobra.Command, _ []string) error {
	settings := config.Load()

	ledger, err := kernel.OpenLedger(settings.Substrate.LedgerDir)
	if err != nil {
		return fmt.Errorf("open kernel ledger: %w", err)
	}
	defer ledger.Close()

	loader := kernel.NewLoader(settings.Substrate.KernelDir, ledger, slog.Default())
	if _, err := loader.Load(cmd.Context()); err != nil {
		return fmt.Errorf("load kernels: %w", err)
	}

	changes, err := loader.VerifyIntegrity(cmd.Context())
	if err != nil {
		return fmt.Errorf("verify kernels: %w", err)
	}
	if len(changes) == 0 {
		fmt.Println("All kernels match the ledger.")
		return nil
	}

	for _, change := range changes {
		fmt.Printf("%-10s %s\n", change.Kind, change.Name)
	}
	return fmt.Errorf("%d kernel(s) differ from the ledger", len(changes))
}

func runKernelsHash(cmd *cobra.Command, _ []string) error {
	settings := config.Load()

	for _, name := range kernel.Order() {
		path := kernel.ManifestPath(settings.Substrate.KernelDir, name)
		hash, err := kernel.HashFile(path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", name, err)
		}
		if hash == "" {
			hash = "(missing)"
		}
		fmt.Printf("%-22s %s\n", name, hash)
	}
	return nil
}
