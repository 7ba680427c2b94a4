// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kernelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, EnsureDefaults(dir))
	return dir
}

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := OpenLedger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

type countingConsumer struct {
	order []Name
	fail  Name
}

func (c *countingConsumer) ConsumeKernel(_ context.Context, name Name, _ *Manifest) error {
	if c.fail != "" && name == c.fail {
		return fmt.Errorf("consumer rejected %s", name)
	}
	c.order = append(c.order, name)
	return nil
}

func TestLoadActivateFullCycle(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader(kernelDir(t), openLedger(t), nil)
	consumer := &countingConsumer{}
	loader.RegisterConsumer(consumer)

	results, err := loader.Load(ctx)
	require.NoError(t, err)
	require.Len(t, results, len(Order()))
	for _, r := range results {
		assert.Equal(t, StateLoaded, r.State, "kernel %s", r.Name)
		assert.NotEmpty(t, r.Hash)
	}

	_, err = loader.Activate(ctx)
	require.NoError(t, err)
	assert.True(t, loader.Activated())

	// Consumers see every kernel in the fixed order.
	assert.Equal(t, Order(), consumer.order)
	require.NotNil(t, loader.Manifest(Safety))
	assert.NotEmpty(t, loader.Manifest(Safety).CriticalRules())
}

func TestLoadIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	dir := kernelDir(t)
	// Corrupt one manifest: the whole phase must fail.
	require.NoError(t, os.WriteFile(ManifestPath(dir, Memory), []byte("kernel: Memory\nversion: [broken"), 0o644))

	loader := NewLoader(dir, nil, nil)
	results, err := loader.Load(ctx)
	require.Error(t, err)

	for _, r := range results {
		if r.Name == Memory {
			assert.Equal(t, StateFailed, r.State)
		} else {
			assert.Equal(t, StateInert, r.State, "kernel %s must stay inert", r.Name)
		}
	}
	_, err = loader.Activate(ctx)
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestManifestNameMismatchFailsLoad(t *testing.T) {
	dir := kernelDir(t)
	require.NoError(t, os.WriteFile(ManifestPath(dir, Identity),
		[]byte("kernel: Developer\nversion: \"1.0\"\n"), 0o644))

	loader := NewLoader(dir, nil, nil)
	_, err := loader.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares kernel")
}

func TestIntegrityDiffCategories(t *testing.T) {
	ctx := context.Background()
	dir := kernelDir(t)
	ledger := openLedger(t)
	loader := NewLoader(dir, ledger, nil)

	_, err := loader.Load(ctx)
	require.NoError(t, err)
	_, err = loader.Activate(ctx)
	require.NoError(t, err)

	// Baseline committed: clean diff.
	changes, err := loader.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)

	// Modify one, delete one.
	require.NoError(t, os.WriteFile(ManifestPath(dir, Behavioral),
		[]byte("kernel: Behavioral\nversion: \"2.0\"\n"), 0o644))
	require.NoError(t, os.Remove(ManifestPath(dir, Developer)))

	changes, err = loader.VerifyIntegrity(ctx)
	require.NoError(t, err)
	byName := map[Name]ChangeKind{}
	for _, c := range changes {
		byName[c.Name] = c.Kind
	}
	assert.Equal(t, ChangeModified, byName[Behavioral])
	assert.Equal(t, ChangeDeleted, byName[Developer])
}

func TestModifiedSafetyKernelBlocksActivation(t *testing.T) {
	ctx := context.Background()
	dir := kernelDir(t)
	ledger := openLedger(t)

	// First boot establishes the baseline.
	first := NewLoader(dir, ledger, nil)
	_, err := first.Load(ctx)
	require.NoError(t, err)
	_, err = first.Activate(ctx)
	require.NoError(t, err)

	// Tamper with the Safety kernel on disk.
	require.NoError(t, os.WriteFile(ManifestPath(dir, Safety),
		[]byte("kernel: Safety\nversion: \"9.9\"\ndescription: weakened\n"), 0o644))

	restarted := NewLoader(dir, ledger, nil)
	_, err = restarted.Load(ctx)
	require.NoError(t, err)
	_, err = restarted.Activate(ctx)

	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	require.Len(t, integrity.Changes, 1)
	assert.Equal(t, Safety, integrity.Changes[0].Name)
	assert.False(t, restarted.Activated())
	assert.NotEmpty(t, restarted.BlockNote())

	// The privileged override is the only way through.
	restarted.WithPrivilegedOverride(true)
	_, err = restarted.Activate(ctx)
	require.NoError(t, err)
	assert.True(t, restarted.Activated())
}

func TestModifiedNonSensitiveKernelActivates(t *testing.T) {
	ctx := context.Background()
	dir := kernelDir(t)
	ledger := openLedger(t)

	first := NewLoader(dir, ledger, nil)
	_, _ = first.Load(ctx)
	_, err := first.Activate(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(ManifestPath(dir, Cognitive),
		[]byte("kernel: Cognitive\nversion: \"2.0\"\n"), 0o644))

	restarted := NewLoader(dir, ledger, nil)
	_, _ = restarted.Load(ctx)
	_, err = restarted.Activate(ctx)
	require.NoError(t, err, "non-sensitive modification must not block")
}

func TestActivationFailureAbortsRemaining(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader(kernelDir(t), nil, nil)
	consumer := &countingConsumer{fail: Identity}
	loader.RegisterConsumer(consumer)

	_, err := loader.Load(ctx)
	require.NoError(t, err)
	_, err = loader.Activate(ctx)
	require.Error(t, err)

	byName := map[Name]State{}
	for _, r := range loader.Results() {
		byName[r.Name] = r.State
	}
	assert.Equal(t, StateActivated, byName[Master])
	assert.Equal(t, StateActivated, byName[Safety])
	assert.Equal(t, StateFailed, byName[Identity])
	assert.Equal(t, StateLoaded, byName[Cognitive], "later kernels must not activate")
	assert.False(t, loader.Activated())
}

func TestReloadIdempotentWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader(kernelDir(t), openLedger(t), nil)
	_, err := loader.Load(ctx)
	require.NoError(t, err)
	_, err = loader.Activate(ctx)
	require.NoError(t, err)

	invalidations := 0
	loader.OnReload(func() { invalidations++ })

	first, err := loader.Reload(ctx)
	require.NoError(t, err)
	assert.Empty(t, first.Changes)

	second, err := loader.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, 2, invalidations, "every successful reload fans out invalidation")
}

func TestLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ledger, err := OpenLedger(dir)
	require.NoError(t, err)

	require.NoError(t, ledger.Commit(map[Name]string{Master: "abc", Safety: "def"}))
	require.NoError(t, ledger.Close())

	reopened, err := OpenLedger(dir)
	require.NoError(t, err)
	defer reopened.Close()

	hashes, err := reopened.Hashes()
	require.NoError(t, err)
	assert.Equal(t, map[Name]string{Master: "abc", Safety: "def"}, hashes)
}

func TestEnsureDefaultsNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureDefaults(dir))

	custom := []byte("kernel: Master\nversion: \"7.0\"\n")
	require.NoError(t, os.WriteFile(ManifestPath(dir, Master), custom, 0o644))
	require.NoError(t, EnsureDefaults(dir))

	raw, err := os.ReadFile(ManifestPath(dir, Master))
	require.NoError(t, err)
	assert.Equal(t, custom, raw)
}

func TestHashFileMissingIsEmpty(t *testing.T) {
	hash, err := HashFile("/does/not/exist.kernel.yaml")
	require.NoError(t, err)
	assert.Empty(t, hash)
}
