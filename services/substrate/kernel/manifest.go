// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kernel loads, validates, and activates the immutable agent-law
// manifests. Kernels are a closed, ordered set; loading is two-phase
// (LOAD then ACTIVATE) and all-or-nothing, and every manifest is hash
// tracked in a persistent ledger so on-disk tampering is detected
// across restarts.
package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Name identifies one kernel in the closed set.
type Name string

// The closed ordered set. Later kernels may reference constants
// declared by earlier ones, so the order is load order.
const (
	Master         Name = "Master"
	Safety         Name = "Safety"
	Identity       Name = "Identity"
	Cognitive      Name = "Cognitive"
	Behavioral     Name = "Behavioral"
	Memory         Name = "Memory"
	WorldModel     Name = "WorldModel"
	Execution      Name = "Execution"
	Developer      Name = "Developer"
	PacketProtocol Name = "PacketProtocol"
)

var order = []Name{
	Master, Safety, Identity, Cognitive, Behavioral,
	Memory, WorldModel, Execution, Developer, PacketProtocol,
}

// Order returns the fixed load order. Callers must not mutate the
// returned slice.
func Order() []Name { return order }

// sensitiveKernels refuse activation over a MODIFIED integrity verdict
// without a privileged override.
var sensitiveKernels = map[Name]bool{
	Master: true,
	Safety: true,
}

// Sensitive reports whether integrity violations on this kernel block
// activation.
func (n Name) Sensitive() bool { return sensitiveKernels[n] }

// Known reports membership in the closed set.
func (n Name) Known() bool {
	for _, name := range order {
		if name == n {
			return true
		}
	}
	return false
}

// State is the kernel activation lifecycle.
type State string

const (
	StateInert     State = "INERT"
	StateLoaded    State = "LOADED"
	StateValidated State = "VALIDATED"
	StateActivated State = "ACTIVATED"
	StateFailed    State = "FAILED"
)

// Rule is one law entry inside a manifest.
type Rule struct {
	ID       string `yaml:"id" json:"id" validate:"required"`
	Text     string `yaml:"text" json:"text" validate:"required"`
	Severity string `yaml:"severity" json:"severity,omitempty" validate:"omitempty,oneof=low medium high critical"`
}

// Manifest is the parsed kernel document. The `kernel` field must match
// the file's name in the fixed set.
type Manifest struct {
	Kernel      string            `yaml:"kernel" json:"kernel" validate:"required"`
	Version     string            `yaml:"version" json:"version" validate:"required"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Constants   map[string]string `yaml:"constants" json:"constants,omitempty"`
	Rules       []Rule            `yaml:"rules" json:"rules,omitempty" validate:"dive"`
}

// SystemPromptLines renders the manifest's contribution to the hydrated
// system prompt: the description first, then rule texts in order.
func (m *Manifest) SystemPromptLines() []string {
	lines := make([]string, 0, len(m.Rules)+1)
	if m.Description != "" {
		lines = append(lines, m.Description)
	}
	for _, rule := range m.Rules {
		lines = append(lines, rule.Text)
	}
	return lines
}

// CriticalRules returns the rule texts marked critical.
func (m *Manifest) CriticalRules() []string {
	var out []string
	for _, rule := range m.Rules {
		if rule.Severity == "critical" {
			out = append(out, rule.Text)
		}
	}
	return out
}

// ManifestPath is the on-disk location of a kernel inside dir.
func ManifestPath(dir string, name Name) string {
	return filepath.Join(dir, fmt.Sprintf("%s.kernel.yaml", name))
}

// parseManifest reads, unmarshals, and schema-validates one manifest,
// returning the manifest and the content hash of the raw bytes.
func parseManifest(validate *validator.Validate, path string, name Name) (*Manifest, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read manifest %s: %w", name, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, "", fmt.Errorf("parse manifest %s: %w", name, err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, "", fmt.Errorf("validate manifest %s: %w", name, err)
	}
	if m.Kernel != string(name) {
		return nil, "", fmt.Errorf("manifest %s declares kernel %q", name, m.Kernel)
	}
	return &m, HashBytes(raw), nil
}

// HashBytes is the canonical content hash: sha256 hex over raw bytes.
func HashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HashFile hashes one on-disk manifest. Missing files return "".
func HashFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return HashBytes(raw), nil
}

// EnsureDefaults writes a minimal valid manifest for every kernel
// missing from dir, so a fresh checkout can boot. Existing files are
// never touched.
func EnsureDefaults(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create kernel dir: %w", err)
	}
	for _, name := range order {
		path := ManifestPath(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		m := defaultManifest(name)
		raw, err := yaml.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal default %s: %w", name, err)
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return fmt.Errorf("write default %s: %w", name, err)
		}
	}
	return nil
}

func defaultManifest(name Name) *Manifest {
	m := &Manifest{
		Kernel:      string(name),
		Version:     "1.0",
		Description: fmt.Sprintf("%s kernel.", name),
	}
	if name == Safety {
		m.Rules = []Rule{
			{ID: "safety-1", Text: "Never delete memory substrate records.", Severity: "critical"},
			{ID: "safety-2", Text: "Route every side effect through the tool dispatcher.", Severity: "critical"},
		}
	}
	return m
}
