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
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ChangeKind categorizes one integrity diff entry.
type ChangeKind string

const (
	ChangeNew      ChangeKind = "NEW"
	ChangeModified ChangeKind = "MODIFIED"
	ChangeDeleted  ChangeKind = "DELETED"
)

// Change is one entry of an integrity diff.
type Change struct {
	Name Name       `json:"name"`
	Kind ChangeKind `json:"kind"`
}

// IntegrityError blocks activation when a sensitive kernel changed on
// disk without a privileged override.
type IntegrityError struct {
	Changes []Change
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("kernel integrity violation: %d sensitive change(s)", len(e.Changes))
}

// ErrNotLoaded is returned by Activate before a successful Load.
var ErrNotLoaded = errors.New("kernel: activate before load")

// Consumer receives activated kernel context. The hydrator registers
// here; so can any component that derives behavior from agent law.
type Consumer interface {
	ConsumeKernel(ctx context.Context, name Name, m *Manifest) error
}

// Result is the per-kernel outcome of a load or activation phase.
type Result struct {
	Name  Name   `json:"name"`
	State State  `json:"state"`
	Hash  string `json:"hash,omitempty"`
	Error string `json:"error,omitempty"`
}

// ReloadReport is the hot-reload outcome: the integrity diff plus the
// per-kernel activation results.
type ReloadReport struct {
	Changes []Change `json:"changes"`
	Results []Result `json:"results"`
}

// record tracks one kernel through the lifecycle.
type record struct {
	name     Name
	state    State
	hash     string
	manifest *Manifest
	err      error
}

// Loader runs the two-phase protocol over the fixed kernel order.
//
// Thread Safety: safe for concurrent use; Load/Activate/Reload are
// serialized by an internal mutex.
type Loader struct {
	dir      string
	ledger   *Ledger
	validate *validator.Validate
	logger   *slog.Logger

	mu        sync.Mutex
	records   map[Name]*record
	consumers []Consumer
	onReload  []func()
	override  bool
	activated bool
	blockNote string
}

// NewLoader creates the loader. ledger may be nil (no integrity
// baseline, first boot semantics on every start).
func NewLoader(dir string, ledger *Ledger, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		dir:      dir,
		ledger:   ledger,
		validate: validator.New(),
		logger:   logger,
		records:  make(map[Name]*record, len(order)),
	}
	for _, name := range order {
		l.records[name] = &record{name: name, state: StateInert}
	}
	return l
}

// WithPrivilegedOverride allows activation over MODIFIED sensitive
// kernels. The override is an explicit administrative decision, never a
// default.
func (l *Loader) WithPrivilegedOverride(allow bool) *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.override = allow
	return l
}

// RegisterConsumer subscribes a component to kernel activation.
func (l *Loader) RegisterConsumer(c Consumer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumers = append(l.consumers, c)
}

// OnReload registers a hook fired after every successful hot reload.
// The hydrator hangs its InvalidateAll here.
func (l *Loader) OnReload(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = append(l.onReload, fn)
}

// Load is Phase 1: parse, schema-validate, and hash every manifest in
// order. All-or-nothing: any violation fails the whole phase and no
// kernel leaves INERT/FAILED.
func (l *Loader) Load(ctx context.Context) ([]Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(ctx)
}

func (l *Loader) loadLocked(_ context.Context) ([]Result, error) {
	staged := make(map[Name]*record, len(order))
	var firstErr error

	for _, name := range order {
		rec := &record{name: name, state: StateInert}
		manifest, hash, err := parseManifest(l.validate, ManifestPath(l.dir, name), name)
		if err != nil {
			rec.state = StateFailed
			rec.err = err
			if firstErr == nil {
				firstErr = err
			}
		} else {
			rec.state = StateLoaded
			rec.manifest = manifest
			rec.hash = hash
		}
		staged[name] = rec
	}

	if firstErr != nil {
		// The failed stage replaces nothing: records keep their last
		// good state, only the failure notes update.
		for _, name := range order {
			if staged[name].err != nil {
				l.records[name].err = staged[name].err
				l.records[name].state = StateFailed
			}
		}
		l.blockNote = firstErr.Error()
		return l.resultsLocked(), fmt.Errorf("kernel load failed: %w", firstErr)
	}

	l.records = staged
	l.activated = false
	l.blockNote = ""
	return l.resultsLocked(), nil
}

// Activate is Phase 2: verify integrity, then inject each kernel into
// the registered consumers in order. The first failure marks that
// kernel FAILED and aborts the remaining activations.
func (l *Loader) Activate(ctx context.Context) ([]Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activateLocked(ctx)
}

func (l *Loader) activateLocked(ctx context.Context) ([]Result, error) {
	for _, name := range order {
		if l.records[name].state != StateLoaded && l.records[name].state != StateActivated {
			return l.resultsLocked(), ErrNotLoaded
		}
	}

	if err := l.checkIntegrityLocked(); err != nil {
		l.blockNote = err.Error()
		return l.resultsLocked(), err
	}

	for _, name := range order {
		rec := l.records[name]
		rec.state = StateValidated
		if err := l.inject(ctx, rec); err != nil {
			rec.state = StateFailed
			rec.err = err
			l.blockNote = err.Error()
			return l.resultsLocked(), fmt.Errorf("activate kernel %s: %w", name, err)
		}
		rec.state = StateActivated
		rec.err = nil
	}

	l.activated = true
	l.blockNote = ""

	if l.ledger != nil {
		hashes := make(map[Name]string, len(order))
		for _, name := range order {
			hashes[name] = l.records[name].hash
		}
		if err := l.ledger.Commit(hashes); err != nil {
			l.logger.Warn("kernel ledger commit failed", "error", err)
		}
	}
	return l.resultsLocked(), nil
}

func (l *Loader) inject(ctx context.Context, rec *record) error {
	for _, consumer := range l.consumers {
		if err := consumer.ConsumeKernel(ctx, rec.name, rec.manifest); err != nil {
			return err
		}
	}
	return nil
}

// checkIntegrityLocked blocks activation when a sensitive kernel is
// MODIFIED against the ledger baseline and no override is armed.
func (l *Loader) checkIntegrityLocked() error {
	changes, err := l.diffLocked()
	if err != nil {
		return err
	}
	var sensitive []Change
	for _, change := range changes {
		if change.Kind == ChangeModified && change.Name.Sensitive() {
			sensitive = append(sensitive, change)
		}
	}
	if len(sensitive) == 0 {
		return nil
	}
	if l.override {
		l.logger.Warn("sensitive kernel modification accepted by privileged override",
			"changes", len(sensitive))
		return nil
	}
	return &IntegrityError{Changes: sensitive}
}

// VerifyIntegrity rehashes the on-disk manifests against the ledger
// baseline and reports the diff.
func (l *Loader) VerifyIntegrity(_ context.Context) ([]Change, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.diffLocked()
}

func (l *Loader) diffLocked() ([]Change, error) {
	if l.ledger == nil {
		return nil, nil
	}
	baseline, err := l.ledger.Hashes()
	if err != nil {
		return nil, err
	}

	var changes []Change
	for _, name := range order {
		diskHash, err := HashFile(ManifestPath(l.dir, name))
		if err != nil {
			return nil, fmt.Errorf("hash kernel %s: %w", name, err)
		}
		known, inLedger := baseline[name]
		switch {
		case diskHash == "" && inLedger:
			changes = append(changes, Change{Name: name, Kind: ChangeDeleted})
		case diskHash != "" && !inLedger:
			changes = append(changes, Change{Name: name, Kind: ChangeNew})
		case diskHash != "" && inLedger && diskHash != known:
			changes = append(changes, Change{Name: name, Kind: ChangeModified})
		}
	}
	return changes, nil
}

// Reload is the hot-reload path: diff, Phase 1, Phase 2. Idempotent
// when hashes are unchanged. Registered reload hooks (hydrator
// invalidation) fire only after a successful activation.
func (l *Loader) Reload(ctx context.Context) (*ReloadReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	changes, err := l.diffLocked()
	if err != nil {
		return nil, err
	}

	if _, err := l.loadLocked(ctx); err != nil {
		return &ReloadReport{Changes: changes, Results: l.resultsLocked()}, err
	}
	results, err := l.activateLocked(ctx)
	if err == nil {
		for _, fn := range l.onReload {
			fn()
		}
	}
	return &ReloadReport{Changes: changes, Results: results}, err
}

// Activated reports whether every kernel reached ACTIVATED.
func (l *Loader) Activated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activated
}

// BlockNote returns the human-readable reason the subsystem is not
// initialized, "" when healthy.
func (l *Loader) BlockNote() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockNote
}

// Manifest returns an activated kernel's manifest, or nil.
func (l *Loader) Manifest(name Name) *Manifest {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[name]
	if !ok || rec.state != StateActivated {
		return nil
	}
	return rec.manifest
}

// Results snapshots the per-kernel states in order.
func (l *Loader) Results() []Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resultsLocked()
}

func (l *Loader) resultsLocked() []Result {
	out := make([]Result, 0, len(order))
	for _, name := range order {
		rec := l.records[name]
		r := Result{Name: name, State: rec.state, Hash: rec.hash}
		if rec.err != nil {
			r.Error = rec.err.Error()
		}
		out = append(out, r)
	}
	return out
}
