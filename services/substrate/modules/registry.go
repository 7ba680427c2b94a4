// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modules tracks which substrate subsystems registered and
// whether they initialized. The composition root registers each
// subsystem as it wires it; the status endpoint snapshots the registry.
package modules

import (
	"sort"
	"sync"
	"time"
)

// Status is one subsystem's registration record.
type Status struct {
	ModuleID    string    `json:"module_id"`
	Definition  string    `json:"definition"`
	Initialized bool      `json:"initialized"`
	Note        string    `json:"note,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Registry is the process-wide module table.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Status
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Status)}
}

// Register records a subsystem. Registration alone does not mark it
// initialized; SetStatus does that once wiring succeeds.
func (r *Registry) Register(moduleID, definition string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[moduleID] = &Status{
		ModuleID:   moduleID,
		Definition: definition,
		UpdatedAt:  time.Now().UTC(),
	}
}

// SetStatus updates a subsystem's initialization state. A note explains
// a false state (e.g. a kernel integrity block). Unknown ids register
// implicitly so a late status report is never lost.
func (r *Registry) SetStatus(moduleID string, initialized bool, note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[moduleID]
	if !ok {
		m = &Status{ModuleID: moduleID}
		r.modules[moduleID] = m
	}
	m.Initialized = initialized
	m.Note = note
	m.UpdatedAt = time.Now().UTC()
}

// Get returns one subsystem's record.
func (r *Registry) Get(moduleID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[moduleID]
	if !ok {
		return Status{}, false
	}
	return *m, true
}

// Snapshot returns all records ordered by module id, so the status
// endpoint is deterministic.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, *m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// Count returns the number of registered subsystems.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}
