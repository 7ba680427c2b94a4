// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

var (
	// ErrAgentNotFound indicates no Agent node exists for the id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrApprovalRequired rejects unapproved HIGH/CRITICAL directives.
	ErrApprovalRequired = errors.New("approval required for high-severity directive")

	// ErrResponsibilityNotFound indicates no responsibility with the title.
	ErrResponsibilityNotFound = errors.New("responsibility not found")

	// ErrSOPNotFound indicates no SOP with the name.
	ErrSOPNotFound = errors.New("sop not found")

	// ErrInvalidMutation rejects malformed mutation input.
	ErrInvalidMutation = errors.New("invalid graph mutation")
)

// Store is the raw agent graph contract. Neo4jStore and MemoryGraph
// implement it; callers go through Manager, which layers the governance
// protocol (audit packets + cache invalidation) on top.
type Store interface {
	// EnsureAgent upserts the Agent node, MERGE-keyed on agent_id.
	// The tool graph and the agent state graph share this operation so
	// exactly one node ever exists per id.
	EnsureAgent(ctx context.Context, agent Agent) error

	// LoadAgentState returns the agent with eagerly-expanded children in
	// one query, or ErrAgentNotFound.
	LoadAgentState(ctx context.Context, agentID string) (*AgentState, error)

	// AddDirective attaches a directive node.
	AddDirective(ctx context.Context, agentID string, d Directive) error

	// UpdateResponsibility changes only the description; title and
	// priority are immutable.
	UpdateResponsibility(ctx context.Context, agentID, title, newDescription string) error

	// AddSOPStep appends a step at the tail of the named SOP.
	AddSOPStep(ctx context.Context, agentID, sopName, step string) error

	// Seed loads a bootstrap state idempotently (boot-time only; the
	// governed protocol never calls it).
	Seed(ctx context.Context, state *AgentState) error

	// Ping reports store reachability.
	Ping(ctx context.Context) error

	// Close releases driver resources.
	Close(ctx context.Context) error
}

// AuditSink receives one packet per successful self-modify operation.
// The packet store satisfies this through substrate wiring.
type AuditSink interface {
	Insert(ctx context.Context, p *packet.Packet) (string, error)
}

// Invalidator is notified after every successful mutation so cached
// hydrations fan out. The hydrator registers itself here.
type Invalidator interface {
	Invalidate(agentID string)
}

// Manager enforces the self-modify protocol over a raw Store: approval
// gating, audit packet emission, and invalidation fan-out. All runtime
// mutation traffic flows through it.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	store  Store
	audit  AuditSink
	logger *slog.Logger

	mu           sync.RWMutex
	invalidators []Invalidator
}

// NewManager wires a Manager. audit may be nil (mutations then skip the
// audit packet, which only tests should do); logger may be nil.
func NewManager(store Store, audit AuditSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, audit: audit, logger: logger}
}

// Subscribe registers an invalidation receiver.
func (m *Manager) Subscribe(inv Invalidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidators = append(m.invalidators, inv)
}

// EnsureAgent delegates the idempotent upsert.
func (m *Manager) EnsureAgent(ctx context.Context, agent Agent) error {
	if agent.AgentID == "" {
		return fmt.Errorf("%w: empty agent_id", ErrInvalidMutation)
	}
	return m.store.EnsureAgent(ctx, agent)
}

// LoadAgentState delegates the eager read.
func (m *Manager) LoadAgentState(ctx context.Context, agentID string) (*AgentState, error) {
	return m.store.LoadAgentState(ctx, agentID)
}

// AddDirective applies the approval rule: HIGH and CRITICAL severities
// are rejected unless approved is true. LOW/MEDIUM pass without
// approval. No node is created on rejection.
func (m *Manager) AddDirective(ctx context.Context, agentID string, d Directive, approved bool) error {
	if d.Text == "" {
		return fmt.Errorf("%w: empty directive text", ErrInvalidMutation)
	}
	if !d.Severity.Valid() {
		d.Severity = ParseSeverity(string(d.Severity))
	}
	if d.Severity.RequiresApproval() && !approved {
		return fmt.Errorf("%w: severity %s", ErrApprovalRequired, d.Severity)
	}

	if err := m.store.AddDirective(ctx, agentID, d); err != nil {
		return err
	}

	m.afterMutation(ctx, agentID, "add_directive", map[string]any{
		"text":             d.Text,
		"severity":         string(d.Severity),
		"context_category": d.ContextCategory,
		"approved":         approved,
	})
	return nil
}

// UpdateResponsibility changes a description. Never needs approval.
func (m *Manager) UpdateResponsibility(ctx context.Context, agentID, title, newDescription string) error {
	if title == "" {
		return fmt.Errorf("%w: empty responsibility title", ErrInvalidMutation)
	}
	if err := m.store.UpdateResponsibility(ctx, agentID, title, newDescription); err != nil {
		return err
	}

	m.afterMutation(ctx, agentID, "update_responsibility", map[string]any{
		"title":           title,
		"new_description": newDescription,
	})
	return nil
}

// AddSOPStep appends at the tail. Never needs approval.
func (m *Manager) AddSOPStep(ctx context.Context, agentID, sopName, step string) error {
	if sopName == "" || step == "" {
		return fmt.Errorf("%w: empty sop name or step", ErrInvalidMutation)
	}
	if err := m.store.AddSOPStep(ctx, agentID, sopName, step); err != nil {
		return err
	}

	m.afterMutation(ctx, agentID, "add_sop_step", map[string]any{
		"sop_name": sopName,
		"step":     step,
	})
	return nil
}

// Ping delegates reachability.
func (m *Manager) Ping(ctx context.Context) error { return m.store.Ping(ctx) }

// Close delegates resource release.
func (m *Manager) Close(ctx context.Context) error { return m.store.Close(ctx) }

// afterMutation emits the agent_self_modify audit packet and fans out
// invalidation. Audit failures log at warning and never fail the
// mutation that already committed.
func (m *Manager) afterMutation(ctx context.Context, agentID, action string, details map[string]any) {
	if m.audit != nil {
		p := packet.New(packet.TypeAgentSelfModify, map[string]any{
			"action":   action,
			"agent_id": agentID,
			"details":  details,
		})
		p.Metadata.AgentID = agentID
		p.Provenance.Source = "graphstate"
		p.Confidence = &packet.Confidence{Score: 1.0, Rationale: "direct observation"}
		p.AddTag("agent:" + agentID)
		p.AddTag("action:" + action)

		if _, err := m.audit.Insert(ctx, p); err != nil {
			m.logger.Warn("Self-modify audit packet failed", "agent_id", agentID, "action", action, "error", err)
		}
	}

	m.mu.RLock()
	subs := append([]Invalidator(nil), m.invalidators...)
	m.mu.RUnlock()
	for _, inv := range subs {
		inv.Invalidate(agentID)
	}

	m.logger.Info("Agent self-modify applied", "agent_id", agentID, "action", action)
}
