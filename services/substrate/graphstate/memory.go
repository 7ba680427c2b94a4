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
	"fmt"
	"sync"
)

// MemoryGraph is the in-process Store used in tests and lightweight
// mode. Contract semantics match Neo4jStore.
//
// Thread Safety: safe for concurrent use.
type MemoryGraph struct {
	mu     sync.RWMutex
	agents map[string]*AgentState
}

// NewMemoryGraph creates an empty graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{agents: make(map[string]*AgentState)}
}

// EnsureAgent implements Store. MERGE semantics: the node is created if
// absent; non-empty incoming fields refresh an existing node.
func (g *MemoryGraph) EnsureAgent(_ context.Context, agent Agent) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.agents[agent.AgentID]
	if !ok {
		g.agents[agent.AgentID] = &AgentState{Agent: agent}
		return nil
	}

	if agent.Designation != "" {
		existing.Agent.Designation = agent.Designation
	}
	if agent.Role != "" {
		existing.Agent.Role = agent.Role
	}
	if agent.Mission != "" {
		existing.Agent.Mission = agent.Mission
	}
	if agent.AuthorityLevel != 0 {
		existing.Agent.AuthorityLevel = agent.AuthorityLevel
	}
	if agent.Status != "" {
		existing.Agent.Status = agent.Status
	}
	return nil
}

// LoadAgentState implements Store.
func (g *MemoryGraph) LoadAgentState(_ context.Context, agentID string) (*AgentState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	state, ok := g.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return state.Clone(), nil
}

// AddDirective implements Store.
func (g *MemoryGraph) AddDirective(_ context.Context, agentID string, d Directive) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	state.Directives = append(state.Directives, d)
	return nil
}

// UpdateResponsibility implements Store. Only the description changes.
func (g *MemoryGraph) UpdateResponsibility(_ context.Context, agentID, title, newDescription string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	for i := range state.Responsibilities {
		if state.Responsibilities[i].Title == title {
			state.Responsibilities[i].Description = newDescription
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrResponsibilityNotFound, title)
}

// AddSOPStep implements Store. Steps append at the tail only.
func (g *MemoryGraph) AddSOPStep(_ context.Context, agentID, sopName, step string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	for i := range state.SOPs {
		if state.SOPs[i].Name == sopName {
			state.SOPs[i].Steps = append(state.SOPs[i].Steps, step)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSOPNotFound, sopName)
}

// Seed implements Store. Children are replaced wholesale so repeated
// bootstraps converge on the canonical set.
func (g *MemoryGraph) Seed(_ context.Context, state *AgentState) error {
	if state == nil || state.Agent.AgentID == "" {
		return fmt.Errorf("%w: seed without agent_id", ErrInvalidMutation)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.agents[state.Agent.AgentID] = state.Clone()
	return nil
}

// Ping implements Store.
func (g *MemoryGraph) Ping(_ context.Context) error { return nil }

// Close implements Store.
func (g *MemoryGraph) Close(_ context.Context) error { return nil }

var _ Store = (*MemoryGraph)(nil)
