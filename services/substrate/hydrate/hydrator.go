// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hydrate fuses the immutable kernel law with the mutable agent
// graph into a runtime context: one struct and one stable system-prompt
// string per agent. Hydrations are cached per agent and invalidated on
// every self-modify mutation and on kernel hot-reload.
package hydrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/graphstate"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/kernel"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/observability"
)

// StateLoader is the slice of the graph contract the hydrator needs.
// Both graphstate.Manager and the raw stores satisfy it.
type StateLoader interface {
	LoadAgentState(ctx context.Context, agentID string) (*graphstate.AgentState, error)
}

// KernelSource exposes activated kernel manifests. kernel.Loader
// satisfies it; tests may hand in a fixed map.
type KernelSource interface {
	Manifest(name kernel.Name) *kernel.Manifest
}

// AgentContext is the hydrated runtime view of one agent: immutable law
// fused with live graph state, ready to prepend to an LLM prompt.
type AgentContext struct {
	AgentID        string `json:"agent_id"`
	Designation    string `json:"designation"`
	Role           string `json:"role"`
	Mission        string `json:"mission"`
	AuthorityLevel int    `json:"authority_level"`
	Status         string `json:"status"`
	SupervisorID   string `json:"supervisor_id,omitempty"`

	Responsibilities       []string            `json:"responsibilities"`
	CriticalDirectives     []string            `json:"critical_directives"`
	SOPs                   map[string][]string `json:"sops"`
	AvailableTools         []string            `json:"available_tools"`
	ToolsRequiringApproval []string            `json:"tools_requiring_approval"`
	SafetyConstraints      []string            `json:"safety_constraints"`

	// KernelPrompt is the law portion of the system prompt, rendered
	// from the activated kernels in their fixed order.
	KernelPrompt string `json:"kernel_prompt"`

	// TokensUsed is the budget count of the rendered system prompt;
	// Overflow is true when it exceeds the configured maximum.
	TokensUsed int  `json:"tokens_used"`
	Overflow   bool `json:"overflow"`
}

// SystemPrompt renders the stable textual format. Section order and
// headings never change so downstream prompts stay cache-friendly.
func (c *AgentContext) SystemPrompt() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Agent: %s (%s)\n", c.Designation, c.AgentID))
	b.WriteString(fmt.Sprintf("Role: %s\n", c.Role))
	if c.Mission != "" {
		b.WriteString(fmt.Sprintf("Mission: %s\n", c.Mission))
	}
	b.WriteString(fmt.Sprintf("Authority level: %d\n", c.AuthorityLevel))
	if c.SupervisorID != "" {
		b.WriteString(fmt.Sprintf("Reports to: %s\n", c.SupervisorID))
	}

	if c.KernelPrompt != "" {
		b.WriteString("\n## Kernel Law\n")
		b.WriteString(c.KernelPrompt)
		b.WriteString("\n")
	}

	if len(c.CriticalDirectives) > 0 {
		b.WriteString("\n## Critical Directives\n")
		for _, d := range c.CriticalDirectives {
			b.WriteString("- " + d + "\n")
		}
	}

	if len(c.Responsibilities) > 0 {
		b.WriteString("\n## Responsibilities\n")
		for _, r := range c.Responsibilities {
			b.WriteString("- " + r + "\n")
		}
	}

	if len(c.SOPs) > 0 {
		b.WriteString("\n## Standard Operating Procedures\n")
		names := make([]string, 0, len(c.SOPs))
		for name := range c.SOPs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString(fmt.Sprintf("### %s\n", name))
			for i, step := range c.SOPs[name] {
				b.WriteString(fmt.Sprintf("%d. %s\n", i+1, step))
			}
		}
	}

	if len(c.AvailableTools) > 0 {
		b.WriteString("\n## Tools\n")
		b.WriteString("Available: " + strings.Join(c.AvailableTools, ", ") + "\n")
		if len(c.ToolsRequiringApproval) > 0 {
			b.WriteString("Require approval: " + strings.Join(c.ToolsRequiringApproval, ", ") + "\n")
		}
	}

	if len(c.SafetyConstraints) > 0 {
		b.WriteString("\n## Safety Constraints\n")
		for _, sc := range c.SafetyConstraints {
			b.WriteString("- " + sc + "\n")
		}
	}

	return b.String()
}

// Hydrator builds and caches AgentContexts.
//
// Thread Safety: safe for concurrent use. The cache hands out deep
// copies, so callers may mutate their context freely.
type Hydrator struct {
	graph   StateLoader
	kernels KernelSource
	budget  *Budget
	adj     *Adjudicator
	obs     *observability.Service
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*AgentContext
}

// New wires a Hydrator. kernels, budget, adj, and obs may each be nil;
// the hydrator then skips the corresponding enrichment.
func New(graph StateLoader, kernels KernelSource, budget *Budget, adj *Adjudicator, obs *observability.Service, logger *slog.Logger) *Hydrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hydrator{
		graph:   graph,
		kernels: kernels,
		budget:  budget,
		adj:     adj,
		obs:     obs,
		logger:  logger,
		cache:   make(map[string]*AgentContext),
	}
}

// Hydrate returns the agent's runtime context, from cache when a prior
// hydration is still valid. Two consecutive calls without an
// intervening mutation return structurally identical contexts.
func (h *Hydrator) Hydrate(ctx context.Context, agentID string) (*AgentContext, error) {
	h.mu.Lock()
	if cached, ok := h.cache[agentID]; ok {
		h.mu.Unlock()
		return cloneContext(cached), nil
	}
	h.mu.Unlock()

	var span *observability.Span
	if h.obs != nil {
		ctx, span = h.obs.StartSpan(ctx, "hydrate.context_assembly", observability.KindInternal)
	}

	built, err := h.build(ctx, agentID)
	if span != nil {
		if err != nil {
			span.FinishError(err)
		} else {
			span.SetContextAssembly("kernel_graph_fusion", built.TokensUsed, 0, built.Overflow)
			span.FinishOK()
		}
	}
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.cache[agentID] = built
	h.mu.Unlock()

	h.logger.Debug("Agent context hydrated",
		"agent_id", agentID, "tokens", built.TokensUsed, "overflow", built.Overflow)
	return cloneContext(built), nil
}

func (h *Hydrator) build(ctx context.Context, agentID string) (*AgentContext, error) {
	state, err := h.graph.LoadAgentState(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", agentID, err)
	}

	out := &AgentContext{
		AgentID:        state.Agent.AgentID,
		Designation:    state.Agent.Designation,
		Role:           state.Agent.Role,
		Mission:        state.Agent.Mission,
		AuthorityLevel: state.Agent.AuthorityLevel,
		Status:         state.Agent.Status,
		SupervisorID:   state.SupervisorID,
		SOPs:           make(map[string][]string, len(state.SOPs)),
	}

	for _, r := range state.Responsibilities {
		out.Responsibilities = append(out.Responsibilities,
			fmt.Sprintf("[P%d] %s: %s", r.Priority, r.Title, r.Description))
	}
	for _, d := range state.CriticalDirectives() {
		out.CriticalDirectives = append(out.CriticalDirectives, d.Text)
	}
	for _, sop := range state.SOPs {
		out.SOPs[sop.Name] = append([]string(nil), sop.Steps...)
	}
	for _, t := range state.Tools {
		out.AvailableTools = append(out.AvailableTools, t.Name)
		if t.RequiresApproval {
			out.ToolsRequiringApproval = append(out.ToolsRequiringApproval, t.Name)
		}
	}
	sort.Strings(out.AvailableTools)
	sort.Strings(out.ToolsRequiringApproval)

	out.KernelPrompt = h.kernelPrompt()
	out.SafetyConstraints = h.safetyConstraints()

	if h.budget != nil {
		out.TokensUsed, out.Overflow = h.budget.Check(out.SystemPrompt())
		if out.Overflow {
			h.logger.Warn("Hydrated context exceeds token budget",
				"agent_id", agentID, "tokens", out.TokensUsed, "max", h.budget.MaxTokens())
		}
	}
	return out, nil
}

// kernelPrompt renders the activated kernels' prompt lines in the fixed
// load order.
func (h *Hydrator) kernelPrompt() string {
	if h.kernels == nil {
		return ""
	}
	var lines []string
	for _, name := range kernel.Order() {
		m := h.kernels.Manifest(name)
		if m == nil {
			continue
		}
		lines = append(lines, m.SystemPromptLines()...)
	}
	return strings.Join(lines, "\n")
}

// safetyConstraints surfaces the Safety kernel's critical rules.
func (h *Hydrator) safetyConstraints() []string {
	if h.kernels == nil {
		return nil
	}
	m := h.kernels.Manifest(kernel.Safety)
	if m == nil {
		return nil
	}
	return m.CriticalRules()
}

// Invalidate drops one agent's cached hydration. Implements
// graphstate.Invalidator; the graph manager calls it after every
// successful self-modify operation.
func (h *Hydrator) Invalidate(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cache, agentID)
}

// InvalidateAll drops every cached hydration. Registered as a kernel
// reload hook, so hot-reloaded law reaches all agents.
func (h *Hydrator) InvalidateAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache = make(map[string]*AgentContext)
}

// CacheSize reports the number of cached hydrations.
func (h *Hydrator) CacheSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cache)
}

var _ graphstate.Invalidator = (*Hydrator)(nil)

func cloneContext(c *AgentContext) *AgentContext {
	cp := *c
	cp.Responsibilities = append([]string(nil), c.Responsibilities...)
	cp.CriticalDirectives = append([]string(nil), c.CriticalDirectives...)
	cp.AvailableTools = append([]string(nil), c.AvailableTools...)
	cp.ToolsRequiringApproval = append([]string(nil), c.ToolsRequiringApproval...)
	cp.SafetyConstraints = append([]string(nil), c.SafetyConstraints...)
	cp.SOPs = make(map[string][]string, len(c.SOPs))
	for name, steps := range c.SOPs {
		cp.SOPs[name] = append([]string(nil), steps...)
	}
	return &cp
}
