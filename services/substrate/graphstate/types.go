// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphstate holds the live, mutable description of each agent:
// responsibilities, directives, SOPs, and authorized tools, plus the
// reporting and collaboration edges between agents.
//
// State is bootstrapped once from a code-declared canonical set and
// thereafter mutated only through the governed self-modify protocol:
// three exposed operations with explicit approval rules. Removing a
// CRITICAL directive, changing REPORTS_TO, or downgrading a tool's
// requires_approval flag have no API at all.
package graphstate

import "strings"

// Severity grades a directive.
type Severity string

// Directive severities in ascending order.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RequiresApproval reports whether adding a directive of this severity
// needs the approval gate.
func (s Severity) RequiresApproval() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ParseSeverity normalizes a severity string, defaulting to MEDIUM.
func ParseSeverity(raw string) Severity {
	s := Severity(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return SeverityMedium
	}
	return s
}

// RiskLevel grades a tool grant.
type RiskLevel string

// Tool risk levels.
const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Agent is the identity node of the graph.
type Agent struct {
	AgentID        string `json:"agent_id"`
	Designation    string `json:"designation"`
	Role           string `json:"role"`
	Mission        string `json:"mission"`
	AuthorityLevel int    `json:"authority_level"`
	Status         string `json:"status"`
}

// Responsibility is one duty line. Title and Priority are immutable
// after bootstrap; only Description may change.
type Responsibility struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// Directive is one standing order.
type Directive struct {
	Text            string   `json:"text"`
	ContextCategory string   `json:"context_category"`
	Severity        Severity `json:"severity"`
	CreatedBy       string   `json:"created_by"`
}

// SOP is a named, ordered procedure. Steps are append-only.
type SOP struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

// ToolGrant authorizes an agent to execute a tool.
type ToolGrant struct {
	Name             string    `json:"name"`
	RiskLevel        RiskLevel `json:"risk_level"`
	RequiresApproval bool      `json:"requires_approval"`
	ApprovalSource   string    `json:"approval_source,omitempty"`
}

// AgentState is the eagerly-expanded view of one agent: the node plus
// all children and both agent-to-agent edge sets. Relationships are
// id-keyed, never pointers.
type AgentState struct {
	Agent            Agent            `json:"agent"`
	Responsibilities []Responsibility `json:"responsibilities"`
	Directives       []Directive      `json:"directives"`
	SOPs             []SOP            `json:"sops"`
	Tools            []ToolGrant      `json:"tools"`
	SupervisorID     string           `json:"supervisor_id,omitempty"`
	CollaboratorIDs  []string         `json:"collaborator_ids,omitempty"`
}

// CriticalDirectives returns the CRITICAL subset in declaration order.
func (s *AgentState) CriticalDirectives() []Directive {
	var out []Directive
	for _, d := range s.Directives {
		if d.Severity == SeverityCritical {
			out = append(out, d)
		}
	}
	return out
}

// SOPByName returns the named SOP, or nil.
func (s *AgentState) SOPByName(name string) *SOP {
	for i := range s.SOPs {
		if s.SOPs[i].Name == name {
			return &s.SOPs[i]
		}
	}
	return nil
}

// Clone returns a deep copy so cached states can be handed out safely.
func (s *AgentState) Clone() *AgentState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Responsibilities = append([]Responsibility(nil), s.Responsibilities...)
	cp.Directives = append([]Directive(nil), s.Directives...)
	cp.SOPs = make([]SOP, len(s.SOPs))
	for i, sop := range s.SOPs {
		cp.SOPs[i] = SOP{Name: sop.Name, Steps: append([]string(nil), sop.Steps...)}
	}
	cp.Tools = append([]ToolGrant(nil), s.Tools...)
	cp.CollaboratorIDs = append([]string(nil), s.CollaboratorIDs...)
	return &cp
}
