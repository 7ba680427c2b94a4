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
)

// RootAgentID is the only agent without a REPORTS_TO edge. It is the
// approval source for every high-risk tool grant.
const RootAgentID = "igor"

// CanonicalAgents is the code-declared bootstrap set. The graph is
// seeded from it exactly once; all later change goes through the
// governed self-modify protocol.
func CanonicalAgents() []*AgentState {
	return []*AgentState{
		{
			Agent: Agent{
				AgentID:        RootAgentID,
				Designation:    "Igor",
				Role:           "principal",
				Mission:        "Own final authority over high-risk agent actions.",
				AuthorityLevel: 10,
				Status:         "active",
			},
			Responsibilities: []Responsibility{
				{Title: "approval_authority", Description: "Approve or reject high-risk actions escalated by subordinate agents.", Priority: 0},
			},
			Directives: []Directive{
				{Text: "Review every escalation within its stated deadline.", ContextCategory: "governance", Severity: SeverityHigh, CreatedBy: "bootstrap"},
			},
		},
		{
			Agent: Agent{
				AgentID:        "L",
				Designation:    "L",
				Role:           "operations",
				Mission:        "Execute research and operations tasks under substrate governance.",
				AuthorityLevel: 5,
				Status:         "active",
			},
			SupervisorID: RootAgentID,
			Responsibilities: []Responsibility{
				{Title: "research_execution", Description: "Run research DAGs and persist insights.", Priority: 0},
				{Title: "memory_hygiene", Description: "Keep session context packets tagged and scoped.", Priority: 1},
			},
			Directives: []Directive{
				{Text: "NO deletion of memory substrate records.", ContextCategory: "memory", Severity: SeverityCritical, CreatedBy: "bootstrap"},
				{Text: "Every side effect flows through the tool dispatcher.", ContextCategory: "execution", Severity: SeverityCritical, CreatedBy: "bootstrap"},
				{Text: "Prefer cached evidence when a source is unreachable.", ContextCategory: "research", Severity: SeverityLow, CreatedBy: "bootstrap"},
			},
			SOPs: []SOP{
				{Name: "code_deployment", Steps: []string{
					"Verify the change set builds",
					"Request approval for gmp_run",
					"Execute the deployment plan",
				}},
				{Name: "research_run", Steps: []string{
					"Refine the query into a goal",
					"Execute planned steps in order",
					"Submit evidence to the critic",
				}},
			},
			Tools: []ToolGrant{
				{Name: "file_read", RiskLevel: RiskLow, RequiresApproval: false},
				{Name: "search", RiskLevel: RiskLow, RequiresApproval: false},
				{Name: "file_write", RiskLevel: RiskMedium, RequiresApproval: false},
				{Name: "gmp_run", RiskLevel: RiskHigh, RequiresApproval: true, ApprovalSource: RootAgentID},
				{Name: "git_push", RiskLevel: RiskHigh, RequiresApproval: true, ApprovalSource: RootAgentID},
			},
		},
	}
}

// Bootstrap seeds the canonical agents. Idempotent: Seed MERGEs on the
// unique keys, so repeated boots converge on the same graph.
func Bootstrap(ctx context.Context, store Store) error {
	for _, state := range CanonicalAgents() {
		if err := store.Seed(ctx, state); err != nil {
			return fmt.Errorf("bootstrap agent %s: %w", state.Agent.AgentID, err)
		}
	}
	return nil
}
