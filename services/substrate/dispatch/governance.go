// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import "context"

// Verdict is a governance evaluation result.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictDeny   Verdict = "deny"
	VerdictReview Verdict = "review"
)

// Request is what a governance engine sees: the sanitized call, never
// raw credentials.
type Request struct {
	ToolID    string         `json:"tool_id"`
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Safety    SafetyClass    `json:"safety"`
	Approved  bool           `json:"approved"`
}

// Decision is the engine's answer.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

// GovernanceEngine evaluates a dispatch request before execution.
type GovernanceEngine interface {
	Evaluate(ctx context.Context, req Request) Decision
}

// ApprovalGovernance is the baseline engine: approval-required tools
// without an approval come back as review, which the dispatcher treats
// as a denial. Everything else is allowed.
type ApprovalGovernance struct{}

// Evaluate implements GovernanceEngine.
func (ApprovalGovernance) Evaluate(_ context.Context, req Request) Decision {
	if req.Safety.RequiresApproval && !req.Approved {
		return Decision{Verdict: VerdictReview, Reason: "approval required for " + req.ToolID}
	}
	return Decision{Verdict: VerdictAllow}
}
