// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package packet

// Type tags a packet with its semantic segment. The set is closed: stores
// and metrics reject or relabel types outside it, which keeps label
// cardinality bounded.
type Type string

const (
	// TypeGovernanceMeta records governance engine decisions and escalations.
	TypeGovernanceMeta Type = "governance_meta"

	// TypeProjectHistory records long-lived project events.
	TypeProjectHistory Type = "project_history"

	// TypeToolAudit is the dispatch audit record (one per tool call).
	TypeToolAudit Type = "tool_audit"

	// TypeSessionContext records conversational context snapshots.
	TypeSessionContext Type = "session_context"

	// TypeResearchState holds research DAG checkpoints.
	TypeResearchState Type = "research_state"

	// TypeAuditCommand records executed commands.
	TypeAuditCommand Type = "audit_command"

	// TypeAuditApproval records human approvals and rejections.
	TypeAuditApproval Type = "audit_approval"

	// TypeAuditMemoryWrite records writes to the memory substrate itself.
	TypeAuditMemoryWrite Type = "audit_memory_write"

	// TypeAgentSelfModify records governed mutations of agent graph state.
	TypeAgentSelfModify Type = "agent_self_modify"

	// TypeInsight is a research conclusion extracted by store_insights.
	TypeInsight Type = "insight"

	// TypeFinding is a per-evidence derivative of an insight.
	TypeFinding Type = "finding"

	// TypeReasoningBlock records an agent reasoning step.
	TypeReasoningBlock Type = "reasoning_block"

	// TypeTraceSpan is an exported observability span.
	TypeTraceSpan Type = "trace_span"
)

// segments is the closed set in declaration order.
var segments = []Type{
	TypeGovernanceMeta,
	TypeProjectHistory,
	TypeToolAudit,
	TypeSessionContext,
	TypeResearchState,
	TypeAuditCommand,
	TypeAuditApproval,
	TypeAuditMemoryWrite,
	TypeAgentSelfModify,
	TypeInsight,
	TypeFinding,
	TypeReasoningBlock,
	TypeTraceSpan,
}

// auditTypes are stamped immutable with long retention on creation.
var auditTypes = map[Type]bool{
	TypeToolAudit:        true,
	TypeAuditCommand:     true,
	TypeAuditApproval:    true,
	TypeAuditMemoryWrite: true,
	TypeAgentSelfModify:  true,
}

// Segments returns the closed set of packet types in a stable order.
// Callers must not mutate the returned slice.
func Segments() []Type {
	return segments
}

// KnownType reports whether t belongs to the closed set.
func KnownType(t Type) bool {
	for _, s := range segments {
		if s == t {
			return true
		}
	}
	return false
}

// IsAuditType reports whether packets of type t form the audit stream.
func IsAuditType(t Type) bool {
	return auditTypes[t]
}

// String implements fmt.Stringer.
func (t Type) String() string { return string(t) }

// Valid reports whether the type is non-empty and known.
func (t Type) Valid() bool { return t != "" && KnownType(t) }
