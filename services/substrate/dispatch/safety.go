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

// Safety classification is by set membership, not per-tool config:
// the sets are the policy, reviewed in one place.
var (
	dangerousTools = map[string]bool{
		"shell_exec":     true,
		"file_write":     true,
		"file_delete":    true,
		"database_write": true,
		"git_commit":     true,
		"git_push":       true,
		"gmp_run":        true,
	}

	approvalRequiredTools = map[string]bool{
		"git_push":         true,
		"gmp_run":          true,
		"deploy":           true,
		"database_migrate": true,
	}

	safeTools = map[string]bool{
		"file_read":      true,
		"search":         true,
		"list_directory": true,
		"get_status":     true,
		"health_check":   true,
	}
)

// SafetyClass summarizes one tool's standing.
type SafetyClass struct {
	ToolID           string `json:"tool_id"`
	Dangerous        bool   `json:"dangerous"`
	RequiresApproval bool   `json:"requires_approval"`
	Known            bool   `json:"known"`
}

// ClassifySafety resolves a tool id against the membership sets. A tool
// in none of them is unknown and defaults to requiring approval.
func ClassifySafety(toolID string) SafetyClass {
	c := SafetyClass{
		ToolID:           toolID,
		Dangerous:        dangerousTools[toolID],
		RequiresApproval: approvalRequiredTools[toolID],
		Known:            dangerousTools[toolID] || approvalRequiredTools[toolID] || safeTools[toolID],
	}
	if !c.Known {
		c.RequiresApproval = true
	}
	return c
}
