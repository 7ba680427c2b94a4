// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hydrate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/AleutianAI/AleutianSubstrate/services/llm"
)

// negationMarkers flag a directive as prohibitive.
var negationMarkers = []string{"no ", "never ", "do not ", "don't ", "must not ", "forbidden"}

// actionStems groups verb forms so "deletion" in a directive matches
// "delete" in a proposed action. The prefilter only claims a violation
// when both sides hit the same group.
var actionStems = map[string][]string{
	"delete":  {"delete", "deletion", "deleting", "remove", "removal", "removing", "drop", "erase", "purge"},
	"modify":  {"modify", "modification", "modifying", "alter", "altering", "overwrite", "overwriting"},
	"bypass":  {"bypass", "bypassing", "circumvent", "circumventing", "skip approval", "skipping approval"},
	"disable": {"disable", "disabling", "deactivate", "deactivating", "turn off"},
	"expose":  {"expose", "exposing", "leak", "leaking", "exfiltrate", "exfiltrating", "share credential"},
}

// ValidateDirectiveCompliance checks a proposed action against the
// agent's CRITICAL directives before execution. A deterministic stem
// prefilter is authoritative for obvious violations; directives the
// prefilter cannot interpret are escalated to the LLM adjudicator when
// one is configured, otherwise treated as compliant.
//
// Returns (compliant, violated directive texts, error).
func (h *Hydrator) ValidateDirectiveCompliance(ctx context.Context, agentID, proposedAction string) (bool, []string, error) {
	agent, err := h.Hydrate(ctx, agentID)
	if err != nil {
		return false, nil, err
	}
	if len(agent.CriticalDirectives) == 0 {
		return true, nil, nil
	}

	action := strings.ToLower(proposedAction)
	var violations []string
	var ambiguous []string

	for _, directive := range agent.CriticalDirectives {
		switch classifyDirective(directive, action) {
		case verdictViolation:
			violations = append(violations, directive)
		case verdictAmbiguous:
			ambiguous = append(ambiguous, directive)
		}
	}

	if len(ambiguous) > 0 && h.adj != nil {
		escalated, err := h.adj.Judge(ctx, proposedAction, ambiguous)
		if err != nil {
			// The adjudicator is advisory; on failure the deterministic
			// result stands.
			h.logger.Warn("Directive adjudication failed", "agent_id", agentID, "error", err)
		} else {
			violations = append(violations, escalated...)
		}
	}

	return len(violations) == 0, violations, nil
}

type directiveVerdict int

const (
	verdictCompliant directiveVerdict = iota
	verdictViolation
	verdictAmbiguous
)

// classifyDirective applies the stem prefilter to one directive.
// Non-prohibitive directives are always compliant. A prohibitive
// directive is a violation when the action shares a stem group with it,
// ambiguous when the directive's prohibition uses no known stem.
func classifyDirective(directive, loweredAction string) directiveVerdict {
	lowered := strings.ToLower(directive)
	if !isProhibitive(lowered) {
		return verdictCompliant
	}

	matchedAnyGroup := false
	for _, stems := range actionStems {
		if !containsAny(lowered, stems) {
			continue
		}
		matchedAnyGroup = true
		if containsAny(loweredAction, stems) {
			return verdictViolation
		}
	}
	if matchedAnyGroup {
		return verdictCompliant
	}
	return verdictAmbiguous
}

func isProhibitive(lowered string) bool {
	return containsAny(lowered, negationMarkers)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// =============================================================================
// LLM adjudicator
// =============================================================================

const adjudicatorSystemPrompt = `You are a directive compliance adjudicator for an agent governance system.
Given a proposed action and a list of standing CRITICAL directives, decide
whether the action violates any directive. Respond with a JSON object:
{"violations": ["<exact text of each violated directive>"]}.
An empty list means the action is compliant. Respond with JSON only.`

// Adjudicator resolves ambiguous directive checks with a chat call.
type Adjudicator struct {
	chat llm.ChatClient
}

// NewAdjudicator wraps a chat client. A nil client yields a nil
// adjudicator, which the hydrator treats as "not configured".
func NewAdjudicator(chat llm.ChatClient) *Adjudicator {
	if chat == nil {
		return nil
	}
	return &Adjudicator{chat: chat}
}

// Judge returns the subset of directives the model deems violated by
// the action. Unparseable responses report no violations.
func (a *Adjudicator) Judge(ctx context.Context, proposedAction string, directives []string) ([]string, error) {
	var user strings.Builder
	user.WriteString("Proposed action:\n")
	user.WriteString(proposedAction)
	user.WriteString("\n\nCritical directives:\n")
	for _, d := range directives {
		user.WriteString("- " + d + "\n")
	}

	resp, err := a.chat.Chat(ctx, llm.ChatRequest{
		Messages:    llm.SystemPrompt(adjudicatorSystemPrompt, user.String()),
		Temperature: llm.Float32Ptr(0),
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Violations []string `json:"violations"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, nil
	}

	// Only echo back directives that were actually under review.
	known := make(map[string]bool, len(directives))
	for _, d := range directives {
		known[d] = true
	}
	var out []string
	for _, v := range parsed.Violations {
		if known[v] {
			out = append(out, v)
		}
	}
	return out, nil
}

// extractJSON trims prose or code fences around a JSON object.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return content
	}
	return content[start : end+1]
}
