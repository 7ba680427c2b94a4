// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery classifies finished spans into failure signals and
// drives the per-class recovery chains, with a named circuit breaker
// in front of each protected resource.
package recovery

import (
	"strings"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/observability"
)

// Class is a failure classification drawn from a closed set.
type Class string

const (
	ToolError             Class = "TOOL_ERROR"
	ToolTimeout           Class = "TOOL_TIMEOUT"
	ContextWindowExceeded Class = "CONTEXT_WINDOW_EXCEEDED"
	GovernanceDenied      Class = "GOVERNANCE_DENIED"
	ExternalAPITimeout    Class = "EXTERNAL_API_TIMEOUT"
	PlanningFailure       Class = "PLANNING_FAILURE"
	LLMContentFilter      Class = "LLM_CONTENT_FILTER"
	CostConstraintBreach  Class = "COST_CONSTRAINT_BREACH"
	LLMHallucination      Class = "LLM_HALLUCINATION"
)

// ToolTimeoutThresholdMs is the duration above which a tool span is
// classified as a timeout even when it reported OK.
const ToolTimeoutThresholdMs = 30_000

// CostBreachThresholdUSD classifies a single generation as a cost
// constraint breach.
const CostBreachThresholdUSD = 0.50

// FailureSignal is the classifier verdict handed to the engine.
type FailureSignal struct {
	Class    Class
	Resource string
	Reason   string
	Span     *observability.Span
}

// Classify maps a finished span to a failure signal. Pure: no clocks,
// no state, same span always yields the same verdict. Returns false for
// spans that carry no recognizable failure shape.
func Classify(span *observability.Span) (FailureSignal, bool) {
	if span == nil {
		return FailureSignal{}, false
	}

	switch {
	case strings.HasPrefix(span.Name, "tool."):
		resource := span.AttrString(observability.AttrToolName)
		if resource == "" {
			resource = strings.TrimPrefix(span.Name, "tool.")
		}
		if span.DurationMs > ToolTimeoutThresholdMs || isDeadlineError(span.Error) {
			return FailureSignal{Class: ToolTimeout, Resource: resource, Reason: span.Error, Span: span}, true
		}
		if span.Status == observability.StatusError {
			return FailureSignal{Class: ToolError, Resource: resource, Reason: span.Error, Span: span}, true
		}

	case span.AttrBool(observability.AttrContextOverflow):
		return FailureSignal{
			Class:    ContextWindowExceeded,
			Resource: span.AttrString(observability.AttrContextStrategy),
			Reason:   "assembled context exceeded the token budget",
			Span:     span,
		}, true

	case strings.HasPrefix(span.Name, "governance."):
		if span.AttrString(observability.AttrGovernanceResult) == "deny" {
			return FailureSignal{
				Class:    GovernanceDenied,
				Resource: span.AttrString(observability.AttrGovernancePolicy),
				Reason:   span.Error,
				Span:     span,
			}, true
		}

	case span.Kind == observability.KindClient && isDeadlineError(span.Error):
		return FailureSignal{Class: ExternalAPITimeout, Resource: span.Name, Reason: span.Error, Span: span}, true

	case strings.HasPrefix(span.Name, "planner."):
		if steps, ok := span.Attr(observability.AttrPlannerSteps).(int); ok && steps == 0 {
			return FailureSignal{Class: PlanningFailure, Resource: span.Name, Reason: "planner produced no steps", Span: span}, true
		}
		if span.AttrFloat(observability.AttrPlannerSteps) == 0 && span.Status == observability.StatusError {
			return FailureSignal{Class: PlanningFailure, Resource: span.Name, Reason: span.Error, Span: span}, true
		}
	}

	lowered := strings.ToLower(span.Error)
	switch {
	case strings.Contains(lowered, "content filter") || strings.Contains(lowered, "content_filter"):
		return FailureSignal{Class: LLMContentFilter, Resource: span.AttrString(observability.AttrLLMModel), Reason: span.Error, Span: span}, true
	case strings.Contains(lowered, "hallucination"):
		return FailureSignal{Class: LLMHallucination, Resource: span.AttrString(observability.AttrLLMModel), Reason: span.Error, Span: span}, true
	case span.AttrFloat(observability.AttrLLMCostUSD) > CostBreachThresholdUSD:
		return FailureSignal{
			Class:    CostConstraintBreach,
			Resource: span.AttrString(observability.AttrLLMModel),
			Reason:   "generation cost above threshold",
			Span:     span,
		}, true
	}

	return FailureSignal{}, false
}

func isDeadlineError(msg string) bool {
	lowered := strings.ToLower(msg)
	return strings.Contains(lowered, "deadline exceeded") ||
		strings.Contains(lowered, "timed out") ||
		strings.Contains(lowered, "timeout")
}
