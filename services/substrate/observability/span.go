// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"sync"
	"time"
)

// Kind mirrors the otel span kinds.
type Kind string

const (
	KindInternal Kind = "INTERNAL"
	KindServer   Kind = "SERVER"
	KindClient   Kind = "CLIENT"
	KindProducer Kind = "PRODUCER"
	KindConsumer Kind = "CONSUMER"
)

// Status is the terminal span status.
type Status string

const (
	StatusUnset Status = "UNSET"
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// Attribute keys shared with the recovery classifier. Keep these stable:
// downstream failure classification matches on them.
const (
	AttrLLMModel            = "llm.model"
	AttrLLMPromptTokens     = "llm.prompt_tokens"
	AttrLLMCompletionTokens = "llm.completion_tokens"
	AttrLLMCostUSD          = "llm.cost_usd"
	AttrToolName            = "tool.name"
	AttrToolInput           = "tool.input"
	AttrToolOutput          = "tool.output"
	AttrContextStrategy     = "context.strategy"
	AttrContextTokensUsed   = "context.tokens_used"
	AttrContextTruncation   = "context.truncation_count"
	AttrContextOverflow     = "context.overflow_event"
	AttrRAGQuery            = "rag.query"
	AttrRAGTopK             = "rag.top_k"
	AttrRAGChunkCount       = "rag.chunk_count"
	AttrRAGTopScore         = "rag.top_score"
	AttrGovernancePolicy    = "governance.policy"
	AttrGovernanceResult    = "governance.policy_result"
	AttrAgentName           = "agent.name"
	AttrAgentTaskKind       = "agent.task_kind"
	AttrAgentIterations     = "agent.iterations"
	AttrPlannerSteps        = "planner.steps"
)

// Span is one timed operation inside a trace. Attribute setters are
// typed so call sites cannot misspell the keys the classifier reads.
//
// Thread Safety: safe for concurrent attribute writes; Finish must be
// called exactly once.
type Span struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	Name         string `json:"name"`
	Kind         Kind   `json:"kind"`

	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs float64    `json:"duration_ms"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	UserID  string `json:"user_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`

	Attributes map[string]any `json:"attributes,omitempty"`

	mu      sync.Mutex
	sampled bool
	svc     *Service
}

// Sampled reports the trace-level head sampling decision this span
// inherited.
func (s *Span) Sampled() bool { return s.sampled }

// SetAttribute records one attribute. Prefer the typed setters.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Attributes == nil {
		s.Attributes = make(map[string]any)
	}
	s.Attributes[key] = value
}

// SetLLMGeneration records model usage on an LLM generation span.
func (s *Span) SetLLMGeneration(model string, promptTokens, completionTokens int, costUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureAttrs()
	s.Attributes[AttrLLMModel] = model
	s.Attributes[AttrLLMPromptTokens] = promptTokens
	s.Attributes[AttrLLMCompletionTokens] = completionTokens
	s.Attributes[AttrLLMCostUSD] = costUSD
}

// SetToolCall records a tool invocation. Input and output arrive
// already sanitized by the dispatcher.
func (s *Span) SetToolCall(toolName, input, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureAttrs()
	s.Attributes[AttrToolName] = toolName
	s.Attributes[AttrToolInput] = input
	s.Attributes[AttrToolOutput] = output
}

// SetContextAssembly records hydration outcome. overflow marks the span
// for CONTEXT_WINDOW_EXCEEDED classification downstream.
func (s *Span) SetContextAssembly(strategy string, tokensUsed, truncationCount int, overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureAttrs()
	s.Attributes[AttrContextStrategy] = strategy
	s.Attributes[AttrContextTokensUsed] = tokensUsed
	s.Attributes[AttrContextTruncation] = truncationCount
	s.Attributes[AttrContextOverflow] = overflow
}

// SetRAGRetrieval records a semantic search.
func (s *Span) SetRAGRetrieval(query string, topK, chunkCount int, topScore float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureAttrs()
	s.Attributes[AttrRAGQuery] = query
	s.Attributes[AttrRAGTopK] = topK
	s.Attributes[AttrRAGChunkCount] = chunkCount
	s.Attributes[AttrRAGTopScore] = topScore
}

// SetGovernanceCheck records a policy evaluation. result is "allow" or
// "deny".
func (s *Span) SetGovernanceCheck(policy, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureAttrs()
	s.Attributes[AttrGovernancePolicy] = policy
	s.Attributes[AttrGovernanceResult] = result
}

// SetAgentTrajectory records one agent task execution.
func (s *Span) SetAgentTrajectory(agentName, taskKind string, iterations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureAttrs()
	s.Attributes[AttrAgentName] = agentName
	s.Attributes[AttrAgentTaskKind] = taskKind
	s.Attributes[AttrAgentIterations] = iterations
}

// Attr returns one attribute value, or nil.
func (s *Span) Attr(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Attributes == nil {
		return nil
	}
	return s.Attributes[key]
}

// AttrBool returns a boolean attribute, false when absent or mistyped.
func (s *Span) AttrBool(key string) bool {
	v, _ := s.Attr(key).(bool)
	return v
}

// AttrString returns a string attribute, "" when absent or mistyped.
func (s *Span) AttrString(key string) string {
	v, _ := s.Attr(key).(string)
	return v
}

// AttrFloat returns a numeric attribute as float64, 0 when absent.
func (s *Span) AttrFloat(key string) float64 {
	switch v := s.Attr(key).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// Finish closes the span with the given status. ERROR spans carry the
// error text and are always exported; OK spans export only when the
// trace was sampled. Repeated calls after the first are no-ops.
func (s *Span) Finish(status Status, err error) {
	s.mu.Lock()
	if s.EndTime != nil {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.EndTime = &now
	s.DurationMs = float64(now.Sub(s.StartTime).Microseconds()) / 1000.0
	s.Status = status
	if err != nil {
		s.Error = err.Error()
		if s.Status == StatusUnset {
			s.Status = StatusError
		}
	}
	if s.Status == StatusUnset {
		s.Status = StatusOK
	}
	svc := s.svc
	s.mu.Unlock()

	if svc != nil {
		svc.finish(s)
	}
}

// FinishOK is shorthand for Finish(StatusOK, nil).
func (s *Span) FinishOK() { s.Finish(StatusOK, nil) }

// FinishError is shorthand for Finish(StatusError, err).
func (s *Span) FinishError(err error) { s.Finish(StatusError, err) }

func (s *Span) ensureAttrs() {
	if s.Attributes == nil {
		s.Attributes = make(map[string]any)
	}
}

// snapshot copies the exported fields for sink serialization, so sinks
// never race with late attribute writes.
func (s *Span) snapshot() *Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &Span{
		TraceID:      s.TraceID,
		SpanID:       s.SpanID,
		ParentSpanID: s.ParentSpanID,
		Name:         s.Name,
		Kind:         s.Kind,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		DurationMs:   s.DurationMs,
		Status:       s.Status,
		Error:        s.Error,
		UserID:       s.UserID,
		TaskID:       s.TaskID,
		AgentID:      s.AgentID,
		sampled:      s.sampled,
	}
	if len(s.Attributes) > 0 {
		out.Attributes = make(map[string]any, len(s.Attributes))
		for k, v := range s.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
