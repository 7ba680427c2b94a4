// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package research runs the long-horizon research DAG: planning →
// research → critic, with a bounded retry loop back to planning, then
// finalize → store-insights. Full state is checkpointed to the packet
// store after every node, so a run survives process death and resumes
// from its last transition.
package research

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

// Node names of the DAG.
type Node string

const (
	NodePlanning      Node = "planning_node"
	NodeResearch      Node = "research_node"
	NodeCritic        Node = "critic_node"
	NodeFinalize      Node = "finalize_node"
	NodeStoreInsights Node = "store_insights"
	NodeEnd           Node = "end"
)

// Step agent roles.
const (
	AgentResearcher = "researcher"
	AgentCritic     = "critic"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Step is one planned unit of research work.
type Step struct {
	StepID      string   `json:"step_id"`
	Agent       string   `json:"agent"`
	Description string   `json:"description"`
	Query       string   `json:"query"`
	Tools       []string `json:"tools,omitempty"`
	Status      string   `json:"status"`
}

// EvidenceMeta carries the structured extras of one evidence entry.
type EvidenceMeta struct {
	KeyFacts  []string `json:"key_facts,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	Gaps      []string `json:"gaps,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Evidence is one synthesized research result.
type Evidence struct {
	Source     string       `json:"source"`
	Content    string       `json:"content"`
	Confidence float64      `json:"confidence"`
	Timestamp  time.Time    `json:"timestamp"`
	Metadata   EvidenceMeta `json:"metadata"`
}

// Critique is the critic node's verdict over the evidence set.
type Critique struct {
	Score       float64  `json:"score"`
	Feedback    string   `json:"feedback"`
	Strengths   []string `json:"strengths,omitempty"`
	Weaknesses  []string `json:"weaknesses,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Approved    bool     `json:"approved"`
}

// State is the full research graph state, checkpointed after every
// node transition. Next records the node the run enters after the
// checkpointed one, so Resume re-enters the graph exactly where it
// stopped.
type State struct {
	ThreadID         string         `json:"thread_id"`
	RequestID        string         `json:"request_id"`
	UserID           string         `json:"user_id,omitempty"`
	OriginalQuery    string         `json:"original_query"`
	RefinedGoal      string         `json:"refined_goal,omitempty"`
	Plan             []Step         `json:"plan,omitempty"`
	CurrentStepIndex int            `json:"current_step_index"`
	Evidence         []Evidence     `json:"evidence,omitempty"`
	CriticScore      float64        `json:"critic_score"`
	CriticFeedback   string         `json:"critic_feedback,omitempty"`
	RetryCount       int            `json:"retry_count"`
	FinalSummary     string         `json:"final_summary,omitempty"`
	FinalOutput      map[string]any `json:"final_output,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
	Next             Node           `json:"next"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// StepsCompleted counts completed plan entries.
func (s *State) StepsCompleted() int {
	n := 0
	for _, step := range s.Plan {
		if step.Status == StepCompleted {
			n++
		}
	}
	return n
}

// AddError appends a non-fatal error note.
func (s *State) AddError(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Summary is the external status view of a run.
type Summary struct {
	ThreadID       string  `json:"thread_id"`
	RefinedGoal    string  `json:"refined_goal,omitempty"`
	StepsCompleted int     `json:"steps_completed"`
	TotalSteps     int     `json:"total_steps"`
	EvidenceCount  int     `json:"evidence_count"`
	CriticScore    float64 `json:"critic_score"`
	RetryCount     int     `json:"retry_count"`
	HasOutput      bool    `json:"has_output"`
}

// Summarize projects the state into its status view.
func (s *State) Summarize() Summary {
	return Summary{
		ThreadID:       s.ThreadID,
		RefinedGoal:    s.RefinedGoal,
		StepsCompleted: s.StepsCompleted(),
		TotalSteps:     len(s.Plan),
		EvidenceCount:  len(s.Evidence),
		CriticScore:    s.CriticScore,
		RetryCount:     s.RetryCount,
		HasOutput:      s.FinalOutput != nil,
	}
}

// CheckpointKey is the stable packet id of a thread's checkpoint.
func CheckpointKey(threadID string) string {
	return "research_graph:" + threadID
}

// checkpointPacket serializes the state into its research_state packet.
func checkpointPacket(s *State) (*packet.Packet, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode research state: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("encode research state: %w", err)
	}

	p := packet.New(packet.TypeResearchState, payload)
	p.PacketID = CheckpointKey(s.ThreadID)
	p.ThreadID = s.ThreadID
	p.Provenance.Source = "research"
	p.AddTag("node:" + string(s.Next))
	return p, nil
}

// stateFromPacket decodes a checkpoint back into a State.
func stateFromPacket(p *packet.Packet) (*State, error) {
	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode research state: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode research state: %w", err)
	}
	if s.ThreadID == "" {
		return nil, fmt.Errorf("decode research state: missing thread_id")
	}
	return &s, nil
}

// nextNode is the conditional-edge function. It is pure: the decision
// depends only on the finished node and {critic_score, retry_count,
// threshold, max_retries}.
func nextNode(finished Node, s *State, maxRetries int, threshold float64) Node {
	switch finished {
	case NodePlanning:
		return NodeResearch
	case NodeResearch:
		return NodeCritic
	case NodeCritic:
		if s.RetryCount < maxRetries && s.CriticScore < threshold {
			return NodePlanning
		}
		return NodeFinalize
	case NodeFinalize:
		return NodeStoreInsights
	case NodeStoreInsights:
		return NodeEnd
	default:
		return NodeEnd
	}
}
