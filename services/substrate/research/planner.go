// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianSubstrate/services/llm"
)

const plannerSystemPrompt = `You are a research planner. Refine the user's query into a concrete research
goal and an ordered list of research steps. Respond with a JSON object:
{"refined_goal": "<goal>",
 "steps": [{"step_id": "step-1", "agent": "researcher", "description": "<what>",
            "query": "<search query>", "tools": ["search"]}]}.
Agents must be "researcher" or "critic". Respond with JSON only.`

// Planner turns a query (plus optional critic feedback from a prior
// round) into a refined goal and an ordered step list.
type Planner struct {
	chat llm.ChatClient
}

// NewPlanner wraps a chat client.
func NewPlanner(chat llm.ChatClient) *Planner {
	return &Planner{chat: chat}
}

// Plan produces the refined goal and steps. Responses the JSON parser
// cannot interpret fall back to a deterministic single-step plan, so a
// degraded model never stalls the DAG.
func (pl *Planner) Plan(ctx context.Context, query, feedback string) (string, []Step, error) {
	var user strings.Builder
	user.WriteString("Query: " + query + "\n")
	if feedback != "" {
		user.WriteString("\nA previous round was rejected by the critic. Address this feedback:\n")
		user.WriteString(feedback + "\n")
	}

	resp, err := pl.chat.Chat(ctx, llm.ChatRequest{
		Messages:    llm.SystemPrompt(plannerSystemPrompt, user.String()),
		Temperature: llm.Float32Ptr(0.2),
		JSONMode:    true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("planner: %w", err)
	}

	goal, steps := parsePlan(resp.Content)
	if len(steps) == 0 {
		goal, steps = fallbackPlan(query)
	}
	if goal == "" {
		goal = query
	}
	return goal, steps, nil
}

// parsePlan extracts the goal and steps from a model response, fixing
// up missing ids, agents, and queries.
func parsePlan(content string) (string, []Step) {
	var parsed struct {
		RefinedGoal string `json:"refined_goal"`
		Steps       []Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil {
		return "", nil
	}

	steps := make([]Step, 0, len(parsed.Steps))
	for i, step := range parsed.Steps {
		if step.Description == "" && step.Query == "" {
			continue
		}
		if step.StepID == "" {
			step.StepID = fmt.Sprintf("step-%d", i+1)
		}
		if step.Agent != AgentResearcher && step.Agent != AgentCritic {
			step.Agent = AgentResearcher
		}
		if step.Query == "" {
			step.Query = step.Description
		}
		step.Status = StepPending
		steps = append(steps, step)
	}
	return parsed.RefinedGoal, steps
}

// fallbackPlan is the deterministic plan used when the model output is
// unusable: one researcher step over the raw query.
func fallbackPlan(query string) (string, []Step) {
	return query, []Step{{
		StepID:      "step-1",
		Agent:       AgentResearcher,
		Description: "Investigate: " + query,
		Query:       query,
		Tools:       []string{"search"},
		Status:      StepPending,
	}}
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
