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
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSubstrate/services/llm"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

const synthesisSystemPrompt = `You are a research synthesizer. Combine the tool outputs below into one
evidence entry for the research goal. Respond with a JSON object:
{"content": "<synthesis>", "confidence": <0..1>,
 "key_facts": ["..."], "sources": ["..."], "gaps": ["..."]}.
Respond with JSON only.`

const criticSystemPrompt = `You are a research critic. Score the evidence set against the research goal.
Respond with a JSON object:
{"score": <0..1>, "feedback": "<what is missing or weak>",
 "strengths": ["..."], "weaknesses": ["..."], "suggestions": ["..."]}.
Respond with JSON only.`

// planningNode refines the query into a goal and an ordered plan. On a
// retry round, retry-scoped fields reset so the new plan starts clean;
// the critic's feedback steers the new plan.
func (o *Orchestrator) planningNode(ctx context.Context, s *State) error {
	goal, steps, err := o.planner.Plan(ctx, s.OriginalQuery, s.CriticFeedback)
	if err != nil {
		return err
	}

	s.RefinedGoal = goal
	s.Plan = steps
	s.CurrentStepIndex = 0
	s.Evidence = nil
	return nil
}

// researchNode executes the planned researcher steps. A single tool
// failure is logged and skipped; synthesis failure fails only its step.
// With parallelism configured, steps run concurrently inside this node
// and merge into the evidence list in completion order; the node does
// not finish until all are done.
func (o *Orchestrator) researchNode(ctx context.Context, s *State) error {
	indexes := make([]int, 0, len(s.Plan))
	for i := range s.Plan {
		if s.Plan[i].Agent == AgentResearcher && s.Plan[i].Status == StepPending {
			indexes = append(indexes, i)
		}
	}

	if o.cfg.ParallelAgents <= 1 {
		for _, i := range indexes {
			o.runStep(ctx, s, &s.Plan[i], func(ev Evidence) {
				s.Evidence = append(s.Evidence, ev)
			}, func(format string, args ...any) {
				s.AddError(format, args...)
			})
			s.CurrentStepIndex = i + 1
		}
		return nil
	}

	// Evidence and error notes merge under one lock, in completion
	// order.
	var mu sync.Mutex
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ParallelAgents)
	for _, i := range indexes {
		step := &s.Plan[i]
		g.Go(func() error {
			o.runStep(groupCtx, s, step, func(ev Evidence) {
				mu.Lock()
				s.Evidence = append(s.Evidence, ev)
				mu.Unlock()
			}, func(format string, args ...any) {
				mu.Lock()
				s.AddError(format, args...)
				mu.Unlock()
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.CurrentStepIndex = len(s.Plan)
	return nil
}

// runStep invokes the step's tools, synthesizes evidence, and marks the
// step. emit and note run under the caller's locking scheme.
func (o *Orchestrator) runStep(ctx context.Context, s *State, step *Step, emit func(Evidence), note func(string, ...any)) {
	outputs, used := o.invokeTools(ctx, s, step, note)

	ev, err := o.synthesize(ctx, s.RefinedGoal, step, outputs)
	if err != nil {
		o.logger.Warn("Step synthesis failed", "thread_id", s.ThreadID, "step_id", step.StepID, "error", err)
		note("synthesis failed for %s: %v", step.StepID, err)
		step.Status = StepFailed
		return
	}
	ev.Metadata.ToolsUsed = used
	emit(ev)
	step.Status = StepCompleted
}

// invokeTools runs each configured tool against the step query through
// the dispatcher. Failures on any single tool are logged and skipped.
func (o *Orchestrator) invokeTools(ctx context.Context, s *State, step *Step, note func(string, ...any)) (outputs []string, used []string) {
	if o.tools == nil {
		return nil, nil
	}
	for _, toolID := range step.Tools {
		result, err := o.tools.Dispatch(ctx, toolID, map[string]any{"query": step.Query}, o.dispatchContext(s))
		if err != nil {
			o.logger.Warn("Research tool failed, skipping",
				"thread_id", s.ThreadID, "step_id", step.StepID, "tool_id", toolID, "error", err)
			note("tool %s failed on %s: %v", toolID, step.StepID, err)
			continue
		}
		outputs = append(outputs, fmt.Sprintf("[%s] %v", toolID, result.Value))
		used = append(used, toolID)
	}
	return outputs, used
}

// synthesize asks the chat client to fuse tool outputs into evidence.
func (o *Orchestrator) synthesize(ctx context.Context, goal string, step *Step, outputs []string) (Evidence, error) {
	var user strings.Builder
	user.WriteString("Research goal: " + goal + "\n")
	user.WriteString("Step query: " + step.Query + "\n")
	if len(outputs) == 0 {
		user.WriteString("\nNo tool output is available; synthesize from the query alone.\n")
	} else {
		user.WriteString("\nTool outputs:\n")
		for _, out := range outputs {
			user.WriteString(out + "\n")
		}
	}

	resp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Messages:    llm.SystemPrompt(synthesisSystemPrompt, user.String()),
		Temperature: llm.Float32Ptr(0.3),
		JSONMode:    true,
	})
	if err != nil {
		return Evidence{}, err
	}

	ev := Evidence{
		Source:    step.StepID,
		Timestamp: time.Now().UTC(),
	}
	var parsed struct {
		Content    string   `json:"content"`
		Confidence float64  `json:"confidence"`
		KeyFacts   []string `json:"key_facts"`
		Sources    []string `json:"sources"`
		Gaps       []string `json:"gaps"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err == nil && parsed.Content != "" {
		ev.Content = parsed.Content
		ev.Confidence = clamp01(parsed.Confidence)
		ev.Metadata.KeyFacts = parsed.KeyFacts
		ev.Metadata.Sources = parsed.Sources
		ev.Metadata.Gaps = parsed.Gaps
	} else {
		// Unstructured synthesis still counts as evidence, at reduced
		// confidence.
		ev.Content = resp.Content
		ev.Confidence = 0.5
	}
	return ev, nil
}

// criticNode scores the evidence set. A critic failure scores zero so
// the retry edge stays bounded by max_retries rather than looping on a
// broken model.
func (o *Orchestrator) criticNode(ctx context.Context, s *State) error {
	var user strings.Builder
	user.WriteString("Research goal: " + s.RefinedGoal + "\n")
	user.WriteString(fmt.Sprintf("Evidence entries: %d\n\n", len(s.Evidence)))
	for _, ev := range s.Evidence {
		user.WriteString(fmt.Sprintf("[%s] (confidence %.2f) %s\n", ev.Source, ev.Confidence, ev.Content))
	}

	resp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Messages:    llm.SystemPrompt(criticSystemPrompt, user.String()),
		Temperature: llm.Float32Ptr(0),
		JSONMode:    true,
	})
	if err != nil {
		o.logger.Warn("Critic call failed", "thread_id", s.ThreadID, "error", err)
		s.AddError("critic failed: %v", err)
		s.CriticScore = 0
		s.CriticFeedback = "critic unavailable"
		return nil
	}

	var critique Critique
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &critique); err != nil {
		s.CriticScore = 0
		s.CriticFeedback = resp.Content
		return nil
	}
	s.CriticScore = clamp01(critique.Score)
	s.CriticFeedback = critique.Feedback
	return nil
}

// finalizeNode composes the final output object. Purely deterministic.
func (o *Orchestrator) finalizeNode(_ context.Context, s *State) error {
	var parts []string
	for _, ev := range s.Evidence {
		parts = append(parts, ev.Content)
	}
	s.FinalSummary = strings.Join(parts, "\n\n")
	if s.FinalSummary == "" {
		s.FinalSummary = "No evidence was gathered for: " + s.RefinedGoal
	}

	s.FinalOutput = map[string]any{
		"refined_goal":   s.RefinedGoal,
		"summary":        s.FinalSummary,
		"evidence_count": len(s.Evidence),
		"critic_score":   s.CriticScore,
		"feedback":       s.CriticFeedback,
		"retry_count":    s.RetryCount,
	}
	return nil
}

// findingConfidenceScale discounts evidence-derived findings against
// the run's critic score.
const findingConfidenceScale = 0.8

// domainKeywords map insight tags from goal/summary content.
var domainKeywords = map[string][]string{
	"security":    {"security", "vulnerability", "cve", "exploit", "credential"},
	"performance": {"performance", "latency", "throughput", "benchmark"},
	"deployment":  {"deploy", "release", "rollout", "migration"},
	"memory":      {"memory", "cache", "storage", "retention"},
	"governance":  {"governance", "approval", "compliance", "audit"},
}

// storeInsights persists the finalized research: one insight packet for
// the conclusion plus one finding packet per top evidence entry, linked
// through lineage.
func (o *Orchestrator) storeInsights(ctx context.Context, s *State) error {
	sources := make([]string, 0, len(s.Evidence))
	for _, ev := range s.Evidence {
		sources = append(sources, ev.Source)
	}

	insight := packet.New(packet.TypeInsight, map[string]any{
		"conclusion":     s.FinalSummary,
		"refined_goal":   s.RefinedGoal,
		"original_query": s.OriginalQuery,
		"critic_score":   s.CriticScore,
		"evidence_refs":  sources,
	})
	insight.ThreadID = s.ThreadID
	insight.Metadata.AgentID = o.cfg.AgentID
	insight.Provenance.Source = "research"
	insight.Confidence = &packet.Confidence{Score: clamp01(s.CriticScore), Rationale: "critic score"}
	for _, tag := range domainTags(s.RefinedGoal + " " + s.FinalSummary) {
		insight.AddTag(tag)
	}

	insightID, err := o.packets.Insert(ctx, insight)
	if err != nil {
		return fmt.Errorf("store insight: %w", err)
	}

	top := o.cfg.TopEvidence
	if top <= 0 || top > len(s.Evidence) {
		top = len(s.Evidence)
	}
	for _, ev := range s.Evidence[:top] {
		finding := packet.New(packet.TypeFinding, map[string]any{
			"content":   ev.Content,
			"source":    ev.Source,
			"key_facts": ev.Metadata.KeyFacts,
			"gaps":      ev.Metadata.Gaps,
		})
		finding.ThreadID = s.ThreadID
		finding.Metadata.AgentID = o.cfg.AgentID
		finding.Provenance.Source = "research"
		finding.Provenance.ParentPacket = insightID
		finding.Lineage.ParentIDs = []string{insightID}
		finding.Confidence = &packet.Confidence{
			Score:     clamp01(s.CriticScore * findingConfidenceScale),
			Rationale: "evidence-derived, scaled from critic score",
		}

		if _, err := o.packets.Insert(ctx, finding); err != nil {
			o.logger.Warn("Finding packet failed", "thread_id", s.ThreadID, "source", ev.Source, "error", err)
			s.AddError("finding for %s not stored: %v", ev.Source, err)
		}
	}
	return nil
}

func domainTags(text string) []string {
	lowered := strings.ToLower(text)
	var tags []string
	for domain, keywords := range domainKeywords {
		for _, kw := range keywords {
			if strings.Contains(lowered, kw) {
				tags = append(tags, "domain:"+domain)
				break
			}
		}
	}
	// Map iteration order would otherwise leak into the payload.
	sort.Strings(tags)
	return tags
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
