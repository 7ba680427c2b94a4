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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSubstrate/services/llm"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/dispatch"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/observability"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/store"
)

var (
	// ErrNoCheckpoint is returned by Resume/Status for unknown threads.
	ErrNoCheckpoint = errors.New("research: no checkpoint for thread")

	// ErrEmptyQuery rejects a run without a query.
	ErrEmptyQuery = errors.New("research: empty query")
)

// ToolRunner is the slice of the dispatch contract the research node
// needs. dispatch.Dispatcher satisfies it.
type ToolRunner interface {
	Dispatch(ctx context.Context, toolID string, args map[string]any, dctx dispatch.Context) (*dispatch.Result, error)
}

// NodeEvent reports one node transition, for SSE streaming.
type NodeEvent struct {
	Node    Node    `json:"node"`
	Summary Summary `json:"state_summary"`
}

// Config tunes the orchestrator.
type Config struct {
	// AgentID attributes tool calls and insight packets.
	AgentID string

	// MaxRetries bounds the critic → planning loop.
	MaxRetries int

	// ScoreThreshold is the critic approval bar.
	ScoreThreshold float64

	// ParallelAgents > 1 runs researcher steps concurrently inside the
	// research node.
	ParallelAgents int

	// TopEvidence caps the finding packets per run; 0 means all.
	TopEvidence int
}

// Request starts one research run.
type Request struct {
	Query    string `json:"query" binding:"required"`
	UserID   string `json:"user_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Orchestrator drives the research DAG with checkpointing after every
// node transition.
//
// Thread Safety: safe for concurrent use across distinct thread ids;
// a single thread id must not run concurrently.
type Orchestrator struct {
	packets store.PacketStore
	planner *Planner
	chat    llm.ChatClient
	tools   ToolRunner
	obs     *observability.Service
	events  chan<- NodeEvent
	cfg     Config
	logger  *slog.Logger
}

// NewOrchestrator wires the DAG. tools and obs may be nil.
func NewOrchestrator(packets store.PacketStore, chat llm.ChatClient, tools ToolRunner, obs *observability.Service, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.AgentID == "" {
		cfg.AgentID = "L"
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = 0.7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		packets: packets,
		planner: NewPlanner(chat),
		chat:    chat,
		tools:   tools,
		obs:     obs,
		cfg:     cfg,
		logger:  logger,
	}
}

// Stream attaches a node-event channel. Events are emitted best-effort:
// a full channel never blocks the run.
func (o *Orchestrator) Stream(events chan<- NodeEvent) { o.events = events }

// RunWithEvents executes a request with a per-call event channel, so
// concurrent streaming requests never share a sink. The channel is not
// closed; the caller owns its lifecycle.
func (o *Orchestrator) RunWithEvents(ctx context.Context, req Request, events chan<- NodeEvent) (*State, error) {
	scoped := *o
	scoped.events = events
	return scoped.Run(ctx, req)
}

// Run executes a research request to completion.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*State, error) {
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	s := &State{
		ThreadID:      threadID,
		RequestID:     uuid.New().String(),
		UserID:        req.UserID,
		OriginalQuery: req.Query,
		Next:          NodePlanning,
		UpdatedAt:     time.Now().UTC(),
	}
	return o.loop(ctx, s)
}

// Resume reloads a checkpoint and re-invokes the graph from its
// recorded transition. Completed runs return as-is.
func (o *Orchestrator) Resume(ctx context.Context, threadID string) (*State, error) {
	s, err := o.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if s.Next == NodeEnd || s.Next == "" {
		return s, nil
	}
	return o.loop(ctx, s)
}

// Status returns the external view of a thread's progress.
func (o *Orchestrator) Status(ctx context.Context, threadID string) (*Summary, error) {
	s, err := o.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	summary := s.Summarize()
	return &summary, nil
}

func (o *Orchestrator) load(ctx context.Context, threadID string) (*State, error) {
	p, err := o.packets.Get(ctx, CheckpointKey(threadID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, threadID)
	}
	if err != nil {
		return nil, err
	}
	return stateFromPacket(p)
}

// loop runs nodes until the END sentinel, checkpointing and emitting an
// event after every transition.
func (o *Orchestrator) loop(ctx context.Context, s *State) (*State, error) {
	for s.Next != NodeEnd {
		if err := ctx.Err(); err != nil {
			return s, err
		}

		node := s.Next
		if err := o.execNode(ctx, node, s); err != nil {
			s.AddError("%s: %v", node, err)
			s.UpdatedAt = time.Now().UTC()
			o.checkpoint(ctx, s)
			return s, fmt.Errorf("research %s: %w", node, err)
		}

		next := nextNode(node, s, o.cfg.MaxRetries, o.cfg.ScoreThreshold)
		if node == NodeCritic && next == NodePlanning {
			s.RetryCount++
			o.logger.Info("Critic rejected evidence, replanning",
				"thread_id", s.ThreadID, "score", s.CriticScore, "retry", s.RetryCount)
		}
		s.Next = next
		s.UpdatedAt = time.Now().UTC()

		o.checkpoint(ctx, s)
		o.emit(node, s)
	}
	return s, nil
}

func (o *Orchestrator) execNode(ctx context.Context, node Node, s *State) error {
	var span *observability.Span
	if o.obs != nil {
		ctx, span = o.obs.StartSpan(ctx, "research."+string(node), observability.KindInternal)
		span.SetAgentTrajectory(o.cfg.AgentID, "research", s.RetryCount+1)
	}

	var err error
	switch node {
	case NodePlanning:
		err = o.planningNode(ctx, s)
		if span != nil && err == nil {
			span.SetAttribute(observability.AttrPlannerSteps, len(s.Plan))
		}
	case NodeResearch:
		err = o.researchNode(ctx, s)
	case NodeCritic:
		err = o.criticNode(ctx, s)
	case NodeFinalize:
		err = o.finalizeNode(ctx, s)
	case NodeStoreInsights:
		err = o.storeInsights(ctx, s)
	default:
		err = fmt.Errorf("unknown node %s", node)
	}

	if span != nil {
		if err != nil {
			span.FinishError(err)
		} else {
			span.FinishOK()
		}
	}
	return err
}

// checkpoint persists the full state under the thread's stable key. A
// checkpoint failure never aborts the run; it is recorded and the run
// continues on in-memory state.
func (o *Orchestrator) checkpoint(ctx context.Context, s *State) {
	p, err := checkpointPacket(s)
	if err == nil {
		_, err = o.packets.UpsertCheckpoint(ctx, p)
	}
	if err != nil {
		o.logger.Warn("Research checkpoint failed", "thread_id", s.ThreadID, "node", s.Next, "error", err)
		s.AddError("checkpoint failed: %v", err)
	}
}

func (o *Orchestrator) emit(node Node, s *State) {
	if o.events == nil {
		return
	}
	select {
	case o.events <- NodeEvent{Node: node, Summary: s.Summarize()}:
	default:
	}
}

func (o *Orchestrator) dispatchContext(s *State) dispatch.Context {
	return dispatch.Context{
		AgentID:  o.cfg.AgentID,
		TaskID:   s.RequestID,
		ThreadID: s.ThreadID,
	}
}
