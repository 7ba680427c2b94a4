// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphstate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

type recordingSink struct {
	mu      sync.Mutex
	packets []*packet.Packet
}

func (s *recordingSink) Insert(_ context.Context, p *packet.Packet) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, p)
	return p.PacketID, nil
}

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) Invalidate(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, agentID)
}

func bootstrappedManager(t *testing.T) (*Manager, *recordingSink, *recordingInvalidator) {
	t.Helper()
	graph := NewMemoryGraph()
	if err := Bootstrap(context.Background(), graph); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sink := &recordingSink{}
	mgr := NewManager(graph, sink, nil)
	inv := &recordingInvalidator{}
	mgr.Subscribe(inv)
	return mgr, sink, inv
}

func TestEnsureAgentIdempotent(t *testing.T) {
	ctx := context.Background()
	graph := NewMemoryGraph()

	agent := Agent{AgentID: "L", Designation: "L", Role: "operations", Status: "active"}
	if err := graph.EnsureAgent(ctx, agent); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	// Second ensure from a different subsystem must merge, not duplicate.
	if err := graph.EnsureAgent(ctx, Agent{AgentID: "L", Mission: "tool graph view"}); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	state, err := graph.LoadAgentState(ctx, "L")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Agent.Designation != "L" || state.Agent.Mission != "tool graph view" {
		t.Errorf("merge lost fields: %+v", state.Agent)
	}
}

func TestAddDirectiveApprovalGate(t *testing.T) {
	tests := []struct {
		name     string
		severity Severity
		approved bool
		wantErr  error
	}{
		{"low without approval", SeverityLow, false, nil},
		{"medium without approval", SeverityMedium, false, nil},
		{"high without approval", SeverityHigh, false, ErrApprovalRequired},
		{"critical without approval", SeverityCritical, false, ErrApprovalRequired},
		{"high with approval", SeverityHigh, true, nil},
		{"critical with approval", SeverityCritical, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, _, _ := bootstrappedManager(t)
			ctx := context.Background()

			before, err := mgr.LoadAgentState(ctx, "L")
			if err != nil {
				t.Fatalf("load before: %v", err)
			}

			err = mgr.AddDirective(ctx, "L", Directive{
				Text:     "test directive",
				Severity: tt.severity,
			}, tt.approved)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				after, _ := mgr.LoadAgentState(ctx, "L")
				if len(after.Directives) != len(before.Directives) {
					t.Error("rejected mutation must not create a directive node")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			after, _ := mgr.LoadAgentState(ctx, "L")
			if len(after.Directives) != len(before.Directives)+1 {
				t.Error("directive was not added")
			}
		})
	}
}

func TestUpdateResponsibilityOnlyDescription(t *testing.T) {
	mgr, _, _ := bootstrappedManager(t)
	ctx := context.Background()

	if err := mgr.UpdateResponsibility(ctx, "L", "research_execution", "refreshed"); err != nil {
		t.Fatalf("update: %v", err)
	}

	state, _ := mgr.LoadAgentState(ctx, "L")
	found := false
	for _, r := range state.Responsibilities {
		if r.Title == "research_execution" {
			found = true
			if r.Description != "refreshed" {
				t.Errorf("description = %q", r.Description)
			}
			if r.Priority != 0 {
				t.Errorf("priority changed: %d", r.Priority)
			}
		}
	}
	if !found {
		t.Fatal("responsibility lost")
	}

	err := mgr.UpdateResponsibility(ctx, "L", "does_not_exist", "x")
	if !errors.Is(err, ErrResponsibilityNotFound) {
		t.Errorf("error = %v, want ErrResponsibilityNotFound", err)
	}
}

func TestAddSOPStepAppendsAtTailAndAudits(t *testing.T) {
	mgr, sink, inv := bootstrappedManager(t)
	ctx := context.Background()

	before, _ := mgr.LoadAgentState(ctx, "L")
	stepsBefore := len(before.SOPByName("code_deployment").Steps)

	if err := mgr.AddSOPStep(ctx, "L", "code_deployment", "Run smoke tests"); err != nil {
		t.Fatalf("add sop step: %v", err)
	}

	after, _ := mgr.LoadAgentState(ctx, "L")
	steps := after.SOPByName("code_deployment").Steps
	if len(steps) != stepsBefore+1 {
		t.Fatalf("step count = %d, want %d", len(steps), stepsBefore+1)
	}
	if steps[len(steps)-1] != "Run smoke tests" {
		t.Errorf("step not at tail: %v", steps)
	}

	// The self-modify audit packet and cache invalidation follow.
	if len(sink.packets) != 1 {
		t.Fatalf("audit packets = %d, want 1", len(sink.packets))
	}
	p := sink.packets[0]
	if p.PacketType != packet.TypeAgentSelfModify {
		t.Errorf("packet type = %s", p.PacketType)
	}
	if p.Payload["action"] != "add_sop_step" {
		t.Errorf("action = %v", p.Payload["action"])
	}
	if !p.Immutable() {
		t.Error("self-modify audit packet must be immutable")
	}
	if len(inv.ids) != 1 || inv.ids[0] != "L" {
		t.Errorf("invalidations = %v, want [L]", inv.ids)
	}
}

func TestRejectedMutationEmitsNoAudit(t *testing.T) {
	mgr, sink, inv := bootstrappedManager(t)

	err := mgr.AddDirective(context.Background(), "L", Directive{
		Text:     "escalate everything",
		Severity: SeverityCritical,
	}, false)
	if !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("error = %v", err)
	}
	if len(sink.packets) != 0 {
		t.Error("rejected mutation must not audit")
	}
	if len(inv.ids) != 0 {
		t.Error("rejected mutation must not invalidate")
	}
}

func TestLoadAgentStateUnknown(t *testing.T) {
	mgr, _, _ := bootstrappedManager(t)
	_, err := mgr.LoadAgentState(context.Background(), "ghost")
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("error = %v, want ErrAgentNotFound", err)
	}
}

func TestBootstrapIdempotent(t *testing.T) {
	ctx := context.Background()
	graph := NewMemoryGraph()

	if err := Bootstrap(ctx, graph); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if err := Bootstrap(ctx, graph); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	state, err := graph.LoadAgentState(ctx, "L")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(state.CriticalDirectives()); got != 2 {
		t.Errorf("critical directives = %d, want 2", got)
	}
	if state.SupervisorID != RootAgentID {
		t.Errorf("supervisor = %q", state.SupervisorID)
	}
}
