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
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jStore is the production Store. Sessions are acquired per
// operation and closed on all exit paths; long-running transactions are
// forbidden by construction (every operation is one managed
// transaction).
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	logger *slog.Logger
}

// NewNeo4jStore connects the bolt driver and verifies connectivity.
func NewNeo4jStore(ctx context.Context, uri, user, password string, logger *slog.Logger) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Neo4jStore{driver: driver, logger: logger}, nil
}

// EnsureAgent implements Store. MERGE on agent_id keeps the tool graph
// and the agent state graph on a single node per id; non-empty incoming
// fields refresh the node.
func (s *Neo4jStore) EnsureAgent(ctx context.Context, agent Agent) error {
	return s.write(ctx, `
		MERGE (a:Agent {agent_id: $agent_id})
		SET a.designation = CASE WHEN $designation = '' THEN coalesce(a.designation, '') ELSE $designation END,
		    a.role        = CASE WHEN $role = '' THEN coalesce(a.role, '') ELSE $role END,
		    a.mission     = CASE WHEN $mission = '' THEN coalesce(a.mission, '') ELSE $mission END,
		    a.authority_level = CASE WHEN $authority_level = 0 THEN coalesce(a.authority_level, 0) ELSE $authority_level END,
		    a.status      = CASE WHEN $status = '' THEN coalesce(a.status, 'active') ELSE $status END`,
		map[string]any{
			"agent_id":        agent.AgentID,
			"designation":     agent.Designation,
			"role":            agent.Role,
			"mission":         agent.Mission,
			"authority_level": agent.AuthorityLevel,
			"status":          agent.Status,
		}, -1)
}

// LoadAgentState implements Store: the agent node and all children in
// one round trip.
func (s *Neo4jStore) LoadAgentState(ctx context.Context, agentID string) (*AgentState, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Agent {agent_id: $agent_id})
			OPTIONAL MATCH (a)-[:HAS_RESPONSIBILITY]->(r:Responsibility)
			WITH a, collect(DISTINCT r {.title, .description, .priority}) AS responsibilities
			OPTIONAL MATCH (a)-[:HAS_DIRECTIVE]->(d:Directive)
			WITH a, responsibilities, collect(DISTINCT d {.text, .context_category, .severity, .created_by}) AS directives
			OPTIONAL MATCH (a)-[:HAS_SOP]->(sop:SOP)
			WITH a, responsibilities, directives, collect(DISTINCT sop {.name, .steps}) AS sops
			OPTIONAL MATCH (a)-[:CAN_EXECUTE]->(t:Tool)
			WITH a, responsibilities, directives, sops,
			     collect(DISTINCT t {.name, .risk_level, .requires_approval, .approval_source}) AS tools
			OPTIONAL MATCH (a)-[:REPORTS_TO]->(sup:Agent)
			OPTIONAL MATCH (a)-[:COLLABORATES_WITH]->(c:Agent)
			RETURN a {.*} AS agent, responsibilities, directives, sops, tools,
			       sup.agent_id AS supervisor_id,
			       collect(DISTINCT c.agent_id) AS collaborator_ids`,
			map[string]any{"agent_id": agentID})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return record, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	record := result.(*neo4j.Record)
	state := &AgentState{}

	if agentMap, ok := value[map[string]any](record, "agent"); ok {
		state.Agent = Agent{
			AgentID:        str(agentMap, "agent_id"),
			Designation:    str(agentMap, "designation"),
			Role:           str(agentMap, "role"),
			Mission:        str(agentMap, "mission"),
			AuthorityLevel: integer(agentMap, "authority_level"),
			Status:         str(agentMap, "status"),
		}
	}
	for _, item := range list(record, "responsibilities") {
		state.Responsibilities = append(state.Responsibilities, Responsibility{
			Title:       str(item, "title"),
			Description: str(item, "description"),
			Priority:    integer(item, "priority"),
		})
	}
	for _, item := range list(record, "directives") {
		state.Directives = append(state.Directives, Directive{
			Text:            str(item, "text"),
			ContextCategory: str(item, "context_category"),
			Severity:        ParseSeverity(str(item, "severity")),
			CreatedBy:       str(item, "created_by"),
		})
	}
	for _, item := range list(record, "sops") {
		state.SOPs = append(state.SOPs, SOP{
			Name:  str(item, "name"),
			Steps: strSlice(item["steps"]),
		})
	}
	for _, item := range list(record, "tools") {
		state.Tools = append(state.Tools, ToolGrant{
			Name:             str(item, "name"),
			RiskLevel:        RiskLevel(str(item, "risk_level")),
			RequiresApproval: boolean(item, "requires_approval"),
			ApprovalSource:   str(item, "approval_source"),
		})
	}
	if sup, ok := value[string](record, "supervisor_id"); ok {
		state.SupervisorID = sup
	}
	if ids, ok := value[[]any](record, "collaborator_ids"); ok {
		for _, id := range ids {
			if sid, ok := id.(string); ok && sid != "" {
				state.CollaboratorIDs = append(state.CollaboratorIDs, sid)
			}
		}
	}
	return state, nil
}

// AddDirective implements Store.
func (s *Neo4jStore) AddDirective(ctx context.Context, agentID string, d Directive) error {
	return s.write(ctx, `
		MATCH (a:Agent {agent_id: $agent_id})
		CREATE (dir:Directive {text: $text, context_category: $context_category,
		                       severity: $severity, created_by: $created_by})
		CREATE (a)-[:HAS_DIRECTIVE]->(dir)
		RETURN count(dir) AS n`,
		map[string]any{
			"agent_id":         agentID,
			"text":             d.Text,
			"context_category": d.ContextCategory,
			"severity":         string(d.Severity),
			"created_by":       d.CreatedBy,
		}, 1)
}

// UpdateResponsibility implements Store. The SET touches only the
// description property; title and priority never change.
func (s *Neo4jStore) UpdateResponsibility(ctx context.Context, agentID, title, newDescription string) error {
	err := s.write(ctx, `
		MATCH (a:Agent {agent_id: $agent_id})-[:HAS_RESPONSIBILITY]->(r:Responsibility {title: $title})
		SET r.description = $description
		RETURN count(r) AS n`,
		map[string]any{"agent_id": agentID, "title": title, "description": newDescription}, 1)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrResponsibilityNotFound, title)
	}
	return nil
}

// AddSOPStep implements Store.
func (s *Neo4jStore) AddSOPStep(ctx context.Context, agentID, sopName, step string) error {
	err := s.write(ctx, `
		MATCH (a:Agent {agent_id: $agent_id})-[:HAS_SOP]->(sop:SOP {name: $name})
		SET sop.steps = sop.steps + $step
		RETURN count(sop) AS n`,
		map[string]any{"agent_id": agentID, "name": sopName, "step": step}, 1)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSOPNotFound, sopName)
	}
	return nil
}

// Seed implements Store. Every child MERGE is keyed on its unique
// property so the bootstrap converges instead of duplicating.
func (s *Neo4jStore) Seed(ctx context.Context, state *AgentState) error {
	if state == nil || state.Agent.AgentID == "" {
		return fmt.Errorf("%w: seed without agent_id", ErrInvalidMutation)
	}
	if err := s.EnsureAgent(ctx, state.Agent); err != nil {
		return err
	}

	agentID := state.Agent.AgentID
	for _, r := range state.Responsibilities {
		if err := s.write(ctx, `
			MATCH (a:Agent {agent_id: $agent_id})
			MERGE (a)-[:HAS_RESPONSIBILITY]->(r:Responsibility {title: $title})
			SET r.description = $description, r.priority = $priority`,
			map[string]any{"agent_id": agentID, "title": r.Title, "description": r.Description, "priority": r.Priority}, -1); err != nil {
			return err
		}
	}
	for _, d := range state.Directives {
		if err := s.write(ctx, `
			MATCH (a:Agent {agent_id: $agent_id})
			MERGE (a)-[:HAS_DIRECTIVE]->(dir:Directive {text: $text})
			SET dir.context_category = $context_category, dir.severity = $severity, dir.created_by = $created_by`,
			map[string]any{"agent_id": agentID, "text": d.Text, "context_category": d.ContextCategory,
				"severity": string(d.Severity), "created_by": d.CreatedBy}, -1); err != nil {
			return err
		}
	}
	for _, sop := range state.SOPs {
		if err := s.write(ctx, `
			MATCH (a:Agent {agent_id: $agent_id})
			MERGE (a)-[:HAS_SOP]->(sop:SOP {name: $name})
			SET sop.steps = $steps`,
			map[string]any{"agent_id": agentID, "name": sop.Name, "steps": sop.Steps}, -1); err != nil {
			return err
		}
	}
	for _, t := range state.Tools {
		if err := s.write(ctx, `
			MATCH (a:Agent {agent_id: $agent_id})
			MERGE (t:Tool {name: $name})
			SET t.risk_level = $risk_level, t.requires_approval = $requires_approval,
			    t.approval_source = $approval_source
			MERGE (a)-[:CAN_EXECUTE]->(t)`,
			map[string]any{"agent_id": agentID, "name": t.Name, "risk_level": string(t.RiskLevel),
				"requires_approval": t.RequiresApproval, "approval_source": t.ApprovalSource}, -1); err != nil {
			return err
		}
	}
	if state.SupervisorID != "" {
		if err := s.write(ctx, `
			MATCH (a:Agent {agent_id: $agent_id})
			MERGE (sup:Agent {agent_id: $supervisor_id})
			MERGE (a)-[:REPORTS_TO]->(sup)`,
			map[string]any{"agent_id": agentID, "supervisor_id": state.SupervisorID}, -1); err != nil {
			return err
		}
	}
	for _, collaborator := range state.CollaboratorIDs {
		if err := s.write(ctx, `
			MATCH (a:Agent {agent_id: $agent_id})
			MERGE (c:Agent {agent_id: $collaborator_id})
			MERGE (a)-[:COLLABORATES_WITH]->(c)`,
			map[string]any{"agent_id": agentID, "collaborator_id": collaborator}, -1); err != nil {
			return err
		}
	}
	return nil
}

// Ping implements Store.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Close implements Store.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// write runs one write query in its own session. wantRows > 0 demands
// that many returned rows (used to detect missing MATCH targets).
func (s *Neo4jStore) write(ctx context.Context, query string, params map[string]any, wantRows int64) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		if wantRows <= 0 {
			_, err = res.Consume(ctx)
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := record.Get("n")
		if count, ok := n.(int64); !ok || count < wantRows {
			return nil, ErrAgentNotFound
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph write: %w", err)
	}
	return nil
}

func value[T any](record *neo4j.Record, key string) (T, bool) {
	var zero T
	raw, ok := record.Get(key)
	if !ok || raw == nil {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

func list(record *neo4j.Record, key string) []map[string]any {
	raw, ok := value[[]any](record, key)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok && len(m) > 0 {
			out = append(out, m)
		}
	}
	return out
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func integer(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func boolean(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func strSlice(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var _ Store = (*Neo4jStore)(nil)
