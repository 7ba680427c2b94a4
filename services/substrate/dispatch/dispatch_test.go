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

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/store"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/telemetry"
)

type allowAll struct{}

func (allowAll) Evaluate(context.Context, Request) Decision {
	return Decision{Verdict: VerdictAllow}
}

func echoTool(id string, params ...ParamDef) Tool {
	return &FuncTool{
		ToolID: id,
		Desc:   "echoes its arguments",
		Params: params,
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

// harness wires a dispatcher onto the in-memory store so the audit
// dual channel is observable.
func harness(t *testing.T) (*Dispatcher, *store.MemoryStore, *telemetry.Metrics) {
	t.Helper()
	mem := store.NewMemoryStore(nil)
	metrics := telemetry.New()
	registry := NewRegistry()
	audit := NewAuditWorker(mem, mem, metrics, 16, 1, nil)
	t.Cleanup(audit.Close)
	d := NewDispatcher(registry, audit, metrics, nil, time.Second, nil)
	return d, mem, metrics
}

func drainAudit(d *Dispatcher) {
	d.audit.Close()
}

func TestDispatchHighRiskToolLogsAudit(t *testing.T) {
	d, mem, metrics := harness(t)
	require.NoError(t, d.Registry().Register(echoTool("gmp_run")))

	res, err := d.Dispatch(context.Background(), "gmp_run",
		map[string]any{"plan": "deploy"},
		Context{AgentID: "L", Governance: allowAll{}, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.ToolInvocationTotal.WithLabelValues("gmp_run", "success")))

	drainAudit(d)
	packets, err := mem.FindByType(context.Background(), packet.TypeToolAudit, "L", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	p := packets[0]
	assert.Equal(t, "gmp_run", p.Payload["tool_id"])
	assert.Equal(t, "L", p.Payload["agent_id"])
	for _, tag := range []string{"tool:gmp_run", "agent:L", "status:success"} {
		assert.True(t, p.HasTag(tag), "missing tag %s", tag)
	}
	assert.True(t, p.Immutable(), "audit packets are immutable")
	require.NotNil(t, p.Confidence)
	assert.Equal(t, 1.0, p.Confidence.Score)

	// The dedicated row cross-references the packet by call_id.
	row, err := mem.GetToolAudit(context.Background(), res.CallID)
	require.NoError(t, err)
	assert.Equal(t, p.PacketID, row.PacketID)
	assert.Equal(t, StatusSuccess, row.Status)
}

func TestDispatchRedactsSensitiveArguments(t *testing.T) {
	d, mem, _ := harness(t)
	require.NoError(t, d.Registry().Register(echoTool("file_read")))

	_, err := d.Dispatch(context.Background(), "file_read",
		map[string]any{"path": "/x", "api_key": "sk-ABC"},
		Context{AgentID: "L"})
	require.NoError(t, err)

	drainAudit(d)
	packets, err := mem.FindByType(context.Background(), packet.TypeToolAudit, "L", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	args, ok := packets[0].Payload["arguments"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/x", args["path"])
	assert.Equal(t, Redacted, args["api_key"])
}

func TestDispatchDeniedWithoutApproval(t *testing.T) {
	d, mem, metrics := harness(t)
	invoked := false
	require.NoError(t, d.Registry().Register(&FuncTool{
		ToolID: "git_push",
		Fn: func(context.Context, map[string]any) (any, error) {
			invoked = true
			return nil, nil
		},
	}))

	res, err := d.Dispatch(context.Background(), "git_push", nil,
		Context{AgentID: "L", Governance: ApprovalGovernance{}})

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "git_push", denied.ToolID)
	assert.Equal(t, StatusDenied, res.Status)
	assert.False(t, invoked, "denied tool must never execute")

	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.ToolInvocationTotal.WithLabelValues("git_push", "denied")))

	// Denials are audited like every other terminal status.
	drainAudit(d)
	packets, _ := mem.FindByType(context.Background(), packet.TypeToolAudit, "L", time.Time{}, 10)
	require.Len(t, packets, 1)
	assert.Equal(t, StatusDenied, packets[0].Payload["status"])
}

func TestDispatchTimeout(t *testing.T) {
	d, _, metrics := harness(t)
	require.NoError(t, d.Registry().Register(&FuncTool{
		ToolID: "search",
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	res, err := d.Dispatch(context.Background(), "search", nil,
		Context{AgentID: "L", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Contains(t, res.Error, "timeout")

	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.ToolInvocationTotal.WithLabelValues("search", "timeout")))
}

func TestDispatchMissingRequiredArgument(t *testing.T) {
	d, _, _ := harness(t)
	require.NoError(t, d.Registry().Register(echoTool("file_read",
		ParamDef{Name: "path", Type: "string", Required: true})))

	res, err := d.Dispatch(context.Background(), "file_read",
		map[string]any{}, Context{AgentID: "L"})
	require.ErrorIs(t, err, ErrMissingArgument)
	assert.Equal(t, StatusFailure, res.Status)
}

func TestDispatchUnknownToolFailsAtExecution(t *testing.T) {
	d, _, _ := harness(t)

	_, err := d.Dispatch(context.Background(), "quantum_leap", nil, Context{AgentID: "L"})
	require.ErrorIs(t, err, ErrToolNotFound)
}

func TestDispatchEmptyToolID(t *testing.T) {
	d, _, _ := harness(t)
	_, err := d.Dispatch(context.Background(), "", nil, Context{})
	require.ErrorIs(t, err, ErrEmptyToolID)
}

func TestGovernancePanicBecomesDenial(t *testing.T) {
	d, _, _ := harness(t)
	require.NoError(t, d.Registry().Register(echoTool("file_read")))

	panicking := &FuncGovernance{fn: func(Request) Decision { panic("broken policy") }}
	res, err := d.Dispatch(context.Background(), "file_read", nil,
		Context{AgentID: "L", Governance: panicking})

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, StatusDenied, res.Status)
}

// FuncGovernance adapts a function for tests.
type FuncGovernance struct {
	fn func(Request) Decision
}

func (g *FuncGovernance) Evaluate(_ context.Context, req Request) Decision { return g.fn(req) }

func TestClassifySafetySets(t *testing.T) {
	tests := []struct {
		toolID           string
		dangerous        bool
		requiresApproval bool
		known            bool
	}{
		{"file_read", false, false, true},
		{"file_write", true, false, true},
		{"gmp_run", true, true, true},
		{"deploy", false, true, true},
		{"never_heard_of_it", false, true, false},
	}
	for _, tt := range tests {
		c := ClassifySafety(tt.toolID)
		if c.Dangerous != tt.dangerous || c.RequiresApproval != tt.requiresApproval || c.Known != tt.known {
			t.Errorf("%s: %+v", tt.toolID, c)
		}
	}
}

func TestSanitizeRecursion(t *testing.T) {
	long := strings.Repeat("a", 600)
	args := map[string]any{
		"password": "hunter2",
		"nested": map[string]any{
			"Github_Token": "ghp_xyz",
			"note":         long,
		},
		"list": []any{map[string]any{"secret_sauce": "x"}, "plain"},
		"n":    42,
	}

	out := Sanitize(args)

	assert.Equal(t, Redacted, out["password"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, Redacted, nested["Github_Token"])
	note := nested["note"].(string)
	assert.True(t, strings.HasSuffix(note, truncatedSuffix))
	assert.Len(t, note, maxStringLen+len(truncatedSuffix))
	list := out["list"].([]any)
	assert.Equal(t, Redacted, list[0].(map[string]any)["secret_sauce"])
	assert.Equal(t, 42, out["n"])

	// Source map untouched.
	assert.Equal(t, "hunter2", args["password"])
}

func TestAuditQueueFullDropsWithCounter(t *testing.T) {
	metrics := telemetry.New()
	blocked := make(chan struct{})
	slowSink := &blockingSink{release: blocked}
	w := NewAuditWorker(slowSink, nil, metrics, 1, 1, nil)

	job := auditJob{result: &Result{CallID: "c", ToolID: "search", Status: StatusSuccess}}
	w.enqueue(job) // taken by the worker, blocks in Insert
	// Give the single worker a beat to pull the first job off the queue.
	time.Sleep(50 * time.Millisecond)
	w.enqueue(job) // fills the queue
	w.enqueue(job) // dropped

	if got := testutil.ToFloat64(metrics.AuditDroppedTotal); got != 1 {
		t.Errorf("dropped counter = %v, want 1", got)
	}
	close(blocked)
	w.Close()
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Insert(_ context.Context, p *packet.Packet) (string, error) {
	<-s.release
	return p.PacketID, nil
}

func TestAuditPacketShape(t *testing.T) {
	job := auditJob{
		result: &Result{
			CallID:     "call-1",
			ToolID:     "gmp_run",
			Status:     StatusFailure,
			Error:      strings.Repeat("e", 600),
			DurationMs: 120,
		},
		agentID:   "L",
		taskID:    "task-9",
		threadID:  "thread-9",
		traceID:   "abc123",
		arguments: map[string]any{"plan": "deploy"},
		startedAt: time.Now().UTC(),
	}

	p := buildAuditPacket(job)
	require.NoError(t, p.Validate())
	assert.Equal(t, packet.TypeToolAudit, p.PacketType)
	assert.Equal(t, "task-9", p.Payload["task_id"])
	assert.LessOrEqual(t, len(p.Payload["error"].(string)), errorLen+len(truncatedSuffix))
	assert.Equal(t, "abc123", p.TraceID())
	assert.NotNil(t, p.TTL)
	assert.Equal(t, "dispatch", p.Provenance.Source)
}

func TestDispatchErrorPropagates(t *testing.T) {
	d, _, _ := harness(t)
	boom := errors.New("disk full")
	require.NoError(t, d.Registry().Register(&FuncTool{
		ToolID: "file_write",
		Fn:     func(context.Context, map[string]any) (any, error) { return nil, boom },
	}))

	res, err := d.Dispatch(context.Background(), "file_write",
		map[string]any{"path": "/tmp/x"}, Context{AgentID: "L"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, "disk full", res.Error)
}
