// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.RecordWrite(packet.TypeToolAudit, "success", 0.01)
	m.RecordSearch(packet.TypeSessionContext, "semantic", 3)
	m.RecordToolInvocation("file_read", "success", 12)
	m.SetHealthy(true)
	m.SetStoreSize(packet.TypeInsight, 10)
	m.RecordSpanDropped()
	m.RecordAuditDropped()

	if m.Handler() != nil {
		t.Error("nil metrics should return nil handler")
	}
}

func TestRecordToolInvocation(t *testing.T) {
	m := New()

	m.RecordToolInvocation("gmp_run", "success", 42)

	got := testutil.ToFloat64(m.ToolInvocationTotal.WithLabelValues("gmp_run", "success"))
	if got != 1 {
		t.Errorf("tool_invocation_total = %v, want 1", got)
	}

	count := testutil.CollectAndCount(m.ToolInvocationDuration)
	if count != 1 {
		t.Errorf("duration histogram series = %d, want 1", count)
	}
}

func TestUnknownToolIDRelabeled(t *testing.T) {
	m := New()

	m.RecordToolInvocation("totally_made_up_tool", "failure", 5)

	got := testutil.ToFloat64(m.ToolInvocationTotal.WithLabelValues("unknown", "failure"))
	if got != 1 {
		t.Errorf("unknown tool label count = %v, want 1", got)
	}
}

func TestRegisterToolIDExtendsClosedSet(t *testing.T) {
	m := New()

	RegisterToolID("custom_probe")
	m.RecordToolInvocation("custom_probe", "success", 3)

	got := testutil.ToFloat64(m.ToolInvocationTotal.WithLabelValues("custom_probe", "success"))
	if got != 1 {
		t.Errorf("registered tool count = %v, want 1", got)
	}
}

func TestRecordWriteAndSearch(t *testing.T) {
	m := New()

	m.RecordWrite(packet.TypeToolAudit, "success", 0.002)
	m.RecordWrite(packet.Type("bogus_segment"), "failure", 0.001)
	m.RecordSearch(packet.TypeSessionContext, "semantic", 5)

	if got := testutil.ToFloat64(m.MemoryWriteTotal.WithLabelValues("tool_audit", "success")); got != 1 {
		t.Errorf("write total tool_audit = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MemoryWriteTotal.WithLabelValues("unknown", "failure")); got != 1 {
		t.Errorf("write total unknown = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MemorySearchTotal.WithLabelValues("session_context", "semantic")); got != 1 {
		t.Errorf("search total = %v, want 1", got)
	}
}

func TestHealthGauge(t *testing.T) {
	m := New()

	m.SetHealthy(true)
	if got := testutil.ToFloat64(m.SubstrateHealthy); got != 1 {
		t.Errorf("healthy gauge = %v, want 1", got)
	}

	m.SetHealthy(false)
	if got := testutil.ToFloat64(m.SubstrateHealthy); got != 0 {
		t.Errorf("healthy gauge = %v, want 0", got)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.RecordToolInvocation("file_read", "success", 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics exposition is empty")
	}
}
