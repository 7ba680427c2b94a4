// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSubstrate/services/llm"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/config"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/dispatch"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/observability"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

const plannerOneStep = `{"refined_goal": "Assess cache hit rates",
 "steps": [{"step_id": "step-1", "agent": "researcher",
            "description": "Measure cache behavior",
            "query": "cache hit rate analysis", "tools": []}]}`

const synthesisPlain = `{"content": "Hit rates degrade past 10k keys.",
 "confidence": 0.8, "key_facts": ["degradation at 10k"],
 "sources": ["bench"], "gaps": []}`

const criticPass = `{"score": 0.9, "feedback": "solid", "approved": true}`

// newTestService wires a lightweight process in temp dirs.
func newTestService(t *testing.T) *Service {
	t.Helper()

	settings := config.Defaults()
	settings.Substrate.KernelDir = t.TempDir()
	settings.Substrate.LedgerDir = t.TempDir()
	settings.Observability.Enabled = false
	settings.Observability.Exporters = nil

	svc, err := New(context.Background(), settings)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })

	mock := svc.Chat.(*llm.MockChat)
	mock.SetResponse(llm.ModePlanner, plannerOneStep)
	mock.SetResponse(llm.ModeSynthesis, synthesisPlain)
	mock.SetResponse(llm.ModeCritic, criticPass)
	return svc
}

func dispatchContext() dispatch.Context {
	return dispatch.Context{AgentID: "L", ThreadID: "test-thread"}
}

// closeNotifyRecorder adds the http.CloseNotifier method gin's
// Context.Stream requires, which httptest.ResponseRecorder lacks.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
}

func (closeNotifyRecorder) CloseNotify() <-chan bool { return make(chan bool) }

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(closeNotifyRecorder{w}, req)
	return w
}

func TestLightweightServiceWires(t *testing.T) {
	svc := newTestService(t)

	assert.True(t, svc.Settings.Lightweight())
	assert.NotNil(t, svc.Packets)
	assert.NotNil(t, svc.Graph)
	assert.NotNil(t, svc.Hydrator)
	assert.NotNil(t, svc.Dispatcher)
	assert.NotNil(t, svc.Research)
	assert.NotNil(t, svc.Kernels)
	assert.True(t, svc.Kernels.Activated())

	kernelStatus, ok := svc.Registry.Get("kernel")
	require.True(t, ok)
	assert.True(t, kernelStatus.Initialized)
}

func TestErrorSpansTripBreakersThroughWiring(t *testing.T) {
	svc := newTestService(t)
	require.NotNil(t, svc.Breakers)

	assert.Equal(t, gobreaker.StateClosed, svc.Breakers.State("gmp_run"))

	for i := 0; i < svc.Settings.Observability.CircuitBreakerThreshold; i++ {
		_, span := svc.Obs.StartTrace(context.Background(), "tool.gmp_run", observability.KindInternal)
		span.SetToolCall("gmp_run", "", "")
		span.FinishError(errors.New("exit status 1"))
	}

	assert.Equal(t, gobreaker.StateOpen, svc.Breakers.State("gmp_run"))

	_, span := svc.Obs.StartTrace(context.Background(), "tool.file_read", observability.KindInternal)
	span.SetToolCall("file_read", "/tmp/x", "")
	span.FinishOK()
	assert.Equal(t, gobreaker.StateClosed, svc.Breakers.State("file_read"))
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestModulesStatusEndpoint(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	w := doJSON(t, router, http.MethodGet, "/modules/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count   int `json:"count"`
		Modules []struct {
			ModuleID    string `json:"module_id"`
			Initialized bool   `json:"initialized"`
		} `json:"modules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, resp.Count, len(resp.Modules))
	require.NotEmpty(t, resp.Modules)
	for i := 1; i < len(resp.Modules); i++ {
		assert.Less(t, resp.Modules[i-1].ModuleID, resp.Modules[i].ModuleID)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	w := doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
}

func TestResearchRunAndStatusOverHTTP(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	w := doJSON(t, router, http.MethodPost, "/research/run", map[string]string{
		"query": "How do cache hit rates behave at scale?",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		ThreadID string `json:"thread_id"`
		Result   struct {
			FinalSummary string `json:"final_summary"`
			Next         string `json:"next"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ThreadID)
	assert.Equal(t, "end", resp.Result.Next)
	assert.NotEmpty(t, resp.Result.FinalSummary)

	w = doJSON(t, router, http.MethodGet, "/research/"+resp.ThreadID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var summary struct {
		ThreadID    string  `json:"thread_id"`
		CriticScore float64 `json:"critic_score"`
		HasOutput   bool    `json:"has_output"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, resp.ThreadID, summary.ThreadID)
	assert.Equal(t, 0.9, summary.CriticScore)
	assert.True(t, summary.HasOutput)
}

func TestResearchRunRejectsMissingQuery(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	w := doJSON(t, router, http.MethodPost, "/research/run", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResearchResumeUnknownThreadIs404(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	w := doJSON(t, router, http.MethodPost, "/research/resume", map[string]string{
		"thread_id": "no-such-thread",
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "NO_CHECKPOINT", resp.Code)
}

func TestResearchRunStreamsSSE(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	w := doJSON(t, router, http.MethodPost, "/research/run?stream=true", map[string]string{
		"query": "streaming behavior",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	body := w.Body.String()
	assert.Contains(t, body, "event:node")
	assert.Contains(t, body, "planning_node")
	assert.Contains(t, body, "event:result")
}

func TestComplianceEndpoints(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	p := packet.New(packet.TypeToolAudit, map[string]any{
		"tool_id": "gmp_run", "agent_id": "L", "status": "ok",
	})
	_, err := svc.Packets.Insert(context.Background(), p)
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/compliance/report", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report struct {
		TotalPackets int `json:"total_packets"`
		Violations   []struct {
			Type   string `json:"type"`
			ToolID string `json:"tool_id"`
		} `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.GreaterOrEqual(t, report.TotalPackets, 1)
	require.NotEmpty(t, report.Violations)
	assert.Equal(t, "unapproved_high_risk", report.Violations[0].Type)

	w = doJSON(t, router, http.MethodGet, "/compliance/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(w.Body.String()), "["))

	w = doJSON(t, router, http.MethodGet, "/compliance/report?from=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatchThroughWiredService(t *testing.T) {
	svc := newTestService(t)

	result, err := svc.Dispatcher.Dispatch(context.Background(), "health_check", nil, dispatchContext())
	require.NoError(t, err)
	assert.Equal(t, "health_check", result.ToolID)
}

func TestSemanticToolsRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Dispatcher.Dispatch(ctx, "memory_store", map[string]any{
		"text": "redis fallback cache keeps last-known-good context",
	}, dispatchContext())
	require.NoError(t, err)

	result, err := svc.Dispatcher.Dispatch(ctx, "search", map[string]any{
		"query": "fallback cache",
	}, dispatchContext())
	require.NoError(t, err)

	value, ok := result.Value.(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, value["matches"])
}

func TestPrunerRunNowOnWiredService(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := packet.New(packet.TypeSessionContext, map[string]any{"k": "v"})
	p.SetTTL(time.Now().Add(-time.Minute))
	_, err := svc.Packets.Insert(ctx, p)
	require.NoError(t, err)

	removed, err := svc.Pruner.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
