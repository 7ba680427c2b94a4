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
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/compliance"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/graphstate"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/modules"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/research"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/store"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/telemetry"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// Handlers contains the HTTP handlers for the substrate boundary.
type Handlers struct {
	research *research.Orchestrator
	reporter *compliance.Reporter
	registry *modules.Registry
	metrics  *telemetry.Metrics
	packets  store.PacketStore
	graph    *graphstate.Manager
	logger   *slog.Logger
}

// NewHandlers wires the handler set. Any component may be nil; the
// corresponding endpoints then answer 503.
func NewHandlers(orc *research.Orchestrator, reporter *compliance.Reporter, registry *modules.Registry, metrics *telemetry.Metrics, packets store.PacketStore, graph *graphstate.Manager, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		research: orc,
		reporter: reporter,
		registry: registry,
		metrics:  metrics,
		packets:  packets,
		graph:    graph,
		logger:   logger,
	}
}

// HandleResearchRun handles POST /research/run.
//
// Runs a research request to completion and returns the final state.
// With ?stream=true the response is an SSE stream of node transitions
// followed by a terminal result or error event.
func (h *Handlers) HandleResearchRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleResearchRun")

	if h.research == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "research orchestrator not configured", Code: "NOT_CONFIGURED"})
		return
	}

	var req research.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	if c.Query("stream") == "true" {
		h.streamResearch(c, req, logger)
		return
	}

	state, err := h.research.Run(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, research.ErrEmptyQuery) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "query is required", Code: "INVALID_REQUEST"})
			return
		}
		logger.Error("Research run failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "research run failed", Code: "RESEARCH_FAILED", Details: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"thread_id": state.ThreadID, "result": state})
}

// streamResearch runs the request with a per-call event channel and
// writes each node transition as one SSE event. A terminal "result" or
// "error" event closes the stream.
func (h *Handlers) streamResearch(c *gin.Context, req research.Request, logger *slog.Logger) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	type outcome struct {
		state *research.State
		err   error
	}
	events := make(chan research.NodeEvent, 16)
	done := make(chan outcome, 1)

	go func() {
		state, err := h.research.RunWithEvents(c.Request.Context(), req, events)
		close(events)
		done <- outcome{state: state, err: err}
	}()

	c.Stream(func(_ io.Writer) bool {
		ev, ok := <-events
		if !ok {
			out := <-done
			if out.err != nil {
				logger.Error("Streamed research run failed", "error", out.err)
				c.SSEvent("error", ErrorResponse{Error: out.err.Error(), Code: "RESEARCH_FAILED"})
				return false
			}
			c.SSEvent("result", gin.H{"thread_id": out.state.ThreadID, "result": out.state})
			return false
		}
		c.SSEvent("node", ev)
		return true
	})
}

// HandleResearchResume handles POST /research/resume.
func (h *Handlers) HandleResearchResume(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleResearchResume")

	if h.research == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "research orchestrator not configured", Code: "NOT_CONFIGURED"})
		return
	}

	var req struct {
		ThreadID string `json:"thread_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "thread_id is required", Code: "INVALID_REQUEST"})
		return
	}

	state, err := h.research.Resume(c.Request.Context(), req.ThreadID)
	if err != nil {
		if errors.Is(err, research.ErrNoCheckpoint) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "no_checkpoint", Code: "NO_CHECKPOINT", Details: req.ThreadID})
			return
		}
		logger.Error("Research resume failed", "thread_id", req.ThreadID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "research resume failed", Code: "RESEARCH_FAILED", Details: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"thread_id": state.ThreadID, "result": state})
}

// HandleResearchStatus handles GET /research/:thread_id/status.
func (h *Handlers) HandleResearchStatus(c *gin.Context) {
	getOrCreateRequestID(c)

	if h.research == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "research orchestrator not configured", Code: "NOT_CONFIGURED"})
		return
	}

	threadID := c.Param("thread_id")
	summary, err := h.research.Status(c.Request.Context(), threadID)
	if err != nil {
		if errors.Is(err, research.ErrNoCheckpoint) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "no_checkpoint", Code: "NO_CHECKPOINT", Details: threadID})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "status lookup failed", Code: "STATUS_FAILED", Details: err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// HandleComplianceReport handles GET /compliance/report.
//
// Query parameters from and to accept RFC3339 or YYYY-MM-DD. Defaults:
// the trailing 24 hours.
func (h *Handlers) HandleComplianceReport(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleComplianceReport")

	if h.reporter == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "compliance reporter not configured", Code: "NOT_CONFIGURED"})
		return
	}

	from, to, err := reportWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_RANGE"})
		return
	}

	report, err := h.reporter.GenerateReport(c.Request.Context(), from, to)
	if err != nil {
		logger.Error("Compliance report failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "report generation failed", Code: "REPORT_FAILED", Details: err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}

// HandleComplianceExport handles GET /compliance/export.
func (h *Handlers) HandleComplianceExport(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleComplianceExport")

	if h.reporter == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "compliance reporter not configured", Code: "NOT_CONFIGURED"})
		return
	}

	from, to, err := reportWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_RANGE"})
		return
	}

	packets, err := h.reporter.Export(c.Request.Context(), from, to)
	if err != nil {
		logger.Error("Compliance export failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "export failed", Code: "EXPORT_FAILED", Details: err.Error()})
		return
	}

	c.JSON(http.StatusOK, packets)
}

// HandleModulesStatus handles GET /modules/status.
func (h *Handlers) HandleModulesStatus(c *gin.Context) {
	getOrCreateRequestID(c)

	if h.registry == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "module registry not configured", Code: "NOT_CONFIGURED"})
		return
	}

	snapshot := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{"count": len(snapshot), "modules": snapshot})
}

// HandleHealth handles GET /health. The healthy gauge follows the
// combined verdict.
func (h *Handlers) HandleHealth(c *gin.Context) {
	getOrCreateRequestID(c)
	ctx := c.Request.Context()

	components := gin.H{}
	healthy := true

	if h.packets != nil {
		if err := h.packets.Ping(ctx); err != nil {
			components["packet_store"] = err.Error()
			healthy = false
		} else {
			components["packet_store"] = "ok"
		}
	}
	if h.graph != nil {
		if err := h.graph.Ping(ctx); err != nil {
			components["graph_state"] = err.Error()
			healthy = false
		} else {
			components["graph_state"] = "ok"
		}
	}

	h.metrics.SetHealthy(healthy)
	status := http.StatusOK
	verdict := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		verdict = "degraded"
	}
	c.JSON(status, gin.H{"status": verdict, "components": components})
}

// reportWindow parses the from/to query range. Missing values default
// to the trailing 24 hours.
func reportWindow(c *gin.Context) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now

	var err error
	if raw := c.Query("from"); raw != "" {
		if from, err = parseTimeParam(raw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = parseTimeParam(raw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to precedes from")
	}
	return from, to, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("invalid time, expected RFC3339 or YYYY-MM-DD: " + raw)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
