// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides the process-wide Prometheus metrics for the
// substrate.
//
// # Description
//
// Counters, histograms, and gauges for packet writes, searches, tool
// invocations, and substrate health. All recording methods are
// fire-and-forget: they never raise, never block, and degrade to no-ops
// on a nil *Metrics so callers can run without a registry (tests,
// lightweight mode).
//
// # Label Cardinality
//
// segment and tool_id labels are drawn from closed sets; values outside
// them are relabeled "unknown" before recording.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

// Namespace for all substrate metrics.
const metricsNamespace = "substrate"

// unknownLabel replaces label values outside their closed set.
const unknownLabel = "unknown"

// ToolDurationBuckets are the tool_invocation_duration_ms histogram
// buckets, in milliseconds.
var ToolDurationBuckets = []float64{
	1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000,
}

// KnownToolIDs is the closed label set for tool_id. RegisterToolID extends
// it as tools are registered at startup.
var knownToolIDs = map[string]bool{
	"shell_exec": true, "file_write": true, "file_delete": true,
	"database_write": true, "git_commit": true, "git_push": true,
	"gmp_run": true, "deploy": true, "database_migrate": true,
	"file_read": true, "search": true, "list_directory": true,
	"get_status": true, "health_check": true,
}

// Metrics holds every Prometheus instrument of the substrate. Build one
// per process with New and inject it; a nil *Metrics is a valid no-op
// recorder.
type Metrics struct {
	registry *prometheus.Registry

	// MemoryWriteTotal counts packet writes. Labels: segment, status.
	MemoryWriteTotal *prometheus.CounterVec

	// MemorySearchTotal counts searches. Labels: segment, search_type.
	MemorySearchTotal *prometheus.CounterVec

	// ToolInvocationTotal counts tool dispatches. Labels: tool_id, status.
	ToolInvocationTotal *prometheus.CounterVec

	// MemoryWriteDuration measures packet write latency in seconds.
	MemoryWriteDuration *prometheus.HistogramVec

	// MemorySearchHits measures result counts per search.
	MemorySearchHits *prometheus.HistogramVec

	// ToolInvocationDuration measures dispatch latency in milliseconds.
	ToolInvocationDuration *prometheus.HistogramVec

	// SubstrateHealthy is 1 while the packet store answers pings.
	SubstrateHealthy prometheus.Gauge

	// PacketStoreSize tracks row counts per segment.
	PacketStoreSize *prometheus.GaugeVec

	// SpansDroppedTotal counts spans dropped by export backpressure.
	SpansDroppedTotal prometheus.Counter

	// AuditDroppedTotal counts audit packets dropped on a full queue.
	AuditDroppedTotal prometheus.Counter
}

// New creates and registers all substrate metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MemoryWriteTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "memory_write_total",
				Help:      "Total packet writes by segment and status",
			},
			[]string{"segment", "status"},
		),

		MemorySearchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "memory_search_total",
				Help:      "Total memory searches by segment and search type",
			},
			[]string{"segment", "search_type"},
		),

		ToolInvocationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tool_invocation_total",
				Help:      "Total tool dispatches by tool and status",
			},
			[]string{"tool_id", "status"},
		),

		MemoryWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "memory_write_duration_seconds",
				Help:      "Packet write latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"segment"},
		),

		MemorySearchHits: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "memory_search_hits",
				Help:      "Result counts per memory search",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"segment"},
		),

		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "tool_invocation_duration_ms",
				Help:      "Tool dispatch latency in milliseconds",
				Buckets:   ToolDurationBuckets,
			},
			[]string{"tool_id"},
		),

		SubstrateHealthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "memory_substrate_healthy",
				Help:      "1 while the packet store is reachable, 0 otherwise",
			},
		),

		PacketStoreSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "packet_store_size",
				Help:      "Stored packet count per segment",
			},
			[]string{"segment"},
		),

		SpansDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "spans_dropped_total",
				Help:      "Spans dropped because the export queue was full",
			},
		),

		AuditDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "audit_dropped_total",
				Help:      "Audit packets dropped because the worker queue was full",
			},
		),
	}
}

// Handler returns the Prometheus text-format exposition handler for this
// registry, or nil on a nil receiver.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RegisterToolID admits a tool id into the closed label set. Called from
// registry registration at startup so dynamic tools keep bounded labels.
func RegisterToolID(toolID string) {
	if toolID != "" {
		knownToolIDs[toolID] = true
	}
}

// RecordWrite observes one packet write.
func (m *Metrics) RecordWrite(segment packet.Type, status string, seconds float64) {
	if m == nil {
		return
	}
	s := segmentLabel(segment)
	m.MemoryWriteTotal.WithLabelValues(s, status).Inc()
	m.MemoryWriteDuration.WithLabelValues(s).Observe(seconds)
}

// RecordSearch observes one memory search.
func (m *Metrics) RecordSearch(segment packet.Type, searchType string, hits int) {
	if m == nil {
		return
	}
	s := segmentLabel(segment)
	m.MemorySearchTotal.WithLabelValues(s, searchType).Inc()
	m.MemorySearchHits.WithLabelValues(s).Observe(float64(hits))
}

// RecordToolInvocation observes one tool dispatch. Synchronous on the
// dispatch path: observed before Dispatch returns.
func (m *Metrics) RecordToolInvocation(toolID, status string, durationMs float64) {
	if m == nil {
		return
	}
	id := toolIDLabel(toolID)
	m.ToolInvocationTotal.WithLabelValues(id, status).Inc()
	m.ToolInvocationDuration.WithLabelValues(id).Observe(durationMs)
}

// SetHealthy flips the substrate health gauge.
func (m *Metrics) SetHealthy(healthy bool) {
	if m == nil {
		return
	}
	if healthy {
		m.SubstrateHealthy.Set(1)
	} else {
		m.SubstrateHealthy.Set(0)
	}
}

// SetStoreSize records the packet count for a segment.
func (m *Metrics) SetStoreSize(segment packet.Type, count int64) {
	if m == nil {
		return
	}
	m.PacketStoreSize.WithLabelValues(segmentLabel(segment)).Set(float64(count))
}

// RecordSpanDropped counts one span lost to backpressure.
func (m *Metrics) RecordSpanDropped() {
	if m == nil {
		return
	}
	m.SpansDroppedTotal.Inc()
}

// RecordAuditDropped counts one audit packet lost to a full queue.
func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.AuditDroppedTotal.Inc()
}

func segmentLabel(segment packet.Type) string {
	if packet.KnownType(segment) {
		return string(segment)
	}
	return unknownLabel
}

func toolIDLabel(toolID string) string {
	if knownToolIDs[toolID] {
		return toolID
	}
	return unknownLabel
}
