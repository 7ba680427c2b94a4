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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/store"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/telemetry"
)

// auditTTL bounds tool_audit packet freshness for retrieval. Audit
// packets are immutable, so the TTL governs index hygiene, not
// deletion.
const auditTTL = 24 * time.Hour

const auditWriteTimeout = 5 * time.Second

// PacketSink receives the audit packets.
type PacketSink interface {
	Insert(ctx context.Context, p *packet.Packet) (string, error)
}

type auditJob struct {
	result     *Result
	agentID    string
	taskID     string
	threadID   string
	traceID    string
	approvedBy string
	arguments  map[string]any
	startedAt  time.Time
}

// AuditWorker drains a bounded queue into the packet store and the
// tool-audit table. A full queue drops the record with a counter bump;
// audit must never block or fail a dispatch.
type AuditWorker struct {
	packets PacketSink
	rows    store.ToolAuditTable
	metrics *telemetry.Metrics
	logger  *slog.Logger

	queue chan auditJob
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewAuditWorker starts `workers` goroutines draining a queue of the
// given size. rows may be nil when no dedicated table is configured.
func NewAuditWorker(packets PacketSink, rows store.ToolAuditTable, metrics *telemetry.Metrics, queueSize, workers int, logger *slog.Logger) *AuditWorker {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &AuditWorker{
		packets: packets,
		rows:    rows,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan auditJob, queueSize),
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.drain()
	}
	return w
}

func (w *AuditWorker) enqueue(job auditJob) {
	select {
	case w.queue <- job:
	default:
		w.metrics.RecordAuditDropped()
		w.logger.Warn("audit queue full, record dropped",
			"call_id", job.result.CallID,
			"tool_id", job.result.ToolID)
	}
}

// Close stops accepting jobs and waits for the queue to drain.
func (w *AuditWorker) Close() {
	w.closeOnce.Do(func() {
		close(w.queue)
	})
	w.wg.Wait()
}

func (w *AuditWorker) drain() {
	defer w.wg.Done()
	for job := range w.queue {
		w.write(job)
	}
}

func (w *AuditWorker) write(job auditJob) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	p := buildAuditPacket(job)
	packetID, err := w.packets.Insert(ctx, p)
	if err != nil {
		w.logger.Warn("audit packet insert failed",
			"call_id", job.result.CallID,
			"tool_id", job.result.ToolID,
			"error", err)
		packetID = ""
	}

	if w.rows == nil {
		return
	}
	row := &store.ToolAuditRow{
		CallID:     job.result.CallID,
		ToolID:     job.result.ToolID,
		AgentID:    job.agentID,
		TaskID:     job.taskID,
		Status:     job.result.Status,
		DurationMs: job.result.DurationMs,
		Error:      Truncate(job.result.Error, errorLen),
		PacketID:   packetID,
		ExecutedAt: job.startedAt,
	}
	if err := w.rows.InsertToolAudit(ctx, row); err != nil {
		w.logger.Warn("audit row insert failed",
			"call_id", job.result.CallID,
			"error", err)
	}
}

// buildAuditPacket shapes the tool_audit record. Confidence is always
// 1.0: the dispatcher observed the call directly.
func buildAuditPacket(job auditJob) *packet.Packet {
	payload := map[string]any{
		"call_id":             job.result.CallID,
		"tool_id":             job.result.ToolID,
		"agent_id":            job.agentID,
		"status":              job.result.Status,
		"duration_ms":         job.result.DurationMs,
		"arguments":           job.arguments,
		"execution_timestamp": job.startedAt.Format(time.RFC3339Nano),
	}
	if job.taskID != "" {
		payload["task_id"] = job.taskID
	}
	if job.approvedBy != "" {
		payload["approved_by"] = job.approvedBy
	}
	if job.result.Error != "" {
		payload["error"] = Truncate(job.result.Error, errorLen)
	}
	if summary := summarize(job.result.Value, nil); summary != "" {
		payload["result_summary"] = Truncate(summary, resultSummaryLen)
	}

	p := packet.New(packet.TypeToolAudit, payload)
	p.Metadata.AgentID = job.agentID
	p.ThreadID = job.threadID
	p.Confidence = &packet.Confidence{Score: 1.0, Rationale: "direct observation"}
	p.Tags = []string{
		"tool:" + job.result.ToolID,
		"agent:" + job.agentID,
		"status:" + job.result.Status,
	}
	p.SetTTL(time.Now().Add(auditTTL))
	if job.traceID != "" {
		p.SetTraceID(job.traceID)
	}
	p.Provenance.Source = "dispatch"
	p.Provenance.OriginTool = job.result.ToolID
	return p
}
