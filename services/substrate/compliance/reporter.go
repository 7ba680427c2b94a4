// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compliance aggregates the audit packet stream into period
// reports and violation lists. The reporter never mutates packets: it
// reads the four audit segments back out of the packet store and
// projects them into a ComplianceReport suitable for offline review.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/dispatch"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/store"
)

// scanLimit bounds a single per-type scan. Audit volume past this in
// one period indicates the range should be narrowed.
const scanLimit = 10000

// ViolationUnapprovedHighRisk flags a high-risk tool call that carries
// no approver.
const ViolationUnapprovedHighRisk = "unapproved_high_risk"

// auditSegments are the packet types the reporter scans.
var auditSegments = []packet.Type{
	packet.TypeAuditCommand,
	packet.TypeToolAudit,
	packet.TypeAuditApproval,
	packet.TypeAuditMemoryWrite,
}

// Period is the half-open report window [From, To].
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Violation is one recorded policy breach.
type Violation struct {
	Type      string    `json:"type"`
	PacketID  string    `json:"packet_id"`
	ToolID    string    `json:"tool_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Report is the aggregate view over one period.
type Report struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	Period           Period         `json:"period"`
	TotalPackets     int            `json:"total_packets"`
	WritesPerSegment map[string]int `json:"writes_per_segment"`
	PerTool          map[string]int `json:"per_tool"`
	Approvals        int            `json:"approvals"`
	Rejections       int            `json:"rejections"`
	Violations       []Violation    `json:"violations"`
}

// Reporter scans the packet store's audit segments.
//
// Thread Safety: stateless; safe for concurrent use.
type Reporter struct {
	packets store.PacketStore
	logger  *slog.Logger
}

// NewReporter wraps a packet store.
func NewReporter(packets store.PacketStore, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{packets: packets, logger: logger}
}

// GenerateReport aggregates the audit segments over [from, to].
func (r *Reporter) GenerateReport(ctx context.Context, from, to time.Time) (*Report, error) {
	packets, err := r.collect(ctx, from, to)
	if err != nil {
		return nil, err
	}

	report := &Report{
		GeneratedAt:      time.Now().UTC(),
		Period:           Period{From: from, To: to},
		TotalPackets:     len(packets),
		WritesPerSegment: make(map[string]int),
		PerTool:          make(map[string]int),
		Violations:       make([]Violation, 0),
	}

	for _, p := range packets {
		report.WritesPerSegment[string(p.PacketType)]++

		switch p.PacketType {
		case packet.TypeToolAudit:
			toolID := payloadString(p, "tool_id", "tool_name")
			if toolID != "" {
				report.PerTool[toolID]++
			}
			if v, ok := checkToolAudit(p, toolID); ok {
				report.Violations = append(report.Violations, v)
			}
		case packet.TypeAuditApproval:
			if approvalGranted(p) {
				report.Approvals++
			} else {
				report.Rejections++
			}
		}
	}

	sort.Slice(report.Violations, func(i, j int) bool {
		return report.Violations[i].Timestamp.Before(report.Violations[j].Timestamp)
	})

	r.logger.Info("Compliance report generated",
		"from", from, "to", to,
		"packets", report.TotalPackets,
		"violations", len(report.Violations))
	return report, nil
}

// Export returns the raw audit packets in the period, sorted by
// timestamp ascending for offline review.
func (r *Reporter) Export(ctx context.Context, from, to time.Time) ([]*packet.Packet, error) {
	packets, err := r.collect(ctx, from, to)
	if err != nil {
		return nil, err
	}
	sort.Slice(packets, func(i, j int) bool {
		if packets[i].Timestamp.Equal(packets[j].Timestamp) {
			return packets[i].PacketID < packets[j].PacketID
		}
		return packets[i].Timestamp.Before(packets[j].Timestamp)
	})
	return packets, nil
}

// collect scans every audit segment and keeps packets inside the window.
func (r *Reporter) collect(ctx context.Context, from, to time.Time) ([]*packet.Packet, error) {
	var out []*packet.Packet
	for _, segment := range auditSegments {
		found, err := r.packets.FindByType(ctx, segment, "", from, scanLimit)
		if err != nil {
			return nil, fmt.Errorf("compliance scan %s: %w", segment, err)
		}
		for _, p := range found {
			if !to.IsZero() && p.Timestamp.After(to) {
				continue
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// checkToolAudit applies the high-risk rule: a dangerous tool with no
// recorded approver is a violation.
func checkToolAudit(p *packet.Packet, toolID string) (Violation, bool) {
	if toolID == "" || !dispatch.ClassifySafety(toolID).Dangerous {
		return Violation{}, false
	}
	if payloadString(p, "approved_by") != "" {
		return Violation{}, false
	}
	return Violation{
		Type:      ViolationUnapprovedHighRisk,
		PacketID:  p.PacketID,
		ToolID:    toolID,
		AgentID:   payloadString(p, "agent_id"),
		Timestamp: p.Timestamp,
		Detail:    fmt.Sprintf("high-risk tool %s executed without approval", toolID),
	}, true
}

// approvalGranted reads the decision out of an audit_approval payload.
// Both the string decision and the boolean form are accepted.
func approvalGranted(p *packet.Packet) bool {
	switch payloadString(p, "decision", "status") {
	case "approved", "granted":
		return true
	case "rejected", "denied":
		return false
	}
	if v, ok := p.Payload["approved"].(bool); ok {
		return v
	}
	return false
}

// payloadString returns the first non-empty string under the given keys.
func payloadString(p *packet.Packet, keys ...string) string {
	for _, key := range keys {
		if v, ok := p.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
