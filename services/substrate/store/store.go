// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists packets and their semantic embeddings.
//
// # Description
//
// The packet store is a single wide table: one row per packet with the
// envelope as a structured blob plus denormalized columns for every
// attribute that needs its own index (thread_id, tags, trace_id,
// importance, parent_ids, ttl). Writes are idempotent on packet_id:
// a repeated write never duplicates the record, and the dedicated index
// columns are COALESCE-merged so late-arriving index fields are never
// lost.
//
// Two implementations share the contract: PostgresStore (pgx + pgvector)
// for production and MemoryStore for tests and lightweight mode.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

// Sink names reported in PartialWriteError.Written.
const (
	SinkPacketRow = "packet_row"
	SinkEmbedding = "embedding"
	SinkAuditRow  = "audit_row"
)

var (
	// ErrNotFound indicates the requested packet does not exist.
	ErrNotFound = errors.New("packet not found")

	// ErrInvalidVector indicates an embedding of the wrong dimension.
	ErrInvalidVector = errors.New("invalid embedding vector")
)

// PartialWriteError reports a multi-sink write that only partially
// succeeded. Written lists the sinks that accepted the record so the
// caller can decide whether to retry the rest.
type PartialWriteError struct {
	Written []string
	Err     error
}

// Error implements error.
func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write (written: %s): %v", strings.Join(e.Written, ","), e.Err)
}

// Unwrap exposes the underlying sink failure.
func (e *PartialWriteError) Unwrap() error { return e.Err }

// PacketStore is the durable typed record store (C1).
type PacketStore interface {
	// Insert persists a packet, idempotent on packet_id. Dedicated index
	// columns are populated from the envelope and COALESCE-merged on
	// conflict. Returns the packet id.
	Insert(ctx context.Context, p *packet.Packet) (string, error)

	// Get returns the packet or ErrNotFound.
	Get(ctx context.Context, packetID string) (*packet.Packet, error)

	// FindByThread returns packets in a thread ordered by timestamp
	// ascending. packetType "" matches all types. Unknown threads return
	// an empty list, not an error.
	FindByThread(ctx context.Context, threadID string, packetType packet.Type, limit, offset int) ([]*packet.Packet, error)

	// FindByType returns packets of a type ordered by timestamp
	// descending, optionally filtered by agent and a since instant.
	FindByType(ctx context.Context, packetType packet.Type, agentID string, since time.Time, limit int) ([]*packet.Packet, error)

	// UpsertCheckpoint writes a full-replacement record: envelope and
	// index columns of the latest write win on conflict. This is the one
	// write path allowed to overwrite an existing record; the research
	// orchestrator uses it for graph checkpoints under a stable key.
	UpsertCheckpoint(ctx context.Context, p *packet.Packet) (string, error)

	// Prune removes records whose TTL passed before now, except those
	// marked immutable. Returns the number of removed records.
	Prune(ctx context.Context, now time.Time) (int64, error)

	// Ping reports store reachability.
	Ping(ctx context.Context) error

	// Size returns the stored packet count for a segment ("" = all).
	Size(ctx context.Context, segment packet.Type) (int64, error)
}

// BatchPruner is the optional bounded-delete capability. The prune
// scheduler prefers it when the store offers it, sweeping in batches
// instead of one unbounded delete.
type BatchPruner interface {
	// PruneBatch removes at most limit expired records. limit <= 0 means
	// unbounded, equivalent to Prune.
	PruneBatch(ctx context.Context, now time.Time, limit int) (int64, error)
}

// Match is one semantic search result, ordered by decreasing similarity.
type Match struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SemanticIndex is the dense-vector nearest-neighbor index (C2).
type SemanticIndex interface {
	// Upsert stores or replaces a vector with its payload. agentID "" is
	// a shared entry.
	Upsert(ctx context.Context, embeddingID string, vector []float32, payload map[string]any, agentID string) error

	// Search returns the topK nearest entries by cosine similarity,
	// optionally scoped to an agent. topK <= 0 returns an empty list.
	Search(ctx context.Context, queryVector []float32, topK int, agentID string) ([]Match, error)
}

// ToolAuditRow is the dedicated tool-audit table record, indexed on
// call_id for fast cross-reference with the audit packet stream.
type ToolAuditRow struct {
	CallID     string    `json:"call_id"`
	ToolID     string    `json:"tool_id"`
	AgentID    string    `json:"agent_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Status     string    `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	PacketID   string    `json:"packet_id,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// ToolAuditTable records one row per completed tool dispatch.
type ToolAuditTable interface {
	InsertToolAudit(ctx context.Context, row *ToolAuditRow) error
	GetToolAudit(ctx context.Context, callID string) (*ToolAuditRow, error)
}

// prepare validates and normalizes a packet before persistence,
// assigning a server-side id when absent. Shared by both stores.
func prepare(p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil packet", packet.ErrInvalidPacket)
	}
	cp := p.Clone()
	if cp.PacketID == "" {
		cp.PacketID = packet.New(cp.PacketType, nil).PacketID
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	if cp.Metadata.SchemaVersion == "" {
		cp.Metadata.SchemaVersion = packet.SchemaVersion
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return cp, nil
}

// mergeIndexFields refreshes the mutable index columns of existing from
// incoming, COALESCE-style: an incoming value wins only when present.
// The original payload and envelope stay untouched.
func mergeIndexFields(existing, incoming *packet.Packet) {
	if incoming.ThreadID != "" {
		existing.ThreadID = incoming.ThreadID
	}
	if len(incoming.Tags) > 0 {
		existing.Tags = append([]string(nil), incoming.Tags...)
	}
	if len(incoming.Lineage.ParentIDs) > 0 {
		existing.Lineage.ParentIDs = append([]string(nil), incoming.Lineage.ParentIDs...)
	}
	if incoming.TTL != nil {
		ttl := *incoming.TTL
		existing.TTL = &ttl
	}
	for _, key := range []string{packet.KeyContentHash, packet.KeySessionID, packet.KeyScope, packet.KeyTraceID, packet.KeyImportance} {
		if incoming.Metadata.Custom == nil {
			break
		}
		if v, ok := incoming.Metadata.Custom[key]; ok {
			if existing.Metadata.Custom == nil {
				existing.Metadata.Custom = make(map[string]any, 4)
			}
			existing.Metadata.Custom[key] = v
		}
	}
}
