// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgvectorpgx "github.com/pgvector/pgvector-go/pgx"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/telemetry"
)

// Pool sizing per the shared-resource policy.
const (
	poolMinConns = 5
	poolMaxConns = 15
)

// PostgresStore is the production PacketStore, SemanticIndex, and
// ToolAuditTable backed by one connection pool.
//
// Thread Safety: safe for concurrent use; each operation acquires a
// pooled connection for its duration.
type PostgresStore struct {
	pool      *pgxpool.Pool
	dimension int
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// NewPostgresStore connects the pool (min 5 / max 15 connections) and
// registers the pgvector types on every connection. metrics and logger
// may be nil.
func NewPostgresStore(ctx context.Context, dsn string, dimension int, metrics *telemetry.Metrics, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MinConns = poolMinConns
	cfg.MaxConns = poolMaxConns
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgvectorpgx.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresStore{
		pool:      pool,
		dimension: dimension,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Setup creates the schema: the wide packets table with its dedicated
// index columns, the embeddings table, and the tool-audit table.
func (s *PostgresStore) Setup(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS packets (
			packet_id        TEXT PRIMARY KEY,
			packet_type      TEXT NOT NULL,
			ts               TIMESTAMPTZ NOT NULL,
			envelope         JSONB NOT NULL,
			thread_id        TEXT,
			parent_ids       TEXT[],
			tags             TEXT[],
			ttl              TIMESTAMPTZ,
			content_hash     TEXT,
			session_id       TEXT,
			scope            TEXT,
			trace_id         TEXT,
			importance_score DOUBLE PRECISION,
			agent_id         TEXT,
			immutable        BOOLEAN NOT NULL DEFAULT FALSE,
			embedding        vector(%d)
		)`, s.dimension),

		`CREATE INDEX IF NOT EXISTS idx_packets_type_ts ON packets (packet_type, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_packets_thread_ts ON packets (thread_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_packets_tags ON packets USING gin (tags)`,
		`CREATE INDEX IF NOT EXISTS idx_packets_trace ON packets (trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_packets_ttl ON packets (ttl) WHERE ttl IS NOT NULL`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
			embedding_id TEXT PRIMARY KEY,
			agent_id     TEXT,
			embedding    vector(%d) NOT NULL,
			payload      JSONB,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dimension),

		`CREATE INDEX IF NOT EXISTS idx_embeddings_agent ON embeddings (agent_id)`,

		`CREATE TABLE IF NOT EXISTS tool_audit_calls (
			call_id     TEXT PRIMARY KEY,
			tool_id     TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			task_id     TEXT,
			status      TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			error       TEXT,
			packet_id   TEXT,
			executed_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tool_audit_tool ON tool_audit_calls (tool_id, executed_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("setup schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Insert implements PacketStore. The ON CONFLICT clause COALESCE-merges
// the dedicated index columns so a late-arriving thread_id, tag set, or
// importance is never lost, while the original envelope stays intact.
func (s *PostgresStore) Insert(ctx context.Context, p *packet.Packet) (string, error) {
	start := time.Now()
	cp, err := prepare(p)
	if err != nil {
		s.metrics.RecordWrite(packetType(p), "failure", time.Since(start).Seconds())
		return "", err
	}

	envelope, err := cp.Encode()
	if err != nil {
		s.metrics.RecordWrite(cp.PacketType, "failure", time.Since(start).Seconds())
		return "", fmt.Errorf("encode packet: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO packets (
			packet_id, packet_type, ts, envelope, thread_id, parent_ids, tags,
			ttl, content_hash, session_id, scope, trace_id, importance_score,
			agent_id, immutable
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,NULLIF($9,''),NULLIF($10,''),NULLIF($11,''),NULLIF($12,''),$13,NULLIF($14,''),$15)
		ON CONFLICT (packet_id) DO UPDATE SET
			thread_id        = COALESCE(NULLIF(EXCLUDED.thread_id, ''), packets.thread_id),
			parent_ids       = CASE WHEN cardinality(EXCLUDED.parent_ids) > 0 THEN EXCLUDED.parent_ids ELSE packets.parent_ids END,
			tags             = CASE WHEN cardinality(EXCLUDED.tags) > 0 THEN EXCLUDED.tags ELSE packets.tags END,
			ttl              = COALESCE(EXCLUDED.ttl, packets.ttl),
			content_hash     = COALESCE(EXCLUDED.content_hash, packets.content_hash),
			session_id       = COALESCE(EXCLUDED.session_id, packets.session_id),
			scope            = COALESCE(EXCLUDED.scope, packets.scope),
			trace_id         = COALESCE(EXCLUDED.trace_id, packets.trace_id),
			importance_score = COALESCE(EXCLUDED.importance_score, packets.importance_score),
			immutable        = packets.immutable OR EXCLUDED.immutable`,
		cp.PacketID, string(cp.PacketType), cp.Timestamp, envelope,
		cp.ThreadID, cp.Lineage.ParentIDs, cp.Tags, cp.TTL,
		cp.ContentHash(), cp.SessionID(), cp.Scope(), cp.TraceID(),
		importanceOrNil(cp), cp.Metadata.AgentID, cp.Immutable(),
	)
	if err != nil {
		s.metrics.RecordWrite(cp.PacketType, "failure", time.Since(start).Seconds())
		return "", fmt.Errorf("insert packet %s: %w", cp.PacketID, err)
	}

	s.metrics.RecordWrite(cp.PacketType, "success", time.Since(start).Seconds())
	return cp.PacketID, nil
}

// UpsertCheckpoint implements PacketStore: envelope and index columns
// of the latest write win on conflict.
func (s *PostgresStore) UpsertCheckpoint(ctx context.Context, p *packet.Packet) (string, error) {
	start := time.Now()
	cp, err := prepare(p)
	if err != nil {
		s.metrics.RecordWrite(packetType(p), "failure", time.Since(start).Seconds())
		return "", err
	}

	envelope, err := cp.Encode()
	if err != nil {
		s.metrics.RecordWrite(cp.PacketType, "failure", time.Since(start).Seconds())
		return "", fmt.Errorf("encode packet: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO packets (
			packet_id, packet_type, ts, envelope, thread_id, parent_ids, tags,
			ttl, content_hash, session_id, scope, trace_id, importance_score,
			agent_id, immutable
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,NULLIF($9,''),NULLIF($10,''),NULLIF($11,''),NULLIF($12,''),$13,NULLIF($14,''),$15)
		ON CONFLICT (packet_id) DO UPDATE SET
			packet_type      = EXCLUDED.packet_type,
			ts               = EXCLUDED.ts,
			envelope         = EXCLUDED.envelope,
			thread_id        = EXCLUDED.thread_id,
			parent_ids       = EXCLUDED.parent_ids,
			tags             = EXCLUDED.tags,
			ttl              = EXCLUDED.ttl,
			content_hash     = EXCLUDED.content_hash,
			session_id       = EXCLUDED.session_id,
			scope            = EXCLUDED.scope,
			trace_id         = EXCLUDED.trace_id,
			importance_score = EXCLUDED.importance_score,
			agent_id         = EXCLUDED.agent_id,
			immutable        = EXCLUDED.immutable`,
		cp.PacketID, string(cp.PacketType), cp.Timestamp, envelope,
		cp.ThreadID, cp.Lineage.ParentIDs, cp.Tags, cp.TTL,
		cp.ContentHash(), cp.SessionID(), cp.Scope(), cp.TraceID(),
		importanceOrNil(cp), cp.Metadata.AgentID, cp.Immutable(),
	)
	if err != nil {
		s.metrics.RecordWrite(cp.PacketType, "failure", time.Since(start).Seconds())
		return "", fmt.Errorf("upsert checkpoint %s: %w", cp.PacketID, err)
	}

	s.metrics.RecordWrite(cp.PacketType, "success", time.Since(start).Seconds())
	return cp.PacketID, nil
}

// InsertWithEmbedding writes the packet row and its embedding in two
// sinks. If only one sink accepts, the error is a *PartialWriteError
// listing what was written so the caller can decide.
func (s *PostgresStore) InsertWithEmbedding(ctx context.Context, p *packet.Packet, vector []float32) (string, error) {
	id, err := s.Insert(ctx, p)
	if err != nil {
		return "", err
	}
	if err := s.Upsert(ctx, id, vector, p.Payload, p.Metadata.AgentID); err != nil {
		return id, &PartialWriteError{Written: []string{SinkPacketRow}, Err: err}
	}
	return id, nil
}

// Get implements PacketStore. The dedicated columns overlay the decoded
// envelope so merged index fields are visible even when the stored
// envelope predates them.
func (s *PostgresStore) Get(ctx context.Context, packetID string) (*packet.Packet, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT envelope, COALESCE(thread_id, ''), parent_ids, tags, ttl, importance_score
		FROM packets WHERE packet_id = $1`, packetID)

	var (
		envelope   []byte
		threadID   string
		parentIDs  []string
		tags       []string
		ttl        *time.Time
		importance *float64
	)
	if err := row.Scan(&envelope, &threadID, &parentIDs, &tags, &ttl, &importance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get packet %s: %w", packetID, err)
	}

	p, err := packet.Decode(envelope)
	if err != nil {
		return nil, fmt.Errorf("get packet %s: %w", packetID, err)
	}
	if threadID != "" {
		p.ThreadID = threadID
	}
	if len(parentIDs) > 0 {
		p.Lineage.ParentIDs = parentIDs
	}
	if len(tags) > 0 {
		p.Tags = tags
	}
	if ttl != nil {
		p.TTL = ttl
	}
	if importance != nil {
		p.SetImportance(*importance)
	}
	return p, nil
}

// FindByThread implements PacketStore.
func (s *PostgresStore) FindByThread(ctx context.Context, threadID string, pt packet.Type, limit, offset int) ([]*packet.Packet, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT envelope FROM packets
		WHERE thread_id = $1 AND ($2 = '' OR packet_type = $2)
		ORDER BY ts ASC, packet_id ASC
		LIMIT $3 OFFSET $4`,
		threadID, string(pt), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("find by thread %s: %w", threadID, err)
	}
	return collect(rows)
}

// FindByType implements PacketStore.
func (s *PostgresStore) FindByType(ctx context.Context, pt packet.Type, agentID string, since time.Time, limit int) ([]*packet.Packet, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT envelope FROM packets
		WHERE packet_type = $1
		  AND ($2 = '' OR agent_id = $2)
		  AND ($3::timestamptz IS NULL OR ts >= $3)
		ORDER BY ts DESC, packet_id DESC
		LIMIT $4`,
		string(pt), agentID, nullableTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("find by type %s: %w", pt, err)
	}
	return collect(rows)
}

// Prune implements PacketStore. Immutable rows are excluded in SQL, so
// audit packets survive even when their advisory TTL has passed.
func (s *PostgresStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM packets WHERE ttl IS NOT NULL AND ttl < $1 AND NOT immutable`, now)
	if err != nil {
		return 0, fmt.Errorf("prune packets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneBatch implements BatchPruner. The ctid subquery bounds each
// delete so a large expired backlog never holds a long row lock.
func (s *PostgresStore) PruneBatch(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return s.Prune(ctx, now)
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM packets WHERE ctid IN (
			SELECT ctid FROM packets
			WHERE ttl IS NOT NULL AND ttl < $1 AND NOT immutable
			LIMIT $2)`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("prune packets batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements PacketStore.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Size implements PacketStore.
func (s *PostgresStore) Size(ctx context.Context, segment packet.Type) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM packets WHERE $1 = '' OR packet_type = $1`,
		string(segment)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("size: %w", err)
	}
	return n, nil
}

// Upsert implements SemanticIndex.
func (s *PostgresStore) Upsert(ctx context.Context, embeddingID string, vector []float32, payload map[string]any, agentID string) error {
	if len(vector) != s.dimension {
		return ErrInvalidVector
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embeddings (embedding_id, agent_id, embedding, payload, updated_at)
		VALUES ($1, NULLIF($2,''), $3, $4, now())
		ON CONFLICT (embedding_id) DO UPDATE SET
			agent_id   = COALESCE(NULLIF(EXCLUDED.agent_id, ''), embeddings.agent_id),
			embedding  = EXCLUDED.embedding,
			payload    = EXCLUDED.payload,
			updated_at = now()`,
		embeddingID, agentID, pgvector.NewVector(vector), payload)
	if err != nil {
		return fmt.Errorf("upsert embedding %s: %w", embeddingID, err)
	}
	return nil
}

// Search implements SemanticIndex. The agent filter is pushed into SQL
// for locality; cosine similarity is 1 - (<=> distance).
func (s *PostgresStore) Search(ctx context.Context, queryVector []float32, topK int, agentID string) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}
	if len(queryVector) != s.dimension {
		return nil, ErrInvalidVector
	}

	rows, err := s.pool.Query(ctx, `
		SELECT embedding_id, 1 - (embedding <=> $1) AS score, payload
		FROM embeddings
		WHERE $2 = '' OR agent_id IS NULL OR agent_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`,
		pgvector.NewVector(queryVector), agentID, topK)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Score, &m.Payload); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	s.metrics.RecordSearch(packet.TypeSessionContext, "semantic", len(matches))
	return matches, nil
}

// InsertToolAudit implements ToolAuditTable.
func (s *PostgresStore) InsertToolAudit(ctx context.Context, row *ToolAuditRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tool_audit_calls (call_id, tool_id, agent_id, task_id, status, duration_ms, error, packet_id, executed_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,NULLIF($7,''),NULLIF($8,''),$9)
		ON CONFLICT (call_id) DO NOTHING`,
		row.CallID, row.ToolID, row.AgentID, row.TaskID, row.Status,
		row.DurationMs, row.Error, row.PacketID, row.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert tool audit %s: %w", row.CallID, err)
	}
	return nil
}

// GetToolAudit implements ToolAuditTable.
func (s *PostgresStore) GetToolAudit(ctx context.Context, callID string) (*ToolAuditRow, error) {
	var row ToolAuditRow
	var taskID, errMsg, packetID *string
	err := s.pool.QueryRow(ctx, `
		SELECT call_id, tool_id, agent_id, task_id, status, duration_ms, error, packet_id, executed_at
		FROM tool_audit_calls WHERE call_id = $1`, callID).
		Scan(&row.CallID, &row.ToolID, &row.AgentID, &taskID, &row.Status,
			&row.DurationMs, &errMsg, &packetID, &row.ExecutedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool audit %s: %w", callID, err)
	}
	if taskID != nil {
		row.TaskID = *taskID
	}
	if errMsg != nil {
		row.Error = *errMsg
	}
	if packetID != nil {
		row.PacketID = *packetID
	}
	return &row, nil
}

func collect(rows pgx.Rows) ([]*packet.Packet, error) {
	defer rows.Close()

	packets := []*packet.Packet{}
	for rows.Next() {
		var envelope []byte
		if err := rows.Scan(&envelope); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		p, err := packet.Decode(envelope)
		if err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return packets, nil
}

func importanceOrNil(p *packet.Packet) *float64 {
	if p.Metadata.Custom == nil {
		return nil
	}
	if _, ok := p.Metadata.Custom[packet.KeyImportance]; !ok {
		return nil
	}
	v := p.Importance()
	return &v
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var (
	_ PacketStore    = (*PostgresStore)(nil)
	_ SemanticIndex  = (*PostgresStore)(nil)
	_ ToolAuditTable = (*PostgresStore)(nil)
)
