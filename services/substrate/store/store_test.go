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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSubstrate/services/llm"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

func TestInsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	p := packet.New(packet.TypeReasoningBlock, map[string]any{"step": "analyze"})
	p.ThreadID = "thread-1"
	p.AddTag("agent:L")
	p.SetImportance(0.8)

	id, err := s.Insert(ctx, p)
	require.NoError(t, err)
	require.Equal(t, p.PacketID, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, p.PacketID, got.PacketID)
	assert.Equal(t, p.PacketType, got.PacketType)
	assert.Equal(t, p.Payload, got.Payload)
	assert.Equal(t, "thread-1", got.ThreadID)
	assert.Equal(t, 0.8, got.Importance())
	assert.True(t, got.HasTag("agent:L"))
}

func TestInsertAssignsServerID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	p := &packet.Packet{PacketType: packet.TypeSessionContext, Timestamp: time.Now().UTC()}
	id, err := s.Insert(ctx, p)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = s.Get(ctx, id)
	require.NoError(t, err)
}

func TestInsertIdempotentMergesIndexColumns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	first := packet.New(packet.TypeResearchState, map[string]any{"phase": "planning"})
	id, err := s.Insert(ctx, first)
	require.NoError(t, err)

	// Second write with the same id carries late-arriving index fields.
	second := first.Clone()
	second.ThreadID = "thread-9"
	second.AddTag("status:active")
	second.SetImportance(0.6)

	id2, err := s.Insert(ctx, second)
	require.NoError(t, err)
	require.Equal(t, id, id2)

	n, err := s.Size(ctx, packet.TypeResearchState)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "repeated write must not duplicate the record")

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "thread-9", got.ThreadID)
	assert.True(t, got.HasTag("status:active"))
	assert.Equal(t, 0.6, got.Importance())
	assert.Equal(t, first.Payload, got.Payload, "payload is immutable across writes")
}

func TestUpsertCheckpointReplacesEnvelope(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	first := packet.New(packet.TypeResearchState, map[string]any{"current_step_index": 0})
	first.PacketID = "research_graph:thread-1"
	first.ThreadID = "thread-1"
	_, err := s.UpsertCheckpoint(ctx, first)
	require.NoError(t, err)

	second := packet.New(packet.TypeResearchState, map[string]any{"current_step_index": 2})
	second.PacketID = "research_graph:thread-1"
	second.ThreadID = "thread-1"
	_, err = s.UpsertCheckpoint(ctx, second)
	require.NoError(t, err)

	n, err := s.Size(ctx, packet.TypeResearchState)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "stable key keeps one record per thread")

	got, err := s.Get(ctx, "research_graph:thread-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Payload["current_step_index"], "latest checkpoint wins")
}

func TestInsertRejectsInvalidPacket(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	p := packet.New(packet.Type("not_a_segment"), nil)
	_, err := s.Insert(ctx, p)
	require.ErrorIs(t, err, packet.ErrInvalidPacket)
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	_, err := NewMemoryStore(nil).Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindByThreadOrderedAscending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		p := packet.New(packet.TypeSessionContext, map[string]any{"seq": i})
		p.ThreadID = "t1"
		p.Timestamp = base.Add(time.Duration(2-i) * time.Minute) // insert out of order
		_, err := s.Insert(ctx, p)
		require.NoError(t, err)
	}

	got, err := s.FindByThread(ctx, "t1", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp), "ascending order")
	}
}

func TestFindByThreadUnknownThreadEmpty(t *testing.T) {
	got, err := NewMemoryStore(nil).FindByThread(context.Background(), "nope", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindByTypeFiltersAgentAndSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	base := time.Now().UTC()

	old := packet.New(packet.TypeInsight, map[string]any{"v": "old"})
	old.Timestamp = base.Add(-2 * time.Hour)
	old.Metadata.AgentID = "L"
	_, err := s.Insert(ctx, old)
	require.NoError(t, err)

	fresh := packet.New(packet.TypeInsight, map[string]any{"v": "fresh"})
	fresh.Timestamp = base
	fresh.Metadata.AgentID = "L"
	_, err = s.Insert(ctx, fresh)
	require.NoError(t, err)

	other := packet.New(packet.TypeInsight, map[string]any{"v": "other"})
	other.Timestamp = base
	other.Metadata.AgentID = "M"
	_, err = s.Insert(ctx, other)
	require.NoError(t, err)

	got, err := s.FindByType(ctx, packet.TypeInsight, "L", base.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].Payload["v"])
}

func TestPruneSkipsImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	now := time.Now().UTC()

	expired := packet.New(packet.TypeSessionContext, nil)
	expired.SetTTL(now.Add(-time.Hour))
	_, err := s.Insert(ctx, expired)
	require.NoError(t, err)

	// Audit packets are stamped immutable on creation; an expired TTL is
	// advisory only.
	audit := packet.New(packet.TypeToolAudit, map[string]any{"call_id": "c1"})
	audit.SetTTL(now.Add(-time.Hour))
	_, err = s.Insert(ctx, audit)
	require.NoError(t, err)

	alive := packet.New(packet.TypeSessionContext, nil)
	alive.SetTTL(now.Add(time.Hour))
	_, err = s.Insert(ctx, alive)
	require.NoError(t, err)

	removed, err := s.Prune(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Get(ctx, audit.PacketID)
	assert.NoError(t, err, "immutable audit packet survives pruning")
	_, err = s.Get(ctx, alive.PacketID)
	assert.NoError(t, err)
}

func TestSemanticSearchRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	embedder := llm.NewMockEmbedder(64)
	ix := NewMemoryIndex(64, nil)

	vecs, err := embedder.Embed(ctx, []string{"postgres tuning", "postgres tuning guide", "baking bread"})
	require.NoError(t, err)

	require.NoError(t, ix.Upsert(ctx, "a", vecs[0], map[string]any{"topic": "db"}, ""))
	require.NoError(t, ix.Upsert(ctx, "b", vecs[2], map[string]any{"topic": "food"}, ""))

	got, err := ix.Search(ctx, vecs[1], 2, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Score >= got[1].Score, "decreasing similarity")
}

func TestSemanticSearchTopKZero(t *testing.T) {
	ix := NewMemoryIndex(8, nil)
	got, err := ix.Search(context.Background(), make([]float32, 8), 0, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSemanticSearchAgentScoped(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex(4, nil)

	vec := []float32{1, 0, 0, 0}
	require.NoError(t, ix.Upsert(ctx, "mine", vec, nil, "L"))
	require.NoError(t, ix.Upsert(ctx, "theirs", vec, nil, "M"))
	require.NoError(t, ix.Upsert(ctx, "shared", vec, nil, ""))

	got, err := ix.Search(ctx, vec, 10, "L")
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, m := range got {
		ids[m.ID] = true
	}
	assert.True(t, ids["mine"])
	assert.True(t, ids["shared"])
	assert.False(t, ids["theirs"])
}

func TestToolAuditTable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	row := &ToolAuditRow{
		CallID:     "call-1",
		ToolID:     "gmp_run",
		AgentID:    "L",
		Status:     "success",
		DurationMs: 42,
		ExecutedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertToolAudit(ctx, row))

	got, err := s.GetToolAudit(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "gmp_run", got.ToolID)

	_, err = s.GetToolAudit(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	p := packet.New(packet.TypeGovernanceMeta, map[string]any{"decision": "allow"})
	p.ThreadID = "t"
	p.AddTag("policy:default")
	p.Lineage.ParentIDs = []string{"parent-1"}
	p.Confidence = &packet.Confidence{Score: 0.9, Rationale: "direct"}

	data, err := p.Encode()
	require.NoError(t, err)

	got, err := packet.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, p.PacketID, got.PacketID)
	assert.Equal(t, p.Payload, got.Payload)
	assert.Equal(t, p.Lineage.ParentIDs, got.Lineage.ParentIDs)
	assert.Equal(t, p.Confidence.Score, got.Confidence.Score)
}
