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
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/telemetry"
)

// MemoryStore is the in-process PacketStore used in tests and lightweight
// mode. Contract semantics are identical to PostgresStore.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	packets map[string]*packet.Packet
	audits  map[string]*ToolAuditRow
	metrics *telemetry.Metrics
}

// NewMemoryStore creates an empty in-memory store. metrics may be nil.
func NewMemoryStore(metrics *telemetry.Metrics) *MemoryStore {
	return &MemoryStore{
		packets: make(map[string]*packet.Packet),
		audits:  make(map[string]*ToolAuditRow),
		metrics: metrics,
	}
}

// Insert implements PacketStore.
func (s *MemoryStore) Insert(ctx context.Context, p *packet.Packet) (string, error) {
	start := time.Now()
	cp, err := prepare(p)
	if err != nil {
		s.metrics.RecordWrite(packetType(p), "failure", time.Since(start).Seconds())
		return "", err
	}

	s.mu.Lock()
	if existing, ok := s.packets[cp.PacketID]; ok {
		mergeIndexFields(existing, cp)
	} else {
		s.packets[cp.PacketID] = cp
	}
	s.mu.Unlock()

	s.metrics.RecordWrite(cp.PacketType, "success", time.Since(start).Seconds())
	return cp.PacketID, nil
}

// UpsertCheckpoint implements PacketStore: the latest write replaces
// the stored record wholesale.
func (s *MemoryStore) UpsertCheckpoint(ctx context.Context, p *packet.Packet) (string, error) {
	start := time.Now()
	cp, err := prepare(p)
	if err != nil {
		s.metrics.RecordWrite(packetType(p), "failure", time.Since(start).Seconds())
		return "", err
	}

	s.mu.Lock()
	s.packets[cp.PacketID] = cp
	s.mu.Unlock()

	s.metrics.RecordWrite(cp.PacketType, "success", time.Since(start).Seconds())
	return cp.PacketID, nil
}

// Get implements PacketStore.
func (s *MemoryStore) Get(_ context.Context, packetID string) (*packet.Packet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packets[packetID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// FindByThread implements PacketStore.
func (s *MemoryStore) FindByThread(_ context.Context, threadID string, packetType packet.Type, limit, offset int) ([]*packet.Packet, error) {
	s.mu.RLock()
	var matches []*packet.Packet
	for _, p := range s.packets {
		if p.ThreadID != threadID {
			continue
		}
		if packetType != "" && p.PacketType != packetType {
			continue
		}
		matches = append(matches, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Timestamp.Equal(matches[j].Timestamp) {
			return matches[i].PacketID < matches[j].PacketID
		}
		return matches[i].Timestamp.Before(matches[j].Timestamp)
	})
	return window(matches, limit, offset), nil
}

// FindByType implements PacketStore.
func (s *MemoryStore) FindByType(_ context.Context, packetType packet.Type, agentID string, since time.Time, limit int) ([]*packet.Packet, error) {
	s.mu.RLock()
	var matches []*packet.Packet
	for _, p := range s.packets {
		if p.PacketType != packetType {
			continue
		}
		if agentID != "" && p.Metadata.AgentID != agentID {
			continue
		}
		if !since.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		matches = append(matches, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Timestamp.Equal(matches[j].Timestamp) {
			return matches[i].PacketID < matches[j].PacketID
		}
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})
	return window(matches, limit, 0), nil
}

// Prune implements PacketStore. Immutable packets survive regardless of
// TTL.
func (s *MemoryStore) Prune(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, p := range s.packets {
		if p.Expired(now) {
			delete(s.packets, id)
			removed++
		}
	}
	return removed, nil
}

// PruneBatch implements BatchPruner. At most limit expired packets are
// removed per call.
func (s *MemoryStore) PruneBatch(_ context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, p := range s.packets {
		if limit > 0 && removed >= int64(limit) {
			break
		}
		if p.Expired(now) {
			delete(s.packets, id)
			removed++
		}
	}
	return removed, nil
}

// Ping implements PacketStore.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Size implements PacketStore.
func (s *MemoryStore) Size(_ context.Context, segment packet.Type) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if segment == "" {
		return int64(len(s.packets)), nil
	}
	var n int64
	for _, p := range s.packets {
		if p.PacketType == segment {
			n++
		}
	}
	return n, nil
}

// InsertToolAudit implements ToolAuditTable.
func (s *MemoryStore) InsertToolAudit(_ context.Context, row *ToolAuditRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *row
	s.audits[row.CallID] = &cp
	return nil
}

// GetToolAudit implements ToolAuditTable.
func (s *MemoryStore) GetToolAudit(_ context.Context, callID string) (*ToolAuditRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.audits[callID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func window(packets []*packet.Packet, limit, offset int) []*packet.Packet {
	if offset >= len(packets) {
		return []*packet.Packet{}
	}
	packets = packets[offset:]
	if limit > 0 && limit < len(packets) {
		packets = packets[:limit]
	}
	return packets
}

func packetType(p *packet.Packet) packet.Type {
	if p == nil {
		return ""
	}
	return p.PacketType
}

// MemoryIndex is the in-process SemanticIndex. Cosine similarity is
// computed directly over stored vectors.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]*memoryEntry
	metrics   *telemetry.Metrics
}

type memoryEntry struct {
	vector  []float32
	payload map[string]any
	agentID string
}

// NewMemoryIndex creates an index of fixed dimension. metrics may be nil.
func NewMemoryIndex(dimension int, metrics *telemetry.Metrics) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		entries:   make(map[string]*memoryEntry),
		metrics:   metrics,
	}
}

// Upsert implements SemanticIndex.
func (ix *MemoryIndex) Upsert(_ context.Context, embeddingID string, vector []float32, payload map[string]any, agentID string) error {
	if len(vector) != ix.dimension {
		return ErrInvalidVector
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.entries[embeddingID] = &memoryEntry{
		vector:  append([]float32(nil), vector...),
		payload: payload,
		agentID: agentID,
	}
	return nil
}

// Search implements SemanticIndex.
func (ix *MemoryIndex) Search(_ context.Context, queryVector []float32, topK int, agentID string) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}
	if len(queryVector) != ix.dimension {
		return nil, ErrInvalidVector
	}

	ix.mu.RLock()
	matches := make([]Match, 0, len(ix.entries))
	for id, entry := range ix.entries {
		if agentID != "" && entry.agentID != "" && entry.agentID != agentID {
			continue
		}
		matches = append(matches, Match{
			ID:      id,
			Score:   cosine(queryVector, entry.vector),
			Payload: entry.payload,
		})
	}
	ix.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
	if topK < len(matches) {
		matches = matches[:topK]
	}

	ix.metrics.RecordSearch(packet.TypeSessionContext, "semantic", len(matches))
	return matches, nil
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var (
	_ PacketStore    = (*MemoryStore)(nil)
	_ ToolAuditTable = (*MemoryStore)(nil)
	_ SemanticIndex  = (*MemoryIndex)(nil)
)
