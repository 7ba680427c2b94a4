// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package packet defines the universal record envelope of the substrate.
//
// Every significant event — reasoning steps, tool calls, approvals, state
// snapshots, exported spans — is persisted as a Packet. Packets are
// immutable once written: corrections are new packets referencing the
// original through Lineage.ParentIDs. The envelope carries everything the
// store needs to populate its dedicated index columns (thread, tags,
// trace, TTL, importance), so a packet round-trips through any store
// byte-equivalent on payload and envelope.
package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped into Metadata on creation.
const SchemaVersion = "1.0"

// AuditRetentionYears is the minimum retention horizon for audit packets.
const AuditRetentionYears = 7

// Scope values for Metadata custom key "scope".
const (
	ScopeShared  = "shared"
	ScopePrivate = "private"
)

// Custom metadata keys with dedicated index columns in the store.
const (
	KeyContentHash = "content_hash"
	KeySessionID   = "session_id"
	KeyScope       = "scope"
	KeyTraceID     = "trace_id"
	KeyImportance  = "importance"
	KeyImmutable   = "immutable"
	KeyRetention   = "retention_years"
)

var (
	// ErrInvalidPacket wraps all envelope validation failures.
	ErrInvalidPacket = errors.New("invalid packet")
)

// Metadata describes the packet's origin and indexing hints. Custom holds
// free-form keys; the well-known ones (content_hash, session_id, scope,
// trace_id, importance) are mirrored into dedicated store columns.
type Metadata struct {
	SchemaVersion string         `json:"schema_version"`
	AgentID       string         `json:"agent_id,omitempty"`
	Domain        string         `json:"domain,omitempty"`
	Custom        map[string]any `json:"custom,omitempty"`
}

// Provenance names the component that produced the packet.
type Provenance struct {
	Source       string `json:"source,omitempty"`
	ParentPacket string `json:"parent_packet,omitempty"`
	OriginTool   string `json:"origin_tool,omitempty"`
}

// Confidence scores how certain the emitter is about the payload.
// Audit packets always carry 1.0: they record direct observation.
type Confidence struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale,omitempty"`
}

// Lineage links a packet to its predecessors, forming a DAG.
type Lineage struct {
	ParentIDs []string `json:"parent_ids,omitempty"`
}

// Packet is the universal record envelope. See the package comment for
// lifecycle rules.
type Packet struct {
	PacketID   string         `json:"packet_id"`
	PacketType Type           `json:"packet_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
	Metadata   Metadata       `json:"metadata"`
	Provenance Provenance     `json:"provenance,omitempty"`
	Confidence *Confidence    `json:"confidence,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	Lineage    Lineage        `json:"lineage,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	TTL        *time.Time     `json:"ttl,omitempty"`
}

// New creates a packet of the given type with a server-assigned id and a
// UTC creation timestamp. Audit types are stamped immutable with the
// retention horizon.
func New(t Type, payload map[string]any) *Packet {
	p := &Packet{
		PacketID:   uuid.New().String(),
		PacketType: t,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
		Metadata: Metadata{
			SchemaVersion: SchemaVersion,
		},
	}
	if IsAuditType(t) {
		p.MarkImmutable()
	}
	return p
}

// Validate checks the envelope invariants. It returns an error wrapping
// ErrInvalidPacket on the first violation found.
func (p *Packet) Validate() error {
	if p.PacketID == "" {
		return fmt.Errorf("%w: packet_id is empty", ErrInvalidPacket)
	}
	if !p.PacketType.Valid() {
		return fmt.Errorf("%w: unknown packet_type %q", ErrInvalidPacket, p.PacketType)
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is zero", ErrInvalidPacket)
	}
	seen := make(map[string]bool, len(p.Tags))
	for _, tag := range p.Tags {
		if tag == "" {
			return fmt.Errorf("%w: empty tag", ErrInvalidPacket)
		}
		if seen[tag] {
			return fmt.Errorf("%w: duplicate tag %q", ErrInvalidPacket, tag)
		}
		seen[tag] = true
	}
	for _, parent := range p.Lineage.ParentIDs {
		if parent == p.PacketID {
			return fmt.Errorf("%w: parent_ids contains self", ErrInvalidPacket)
		}
	}
	if p.Confidence != nil {
		if p.Confidence.Score < 0 || p.Confidence.Score > 1 {
			return fmt.Errorf("%w: confidence score %f outside [0,1]", ErrInvalidPacket, p.Confidence.Score)
		}
	}
	if imp, ok := p.importanceRaw(); ok && (imp < 0 || imp > 1) {
		return fmt.Errorf("%w: importance %f outside [0,1]", ErrInvalidPacket, imp)
	}
	return nil
}

// Normalize deduplicates and sorts tags and pins the timestamp to UTC.
// Stores call it before persisting so that tag-set semantics hold
// regardless of how the caller assembled the envelope.
func (p *Packet) Normalize() {
	if len(p.Tags) > 1 {
		seen := make(map[string]bool, len(p.Tags))
		out := p.Tags[:0]
		for _, tag := range p.Tags {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
		p.Tags = out
		sort.Strings(p.Tags)
	}
	p.Timestamp = p.Timestamp.UTC()
	if p.TTL != nil {
		utc := p.TTL.UTC()
		p.TTL = &utc
	}
}

// AddTag inserts a tag preserving set semantics.
func (p *Packet) AddTag(tag string) {
	if tag == "" {
		return
	}
	for _, existing := range p.Tags {
		if existing == tag {
			return
		}
	}
	p.Tags = append(p.Tags, tag)
}

// HasTag reports whether the tag is present.
func (p *Packet) HasTag(tag string) bool {
	for _, existing := range p.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// MarkImmutable stamps the packet as never-prunable with the audit
// retention horizon.
func (p *Packet) MarkImmutable() {
	p.setCustom(KeyImmutable, true)
	p.setCustom(KeyRetention, AuditRetentionYears)
}

// Immutable reports whether the packet is protected from pruning.
func (p *Packet) Immutable() bool {
	if p.Metadata.Custom == nil {
		return false
	}
	v, ok := p.Metadata.Custom[KeyImmutable]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// SetTTL sets the expiry instant (UTC).
func (p *Packet) SetTTL(at time.Time) {
	utc := at.UTC()
	p.TTL = &utc
}

// Expired reports whether the packet's TTL has passed at now. Immutable
// packets never expire regardless of TTL.
func (p *Packet) Expired(now time.Time) bool {
	if p.TTL == nil || p.Immutable() {
		return false
	}
	return p.TTL.Before(now)
}

// SetTraceID mirrors the active trace into metadata for correlation.
func (p *Packet) SetTraceID(traceID string) { p.setCustom(KeyTraceID, traceID) }

// TraceID returns the correlated trace id, if any.
func (p *Packet) TraceID() string { return p.customString(KeyTraceID) }

// SetSessionID mirrors the owning session into metadata.
func (p *Packet) SetSessionID(sessionID string) { p.setCustom(KeySessionID, sessionID) }

// SessionID returns the owning session id, if any.
func (p *Packet) SessionID() string { return p.customString(KeySessionID) }

// SetScope sets the sharing scope (ScopeShared or ScopePrivate).
func (p *Packet) SetScope(scope string) { p.setCustom(KeyScope, scope) }

// Scope returns the sharing scope, if any.
func (p *Packet) Scope() string { return p.customString(KeyScope) }

// SetImportance records retrieval importance in [0,1].
func (p *Packet) SetImportance(score float64) { p.setCustom(KeyImportance, score) }

// Importance returns the retrieval importance, defaulting to 0.
func (p *Packet) Importance() float64 {
	v, _ := p.importanceRaw()
	return v
}

func (p *Packet) importanceRaw() (float64, bool) {
	if p.Metadata.Custom == nil {
		return 0, false
	}
	v, ok := p.Metadata.Custom[KeyImportance]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// ContentHash returns the stored content hash or computes, stores, and
// returns the SHA-256 of the canonical payload encoding.
func (p *Packet) ContentHash() string {
	if h := p.customString(KeyContentHash); h != "" {
		return h
	}
	data, err := json.Marshal(p.Payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	p.setCustom(KeyContentHash, h)
	return h
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate a persisted record in place.
func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Payload = cloneMap(p.Payload)
	cp.Metadata.Custom = cloneMap(p.Metadata.Custom)
	if p.Confidence != nil {
		conf := *p.Confidence
		cp.Confidence = &conf
	}
	if p.TTL != nil {
		ttl := *p.TTL
		cp.TTL = &ttl
	}
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Lineage.ParentIDs = append([]string(nil), p.Lineage.ParentIDs...)
	return &cp
}

// Encode serializes the packet to its canonical JSON form.
func (p *Packet) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses a packet from its canonical JSON form.
func Decode(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	return &p, nil
}

func (p *Packet) setCustom(key string, value any) {
	if p.Metadata.Custom == nil {
		p.Metadata.Custom = make(map[string]any, 4)
	}
	p.Metadata.Custom[key] = value
}

func (p *Packet) customString(key string) string {
	if p.Metadata.Custom == nil {
		return ""
	}
	if v, ok := p.Metadata.Custom[key].(string); ok {
		return v
	}
	return ""
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch nested := v.(type) {
		case map[string]any:
			out[k] = cloneMap(nested)
		case []any:
			out[k] = append([]any(nil), nested...)
		default:
			out[k] = v
		}
	}
	return out
}
