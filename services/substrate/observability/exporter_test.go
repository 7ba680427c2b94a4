// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

type fakePacketSink struct {
	mu      sync.Mutex
	packets []*packet.Packet
}

func (f *fakePacketSink) Insert(_ context.Context, p *packet.Packet) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, p)
	return p.PacketID, nil
}

func finishedSpan(name string, status Status) *Span {
	end := time.Now().UTC()
	return &Span{
		TraceID:    "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:     "00f067aa0ba902b7",
		Name:       name,
		Kind:       KindInternal,
		StartTime:  end.Add(-50 * time.Millisecond),
		EndTime:    &end,
		DurationMs: 50,
		Status:     status,
		AgentID:    "L",
		TaskID:     "thread-1",
	}
}

func TestSubstrateExporterPacketShape(t *testing.T) {
	sink := &fakePacketSink{}
	exp := NewSubstrateExporter(sink, 24*time.Hour)

	span := finishedSpan("tool.file_read", StatusOK)
	span.Attributes = map[string]any{AttrToolName: "file_read"}
	if err := exp.Export(context.Background(), []*Span{span}); err != nil {
		t.Fatalf("export: %v", err)
	}

	if len(sink.packets) != 1 {
		t.Fatalf("packets = %d", len(sink.packets))
	}
	p := sink.packets[0]
	if p.PacketID != "traces/"+span.TraceID+"/"+span.SpanID {
		t.Errorf("packet id = %q", p.PacketID)
	}
	if p.PacketType != packet.TypeTraceSpan {
		t.Errorf("type = %s", p.PacketType)
	}
	if p.ThreadID != "thread-1" || p.Metadata.AgentID != "L" {
		t.Errorf("envelope = %+v", p)
	}
	if p.TTL == nil {
		t.Error("span packet must carry a TTL")
	}
	if p.Immutable() {
		t.Error("trace_span packets must stay prunable")
	}
	if p.Payload["status"] != "OK" || p.Payload["name"] != "tool.file_read" {
		t.Errorf("payload = %v", p.Payload)
	}
}

func TestFileExporterWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "spans.jsonl")
	exp := NewFileExporter(path)
	defer exp.Close()

	spans := []*Span{
		finishedSpan("llm.generate", StatusOK),
		finishedSpan("tool.search", StatusError),
	}
	if err := exp.Export(context.Background(), spans); err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var decoded Span
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line %d not JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

type failingExporter struct{ err error }

func (f *failingExporter) Export(context.Context, []*Span) error { return f.err }
func (f *failingExporter) Close() error                          { return nil }

func TestCompositeIsolatesSinkFailure(t *testing.T) {
	good := &captureExporter{}
	bad := &failingExporter{err: errors.New("sink down")}
	comp := NewCompositeExporter(nil, bad, good)

	err := comp.Export(context.Background(), []*Span{finishedSpan("op", StatusOK)})
	if err == nil {
		t.Error("first error must surface for accounting")
	}
	if len(good.exported()) != 1 {
		t.Error("healthy sink starved by failing sibling")
	}
}
