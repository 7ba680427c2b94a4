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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

// Exporter delivers finished spans to one sink.
type Exporter interface {
	Export(ctx context.Context, spans []*Span) error
	Close() error
}

// ---------------------------------------------------------------------
// Console sink
// ---------------------------------------------------------------------

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

// ConsoleExporter prints one line per span to stderr, colored when the
// stream is a terminal. Meant for local runs, not production.
type ConsoleExporter struct {
	mu    sync.Mutex
	out   *os.File
	color bool
}

// NewConsoleExporter writes to stderr.
func NewConsoleExporter() *ConsoleExporter {
	out := os.Stderr
	return &ConsoleExporter{
		out:   out,
		color: isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()),
	}
}

// Export implements Exporter.
func (c *ConsoleExporter) Export(_ context.Context, spans []*Span) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range spans {
		status := string(s.Status)
		if c.color {
			switch s.Status {
			case StatusError:
				status = ansiRed + status + ansiReset
			case StatusOK:
				status = ansiGreen + status + ansiReset
			default:
				status = ansiYellow + status + ansiReset
			}
		}
		line := fmt.Sprintf("[trace] %s %-8s %-30s %8.2fms  trace=%s span=%s",
			s.StartTime.Format("15:04:05.000"), status, s.Name, s.DurationMs,
			shortID(s.TraceID), shortID(s.SpanID))
		if s.Error != "" {
			line += "  err=" + s.Error
		}
		fmt.Fprintln(c.out, line)
	}
	return nil
}

// Close implements Exporter.
func (c *ConsoleExporter) Close() error { return nil }

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ---------------------------------------------------------------------
// File sink
// ---------------------------------------------------------------------

// FileExporter appends one JSON object per span to a JSONL file. The
// file opens lazily on the first export so a misconfigured path does
// not block service start.
type FileExporter struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileExporter creates the sink for the given path.
func NewFileExporter(path string) *FileExporter {
	return &FileExporter{path: path}
}

// Export implements Exporter.
func (f *FileExporter) Export(_ context.Context, spans []*Span) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.f == nil {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return fmt.Errorf("create trace dir: %w", err)
		}
		file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		f.f = file
	}

	enc := json.NewEncoder(f.f)
	for _, s := range spans {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("encode span %s: %w", s.SpanID, err)
		}
	}
	return nil
}

// Close implements Exporter.
func (f *FileExporter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// ---------------------------------------------------------------------
// Substrate sink
// ---------------------------------------------------------------------

// PacketSink is the slice of the packet store the trace plane needs.
type PacketSink interface {
	Insert(ctx context.Context, p *packet.Packet) (string, error)
}

// SubstrateExporter persists spans as trace_span packets keyed
// traces/{trace_id}/{span_id}. Replayed exports land on the same
// packet id, so the sink is idempotent.
type SubstrateExporter struct {
	sink PacketSink
	ttl  time.Duration
}

// NewSubstrateExporter creates the sink. ttl bounds how long span
// packets live before the prune pass reclaims them.
func NewSubstrateExporter(sink PacketSink, ttl time.Duration) *SubstrateExporter {
	return &SubstrateExporter{sink: sink, ttl: ttl}
}

// Export implements Exporter.
func (e *SubstrateExporter) Export(ctx context.Context, spans []*Span) error {
	for _, s := range spans {
		p := packet.New(packet.TypeTraceSpan, spanPayload(s))
		p.PacketID = fmt.Sprintf("traces/%s/%s", s.TraceID, s.SpanID)
		p.ThreadID = s.TaskID
		p.Metadata.AgentID = s.AgentID
		p.SetTraceID(s.TraceID)
		p.Confidence = &packet.Confidence{Score: 1.0, Rationale: "direct observation"}
		p.Tags = []string{"status:" + string(s.Status), "trace:" + s.TraceID}
		if e.ttl > 0 {
			p.SetTTL(time.Now().Add(e.ttl))
		}
		p.Provenance.Source = "observability"
		if _, err := e.sink.Insert(ctx, p); err != nil {
			return fmt.Errorf("persist span %s: %w", s.SpanID, err)
		}
	}
	return nil
}

// Close implements Exporter.
func (e *SubstrateExporter) Close() error { return nil }

func spanPayload(s *Span) map[string]any {
	payload := map[string]any{
		"trace_id":    s.TraceID,
		"span_id":     s.SpanID,
		"name":        s.Name,
		"kind":        string(s.Kind),
		"start_time":  s.StartTime.Format(time.RFC3339Nano),
		"duration_ms": s.DurationMs,
		"status":      string(s.Status),
	}
	if s.ParentSpanID != "" {
		payload["parent_span_id"] = s.ParentSpanID
	}
	if s.EndTime != nil {
		payload["end_time"] = s.EndTime.Format(time.RFC3339Nano)
	}
	if s.Error != "" {
		payload["error"] = s.Error
	}
	if len(s.Attributes) > 0 {
		payload["attributes"] = s.Attributes
	}
	return payload
}

// ---------------------------------------------------------------------
// Composite
// ---------------------------------------------------------------------

// CompositeExporter fans a batch out to every configured sink. One
// sink failing never blocks the others; failures are logged and the
// first error is returned for the drop counter.
type CompositeExporter struct {
	sinks  []Exporter
	logger *slog.Logger
}

// NewCompositeExporter wraps the given sinks.
func NewCompositeExporter(logger *slog.Logger, sinks ...Exporter) *CompositeExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompositeExporter{sinks: sinks, logger: logger}
}

// Export implements Exporter.
func (c *CompositeExporter) Export(ctx context.Context, spans []*Span) error {
	var firstErr error
	for _, sink := range c.sinks {
		if err := sink.Export(ctx, spans); err != nil {
			c.logger.Warn("trace sink export failed",
				"sink", fmt.Sprintf("%T", sink),
				"spans", len(spans),
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close implements Exporter.
func (c *CompositeExporter) Close() error {
	var firstErr error
	for _, sink := range c.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
