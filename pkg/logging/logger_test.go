// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"WARNING", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := tt.level.toSlogLevel(); got != tt.want {
			t.Errorf("toSlogLevel(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.slog == nil {
		t.Error("logger.slog is nil")
	}
	if logger.file != nil {
		t.Error("file handle should be nil without LogDir")
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "substrate-test",
	})
	defer logger.Close()

	if logger.file == nil {
		t.Fatal("expected file handle with LogDir set")
	}

	logger.Info("packet ingested", "packet_id", "p-1")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "substrate-test_") {
		t.Errorf("unexpected log file name %q", entries[0].Name())
	}
}

func TestLogger_FileContent(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "substrate",
		Quiet:   true,
	})

	logger.Info("dispatch completed", "tool_id", "file_read", "status", "success")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "*.log"))
	if len(files) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(files))
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"tool_id":"file_read"`) {
		t.Errorf("file log missing attribute, got: %s", content)
	}
	if !strings.Contains(content, `"service":"substrate"`) {
		t.Errorf("file log missing service attribute, got: %s", content)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	// Export is async; give the goroutines a moment.
	waitForEntries(t, exporter, 2)

	for _, e := range exporter.Entries() {
		if e.Level < LevelWarn {
			t.Errorf("entry below configured level exported: %v", e)
		}
	}
}

func TestLogger_With_SharesResources(t *testing.T) {
	exporter := NewBufferedExporter()
	parent := New(Config{Quiet: true, Exporter: exporter})
	child := parent.With("thread_id", "th-1")

	if child.exporter != parent.exporter {
		t.Error("child logger should share the exporter")
	}

	child.Info("node transition", "node", "critic")
	waitForEntries(t, exporter, 1)
}

func TestLogger_Close_WithExporter(t *testing.T) {
	exporter := &failingExporter{failClose: true}
	logger := New(Config{Quiet: true, Exporter: exporter})

	err := logger.Close()
	if err == nil {
		t.Fatal("expected error from exporter Close")
	}
	if !exporter.flushed {
		t.Error("Flush should run before Close")
	}
}

func TestInstallDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger := InstallDefault(Config{Quiet: true, Service: "substrate"})
	defer logger.Close()

	if slog.Default() != logger.Slog() {
		t.Error("InstallDefault did not install the logger as slog default")
	}
}

func TestMultiHandler_Handle(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}}

	logger := slog.New(h)
	logger.Info("breaker opened", "resource", "llm")

	if !strings.Contains(a.String(), "breaker opened") {
		t.Error("first handler did not receive record")
	}
	if !strings.Contains(b.String(), "breaker opened") {
		t.Error("second handler did not receive record")
	}
}

func TestMultiHandler_LevelFiltering(t *testing.T) {
	var debugBuf, errorBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	logger := slog.New(h)
	logger.Info("info only")

	if !strings.Contains(debugBuf.String(), "info only") {
		t.Error("debug handler should receive info record")
	}
	if errorBuf.Len() != 0 {
		t.Error("error handler should filter info record")
	}
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{slog.NewJSONHandler(&buf, nil)}}
	withAttrs := h.WithAttrs([]slog.Attr{slog.String("agent_id", "L")})

	logger := slog.New(withAttrs)
	logger.Info("hydrated")

	if !strings.Contains(buf.String(), `"agent_id":"L"`) {
		t.Errorf("attribute not propagated, got: %s", buf.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/logs", filepath.Join(home, "logs")},
		{"/var/log", "/var/log"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExporter_SeesSlogRecords(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Service: "substrate", Exporter: exporter})
	defer logger.Close()

	// Components hold a *slog.Logger, not the Logger wrapper; records
	// emitted through it must still reach the exporter.
	logger.Slog().Info("prune cycle completed", "removed", int64(3))
	waitForEntries(t, exporter, 1)

	entry := exporter.Entries()[0]
	if entry.Message != "prune cycle completed" {
		t.Errorf("message = %q", entry.Message)
	}
	if entry.Service != "substrate" {
		t.Errorf("service = %q", entry.Service)
	}
	if entry.Level != LevelInfo {
		t.Errorf("level = %v", entry.Level)
	}
	if entry.Attrs["removed"] != int64(3) {
		t.Errorf("attrs = %v", entry.Attrs)
	}
	if _, ok := entry.Attrs["service"]; ok {
		t.Error("service should ride on the entry, not the attr map")
	}
}

func TestExporter_CapturesWithAttrs(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	defer logger.Close()

	logger.With("thread_id", "th-1").Info("node transition", "node", "critic")
	waitForEntries(t, exporter, 1)

	attrs := exporter.Entries()[0].Attrs
	if attrs["thread_id"] != "th-1" {
		t.Errorf("thread_id missing from exported attrs: %v", attrs)
	}
	if attrs["node"] != "critic" {
		t.Errorf("node missing from exported attrs: %v", attrs)
	}
}

func TestFromSlogLevel(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want Level
	}{
		{slog.LevelDebug, LevelDebug},
		{slog.LevelInfo, LevelInfo},
		{slog.LevelWarn, LevelWarn},
		{slog.LevelError, LevelError},
		{slog.LevelError + 4, LevelError},
	}

	for _, tt := range tests {
		if got := fromSlogLevel(tt.in); got != tt.want {
			t.Errorf("fromSlogLevel(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBufferedExporter_ConcurrentAccess(t *testing.T) {
	exporter := NewBufferedExporter()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exporter.Export(context.Background(), LogEntry{Message: "m"})
			_ = exporter.Entries()
		}()
	}
	wg.Wait()

	if got := len(exporter.Entries()); got != 20 {
		t.Errorf("expected 20 entries, got %d", got)
	}
}

func TestBufferedExporter_Entries_ReturnsCopy(t *testing.T) {
	exporter := NewBufferedExporter()
	_ = exporter.Export(context.Background(), LogEntry{Message: "original"})

	entries := exporter.Entries()
	entries[0].Message = "mutated"

	if exporter.Entries()[0].Message != "original" {
		t.Error("Entries should return a copy")
	}
}

// failingExporter fails on demand to exercise Close error paths.
type failingExporter struct {
	failFlush bool
	failClose bool
	flushed   bool
}

func (e *failingExporter) Export(ctx context.Context, entry LogEntry) error { return nil }

func (e *failingExporter) Flush(ctx context.Context) error {
	e.flushed = true
	if e.failFlush {
		return errors.New("flush failed")
	}
	return nil
}

func (e *failingExporter) Close() error {
	if e.failClose {
		return errors.New("close failed")
	}
	return nil
}

// waitForEntries polls the exporter until at least n entries arrive or the
// deadline passes. The export path is fire-and-forget.
func waitForEntries(t *testing.T, e *BufferedExporter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.Entries()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least %d exported entries, got %d", n, len(e.Entries()))
}
