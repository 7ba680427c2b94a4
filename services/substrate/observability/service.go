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
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/config"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/telemetry"
)

// SpanObserver is notified of every finished span, exported or not.
// The failure recovery engine subscribes here.
type SpanObserver func(*Span)

// Service is the trace plane. It owns the sampling decision, the span
// lifecycle, and the batched export pipeline.
//
// Export rules: a span finishing ERROR is always exported when the
// error sampling rate is 1.0 (the default). An OK span is exported only
// when its trace was head-sampled. Observers see every finished span
// either way.
//
// Thread Safety: safe for concurrent use.
type Service struct {
	cfg     config.Observability
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	rng       *rand.Rand
	observers []SpanObserver

	batcher *batcher
}

// NewService builds the trace plane around the given exporter. A nil
// exporter (or Enabled=false) yields a service that still creates spans
// and notifies observers but exports nothing.
func NewService(cfg config.Observability, exporter Exporter, metrics *telemetry.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.Enabled && exporter != nil {
		s.batcher = newBatcher(exporter, cfg.BatchSize,
			time.Duration(cfg.BatchTimeoutSec)*time.Second, metrics, logger)
	}
	return s
}

// BuildExporter assembles the composite sink from the configured
// exporter names. substrateSink may be nil when the packet-store sink
// is disabled.
func BuildExporter(cfg config.Observability, substrateSink PacketSink, spanTTL time.Duration, logger *slog.Logger) Exporter {
	var sinks []Exporter
	for _, name := range cfg.Exporters {
		switch name {
		case config.ExporterConsole:
			sinks = append(sinks, NewConsoleExporter())
		case config.ExporterFile:
			sinks = append(sinks, NewFileExporter(cfg.FileExportPath))
		case config.ExporterSubstrate:
			if cfg.SubstrateEnabled && substrateSink != nil {
				sinks = append(sinks, NewSubstrateExporter(substrateSink, spanTTL))
			}
		default:
			if logger != nil {
				logger.Warn("unknown trace exporter, skipping", "exporter", name)
			}
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	return NewCompositeExporter(logger, sinks...)
}

// Subscribe registers a finished-span observer.
func (s *Service) Subscribe(obs SpanObserver) {
	if s == nil || obs == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// StartTrace opens a root span with a fresh trace context. The head
// sampling decision is drawn once here and inherited by all children.
func (s *Service) StartTrace(ctx context.Context, name string, kind Kind) (context.Context, *Span) {
	tc := FromContext(ctx)
	if tc == nil {
		tc = NewTraceContext(s.sample())
	}
	return s.startWith(ctx, tc, name, kind)
}

// ContinueTrace opens a root-of-process span under a remote parent
// parsed from a traceparent header, keeping the caller's sampling
// decision.
func (s *Service) ContinueTrace(ctx context.Context, header, name string, kind Kind) (context.Context, *Span) {
	remote, ok := ParseTraceparent(header)
	if !ok {
		return s.StartTrace(ctx, name, kind)
	}
	child := remote.Child()
	return s.startWith(ctx, child, name, kind)
}

// StartSpan opens a child of the span in ctx. Without an active trace
// it degrades to StartTrace.
func (s *Service) StartSpan(ctx context.Context, name string, kind Kind) (context.Context, *Span) {
	tc := FromContext(ctx)
	if tc == nil {
		return s.StartTrace(ctx, name, kind)
	}
	return s.startWith(ctx, tc.Child(), name, kind)
}

func (s *Service) startWith(ctx context.Context, tc *TraceContext, name string, kind Kind) (context.Context, *Span) {
	span := &Span{
		TraceID:      tc.TraceID.String(),
		SpanID:       tc.SpanID.String(),
		ParentSpanID: tc.ParentSpanID,
		Name:         name,
		Kind:         kind,
		StartTime:    time.Now().UTC(),
		Status:       StatusUnset,
		UserID:       tc.UserID,
		TaskID:       tc.TaskID,
		AgentID:      tc.AgentID,
		sampled:      tc.IsSampled,
		svc:          s,
	}
	return ContextWith(ctx, tc), span
}

// finish routes a closed span: observers always, export per the
// sampling rules.
func (s *Service) finish(span *Span) {
	s.mu.Lock()
	observers := append([]SpanObserver(nil), s.observers...)
	s.mu.Unlock()

	for _, obs := range observers {
		obs(span)
	}

	if s.batcher == nil {
		return
	}
	export := span.sampled
	if span.Status == StatusError {
		export = s.cfg.ErrorSamplingRate >= 1.0 || span.sampled || s.sampleError()
	}
	if export {
		s.batcher.add(span.snapshot())
	}
}

// Track runs fn inside a child span, finishing it from fn's error.
func (s *Service) Track(ctx context.Context, name string, kind Kind, fn func(context.Context, *Span) error) error {
	ctx, span := s.StartSpan(ctx, name, kind)
	err := fn(ctx, span)
	if err != nil {
		span.FinishError(err)
	} else {
		span.FinishOK()
	}
	return err
}

// Flush forces a synchronous export of the pending batch.
func (s *Service) Flush(ctx context.Context) {
	if s.batcher != nil {
		s.batcher.flush(ctx)
	}
}

// Shutdown flushes and stops the export worker.
func (s *Service) Shutdown(ctx context.Context) {
	if s.batcher != nil {
		s.batcher.stop(ctx)
	}
}

func (s *Service) sample() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.cfg.SamplingRate
}

func (s *Service) sampleError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.cfg.ErrorSamplingRate
}

// ---------------------------------------------------------------------
// Batch worker
// ---------------------------------------------------------------------

// batcher accumulates snapshots and flushes on batch size, timeout, or
// shutdown. When the downstream sink stalls, the buffer is bounded at
// the batch size and the oldest span is dropped with a counter bump:
// losing telemetry must never block the operation that produced it.
type batcher struct {
	exporter Exporter
	size     int
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mu   sync.Mutex
	buf  []*Span
	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newBatcher(exporter Exporter, size int, timeout time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) *batcher {
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	b := &batcher{
		exporter: exporter,
		size:     size,
		metrics:  metrics,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop(timeout)
	return b
}

func (b *batcher) add(span *Span) {
	b.mu.Lock()
	if len(b.buf) >= b.size {
		copy(b.buf, b.buf[1:])
		b.buf[len(b.buf)-1] = span
		b.mu.Unlock()
		b.metrics.RecordSpanDropped()
		b.signal()
		return
	}
	b.buf = append(b.buf, span)
	full := len(b.buf) >= b.size
	b.mu.Unlock()

	if full {
		b.signal()
	}
}

func (b *batcher) signal() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *batcher) loop(timeout time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()

	for {
		select {
		case <-b.kick:
			b.flush(context.Background())
		case <-ticker.C:
			b.flush(context.Background())
		case <-b.done:
			b.flush(context.Background())
			return
		}
	}
}

func (b *batcher) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	if err := b.exporter.Export(ctx, batch); err != nil && b.logger != nil {
		b.logger.Warn("span batch export failed", "spans", len(batch), "error", err)
	}
}

func (b *batcher) stop(ctx context.Context) {
	close(b.done)

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}
	if err := b.exporter.Close(); err != nil && b.logger != nil {
		b.logger.Warn("trace exporter close failed", "error", err)
	}
}
