// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability is the substrate's trace/span plane: per-request
// trace context, typed spans for LLM/tool/governance/retrieval
// operations, sticky head sampling with error-forced export, and batched
// multi-sink export.
//
// The otel API supplies the id types and the W3C traceparent codec; the
// plane itself is in-repo because ERROR spans must export exactly once
// regardless of the head-sampling decision and one sink is the packet
// store.
package observability

import (
	"context"
	"crypto/rand"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceparentHeader is the W3C propagation header name.
const TraceparentHeader = "traceparent"

type contextKey struct{}

// TraceContext is the request-scoped trace identity. It is sticky: the
// sampling decision is made once at the root and inherited by every
// child span.
type TraceContext struct {
	TraceID      trace.TraceID `json:"trace_id"`
	SpanID       trace.SpanID  `json:"span_id"`
	ParentSpanID string        `json:"parent_span_id,omitempty"`
	IsSampled    bool          `json:"is_sampled"`
	UserID       string        `json:"user_id,omitempty"`
	TaskID       string        `json:"task_id,omitempty"`
	AgentID      string        `json:"agent_id,omitempty"`
}

// NewTraceContext creates a root context with fresh random ids and the
// given sampling decision.
func NewTraceContext(sampled bool) *TraceContext {
	return &TraceContext{
		TraceID:   newTraceID(),
		SpanID:    newSpanID(),
		IsSampled: sampled,
	}
}

// Child derives a context for a child span: same trace, new span id,
// inherited sampling decision and identity fields.
func (tc *TraceContext) Child() *TraceContext {
	return &TraceContext{
		TraceID:      tc.TraceID,
		SpanID:       newSpanID(),
		ParentSpanID: tc.SpanID.String(),
		IsSampled:    tc.IsSampled,
		UserID:       tc.UserID,
		TaskID:       tc.TaskID,
		AgentID:      tc.AgentID,
	}
}

// Traceparent renders the W3C header: version-traceid-spanid-flags.
func (tc *TraceContext) Traceparent() string {
	flags := trace.TraceFlags(0)
	if tc.IsSampled {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tc.TraceID,
		SpanID:     tc.SpanID,
		TraceFlags: flags,
	})

	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(
		trace.ContextWithSpanContext(context.Background(), sc), carrier)
	return carrier.Get(TraceparentHeader)
}

// ParseTraceparent hydrates a context from an incoming W3C header.
// Returns false on a missing or malformed header.
func ParseTraceparent(header string) (*TraceContext, bool) {
	if header == "" {
		return nil, false
	}
	carrier := propagation.MapCarrier{TraceparentHeader: header}
	ctx := propagation.TraceContext{}.Extract(context.Background(), carrier)
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil, false
	}
	return &TraceContext{
		TraceID:   sc.TraceID(),
		SpanID:    sc.SpanID(),
		IsSampled: sc.IsSampled(),
	}, true
}

// ContextWith attaches the trace context.
func ContextWith(ctx context.Context, tc *TraceContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the attached trace context, or nil.
func FromContext(ctx context.Context) *TraceContext {
	tc, _ := ctx.Value(contextKey{}).(*TraceContext)
	return tc
}

// InjectToMap writes the traceparent header into a string map carrier,
// for outbound calls over non-HTTP transports.
func InjectToMap(ctx context.Context, carrier map[string]string) map[string]string {
	if carrier == nil {
		carrier = make(map[string]string, 1)
	}
	if tc := FromContext(ctx); tc != nil {
		carrier[TraceparentHeader] = tc.Traceparent()
	}
	return carrier
}

func newTraceID() trace.TraceID {
	var id trace.TraceID
	_, _ = rand.Read(id[:])
	return id
}

func newSpanID() trace.SpanID {
	var id trace.SpanID
	_, _ = rand.Read(id[:])
	return id
}
