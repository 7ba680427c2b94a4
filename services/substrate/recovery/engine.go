// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/observability"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

// Action is one step of a recovery chain.
type Action string

const (
	ActionRetry     Action = "RETRY"
	ActionFallback  Action = "FALLBACK"
	ActionSummarize Action = "SUMMARIZE"
	ActionDegrade   Action = "DEGRADE"
	ActionEscalate  Action = "ESCALATE"
	ActionFailFast  Action = "FAIL_FAST"
)

var (
	// ErrEscalated marks a failure the chain could not recover; a
	// governance_meta escalation packet was emitted.
	ErrEscalated = errors.New("recovery: escalated to governance")

	// ErrFailFast marks a failure whose class forbids retrying.
	ErrFailFast = errors.New("recovery: fail fast")
)

// step is one configured chain entry.
type step struct {
	action   Action
	attempts int
	backoff  []time.Duration
	// retry hint: temperature shift applied on the re-attempt
	temperatureDelta float32
	// degrade hint: decompose instead of switching models
	decompose bool
	// fallback hint: read the cache instead of the configured alternate
	useCache bool
}

// chains is the per-class recovery table. Applied in order; the first
// step that succeeds stops the chain.
var chains = map[Class][]step{
	ToolError: {
		{action: ActionRetry, attempts: 1, backoff: []time.Duration{time.Second}},
		{action: ActionEscalate},
	},
	ToolTimeout: {
		{action: ActionRetry, attempts: 3, backoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}},
		{action: ActionFallback},
		{action: ActionEscalate},
	},
	ContextWindowExceeded: {
		{action: ActionSummarize},
	},
	GovernanceDenied: {
		{action: ActionFailFast},
	},
	CostConstraintBreach: {
		{action: ActionDegrade},
	},
	ExternalAPITimeout: {
		{action: ActionRetry, attempts: 2, backoff: []time.Duration{2 * time.Second, 4 * time.Second}},
		{action: ActionFallback, useCache: true},
	},
	PlanningFailure: {
		{action: ActionDegrade, decompose: true},
	},
	LLMHallucination: {
		{action: ActionRetry, attempts: 1, temperatureDelta: -0.2},
	},
	LLMContentFilter: {
		{action: ActionFailFast},
	},
}

// Hints carries per-attempt adjustments into the retried operation.
type Hints struct {
	// Attempt is 1-based across the whole chain.
	Attempt int

	// TemperatureDelta is added to the operation's sampling temperature.
	TemperatureDelta float32

	// DegradeModel asks for the cheaper backend model.
	DegradeModel bool

	// DecomposeTask asks the planner to split the task before retrying.
	DecomposeTask bool

	// SummarizedContext replaces the oversized context when non-empty.
	SummarizedContext string
}

// Operation is the unit of work the engine re-drives.
type Operation struct {
	// Resource names the protected resource, also the breaker key.
	Resource string

	// AgentID attributes escalation packets.
	AgentID string

	// Run executes one attempt with the given hints.
	Run func(ctx context.Context, hints Hints) (any, error)

	// Fallback is the configured alternate, used by FALLBACK steps that
	// are not cache reads. Optional.
	Fallback func(ctx context.Context) (any, error)

	// CacheKey addresses the fallback cache for EXTERNAL_API_TIMEOUT.
	CacheKey string

	// OversizedContext is the text SUMMARIZE compresses.
	OversizedContext string
}

// Outcome reports which action recovered and what it produced.
type Outcome struct {
	Action   Action `json:"action"`
	Attempts int    `json:"attempts"`
	Value    any    `json:"value,omitempty"`
}

// EscalationSink receives the governance_meta escalation packets.
type EscalationSink interface {
	Insert(ctx context.Context, p *packet.Packet) (string, error)
}

// FallbackCache is the slice of redis the FALLBACK(cache) step needs.
type FallbackCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// Engine drives recovery chains. All collaborators are optional: a
// missing cache or summarizer simply fails that step and the chain
// moves on.
type Engine struct {
	cache      FallbackCache
	summarizer *Summarizer
	sink       EscalationSink
	breakers   *BreakerGroup
	logger     *slog.Logger

	// sleep is swapped in tests to skip real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine builds the engine. Any collaborator may be nil.
func NewEngine(cache FallbackCache, summarizer *Summarizer, sink EscalationSink, breakers *BreakerGroup, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cache:      cache,
		summarizer: summarizer,
		sink:       sink,
		breakers:   breakers,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// ObserveSpan is the span-plane subscription point: classify the span
// and record the failure on the resource's breaker. Recovery itself is
// driven by the owning call site through Recover, not from here, so the
// observer never blocks the trace plane.
func (e *Engine) ObserveSpan(span *observability.Span) {
	signal, ok := Classify(span)
	if !ok {
		return
	}
	e.logger.Warn("failure signal classified",
		"class", string(signal.Class),
		"resource", signal.Resource,
		"trace_id", span.TraceID,
		"reason", signal.Reason)
	if e.breakers != nil && signal.Resource != "" {
		e.breakers.RecordFailure(signal.Resource)
	}
}

// Recover applies the chain for the signal's class. The first step that
// succeeds returns its outcome; exhaustion escalates and returns
// ErrEscalated. Never a silent success: an outcome always names the
// action that produced it.
func (e *Engine) Recover(ctx context.Context, signal FailureSignal, op Operation) (*Outcome, error) {
	chain, ok := chains[signal.Class]
	if !ok {
		return nil, e.escalate(ctx, signal, op, 0)
	}

	attempts := 0
	var lastErr error
	for _, st := range chain {
		switch st.action {
		case ActionRetry:
			for i := 0; i < st.attempts; i++ {
				if i < len(st.backoff) {
					if err := e.sleep(ctx, st.backoff[i]); err != nil {
						return nil, err
					}
				}
				attempts++
				value, err := e.run(ctx, op, Hints{Attempt: attempts, TemperatureDelta: st.temperatureDelta})
				if err == nil {
					return &Outcome{Action: ActionRetry, Attempts: attempts, Value: value}, nil
				}
				lastErr = err
				e.logger.Warn("retry attempt failed",
					"class", string(signal.Class),
					"resource", signal.Resource,
					"attempt", attempts,
					"error", err)
			}

		case ActionFallback:
			value, err := e.fallback(ctx, st, op)
			if err == nil {
				return &Outcome{Action: ActionFallback, Attempts: attempts, Value: value}, nil
			}
			lastErr = err

		case ActionSummarize:
			if e.summarizer == nil {
				lastErr = errors.New("recovery: no summarizer configured")
				continue
			}
			summary, err := e.summarizer.Compress(ctx, op.OversizedContext)
			if err != nil {
				lastErr = err
				continue
			}
			if op.Run != nil {
				attempts++
				value, err := op.Run(ctx, Hints{Attempt: attempts, SummarizedContext: summary})
				if err == nil {
					return &Outcome{Action: ActionSummarize, Attempts: attempts, Value: value}, nil
				}
				lastErr = err
				continue
			}
			return &Outcome{Action: ActionSummarize, Attempts: attempts, Value: summary}, nil

		case ActionDegrade:
			attempts++
			value, err := e.run(ctx, op, Hints{Attempt: attempts, DegradeModel: !st.decompose, DecomposeTask: st.decompose})
			if err == nil {
				return &Outcome{Action: ActionDegrade, Attempts: attempts, Value: value}, nil
			}
			lastErr = err

		case ActionEscalate:
			return nil, e.escalate(ctx, signal, op, attempts)

		case ActionFailFast:
			if err := e.escalate(ctx, signal, op, attempts); err != nil && !errors.Is(err, ErrEscalated) {
				e.logger.Warn("escalation emit failed", "error", err)
			}
			if signal.Reason != "" {
				return nil, fmt.Errorf("%w: %s", ErrFailFast, signal.Reason)
			}
			return nil, ErrFailFast
		}
	}

	if lastErr != nil {
		e.logger.Warn("recovery chain exhausted",
			"class", string(signal.Class),
			"resource", signal.Resource,
			"error", lastErr)
	}
	return nil, e.escalate(ctx, signal, op, attempts)
}

func (e *Engine) run(ctx context.Context, op Operation, hints Hints) (any, error) {
	if op.Run == nil {
		return nil, errors.New("recovery: operation has no run function")
	}
	if e.breakers != nil && op.Resource != "" {
		return e.breakers.Execute(op.Resource, func() (any, error) {
			return op.Run(ctx, hints)
		})
	}
	return op.Run(ctx, hints)
}

func (e *Engine) fallback(ctx context.Context, st step, op Operation) (any, error) {
	if st.useCache {
		if e.cache == nil {
			return nil, errors.New("recovery: no fallback cache configured")
		}
		if op.CacheKey == "" {
			return nil, errors.New("recovery: operation has no cache key")
		}
		value, found, err := e.cache.Get(ctx, op.CacheKey)
		if err != nil {
			return nil, fmt.Errorf("fallback cache read: %w", err)
		}
		if !found {
			return nil, fmt.Errorf("fallback cache miss for %s", op.CacheKey)
		}
		return value, nil
	}
	if op.Fallback == nil {
		return nil, errors.New("recovery: no fallback configured")
	}
	return op.Fallback(ctx)
}

// escalate emits the governance_meta packet and returns ErrEscalated.
// A sink failure is logged, not surfaced: the caller still sees the
// escalation error.
func (e *Engine) escalate(ctx context.Context, signal FailureSignal, op Operation, attempts int) error {
	if e.sink != nil {
		p := packet.New(packet.TypeGovernanceMeta, map[string]any{
			"event":      "recovery_escalation",
			"class":      string(signal.Class),
			"resource":   signal.Resource,
			"reason":     signal.Reason,
			"attempts":   attempts,
			"agent_id":   op.AgentID,
			"created_at": time.Now().UTC().Format(time.RFC3339),
		})
		p.Metadata.AgentID = op.AgentID
		p.Confidence = &packet.Confidence{Score: 1.0, Rationale: "direct observation"}
		p.Tags = []string{"class:" + string(signal.Class), "event:escalation"}
		if signal.Span != nil {
			p.SetTraceID(signal.Span.TraceID)
		}
		p.Provenance.Source = "recovery"
		if _, err := e.sink.Insert(ctx, p); err != nil {
			e.logger.Warn("escalation packet insert failed", "error", err)
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrEscalated, signal.Class, signal.Resource)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
