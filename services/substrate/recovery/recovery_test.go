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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/AleutianAI/AleutianSubstrate/services/llm"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/observability"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
)

func errorSpan(name string, kind observability.Kind, errMsg string, attrs map[string]any) *observability.Span {
	s := &observability.Span{
		Name:       name,
		Kind:       kind,
		Status:     observability.StatusError,
		Error:      errMsg,
		Attributes: attrs,
	}
	return s
}

func TestClassifyTable(t *testing.T) {
	tests := []struct {
		name      string
		span      *observability.Span
		wantClass Class
		wantOK    bool
	}{
		{
			"tool error",
			errorSpan("tool.gmp_run", observability.KindInternal, "exit status 1",
				map[string]any{observability.AttrToolName: "gmp_run"}),
			ToolError, true,
		},
		{
			"slow tool is a timeout even when OK",
			&observability.Span{
				Name: "tool.search", Status: observability.StatusOK, DurationMs: 31_000,
			},
			ToolTimeout, true,
		},
		{
			"tool deadline error",
			errorSpan("tool.search", observability.KindInternal, "context deadline exceeded", nil),
			ToolTimeout, true,
		},
		{
			"context overflow regardless of status",
			&observability.Span{
				Name: "context.assemble", Status: observability.StatusOK,
				Attributes: map[string]any{observability.AttrContextOverflow: true},
			},
			ContextWindowExceeded, true,
		},
		{
			"governance deny",
			&observability.Span{
				Name: "governance.tool_grant", Status: observability.StatusOK,
				Attributes: map[string]any{observability.AttrGovernanceResult: "deny"},
			},
			GovernanceDenied, true,
		},
		{
			"governance allow is not a failure",
			&observability.Span{
				Name: "governance.tool_grant", Status: observability.StatusOK,
				Attributes: map[string]any{observability.AttrGovernanceResult: "allow"},
			},
			"", false,
		},
		{
			"external api deadline",
			errorSpan("http.geopolitics_feed", observability.KindClient, "context deadline exceeded", nil),
			ExternalAPITimeout, true,
		},
		{
			"planner produced nothing",
			&observability.Span{
				Name: "planner.plan", Status: observability.StatusOK,
				Attributes: map[string]any{observability.AttrPlannerSteps: 0},
			},
			PlanningFailure, true,
		},
		{
			"content filter",
			errorSpan("llm.generate", observability.KindClient, "llm: content filtered by provider",
				map[string]any{observability.AttrLLMModel: "gpt-4o"}),
			LLMContentFilter, true,
		},
		{
			"cost breach",
			&observability.Span{
				Name: "llm.generate", Kind: observability.KindClient, Status: observability.StatusOK,
				Attributes: map[string]any{
					observability.AttrLLMModel:   "gpt-4o",
					observability.AttrLLMCostUSD: 0.75,
				},
			},
			CostConstraintBreach, true,
		},
		{
			"healthy span",
			&observability.Span{Name: "llm.generate", Status: observability.StatusOK},
			"", false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signal, ok := Classify(tt.span)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && signal.Class != tt.wantClass {
				t.Errorf("class = %s, want %s", signal.Class, tt.wantClass)
			}
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	span := errorSpan("tool.gmp_run", observability.KindInternal, "exit status 1", nil)
	first, _ := Classify(span)
	second, _ := Classify(span)
	if first != second {
		t.Error("same span classified differently")
	}
}

type recordingSink struct {
	mu      sync.Mutex
	packets []*packet.Packet
}

func (s *recordingSink) Insert(_ context.Context, p *packet.Packet) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, p)
	return p.PacketID, nil
}

func noSleepEngine(cache FallbackCache, summarizer *Summarizer, sink EscalationSink) *Engine {
	e := NewEngine(cache, summarizer, sink, nil, nil)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestRecoverRetrySucceedsMidChain(t *testing.T) {
	e := noSleepEngine(nil, nil, &recordingSink{})

	calls := 0
	outcome, err := e.Recover(context.Background(),
		FailureSignal{Class: ToolTimeout, Resource: "search"},
		Operation{Resource: "", Run: func(_ context.Context, hints Hints) (any, error) {
			calls++
			if calls < 2 {
				return nil, errors.New("still timing out")
			}
			return "result", nil
		}})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if outcome.Action != ActionRetry || outcome.Attempts != 2 || outcome.Value != "result" {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestRecoverExhaustionEscalates(t *testing.T) {
	sink := &recordingSink{}
	e := noSleepEngine(nil, nil, sink)

	_, err := e.Recover(context.Background(),
		FailureSignal{Class: ToolTimeout, Resource: "search", Reason: "deadline"},
		Operation{AgentID: "L", Run: func(context.Context, Hints) (any, error) {
			return nil, errors.New("down")
		}})
	if !errors.Is(err, ErrEscalated) {
		t.Fatalf("err = %v, want ErrEscalated", err)
	}

	if len(sink.packets) != 1 {
		t.Fatalf("escalation packets = %d", len(sink.packets))
	}
	p := sink.packets[0]
	if p.PacketType != packet.TypeGovernanceMeta {
		t.Errorf("type = %s", p.PacketType)
	}
	if p.Payload["class"] != string(ToolTimeout) || p.Payload["agent_id"] != "L" {
		t.Errorf("payload = %v", p.Payload)
	}
}

func TestRecoverExternalAPIFallsBackToCache(t *testing.T) {
	cache := NewMemoryCache()
	_ = cache.Put(context.Background(), "feed:geopolitics", `{"stale":true}`)
	e := noSleepEngine(cache, nil, &recordingSink{})

	outcome, err := e.Recover(context.Background(),
		FailureSignal{Class: ExternalAPITimeout, Resource: "feed"},
		Operation{
			CacheKey: "feed:geopolitics",
			Run: func(context.Context, Hints) (any, error) {
				return nil, errors.New("deadline exceeded")
			},
		})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if outcome.Action != ActionFallback || outcome.Value != `{"stale":true}` {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestRecoverGovernanceDeniedFailsFast(t *testing.T) {
	sink := &recordingSink{}
	e := noSleepEngine(nil, nil, sink)

	calls := 0
	_, err := e.Recover(context.Background(),
		FailureSignal{Class: GovernanceDenied, Resource: "tool_grant", Reason: "gmp_run denied"},
		Operation{Run: func(context.Context, Hints) (any, error) {
			calls++
			return nil, nil
		}})
	if !errors.Is(err, ErrFailFast) {
		t.Fatalf("err = %v, want ErrFailFast", err)
	}
	if calls != 0 {
		t.Error("denied operation must never re-run")
	}
	if len(sink.packets) != 1 {
		t.Error("denial must still escalate")
	}
}

func TestRecoverHallucinationRetryLowersTemperature(t *testing.T) {
	e := noSleepEngine(nil, nil, &recordingSink{})

	var seen Hints
	outcome, err := e.Recover(context.Background(),
		FailureSignal{Class: LLMHallucination, Resource: "gpt-4o"},
		Operation{Run: func(_ context.Context, hints Hints) (any, error) {
			seen = hints
			return "grounded answer", nil
		}})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if outcome.Action != ActionRetry {
		t.Errorf("action = %s", outcome.Action)
	}
	if seen.TemperatureDelta != -0.2 {
		t.Errorf("temperature delta = %v, want -0.2", seen.TemperatureDelta)
	}
}

func TestSummarizeCompressesThroughChat(t *testing.T) {
	mock := llm.NewMockChat()
	mock.SetResponse(llm.ModeSummarize, "compressed")
	e := noSleepEngine(nil, NewSummarizer(mock), &recordingSink{})

	outcome, err := e.Recover(context.Background(),
		FailureSignal{Class: ContextWindowExceeded, Resource: "priority"},
		Operation{OversizedContext: strings.Repeat("evidence line\n", 400)})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if outcome.Action != ActionSummarize {
		t.Errorf("action = %s", outcome.Action)
	}
	if got, _ := outcome.Value.(string); !strings.Contains(got, "compressed") {
		t.Errorf("value = %q", got)
	}
	if mock.CallCount() == 0 {
		t.Error("summarizer never reached the chat client")
	}
}

func TestBreakerOpensAfterThresholdAndProbes(t *testing.T) {
	group := NewBreakerGroup(BreakerConfig{
		Threshold:    3,
		Window:       60 * time.Second,
		ResetTimeout: 50 * time.Millisecond,
	}, nil)

	boom := errors.New("resource down")
	for i := 0; i < 3; i++ {
		if _, err := group.Execute("feed", func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if group.State("feed") != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", group.State("feed"))
	}

	// 4th call short-circuits without invoking the resource.
	invoked := false
	_, err := group.Execute("feed", func() (any, error) {
		invoked = true
		return nil, nil
	})
	var open *CircuitOpenError
	if !errors.As(err, &open) || open.Resource != "feed" {
		t.Fatalf("err = %v, want CircuitOpenError", err)
	}
	if invoked {
		t.Error("open breaker invoked the resource")
	}

	// After reset_timeout the probe is admitted; success closes.
	time.Sleep(70 * time.Millisecond)
	value, err := group.Execute("feed", func() (any, error) { return "ok", nil })
	if err != nil || value != "ok" {
		t.Fatalf("probe: %v %v", value, err)
	}
	if group.State("feed") != gobreaker.StateClosed {
		t.Errorf("state after probe = %v, want closed", group.State("feed"))
	}
}

func TestBreakerManualReset(t *testing.T) {
	group := NewBreakerGroup(BreakerConfig{Threshold: 1, Window: time.Minute, ResetTimeout: time.Hour}, nil)

	_, _ = group.Execute("neo4j", func() (any, error) { return nil, errors.New("down") })
	if group.State("neo4j") != gobreaker.StateOpen {
		t.Fatal("breaker should be open")
	}

	group.Reset("neo4j")
	if group.State("neo4j") != gobreaker.StateClosed {
		t.Error("manual reset must close the breaker")
	}
	if _, err := group.Execute("neo4j", func() (any, error) { return 1, nil }); err != nil {
		t.Errorf("post-reset call failed: %v", err)
	}
}

func TestObserveSpanFeedsBreaker(t *testing.T) {
	group := NewBreakerGroup(BreakerConfig{Threshold: 2, Window: time.Minute, ResetTimeout: time.Hour}, nil)
	e := NewEngine(nil, nil, nil, group, nil)

	span := errorSpan("tool.gmp_run", observability.KindInternal, "exit status 1",
		map[string]any{observability.AttrToolName: "gmp_run"})
	e.ObserveSpan(span)
	e.ObserveSpan(span)

	if group.State("gmp_run") != gobreaker.StateOpen {
		t.Errorf("state = %v, want open after observed failures", group.State("gmp_run"))
	}
}
