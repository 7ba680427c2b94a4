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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitOpenError fast-fails an operation whose resource breaker is
// OPEN.
type CircuitOpenError struct {
	Resource string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for resource %q", e.Resource)
}

// BreakerConfig sizes the per-resource breakers.
type BreakerConfig struct {
	// Threshold is the consecutive failure count that opens the breaker.
	Threshold int

	// Window clears the rolling counts while CLOSED.
	Window time.Duration

	// ResetTimeout is how long OPEN lasts before the HALF_OPEN probe.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig matches the documented defaults: 5 failures in a
// 60s window, 30s reset.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Window: 60 * time.Second, ResetTimeout: 30 * time.Second}
}

// BreakerGroup holds one lazily created gobreaker per named resource.
// HALF_OPEN admits exactly one probe (MaxRequests=1): success closes,
// failure reopens.
//
// Thread Safety: safe for concurrent use.
type BreakerGroup struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerGroup creates the group.
func NewBreakerGroup(cfg BreakerConfig, logger *slog.Logger) *BreakerGroup {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerGroup{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn under the resource's breaker. An OPEN breaker returns
// *CircuitOpenError without invoking fn.
func (g *BreakerGroup) Execute(resource string, fn func() (any, error)) (any, error) {
	value, err := g.breaker(resource).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &CircuitOpenError{Resource: resource}
	}
	return value, err
}

// RecordFailure counts one failure against the resource without running
// anything, for failures observed out-of-band on the span plane.
func (g *BreakerGroup) RecordFailure(resource string) {
	_, _ = g.breaker(resource).Execute(func() (any, error) {
		return nil, errObservedFailure
	})
}

// State reports the resource's breaker state, CLOSED for unknown
// resources.
func (g *BreakerGroup) State(resource string) gobreaker.State {
	g.mu.Lock()
	cb, ok := g.breakers[resource]
	g.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Reset is the privileged administrative action: the resource's breaker
// is discarded and replaced with a fresh CLOSED instance.
func (g *BreakerGroup) Reset(resource string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, resource)
	g.logger.Info("circuit breaker manually reset", "resource", resource)
}

// Resources lists the resources with an instantiated breaker.
func (g *BreakerGroup) Resources() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		out = append(out, name)
	}
	return out
}

var errObservedFailure = errors.New("failure observed on span plane")

func (g *BreakerGroup) breaker(resource string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[resource]; ok {
		return cb
	}
	threshold := uint32(g.cfg.Threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        resource,
		MaxRequests: 1,
		Interval:    g.cfg.Window,
		Timeout:     g.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change",
				"resource", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	g.breakers[resource] = cb
	return cb
}
