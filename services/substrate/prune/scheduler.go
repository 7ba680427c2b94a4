// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prune runs the periodic TTL sweep over the packet store.
// Immutable packets are never touched; that guarantee lives in the
// store, the scheduler only drives the cadence and refreshes the size
// gauges afterwards.
package prune

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/store"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/telemetry"
)

const defaultInterval = time.Hour

// maxBatchesPerSweep caps one sweep so a huge expired backlog cannot
// monopolize the store; the remainder falls to the next tick.
const maxBatchesPerSweep = 100

// Scheduler sweeps expired packets on a fixed interval.
//
// Thread Safety: Start/Stop pair once; RunNow is safe concurrently.
type Scheduler struct {
	packets  store.PacketStore
	metrics  *telemetry.Metrics
	interval time.Duration
	batch    int
	logger   *slog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler builds a scheduler. interval <= 0 defaults to one hour;
// batch <= 0 sweeps unbounded.
func NewScheduler(packets store.PacketStore, metrics *telemetry.Metrics, interval time.Duration, batch int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		packets:  packets,
		metrics:  metrics,
		interval: interval,
		batch:    batch,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.RunNow(ctx); err != nil {
				s.logger.Warn("Prune sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// RunNow performs one sweep immediately and returns the number of
// removed packets. Batched stores are swept in batch-sized deletes.
func (s *Scheduler) RunNow(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	removed, err := s.sweep(ctx, now)
	if err != nil {
		return removed, err
	}
	s.refreshSizes(ctx)
	if removed > 0 {
		s.logger.Info("Prune sweep completed", "removed", removed)
	}
	return removed, nil
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time) (int64, error) {
	batcher, ok := s.packets.(store.BatchPruner)
	if !ok || s.batch <= 0 {
		return s.packets.Prune(ctx, now)
	}

	var total int64
	for i := 0; i < maxBatchesPerSweep; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := batcher.PruneBatch(ctx, now, s.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.batch) {
			break
		}
	}
	return total, nil
}

// refreshSizes republishes the per-segment store size gauges. Gauge
// refresh is best-effort; a failed count is skipped, not fatal.
func (s *Scheduler) refreshSizes(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	for _, segment := range packet.Segments() {
		n, err := s.packets.Size(ctx, segment)
		if err != nil {
			s.logger.Warn("Store size refresh failed", "segment", segment, "error", err)
			continue
		}
		s.metrics.SetStoreSize(segment, n)
	}
}
