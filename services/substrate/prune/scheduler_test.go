// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prune

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/packet"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/store"
)

func seed(t *testing.T, s store.PacketStore, typ packet.Type, ttl time.Time) *packet.Packet {
	t.Helper()
	p := packet.New(typ, map[string]any{"k": "v"})
	if !ttl.IsZero() {
		p.SetTTL(ttl)
	}
	_, err := s.Insert(context.Background(), p)
	require.NoError(t, err)
	return p
}

func TestRunNowRemovesExpiredOnly(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(nil)
	past := time.Now().Add(-time.Minute)

	seed(t, s, packet.TypeSessionContext, past)
	seed(t, s, packet.TypeSessionContext, time.Now().Add(time.Hour))
	live := seed(t, s, packet.TypeReasoningBlock, time.Time{})

	sched := NewScheduler(s, nil, time.Hour, 0, nil)
	removed, err := sched.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, err := s.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.Get(ctx, live.PacketID)
	assert.NoError(t, err)
}

func TestRunNowNeverRemovesImmutableAudit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(nil)

	// Audit packets are stamped immutable on creation; an expired TTL is
	// advisory only.
	audit := seed(t, s, packet.TypeToolAudit, time.Now().Add(-time.Hour))

	sched := NewScheduler(s, nil, time.Hour, 0, nil)
	removed, err := sched.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = s.Get(ctx, audit.PacketID)
	assert.NoError(t, err)
}

func TestRunNowSweepsInBatches(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(nil)
	past := time.Now().Add(-time.Minute)

	for i := 0; i < 5; i++ {
		seed(t, s, packet.TypeSessionContext, past)
	}

	sched := NewScheduler(s, nil, time.Hour, 2, nil)
	removed, err := sched.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)

	n, err := s.Size(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulerTicksAndStops(t *testing.T) {
	s := store.NewMemoryStore(nil)
	seed(t, s, packet.TypeSessionContext, time.Now().Add(-time.Minute))

	sched := NewScheduler(s, nil, 10*time.Millisecond, 0, nil)
	sched.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := s.Size(context.Background(), "")
		require.NoError(t, err)
		if n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sched.Stop()

	n, err := s.Size(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Stop is idempotent.
	sched.Stop()
}

func TestMemoryStorePruneBatchBounds(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(nil)
	past := time.Now().Add(-time.Minute)

	for i := 0; i < 4; i++ {
		seed(t, s, packet.TypeSessionContext, past)
	}

	removed, err := s.PruneBatch(ctx, time.Now().UTC(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	n, err := s.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
