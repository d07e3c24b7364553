package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/core"
)

func TestCallSessionsDuplicateGuard(t *testing.T) {
	ctx := context.Background()
	store := NewCallSessions()
	now := time.Now()
	since := now.Add(-time.Minute)

	_, err := store.Create(ctx, core.NewCallSession("s1", "alice", "bob", core.VideoCall, now), since)
	require.NoError(t, err)

	_, err = store.Create(ctx, core.NewCallSession("s2", "alice", "carol", core.VideoCall, now), since)
	assert.ErrorIs(t, err, core.ErrAlreadyInCall)

	_, err = store.Create(ctx, core.NewCallSession("s3", "carol", "bob", core.AudioCall, now), since)
	assert.ErrorIs(t, err, core.ErrPeerBusy)

	_, err = store.Finish(ctx, "s1", core.CallFinish{Reason: core.EndDeclined, EndedAt: now})
	require.NoError(t, err)

	_, err = store.Create(ctx, core.NewCallSession("s4", "alice", "carol", core.VideoCall, now), since)
	assert.NoError(t, err)

	_, err = store.Finish(ctx, "s1", core.CallFinish{Reason: core.EndUserEnded, EndedAt: now})
	assert.ErrorIs(t, err, core.ErrSessionTerminal)

	s1, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, core.CallDeclined, s1.Status)
}

func TestCallSessionsStaleRingingDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	store := NewCallSessions()
	now := time.Now()

	_, err := store.Create(ctx, core.NewCallSession("s1", "alice", "bob", core.VideoCall, now.Add(-2*time.Minute)), now.Add(-3*time.Minute))
	require.NoError(t, err)

	_, err = store.Create(ctx, core.NewCallSession("s2", "alice", "bob", core.VideoCall, now), now.Add(-time.Minute))
	assert.NoError(t, err)

	n, err := store.ExpireStale(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	s1, _ := store.Get(ctx, "s1")
	assert.Equal(t, core.CallMissed, s1.Status)
	assert.Equal(t, core.EndStale, s1.Reason())
}

func TestSignalsProcessedOnce(t *testing.T) {
	ctx := context.Background()
	store := NewSignals()

	s, err := store.Insert(ctx, &core.Signal{SessionID: "s1", FromID: "a", ToID: "b", Kind: core.SignalOffer, Payload: core.Payload(`{}`)})
	require.NoError(t, err)

	pending, err := store.Unprocessed(ctx, "b", "")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	first, _ := store.MarkProcessed(ctx, s.ID)
	second, _ := store.MarkProcessed(ctx, s.ID)
	assert.True(t, first)
	assert.False(t, second)

	pending, _ = store.Unprocessed(ctx, "b", "s1")
	assert.Empty(t, pending)

	offer, err := store.LatestOffer(ctx, "s1", "b")
	require.NoError(t, err)
	assert.Equal(t, s.ID, offer.ID)
}

func TestParticipantPositionsAreNotReused(t *testing.T) {
	ctx := context.Background()
	store := NewParticipants()
	now := time.Now()
	zero := 0

	_, err := store.Upsert(ctx, &core.Participant{StreamID: "st", UserID: "host", Role: core.RoleHost, Status: core.ParticipantConnected, Position: &zero, UpdatedAt: now})
	require.NoError(t, err)

	for _, user := range []string{"v1", "v2"} {
		_, err := store.Upsert(ctx, &core.Participant{StreamID: "st", UserID: user, Role: core.RoleGuest, Status: core.ParticipantRequested, UpdatedAt: now})
		require.NoError(t, err)
	}

	v1, err := store.Approve(ctx, "st", "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, *v1.Position)

	_, err = store.SetStatus(ctx, "st", "v1", core.ParticipantLeft)
	require.NoError(t, err)

	v2, err := store.Approve(ctx, "st", "v2")
	require.NoError(t, err)
	assert.Equal(t, 2, *v2.Position)

	roster, err := store.List(ctx, "st")
	require.NoError(t, err)
	require.Len(t, roster, 3)
	assert.Equal(t, "host", roster[0].UserID)
	assert.Equal(t, "v1", roster[1].UserID)
	assert.Equal(t, core.ParticipantLeft, roster[1].Status)
	assert.Equal(t, 1, *roster[1].Position)
}
