package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
)

func TestPinReplacesPreviousPin(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)
	mod := NewModerator(e.stores, e.bus)

	c1, err := e.chat.SendComment(ctx, stream.ID, "viewer", "first")
	require.NoError(t, err)
	c2, err := e.chat.SendComment(ctx, stream.ID, "other", "second")
	require.NoError(t, err)

	_, err = mod.PinComment(ctx, "host", stream.ID, c1.ID)
	require.NoError(t, err)
	updated, err := mod.PinComment(ctx, "host", stream.ID, c2.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.PinnedCommentID)
	assert.Equal(t, c2.ID, *updated.PinnedCommentID)

	stored, err := e.stores.Streams.Get(ctx, stream.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PinnedCommentID)
	assert.Equal(t, c2.ID, *stored.PinnedCommentID)

	updated, err = mod.UnpinComment(ctx, "host", stream.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.PinnedCommentID)
}

func TestModerationIsHostOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)
	mod := NewModerator(e.stores, e.bus)

	comment, err := e.chat.SendComment(ctx, stream.ID, "viewer", "hi")
	require.NoError(t, err)

	_, err = mod.PinComment(ctx, "viewer", stream.ID, comment.ID)
	assert.ErrorIs(t, err, core.ErrNotHost)
	assert.ErrorIs(t, mod.DeleteComment(ctx, "viewer", stream.ID, comment.ID), core.ErrNotHost)
	assert.ErrorIs(t, mod.MuteParticipant(ctx, "viewer", stream.ID, "other", time.Minute), core.ErrNotHost)
	assert.ErrorIs(t, mod.BlockParticipant(ctx, "viewer", stream.ID, "other"), core.ErrNotHost)
	assert.ErrorIs(t, mod.KickParticipant(ctx, "viewer", stream.ID, "other"), core.ErrNotHost)
	_, err = mod.SetSlowMode(ctx, "viewer", stream.ID, 30)
	assert.ErrorIs(t, err, core.ErrNotHost)

	stored, err := e.stores.Streams.Get(ctx, stream.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PinnedCommentID)
	assert.Zero(t, stored.SlowModeSeconds)

	comments, err := e.chat.Comments(ctx, stream.ID, 10)
	require.NoError(t, err)
	assert.Len(t, comments, 1)

	blocked, err := e.stores.Moderation.IsBlocked(ctx, stream.ID, "other")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestDeleteCommentUnpinsIt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)
	mod := NewModerator(e.stores, e.bus)

	events, err := Subscribe(ctx, e.bus, stream.ID)
	require.NoError(t, err)
	defer events.Close()

	comment, err := e.chat.SendComment(ctx, stream.ID, "viewer", "rude")
	require.NoError(t, err)
	_, err = mod.PinComment(ctx, "host", stream.ID, comment.ID)
	require.NoError(t, err)

	require.NoError(t, mod.DeleteComment(ctx, "host", stream.ID, comment.ID))

	ev := nextEvent(t, events, rpc.CommentDeleted)
	assert.Equal(t, comment.ID, ev.Comment.ID)

	stored, err := e.stores.Streams.Get(ctx, stream.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PinnedCommentID)

	comments, err := e.chat.Comments(ctx, stream.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, comments)

	_, err = mod.PinComment(ctx, "host", stream.ID, comment.ID)
	assert.ErrorIs(t, err, core.ErrCommentNotFound)
	_, err = mod.PinComment(ctx, "host", stream.ID, 404)
	assert.ErrorIs(t, err, core.ErrCommentNotFound)
}

func TestKickKeepsRosterHistory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)
	mod := NewModerator(e.stores, e.bus)
	roster := NewRoster(e.stores, e.bus, testConfig())

	_, err := roster.Invite(ctx, stream, "guest")
	require.NoError(t, err)
	guest, err := roster.Accept(ctx, stream, "guest")
	require.NoError(t, err)
	require.NotNil(t, guest.Position)

	require.NoError(t, mod.KickParticipant(ctx, "host", stream.ID, "guest"))

	kicked, err := e.stores.Participants.Get(ctx, stream.ID, "guest")
	require.NoError(t, err)
	assert.Equal(t, core.ParticipantLeft, kicked.Status)
	require.NotNil(t, kicked.Position)
	assert.Equal(t, *guest.Position, *kicked.Position)

	// a plain viewer has no roster entry to update
	assert.NoError(t, mod.KickParticipant(ctx, "host", stream.ID, "viewer"))

	assert.ErrorIs(t, mod.KickParticipant(ctx, "host", stream.ID, "host"), ErrHostTarget)
}

func TestBlockAndMute(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)
	mod := NewModerator(e.stores, e.bus)

	require.NoError(t, mod.MuteParticipant(ctx, "host", stream.ID, "loud", time.Minute))
	_, err := e.chat.SendComment(ctx, stream.ID, "loud", "hi")
	assert.ErrorIs(t, err, core.ErrMuted)

	require.NoError(t, mod.BlockParticipant(ctx, "host", stream.ID, "troll"))
	_, err = e.chat.SendComment(ctx, stream.ID, "troll", "hi")
	assert.ErrorIs(t, err, core.ErrBlocked)

	roster := NewRoster(e.stores, e.bus, testConfig())
	_, err = roster.Request(ctx, stream, "troll")
	assert.ErrorIs(t, err, core.ErrBlocked)

	assert.ErrorIs(t, mod.MuteParticipant(ctx, "host", stream.ID, "host", time.Minute), ErrHostTarget)
	assert.ErrorIs(t, mod.BlockParticipant(ctx, "host", stream.ID, "host"), ErrHostTarget)
}

func TestSetSlowMode(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)
	mod := NewModerator(e.stores, e.bus)

	_, err := mod.SetSlowMode(ctx, "host", stream.ID, -1)
	assert.Error(t, err)

	updated, err := mod.SetSlowMode(ctx, "host", stream.ID, 15)
	require.NoError(t, err)
	assert.Equal(t, 15, updated.SlowModeSeconds)

	_, err = e.stores.Streams.Finish(ctx, stream.ID, core.EndUserEnded, time.Now())
	require.NoError(t, err)
	_, err = mod.SetSlowMode(ctx, "host", stream.ID, 0)
	assert.ErrorIs(t, err, core.ErrStreamNotLive)
}
