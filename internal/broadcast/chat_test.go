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

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestSlowModeThrottlesViewersOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)
	_, err := e.stores.Streams.SetSlowMode(ctx, stream.ID, 10)
	require.NoError(t, err)

	c := newClock()
	e.chat.now = c.Now

	_, err = e.chat.SendComment(ctx, stream.ID, "viewer", "hi")
	require.NoError(t, err)
	_, err = e.chat.SendComment(ctx, stream.ID, "viewer", "hi again")
	assert.ErrorIs(t, err, core.ErrSlowMode)

	// another viewer has a budget of its own
	_, err = e.chat.SendComment(ctx, stream.ID, "other", "hello")
	assert.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = e.chat.SendComment(ctx, stream.ID, "host", "welcome")
		assert.NoError(t, err)
	}

	c.Add(10*time.Second + time.Millisecond)
	_, err = e.chat.SendComment(ctx, stream.ID, "viewer", "hi again")
	assert.NoError(t, err)

	comments, err := e.chat.Comments(ctx, stream.ID, 50)
	require.NoError(t, err)
	assert.Len(t, comments, 6)
}

func TestSlowModeChangeAppliesImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)

	c := newClock()
	e.chat.now = c.Now

	for i := 0; i < 3; i++ {
		_, err := e.chat.SendComment(ctx, stream.ID, "viewer", "spam")
		require.NoError(t, err)
	}

	_, err := e.stores.Streams.SetSlowMode(ctx, stream.ID, 5)
	require.NoError(t, err)

	c.Add(time.Millisecond)
	_, err = e.chat.SendComment(ctx, stream.ID, "viewer", "spam")
	require.NoError(t, err)
	_, err = e.chat.SendComment(ctx, stream.ID, "viewer", "spam")
	assert.ErrorIs(t, err, core.ErrSlowMode)
}

func TestReactionCooldownIsIndependentOfSlowMode(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)
	_, err := e.stores.Streams.SetSlowMode(ctx, stream.ID, 60)
	require.NoError(t, err)

	c := newClock()
	e.chat.now = c.Now

	_, err = e.chat.SendComment(ctx, stream.ID, "viewer", "hi")
	require.NoError(t, err)

	_, err = e.chat.SendReaction(ctx, stream.ID, "viewer", "🔥")
	require.NoError(t, err)
	_, err = e.chat.SendReaction(ctx, stream.ID, "viewer", "🔥")
	assert.ErrorIs(t, err, core.ErrRateLimited)

	c.Add(501 * time.Millisecond)
	_, err = e.chat.SendReaction(ctx, stream.ID, "viewer", "👏")
	assert.NoError(t, err)

	_, err = e.chat.SendComment(ctx, stream.ID, "viewer", "still slow")
	assert.ErrorIs(t, err, core.ErrSlowMode)
}

func TestCommentRefusals(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)

	c := newClock()
	e.chat.now = c.Now

	_, err := e.chat.SendComment(ctx, stream.ID, "viewer", "   ")
	assert.ErrorIs(t, err, ErrEmptyComment)
	_, err = e.chat.SendReaction(ctx, stream.ID, "viewer", "")
	assert.ErrorIs(t, err, ErrEmptyEmoji)

	require.NoError(t, e.stores.Moderation.Mute(ctx, stream.ID, "muted", c.Now().Add(time.Minute)))
	_, err = e.chat.SendComment(ctx, stream.ID, "muted", "hi")
	assert.ErrorIs(t, err, core.ErrMuted)
	c.Add(time.Minute + time.Second)
	_, err = e.chat.SendComment(ctx, stream.ID, "muted", "hi")
	assert.NoError(t, err)

	require.NoError(t, e.stores.Moderation.Block(ctx, stream.ID, "blocked"))
	_, err = e.chat.SendComment(ctx, stream.ID, "blocked", "hi")
	assert.ErrorIs(t, err, core.ErrBlocked)
	_, err = e.chat.SendReaction(ctx, stream.ID, "blocked", "👍")
	assert.ErrorIs(t, err, core.ErrBlocked)

	_, err = e.stores.Streams.Finish(ctx, stream.ID, core.EndUserEnded, c.Now())
	require.NoError(t, err)
	_, err = e.chat.SendComment(ctx, stream.ID, "viewer", "hi")
	assert.ErrorIs(t, err, core.ErrStreamNotLive)
}

func TestCommentsArePublished(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)

	events, err := Subscribe(ctx, e.bus, stream.ID)
	require.NoError(t, err)
	defer events.Close()

	comment, err := e.chat.SendComment(ctx, stream.ID, "viewer", "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", comment.Body)

	ev := nextEvent(t, events, rpc.CommentAdded)
	require.NotNil(t, ev.Comment)
	assert.Equal(t, comment.ID, ev.Comment.ID)
	assert.Equal(t, "viewer", ev.Comment.UserID)

	_, err = e.chat.SendReaction(ctx, stream.ID, "viewer", "❤️")
	require.NoError(t, err)
	ev = nextEvent(t, events, rpc.ReactionAdded)
	require.NotNil(t, ev.Reaction)
	assert.Equal(t, "❤️", ev.Reaction.Emoji)
}
