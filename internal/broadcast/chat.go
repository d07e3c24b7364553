package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
)

type chatKey struct {
	streamID string
	userID   string
}

// Chat posts comments and reactions. Comments follow the stream's slow mode,
// reactions a fixed cooldown; the two limits are independent.
type Chat struct {
	stores   *core.Stores
	bus      eventbus.Bus
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	comments  map[chatKey]*rate.Limiter
	reactions map[chatKey]*rate.Limiter
}

func NewChat(stores *core.Stores, bus eventbus.Bus, reactionCooldown time.Duration) *Chat {
	return &Chat{
		stores:    stores,
		bus:       bus,
		cooldown:  reactionCooldown,
		now:       time.Now,
		comments:  make(map[chatKey]*rate.Limiter),
		reactions: make(map[chatKey]*rate.Limiter),
	}
}

func (c *Chat) SendComment(ctx context.Context, streamID string, userID string, body string) (*core.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyComment
	}

	stream, err := c.openStream(ctx, streamID, userID)
	if err != nil {
		return nil, err
	}
	now := c.now()

	until, err := c.stores.Moderation.MutedUntil(ctx, streamID, userID)
	if err != nil {
		return nil, err
	}
	if now.Before(until) {
		return nil, core.ErrMuted
	}

	// the host is never slowed down
	if stream.SlowModeSeconds > 0 && userID != stream.HostID {
		interval := time.Duration(stream.SlowModeSeconds) * time.Second
		if !c.allow(c.comments, chatKey{streamID, userID}, interval, now) {
			return nil, core.ErrSlowMode
		}
	}

	comment, err := c.stores.Comments.Insert(ctx, &core.Comment{
		StreamID:  streamID,
		UserID:    userID,
		Body:      body,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	publish(ctx, c.bus, &rpc.StreamEvent{Type: rpc.CommentAdded, StreamID: streamID, Comment: comment})
	return comment, nil
}

func (c *Chat) SendReaction(ctx context.Context, streamID string, userID string, emoji string) (*core.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, ErrEmptyEmoji
	}

	if _, err := c.openStream(ctx, streamID, userID); err != nil {
		return nil, err
	}
	now := c.now()

	if !c.allow(c.reactions, chatKey{streamID, userID}, c.cooldown, now) {
		return nil, core.ErrRateLimited
	}

	reaction, err := c.stores.Comments.InsertReaction(ctx, &core.Reaction{
		StreamID:  streamID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	publish(ctx, c.bus, &rpc.StreamEvent{Type: rpc.ReactionAdded, StreamID: streamID, Reaction: reaction})
	return reaction, nil
}

// Comments returns the latest visible comments, oldest first.
func (c *Chat) Comments(ctx context.Context, streamID string, limit int) ([]*core.Comment, error) {
	return c.stores.Comments.List(ctx, streamID, limit)
}

// Forget drops the limiters of an ended stream.
func (c *Chat) Forget(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.comments {
		if key.streamID == streamID {
			delete(c.comments, key)
		}
	}
	for key := range c.reactions {
		if key.streamID == streamID {
			delete(c.reactions, key)
		}
	}
}

func (c *Chat) openStream(ctx context.Context, streamID string, userID string) (*core.Stream, error) {
	stream, err := c.stores.Streams.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if stream.Status != core.StreamLive && stream.Status != core.StreamPaused {
		return nil, core.ErrStreamNotLive
	}

	blocked, err := c.stores.Moderation.IsBlocked(ctx, streamID, userID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, core.ErrBlocked
	}

	return stream, nil
}

// allow takes one token from the limiter of key, created or retuned to allow
// one event per interval.
func (c *Chat) allow(limiters map[chatKey]*rate.Limiter, key chatKey, interval time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := rate.Every(interval)
	lim, ok := limiters[key]
	if !ok {
		lim = rate.NewLimiter(limit, 1)
		limiters[key] = lim
	} else if lim.Limit() != limit {
		lim.SetLimitAt(now, limit)
	}

	return lim.AllowN(now, 1)
}
