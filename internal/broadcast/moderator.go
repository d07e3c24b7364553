package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
)

// Moderator runs the host-only operations. Every call names the acting user and
// is refused with ErrNotHost, without side effects, unless that user hosts the
// stream.
type Moderator struct {
	stores *core.Stores
	bus    eventbus.Bus
	now    func() time.Time
}

func NewModerator(stores *core.Stores, bus eventbus.Bus) *Moderator {
	return &Moderator{
		stores: stores,
		bus:    bus,
		now:    time.Now,
	}
}

func (m *Moderator) hostStream(ctx context.Context, actorID string, streamID string) (*core.Stream, error) {
	stream, err := m.stores.Streams.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if stream.HostID != actorID {
		return nil, core.ErrNotHost
	}
	if stream.IsEnded() {
		return nil, core.ErrStreamNotLive
	}
	return stream, nil
}

// PinComment pins commentID, replacing whatever was pinned before.
func (m *Moderator) PinComment(ctx context.Context, actorID string, streamID string, commentID int64) (*core.Stream, error) {
	if _, err := m.hostStream(ctx, actorID, streamID); err != nil {
		return nil, err
	}

	comment, err := m.stores.Comments.Get(ctx, streamID, commentID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrCommentNotFound
	}
	if err != nil {
		return nil, err
	}
	if comment.IsDeleted() {
		return nil, core.ErrCommentNotFound
	}

	return m.pin(ctx, streamID, &commentID)
}

func (m *Moderator) UnpinComment(ctx context.Context, actorID string, streamID string) (*core.Stream, error) {
	if _, err := m.hostStream(ctx, actorID, streamID); err != nil {
		return nil, err
	}
	return m.pin(ctx, streamID, nil)
}

func (m *Moderator) pin(ctx context.Context, streamID string, commentID *int64) (*core.Stream, error) {
	stream, err := m.stores.Streams.Pin(ctx, streamID, commentID)
	if err != nil {
		return nil, err
	}

	publish(ctx, m.bus, &rpc.StreamEvent{Type: rpc.StreamChanged, StreamID: streamID, Stream: stream})
	return stream, nil
}

// DeleteComment hides the comment; a pinned comment is unpinned as well.
func (m *Moderator) DeleteComment(ctx context.Context, actorID string, streamID string, commentID int64) error {
	stream, err := m.hostStream(ctx, actorID, streamID)
	if err != nil {
		return err
	}

	err = m.stores.Comments.SoftDelete(ctx, streamID, commentID, m.now())
	if errors.Is(err, core.ErrNotFound) {
		return core.ErrCommentNotFound
	}
	if err != nil {
		return err
	}
	publish(ctx, m.bus, &rpc.StreamEvent{Type: rpc.CommentDeleted, StreamID: streamID, Comment: &core.Comment{ID: commentID, StreamID: streamID}})

	if stream.PinnedCommentID != nil && *stream.PinnedCommentID == commentID {
		if _, err := m.pin(ctx, streamID, nil); err != nil {
			return err
		}
	}
	return nil
}

// MuteParticipant keeps userID out of the chat for d.
func (m *Moderator) MuteParticipant(ctx context.Context, actorID string, streamID string, userID string, d time.Duration) error {
	stream, err := m.hostStream(ctx, actorID, streamID)
	if err != nil {
		return err
	}
	if userID == stream.HostID {
		return ErrHostTarget
	}

	if err := m.stores.Moderation.Mute(ctx, streamID, userID, m.now().Add(d)); err != nil {
		return err
	}
	publish(ctx, m.bus, &rpc.StreamEvent{Type: rpc.ParticipantMuted, StreamID: streamID, UserID: userID})

	log.Info().Str("service", "broadcast").Str("streamID", streamID).Str("userID", userID).Dur("duration", d).Msg("participant muted")
	return nil
}

// BlockParticipant bans userID from the stream for good and removes them.
func (m *Moderator) BlockParticipant(ctx context.Context, actorID string, streamID string, userID string) error {
	stream, err := m.hostStream(ctx, actorID, streamID)
	if err != nil {
		return err
	}
	if userID == stream.HostID {
		return ErrHostTarget
	}

	if err := m.stores.Moderation.Block(ctx, streamID, userID); err != nil {
		return err
	}
	if err := m.remove(ctx, streamID, userID); err != nil {
		return err
	}

	log.Info().Str("service", "broadcast").Str("streamID", streamID).Str("userID", userID).Msg("participant blocked")
	return nil
}

// KickParticipant moves userID to left and drops their connection. The roster
// entry and its position stay.
func (m *Moderator) KickParticipant(ctx context.Context, actorID string, streamID string, userID string) error {
	stream, err := m.hostStream(ctx, actorID, streamID)
	if err != nil {
		return err
	}
	if userID == stream.HostID {
		return ErrHostTarget
	}

	if err := m.remove(ctx, streamID, userID); err != nil {
		return err
	}

	log.Info().Str("service", "broadcast").Str("streamID", streamID).Str("userID", userID).Msg("participant kicked")
	return nil
}

func (m *Moderator) remove(ctx context.Context, streamID string, userID string) error {
	p, err := m.stores.Participants.SetStatus(ctx, streamID, userID, core.ParticipantLeft)
	if errors.Is(err, core.ErrNotFound) {
		// a plain viewer has no roster entry
		publish(ctx, m.bus, &rpc.StreamEvent{Type: rpc.ViewerLeft, StreamID: streamID, UserID: userID})
		return nil
	}
	if err != nil {
		return err
	}

	publish(ctx, m.bus, &rpc.StreamEvent{Type: rpc.ParticipantChanged, StreamID: streamID, Participant: p, UserID: userID})
	return nil
}

func (m *Moderator) SetSlowMode(ctx context.Context, actorID string, streamID string, seconds int) (*core.Stream, error) {
	if seconds < 0 {
		return nil, errors.New("broadcast: negative slow mode interval")
	}
	if _, err := m.hostStream(ctx, actorID, streamID); err != nil {
		return nil, err
	}

	stream, err := m.stores.Streams.SetSlowMode(ctx, streamID, seconds)
	if err != nil {
		return nil, err
	}

	publish(ctx, m.bus, &rpc.StreamEvent{Type: rpc.StreamChanged, StreamID: streamID, Stream: stream})
	return stream, nil
}
