package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
	"github.com/isqad/livelook-signal/internal/signal"
)

// Roster keeps the on-screen participants of a stream. Invites and join
// requests expire on their own clocks; accepting an invite and approving a
// request both end in approved with a fresh position.
type Roster struct {
	stores *core.Stores
	bus    eventbus.Bus
	conf   Config
	now    func() time.Time
}

func NewRoster(stores *core.Stores, bus eventbus.Bus, conf Config) *Roster {
	return &Roster{
		stores: stores,
		bus:    bus,
		conf:   conf,
		now:    time.Now,
	}
}

func (r *Roster) List(ctx context.Context, streamID string) ([]*core.Participant, error) {
	return r.stores.Participants.List(ctx, streamID)
}

// checkCapacity refuses a new on-screen participant when the stream has no free
// slot. A single stream has room for the host only.
func (r *Roster) checkCapacity(ctx context.Context, stream *core.Stream) error {
	if stream.Type == core.SingleStream {
		return core.ErrStreamFull
	}
	max := r.conf.Broadcast.MaxParticipants
	if max <= 0 {
		return nil
	}

	participants, err := r.stores.Participants.List(ctx, stream.ID)
	if err != nil {
		return err
	}
	onScreen := 0
	for _, p := range participants {
		if p.Status.OnScreen() {
			onScreen++
		}
	}
	if onScreen >= max {
		return core.ErrStreamFull
	}
	return nil
}

func (r *Roster) admissible(ctx context.Context, stream *core.Stream, userID string) error {
	if stream.IsEnded() {
		return core.ErrStreamNotLive
	}
	blocked, err := r.stores.Moderation.IsBlocked(ctx, stream.ID, userID)
	if err != nil {
		return err
	}
	if blocked {
		return core.ErrBlocked
	}
	return nil
}

// current returns the roster entry of userID when it already holds a slot.
func (r *Roster) current(ctx context.Context, streamID string, userID string) (*core.Participant, error) {
	p, err := r.stores.Participants.Get(ctx, streamID, userID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Status.OnScreen() {
		return p, nil
	}
	return nil, nil
}

// Invite records a host invite for userID.
func (r *Roster) Invite(ctx context.Context, stream *core.Stream, userID string) (*core.Participant, error) {
	return r.pending(ctx, stream, userID, core.ParticipantInvited)
}

// Request records a request of userID to go on screen.
func (r *Roster) Request(ctx context.Context, stream *core.Stream, userID string) (*core.Participant, error) {
	return r.pending(ctx, stream, userID, core.ParticipantRequested)
}

func (r *Roster) pending(ctx context.Context, stream *core.Stream, userID string, status core.ParticipantStatus) (*core.Participant, error) {
	if userID == stream.HostID {
		return nil, ErrHostTarget
	}
	if err := r.admissible(ctx, stream, userID); err != nil {
		return nil, err
	}
	if p, err := r.current(ctx, stream.ID, userID); err != nil || p != nil {
		return p, err
	}
	if err := r.checkCapacity(ctx, stream); err != nil {
		return nil, err
	}

	p, err := r.stores.Participants.Upsert(ctx, &core.Participant{
		StreamID:  stream.ID,
		UserID:    userID,
		Role:      core.RoleGuest,
		Status:    status,
		UpdatedAt: r.now(),
	})
	if err != nil {
		return nil, err
	}

	r.announce(ctx, p)
	return p, nil
}

// Accept takes up a pending invite of userID.
func (r *Roster) Accept(ctx context.Context, stream *core.Stream, userID string) (*core.Participant, error) {
	return r.approve(ctx, stream, userID, core.ParticipantInvited)
}

// Approve admits a pending join request of userID.
func (r *Roster) Approve(ctx context.Context, stream *core.Stream, userID string) (*core.Participant, error) {
	return r.approve(ctx, stream, userID, core.ParticipantRequested)
}

func (r *Roster) approve(ctx context.Context, stream *core.Stream, userID string, from core.ParticipantStatus) (*core.Participant, error) {
	missing, expired, ttl := core.ErrNoRequest, core.ErrRequestExpired, r.conf.Timeouts.RequestExpiry
	if from == core.ParticipantInvited {
		missing, expired, ttl = core.ErrNoInvite, core.ErrInviteExpired, r.conf.Timeouts.InviteExpiry
	}

	if err := r.admissible(ctx, stream, userID); err != nil {
		return nil, err
	}
	p, err := r.stores.Participants.Get(ctx, stream.ID, userID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, missing
	}
	if err != nil {
		return nil, err
	}
	if p.Status != from {
		return nil, missing
	}
	if r.now().Sub(p.UpdatedAt) > ttl {
		if p, err := r.stores.Participants.SetStatus(ctx, stream.ID, userID, core.ParticipantLeft); err == nil {
			r.announce(ctx, p)
		}
		return nil, expired
	}
	if err := r.checkCapacity(ctx, stream); err != nil {
		return nil, err
	}

	p, err = r.stores.Participants.Approve(ctx, stream.ID, userID)
	if err != nil {
		return nil, err
	}

	r.announce(ctx, p)
	return p, nil
}

func (r *Roster) SetStatus(ctx context.Context, streamID string, userID string, status core.ParticipantStatus) (*core.Participant, error) {
	p, err := r.stores.Participants.SetStatus(ctx, streamID, userID, status)
	if err != nil {
		return nil, err
	}

	r.announce(ctx, p)
	return p, nil
}

func (r *Roster) announce(ctx context.Context, p *core.Participant) {
	publish(ctx, r.bus, &rpc.StreamEvent{Type: rpc.ParticipantChanged, StreamID: p.StreamID, Participant: p, UserID: p.UserID})
}

// ListenInvites hands every invite addressed to userID to f until ctx is done.
func ListenInvites(ctx context.Context, transport *signal.Transport, userID string, pollInterval time.Duration, f func(streamID string, hostID string)) *signal.Router {
	router := signal.NewRouter(transport, userID, "", pollInterval)
	router.Handle(core.SignalInvite, func(ctx context.Context, s *core.Signal) error {
		f(s.SessionID, s.FromID)
		return nil
	})
	<-router.Start(ctx)

	return router
}
