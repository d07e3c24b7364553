// Package ledger keeps the durable call session records. It is the single
// source of truth for whether a call is still live; every change is announced
// to both participants.
package ledger

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
	"github.com/isqad/livelook-signal/internal/telemetry"
)

type Ledger struct {
	store  core.CallSessionsDBStorer
	bus    eventbus.Bus
	window time.Duration
	now    func() time.Time
}

// New returns a ledger where a ringing session blocks new calls for window.
func New(store core.CallSessionsDBStorer, bus eventbus.Bus, window time.Duration) *Ledger {
	return &Ledger{
		store:  store,
		bus:    bus,
		window: window,
		now:    time.Now,
	}
}

// Create inserts a ringing session unless either user already has a live one.
func (l *Ledger) Create(ctx context.Context, initiatorID, participantID string, mode core.CallMode) (*core.CallSession, error) {
	if initiatorID == participantID {
		return nil, core.ErrCallYourself
	}
	if !mode.Valid() {
		return nil, errors.Errorf("ledger: unknown call mode %q", mode)
	}

	now := l.now()
	session, err := l.store.Create(ctx,
		core.NewCallSession(uuid.NewString(), initiatorID, participantID, mode, now),
		now.Add(-l.window),
	)
	if err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("create_call", "error", errorType(err)).Inc()
		return nil, err
	}
	telemetry.ServiceOperationCounter.WithLabelValues("create_call", "success", "").Inc()

	l.announce(ctx, session)
	return session, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*core.CallSession, error) {
	return l.store.Get(ctx, id)
}

// Live returns the session that currently blocks userID from calling.
func (l *Ledger) Live(ctx context.Context, userID string) (*core.CallSession, error) {
	return l.store.FindLiveForUser(ctx, userID, l.now().Add(-l.window))
}

// Incoming lists ringing sessions addressed to userID younger than maxAge.
func (l *Ledger) Incoming(ctx context.Context, userID string, maxAge time.Duration) ([]*core.CallSession, error) {
	return l.store.FindIncoming(ctx, userID, l.now().Add(-maxAge))
}

func (l *Ledger) Activate(ctx context.Context, id string) (*core.CallSession, error) {
	session, err := l.store.Activate(ctx, id, l.now())
	if err != nil {
		return nil, err
	}

	l.announce(ctx, session)
	return session, nil
}

// Finish moves the session to the terminal status matching reason. duration is
// the connected time, zero for calls that never connected.
func (l *Ledger) Finish(ctx context.Context, id string, reason core.EndReason, duration time.Duration) (*core.CallSession, error) {
	session, err := l.store.Finish(ctx, id, core.CallFinish{
		Reason:   reason,
		EndedAt:  l.now(),
		Duration: duration,
	})
	if err != nil {
		return nil, err
	}
	telemetry.CallEnded(string(reason))

	l.announce(ctx, session)
	return session, nil
}

// ExpireStale finishes sessions created before the horizon with reason stale.
func (l *Ledger) ExpireStale(ctx context.Context, horizon time.Duration) (int64, error) {
	return l.store.ExpireStale(ctx, l.now().Add(-horizon))
}

func (l *Ledger) announce(ctx context.Context, session *core.CallSession) {
	for _, userID := range []string{session.InitiatorID, session.ParticipantID} {
		if err := l.bus.Publish(ctx, eventbus.Sessions, userID, rpc.NewSessionRpc(session)); err != nil {
			log.Warn().Err(err).Str("service", "ledger").Str("sessionID", session.ID).Str("userID", userID).Msg("can't announce session change")
		}
	}
}

// Subscribe opens the change feed of sessions involving userID.
func (l *Ledger) Subscribe(ctx context.Context, userID string) (*Feed, error) {
	sub, err := l.bus.Subscribe(ctx, eventbus.Sessions, userID)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to sessions")
	}

	feed := &Feed{
		sub:      sub,
		sessions: make(chan *core.CallSession),
		done:     make(chan struct{}),
	}
	go feed.run()

	return feed, nil
}

type Feed struct {
	sub      eventbus.Subscription
	sessions chan *core.CallSession
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (f *Feed) Sessions() <-chan *core.CallSession {
	return f.sessions
}

// Close is safe to call more than once and from several goroutines.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		f.closeErr = f.sub.Close()
	})
	return f.closeErr
}

func (f *Feed) run() {
	defer close(f.sessions)

	for msg := range f.sub.Channel() {
		r, err := rpc.RpcFromReader(bytes.NewReader(msg.Payload))
		if err != nil {
			log.Error().Err(err).Str("service", "ledger").Msg("can't parse session message")
			continue
		}
		sessionRpc, ok := r.(*rpc.SessionRpc)
		if !ok || sessionRpc.Params == nil {
			continue
		}

		select {
		case f.sessions <- sessionRpc.Params:
		case <-f.done:
			return
		}
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, core.ErrAlreadyInCall):
		return "already_in_call"
	case errors.Is(err, core.ErrPeerBusy):
		return "peer_busy"
	}
	return "store"
}
