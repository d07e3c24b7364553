// Package signal moves negotiation messages between peers through the signals
// table. Every send is a durable row plus a best effort push notification.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
)

// TransportError is returned when a signal could not be stored.
type TransportError struct {
	Kind core.SignalKind
	Err  error
}

func (e *TransportError) Error() string {
	return "signal: send " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Transport struct {
	store core.SignalsDBStorer
	bus   eventbus.Bus
	now   func() time.Time
}

func NewTransport(store core.SignalsDBStorer, bus eventbus.Bus) *Transport {
	return &Transport{
		store: store,
		bus:   bus,
		now:   time.Now,
	}
}

// Send stores the signal for toID and notifies the recipient. payload is either
// raw JSON (core.Payload, json.RawMessage) or a value to be marshalled.
func (t *Transport) Send(ctx context.Context, sessionID, fromID, toID string, kind core.SignalKind, payload interface{}) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return &TransportError{Kind: kind, Err: err}
	}

	signal, err := t.store.Insert(ctx, &core.Signal{
		SessionID: sessionID,
		FromID:    fromID,
		ToID:      toID,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: t.now(),
	})
	if err != nil {
		return &TransportError{Kind: kind, Err: err}
	}

	// the row is already durable, the poll path picks it up if this push is lost
	if err := t.bus.Publish(ctx, eventbus.Signals, toID, rpc.NewSignalRpc(signal)); err != nil {
		log.Warn().Err(err).Str("service", "signal").Str("kind", string(kind)).Str("to", toID).Msg("push notification failed")
	}

	return nil
}

func (t *Transport) PollUnprocessed(ctx context.Context, selfID string, sessionID string) ([]*core.Signal, error) {
	return t.store.Unprocessed(ctx, selfID, sessionID)
}

// MarkProcessed reports whether the caller won the claim on the signal.
func (t *Transport) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	return t.store.MarkProcessed(ctx, id)
}

// FindOffer returns the latest offer addressed to selfID within the session.
func (t *Transport) FindOffer(ctx context.Context, sessionID string, selfID string) (*core.Signal, error) {
	return t.store.LatestOffer(ctx, sessionID, selfID)
}

// Subscribe opens the push path for signals addressed to selfID. An empty
// sessionID passes signals of every session.
func (t *Transport) Subscribe(ctx context.Context, sessionID string, selfID string) (*Feed, error) {
	sub, err := t.bus.Subscribe(ctx, eventbus.Signals, selfID)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to signals")
	}

	feed := &Feed{
		sub:       sub,
		sessionID: sessionID,
		signals:   make(chan *core.Signal),
		done:      make(chan struct{}),
	}
	go feed.run()

	return feed, nil
}

// Feed is a push subscription decoded to signals.
type Feed struct {
	sub       eventbus.Subscription
	sessionID string
	signals   chan *core.Signal
	done      chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (f *Feed) Signals() <-chan *core.Signal {
	return f.signals
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
	defer close(f.signals)

	for msg := range f.sub.Channel() {
		r, err := rpc.RpcFromReader(bytes.NewReader(msg.Payload))
		if err != nil {
			log.Error().Err(err).Str("service", "signal").Msg("can't parse pushed message")
			continue
		}
		signalRpc, ok := r.(*rpc.SignalRpc)
		if !ok || signalRpc.Params == nil {
			continue
		}
		if f.sessionID != "" && signalRpc.Params.SessionID != f.sessionID {
			continue
		}

		select {
		case f.signals <- signalRpc.Params:
		case <-f.done:
			return
		}
	}
}

func encodePayload(payload interface{}) (core.Payload, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case core.Payload:
		return p, nil
	case json.RawMessage:
		return core.Payload(p), nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return core.Payload(raw), nil
}
