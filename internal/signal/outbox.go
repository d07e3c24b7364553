package signal

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-signal/internal/core"
)

// Outbox sends the signals of one peer connection: a fixed session, sender and
// recipient.
type Outbox struct {
	transport *Transport
	sessionID string
	fromID    string
	toID      string
}

func NewOutbox(transport *Transport, sessionID, fromID, toID string) *Outbox {
	return &Outbox{
		transport: transport,
		sessionID: sessionID,
		fromID:    fromID,
		toID:      toID,
	}
}

func (o *Outbox) SessionID() string {
	return o.sessionID
}

func (o *Outbox) RemoteID() string {
	return o.toID
}

func (o *Outbox) Send(ctx context.Context, kind core.SignalKind, payload interface{}) error {
	return o.transport.Send(ctx, o.sessionID, o.fromID, o.toID, kind, payload)
}

func (o *Outbox) SendDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	var kind core.SignalKind
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		kind = core.SignalOffer
	case webrtc.SDPTypeAnswer:
		kind = core.SignalAnswer
	default:
		return fmt.Errorf("signal: can't send %s description", desc.Type)
	}
	return o.Send(ctx, kind, desc)
}

func (o *Outbox) SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	return o.Send(ctx, core.SignalICECandidate, candidate)
}

// RequestOffer asks the remote side, which owns the offers of this connection,
// to renegotiate.
func (o *Outbox) RequestOffer(ctx context.Context, iceRestart bool, kinds []string) error {
	return o.Send(ctx, core.SignalRenegotiate, OfferRequest{ICERestart: iceRestart, Kinds: kinds})
}
