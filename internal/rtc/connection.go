// Package rtc manages one peer connection per remote participant: offer/answer
// negotiation with fixed polite/impolite roles, trickled candidates and the
// ICE restart policy that keeps a link alive across network blips.
//
// Only the impolite side ever creates offers. The polite side asks for one
// with an offer request, so both sides never hold a local offer at once.
package rtc

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/telemetry"
)

var (
	ErrMalformedDescription = errors.New("rtc: malformed session description")
	ErrStaleDescription     = errors.New("rtc: stale session description")
	ErrClosed               = errors.New("rtc: connection closed")
	ErrUnexpectedRequest    = errors.New("rtc: offer request sent to the answering side")
)

// Role decides who offers. It is fixed when the connection is created: the
// offerer is impolite, the answerer polite.
type Role int

const (
	Impolite Role = iota
	Polite
)

func (r Role) String() string {
	if r == Polite {
		return "polite"
	}
	return "impolite"
}

type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	// LinkReconnecting covers both disconnected and failed while a restart is pending
	LinkReconnecting
	// LinkFailed means the link did not recover in time; it is terminal
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkReconnecting:
		return "reconnecting"
	case LinkFailed:
		return "failed"
	}
	return "new"
}

// Signaler carries descriptions, candidates and offer requests to the remote side.
type Signaler interface {
	SendDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
	// RequestOffer names the kinds this side sends so the offer has room for them.
	RequestOffer(ctx context.Context, iceRestart bool, kinds []string) error
}

type Options struct {
	SessionID  string
	RemoteID   string
	Role       Role
	ICEServers []webrtc.ICEServer
	Signaler   Signaler

	// RestartGrace delays the ICE restart after a disconnect
	RestartGrace time.Duration
	// ReconnectTimeout bounds the time from the first disconnect to LinkFailed
	ReconnectTimeout time.Duration
}

type Connection struct {
	sessionID        string
	remoteID         string
	role             Role
	pc               PeerConnection
	signaler         Signaler
	restartGrace     time.Duration
	reconnectTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// negotiation serializes offers and remote descriptions
	negotiation sync.Mutex

	mu              sync.Mutex
	ignoreOffer     bool
	established     bool
	lastRemoteOffer string
	// offerRestart marks the offer in flight as an ICE restart
	offerRestart bool
	// reoffer is set when a negotiation was asked for during an exchange
	reoffer         bool
	reofferRestart  bool
	pending         []webrtc.ICECandidateInit
	senders         map[webrtc.RTPCodecType]Sender
	receivers       map[webrtc.RTPCodecType]bool
	remoteTracks    []RemoteTrack
	state           LinkState
	graceTimer      *time.Timer
	reconnectTimer  *time.Timer
	closed          bool
	onState         func(LinkState)
	onTrack         func(RemoteTrack)
}

func New(factory Factory, opts Options) (*Connection, error) {
	pc, err := factory.NewPeerConnection(opts.ICEServers)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		sessionID:        opts.SessionID,
		remoteID:         opts.RemoteID,
		role:             opts.Role,
		pc:               pc,
		signaler:         opts.Signaler,
		restartGrace:     opts.RestartGrace,
		reconnectTimeout: opts.ReconnectTimeout,
		ctx:              ctx,
		cancel:           cancel,
		senders:          make(map[webrtc.RTPCodecType]Sender),
		receivers:        make(map[webrtc.RTPCodecType]bool),
	}

	pc.OnICECandidate(c.sendCandidate)
	pc.OnNegotiationNeeded(c.negotiationNeeded)
	pc.OnConnectionStateChange(c.handleStateChange)
	pc.OnTrack(c.handleTrack)

	return c, nil
}

func (c *Connection) SessionID() string {
	return c.sessionID
}

func (c *Connection) RemoteID() string {
	return c.remoteID
}

func (c *Connection) Role() Role {
	return c.role
}

func (c *Connection) State() LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// OnLinkState registers the observer of link state changes. It is called outside
// of any connection lock.
func (c *Connection) OnLinkState(f func(LinkState)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onState = f
}

func (c *Connection) OnRemoteTrack(f func(RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onTrack = f
}

func (c *Connection) AddLocalTracks(stream *media.Stream) error {
	for _, track := range stream.Tracks() {
		sender, err := c.pc.AddTrack(track.Local())
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.senders[track.Kind()] = sender
		c.mu.Unlock()
	}
	return nil
}

// ReplaceTrack swaps the outgoing track of the same kind without renegotiation.
// A kind that was never sent is added, which renegotiates.
func (c *Connection) ReplaceTrack(track media.Track) error {
	c.mu.Lock()
	sender := c.senders[track.Kind()]
	c.mu.Unlock()

	if sender != nil {
		return sender.ReplaceTrack(track.Local())
	}

	sender, err := c.pc.AddTrack(track.Local())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.senders[track.Kind()] = sender
	c.mu.Unlock()
	return nil
}

// Offer starts the negotiation. On the polite side it asks the remote for an
// offer instead.
func (c *Connection) Offer() error {
	return c.negotiate(false)
}

// RestartICE renegotiates with fresh ICE credentials. The polite side only
// requests the restart.
func (c *Connection) RestartICE() error {
	telemetry.ServiceOperationCounter.WithLabelValues("ice_restart", "attempt", "").Inc()
	return c.negotiate(true)
}

// ResendOffer sends the pending local offer again, for a remote side that asks
// to connect before our offer reached it. Without a pending offer it does nothing.
func (c *Connection) ResendOffer() error {
	c.negotiation.Lock()
	defer c.negotiation.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	offer := c.pc.LocalDescription()
	if offer == nil {
		return nil
	}
	return c.signaler.SendDescription(c.ctx, *offer)
}

func (c *Connection) negotiate(iceRestart bool) error {
	if c.role == Polite {
		return c.requestOffer(iceRestart)
	}

	c.negotiation.Lock()
	defer c.negotiation.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if state := c.pc.SignalingState(); state != webrtc.SignalingStateStable {
		// an exchange is in flight, offer again once its answer arrives
		c.mu.Lock()
		if !iceRestart || !c.offerRestart {
			c.reoffer = true
			c.reofferRestart = c.reofferRestart || iceRestart
		}
		c.mu.Unlock()
		log.Debug().Str("service", "rtc").Str("sessionID", c.sessionID).Str("state", state.String()).Bool("iceRestart", iceRestart).Msg("queue offer, negotiation in progress")
		return nil
	}

	var options *webrtc.OfferOptions
	if iceRestart {
		options = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(options)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	if local := c.pc.LocalDescription(); local != nil {
		offer = *local
	}
	c.mu.Lock()
	c.offerRestart = iceRestart
	c.mu.Unlock()

	log.Debug().Str("service", "rtc").Str("sessionID", c.sessionID).Str("remoteID", c.remoteID).Bool("iceRestart", iceRestart).Msg("send offer")
	return c.signaler.SendDescription(c.ctx, offer)
}

func (c *Connection) negotiationNeeded() {
	c.mu.Lock()
	established := c.established
	c.mu.Unlock()

	// the first offer is sent explicitly by the offerer
	if !established {
		return
	}
	if err := c.negotiate(false); err != nil && !errors.Is(err, ErrClosed) {
		log.Error().Err(err).Str("service", "rtc").Str("sessionID", c.sessionID).Msg("renegotiation failed")
	}
}

func (c *Connection) requestOffer(iceRestart bool) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	kinds := make([]string, 0, len(c.senders))
	for kind := range c.senders {
		kinds = append(kinds, kind.String())
	}
	c.mu.Unlock()
	sort.Strings(kinds)

	log.Debug().Str("service", "rtc").Str("sessionID", c.sessionID).Str("remoteID", c.remoteID).Bool("iceRestart", iceRestart).Strs("kinds", kinds).Msg("request offer")
	return c.signaler.RequestOffer(c.ctx, iceRestart, kinds)
}

// HandleOfferRequest renegotiates on behalf of the polite remote side, first
// making room for the kinds it sends. A request that arrives during an exchange
// is served after its answer; a restart request is already served by a restart
// offer in flight.
func (c *Connection) HandleOfferRequest(iceRestart bool, kinds []string) error {
	if c.role == Polite {
		return ErrUnexpectedRequest
	}
	if err := c.openReceivers(kinds); err != nil {
		return err
	}
	if iceRestart {
		telemetry.ServiceOperationCounter.WithLabelValues("ice_restart", "attempt", "").Inc()
	}
	return c.negotiate(iceRestart)
}

// openReceivers adds a receive-only slot for each kind the remote sends and we
// neither send nor receive yet, so the next offer carries an m-line for it.
func (c *Connection) openReceivers(kinds []string) error {
	for _, name := range kinds {
		kind := webrtc.NewRTPCodecType(name)
		if kind == 0 {
			continue
		}

		c.mu.Lock()
		have := c.senders[kind] != nil || c.receivers[kind]
		c.mu.Unlock()
		if have {
			continue
		}

		if err := c.pc.AddReceiver(kind); err != nil {
			return err
		}
		c.mu.Lock()
		c.receivers[kind] = true
		c.mu.Unlock()
	}
	return nil
}

func (c *Connection) offerAgain(iceRestart bool) {
	if err := c.negotiate(iceRestart); err != nil && !errors.Is(err, ErrClosed) {
		log.Error().Err(err).Str("service", "rtc").Str("sessionID", c.sessionID).Msg("renegotiation failed")
	}
}

// HandleDescription applies a remote offer or answer. An offer that collides
// with our own is ignored; only the impolite side holds local offers, so the
// polite side never sees a collision. Answers that don't match a pending local
// offer are stale.
func (c *Connection) HandleDescription(desc webrtc.SessionDescription) error {
	if err := validateDescription(desc); err != nil {
		return err
	}

	c.negotiation.Lock()
	defer c.negotiation.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	state := c.pc.SignalingState()
	switch desc.Type {
	case webrtc.SDPTypeAnswer:
		if state != webrtc.SignalingStateHaveLocalOffer {
			return ErrStaleDescription
		}
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			return err
		}
		c.flushCandidates(true)

		c.mu.Lock()
		c.offerRestart = false
		reoffer, restart := c.reoffer, c.reofferRestart
		c.reoffer, c.reofferRestart = false, false
		c.mu.Unlock()
		if reoffer {
			go c.offerAgain(restart)
		}
		return nil

	case webrtc.SDPTypeOffer:
		c.mu.Lock()
		duplicate := state == webrtc.SignalingStateStable && c.lastRemoteOffer == desc.SDP
		c.mu.Unlock()
		if duplicate {
			log.Debug().Str("service", "rtc").Str("sessionID", c.sessionID).Msg("ignore duplicate offer")
			return nil
		}

		collision := state != webrtc.SignalingStateStable
		c.mu.Lock()
		c.ignoreOffer = collision
		c.mu.Unlock()
		if collision {
			log.Debug().Str("service", "rtc").Str("sessionID", c.sessionID).Str("role", c.role.String()).Msg("offer collision, keep own offer")
			return nil
		}

		if err := c.pc.SetRemoteDescription(desc); err != nil {
			return err
		}
		c.mu.Lock()
		c.lastRemoteOffer = desc.SDP
		c.mu.Unlock()
		c.flushCandidates(false)

		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		if local := c.pc.LocalDescription(); local != nil {
			answer = *local
		}

		c.mu.Lock()
		c.established = true
		c.mu.Unlock()

		log.Debug().Str("service", "rtc").Str("sessionID", c.sessionID).Str("remoteID", c.remoteID).Msg("send answer")
		return c.signaler.SendDescription(c.ctx, answer)
	}

	return ErrMalformedDescription
}

func validateDescription(desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeOffer && desc.Type != webrtc.SDPTypeAnswer {
		return ErrMalformedDescription
	}
	parsed := sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return ErrMalformedDescription
	}
	return nil
}

// AddICECandidate applies a remote candidate, buffering it until a remote
// description exists.
func (c *Connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, candidate)
		return nil
	}

	if err := c.pc.AddICECandidate(candidate); err != nil {
		if c.ignoreOffer {
			// belongs to the offer we ignored
			return nil
		}
		return err
	}
	return nil
}

func (c *Connection) flushCandidates(established bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if established {
		c.established = true
	}
	for _, candidate := range c.pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			log.Debug().Err(err).Str("service", "rtc").Str("sessionID", c.sessionID).Msg("drop buffered candidate")
		}
	}
	c.pending = nil
}

func (c *Connection) sendCandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil || c.isClosed() {
		return
	}
	if err := c.signaler.SendCandidate(c.ctx, *candidate); err != nil {
		log.Error().Err(err).Str("service", "rtc").Str("sessionID", c.sessionID).Msg("error on send ICE candidate")
	}
}

func (c *Connection) handleTrack(track RemoteTrack) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.remoteTracks = append(c.remoteTracks, track)
	onTrack := c.onTrack
	c.mu.Unlock()

	log.Debug().Str("service", "rtc").Str("sessionID", c.sessionID).Str("kind", track.Kind().String()).Msg("on remote track")

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		c.requestKeyframe(track)
	}
	if onTrack != nil {
		onTrack(track)
	}
}

func (c *Connection) requestKeyframe(track RemoteTrack) {
	if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
		log.Debug().Err(err).Str("service", "rtc").Str("sessionID", c.sessionID).Msg("can't request keyframe")
	}
}

func (c *Connection) requestKeyframes() {
	c.mu.Lock()
	tracks := append([]RemoteTrack(nil), c.remoteTracks...)
	c.mu.Unlock()

	for _, track := range tracks {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.requestKeyframe(track)
		}
	}
}

func (c *Connection) handleStateChange(state webrtc.PeerConnectionState) {
	log.Debug().Str("service", "rtc").Str("sessionID", c.sessionID).Str("remoteID", c.remoteID).Str("state", state.String()).Msg("connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnecting:
		if c.State() == LinkNew {
			c.setState(LinkConnecting)
		}

	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		recovered := c.state == LinkReconnecting
		c.stopTimersLocked()
		c.mu.Unlock()

		if recovered {
			telemetry.ServiceOperationCounter.WithLabelValues("ice_restart", "success", "").Inc()
			c.requestKeyframes()
		} else {
			telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "success", "").Inc()
		}
		c.setState(LinkConnected)

	case webrtc.PeerConnectionStateDisconnected:
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.graceTimer == nil {
			c.graceTimer = time.AfterFunc(c.restartGrace, c.restart)
		}
		c.armReconnectLocked()
		c.mu.Unlock()

		c.setState(LinkReconnecting)

	case webrtc.PeerConnectionStateFailed:
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
		c.armReconnectLocked()
		c.mu.Unlock()

		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "error", "state_failed").Inc()
		c.setState(LinkReconnecting)
		go c.restart()
	}
}

func (c *Connection) armReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(c.reconnectTimeout, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		giveUp := !c.closed && c.state != LinkConnected
		c.mu.Unlock()

		if giveUp {
			log.Info().Str("service", "rtc").Str("sessionID", c.sessionID).Str("remoteID", c.remoteID).Msg("link did not recover")
			c.setState(LinkFailed)
		}
	})
}

func (c *Connection) stopTimersLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Connection) restart() {
	c.mu.Lock()
	c.graceTimer = nil
	skip := c.closed || c.state == LinkConnected || c.state == LinkFailed
	c.mu.Unlock()

	if skip {
		return
	}
	if err := c.RestartICE(); err != nil && !errors.Is(err, ErrClosed) {
		log.Error().Err(err).Str("service", "rtc").Str("sessionID", c.sessionID).Msg("ICE restart failed")
	}
}

func (c *Connection) setState(state LinkState) {
	c.mu.Lock()
	if c.closed || c.state == state || c.state == LinkFailed {
		c.mu.Unlock()
		return
	}
	c.state = state
	onState := c.onState
	c.mu.Unlock()

	if onState != nil {
		onState(state)
	}
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

// GetStats returns the pion stats report of the underlying connection.
func (c *Connection) GetStats() webrtc.StatsReport {
	return c.pc.GetStats()
}

// StreamStats returns the per stream counters kept by the stats interceptor.
func (c *Connection) StreamStats() []stats.Stats {
	return c.pc.StreamStats()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Close cancels the restart timers and closes the peer connection. Calling it
// again is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimersLocked()
	c.pending = nil
	c.mu.Unlock()

	c.cancel()

	log.Debug().Str("service", "rtc").Str("sessionID", c.sessionID).Str("remoteID", c.remoteID).Msg("close connection")
	return c.pc.Close()
}
