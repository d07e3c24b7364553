package broadcast

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/signal"
	"github.com/isqad/livelook-signal/internal/telemetry"
)

// HostState is what the host's UI renders.
type HostState struct {
	Stream        *core.Stream           `json:"stream"`
	LocalStream   *media.Info            `json:"local_stream,omitempty"`
	IsMuted       bool                   `json:"is_muted"`
	IsVideoOff    bool                   `json:"is_video_off"`
	Viewers       []string               `json:"viewers"`
	RemoteStreams map[string]*media.Info `json:"remote_streams,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// Broadcast is the host side of a live stream. It owns one impolite connection
// per viewer, all fed from the same local media.
type Broadcast struct {
	hostID string
	deps   Deps
	conf   Config
	roster *Roster
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	router *signal.Router
	events *Events

	// mediaReady is closed once acquisition finished, successfully or not
	mediaReady chan struct{}

	mu       sync.Mutex
	stream   *core.Stream
	local    *media.Stream
	mediaErr error
	muted    bool
	videoOff bool
	peers    map[string]*rtc.Connection
	remotes  map[string]*media.RemoteStream
	joining  map[string]bool
	ended    bool

	hub *eventbus.Hub[HostState]
}

// GoLive creates the stream directly in live status and starts accepting
// viewers. Local media is acquired in the background; viewers that ask to join
// before it is ready wait for it.
func GoLive(ctx context.Context, hostID string, title string, streamType core.StreamType, mode core.CallMode, deps Deps, conf Config) (*Broadcast, error) {
	if streamType == "" {
		streamType = core.MultiStream
	}
	if streamType != core.SingleStream && streamType != core.MultiStream {
		return nil, ErrInvalidType
	}
	if mode == "" {
		mode = core.VideoCall
	}
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}

	now := time.Now()
	stream, err := deps.Stores.Streams.Create(ctx, &core.Stream{
		ID:              uuid.NewString(),
		HostID:          hostID,
		Title:           strings.TrimSpace(title),
		Mode:            mode,
		Type:            streamType,
		Status:          core.StreamLive,
		SlowModeSeconds: conf.Broadcast.DefaultSlowMode,
		CreatedAt:       now,
		StartedAt:       &now,
	})
	if err != nil {
		return nil, err
	}

	if _, err := deps.Stores.Participants.Upsert(ctx, &core.Participant{
		StreamID:  stream.ID,
		UserID:    hostID,
		Role:      core.RoleHost,
		Status:    core.ParticipantApproved,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, abandon(ctx, deps, stream.ID, err)
	}
	if _, err := deps.Stores.Participants.Approve(ctx, stream.ID, hostID); err != nil {
		return nil, abandon(ctx, deps, stream.ID, err)
	}

	b := &Broadcast{
		hostID:     hostID,
		deps:       deps,
		conf:       conf,
		roster:     NewRoster(deps.Stores, deps.Bus, conf),
		now:        time.Now,
		mediaReady: make(chan struct{}),
		stream:     stream,
		peers:      make(map[string]*rtc.Connection),
		remotes:    make(map[string]*media.RemoteStream),
		joining:    make(map[string]bool),
		hub:        eventbus.NewHub[HostState](),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if _, err := b.roster.SetStatus(ctx, stream.ID, hostID, core.ParticipantConnected); err != nil {
		b.cancel()
		return nil, abandon(ctx, deps, stream.ID, err)
	}

	events, err := Subscribe(b.ctx, deps.Bus, stream.ID)
	if err != nil {
		log.Warn().Err(err).Str("service", "broadcast").Str("streamID", stream.ID).Msg("no stream events, roster changes won't reach the host")
	} else {
		b.events = events
		go b.watch(events)
	}

	b.router = signal.NewRouter(deps.Transport, hostID, stream.ID, conf.Signaling.PollInterval)
	b.router.Handle(core.SignalJoinRequest, b.handleJoinRequest)
	b.router.Handle(core.SignalOffer, b.peerHandler(applyDescription))
	b.router.Handle(core.SignalAnswer, b.peerHandler(applyDescription))
	b.router.Handle(core.SignalICECandidate, b.peerHandler(applyCandidate))
	b.router.Handle(core.SignalRenegotiate, b.peerHandler(applyOfferRequest))
	<-b.router.Start(b.ctx)

	go b.acquireMedia(mode)

	publish(ctx, deps.Bus, &rpc.StreamEvent{Type: rpc.StreamChanged, StreamID: stream.ID, Stream: stream})
	b.publishState()

	log.Info().Str("service", "broadcast").Str("streamID", stream.ID).Str("hostID", hostID).Str("type", string(streamType)).Msg("live")

	return b, nil
}

func (b *Broadcast) ID() string {
	return b.Stream().ID
}

func (b *Broadcast) HostID() string {
	return b.hostID
}

func (b *Broadcast) Stream() *core.Stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := *b.stream
	return &stream
}

func (b *Broadcast) State() HostState {
	state, _ := b.hub.Last()
	return state
}

func (b *Broadcast) Subscribe() (<-chan HostState, func()) {
	return b.hub.Subscribe()
}

func (b *Broadcast) acquireMedia(mode core.CallMode) {
	local, err := b.deps.Acquirer.Acquire(b.ctx, mode)

	b.mu.Lock()
	if err != nil {
		b.mediaErr = err
	} else if b.ended {
		local.Stop()
	} else {
		b.local = local
	}
	b.mu.Unlock()
	close(b.mediaReady)

	if err != nil {
		if b.ctx.Err() == nil {
			log.Error().Err(err).Str("service", "broadcast").Str("streamID", b.ID()).Msg("can't acquire local media")
		}
	}
	b.publishState()
}

// waitMedia blocks until local media is ready, for at most the media wait.
func (b *Broadcast) waitMedia(ctx context.Context) (*media.Stream, error) {
	timer := time.NewTimer(b.conf.Timeouts.MediaWait)
	defer timer.Stop()

	select {
	case <-b.mediaReady:
	case <-timer.C:
		return nil, ErrNoMedia
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mediaErr != nil {
		return nil, b.mediaErr
	}
	if b.local == nil {
		return nil, ErrNoMedia
	}
	return b.local, nil
}

func (b *Broadcast) handleJoinRequest(ctx context.Context, s *core.Signal) error {
	viewerID := s.FromID
	if viewerID == b.hostID {
		return nil
	}

	blocked, err := b.deps.Stores.Moderation.IsBlocked(ctx, s.SessionID, viewerID)
	if err != nil {
		return err
	}
	if blocked {
		log.Debug().Str("service", "broadcast").Str("streamID", s.SessionID).Str("viewerID", viewerID).Msg("ignoring join request of a blocked user")
		return nil
	}

	// the media wait must not hold up signals of other viewers
	go func() {
		if err := b.connectViewer(viewerID); err != nil && !errors.Is(err, rtc.ErrClosed) && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("service", "broadcast").Str("streamID", s.SessionID).Str("viewerID", viewerID).Msg("can't connect viewer")
		}
	}()
	return nil
}

// connectViewer offers the stream to viewerID. A viewer that asks again while
// its connection is still negotiating gets the pending offer once more.
func (b *Broadcast) connectViewer(viewerID string) error {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return nil
	}
	if conn, ok := b.peers[viewerID]; ok {
		b.mu.Unlock()
		return conn.ResendOffer()
	}
	if b.joining[viewerID] {
		b.mu.Unlock()
		return nil
	}
	b.joining[viewerID] = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.joining, viewerID)
		b.mu.Unlock()
	}()

	local, err := b.waitMedia(b.ctx)
	if err != nil {
		return err
	}

	conn, err := b.newConnection(viewerID, local)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		conn.Close()
		return nil
	}
	b.peers[viewerID] = conn
	b.remotes[viewerID] = media.NewRemoteStream()
	b.mu.Unlock()

	telemetry.ViewerJoined()
	publish(b.ctx, b.deps.Bus, &rpc.StreamEvent{Type: rpc.ViewerJoined, StreamID: b.ID(), UserID: viewerID})
	b.publishState()

	log.Info().Str("service", "broadcast").Str("streamID", b.ID()).Str("viewerID", viewerID).Msg("offering stream")

	return conn.Offer()
}

func (b *Broadcast) newConnection(viewerID string, local *media.Stream) (*rtc.Connection, error) {
	streamID := b.ID()

	servers, err := b.conf.ICE.Servers(streamID+":"+viewerID, b.now())
	if err != nil {
		return nil, err
	}
	conn, err := rtc.New(b.deps.Factory, rtc.Options{
		SessionID:        streamID,
		RemoteID:         viewerID,
		Role:             rtc.Impolite,
		ICEServers:       servers,
		Signaler:         signal.NewOutbox(b.deps.Transport, streamID, b.hostID, viewerID),
		RestartGrace:     b.conf.Timeouts.ICERestartGrace,
		ReconnectTimeout: b.conf.Timeouts.Reconnect,
	})
	if err != nil {
		return nil, err
	}
	conn.OnLinkState(func(state rtc.LinkState) {
		b.onLinkState(viewerID, conn, state)
	})
	conn.OnRemoteTrack(func(track rtc.RemoteTrack) {
		b.onRemoteTrack(viewerID, track)
	})
	if err := conn.AddLocalTracks(local); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (b *Broadcast) peer(viewerID string) *rtc.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.peers[viewerID]
}

// peerHandler routes a signal to the connection of its sender.
func (b *Broadcast) peerHandler(apply func(*rtc.Connection, *core.Signal) error) signal.Handler {
	return func(ctx context.Context, s *core.Signal) error {
		conn := b.peer(s.FromID)
		if conn == nil {
			log.Debug().Str("service", "broadcast").Str("viewerID", s.FromID).Str("kind", string(s.Kind)).Msg("no connection for signal, discarding")
			return nil
		}
		return apply(conn, s)
	}
}

// onLinkState keeps the roster entry of an on-screen guest in step with its
// connection.
func (b *Broadcast) onLinkState(viewerID string, conn *rtc.Connection, state rtc.LinkState) {
	var status core.ParticipantStatus
	switch state {
	case rtc.LinkConnected:
		status = core.ParticipantConnected
	case rtc.LinkReconnecting:
		status = core.ParticipantDisconnected
	case rtc.LinkFailed:
		go b.dropViewer(viewerID, conn)
		status = core.ParticipantDisconnected
	default:
		return
	}

	p, err := b.deps.Stores.Participants.Get(b.ctx, b.ID(), viewerID)
	if err != nil || !p.Status.OnScreen() || p.Status == status {
		return
	}
	if _, err := b.roster.SetStatus(b.ctx, p.StreamID, viewerID, status); err != nil && b.ctx.Err() == nil {
		log.Warn().Err(err).Str("service", "broadcast").Str("viewerID", viewerID).Msg("can't update guest status")
	}
}

func (b *Broadcast) onRemoteTrack(viewerID string, track rtc.RemoteTrack) {
	b.mu.Lock()
	remote, ok := b.remotes[viewerID]
	if ok {
		remote.Add(track)
	}
	b.mu.Unlock()

	if ok {
		b.publishState()
	}
}

// dropViewer closes the connection of viewerID. With only set, nothing but that
// exact connection is dropped, so a newer one survives a late failure report.
func (b *Broadcast) dropViewer(viewerID string, only *rtc.Connection) {
	b.mu.Lock()
	conn, ok := b.peers[viewerID]
	if !ok || (only != nil && conn != only) {
		b.mu.Unlock()
		return
	}
	delete(b.peers, viewerID)
	delete(b.remotes, viewerID)
	b.mu.Unlock()

	if err := conn.Close(); err != nil {
		log.Warn().Err(err).Str("service", "broadcast").Str("viewerID", viewerID).Msg("can't close viewer connection")
	}
	telemetry.ViewerLeft()
	b.publishState()

	log.Info().Str("service", "broadcast").Str("streamID", b.ID()).Str("viewerID", viewerID).Msg("viewer dropped")
}

// watch applies roster and stream changes made by anyone: guests coming on
// screen get a connection, removed participants lose theirs.
func (b *Broadcast) watch(events *Events) {
	for ev := range events.Events() {
		switch ev.Type {
		case rpc.StreamChanged:
			if ev.Stream == nil {
				continue
			}
			b.mu.Lock()
			stream := *ev.Stream
			b.stream = &stream
			b.mu.Unlock()
			b.publishState()
		case rpc.ParticipantChanged:
			p := ev.Participant
			if p == nil || p.UserID == b.hostID {
				continue
			}
			switch {
			case p.Status == core.ParticipantLeft:
				b.dropViewer(p.UserID, nil)
			case p.Status == core.ParticipantApproved:
				go func(userID string) {
					if err := b.connectViewer(userID); err != nil && !errors.Is(err, rtc.ErrClosed) && !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Str("service", "broadcast").Str("guestID", userID).Msg("can't connect guest")
					}
				}(p.UserID)
			}
		case rpc.ViewerLeft:
			b.dropViewer(ev.UserID, nil)
		}
	}
}

// Invite asks userID on screen and sends them an invite signal.
func (b *Broadcast) Invite(ctx context.Context, userID string) (*core.Participant, error) {
	stream := b.Stream()
	p, err := b.roster.Invite(ctx, stream, userID)
	if err != nil {
		return nil, err
	}
	if err := b.deps.Transport.Send(ctx, stream.ID, b.hostID, userID, core.SignalInvite, p); err != nil {
		return nil, err
	}

	log.Info().Str("service", "broadcast").Str("streamID", stream.ID).Str("userID", userID).Msg("invited")
	return p, nil
}

// Approve admits a pending join request; the guest is offered a connection
// once the roster change comes around.
func (b *Broadcast) Approve(ctx context.Context, userID string) (*core.Participant, error) {
	return b.roster.Approve(ctx, b.Stream(), userID)
}

func (b *Broadcast) Participants(ctx context.Context) ([]*core.Participant, error) {
	return b.roster.List(ctx, b.ID())
}

// Pause keeps the connections up but stops sending media.
func (b *Broadcast) Pause(ctx context.Context) (*core.Stream, error) {
	return b.setStatus(ctx, core.StreamPaused, false)
}

func (b *Broadcast) Resume(ctx context.Context) (*core.Stream, error) {
	return b.setStatus(ctx, core.StreamLive, true)
}

func (b *Broadcast) setStatus(ctx context.Context, status core.StreamStatus, sending bool) (*core.Stream, error) {
	stream, err := b.deps.Stores.Streams.SetStatus(ctx, b.ID(), status)
	if err != nil {
		if errors.Is(err, core.ErrSessionTerminal) {
			return nil, core.ErrStreamNotLive
		}
		return nil, err
	}

	b.mu.Lock()
	b.stream = stream
	if b.local != nil {
		b.local.SetEnabled(webrtc.RTPCodecTypeAudio, sending && !b.muted)
		b.local.SetEnabled(webrtc.RTPCodecTypeVideo, sending && !b.videoOff)
	}
	b.mu.Unlock()

	publish(ctx, b.deps.Bus, &rpc.StreamEvent{Type: rpc.StreamChanged, StreamID: stream.ID, Stream: stream})
	b.publishState()
	return stream, nil
}

func (b *Broadcast) ToggleMute() bool {
	b.mu.Lock()
	b.muted = !b.muted
	if b.local != nil {
		b.local.SetEnabled(webrtc.RTPCodecTypeAudio, !b.muted)
	}
	muted := b.muted
	b.mu.Unlock()

	b.publishState()
	return muted
}

func (b *Broadcast) ToggleVideo() bool {
	b.mu.Lock()
	b.videoOff = !b.videoOff
	if b.local != nil {
		b.local.SetEnabled(webrtc.RTPCodecTypeVideo, !b.videoOff)
	}
	off := b.videoOff
	b.mu.Unlock()

	b.publishState()
	return off
}

// End finishes the stream and closes every connection. Calling it again does
// nothing.
func (b *Broadcast) End(ctx context.Context) error {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return nil
	}
	b.ended = true
	peers := b.peers
	b.peers = make(map[string]*rtc.Connection)
	b.remotes = make(map[string]*media.RemoteStream)
	local := b.local
	b.local = nil
	streamID := b.stream.ID
	b.mu.Unlock()

	stream, err := b.deps.Stores.Streams.Finish(ctx, streamID, core.EndUserEnded, b.now())
	if err != nil && !errors.Is(err, core.ErrSessionTerminal) {
		log.Error().Err(err).Str("service", "broadcast").Str("streamID", streamID).Msg("can't finish stream")
	}
	if stream != nil {
		b.mu.Lock()
		b.stream = stream
		b.mu.Unlock()
		publish(ctx, b.deps.Bus, &rpc.StreamEvent{Type: rpc.StreamChanged, StreamID: streamID, Stream: stream})
	}
	if _, err := b.deps.Stores.Participants.SetStatus(ctx, streamID, b.hostID, core.ParticipantLeft); err != nil {
		log.Warn().Err(err).Str("service", "broadcast").Str("streamID", streamID).Msg("can't mark host left")
	}

	b.cancel()
	<-b.router.Stop()
	if b.events != nil {
		b.events.Close()
	}
	for viewerID, conn := range peers {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("service", "broadcast").Str("viewerID", viewerID).Msg("can't close viewer connection")
		}
		telemetry.ViewerLeft()
	}
	if local != nil {
		local.Stop()
	}
	if b.deps.Chat != nil {
		b.deps.Chat.Forget(streamID)
	}
	b.publishState()

	log.Info().Str("service", "broadcast").Str("streamID", streamID).Int("viewers", len(peers)).Msg("stream ended")

	return err
}

func (b *Broadcast) publishState() {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := *b.stream
	state := HostState{
		Stream:        &stream,
		IsMuted:       b.muted,
		IsVideoOff:    b.videoOff,
		Viewers:       make([]string, 0, len(b.peers)),
		RemoteStreams: make(map[string]*media.Info),
	}
	if b.local != nil {
		state.LocalStream = b.local.Info()
	}
	for viewerID := range b.peers {
		state.Viewers = append(state.Viewers, viewerID)
	}
	sort.Strings(state.Viewers)
	for viewerID, remote := range b.remotes {
		if remote.Len() > 0 {
			state.RemoteStreams[viewerID] = remote.Info()
		}
	}
	if b.mediaErr != nil {
		state.Error = b.mediaErr.Error()
	}

	b.hub.Publish(state)
}

// abandon ends a stream that could not be set up, so it doesn't stay live
// without a host. It returns err.
func abandon(ctx context.Context, deps Deps, streamID string, err error) error {
	log.Error().Err(err).Str("service", "broadcast").Str("streamID", streamID).Msg("can't go live")

	if _, finishErr := deps.Stores.Streams.Finish(context.WithoutCancel(ctx), streamID, core.EndConnectionFailed, time.Now()); finishErr != nil {
		log.Error().Err(finishErr).Str("service", "broadcast").Str("streamID", streamID).Msg("can't end abandoned stream")
	}
	return err
}

func applyDescription(conn *rtc.Connection, s *core.Signal) error {
	desc, err := signal.Description(s)
	if err != nil {
		log.Warn().Err(err).Str("service", "broadcast").Int64("signalID", s.ID).Msg("discarding description")
		return nil
	}
	err = conn.HandleDescription(desc)
	switch {
	case err == nil, errors.Is(err, rtc.ErrClosed):
	case errors.Is(err, rtc.ErrStaleDescription), errors.Is(err, rtc.ErrMalformedDescription):
		log.Debug().Err(err).Str("service", "broadcast").Int64("signalID", s.ID).Msg("discarding description")
	default:
		return err
	}
	return nil
}

func applyCandidate(conn *rtc.Connection, s *core.Signal) error {
	candidate, err := signal.Candidate(s)
	if err != nil {
		log.Warn().Err(err).Str("service", "broadcast").Int64("signalID", s.ID).Msg("discarding candidate")
		return nil
	}
	if err := conn.AddICECandidate(candidate); err != nil && !errors.Is(err, rtc.ErrClosed) {
		return err
	}
	return nil
}

func applyOfferRequest(conn *rtc.Connection, s *core.Signal) error {
	req, err := signal.Renegotiation(s)
	if err != nil {
		log.Warn().Err(err).Str("service", "broadcast").Int64("signalID", s.ID).Msg("discarding offer request")
		return nil
	}
	err = conn.HandleOfferRequest(req.ICERestart, req.Kinds)
	switch {
	case err == nil, errors.Is(err, rtc.ErrClosed):
	case errors.Is(err, rtc.ErrUnexpectedRequest):
		log.Debug().Err(err).Str("service", "broadcast").Int64("signalID", s.ID).Msg("discarding offer request")
	default:
		return err
	}
	return nil
}
