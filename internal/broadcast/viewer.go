package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/quality"
	"github.com/isqad/livelook-signal/internal/retry"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/signal"
)

var errNoOffer = errors.New("broadcast: no offer from the host")

type ViewerStatus string

const (
	ViewerIdle         ViewerStatus = "idle"
	ViewerJoining      ViewerStatus = "joining"
	ViewerWatching     ViewerStatus = "watching"
	ViewerReconnecting ViewerStatus = "reconnecting"
	// ViewerLeft covers leaving on one's own as well as being removed by the host
	ViewerLeft  ViewerStatus = "left"
	ViewerEnded ViewerStatus = "ended"
	ViewerError ViewerStatus = "error"
)

func (s ViewerStatus) IsTerminal() bool {
	return s == ViewerLeft || s == ViewerEnded || s == ViewerError
}

type ViewerState struct {
	Status         ViewerStatus      `json:"status"`
	Stream         *core.Stream      `json:"stream,omitempty"`
	Participant    *core.Participant `json:"participant,omitempty"`
	LocalStream    *media.Info       `json:"local_stream,omitempty"`
	RemoteStream   *media.Info       `json:"remote_stream,omitempty"`
	NetworkQuality quality.Quality   `json:"network_quality,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Viewer is one user watching a stream. The host offers, the viewer answers
// politely; a viewer brought on screen publishes its own media over the same
// connection.
type Viewer struct {
	userID   string
	streamID string
	deps     Deps
	conf     Config
	roster   *Roster

	ctx    context.Context
	cancel context.CancelFunc
	router *signal.Router
	events *Events

	// offered is closed by the first offer from the host
	offered     chan struct{}
	offeredOnce sync.Once

	mu      sync.Mutex
	hostID  string
	conn    *rtc.Connection
	local   *media.Stream
	remote  *media.RemoteStream
	monitor *quality.Monitor
	state   ViewerState
	done    bool

	hub *eventbus.Hub[ViewerState]
}

func NewViewer(userID string, streamID string, deps Deps, conf Config) *Viewer {
	v := &Viewer{
		userID:   userID,
		streamID: streamID,
		deps:     deps,
		conf:     conf,
		roster:   NewRoster(deps.Stores, deps.Bus, conf),
		offered:  make(chan struct{}),
		remote:   media.NewRemoteStream(),
		state:    ViewerState{Status: ViewerIdle},
		hub:      eventbus.NewHub[ViewerState](),
	}
	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.hub.Publish(v.state)

	return v
}

func (v *Viewer) UserID() string {
	return v.userID
}

func (v *Viewer) StreamID() string {
	return v.streamID
}

func (v *Viewer) State() ViewerState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

func (v *Viewer) Subscribe() (<-chan ViewerState, func()) {
	return v.hub.Subscribe()
}

// Join asks the host for the stream and waits for its offer. Each attempt
// sends a join request and waits one join-retry period; when every attempt
// went unanswered the viewer gives up with an error matching retry.ErrExhausted.
func (v *Viewer) Join(ctx context.Context) error {
	stream, err := v.deps.Stores.Streams.Get(ctx, v.streamID)
	if err != nil {
		return err
	}
	if stream.Status != core.StreamLive && stream.Status != core.StreamPaused {
		return core.ErrStreamNotLive
	}
	if stream.HostID == v.userID {
		return ErrHostTarget
	}
	blocked, err := v.deps.Stores.Moderation.IsBlocked(ctx, v.streamID, v.userID)
	if err != nil {
		return err
	}
	if blocked {
		return core.ErrBlocked
	}

	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return ErrLeft
	}
	if v.router != nil {
		v.mu.Unlock()
		return nil
	}
	v.hostID = stream.HostID
	v.state.Stream = stream
	if p, err := v.deps.Stores.Participants.Get(ctx, v.streamID, v.userID); err == nil {
		v.state.Participant = p
	}
	v.router = signal.NewRouter(v.deps.Transport, v.userID, v.streamID, v.conf.Signaling.PollInterval)
	v.router.Handle(core.SignalOffer, v.handleOffer)
	v.router.Handle(core.SignalAnswer, v.hostHandler(applyDescription))
	v.router.Handle(core.SignalICECandidate, v.hostHandler(applyCandidate))
	v.setStatusLocked(ViewerJoining)
	v.mu.Unlock()

	if events, err := Subscribe(v.ctx, v.deps.Bus, v.streamID); err != nil {
		log.Warn().Err(err).Str("service", "broadcast").Str("streamID", v.streamID).Msg("no stream events, the end of the stream goes unnoticed")
	} else {
		v.mu.Lock()
		v.events = events
		v.mu.Unlock()
		go v.watch(events)
	}
	<-v.router.Start(v.ctx)

	err = retry.Do(ctx, retry.Policy{Attempts: v.conf.Timeouts.JoinAttempts}, func(ctx context.Context, attempt int) error {
		if err := v.deps.Transport.Send(ctx, v.streamID, v.userID, stream.HostID, core.SignalJoinRequest, map[string]int{"attempt": attempt}); err != nil {
			return err
		}
		log.Debug().Str("service", "broadcast").Str("streamID", v.streamID).Str("userID", v.userID).Int("attempt", attempt).Msg("join request sent")

		timer := time.NewTimer(v.conf.Timeouts.JoinRetry)
		defer timer.Stop()

		select {
		case <-v.offered:
			return nil
		case <-v.ctx.Done():
			return retry.Stop(ErrLeft)
		case <-ctx.Done():
			return retry.Stop(ctx.Err())
		case <-timer.C:
			return errNoOffer
		}
	})
	if err != nil {
		v.teardown(ViewerError, core.EndConnectionFailed, err)
		return err
	}

	log.Info().Str("service", "broadcast").Str("streamID", v.streamID).Str("userID", v.userID).Msg("joined")
	return nil
}

func (v *Viewer) handleOffer(ctx context.Context, s *core.Signal) error {
	if s.FromID != v.hostUserID() {
		log.Debug().Str("service", "broadcast").Str("fromID", s.FromID).Msg("offer not from the host, discarding")
		return nil
	}

	conn, err := v.connection()
	if err != nil {
		if errors.Is(err, ErrLeft) {
			return nil
		}
		return err
	}
	if err := applyDescription(conn, s); err != nil {
		return err
	}

	v.offeredOnce.Do(func() {
		close(v.offered)
	})
	return nil
}

func (v *Viewer) hostHandler(apply func(*rtc.Connection, *core.Signal) error) signal.Handler {
	return func(ctx context.Context, s *core.Signal) error {
		v.mu.Lock()
		conn, hostID := v.conn, v.hostID
		v.mu.Unlock()

		if conn == nil || s.FromID != hostID {
			log.Debug().Str("service", "broadcast").Str("fromID", s.FromID).Str("kind", string(s.Kind)).Msg("no connection for signal, discarding")
			return nil
		}
		return apply(conn, s)
	}
}

func (v *Viewer) hostUserID() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.hostID
}

// connection returns the connection to the host, creating it on the first offer.
func (v *Viewer) connection() (*rtc.Connection, error) {
	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return nil, ErrLeft
	}
	if v.conn != nil {
		conn := v.conn
		v.mu.Unlock()
		return conn, nil
	}
	hostID, local := v.hostID, v.local
	v.mu.Unlock()

	servers, err := v.conf.ICE.Servers(v.streamID+":"+v.userID, time.Now())
	if err != nil {
		return nil, err
	}
	conn, err := rtc.New(v.deps.Factory, rtc.Options{
		SessionID:        v.streamID,
		RemoteID:         hostID,
		Role:             rtc.Polite,
		ICEServers:       servers,
		Signaler:         signal.NewOutbox(v.deps.Transport, v.streamID, v.userID, hostID),
		RestartGrace:     v.conf.Timeouts.ICERestartGrace,
		ReconnectTimeout: v.conf.Timeouts.Reconnect,
	})
	if err != nil {
		return nil, err
	}
	conn.OnLinkState(func(state rtc.LinkState) {
		v.onLinkState(conn, state)
	})
	conn.OnRemoteTrack(func(track rtc.RemoteTrack) {
		v.mu.Lock()
		defer v.mu.Unlock()

		if v.conn == conn {
			v.remote.Add(track)
			v.publishLocked()
		}
	})
	if local != nil {
		if err := conn.AddLocalTracks(local); err != nil {
			conn.Close()
			return nil, err
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.done {
		conn.Close()
		return nil, ErrLeft
	}
	v.conn = conn
	return conn, nil
}

func (v *Viewer) onLinkState(conn *rtc.Connection, state rtc.LinkState) {
	if state == rtc.LinkFailed {
		go v.teardown(ViewerError, core.EndConnectionFailed, nil)
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conn != conn || v.done {
		return
	}
	switch state {
	case rtc.LinkConnected:
		if v.monitor == nil {
			v.monitor = quality.NewMonitor(conn, v.conf.Quality.Interval, quality.NewThresholds(v.conf.Quality), func(q quality.Quality) {
				v.mu.Lock()
				defer v.mu.Unlock()

				if v.conn == conn && v.monitor != nil {
					v.state.NetworkQuality = q
					v.publishLocked()
				}
			})
			v.monitor.Start()
		}
		v.setStatusLocked(ViewerWatching)
	case rtc.LinkReconnecting:
		if monitor := v.monitor; monitor != nil {
			v.monitor = nil
			v.state.NetworkQuality = ""
			go monitor.Stop()
		}
		v.setStatusLocked(ViewerReconnecting)
	}
}

// RequestToJoin asks the host to bring this viewer on screen.
func (v *Viewer) RequestToJoin(ctx context.Context) (*core.Participant, error) {
	stream, err := v.deps.Stores.Streams.Get(ctx, v.streamID)
	if err != nil {
		return nil, err
	}
	p, err := v.roster.Request(ctx, stream, v.userID)
	if err != nil {
		return nil, err
	}
	v.setParticipant(p)
	return p, nil
}

// AcceptInvite takes up the host's invite. Media goes out once Publish is called.
func (v *Viewer) AcceptInvite(ctx context.Context) (*core.Participant, error) {
	stream, err := v.deps.Stores.Streams.Get(ctx, v.streamID)
	if err != nil {
		return nil, err
	}
	p, err := v.roster.Accept(ctx, stream, v.userID)
	if err != nil {
		return nil, err
	}
	v.setParticipant(p)
	return p, nil
}

// Publish sends local media to the host. Only approved participants publish.
func (v *Viewer) Publish(ctx context.Context) error {
	p, err := v.deps.Stores.Participants.Get(ctx, v.streamID, v.userID)
	if errors.Is(err, core.ErrNotFound) {
		return ErrNotOnScreen
	}
	if err != nil {
		return err
	}
	if !p.Status.OnScreen() {
		return ErrNotOnScreen
	}

	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return ErrLeft
	}
	if v.local != nil {
		v.mu.Unlock()
		return nil
	}
	mode := core.VideoCall
	if v.state.Stream != nil {
		mode = v.state.Stream.Mode
	}
	v.mu.Unlock()

	local, err := v.deps.Acquirer.Acquire(ctx, mode)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.done || v.local != nil {
		v.mu.Unlock()
		local.Stop()
		return nil
	}
	v.local = local
	conn := v.conn
	v.publishLocked()
	v.mu.Unlock()

	// adding tracks to a live connection renegotiates from this side
	if conn != nil {
		if err := conn.AddLocalTracks(local); err != nil {
			return err
		}
	}

	log.Info().Str("service", "broadcast").Str("streamID", v.streamID).Str("userID", v.userID).Msg("publishing")
	return nil
}

// Leave stops watching. An on-screen participant gives up its slot.
func (v *Viewer) Leave(ctx context.Context) error {
	p, err := v.deps.Stores.Participants.Get(ctx, v.streamID, v.userID)
	switch {
	case err == nil && p.Role == core.RoleHost:
	case err == nil && p.Status != core.ParticipantLeft:
		if _, err := v.roster.SetStatus(ctx, v.streamID, v.userID, core.ParticipantLeft); err != nil {
			log.Warn().Err(err).Str("service", "broadcast").Str("streamID", v.streamID).Str("userID", v.userID).Msg("can't leave the roster")
		}
	case err == nil, errors.Is(err, core.ErrNotFound):
		publish(ctx, v.deps.Bus, &rpc.StreamEvent{Type: rpc.ViewerLeft, StreamID: v.streamID, UserID: v.userID})
	default:
		log.Warn().Err(err).Str("service", "broadcast").Str("streamID", v.streamID).Str("userID", v.userID).Msg("can't read roster entry")
	}

	v.teardown(ViewerLeft, "", nil)
	return nil
}

// watch follows the stream: the viewer goes away when the stream ends or the
// host removes them.
func (v *Viewer) watch(events *Events) {
	for ev := range events.Events() {
		switch ev.Type {
		case rpc.StreamChanged:
			if ev.Stream == nil {
				continue
			}
			if ev.Stream.IsEnded() {
				v.teardown(ViewerEnded, "", nil)
				continue
			}
			v.mu.Lock()
			v.state.Stream = ev.Stream
			v.publishLocked()
			v.mu.Unlock()
		case rpc.ParticipantChanged:
			if ev.Participant == nil || ev.Participant.UserID != v.userID {
				continue
			}
			if ev.Participant.Status == core.ParticipantLeft {
				v.teardown(ViewerLeft, "", nil)
				continue
			}
			v.setParticipant(ev.Participant)
		case rpc.ViewerLeft:
			if ev.UserID == v.userID {
				v.teardown(ViewerLeft, "", nil)
			}
		}
	}
}

func (v *Viewer) setParticipant(p *core.Participant) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.done {
		return
	}
	v.state.Participant = p
	v.publishLocked()
}

// teardown releases the connection and local media. Only the first call has
// any effect.
func (v *Viewer) teardown(status ViewerStatus, reason core.EndReason, cause error) {
	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return
	}
	v.done = true
	conn, local, router, events, monitor := v.conn, v.local, v.router, v.events, v.monitor
	v.conn, v.local, v.monitor = nil, nil, nil
	v.mu.Unlock()

	v.cancel()
	if monitor != nil {
		monitor.Stop()
	}
	if router != nil {
		<-router.Stop()
	}
	if events != nil {
		events.Close()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("service", "broadcast").Str("streamID", v.streamID).Msg("can't close connection to the host")
		}
	}
	if local != nil {
		local.Stop()
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.state.LocalStream = nil
	v.state.RemoteStream = nil
	v.state.NetworkQuality = ""
	switch {
	case cause != nil:
		v.state.Error = cause.Error()
	case reason != "":
		v.state.Error = string(reason)
	}
	v.state.Status = status
	v.hub.Publish(v.state)

	log.Info().Str("service", "broadcast").Str("streamID", v.streamID).Str("userID", v.userID).Str("status", string(status)).Msg("stopped watching")
}

func (v *Viewer) setStatusLocked(status ViewerStatus) {
	v.state.Status = status
	v.publishLocked()
}

func (v *Viewer) publishLocked() {
	if v.done {
		return
	}
	v.state.LocalStream = v.local.Info()
	v.state.RemoteStream = v.remote.Info()
	v.hub.Publish(v.state)
}
