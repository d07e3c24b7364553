// Package call runs one-to-one calls for a single user. The durable session in
// the ledger decides whether a call is live; the manager's state is a cache of
// it plus the local media and connection.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/ledger"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/quality"
	"github.com/isqad/livelook-signal/internal/retry"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/signal"
	"github.com/isqad/livelook-signal/internal/telemetry"
)

var (
	// ErrCancelled is returned by an operation whose call was ended while it ran.
	ErrCancelled      = errors.New("call: cancelled")
	ErrNoIncomingCall = errors.New("call: no such incoming call")
	ErrInvalidMode    = errors.New("call: unknown call mode")
	ErrNoCall         = errors.New("call: no active call")
)

type Config struct {
	Timeouts  config.TimeoutsConfig
	Signaling config.SignalingConfig
	Quality   config.QualityConfig
	ICE       config.ICEConfig
}

func NewConfig(conf *config.Config) Config {
	return Config{
		Timeouts:  conf.Timeouts,
		Signaling: conf.Signaling,
		Quality:   conf.Quality,
		ICE:       conf.ICE,
	}
}

type Manager struct {
	userID    string
	ledger    *ledger.Ledger
	transport *signal.Transport
	factory   rtc.Factory
	acquirer  media.Acquirer
	conf      Config
	now       func() time.Time

	mu       sync.Mutex
	cur      *activeCall
	state    State
	muted    bool
	videoOff bool
	linger   *time.Timer
	seen     map[string]time.Time

	hub *eventbus.Hub[State]
}

func NewManager(userID string, l *ledger.Ledger, t *signal.Transport, f rtc.Factory, a media.Acquirer, conf Config) *Manager {
	m := &Manager{
		userID:    userID,
		ledger:    l,
		transport: t,
		factory:   f,
		acquirer:  a,
		conf:      conf,
		now:       time.Now,
		state:     State{Status: StatusIdle},
		seen:      make(map[string]time.Time),
		hub:       eventbus.NewHub[State](),
	}
	m.hub.Publish(m.state)

	return m
}

func (m *Manager) UserID() string {
	return m.userID
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Subscribe returns a channel of state snapshots, primed with the current one.
// A slow reader only misses intermediate snapshots.
func (m *Manager) Subscribe() (<-chan State, func()) {
	return m.hub.Subscribe()
}

// StartCall places a call to targetID. Being in a call already and failing to
// get local media are reported before any session is created.
func (m *Manager) StartCall(ctx context.Context, targetID string, mode core.CallMode) (*core.CallSession, error) {
	if targetID == m.userID {
		return nil, core.ErrCallYourself
	}
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return nil, core.ErrAlreadyInCall
	}
	call := m.beginLocked(true, targetID, StatusRequestingMedia)
	m.mu.Unlock()

	if _, err := m.ledger.Live(ctx, m.userID); err == nil {
		m.abandon(call, nil)
		return nil, core.ErrAlreadyInCall
	} else if !errors.Is(err, core.ErrNotFound) {
		m.abandon(call, err)
		return nil, err
	}

	stream, err := m.acquirer.Acquire(call.ctx, mode)
	if err != nil {
		if call.ctx.Err() != nil {
			return nil, ErrCancelled
		}
		m.abandon(call, err)
		return nil, err
	}
	if !m.attachLocal(call, stream, StatusReady) {
		stream.Stop()
		return nil, ErrCancelled
	}

	session, err := m.ledger.Create(ctx, m.userID, targetID, mode)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyInCall) || errors.Is(err, core.ErrPeerBusy) {
			m.abandon(call, nil)
		} else {
			m.abandon(call, err)
		}
		return nil, err
	}
	if !m.attachSession(call, session) {
		// ended while the session was being written
		if _, err := m.ledger.Finish(context.Background(), session.ID, core.EndUserEnded, 0); err != nil {
			log.Warn().Err(err).Str("service", "call").Str("sessionID", session.ID).Msg("can't finish abandoned session")
		}
		return nil, ErrCancelled
	}

	if err := m.connect(call, rtc.Impolite); err != nil {
		m.finish(ctx, call, core.EndConnectionFailed, err, true)
		return nil, err
	}

	m.mu.Lock()
	if m.cur == call {
		call.timer = time.AfterFunc(m.conf.Timeouts.NoAnswer, func() {
			m.finish(context.Background(), call, core.EndNoAnswer, nil, true)
		})
		m.setStatusLocked(StatusCalling)
	}
	m.mu.Unlock()

	if err := call.conn.Offer(); err != nil && !errors.Is(err, rtc.ErrClosed) {
		m.finish(ctx, call, core.EndConnectionFailed, err, true)
		return nil, err
	}
	telemetry.CallEvent("started")

	log.Info().Str("service", "call").Str("sessionID", session.ID).Str("userID", m.userID).Str("targetID", targetID).Msg("calling")

	return session, nil
}

// AnswerCall accepts the ringing incoming session. The caller's offer may still
// be on its way, so it is fetched with a short bounded retry.
func (m *Manager) AnswerCall(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	call := m.cur
	if call == nil || call.outgoing || call.session.ID != sessionID || m.state.Status != StatusRinging {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	if call.timer != nil {
		call.timer.Stop()
		call.timer = nil
	}
	m.setStatusLocked(StatusRequestingMedia)
	mode := call.session.Mode
	m.mu.Unlock()

	stream, err := m.acquirer.Acquire(call.ctx, mode)
	if err != nil {
		if call.ctx.Err() != nil {
			return ErrCancelled
		}
		m.finish(ctx, call, core.EndMediaError, err, true)
		return err
	}
	if !m.attachLocal(call, stream, StatusConnecting) {
		stream.Stop()
		return ErrCancelled
	}

	session, err := m.ledger.Activate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, core.ErrSessionTerminal) || errors.Is(err, core.ErrNotFound) {
			m.finish(ctx, call, core.EndRemoteEnded, nil, false)
			return err
		}
		m.finish(ctx, call, core.EndConnectionFailed, err, true)
		return err
	}
	m.attachSession(call, session)

	var offer *core.Signal
	err = retry.Do(call.ctx, retry.Policy{
		Attempts: m.conf.Timeouts.OfferFetchAttempts,
		Delay:    m.conf.Timeouts.OfferFetchDelay,
	}, func(ctx context.Context, attempt int) error {
		s, err := m.transport.FindOffer(ctx, sessionID, m.userID)
		if err != nil {
			return err
		}
		offer = s
		return nil
	})
	if err != nil {
		if call.ctx.Err() != nil {
			return ErrCancelled
		}
		m.finish(ctx, call, core.EndConnectionFailed, err, true)
		return err
	}
	if _, err := m.transport.MarkProcessed(ctx, offer.ID); err != nil {
		log.Warn().Err(err).Str("service", "call").Int64("signalID", offer.ID).Msg("can't mark offer processed")
	}

	desc, err := signal.Description(offer)
	if err != nil {
		m.finish(ctx, call, core.EndConnectionFailed, err, true)
		return err
	}
	if err := m.connect(call, rtc.Polite); err != nil {
		m.finish(ctx, call, core.EndConnectionFailed, err, true)
		return err
	}
	if err := call.conn.HandleDescription(desc); err != nil && !errors.Is(err, rtc.ErrClosed) {
		m.finish(ctx, call, core.EndConnectionFailed, err, true)
		return err
	}
	telemetry.CallEvent("answered")

	log.Info().Str("service", "call").Str("sessionID", sessionID).Str("userID", m.userID).Msg("answered")

	return nil
}

func (m *Manager) DeclineCall(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	call := m.cur
	if call == nil || call.outgoing || call.session.ID != sessionID || m.state.Status != StatusRinging {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	m.mu.Unlock()

	return m.finish(ctx, call, core.EndDeclined, nil, true)
}

// EndCall hangs up whatever call is in progress. Ending a call that is still
// ringing on this side declines it. Without a call it does nothing.
func (m *Manager) EndCall(ctx context.Context, reason core.EndReason) error {
	if reason == "" {
		reason = core.EndUserEnded
	}

	m.mu.Lock()
	call := m.cur
	if call == nil {
		m.mu.Unlock()
		return nil
	}
	if !call.outgoing && m.state.Status == StatusRinging {
		reason = core.EndDeclined
	}
	m.mu.Unlock()

	return m.finish(ctx, call, reason, nil, true)
}

// ToggleMute flips the local audio track and returns the new muted flag.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil || m.cur.local == nil {
		return m.muted
	}
	m.muted = !m.muted
	m.cur.local.SetEnabled(webrtc.RTPCodecTypeAudio, !m.muted)
	m.publishLocked()

	return m.muted
}

// ToggleVideo flips the local video track and returns the new video-off flag.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil || m.cur.local == nil || m.cur.local.Track(webrtc.RTPCodecTypeVideo) == nil {
		return m.videoOff
	}
	m.videoOff = !m.videoOff
	m.cur.local.SetEnabled(webrtc.RTPCodecTypeVideo, !m.videoOff)
	m.publishLocked()

	return m.videoOff
}

// ReplaceVideoTrack swaps the outgoing video, e.g. for a screen share. The
// previous track is stopped. Without a call holding local media it returns
// ErrNoCall and the caller keeps ownership of track.
func (m *Manager) ReplaceVideoTrack(track media.Track) error {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return errors.New("call: not a video track")
	}

	m.mu.Lock()
	call := m.cur
	if call == nil || call.local == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	call.local.Replace(track)
	track.SetEnabled(!m.videoOff)
	conn := call.conn
	m.publishLocked()
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.ReplaceTrack(track)
}

// Run watches the ledger for incoming calls and for changes to the current
// session. Changes arrive pushed and are also polled, so a missed push only
// delays them. Run ends the current call when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	var sessions <-chan *core.CallSession
	feed, err := m.ledger.Subscribe(ctx, m.userID)
	if err != nil {
		log.Warn().Err(err).Str("service", "call").Str("userID", m.userID).Msg("no session push, polling only")
	} else {
		defer feed.Close()
		sessions = feed.Sessions()
	}

	ticker := time.NewTicker(m.conf.Signaling.PollInterval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.EndCall(context.Background(), core.EndUserEnded)
			return nil
		case session, ok := <-sessions:
			if !ok {
				sessions = nil
				continue
			}
			m.observe(session)
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Manager) poll(ctx context.Context) {
	incoming, err := m.ledger.Incoming(ctx, m.userID, m.conf.Timeouts.IncomingMaxAge)
	if err != nil {
		log.Error().Err(err).Str("service", "call").Str("userID", m.userID).Msg("can't poll incoming calls")
	}
	for _, session := range incoming {
		m.observe(session)
	}

	m.mu.Lock()
	var sessionID string
	if m.cur != nil && m.cur.session != nil {
		sessionID = m.cur.session.ID
	}
	m.mu.Unlock()

	if sessionID == "" {
		return
	}
	session, err := m.ledger.Get(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("service", "call").Str("sessionID", sessionID).Msg("can't poll session")
		return
	}
	m.observe(session)
}

func (m *Manager) observe(session *core.CallSession) {
	if !session.Involves(m.userID) {
		return
	}
	m.reconcile(session)
	m.ring(session)
}

// ring surfaces a fresh incoming session when no call is in progress.
func (m *Manager) ring(session *core.CallSession) {
	if session.ParticipantID != m.userID || session.Status != core.CallRinging {
		return
	}
	now := m.now()
	maxAge := m.conf.Timeouts.IncomingMaxAge
	if now.Sub(session.CreatedAt) >= maxAge {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, at := range m.seen {
		if now.Sub(at) >= maxAge {
			delete(m.seen, id)
		}
	}
	if _, ok := m.seen[session.ID]; ok || m.cur != nil {
		return
	}
	m.seen[session.ID] = session.CreatedAt

	call := m.beginLocked(false, session.InitiatorID, StatusRinging)
	call.session = session
	call.timer = time.AfterFunc(session.CreatedAt.Add(m.conf.Timeouts.NoAnswer).Sub(now), func() {
		m.finish(context.Background(), call, core.EndNoAnswer, nil, true)
	})
	m.publishLocked()
	telemetry.CallEvent("ringing")

	log.Info().Str("service", "call").Str("sessionID", session.ID).Str("userID", m.userID).Str("callerID", session.InitiatorID).Msg("incoming call")
}

// reconcile applies a change of the current session made elsewhere.
func (m *Manager) reconcile(session *core.CallSession) {
	m.mu.Lock()
	call := m.cur
	if call == nil || call.session == nil || call.session.ID != session.ID {
		m.mu.Unlock()
		return
	}
	call.session = session

	if session.Status == core.CallActive && call.outgoing && m.state.Status == StatusCalling {
		if call.timer != nil {
			call.timer.Stop()
			call.timer = nil
		}
		m.setStatusLocked(StatusConnecting)
	}
	m.mu.Unlock()

	if !session.Status.IsTerminal() {
		return
	}

	reason := session.Reason()
	if reason == "" || reason == core.EndUserEnded {
		reason = core.EndRemoteEnded
	}
	m.finish(context.Background(), call, reason, nil, false)
}

func (m *Manager) beginLocked(outgoing bool, peerID string, status Status) *activeCall {
	if m.linger != nil {
		m.linger.Stop()
		m.linger = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	call := &activeCall{
		outgoing: outgoing,
		peerID:   peerID,
		ctx:      ctx,
		cancel:   cancel,
		remote:   media.NewRemoteStream(),
	}
	m.cur = call
	m.muted = false
	m.videoOff = false
	m.state = State{Status: status}

	return call
}

func (m *Manager) attachLocal(call *activeCall, stream *media.Stream, status Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != call {
		return false
	}
	call.local = stream
	m.setStatusLocked(status)
	return true
}

func (m *Manager) attachSession(call *activeCall, session *core.CallSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != call {
		return false
	}
	call.session = session
	m.publishLocked()
	return true
}

// connect builds the peer connection and the signal router for the session.
func (m *Manager) connect(call *activeCall, role rtc.Role) error {
	sessionID := call.session.ID

	servers, err := m.conf.ICE.Servers(sessionID, m.now())
	if err != nil {
		return err
	}
	conn, err := rtc.New(m.factory, rtc.Options{
		SessionID:        sessionID,
		RemoteID:         call.peerID,
		Role:             role,
		ICEServers:       servers,
		Signaler:         signal.NewOutbox(m.transport, sessionID, m.userID, call.peerID),
		RestartGrace:     m.conf.Timeouts.ICERestartGrace,
		ReconnectTimeout: m.conf.Timeouts.Reconnect,
	})
	if err != nil {
		return err
	}
	conn.OnLinkState(func(state rtc.LinkState) {
		m.onLinkState(call, state)
	})
	conn.OnRemoteTrack(func(track rtc.RemoteTrack) {
		m.onRemoteTrack(call, track)
	})
	if err := conn.AddLocalTracks(call.local); err != nil {
		conn.Close()
		return err
	}

	router := signal.NewRouter(m.transport, m.userID, sessionID, m.conf.Signaling.PollInterval)
	router.Handle(core.SignalOffer, descriptionHandler(conn))
	router.Handle(core.SignalAnswer, descriptionHandler(conn))
	router.Handle(core.SignalICECandidate, candidateHandler(conn))
	router.Handle(core.SignalRenegotiate, offerRequestHandler(conn))

	m.mu.Lock()
	if m.cur != call {
		m.mu.Unlock()
		conn.Close()
		return ErrCancelled
	}
	call.conn = conn
	call.router = router
	m.mu.Unlock()

	<-router.Start(call.ctx)
	return nil
}

func descriptionHandler(conn *rtc.Connection) signal.Handler {
	return func(ctx context.Context, s *core.Signal) error {
		desc, err := signal.Description(s)
		if err != nil {
			log.Warn().Err(err).Str("service", "call").Int64("signalID", s.ID).Msg("discarding description")
			return nil
		}
		err = conn.HandleDescription(desc)
		switch {
		case err == nil, errors.Is(err, rtc.ErrClosed):
		case errors.Is(err, rtc.ErrStaleDescription), errors.Is(err, rtc.ErrMalformedDescription):
			log.Debug().Err(err).Str("service", "call").Int64("signalID", s.ID).Msg("discarding description")
		default:
			return err
		}
		return nil
	}
}

func candidateHandler(conn *rtc.Connection) signal.Handler {
	return func(ctx context.Context, s *core.Signal) error {
		candidate, err := signal.Candidate(s)
		if err != nil {
			log.Warn().Err(err).Str("service", "call").Int64("signalID", s.ID).Msg("discarding candidate")
			return nil
		}
		return conn.AddICECandidate(candidate)
	}
}

func offerRequestHandler(conn *rtc.Connection) signal.Handler {
	return func(ctx context.Context, s *core.Signal) error {
		req, err := signal.Renegotiation(s)
		if err != nil {
			log.Warn().Err(err).Str("service", "call").Int64("signalID", s.ID).Msg("discarding offer request")
			return nil
		}
		err = conn.HandleOfferRequest(req.ICERestart, req.Kinds)
		switch {
		case err == nil, errors.Is(err, rtc.ErrClosed):
		case errors.Is(err, rtc.ErrUnexpectedRequest):
			log.Debug().Err(err).Str("service", "call").Int64("signalID", s.ID).Msg("discarding offer request")
		default:
			return err
		}
		return nil
	}
}

func (m *Manager) onLinkState(call *activeCall, state rtc.LinkState) {
	if state == rtc.LinkFailed {
		go m.finish(context.Background(), call, core.EndConnectionFailed, nil, true)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != call {
		return
	}

	switch state {
	case rtc.LinkConnected:
		if call.timer != nil {
			call.timer.Stop()
			call.timer = nil
		}
		if call.connectedAt.IsZero() {
			call.connectedAt = m.now()
			telemetry.CallConnected()
			telemetry.CallEvent("connected")
		}
		m.startConnectedLocked(call)
		m.setStatusLocked(StatusConnected)
	case rtc.LinkReconnecting:
		if call.connectedAt.IsZero() {
			return
		}
		if monitor := m.stopConnectedLocked(call); monitor != nil {
			go monitor.Stop()
		}
		m.setStatusLocked(StatusReconnecting)
	}
}

// startConnectedLocked runs the duration ticker and the quality monitor; both
// only run while connected.
func (m *Manager) startConnectedLocked(call *activeCall) {
	if call.tick == nil {
		stop := make(chan struct{})
		call.tick = stop
		go m.countDuration(call, stop)
	}
	if call.monitor == nil && call.conn != nil {
		th := quality.NewThresholds(m.conf.Quality)
		call.monitor = quality.NewMonitor(call.conn, m.conf.Quality.Interval, th, func(q quality.Quality) {
			m.onQuality(call, q)
		})
		call.monitor.Start()
	}
}

func (m *Manager) stopConnectedLocked(call *activeCall) *quality.Monitor {
	if call.tick != nil {
		close(call.tick)
		call.tick = nil
	}
	monitor := call.monitor
	call.monitor = nil
	m.state.NetworkQuality = ""

	return monitor
}

func (m *Manager) countDuration(call *activeCall, stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.cur == call {
				m.state.DurationSeconds = int(m.now().Sub(call.connectedAt).Seconds())
				m.publishLocked()
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) onQuality(call *activeCall, q quality.Quality) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != call || call.monitor == nil {
		return
	}
	m.state.NetworkQuality = q
	m.publishLocked()
}

func (m *Manager) onRemoteTrack(call *activeCall, track rtc.RemoteTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != call {
		return
	}
	call.remote.Add(track)
	m.publishLocked()
}

// finish tears the call down and, when persist is set, records the outcome on
// the session. Only the first finish of a call has any effect.
func (m *Manager) finish(ctx context.Context, call *activeCall, reason core.EndReason, cause error, persist bool) error {
	duration, ok := m.teardown(call, StatusEnded, reason, cause)
	if !ok {
		return nil
	}
	telemetry.CallEvent("ended")

	fields := log.Info().Str("service", "call").Str("userID", m.userID).Str("reason", string(reason))
	if cause != nil {
		fields = fields.Err(cause)
	}
	if call.session == nil {
		fields.Msg("call ended")
		return nil
	}
	fields.Str("sessionID", call.session.ID).Msg("call ended")

	if !persist {
		return nil
	}
	if _, err := m.ledger.Finish(ctx, call.session.ID, reason, duration); err != nil {
		if errors.Is(err, core.ErrSessionTerminal) {
			return nil
		}
		log.Error().Err(err).Str("service", "call").Str("sessionID", call.session.ID).Msg("can't finish session")
		return err
	}
	return nil
}

// abandon drops a call that never got a session. A nil cause goes straight
// back to idle.
func (m *Manager) abandon(call *activeCall, cause error) {
	if cause == nil {
		m.teardown(call, StatusIdle, "", nil)
		return
	}
	m.teardown(call, StatusError, "", cause)
}

// teardown releases everything the call holds and publishes the final state.
// It reports false when the call was already torn down.
func (m *Manager) teardown(call *activeCall, status Status, reason core.EndReason, cause error) (time.Duration, bool) {
	m.mu.Lock()
	if m.cur != call {
		m.mu.Unlock()
		return 0, false
	}
	m.cur = nil

	var duration time.Duration
	if !call.connectedAt.IsZero() {
		duration = m.now().Sub(call.connectedAt)
		telemetry.CallDisconnected()
	}
	monitor := m.stopConnectedLocked(call)
	if call.timer != nil {
		call.timer.Stop()
		call.timer = nil
	}
	conn, router := call.conn, call.router
	m.mu.Unlock()

	call.cancel()
	if monitor != nil {
		monitor.Stop()
	}
	if router != nil {
		<-router.Stop()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("service", "call").Msg("can't close peer connection")
		}
	}
	if call.local != nil {
		call.local.Stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// a new call may have started in the meantime
	if m.cur != nil {
		return duration, true
	}
	if cause != nil {
		status = StatusError
	}
	m.state = State{
		Status:          status,
		Session:         call.session,
		IsMuted:         m.muted,
		IsVideoOff:      m.videoOff,
		DurationSeconds: int(duration.Seconds()),
		EndReason:       reason,
	}
	if cause != nil {
		m.state.Error = cause.Error()
	}
	m.publishLocked()

	if status.IsTerminal() {
		m.armLingerLocked()
	}

	return duration, true
}

func (m *Manager) armLingerLocked() {
	if m.linger != nil {
		m.linger.Stop()
	}
	m.linger = time.AfterFunc(m.conf.Timeouts.EndedLinger, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.cur != nil || !m.state.Status.IsTerminal() {
			return
		}
		m.state = State{Status: StatusIdle}
		m.publishLocked()
	})
}

func (m *Manager) setStatusLocked(status Status) {
	m.state.Status = status
	m.publishLocked()
}

// publishLocked refreshes the parts of the state derived from the current call
// and hands the snapshot to observers.
func (m *Manager) publishLocked() {
	if call := m.cur; call != nil {
		m.state.Session = call.session
		m.state.LocalStream = call.local.Info()
		m.state.RemoteStream = call.remote.Info()
		m.state.IsMuted = m.muted
		m.state.IsVideoOff = m.videoOff
	}
	m.hub.Publish(m.state)
}

type activeCall struct {
	outgoing bool
	peerID   string
	session  *core.CallSession

	// ctx is cancelled on teardown and aborts media acquisition and offer fetch
	ctx    context.Context
	cancel context.CancelFunc

	local  *media.Stream
	remote *media.RemoteStream
	conn   *rtc.Connection
	router *signal.Router

	// timer is the no-answer timer of the caller or the ring timeout of the callee
	timer       *time.Timer
	connectedAt time.Time
	tick        chan struct{}
	monitor     *quality.Monitor
}
