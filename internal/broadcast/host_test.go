package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/retry"
	"github.com/isqad/livelook-signal/internal/rtc/rtctest"
)

type host struct {
	b       *Broadcast
	factory *rtctest.Factory
	media   *recorder
}

func (e *env) goLive(t *testing.T, hostID string, conf Config, media *recorder) *host {
	t.Helper()

	deps, factory := e.deps(media)
	b, err := GoLive(context.Background(), hostID, "live now", core.MultiStream, core.VideoCall, deps, conf)
	require.NoError(t, err)
	t.Cleanup(func() { b.End(context.Background()) })

	return &host{b: b, factory: factory, media: media}
}

type viewer struct {
	v       *Viewer
	factory *rtctest.Factory
	media   *recorder
}

func (e *env) viewer(t *testing.T, userID string, streamID string, conf Config) *viewer {
	t.Helper()

	media := &recorder{}
	deps, factory := e.deps(media)
	v := NewViewer(userID, streamID, deps, conf)
	t.Cleanup(func() { v.Leave(context.Background()) })

	return &viewer{v: v, factory: factory, media: media}
}

func (v *viewer) waitStatus(t *testing.T, want ViewerStatus) ViewerState {
	t.Helper()

	assert.Eventually(t, func() bool {
		return v.v.State().Status == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s, have %s", want, v.v.State().Status)

	return v.v.State()
}

func TestGoLiveIsLiveImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.goLive(t, "host", testConfig(), &recorder{gate: make(chan struct{})})

	stream := h.b.Stream()
	assert.Equal(t, core.StreamLive, stream.Status)
	assert.NotNil(t, stream.StartedAt)

	stored, err := e.stores.Streams.Get(ctx, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StreamLive, stored.Status)

	p, err := e.stores.Participants.Get(ctx, stream.ID, "host")
	require.NoError(t, err)
	assert.Equal(t, core.RoleHost, p.Role)
	assert.Equal(t, core.ParticipantConnected, p.Status)
	require.NotNil(t, p.Position)
	assert.Equal(t, 1, *p.Position)

	_, err = GoLive(ctx, "host", "bad", core.StreamType("triple"), core.VideoCall, Deps{Stores: e.stores}, testConfig())
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestJoinWaitsForHostMedia(t *testing.T) {
	e := newEnv(t)
	conf := testConfig()
	gate := make(chan struct{})
	h := e.goLive(t, "host", conf, &recorder{gate: gate})
	v := e.viewer(t, "viewer", h.b.ID(), conf)

	joined := make(chan error, 1)
	go func() {
		joined <- v.v.Join(context.Background())
	}()

	assert.Eventually(t, func() bool {
		return len(e.sent(core.SignalJoinRequest, "host")) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.factory.Peers())

	close(gate)

	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("join did not finish")
	}

	require.Len(t, h.factory.Peers(), 1)
	hostPC := h.factory.Last()
	assert.Len(t, hostPC.Tracks(), 2)
	assert.Eventually(t, func() bool {
		return hostPC.SignalingState() == webrtc.SignalingStateStable
	}, time.Second, 5*time.Millisecond)

	hostPC.FireConnectionState(webrtc.PeerConnectionStateConnected)
	v.factory.Last().FireConnectionState(webrtc.PeerConnectionStateConnected)
	v.factory.Last().FireTrack(&rtctest.RemoteTrack{TrackID: "video", Stream: "host", Codec: webrtc.RTPCodecTypeVideo})

	state := v.waitStatus(t, ViewerWatching)
	assert.Equal(t, h.b.ID(), state.Stream.ID)
	assert.Eventually(t, func() bool {
		return v.v.State().RemoteStream != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"viewer"}, h.b.State().Viewers)
}

func TestJoinGivesUpWithoutOffer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "absent", core.MultiStream)

	conf := testConfig()
	conf.Timeouts.JoinRetry = 30 * time.Millisecond
	conf.Timeouts.JoinAttempts = 3
	v := e.viewer(t, "viewer", stream.ID, conf)

	err := v.v.Join(ctx)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Len(t, e.sent(core.SignalJoinRequest, "absent"), 3)

	state := v.v.State()
	assert.Equal(t, ViewerError, state.Status)
	assert.NotEmpty(t, state.Error)
}

func TestJoinRefusals(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	stream := e.liveStream(t, "host", core.MultiStream)

	require.NoError(t, e.stores.Moderation.Block(ctx, stream.ID, "troll"))
	assert.ErrorIs(t, e.viewer(t, "troll", stream.ID, testConfig()).v.Join(ctx), core.ErrBlocked)
	assert.ErrorIs(t, e.viewer(t, "host", stream.ID, testConfig()).v.Join(ctx), ErrHostTarget)

	_, err := e.stores.Streams.Finish(ctx, stream.ID, core.EndUserEnded, time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, e.viewer(t, "late", stream.ID, testConfig()).v.Join(ctx), core.ErrStreamNotLive)
}

func TestRepeatedJoinRequestResendsOffer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.goLive(t, "host", testConfig(), &recorder{})
	streamID := h.b.ID()

	require.NoError(t, e.transport.Send(ctx, streamID, "viewer", "host", core.SignalJoinRequest, map[string]int{"attempt": 1}))
	assert.Eventually(t, func() bool {
		return len(e.sent(core.SignalOffer, "viewer")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.transport.Send(ctx, streamID, "viewer", "host", core.SignalJoinRequest, map[string]int{"attempt": 2}))
	assert.Eventually(t, func() bool {
		return len(e.sent(core.SignalOffer, "viewer")) == 2
	}, time.Second, 5*time.Millisecond)

	offers := e.sent(core.SignalOffer, "viewer")
	require.Len(t, offers, 2)
	assert.JSONEq(t, string(offers[0].Payload), string(offers[1].Payload))
	assert.Len(t, h.factory.Peers(), 1)
}

func TestBlockedViewerGetsNoOffer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := e.goLive(t, "host", testConfig(), &recorder{})
	streamID := h.b.ID()

	require.NoError(t, e.stores.Moderation.Block(ctx, streamID, "troll"))
	require.NoError(t, e.transport.Send(ctx, streamID, "troll", "host", core.SignalJoinRequest, nil))

	assert.Eventually(t, func() bool {
		for _, s := range e.sent(core.SignalJoinRequest, "host") {
			if !s.Processed {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Empty(t, e.sent(core.SignalOffer, "troll"))
	assert.Empty(t, h.factory.Peers())
}

func TestKickDropsViewer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	conf := testConfig()
	h := e.goLive(t, "host", conf, &recorder{})
	v := e.viewer(t, "viewer", h.b.ID(), conf)
	require.NoError(t, v.v.Join(ctx))

	hostPC := h.factory.Last()
	require.NotNil(t, hostPC)

	mod := NewModerator(e.stores, e.bus)
	require.NoError(t, mod.KickParticipant(ctx, "host", h.b.ID(), "viewer"))

	assert.Eventually(t, hostPC.Closed, time.Second, 5*time.Millisecond)
	v.waitStatus(t, ViewerLeft)
	assert.True(t, v.factory.Last().Closed())
	assert.Empty(t, h.b.State().Viewers)
}

func TestGuestPublishesAfterApproval(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	conf := testConfig()
	h := e.goLive(t, "host", conf, &recorder{})
	v := e.viewer(t, "guest", h.b.ID(), conf)
	require.NoError(t, v.v.Join(ctx))

	assert.ErrorIs(t, v.v.Publish(ctx), ErrNotOnScreen)

	_, err := v.v.RequestToJoin(ctx)
	require.NoError(t, err)
	approved, err := h.b.Approve(ctx, "guest")
	require.NoError(t, err)
	assert.Equal(t, core.ParticipantApproved, approved.Status)

	assert.Eventually(t, func() bool {
		p := v.v.State().Participant
		return p != nil && p.Status == core.ParticipantApproved
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, v.v.Publish(ctx))
	state := v.v.State()
	require.NotNil(t, state.LocalStream)
	assert.Equal(t, 1, state.LocalStream.Video)
	assert.Len(t, v.factory.Last().Tracks(), 2)

	// the guest was already connected: approval reuses the connection
	assert.Len(t, h.factory.Peers(), 1)
}

func TestInviteReachesUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t)
	conf := testConfig()
	h := e.goLive(t, "host", conf, &recorder{})

	invites := make(chan string, 1)
	router := ListenInvites(ctx, e.transport, "guest", conf.Signaling.PollInterval, func(streamID string, hostID string) {
		assert.Equal(t, "host", hostID)
		invites <- streamID
	})
	defer func() { <-router.Stop() }()

	_, err := h.b.Invite(ctx, "guest")
	require.NoError(t, err)

	select {
	case streamID := <-invites:
		assert.Equal(t, h.b.ID(), streamID)
	case <-time.After(time.Second):
		t.Fatal("invite not delivered")
	}

	v := e.viewer(t, "guest", h.b.ID(), conf)
	p, err := v.v.AcceptInvite(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.ParticipantApproved, p.Status)

	// the host offers a connection to the new guest
	assert.Eventually(t, func() bool {
		return len(e.sent(core.SignalOffer, "guest")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	media := &recorder{}
	h := e.goLive(t, "host", testConfig(), media)

	assert.Eventually(t, func() bool {
		return h.b.State().LocalStream != nil
	}, time.Second, 5*time.Millisecond)
	local := media.last()

	stream, err := h.b.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StreamPaused, stream.Status)
	assert.False(t, local.Enabled(webrtc.RTPCodecTypeVideo))
	assert.False(t, local.Enabled(webrtc.RTPCodecTypeAudio))

	stream, err = h.b.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StreamLive, stream.Status)
	assert.True(t, local.Enabled(webrtc.RTPCodecTypeVideo))
}

func TestEndTearsEverythingDown(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	conf := testConfig()
	media := &recorder{}
	h := e.goLive(t, "host", conf, media)
	v := e.viewer(t, "viewer", h.b.ID(), conf)
	require.NoError(t, v.v.Join(ctx))

	hostPC := h.factory.Last()
	require.NoError(t, h.b.End(ctx))
	require.NoError(t, h.b.End(ctx))

	stream := h.b.Stream()
	assert.Equal(t, core.StreamEnded, stream.Status)
	require.NotNil(t, stream.EndReason)
	assert.Equal(t, core.EndUserEnded, *stream.EndReason)
	assert.True(t, hostPC.Closed())
	assert.Zero(t, media.last().Live())

	v.waitStatus(t, ViewerEnded)
	assert.True(t, v.factory.Last().Closed())

	_, err := e.chat.SendComment(ctx, stream.ID, "viewer", "bye")
	assert.ErrorIs(t, err, core.ErrStreamNotLive)
}

func TestGuestRenegotiationIsOfferedByHost(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	conf := testConfig()
	h := e.goLive(t, "host", conf, &recorder{})
	v := e.viewer(t, "guest", h.b.ID(), conf)
	require.NoError(t, v.v.Join(ctx))

	hostPC := h.factory.Last()
	guestPC := v.factory.Last()
	assert.Eventually(t, func() bool {
		return hostPC.SignalingState() == webrtc.SignalingStateStable
	}, time.Second, 5*time.Millisecond)

	// the guest side never offers, it asks the host to
	guestPC.FireNegotiationNeeded()
	assert.Eventually(t, func() bool {
		return len(e.sent(core.SignalRenegotiate, "host")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(e.sent(core.SignalOffer, "guest")) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, guestPC.Offers())
	assert.Empty(t, e.sent(core.SignalOffer, "host"))
}

// failingParticipants fails the writes GoLive makes for the host.
type failingParticipants struct {
	core.ParticipantsDBStorer
	failUpsert  bool
	failApprove bool
	streamID    string
}

var errStoreDown = errors.New("store down")

func (p *failingParticipants) Upsert(ctx context.Context, participant *core.Participant) (*core.Participant, error) {
	p.streamID = participant.StreamID
	if p.failUpsert {
		return nil, errStoreDown
	}
	return p.ParticipantsDBStorer.Upsert(ctx, participant)
}

func (p *failingParticipants) Approve(ctx context.Context, streamID string, userID string) (*core.Participant, error) {
	if p.failApprove {
		return nil, errStoreDown
	}
	return p.ParticipantsDBStorer.Approve(ctx, streamID, userID)
}

func TestGoLiveEndsStreamWhenHostSetupFails(t *testing.T) {
	cases := []struct {
		name         string
		participants func(core.ParticipantsDBStorer) *failingParticipants
	}{
		{"upsert", func(inner core.ParticipantsDBStorer) *failingParticipants {
			return &failingParticipants{ParticipantsDBStorer: inner, failUpsert: true}
		}},
		{"approve", func(inner core.ParticipantsDBStorer) *failingParticipants {
			return &failingParticipants{ParticipantsDBStorer: inner, failApprove: true}
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t)
			deps, factory := e.deps(&recorder{})

			stores := *e.stores
			participants := c.participants(stores.Participants)
			stores.Participants = participants
			deps.Stores = &stores

			_, err := GoLive(ctx, "host", "live now", core.MultiStream, core.VideoCall, deps, testConfig())
			assert.ErrorIs(t, err, errStoreDown)
			assert.Empty(t, factory.Peers())

			require.NotEmpty(t, participants.streamID)
			stored, err := e.stores.Streams.Get(ctx, participants.streamID)
			require.NoError(t, err)
			assert.Equal(t, core.StreamEnded, stored.Status)
			require.NotNil(t, stored.EndReason)
			assert.Equal(t, core.EndConnectionFailed, *stored.EndReason)
		})
	}
}
