package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/memstore"
	"github.com/isqad/livelook-signal/internal/rtc/rtctest"
)

func testConfig() *config.Config {
	conf := config.NewConfig()
	conf.ICE = config.ICEConfig{
		TurnURLs:       []string{"turn:turn.example.com:3478?transport=udp", "turns:turn.example.com:443?transport=tcp"},
		TurnUsername:   "user",
		TurnCredential: "pass",
	}
	conf.Timeouts.NoAnswer = 5 * time.Second
	conf.Timeouts.IncomingMaxAge = 5 * time.Second
	conf.Timeouts.OfferFetchDelay = 10 * time.Millisecond
	conf.Timeouts.ICERestartGrace = time.Hour
	conf.Timeouts.Reconnect = time.Second
	conf.Timeouts.EndedLinger = time.Hour
	conf.Timeouts.JoinRetry = 2 * time.Second
	conf.Timeouts.MediaWait = time.Second
	conf.Signaling.PollInterval = 10 * time.Millisecond
	conf.Quality.Interval = time.Hour
	return conf
}

func acquire(_ context.Context, mode core.CallMode) (*media.Stream, error) {
	audio, err := media.NewAudioTrack("local")
	if err != nil {
		return nil, err
	}
	tracks := []media.Track{audio}
	if mode == core.VideoCall {
		video, err := media.NewVideoTrack("local")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, video)
	}
	return media.NewStream("local", tracks...), nil
}

type testServer struct {
	*httptest.Server
	stores *core.Stores
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	return newTestServerWith(t, media.AcquirerFunc(acquire))
}

func newTestServerWith(t *testing.T, acquirer media.Acquirer) *testServer {
	t.Helper()

	bus := eventbus.NewLocalBus()
	t.Cleanup(func() { bus.Close() })

	stores := memstore.NewStores()
	app := NewApp(AppOptions{
		Config:   testConfig(),
		Stores:   stores,
		Bus:      bus,
		Factory:  &rtctest.Factory{},
		Acquirer: acquirer,
	})

	ts := httptest.NewServer(app.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(app.Close)

	return &testServer{Server: ts, stores: stores}
}

// do sends body as JSON on behalf of userID and decodes the answer into out.
func (s *testServer) do(t *testing.T, userID string, method string, path string, body interface{}, out interface{}) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) state(t *testing.T, userID string) ClientState {
	t.Helper()

	var state ClientState
	require.Equal(t, http.StatusOK, s.do(t, userID, http.MethodGet, "/state", nil, &state))
	return state
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("X-User-Id", userID)
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws", header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	return conn
}

type stateMessage struct {
	Method rpc.Method `json:"method"`
	Params struct {
		Source rpc.StateSource  `json:"source"`
		State  json.RawMessage `json:"state"`
	} `json:"params"`
}

// nextState reads the websocket until a snapshot from source satisfies f.
func nextState(t *testing.T, conn *websocket.Conn, source rpc.StateSource, f func(raw json.RawMessage) bool) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg stateMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Method == rpc.StateMethod && msg.Params.Source == source && f(msg.Params.State) {
			return
		}
	}
}

func TestUnauthorizedRequest(t *testing.T) {
	s := newTestServer(t)

	var resp errorResponse
	req, err := http.NewRequest(http.MethodGet, s.URL+"/state", nil)
	require.NoError(t, err)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)
	require.NoError(t, json.NewDecoder(r.Body).Decode(&resp))
	assert.Equal(t, ErrEmptyIdentity.Error(), resp.Error)
}

func TestMetricsNeedNoIdentity(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "livelook_call_connected")
}

func TestDeclinedCall(t *testing.T) {
	s := newTestServer(t)

	// bob's client starts watching for calls on his first request
	assert.Equal(t, "idle", string(s.state(t, "bob").Call.Status))

	session := &core.CallSession{}
	require.Equal(t, http.StatusCreated, s.do(t, "alice", http.MethodPost, "/calls", CallRequest{TargetID: "bob", Mode: core.AudioCall}, session))
	assert.Equal(t, core.CallRinging, session.Status)

	assert.Eventually(t, func() bool {
		return s.state(t, "bob").Call.Status == "ringing"
	}, 2*time.Second, 10*time.Millisecond)

	// busy while the first call rings
	assert.Equal(t, http.StatusConflict, s.do(t, "alice", http.MethodPost, "/calls", CallRequest{TargetID: "carol"}, nil))

	require.Equal(t, http.StatusNoContent, s.do(t, "bob", http.MethodPost, "/calls/"+session.ID+"/decline", nil, nil))

	assert.Eventually(t, func() bool {
		state := s.state(t, "alice").Call
		return state.Status == "ended" && state.EndReason == core.EndDeclined
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := s.stores.Calls.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CallDeclined, stored.Status)
}

func TestCallRefusals(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, "alice", http.MethodPost, "/calls", CallRequest{TargetID: "alice"}, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, "alice", http.MethodPost, "/calls", CallRequest{TargetID: "bob", Mode: "hologram"}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, "alice", http.MethodPost, "/calls", "not an object", nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, "alice", http.MethodPost, "/calls/missing/answer", nil, nil))
}

func TestMediaToggles(t *testing.T) {
	s := newTestServer(t)

	// nothing to toggle without local media
	flags := MediaResponse{}
	require.Equal(t, http.StatusOK, s.do(t, "host", http.MethodPost, "/media/mute", nil, &flags))
	assert.False(t, flags.IsMuted)

	stream := &core.Stream{}
	require.Equal(t, http.StatusCreated, s.do(t, "host", http.MethodPost, "/streams", StreamRequest{Title: "live"}, stream))

	require.Equal(t, http.StatusOK, s.do(t, "host", http.MethodPost, "/media/mute", nil, &flags))
	assert.True(t, flags.IsMuted)
	assert.False(t, flags.IsVideoOff)
	require.Equal(t, http.StatusOK, s.do(t, "host", http.MethodPost, "/media/video", nil, &flags))
	assert.True(t, flags.IsMuted)
	assert.True(t, flags.IsVideoOff)
}

// hookedAcquirer runs before on every capture after the first and keeps
// what it handed out.
type hookedAcquirer struct {
	mu      sync.Mutex
	calls   int
	before  func()
	streams []*media.Stream
}

func (a *hookedAcquirer) Acquire(ctx context.Context, mode core.CallMode) (*media.Stream, error) {
	a.mu.Lock()
	a.calls++
	before := a.before
	if a.calls == 1 {
		before = nil
	}
	a.mu.Unlock()

	if before != nil {
		before()
	}
	stream, err := acquire(ctx, mode)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.streams = append(a.streams, stream)
	a.mu.Unlock()
	return stream, nil
}

func (a *hookedAcquirer) last() *media.Stream {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.streams[len(a.streams)-1]
}

func TestCameraSwapStopsTrackWhenCallEnds(t *testing.T) {
	acquirer := &hookedAcquirer{}
	s := newTestServerWith(t, acquirer)

	session := &core.CallSession{}
	require.Equal(t, http.StatusCreated, s.do(t, "alice", http.MethodPost, "/calls", CallRequest{TargetID: "bob", Mode: core.VideoCall}, session))
	require.NotNil(t, s.state(t, "alice").Call.LocalStream)

	// the call ends while the camera is being opened
	acquirer.mu.Lock()
	acquirer.before = func() {
		assert.Equal(t, http.StatusNoContent, s.do(t, "alice", http.MethodDelete, "/calls/current", nil, nil))
	}
	acquirer.mu.Unlock()

	assert.Equal(t, http.StatusConflict, s.do(t, "alice", http.MethodPost, "/media/camera", nil, nil))

	video := acquirer.last().Track(webrtc.RTPCodecTypeVideo)
	require.NotNil(t, video)
	assert.True(t, video.Stopped())
	assert.Zero(t, acquirer.last().Live())
}

func TestStreamChatAndModeration(t *testing.T) {
	s := newTestServer(t)

	stream := &core.Stream{}
	require.Equal(t, http.StatusCreated, s.do(t, "host", http.MethodPost, "/streams", StreamRequest{Title: "evening", StreamType: core.MultiStream}, stream))
	assert.Equal(t, core.StreamLive, stream.Status)
	assert.Equal(t, http.StatusConflict, s.do(t, "host", http.MethodPost, "/streams", StreamRequest{Title: "again"}, nil))

	base := "/streams/" + stream.ID
	comment := &core.Comment{}
	require.Equal(t, http.StatusCreated, s.do(t, "viewer", http.MethodPost, base+"/comments", CommentRequest{Body: "hi"}, comment))
	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, "viewer", http.MethodPost, base+"/comments", CommentRequest{Body: " "}, nil))

	pinPath := fmt.Sprintf("%s/comments/%d/pin", base, comment.ID)
	assert.Equal(t, http.StatusForbidden, s.do(t, "viewer", http.MethodPost, pinPath, nil, nil))
	pinned := &core.Stream{}
	require.Equal(t, http.StatusOK, s.do(t, "host", http.MethodPost, pinPath, nil, pinned))
	require.NotNil(t, pinned.PinnedCommentID)
	assert.Equal(t, comment.ID, *pinned.PinnedCommentID)

	require.Equal(t, http.StatusOK, s.do(t, "host", http.MethodPut, base+"/slow-mode", DurationRequest{Seconds: 30}, nil))
	require.Equal(t, http.StatusCreated, s.do(t, "viewer", http.MethodPost, base+"/comments", CommentRequest{Body: "one"}, nil))
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, "viewer", http.MethodPost, base+"/comments", CommentRequest{Body: "two"}, nil))

	require.Equal(t, http.StatusCreated, s.do(t, "viewer", http.MethodPost, base+"/reactions", ReactionRequest{Emoji: "👏"}, nil))
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, "viewer", http.MethodPost, base+"/reactions", ReactionRequest{Emoji: "👏"}, nil))

	require.Equal(t, http.StatusNoContent, s.do(t, "host", http.MethodDelete, fmt.Sprintf("%s/comments/%d", base, comment.ID), nil, nil))
	var comments []*core.Comment
	require.Equal(t, http.StatusOK, s.do(t, "viewer", http.MethodGet, base+"/comments", nil, &comments))
	require.Len(t, comments, 1)
	assert.Equal(t, "one", comments[0].Body)

	require.Equal(t, http.StatusNoContent, s.do(t, "host", http.MethodPost, base+"/participants/troll/block", nil, nil))
	assert.Equal(t, http.StatusForbidden, s.do(t, "troll", http.MethodPost, base+"/comments", CommentRequest{Body: "hey"}, nil))
	assert.Equal(t, http.StatusForbidden, s.do(t, "host", http.MethodPost, base+"/participants/host/kick", nil, nil))

	require.Equal(t, http.StatusNoContent, s.do(t, "host", http.MethodDelete, base, nil, nil))
	show := &StreamResponse{}
	require.Equal(t, http.StatusOK, s.do(t, "viewer", http.MethodGet, base, nil, show))
	assert.Equal(t, core.StreamEnded, show.Stream.Status)
	assert.Equal(t, http.StatusConflict, s.do(t, "viewer", http.MethodPost, base+"/comments", CommentRequest{Body: "late"}, nil))
}

func TestJoinAndKick(t *testing.T) {
	s := newTestServer(t)

	stream := &core.Stream{}
	require.Equal(t, http.StatusCreated, s.do(t, "host", http.MethodPost, "/streams", StreamRequest{Title: "live"}, stream))
	base := "/streams/" + stream.ID

	assert.Equal(t, http.StatusForbidden, s.do(t, "host", http.MethodPost, base+"/viewers", nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, "viewer", http.MethodPost, base+"/requests", nil, nil))

	require.Equal(t, http.StatusOK, s.do(t, "viewer", http.MethodPost, base+"/viewers", nil, nil))
	assert.Eventually(t, func() bool {
		state := s.state(t, "host").Broadcast
		return state != nil && len(state.Viewers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p := &core.Participant{}
	require.Equal(t, http.StatusCreated, s.do(t, "viewer", http.MethodPost, base+"/requests", nil, p))
	assert.Equal(t, core.ParticipantRequested, p.Status)
	require.Equal(t, http.StatusOK, s.do(t, "host", http.MethodPost, base+"/requests/viewer/approve", nil, p))
	assert.Equal(t, core.ParticipantApproved, p.Status)

	require.Equal(t, http.StatusNoContent, s.do(t, "host", http.MethodPost, base+"/participants/viewer/kick", nil, nil))
	assert.Eventually(t, func() bool {
		state := s.state(t, "viewer").Viewer
		return state != nil && state.Status == "left"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusNotFound, s.do(t, "viewer", http.MethodDelete, base+"/viewers/current", nil, nil))
}

func TestInviteOverWebsocket(t *testing.T) {
	s := newTestServer(t)

	conn := s.dial(t, "guest")
	nextState(t, conn, rpc.CallState, func(raw json.RawMessage) bool {
		var state struct {
			Status string `json:"status"`
		}
		return json.Unmarshal(raw, &state) == nil && state.Status == "idle"
	})

	stream := &core.Stream{}
	require.Equal(t, http.StatusCreated, s.do(t, "host", http.MethodPost, "/streams", StreamRequest{Title: "duet"}, stream))
	base := "/streams/" + stream.ID

	invited := &core.Participant{}
	require.Equal(t, http.StatusCreated, s.do(t, "host", http.MethodPost, base+"/invites", UserRequest{UserID: "guest"}, invited))
	assert.Equal(t, core.ParticipantInvited, invited.Status)

	nextState(t, conn, rpc.InviteState, func(raw json.RawMessage) bool {
		var invite Invite
		return json.Unmarshal(raw, &invite) == nil && invite.StreamID == stream.ID && invite.HostID == "host"
	})

	accepted := &core.Participant{}
	require.Equal(t, http.StatusOK, s.do(t, "guest", http.MethodPost, base+"/accept", nil, accepted))
	assert.Equal(t, core.ParticipantApproved, accepted.Status)
	require.NotNil(t, accepted.Position)
	assert.Equal(t, 2, *accepted.Position)

	assert.Empty(t, s.state(t, "guest").Invites)
	nextState(t, conn, rpc.ViewerState, func(raw json.RawMessage) bool {
		var state struct {
			Participant *core.Participant `json:"participant"`
		}
		return json.Unmarshal(raw, &state) == nil && state.Participant != nil && state.Participant.Status == core.ParticipantApproved
	})
}
