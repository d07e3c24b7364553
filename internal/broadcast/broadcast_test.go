package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/memstore"
	"github.com/isqad/livelook-signal/internal/rtc/rtctest"
	"github.com/isqad/livelook-signal/internal/signal"
)

func testConfig() Config {
	conf := NewConfig(config.NewConfig())
	conf.ICE = config.ICEConfig{
		TurnURLs:       []string{"turn:turn.example.com:3478?transport=udp", "turns:turn.example.com:443?transport=tcp"},
		TurnUsername:   "user",
		TurnCredential: "pass",
	}
	conf.Timeouts.JoinRetry = 2 * time.Second
	conf.Timeouts.MediaWait = time.Second
	conf.Timeouts.ICERestartGrace = time.Hour
	conf.Timeouts.Reconnect = time.Second
	conf.Signaling.PollInterval = 10 * time.Millisecond
	conf.Quality.Interval = time.Hour
	return conf
}

type env struct {
	stores    *core.Stores
	signals   *memstore.Signals
	bus       *eventbus.LocalBus
	transport *signal.Transport
	chat      *Chat
}

func newEnv(t *testing.T) *env {
	t.Helper()

	bus := eventbus.NewLocalBus()
	t.Cleanup(func() { bus.Close() })

	stores := memstore.NewStores()
	signals := stores.Signals.(*memstore.Signals)

	return &env{
		stores:    stores,
		signals:   signals,
		bus:       bus,
		transport: signal.NewTransport(signals, bus),
		chat:      NewChat(stores, bus, 500*time.Millisecond),
	}
}

// deps gives every side its own fake peer connections and media.
func (e *env) deps(acquirer media.Acquirer) (Deps, *rtctest.Factory) {
	factory := &rtctest.Factory{}
	return Deps{
		Stores:    e.stores,
		Transport: e.transport,
		Bus:       e.bus,
		Factory:   factory,
		Acquirer:  acquirer,
		Chat:      e.chat,
	}, factory
}

// liveStream stores a live stream with its host on screen at position 1.
func (e *env) liveStream(t *testing.T, hostID string, streamType core.StreamType) *core.Stream {
	t.Helper()
	ctx := context.Background()

	now := time.Now()
	stream, err := e.stores.Streams.Create(ctx, &core.Stream{
		ID:        "stream-" + hostID,
		HostID:    hostID,
		Title:     "test",
		Mode:      core.VideoCall,
		Type:      streamType,
		Status:    core.StreamLive,
		CreatedAt: now,
		StartedAt: &now,
	})
	require.NoError(t, err)

	_, err = e.stores.Participants.Upsert(ctx, &core.Participant{
		StreamID:  stream.ID,
		UserID:    hostID,
		Role:      core.RoleHost,
		Status:    core.ParticipantApproved,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	_, err = e.stores.Participants.Approve(ctx, stream.ID, hostID)
	require.NoError(t, err)

	return stream
}

func (e *env) sent(kind core.SignalKind, toID string) []*core.Signal {
	var out []*core.Signal
	for _, s := range e.signals.All() {
		if s.Kind == kind && s.ToID == toID {
			out = append(out, s)
		}
	}
	return out
}

// recorder hands out fresh audio+video streams. While gate is set, Acquire
// blocks until it is closed.
type recorder struct {
	gate chan struct{}

	mu      sync.Mutex
	streams []*media.Stream
}

func (r *recorder) Acquire(ctx context.Context, mode core.CallMode) (*media.Stream, error) {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	audio, err := media.NewAudioTrack("local")
	if err != nil {
		return nil, err
	}
	video, err := media.NewVideoTrack("local")
	if err != nil {
		return nil, err
	}
	stream := media.NewStream("local", audio, video)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, stream)

	return stream, nil
}

func (r *recorder) last() *media.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.streams) == 0 {
		return nil
	}
	return r.streams[len(r.streams)-1]
}

func nextEvent(t *testing.T, events *Events, want rpc.StreamEventType) *rpc.StreamEvent {
	t.Helper()

	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-events.Events():
			require.True(t, ok, "stream events closed")
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", want)
			return nil
		}
	}
}
