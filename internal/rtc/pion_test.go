package rtc_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/rtc"
)

// link delivers what one connection sends to the other, in order and off the
// sender's goroutine, the way the signal table does.
type link struct {
	queue chan func(*rtc.Connection) error
	// order keeps queueing in send order across release
	order sync.Mutex

	mu     sync.Mutex
	remote *rtc.Connection
	hold   bool
	held   []func(*rtc.Connection) error
	offers []webrtc.SessionDescription
	errs   []error
}

func newLink(t *testing.T) *link {
	l := &link{queue: make(chan func(*rtc.Connection) error, 256)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for deliver := range l.queue {
			l.mu.Lock()
			remote := l.remote
			l.mu.Unlock()
			if err := deliver(remote); err != nil {
				l.mu.Lock()
				l.errs = append(l.errs, err)
				l.mu.Unlock()
			}
		}
	}()
	t.Cleanup(func() {
		close(l.queue)
		<-done
	})
	return l
}

// send queues deliver, or keeps it back while the link holds.
func (l *link) send(deliver func(*rtc.Connection) error) {
	l.order.Lock()
	defer l.order.Unlock()

	l.mu.Lock()
	hold := l.hold
	if hold {
		l.held = append(l.held, deliver)
	}
	l.mu.Unlock()

	if !hold {
		l.queue <- deliver
	}
}

func (l *link) SendDescription(_ context.Context, desc webrtc.SessionDescription) error {
	if desc.Type == webrtc.SDPTypeOffer {
		l.mu.Lock()
		l.offers = append(l.offers, desc)
		l.mu.Unlock()
	}
	l.send(func(c *rtc.Connection) error { return c.HandleDescription(desc) })
	return nil
}

func (l *link) SendCandidate(_ context.Context, candidate webrtc.ICECandidateInit) error {
	l.send(func(c *rtc.Connection) error { return c.AddICECandidate(candidate) })
	return nil
}

func (l *link) RequestOffer(_ context.Context, iceRestart bool, kinds []string) error {
	l.send(func(c *rtc.Connection) error { return c.HandleOfferRequest(iceRestart, kinds) })
	return nil
}

// holdAll keeps every message back until release.
func (l *link) holdAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hold = true
}

// release delivers the held messages in the order they were sent.
func (l *link) release() {
	l.order.Lock()
	defer l.order.Unlock()

	l.mu.Lock()
	held := l.held
	l.held = nil
	l.hold = false
	l.mu.Unlock()

	for _, deliver := range held {
		l.queue <- deliver
	}
}

func (l *link) sentOffers() []webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]webrtc.SessionDescription(nil), l.offers...)
}

func (l *link) errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]error(nil), l.errs...)
}

func ufrag(sdp string) string {
	for _, line := range strings.Split(sdp, "\r\n") {
		if strings.HasPrefix(line, "a=ice-ufrag:") {
			return strings.TrimPrefix(line, "a=ice-ufrag:")
		}
	}
	return ""
}

type pionSide struct {
	conn *rtc.Connection
	out  *link
}

func newPionPair(t *testing.T) (impolite, polite pionSide) {
	t.Helper()

	factory, err := rtc.NewPionFactory(config.NewConfig())
	require.NoError(t, err)

	open := func(role rtc.Role, out *link) *rtc.Connection {
		conn, err := rtc.New(factory, rtc.Options{
			SessionID:        "s1",
			RemoteID:         role.String(),
			Role:             role,
			Signaler:         out,
			RestartGrace:     time.Second,
			ReconnectTimeout: 30 * time.Second,
		})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })

		audio, err := media.NewAudioTrack(role.String())
		require.NoError(t, err)
		require.NoError(t, conn.AddLocalTracks(media.NewStream(role.String(), audio)))
		return conn
	}

	impolite.out, polite.out = newLink(t), newLink(t)
	impolite.conn = open(rtc.Impolite, impolite.out)
	polite.conn = open(rtc.Polite, polite.out)

	impolite.out.mu.Lock()
	impolite.out.remote = polite.conn
	impolite.out.mu.Unlock()
	polite.out.mu.Lock()
	polite.out.remote = impolite.conn
	polite.out.mu.Unlock()

	return impolite, polite
}

func settled(a, b pionSide) func() bool {
	return func() bool {
		return a.conn.State() == rtc.LinkConnected && b.conn.State() == rtc.LinkConnected &&
			a.conn.SignalingState() == webrtc.SignalingStateStable &&
			b.conn.SignalingState() == webrtc.SignalingStateStable
	}
}

func TestPionLoopbackConnects(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	impolite, polite := newPionPair(t)

	require.NoError(t, impolite.conn.Offer())
	assert.Eventually(t, settled(impolite, polite), 15*time.Second, 20*time.Millisecond)

	assert.Empty(t, impolite.out.errors())
	assert.Empty(t, polite.out.errors())
	assert.Empty(t, polite.out.sentOffers())
}

func TestPionLoopbackRestartFromBothSides(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	impolite, polite := newPionPair(t)

	require.NoError(t, impolite.conn.Offer())
	require.Eventually(t, settled(impolite, polite), 15*time.Second, 20*time.Millisecond)

	// both restart after the same grace while the impolite offer is in flight
	impolite.out.holdAll()
	require.NoError(t, impolite.conn.RestartICE())
	require.NoError(t, polite.conn.RestartICE())
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, impolite.conn.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, polite.conn.SignalingState())
	impolite.out.release()

	assert.Eventually(t, settled(impolite, polite), 15*time.Second, 20*time.Millisecond)

	offers := impolite.out.sentOffers()
	require.GreaterOrEqual(t, len(offers), 2)
	assert.NotEqual(t, ufrag(offers[0].SDP), ufrag(offers[1].SDP))
	assert.Empty(t, polite.out.sentOffers())
	assert.Empty(t, impolite.out.errors())
	assert.Empty(t, polite.out.errors())
}

func TestPionLoopbackRenegotiationFromPoliteSide(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	impolite, polite := newPionPair(t)

	require.NoError(t, impolite.conn.Offer())
	require.Eventually(t, settled(impolite, polite), 15*time.Second, 20*time.Millisecond)

	// a new kind on the polite side needs a new m-line
	video, err := media.NewVideoTrack("polite")
	require.NoError(t, err)
	require.NoError(t, polite.conn.ReplaceTrack(video))

	assert.Eventually(t, func() bool {
		return len(impolite.out.sentOffers()) >= 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, settled(impolite, polite), 15*time.Second, 20*time.Millisecond)

	offers := impolite.out.sentOffers()
	assert.NotContains(t, offers[0].SDP, "m=video")
	assert.Contains(t, offers[len(offers)-1].SDP, "m=video")
	assert.Empty(t, polite.out.sentOffers())
	assert.Empty(t, impolite.out.errors())
	assert.Empty(t, polite.out.errors())
}
