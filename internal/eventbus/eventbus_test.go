package eventbus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
)

func TestLocalBus(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, Signals, "bob")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, Signals, "carol")
	require.NoError(t, err)

	signal := &core.Signal{ID: 3, SessionID: "s1", FromID: "alice", ToID: "bob", Kind: core.SignalOffer}
	require.NoError(t, bus.Publish(ctx, Signals, "bob", rpc.NewSignalRpc(signal)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "signals:bob", msg.Channel)

		r, err := rpc.RpcFromReader(bytes.NewReader(msg.Payload))
		require.NoError(t, err)
		require.Equal(t, rpc.SignalMethod, r.GetMethod())
		assert.Equal(t, int64(3), r.(*rpc.SignalRpc).Params.ID)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}

	select {
	case <-other.Channel():
		t.Fatal("message leaked to another recipient")
	default:
	}

	require.NoError(t, sub.Close())
	_, open := <-sub.Channel()
	assert.False(t, open)
	assert.NoError(t, sub.Close())
}

func TestLocalBusDropsForSlowSubscribers(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, Sessions, "bob")
	require.NoError(t, err)

	for i := 0; i < localBufferSize+10; i++ {
		require.NoError(t, bus.Publish(ctx, Sessions, "bob", rpc.NewSessionRpc(&core.CallSession{ID: "s1"})))
	}

	assert.Len(t, sub.Channel(), localBufferSize)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "streams:st1", Streams.buildChannel("st1"))
	assert.Equal(t, "livelook.sessions.user_1", Sessions.subject("user.1"))
}

func TestHubLatestWins(t *testing.T) {
	hub := NewHub[int]()
	hub.Publish(1)

	ch, cancel := hub.Subscribe()
	assert.Equal(t, 1, <-ch)

	hub.Publish(2)
	hub.Publish(3)
	assert.Equal(t, 3, <-ch)

	last, ok := hub.Last()
	assert.True(t, ok)
	assert.Equal(t, 3, last)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	hub.Publish(4)
}
