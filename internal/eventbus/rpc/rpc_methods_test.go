package rpc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/core"
)

func TestRpcFromReader(t *testing.T) {
	t.Run("signal keeps the raw payload", func(t *testing.T) {
		payload := `{"jsonrpc":"2.0","method":"signal","params":{"id":7,"session_id":"s1","from_id":"a","to_id":"b","kind":"ice-candidate","payload":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"},"processed":false}}`

		r, err := RpcFromReader(strings.NewReader(payload))
		require.NoError(t, err)

		signal := r.(*SignalRpc).Params
		assert.Equal(t, core.SignalICECandidate, signal.Kind)
		assert.JSONEq(t, `{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`, string(signal.Payload))
	})

	t.Run("stream event", func(t *testing.T) {
		raw, err := NewStreamEventRpc(&StreamEvent{
			Type:     CommentDeleted,
			StreamID: "st1",
			Comment:  &core.Comment{ID: 4, StreamID: "st1"},
		}).ToJSON()
		require.NoError(t, err)

		r, err := RpcFromReader(strings.NewReader(string(raw)))
		require.NoError(t, err)

		assert.Equal(t, StreamEventMethod, r.GetMethod())
		event := r.(*StreamEventRpc).Params
		assert.Equal(t, CommentDeleted, event.Type)
		assert.Equal(t, int64(4), event.Comment.ID)
	})

	t.Run("state keeps the raw snapshot", func(t *testing.T) {
		raw, err := NewStateRpc(CallState, map[string]string{"status": "ringing"}).ToJSON()
		require.NoError(t, err)

		r, err := RpcFromReader(strings.NewReader(string(raw)))
		require.NoError(t, err)

		update := r.(*StateRpc).Params
		assert.Equal(t, CallState, update.Source)
		assert.JSONEq(t, `{"status":"ringing"}`, string(update.State.(json.RawMessage)))
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := RpcFromReader(strings.NewReader(`{"jsonrpc":"2.0","method":"join","params":{}}`))
		assert.ErrorIs(t, err, ErrUnknownRpcType)
	})

	t.Run("missing params", func(t *testing.T) {
		_, err := RpcFromReader(strings.NewReader(`{"jsonrpc":"2.0","method":"session"}`))
		assert.ErrorIs(t, err, ErrMalformedRpc)
	})
}
