package rpc

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/isqad/livelook-signal/internal/core"
)

const jsonRpcVersion = "2.0"

type Method string

const (
	SignalMethod      Method = "signal"
	SessionMethod     Method = "session"
	StreamEventMethod Method = "stream_event"
	StateMethod       Method = "state"
)

var (
	ErrUnknownRpcType = errors.New("unknown RPC type")
	ErrMalformedRpc   = errors.New("malformed RPC")
)

type Rpc interface {
	GetMethod() Method
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
}

type jsonRpc struct {
	jsonRpcHead
	Params json.RawMessage `json:"params"`
}

func RpcFromReader(reader io.Reader) (Rpc, error) {
	rpc := &jsonRpc{}

	err := json.NewDecoder(reader).Decode(rpc)
	if err != nil {
		return nil, err
	}
	if rpc.Version != jsonRpcVersion || len(rpc.Params) == 0 {
		return nil, ErrMalformedRpc
	}

	switch rpc.Method {
	case SignalMethod:
		s := &core.Signal{}
		if err := json.Unmarshal(rpc.Params, s); err != nil {
			return nil, err
		}

		return NewSignalRpc(s), nil
	case SessionMethod:
		s := &core.CallSession{}
		if err := json.Unmarshal(rpc.Params, s); err != nil {
			return nil, err
		}

		return NewSessionRpc(s), nil
	case StreamEventMethod:
		e := &StreamEvent{}
		if err := json.Unmarshal(rpc.Params, e); err != nil {
			return nil, err
		}

		return NewStreamEventRpc(e), nil
	case StateMethod:
		u := &StateUpdate{}
		if err := json.Unmarshal(rpc.Params, u); err != nil {
			return nil, err
		}

		return NewStateRpc(u.Source, u.State), nil
	default:
		return nil, ErrUnknownRpcType
	}
}

// SignalRpc announces a freshly inserted signal row to its recipient.
type SignalRpc struct {
	jsonRpcHead
	Params *core.Signal `json:"params"`
}

func NewSignalRpc(signal *core.Signal) *SignalRpc {
	return &SignalRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  SignalMethod,
		},
		Params: signal,
	}
}

func (r SignalRpc) GetMethod() Method {
	return r.Method
}

func (r SignalRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// SessionRpc carries the new state of a call session row.
type SessionRpc struct {
	jsonRpcHead
	Params *core.CallSession `json:"params"`
}

func NewSessionRpc(session *core.CallSession) *SessionRpc {
	return &SessionRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  SessionMethod,
		},
		Params: session,
	}
}

func (r SessionRpc) GetMethod() Method {
	return r.Method
}

func (r SessionRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type StateSource string

const (
	CallState      StateSource = "call"
	BroadcastState StateSource = "broadcast"
	ViewerState    StateSource = "viewer"
	InviteState    StateSource = "invite"
)

// StateUpdate is a snapshot of one of the observable states of a user.
// Decoded updates carry the raw JSON of the snapshot in State.
type StateUpdate struct {
	Source StateSource `json:"source"`
	State  interface{} `json:"state"`
}

func (u *StateUpdate) UnmarshalJSON(data []byte) error {
	var raw struct {
		Source StateSource     `json:"source"`
		State  json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.Source = raw.Source
	u.State = raw.State
	return nil
}

// StateRpc pushes a state snapshot to the UI of its user.
type StateRpc struct {
	jsonRpcHead
	Params *StateUpdate `json:"params"`
}

func NewStateRpc(source StateSource, state interface{}) *StateRpc {
	return &StateRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  StateMethod,
		},
		Params: &StateUpdate{Source: source, State: state},
	}
}

func (r StateRpc) GetMethod() Method {
	return r.Method
}

func (r StateRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
