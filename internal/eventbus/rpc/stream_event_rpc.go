package rpc

import (
	"encoding/json"

	"github.com/isqad/livelook-signal/internal/core"
)

type StreamEventType string

const (
	StreamChanged      StreamEventType = "stream_changed"
	ParticipantChanged StreamEventType = "participant_changed"
	CommentAdded       StreamEventType = "comment_added"
	CommentDeleted     StreamEventType = "comment_deleted"
	ReactionAdded      StreamEventType = "reaction_added"
	ParticipantMuted   StreamEventType = "participant_muted"
	ViewerJoined       StreamEventType = "viewer_joined"
	ViewerLeft         StreamEventType = "viewer_left"
)

type StreamEvent struct {
	Type        StreamEventType   `json:"type"`
	StreamID    string            `json:"stream_id"`
	Stream      *core.Stream      `json:"stream,omitempty"`
	Participant *core.Participant `json:"participant,omitempty"`
	Comment     *core.Comment     `json:"comment,omitempty"`
	Reaction    *core.Reaction    `json:"reaction,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
}

type StreamEventRpc struct {
	jsonRpcHead
	Params *StreamEvent `json:"params"`
}

func NewStreamEventRpc(event *StreamEvent) *StreamEventRpc {
	return &StreamEventRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  StreamEventMethod,
		},
		Params: event,
	}
}

func (r StreamEventRpc) GetMethod() Method {
	return r.Method
}

func (r StreamEventRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
