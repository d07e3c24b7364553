package call

import (
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/quality"
)

type Status string

const (
	StatusIdle            Status = "idle"
	StatusRequestingMedia Status = "requesting_media"
	StatusReady           Status = "ready"
	StatusCalling         Status = "calling"
	StatusRinging         Status = "ringing"
	StatusConnecting      Status = "connecting"
	StatusConnected       Status = "connected"
	StatusReconnecting    Status = "reconnecting"
	StatusEnded           Status = "ended"
	StatusError           Status = "error"
)

// IsTerminal reports whether the status ends a call. Both terminal states fall
// back to idle after a short linger.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusError
}

// State is the read-only projection observers get. It is replaced as a whole on
// every change.
type State struct {
	Status          Status            `json:"status"`
	Session         *core.CallSession `json:"session,omitempty"`
	LocalStream     *media.Info       `json:"local_stream,omitempty"`
	RemoteStream    *media.Info       `json:"remote_stream,omitempty"`
	IsMuted         bool              `json:"is_muted"`
	IsVideoOff      bool              `json:"is_video_off"`
	DurationSeconds int               `json:"duration_seconds"`
	NetworkQuality  quality.Quality   `json:"network_quality,omitempty"`
	Error           string            `json:"error,omitempty"`
	EndReason       core.EndReason    `json:"end_reason,omitempty"`
}
