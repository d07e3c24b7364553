package core

import (
	"time"
)

type StreamType string

const (
	SingleStream StreamType = "single"
	MultiStream  StreamType = "multi"
)

type StreamStatus string

const (
	StreamPrelive StreamStatus = "prelive"
	StreamLive    StreamStatus = "live"
	StreamPaused  StreamStatus = "paused"
	StreamEnded   StreamStatus = "ended"
)

// Stream is a broadcast session owned by one host.
type Stream struct {
	ID              string       `json:"id" db:"id"`
	HostID          string       `json:"host_id" db:"host_id"`
	Title           string       `json:"title" db:"title"`
	Mode            CallMode     `json:"mode" db:"mode"`
	Type            StreamType   `json:"stream_type" db:"stream_type"`
	Status          StreamStatus `json:"status" db:"status"`
	SlowModeSeconds int          `json:"slow_mode_seconds" db:"slow_mode_seconds"`
	PinnedCommentID *int64       `json:"pinned_comment_id,omitempty" db:"pinned_comment_id"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty" db:"started_at"`
	EndedAt         *time.Time   `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds *int         `json:"duration_seconds,omitempty" db:"duration_seconds"`
	EndReason       *EndReason   `json:"end_reason,omitempty" db:"end_reason"`
}

func (s *Stream) IsEnded() bool {
	return s.Status == StreamEnded
}

type ParticipantRole string

const (
	RoleHost  ParticipantRole = "host"
	RoleGuest ParticipantRole = "guest"
)

type ParticipantStatus string

const (
	ParticipantInvited      ParticipantStatus = "invited"
	ParticipantRequested    ParticipantStatus = "requested"
	ParticipantApproved     ParticipantStatus = "approved"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
	ParticipantLeft         ParticipantStatus = "left"
)

// OnScreen tells whether the participant holds one of the stream slots.
func (s ParticipantStatus) OnScreen() bool {
	return s == ParticipantApproved || s == ParticipantConnected || s == ParticipantDisconnected
}

// Participant is one roster entry. Position orders the on-screen layout; it is
// assigned on approval and never reused on the same stream.
type Participant struct {
	StreamID  string            `json:"stream_id" db:"stream_id"`
	UserID    string            `json:"user_id" db:"user_id"`
	Role      ParticipantRole   `json:"role" db:"role"`
	Status    ParticipantStatus `json:"status" db:"status"`
	Position  *int              `json:"position,omitempty" db:"position"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

type Comment struct {
	ID        int64      `json:"id" db:"id"`
	StreamID  string     `json:"stream_id" db:"stream_id"`
	UserID    string     `json:"user_id" db:"user_id"`
	Body      string     `json:"body" db:"body"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (c *Comment) IsDeleted() bool {
	return c.DeletedAt != nil
}

type Reaction struct {
	ID        int64     `json:"id" db:"id"`
	StreamID  string    `json:"stream_id" db:"stream_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Emoji     string    `json:"emoji" db:"emoji"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
