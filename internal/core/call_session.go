package core

import (
	"time"
)

type CallMode string

const (
	AudioCall CallMode = "audio"
	VideoCall CallMode = "video"
)

func (m CallMode) Valid() bool {
	return m == AudioCall || m == VideoCall
}

// CallStatus is the durable status of a call session. declined, missed and ended are terminal.
type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallActive   CallStatus = "active"
	CallDeclined CallStatus = "declined"
	CallMissed   CallStatus = "missed"
	CallEnded    CallStatus = "ended"
)

func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallDeclined, CallMissed, CallEnded:
		return true
	}
	return false
}

type EndReason string

const (
	EndUserEnded        EndReason = "user_ended"
	EndNoAnswer         EndReason = "no_answer"
	EndDeclined         EndReason = "declined"
	EndConnectionFailed EndReason = "connection_failed"
	EndRemoteEnded      EndReason = "remote_ended"
	EndStale            EndReason = "stale"
	EndMediaError       EndReason = "media_error"
)

// TerminalStatus maps the reason a call finished to the status persisted with it.
func (r EndReason) TerminalStatus() CallStatus {
	switch r {
	case EndNoAnswer:
		return CallMissed
	case EndDeclined:
		return CallDeclined
	}
	return CallEnded
}

type CallSession struct {
	ID              string     `json:"id" db:"id"`
	InitiatorID     string     `json:"initiator_id" db:"initiator_id"`
	ParticipantID   string     `json:"participant_id" db:"participant_id"`
	Mode            CallMode   `json:"mode" db:"mode"`
	Status          CallStatus `json:"status" db:"status"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds *int       `json:"duration_seconds,omitempty" db:"duration_seconds"`
	EndReason       *EndReason `json:"end_reason,omitempty" db:"end_reason"`
}

func NewCallSession(id, initiatorID, participantID string, mode CallMode, now time.Time) *CallSession {
	return &CallSession{
		ID:            id,
		InitiatorID:   initiatorID,
		ParticipantID: participantID,
		Mode:          mode,
		Status:        CallRinging,
		CreatedAt:     now,
	}
}

func (s *CallSession) Involves(userID string) bool {
	return s.InitiatorID == userID || s.ParticipantID == userID
}

// PeerOf returns the other side of the call for userID.
func (s *CallSession) PeerOf(userID string) string {
	if s.InitiatorID == userID {
		return s.ParticipantID
	}
	return s.InitiatorID
}

// IsLive tells whether the session still blocks new calls: every active session
// does, a ringing one only while it is younger than window.
func (s *CallSession) IsLive(now time.Time, window time.Duration) bool {
	switch s.Status {
	case CallActive:
		return true
	case CallRinging:
		return now.Sub(s.CreatedAt) < window
	}
	return false
}

func (s *CallSession) Reason() EndReason {
	if s.EndReason == nil {
		return ""
	}
	return *s.EndReason
}

// CallFinish holds the fields written on the terminal transition.
type CallFinish struct {
	Reason   EndReason
	EndedAt  time.Time
	Duration time.Duration
}
