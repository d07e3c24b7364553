package core

import (
	"database/sql/driver"
	"fmt"
	"time"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalJoinRequest  SignalKind = "join-request"
	SignalInvite       SignalKind = "invite"
	// SignalRenegotiate asks the offering side for a fresh offer
	SignalRenegotiate SignalKind = "renegotiate"
)

// Signal is one negotiation message addressed to a single recipient. Processed flips
// false to true exactly once, by whoever dequeues it first.
type Signal struct {
	ID        int64      `json:"id" db:"id"`
	SessionID string     `json:"session_id" db:"session_id"`
	FromID    string     `json:"from_id" db:"from_id"`
	ToID      string     `json:"to_id" db:"to_id"`
	Kind      SignalKind `json:"kind" db:"kind"`
	Payload   Payload    `json:"payload" db:"payload"`
	Processed bool       `json:"processed" db:"processed"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Payload is raw JSON stored as text.
type Payload []byte

func (p *Payload) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(Payload(nil), v...)
	case string:
		*p = Payload(v)
	default:
		return fmt.Errorf("payload: can't scan %T", src)
	}
	return nil
}

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return string(p), nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = append((*p)[0:0], b...)
	return nil
}
