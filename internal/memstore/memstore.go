// Package memstore keeps every core storer in process memory. It backs the
// "memory" store driver and the scenario tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/isqad/livelook-signal/internal/core"
)

func NewStores() *core.Stores {
	return &core.Stores{
		Calls:        NewCallSessions(),
		Signals:      NewSignals(),
		Streams:      NewStreams(),
		Participants: NewParticipants(),
		Comments:     NewComments(),
		Moderation:   NewModeration(),
	}
}

type CallSessions struct {
	mu       sync.Mutex
	sessions map[string]*core.CallSession
}

func NewCallSessions() *CallSessions {
	return &CallSessions{sessions: make(map[string]*core.CallSession)}
}

func (s *CallSessions) Create(_ context.Context, session *core.CallSession, since time.Time) (*core.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveFor(session.InitiatorID, since) != nil {
		return nil, core.ErrAlreadyInCall
	}
	if s.liveFor(session.ParticipantID, since) != nil {
		return nil, core.ErrPeerBusy
	}

	stored := *session
	stored.Status = core.CallRinging
	s.sessions[stored.ID] = &stored

	out := stored
	return &out, nil
}

func (s *CallSessions) Get(_ context.Context, id string) (*core.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := *session
	return &out, nil
}

func (s *CallSessions) FindLiveForUser(_ context.Context, userID string, since time.Time) (*core.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.liveFor(userID, since)
	if session == nil {
		return nil, core.ErrNotFound
	}
	out := *session
	return &out, nil
}

func (s *CallSessions) FindIncoming(_ context.Context, userID string, since time.Time) ([]*core.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*core.CallSession{}
	for _, session := range s.sessions {
		if session.ParticipantID == userID && session.Status == core.CallRinging && session.CreatedAt.After(since) {
			c := *session
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (s *CallSessions) Activate(_ context.Context, id string, startedAt time.Time) (*core.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if session.Status != core.CallRinging {
		return nil, core.ErrSessionTerminal
	}
	session.Status = core.CallActive
	session.StartedAt = &startedAt

	out := *session
	return &out, nil
}

func (s *CallSessions) Finish(_ context.Context, id string, finish core.CallFinish) (*core.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if session.Status.IsTerminal() {
		return nil, core.ErrSessionTerminal
	}

	reason := finish.Reason
	endedAt := finish.EndedAt
	duration := int(finish.Duration.Seconds())
	session.Status = reason.TerminalStatus()
	session.EndReason = &reason
	session.EndedAt = &endedAt
	session.DurationSeconds = &duration

	out := *session
	return &out, nil
}

func (s *CallSessions) ExpireStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var n int64
	for _, session := range s.sessions {
		if session.Status.IsTerminal() || !session.CreatedAt.Before(before) {
			continue
		}
		reason := core.EndStale
		duration := 0
		if session.StartedAt != nil {
			duration = int(now.Sub(*session.StartedAt).Seconds())
		}
		if session.Status == core.CallRinging {
			session.Status = core.CallMissed
		} else {
			session.Status = core.CallEnded
		}
		session.EndReason = &reason
		session.EndedAt = &now
		session.DurationSeconds = &duration
		n++
	}

	return n, nil
}

func (s *CallSessions) liveFor(userID string, since time.Time) *core.CallSession {
	var found *core.CallSession
	for _, session := range s.sessions {
		if !session.Involves(userID) {
			continue
		}
		live := session.Status == core.CallActive || (session.Status == core.CallRinging && session.CreatedAt.After(since))
		if live && (found == nil || session.CreatedAt.After(found.CreatedAt)) {
			found = session
		}
	}
	return found
}

type Signals struct {
	mu      sync.Mutex
	nextID  int64
	signals []*core.Signal
}

func NewSignals() *Signals {
	return &Signals{}
}

func (s *Signals) Insert(_ context.Context, signal *core.Signal) (*core.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := *signal
	stored.ID = s.nextID
	stored.Processed = false
	stored.Payload = append(core.Payload(nil), signal.Payload...)
	s.signals = append(s.signals, &stored)

	signal.ID = stored.ID
	return signal, nil
}

func (s *Signals) Unprocessed(_ context.Context, toID string, sessionID string) ([]*core.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*core.Signal{}
	for _, signal := range s.signals {
		if signal.ToID != toID || signal.Processed {
			continue
		}
		if sessionID != "" && signal.SessionID != sessionID {
			continue
		}
		c := *signal
		out = append(out, &c)
	}
	return out, nil
}

func (s *Signals) MarkProcessed(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, signal := range s.signals {
		if signal.ID == id {
			if signal.Processed {
				return false, nil
			}
			signal.Processed = true
			return true, nil
		}
	}
	return false, nil
}

func (s *Signals) LatestOffer(_ context.Context, sessionID string, toID string) (*core.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.signals) - 1; i >= 0; i-- {
		signal := s.signals[i]
		if signal.SessionID == sessionID && signal.ToID == toID && signal.Kind == core.SignalOffer {
			c := *signal
			return &c, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Signals) DeleteProcessed(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.signals[:0]
	var n int64
	for _, signal := range s.signals {
		if signal.Processed && signal.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, signal)
	}
	s.signals = kept

	return n, nil
}

// All returns a copy of every stored signal, processed or not.
func (s *Signals) All() []*core.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*core.Signal, 0, len(s.signals))
	for _, signal := range s.signals {
		c := *signal
		out = append(out, &c)
	}
	return out
}
