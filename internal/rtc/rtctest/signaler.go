package rtctest

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
)

// Signaler records what a connection sends instead of delivering it.
type Signaler struct {
	mu           sync.Mutex
	descriptions []webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	requests     []bool
	kinds        [][]string
	Err          error
}

func (s *Signaler) SendDescription(_ context.Context, desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	s.descriptions = append(s.descriptions, desc)
	return nil
}

func (s *Signaler) SendCandidate(_ context.Context, candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	s.candidates = append(s.candidates, candidate)
	return nil
}

func (s *Signaler) Descriptions() []webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]webrtc.SessionDescription(nil), s.descriptions...)
}

// Take removes and returns everything sent so far.
func (s *Signaler) Take() []webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.descriptions
	s.descriptions = nil
	return out
}

func (s *Signaler) Candidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]webrtc.ICECandidateInit(nil), s.candidates...)
}

func (s *Signaler) RequestOffer(_ context.Context, iceRestart bool, kinds []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	s.requests = append(s.requests, iceRestart)
	s.kinds = append(s.kinds, kinds)
	return nil
}

// OfferRequests lists the ICE restart flag of every offer request sent so far.
func (s *Signaler) OfferRequests() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]bool(nil), s.requests...)
}

// RequestedKinds lists the media kinds named by every offer request.
func (s *Signaler) RequestedKinds() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([][]string(nil), s.kinds...)
}
