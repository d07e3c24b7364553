package signal

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-signal/internal/core"
)

var ErrMalformedPayload = errors.New("signal: malformed payload")

func Description(s *core.Signal) (webrtc.SessionDescription, error) {
	desc := webrtc.SessionDescription{}
	if err := json.Unmarshal(s.Payload, &desc); err != nil {
		return desc, ErrMalformedPayload
	}
	if desc.SDP == "" {
		return desc, ErrMalformedPayload
	}
	switch s.Kind {
	case core.SignalOffer:
		desc.Type = webrtc.SDPTypeOffer
	case core.SignalAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return desc, ErrMalformedPayload
	}
	return desc, nil
}

func Candidate(s *core.Signal) (webrtc.ICECandidateInit, error) {
	candidate := webrtc.ICECandidateInit{}
	if err := json.Unmarshal(s.Payload, &candidate); err != nil {
		return candidate, ErrMalformedPayload
	}
	if candidate.Candidate == "" {
		return candidate, ErrMalformedPayload
	}
	return candidate, nil
}

// OfferRequest is the payload of a renegotiate signal.
type OfferRequest struct {
	ICERestart bool `json:"ice_restart"`
	// Kinds lists the media kinds the requesting side sends.
	Kinds []string `json:"kinds,omitempty"`
}

func Renegotiation(s *core.Signal) (OfferRequest, error) {
	req := OfferRequest{}
	if s.Kind != core.SignalRenegotiate {
		return req, ErrMalformedPayload
	}
	if len(s.Payload) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(s.Payload, &req); err != nil {
		return req, ErrMalformedPayload
	}
	return req, nil
}
