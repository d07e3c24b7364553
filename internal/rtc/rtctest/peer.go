// Package rtctest provides an in-memory peer connection that follows the
// signaling state rules of a real one without touching the network.
package rtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-signal/internal/rtc"
)

var (
	ErrInvalidState = errors.New("rtctest: invalid signaling state transition")
	ErrNoRemote     = errors.New("rtctest: remote description not set")
	ErrClosed       = errors.New("rtctest: peer connection closed")
)

// PeerConnection implements rtc.PeerConnection. Handlers fire synchronously
// from the Fire* helpers.
type PeerConnection struct {
	ID int

	mu            sync.Mutex
	signaling     webrtc.SignalingState
	connection    webrtc.PeerConnectionState
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	pendingLocal  *webrtc.SessionDescription
	version       int
	ufrag         int
	closed        bool
	offers        []webrtc.OfferOptions
	candidates    []webrtc.ICECandidateInit
	tracks        []webrtc.TrackLocal
	senders       []*Sender
	receivers     []webrtc.RTPCodecType
	rtcp          []rtcp.Packet
	stats         webrtc.StatsReport
	streams       []stats.Stats
	onCandidate   func(*webrtc.ICECandidateInit)
	onNegotiation func()
	onState       func(webrtc.PeerConnectionState)
	onTrack       func(rtc.RemoteTrack)
}

func NewPeerConnection(id int) *PeerConnection {
	return &PeerConnection{
		ID:         id,
		signaling:  webrtc.SignalingStateStable,
		connection: webrtc.PeerConnectionStateNew,
		stats:      webrtc.StatsReport{},
	}
}

func (p *PeerConnection) sdp(iceRestart bool) string {
	p.version++
	if iceRestart || p.ufrag == 0 {
		p.ufrag++
	}
	return fmt.Sprintf("v=0\r\no=- %d %d IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\na=ice-ufrag:peer%dufrag%d\r\n", p.ID, p.version, p.ID, p.ufrag)
}

func (p *PeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	opts := webrtc.OfferOptions{}
	if options != nil {
		opts = *options
	}
	p.offers = append(p.offers, opts)

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.sdp(opts.ICERestart)}, nil
}

func (p *PeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, ErrInvalidState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.sdp(false)}, nil
}

func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.signaling != webrtc.SignalingStateStable {
			return ErrInvalidState
		}
		p.pendingLocal = &desc
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return ErrInvalidState
		}
		p.local = &desc
		p.signaling = webrtc.SignalingStateStable
	default:
		// pion v3 has no rollback transition out of stable or have-local-offer
		return ErrInvalidState
	}
	return nil
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.signaling != webrtc.SignalingStateStable {
			return ErrInvalidState
		}
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.signaling != webrtc.SignalingStateHaveLocalOffer {
			return ErrInvalidState
		}
		p.local = p.pendingLocal
		p.pendingLocal = nil
		p.signaling = webrtc.SignalingStateStable
	default:
		return ErrInvalidState
	}
	p.remote = &desc
	return nil
}

func (p *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pendingLocal != nil {
		return p.pendingLocal
	}
	return p.local
}

func (p *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.remote
}

func (p *PeerConnection) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.signaling
}

func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connection
}

func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.remote == nil {
		return ErrNoRemote
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *PeerConnection) AddTrack(track webrtc.TrackLocal) (rtc.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	sender := &Sender{track: track}
	p.tracks = append(p.tracks, track)
	p.senders = append(p.senders, sender)
	return sender, nil
}

func (p *PeerConnection) AddReceiver(kind webrtc.RTPCodecType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.receivers = append(p.receivers, kind)
	return nil
}

// Receivers lists the receive-only slots in the order they were opened.
func (p *PeerConnection) Receivers() []webrtc.RTPCodecType {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]webrtc.RTPCodecType(nil), p.receivers...)
}

func (p *PeerConnection) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.rtcp = append(p.rtcp, pkts...)
	return nil
}

func (p *PeerConnection) GetStats() webrtc.StatsReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := webrtc.StatsReport{}
	for k, v := range p.stats {
		report[k] = v
	}
	return report
}

func (p *PeerConnection) StreamStats() []stats.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]stats.Stats(nil), p.streams...)
}

func (p *PeerConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onCandidate = f
}

func (p *PeerConnection) OnNegotiationNeeded(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onNegotiation = f
}

func (p *PeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onState = f
}

func (p *PeerConnection) OnTrack(f func(rtc.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onTrack = f
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.signaling = webrtc.SignalingStateClosed
	p.connection = webrtc.PeerConnectionStateClosed
	onState := p.onState
	p.mu.Unlock()

	if onState != nil {
		onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// FireConnectionState moves the connection to state and runs the handler.
func (p *PeerConnection) FireConnectionState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connection = state
	onState := p.onState
	p.mu.Unlock()

	if onState != nil {
		onState(state)
	}
}

func (p *PeerConnection) FireCandidate(candidate string) {
	p.mu.Lock()
	onCandidate := p.onCandidate
	p.mu.Unlock()

	if onCandidate != nil {
		onCandidate(&webrtc.ICECandidateInit{Candidate: candidate})
	}
}

func (p *PeerConnection) FireNegotiationNeeded() {
	p.mu.Lock()
	onNegotiation := p.onNegotiation
	p.mu.Unlock()

	if onNegotiation != nil {
		onNegotiation()
	}
}

func (p *PeerConnection) FireTrack(track *RemoteTrack) {
	p.mu.Lock()
	onTrack := p.onTrack
	p.mu.Unlock()

	if onTrack != nil {
		onTrack(track)
	}
}

// SetStreamStats replaces the stream counters returned by StreamStats.
func (p *PeerConnection) SetStreamStats(streams []stats.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.streams = streams
}

// SetStats replaces the report returned by GetStats.
func (p *PeerConnection) SetStats(report webrtc.StatsReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = report
}

func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

// Offers returns the options of every offer created so far.
func (p *PeerConnection) Offers() []webrtc.OfferOptions {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]webrtc.OfferOptions(nil), p.offers...)
}

// Candidates returns the remote candidates applied so far.
func (p *PeerConnection) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *PeerConnection) Tracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]webrtc.TrackLocal(nil), p.tracks...)
}

func (p *PeerConnection) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]*Sender(nil), p.senders...)
}

func (p *PeerConnection) RTCP() []rtcp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]rtcp.Packet(nil), p.rtcp...)
}

type Sender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.track = track
	return nil
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.track
}

type RemoteTrack struct {
	TrackID string
	Stream  string
	Codec   webrtc.RTPCodecType
	Source  webrtc.SSRC
}

func (t *RemoteTrack) ID() string                { return t.TrackID }
func (t *RemoteTrack) StreamID() string          { return t.Stream }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.Codec }
func (t *RemoteTrack) SSRC() webrtc.SSRC         { return t.Source }

// Factory hands out fake peer connections and remembers them.
type Factory struct {
	mu    sync.Mutex
	peers []*PeerConnection
	Err   error
}

func (f *Factory) NewPeerConnection([]webrtc.ICEServer) (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	pc := NewPeerConnection(len(f.peers) + 1)
	f.peers = append(f.peers, pc)
	return pc, nil
}

func (f *Factory) Peers() []*PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*PeerConnection(nil), f.peers...)
}

// Last returns the most recent peer connection, nil if none was created.
func (f *Factory) Last() *PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}
