package rtc

import (
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/config"
)

const (
	dtlsRetransmissionInterval = 100 * time.Millisecond
	mtu                        = 1400
	iceDisconnectedTimeout     = 5 * time.Second
	iceFailedTimeout           = 25 * time.Second // pion's default
	iceKeepaliveInterval       = 2 * time.Second  // pion's default
)

// PeerConnection is the part of a pion peer connection a Connection drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	// AddReceiver opens a receive-only slot for kind. A later AddTrack of the
	// same kind sends on it.
	AddReceiver(kind webrtc.RTPCodecType) error
	WriteRTCP(pkts []rtcp.Packet) error
	GetStats() webrtc.StatsReport
	// StreamStats returns the interceptor counters of every local and remote stream.
	StreamStats() []stats.Stats

	// OnICECandidate handlers get nil once gathering is complete.
	OnICECandidate(f func(candidate *webrtc.ICECandidateInit))
	OnNegotiationNeeded(f func())
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	OnTrack(f func(track RemoteTrack))

	Close() error
}

type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
}

type Factory interface {
	NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error)
}

// PionFactory creates real pion peer connections.
type PionFactory struct {
	enabledCodecs []config.CodecSpec
	conf          *config.WebRTCConfig
}

func NewPionFactory(conf *config.Config) (*PionFactory, error) {
	rtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		return nil, err
	}

	return &PionFactory{
		enabledCodecs: conf.Peer.EnabledCodecs,
		conf:          rtcConf,
	}, nil
}

func (f *PionFactory) NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error) {
	peer := &pionPeer{}
	api, err := newAPI(f.enabledCodecs, f.conf, func(_ string, getter stats.Getter) {
		peer.setStats(getter)
	})
	if err != nil {
		return nil, err
	}

	configuration := f.conf.Configuration
	configuration.ICEServers = iceServers

	pc, err := api.NewPeerConnection(configuration)
	if err != nil {
		return nil, err
	}

	peer.pc = pc
	return peer, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu    sync.Mutex
	stats stats.Getter
}

func (p *pionPeer) setStats(getter stats.Getter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = getter
}

func (p *pionPeer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(options)
}

func (p *pionPeer) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(options)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeer) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *pionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	// RTCP has to be read for the interceptors (NACK, reports) to work
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	return sender, nil
}

func (p *pionPeer) AddReceiver(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	return err
}

func (p *pionPeer) WriteRTCP(pkts []rtcp.Packet) error {
	return p.pc.WriteRTCP(pkts)
}

func (p *pionPeer) GetStats() webrtc.StatsReport {
	return p.pc.GetStats()
}

func (p *pionPeer) StreamStats() []stats.Stats {
	p.mu.Lock()
	getter := p.stats
	p.mu.Unlock()

	if getter == nil {
		return nil
	}

	var ssrcs []webrtc.SSRC
	for _, transceiver := range p.pc.GetTransceivers() {
		if sender := transceiver.Sender(); sender != nil {
			for _, encoding := range sender.GetParameters().Encodings {
				ssrcs = append(ssrcs, encoding.SSRC)
			}
		}
		if receiver := transceiver.Receiver(); receiver != nil {
			for _, track := range receiver.Tracks() {
				ssrcs = append(ssrcs, track.SSRC())
			}
		}
	}

	out := make([]stats.Stats, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		if s := getter.Get(uint32(ssrc)); s != nil {
			out = append(out, *s)
		}
	}
	return out
}

func (p *pionPeer) OnICECandidate(f func(candidate *webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			f(nil)
			return
		}
		candidateInit := candidate.ToJSON()
		f(&candidateInit)
	})
}

func (p *pionPeer) OnNegotiationNeeded(f func()) {
	p.pc.OnNegotiationNeeded(f)
}

func (p *pionPeer) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnTrack(f func(track RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)

		// nothing renders the media here, drain it so the buffers don't fill up
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					if err != io.EOF {
						log.Debug().Err(err).Str("service", "rtc").Str("track", track.ID()).Msg("remote track ended")
					}
					return
				}
			}
		}()
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
