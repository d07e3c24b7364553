// Package media holds the local media a session publishes: tracks, the stream
// grouping them and the acquirers producing them.
package media

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

var (
	ErrPermissionDenied  = errors.New("media: permission denied")
	ErrDeviceUnavailable = errors.New("media: device unavailable")
	ErrTrackStopped      = errors.New("media: track stopped")
)

type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// Local is what gets attached to a peer connection.
	Local() webrtc.TrackLocal
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
}

// SampleTrack is a local track fed with encoded samples. A disabled track keeps
// its place in the connection but drops every sample.
type SampleTrack struct {
	local *webrtc.TrackLocalStaticSample
	kind  webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stopped bool
	done    chan struct{}
}

func NewSampleTrack(kind webrtc.RTPCodecType, mimeType string, id string, streamID string) (*SampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, err
	}

	return &SampleTrack{
		local:   local,
		kind:    kind,
		enabled: true,
		done:    make(chan struct{}),
	}, nil
}

func NewAudioTrack(streamID string) (*SampleTrack, error) {
	return NewSampleTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, "audio", streamID)
}

func NewVideoTrack(streamID string) (*SampleTrack, error) {
	return NewSampleTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, "video", streamID)
}

func (t *SampleTrack) ID() string {
	return t.local.ID()
}

func (t *SampleTrack) Kind() webrtc.RTPCodecType {
	return t.kind
}

func (t *SampleTrack) Local() webrtc.TrackLocal {
	return t.local
}

func (t *SampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.enabled
}

func (t *SampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled = enabled
}

// Stop is idempotent.
func (t *SampleTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	close(t.done)
}

func (t *SampleTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stopped
}

// Done is closed when the track is stopped.
func (t *SampleTrack) Done() <-chan struct{} {
	return t.done
}

func (t *SampleTrack) WriteSample(data []byte, duration time.Duration) error {
	t.mu.Lock()
	enabled, stopped := t.enabled, t.stopped
	t.mu.Unlock()

	if stopped {
		return ErrTrackStopped
	}
	if !enabled {
		return nil
	}
	return t.local.WriteSample(pionmedia.Sample{Data: data, Duration: duration})
}
