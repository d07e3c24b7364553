package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Stream groups the local tracks of one capture. A broadcast host shares one
// stream between all of its viewer connections.
type Stream struct {
	id string

	mu     sync.Mutex
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{
		id:     id,
		tracks: tracks,
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Track(nil), s.tracks...)
}

func (s *Stream) Track(kind webrtc.RTPCodecType) Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// SetEnabled toggles every track of kind. It reports whether any track was
// touched.
func (s *Stream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := false
	for _, t := range s.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			touched = true
		}
	}
	return touched
}

// Enabled reports whether kind has at least one enabled track.
func (s *Stream) Enabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tracks {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}

// Replace swaps the first track of the same kind for track and stops the old
// one. The old track is returned, nil if there was none.
func (s *Stream) Replace(track Track) Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tracks {
		if t.Kind() == track.Kind() {
			s.tracks[i] = track
			t.Stop()
			return t
		}
	}
	s.tracks = append(s.tracks, track)
	return nil
}

// Stop stops every track. It is safe to call more than once.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// Live counts the tracks that are not stopped.
func (s *Stream) Live() int {
	n := 0
	for _, t := range s.Tracks() {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

// Info is the projection of a stream handed to observers.
type Info struct {
	ID     string `json:"id"`
	Audio  int    `json:"audio_tracks"`
	Video  int    `json:"video_tracks"`
	Remote bool   `json:"remote"`
}

func (s *Stream) Info() *Info {
	if s == nil {
		return nil
	}
	info := &Info{ID: s.id}
	for _, t := range s.Tracks() {
		if t.Stopped() {
			continue
		}
		countKind(info, t.Kind())
	}
	return info
}

func countKind(info *Info, kind webrtc.RTPCodecType) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		info.Audio++
	case webrtc.RTPCodecTypeVideo:
		info.Video++
	}
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream collects the tracks received from one remote participant.
type RemoteStream struct {
	mu     sync.Mutex
	id     string
	tracks []RemoteTrack
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

func (r *RemoteStream) Add(track RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.id == "" {
		r.id = track.StreamID()
	}
	r.tracks = append(r.tracks, track)
}

func (r *RemoteStream) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.tracks)
}

func (r *RemoteStream) Info() *Info {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.tracks) == 0 {
		return nil
	}
	info := &Info{ID: r.id, Remote: true}
	for _, t := range r.tracks {
		countKind(info, t.Kind())
	}
	return info
}
