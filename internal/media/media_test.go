package media

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/core"
)

func TestSampleTrack(t *testing.T) {
	track, err := NewVideoTrack("s1")
	require.NoError(t, err)

	assert.Equal(t, webrtc.RTPCodecTypeVideo, track.Kind())
	assert.True(t, track.Enabled())
	assert.NoError(t, track.WriteSample([]byte{0x1}, time.Millisecond))

	track.SetEnabled(false)
	assert.False(t, track.Enabled())
	assert.NoError(t, track.WriteSample([]byte{0x1}, time.Millisecond))

	track.Stop()
	track.Stop()
	assert.True(t, track.Stopped())
	assert.ErrorIs(t, track.WriteSample([]byte{0x1}, time.Millisecond), ErrTrackStopped)

	select {
	case <-track.Done():
	default:
		t.Fatal("done is not closed")
	}
}

func TestStream(t *testing.T) {
	audio, err := NewAudioTrack("s1")
	require.NoError(t, err)
	video, err := NewVideoTrack("s1")
	require.NoError(t, err)

	stream := NewStream("s1", audio, video)
	assert.Equal(t, 2, stream.Live())
	assert.Equal(t, &Info{ID: "s1", Audio: 1, Video: 1}, stream.Info())

	assert.True(t, stream.SetEnabled(webrtc.RTPCodecTypeAudio, false))
	assert.False(t, stream.Enabled(webrtc.RTPCodecTypeAudio))
	assert.True(t, stream.Enabled(webrtc.RTPCodecTypeVideo))

	screen, err := NewVideoTrack("s1")
	require.NoError(t, err)
	old := stream.Replace(screen)
	assert.Same(t, video, old)
	assert.True(t, video.Stopped())
	assert.Same(t, screen, stream.Track(webrtc.RTPCodecTypeVideo))

	stream.Stop()
	stream.Stop()
	assert.Equal(t, 0, stream.Live())
}

func TestStreamWithoutVideo(t *testing.T) {
	audio, err := NewAudioTrack("s1")
	require.NoError(t, err)

	stream := NewStream("s1", audio)
	assert.False(t, stream.SetEnabled(webrtc.RTPCodecTypeVideo, false))
	assert.Nil(t, stream.Track(webrtc.RTPCodecTypeVideo))

	var missing *Stream
	assert.Nil(t, missing.Info())
}

type remoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (r remoteTrack) ID() string                { return r.id }
func (r remoteTrack) StreamID() string          { return "remote" }
func (r remoteTrack) Kind() webrtc.RTPCodecType { return r.kind }

func TestRemoteStream(t *testing.T) {
	remote := NewRemoteStream()
	assert.Nil(t, remote.Info())

	remote.Add(remoteTrack{id: "a", kind: webrtc.RTPCodecTypeAudio})
	remote.Add(remoteTrack{id: "v", kind: webrtc.RTPCodecTypeVideo})

	assert.Equal(t, 2, remote.Len())
	assert.Equal(t, &Info{ID: "remote", Audio: 1, Video: 1, Remote: true}, remote.Info())
}

func TestFileAcquirer(t *testing.T) {
	ctx := context.Background()

	t.Run("silent tracks", func(t *testing.T) {
		a := &FileAcquirer{}

		stream, err := a.Acquire(ctx, core.AudioCall)
		require.NoError(t, err)
		assert.Len(t, stream.Tracks(), 1)
		stream.Stop()

		stream, err = a.Acquire(ctx, core.VideoCall)
		require.NoError(t, err)
		assert.NotNil(t, stream.Track(webrtc.RTPCodecTypeVideo))
		stream.Stop()
	})

	t.Run("missing device", func(t *testing.T) {
		a := &FileAcquirer{VideoFile: filepath.Join(t.TempDir(), "camera.ivf")}

		_, err := a.Acquire(ctx, core.VideoCall)
		assert.ErrorIs(t, err, ErrDeviceUnavailable)

		// the video file is not needed for audio calls
		_, err = a.Acquire(ctx, core.AudioCall)
		assert.NoError(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := (&FileAcquirer{}).Acquire(cancelled, core.AudioCall)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
