package media

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
)

const oggPageDuration = 20 * time.Millisecond

// Acquirer produces the local stream for a call or broadcast. Implementations
// return ErrPermissionDenied or ErrDeviceUnavailable when capture is impossible.
type Acquirer interface {
	Acquire(ctx context.Context, mode core.CallMode) (*Stream, error)
}

type AcquirerFunc func(ctx context.Context, mode core.CallMode) (*Stream, error)

func (f AcquirerFunc) Acquire(ctx context.Context, mode core.CallMode) (*Stream, error) {
	return f(ctx, mode)
}

// FileAcquirer plays an IVF (VP8) and an Ogg (Opus) file in a loop as if they
// were a camera and a microphone. An empty path yields a silent track.
type FileAcquirer struct {
	VideoFile string
	AudioFile string
}

func (a *FileAcquirer) Acquire(ctx context.Context, mode core.CallMode) (*Stream, error) {
	for _, path := range []string{a.AudioFile, a.videoFile(mode)} {
		if err := checkFile(path); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	audio, err := NewAudioTrack(streamID)
	if err != nil {
		return nil, err
	}
	tracks := []Track{audio}
	if a.AudioFile != "" {
		go pump(audio, a.AudioFile, playOgg)
	}

	if mode == core.VideoCall {
		video, err := NewVideoTrack(streamID)
		if err != nil {
			audio.Stop()
			return nil, err
		}
		tracks = append(tracks, video)
		if a.VideoFile != "" {
			go pump(video, a.VideoFile, playIVF)
		}
	}

	return NewStream(streamID, tracks...), nil
}

func (a *FileAcquirer) videoFile(mode core.CallMode) string {
	if mode != core.VideoCall {
		return ""
	}
	return a.VideoFile
}

func checkFile(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return ErrPermissionDenied
		}
		return ErrDeviceUnavailable
	}
	return f.Close()
}

type player func(track *SampleTrack, r io.ReadSeeker) error

// pump replays the file until the track is stopped.
func pump(track *SampleTrack, path string, play player) {
	f, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("service", "media").Str("file", path).Msg("can't open media file")
		return
	}
	defer f.Close()

	for {
		err := play(track, f)
		if errors.Is(err, ErrTrackStopped) {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			log.Error().Err(err).Str("service", "media").Str("file", path).Msg("media file playback failed")
			return
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return
		}
	}
}

func playIVF(track *SampleTrack, r io.ReadSeeker) error {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return err
	}

	frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			return err
		}
		if err := track.WriteSample(frame, frameDuration); err != nil {
			return err
		}

		select {
		case <-track.Done():
			return ErrTrackStopped
		case <-ticker.C:
		}
	}
}

func playOgg(track *SampleTrack, r io.ReadSeeker) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}

		// 48kHz clock
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration((float64(samples)/48000)*1000) * time.Millisecond

		if err := track.WriteSample(page, duration); err != nil {
			return err
		}

		select {
		case <-track.Done():
			return ErrTrackStopped
		case <-ticker.C:
		}
	}
}
