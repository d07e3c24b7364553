// Package broadcast runs live streams: the host side that accepts viewers and
// guests, the viewer side that joins, and the chat and moderation around them.
package broadcast

import (
	"errors"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/media"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/signal"
)

var (
	ErrNotOnScreen  = errors.New("broadcast: not an on-screen participant")
	ErrNotJoined    = errors.New("broadcast: not watching the stream")
	ErrNoMedia      = errors.New("broadcast: local media is not ready")
	ErrHostTarget   = errors.New("broadcast: the host can't be moderated")
	ErrEmptyComment = errors.New("broadcast: empty comment")
	ErrEmptyEmoji   = errors.New("broadcast: empty reaction")
	ErrInvalidType  = errors.New("broadcast: unknown stream type")
	ErrInvalidMode  = errors.New("broadcast: unknown media mode")
	ErrLeft         = errors.New("broadcast: left the stream")
)

type Config struct {
	Timeouts  config.TimeoutsConfig
	Signaling config.SignalingConfig
	Broadcast config.BroadcastConfig
	ICE       config.ICEConfig
	Quality   config.QualityConfig
}

func NewConfig(conf *config.Config) Config {
	return Config{
		Timeouts:  conf.Timeouts,
		Signaling: conf.Signaling,
		Broadcast: conf.Broadcast,
		ICE:       conf.ICE,
		Quality:   conf.Quality,
	}
}

// Deps are the collaborators shared by every broadcast of one process.
type Deps struct {
	Stores    *core.Stores
	Transport *signal.Transport
	Bus       eventbus.Bus
	Factory   rtc.Factory
	Acquirer  media.Acquirer
	Chat      *Chat
}
