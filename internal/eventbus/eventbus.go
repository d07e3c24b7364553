package eventbus

import (
	"context"
	"errors"
	"strings"

	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
)

var ErrClosed = errors.New("eventbus: closed")

type Channel string

const (
	// Signals carries new signal rows, keyed by recipient user id
	Signals Channel = "signals"
	// Sessions carries call session changes, keyed by participant user id
	Sessions Channel = "sessions"
	// Streams carries broadcast events, keyed by stream id
	Streams Channel = "streams"
	// Clients carries UI state snapshots, keyed by user id
	Clients Channel = "clients"
)

func (c Channel) buildChannel(id string) string {
	return string(c) + ":" + id
}

// subject is the NATS form of the channel name.
func (c Channel) subject(id string) string {
	return "livelook." + string(c) + "." + strings.ReplaceAll(id, ".", "_")
}

type Message struct {
	Channel string
	Payload []byte
}

type Subscription interface {
	Channel() <-chan *Message
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, ch Channel, id string, r rpc.Rpc) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, ch Channel, id string) (Subscription, error)
}

// Bus is the change notification feed. Delivery is best effort: a slow
// subscriber may miss messages, so consumers keep a polling fallback.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
