package eventbus

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
)

const natsPendingMessages = 256

type NATSBus struct {
	nc *nats.Conn
}

func NATS(natsAddr string) (*NATSBus, error) {
	nc, err := nats.Connect(natsAddr, nats.Name("livelook-signal"))
	if err != nil {
		return nil, err
	}

	return &NATSBus{nc: nc}, nil
}

func (b *NATSBus) Publish(_ context.Context, ch Channel, id string, r rpc.Rpc) error {
	msg, err := r.ToJSON()
	if err != nil {
		return err
	}
	return b.nc.Publish(ch.subject(id), msg)
}

func (b *NATSBus) Subscribe(ctx context.Context, ch Channel, id string) (Subscription, error) {
	raw := make(chan *nats.Msg, natsPendingMessages)
	sub, err := b.nc.ChanSubscribe(ch.subject(id), raw)
	if err != nil {
		return nil, err
	}
	// the subscription is live on the server once the flush round trip returns
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	s := &natsSubscription{
		sub:      sub,
		raw:      raw,
		messages: make(chan *Message),
		done:     make(chan struct{}),
	}
	go s.pump()

	return s, nil
}

func (b *NATSBus) Close() error {
	return b.nc.Drain()
}

type natsSubscription struct {
	sub      *nats.Subscription
	raw      chan *nats.Msg
	messages chan *Message
	done     chan struct{}
	once     sync.Once
}

func (s *natsSubscription) pump() {
	defer close(s.messages)

	for {
		select {
		case msg := <-s.raw:
			select {
			case s.messages <- &Message{Channel: msg.Subject, Payload: msg.Data}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *natsSubscription) Channel() <-chan *Message {
	return s.messages
}

func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}
