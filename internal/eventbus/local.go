package eventbus

import (
	"context"
	"sync"

	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
)

const localBufferSize = 64

// LocalBus delivers messages between subscribers of the same process. Like
// redis pubsub it drops messages for subscribers that fall behind.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[string]map[*localSubscription]struct{}
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[*localSubscription]struct{})}
}

func (b *LocalBus) Publish(_ context.Context, ch Channel, id string, r rpc.Rpc) error {
	msg, err := r.ToJSON()
	if err != nil {
		return err
	}
	topic := ch.buildChannel(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[topic] {
		select {
		case sub.messages <- &Message{Channel: topic, Payload: msg}:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, ch Channel, id string) (Subscription, error) {
	topic := ch.buildChannel(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &localSubscription{
		bus:      b,
		topic:    topic,
		messages: make(chan *Message, localBufferSize),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*localSubscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}

	return sub, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for topic, subs := range b.subs {
		for sub := range subs {
			close(sub.messages)
		}
		delete(b.subs, topic)
	}
	return nil
}

func (b *LocalBus) unsubscribe(sub *localSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.messages)
	if len(subs) == 0 {
		delete(b.subs, sub.topic)
	}
}

type localSubscription struct {
	bus      *LocalBus
	topic    string
	messages chan *Message
}

func (s *localSubscription) Channel() <-chan *Message {
	return s.messages
}

func (s *localSubscription) Close() error {
	s.bus.unsubscribe(s)
	return nil
}
