package eventbus

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
)

type RedisBus struct {
	rdb *redis.Client
}

// RedisPubSub is factory for building Bus based on redis pubsub
func RedisPubSub(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (e *RedisBus) Publish(ctx context.Context, ch Channel, id string, r rpc.Rpc) error {
	msg, err := r.ToJSON()
	if err != nil {
		return err
	}
	return e.rdb.Publish(ctx, ch.buildChannel(id), msg).Err()
}

func (e *RedisBus) Subscribe(ctx context.Context, ch Channel, id string) (Subscription, error) {
	pubsub := e.rdb.Subscribe(ctx, ch.buildChannel(id))
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub:   pubsub,
		messages: make(chan *Message),
		done:     make(chan struct{}),
	}
	go sub.pump()

	return sub, nil
}

func (e *RedisBus) Close() error {
	return e.rdb.Close()
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan *Message
	done     chan struct{}
	once     sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.messages)

	// If the Go channel is blocked full for 30 seconds the message is dropped.
	for msg := range s.pubsub.Channel() {
		select {
		case s.messages <- &Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Channel() <-chan *Message {
	return s.messages
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
