package broadcast

import (
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
)

func publish(ctx context.Context, bus eventbus.Bus, event *rpc.StreamEvent) {
	if err := bus.Publish(ctx, eventbus.Streams, event.StreamID, rpc.NewStreamEventRpc(event)); err != nil {
		log.Warn().Err(err).Str("service", "broadcast").Str("streamID", event.StreamID).Str("type", string(event.Type)).Msg("can't publish stream event")
	}
}

// Events is the feed of everything happening on one stream.
type Events struct {
	sub    eventbus.Subscription
	events chan *rpc.StreamEvent
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func Subscribe(ctx context.Context, bus eventbus.Bus, streamID string) (*Events, error) {
	sub, err := bus.Subscribe(ctx, eventbus.Streams, streamID)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to stream events")
	}

	e := &Events{
		sub:    sub,
		events: make(chan *rpc.StreamEvent),
		done:   make(chan struct{}),
	}
	go e.run()

	return e, nil
}

func (e *Events) Events() <-chan *rpc.StreamEvent {
	return e.events
}

// Close is safe to call more than once and from several goroutines.
func (e *Events) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.closeErr = e.sub.Close()
	})
	return e.closeErr
}

func (e *Events) run() {
	defer close(e.events)

	for msg := range e.sub.Channel() {
		r, err := rpc.RpcFromReader(bytes.NewReader(msg.Payload))
		if err != nil {
			log.Error().Err(err).Str("service", "broadcast").Msg("can't parse stream event")
			continue
		}
		eventRpc, ok := r.(*rpc.StreamEventRpc)
		if !ok || eventRpc.Params == nil {
			continue
		}

		select {
		case e.events <- eventRpc.Params:
		case <-e.done:
			return
		}
	}
}
