package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/telemetry"
)

const (
	pushPath = "push"
	pollPath = "poll"

	routerQueueSize = 64

	// seen ids are pruned past this size; a forgotten id only costs a lost claim
	seenPruneSize = 256
	seenTTL       = time.Minute
)

var errRouterStarted = errors.New("signal: router already started")

type Handler func(ctx context.Context, signal *core.Signal) error

type delivery struct {
	signal *core.Signal
	path   string
}

// Router delivers signals addressed to one user to the handlers registered per
// kind. Signals arrive on two paths, the push feed and a periodic poll of the
// table; whichever path brings a signal first claims it through MarkProcessed
// and only the claimer runs the handler. Kinds without a handler are left
// unprocessed for other consumers.
type Router struct {
	transport *Transport
	selfID    string
	sessionID string
	interval  time.Duration

	mu       sync.Mutex
	handlers map[core.SignalKind]Handler
	started  bool

	// seen is owned by the consume loop
	seen map[int64]time.Time
	now  func() time.Time

	queue   chan delivery
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewRouter routes signals for selfID. An empty sessionID accepts every session.
func NewRouter(transport *Transport, selfID string, sessionID string, pollInterval time.Duration) *Router {
	return &Router{
		transport: transport,
		selfID:    selfID,
		sessionID: sessionID,
		interval:  pollInterval,
		handlers:  make(map[core.SignalKind]Handler),
		seen:      make(map[int64]time.Time),
		now:       time.Now,
		queue:     make(chan delivery, routerQueueSize),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (r *Router) Handle(kind core.SignalKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[kind] = h
}

func (r *Router) handler(kind core.SignalKind) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[kind]
	return h, ok
}

// Start runs both delivery paths. The returned channel is closed once the push
// subscription is in place and the first poll has been queued. A failing
// subscription leaves the router on the poll path alone.
func (r *Router) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		log.Error().Err(errRouterStarted).Str("service", "signal").Msg("")
		close(ready)
		return ready
	}
	r.started = true
	r.mu.Unlock()

	log.Debug().Str("service", "signal").Str("user", r.selfID).Str("session", r.sessionID).Msg("router start")

	feed, err := r.transport.Subscribe(ctx, r.sessionID, r.selfID)
	if err != nil {
		log.Warn().Err(err).Str("service", "signal").Msg("push path unavailable, polling only")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.pushLoop(feed)
	}()
	go func() {
		defer wg.Done()
		r.pollLoop(ctx, ready)
	}()

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		r.consumeLoop(ctx)
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.stop:
		}
		if feed != nil {
			feed.Close()
		}
		wg.Wait()
		r.signalStop()
		<-consumed
		close(r.stopped)
	}()

	return ready
}

// Stop ends both paths. The returned channel is closed when no handler is running
// anymore.
func (r *Router) Stop() <-chan struct{} {
	r.signalStop()

	r.mu.Lock()
	started := r.started
	r.started = true
	r.mu.Unlock()

	if !started {
		close(r.stopped)
	}
	return r.stopped
}

func (r *Router) signalStop() {
	r.once.Do(func() {
		close(r.stop)
	})
}

func (r *Router) pushLoop(feed *Feed) {
	if feed == nil {
		return
	}
	for signal := range feed.Signals() {
		if !r.enqueue(delivery{signal: signal, path: pushPath}) {
			return
		}
	}
}

func (r *Router) pollLoop(ctx context.Context, ready chan struct{}) {
	r.poll(ctx)
	close(ready)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Router) poll(ctx context.Context) {
	signals, err := r.transport.PollUnprocessed(ctx, r.selfID, r.sessionID)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("service", "signal").Str("user", r.selfID).Msg("poll failed")
		}
		return
	}
	for _, signal := range signals {
		if !r.enqueue(delivery{signal: signal, path: pollPath}) {
			return
		}
	}
}

func (r *Router) enqueue(d delivery) bool {
	select {
	case r.queue <- d:
		return true
	case <-r.stop:
		return false
	}
}

func (r *Router) consumeLoop(ctx context.Context) {
	defer clear(r.seen)

	for {
		select {
		case <-r.stop:
			return
		case d := <-r.queue:
			r.consume(ctx, d)
		}
	}
}

func (r *Router) consume(ctx context.Context, d delivery) {
	signal := d.signal
	h, ok := r.handler(signal.Kind)
	if !ok {
		return
	}
	kind := string(signal.Kind)

	if _, dup := r.seen[signal.ID]; dup {
		telemetry.SignalHandled(kind, d.path, "duplicate")
		return
	}

	claimed, err := r.transport.MarkProcessed(ctx, signal.ID)
	if err != nil {
		// not remembered: the next poll retries the claim
		telemetry.SignalHandled(kind, d.path, "error")
		log.Error().Err(err).Str("service", "signal").Int64("signal", signal.ID).Msg("claim failed")
		return
	}
	r.remember(signal.ID)

	if !claimed {
		telemetry.SignalHandled(kind, d.path, "duplicate")
		return
	}
	telemetry.SignalHandled(kind, d.path, "claimed")

	if err := h(ctx, signal); err != nil {
		log.Error().Err(err).Str("service", "signal").Str("kind", kind).Int64("signal", signal.ID).Msg("handler failed")
	}
}

func (r *Router) remember(id int64) {
	now := r.now()
	if len(r.seen) >= seenPruneSize {
		for seenID, at := range r.seen {
			if now.Sub(at) > seenTTL {
				delete(r.seen, seenID)
			}
		}
	}
	r.seen[id] = now
}
