package api

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/broadcast"
	"github.com/isqad/livelook-signal/internal/call"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/eventbus/rpc"
	"github.com/isqad/livelook-signal/internal/ledger"
	"github.com/isqad/livelook-signal/internal/signal"
)

var (
	ErrClientsClosed  = errors.New("api: shutting down")
	ErrAlreadyHosting = errors.New("api: already hosting a stream")
	ErrNotHosting     = errors.New("api: not hosting a stream")
	ErrNotWatching    = errors.New("api: not watching this stream")
)

type Invite struct {
	StreamID   string    `json:"stream_id"`
	HostID     string    `json:"host_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// ClientOptions are shared by the clients of every user.
type ClientOptions struct {
	Ledger          *ledger.Ledger
	Transport       *signal.Transport
	Deps            broadcast.Deps
	CallConfig      call.Config
	BroadcastConfig broadcast.Config
}

// Client is one signed-in user: their call manager, the stream they host or
// watch and the invites they got. Every state change is published on the
// clients channel of the bus for the websocket to relay.
type Client struct {
	UserID string

	opts   ClientOptions
	calls  *call.Manager
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	invites *signal.Router

	mu           sync.Mutex
	hosting      *broadcast.Broadcast
	stopHosting  context.CancelFunc
	watching     *broadcast.Viewer
	stopWatching context.CancelFunc
	pending      map[string]Invite
}

func NewClient(userID string, opts ClientOptions) *Client {
	c := &Client{
		UserID:  userID,
		opts:    opts,
		calls:   call.NewManager(userID, opts.Ledger, opts.Transport, opts.Deps.Factory, opts.Deps.Acquirer, opts.CallConfig),
		pending: make(map[string]Invite),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.calls.Run(c.ctx); err != nil {
			log.Error().Err(err).Str("service", "api").Str("userID", userID).Msg("call manager stopped")
		}
	}()

	states, unsubscribe := c.calls.Subscribe()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		forward(c.ctx, c, rpc.CallState, states, unsubscribe)
	}()

	c.invites = broadcast.ListenInvites(c.ctx, opts.Transport, userID, opts.BroadcastConfig.Signaling.PollInterval, c.onInvite)

	return c
}

func (c *Client) Calls() *call.Manager {
	return c.calls
}

// forward relays state snapshots until ctx is done or the source closes.
func forward[T any](ctx context.Context, c *Client, source rpc.StateSource, states <-chan T, unsubscribe func()) {
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			c.publish(source, state)
		}
	}
}

func (c *Client) publish(source rpc.StateSource, state interface{}) {
	if err := c.opts.Deps.Bus.Publish(context.Background(), eventbus.Clients, c.UserID, rpc.NewStateRpc(source, state)); err != nil {
		log.Warn().Err(err).Str("service", "api").Str("userID", c.UserID).Str("source", string(source)).Msg("can't publish state")
	}
}

func (c *Client) onInvite(streamID string, hostID string) {
	invite := Invite{StreamID: streamID, HostID: hostID, ReceivedAt: time.Now()}

	c.mu.Lock()
	c.pending[streamID] = invite
	c.mu.Unlock()

	log.Info().Str("service", "api").Str("userID", c.UserID).Str("streamID", streamID).Str("hostID", hostID).Msg("invited to a stream")
	c.publish(rpc.InviteState, invite)
}

func (c *Client) Invites() []Invite {
	c.mu.Lock()
	defer c.mu.Unlock()

	invites := make([]Invite, 0, len(c.pending))
	for _, invite := range c.pending {
		invites = append(invites, invite)
	}
	sort.Slice(invites, func(i, j int) bool {
		return invites[i].ReceivedAt.Before(invites[j].ReceivedAt)
	})
	return invites
}

// GoLive starts hosting a new stream. A user hosts one stream at a time.
func (c *Client) GoLive(ctx context.Context, title string, streamType core.StreamType, mode core.CallMode) (*broadcast.Broadcast, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ctx.Err(); err != nil {
		return nil, ErrClientsClosed
	}
	if c.hosting != nil && !c.hosting.State().Stream.IsEnded() {
		return nil, ErrAlreadyHosting
	}

	b, err := broadcast.GoLive(ctx, c.UserID, title, streamType, mode, c.opts.Deps, c.opts.BroadcastConfig)
	if err != nil {
		return nil, err
	}
	if c.stopHosting != nil {
		c.stopHosting()
	}
	c.hosting = b

	var fctx context.Context
	fctx, c.stopHosting = context.WithCancel(c.ctx)
	states, unsubscribe := b.Subscribe()
	go forward(fctx, c, rpc.BroadcastState, states, unsubscribe)

	return b, nil
}

// Hosting returns the stream the user hosts, ended or not.
func (c *Client) Hosting(streamID string) (*broadcast.Broadcast, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hosting == nil || (streamID != "" && c.hosting.ID() != streamID) {
		return nil, ErrNotHosting
	}
	return c.hosting, nil
}

// Watch joins streamID as a viewer, leaving any other stream first. Joining
// the stream already watched returns the existing viewer.
func (c *Client) Watch(ctx context.Context, streamID string) (*broadcast.Viewer, error) {
	c.mu.Lock()
	if err := c.ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, ErrClientsClosed
	}
	prev := c.watching
	if prev != nil && prev.StreamID() == streamID && !prev.State().Status.IsTerminal() {
		c.mu.Unlock()
		return prev, nil
	}
	if c.stopWatching != nil {
		c.stopWatching()
	}
	v := broadcast.NewViewer(c.UserID, streamID, c.opts.Deps, c.opts.BroadcastConfig)
	c.watching = v

	var fctx context.Context
	fctx, c.stopWatching = context.WithCancel(c.ctx)
	states, unsubscribe := v.Subscribe()
	go forward(fctx, c, rpc.ViewerState, states, unsubscribe)
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Leave(ctx); err != nil {
			log.Warn().Err(err).Str("service", "api").Str("userID", c.UserID).Str("streamID", prev.StreamID()).Msg("can't leave the previous stream")
		}
	}

	if err := v.Join(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Watching returns the viewer of streamID if the user watches it.
func (c *Client) Watching(streamID string) (*broadcast.Viewer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watching == nil || c.watching.StreamID() != streamID || c.watching.State().Status.IsTerminal() {
		return nil, ErrNotWatching
	}
	return c.watching, nil
}

// AcceptInvite takes up the invite to streamID, joining it first if needed.
func (c *Client) AcceptInvite(ctx context.Context, streamID string) (*core.Participant, error) {
	v, err := c.Watch(ctx, streamID)
	if err != nil {
		return nil, err
	}
	p, err := v.AcceptInvite(ctx)
	if err != nil && !errors.Is(err, core.ErrInviteExpired) {
		return nil, err
	}

	c.mu.Lock()
	delete(c.pending, streamID)
	c.mu.Unlock()

	return p, err
}

// Leave stops watching streamID.
func (c *Client) Leave(ctx context.Context, streamID string) error {
	v, err := c.Watching(streamID)
	if err != nil {
		return err
	}
	return v.Leave(ctx)
}

// mediaControl is what the local media toggles act on.
type mediaControl interface {
	ToggleMute() bool
	ToggleVideo() bool
}

// media picks the live broadcast if there is one, the call manager otherwise.
func (c *Client) media() mediaControl {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hosting != nil && !c.hosting.State().Stream.IsEnded() {
		return c.hosting
	}
	return c.calls
}

func (c *Client) mediaFlags() MediaResponse {
	c.mu.Lock()
	hosting := c.hosting
	c.mu.Unlock()

	if hosting != nil && !hosting.State().Stream.IsEnded() {
		s := hosting.State()
		return MediaResponse{IsMuted: s.IsMuted, IsVideoOff: s.IsVideoOff}
	}
	s := c.calls.State()
	return MediaResponse{IsMuted: s.IsMuted, IsVideoOff: s.IsVideoOff}
}

type ClientState struct {
	Call      call.State             `json:"call"`
	Broadcast *broadcast.HostState   `json:"broadcast,omitempty"`
	Viewer    *broadcast.ViewerState `json:"viewer,omitempty"`
	Invites   []Invite               `json:"invites"`
}

func (c *Client) State() ClientState {
	state := ClientState{Call: c.calls.State(), Invites: c.Invites()}

	c.mu.Lock()
	hosting, watching := c.hosting, c.watching
	c.mu.Unlock()

	if hosting != nil {
		s := hosting.State()
		state.Broadcast = &s
	}
	if watching != nil {
		s := watching.State()
		state.Viewer = &s
	}
	return state
}

// Snapshots returns the current state of every source as pushed on the bus.
func (c *Client) Snapshots() []rpc.Rpc {
	state := c.State()

	snapshots := []rpc.Rpc{rpc.NewStateRpc(rpc.CallState, state.Call)}
	if state.Broadcast != nil {
		snapshots = append(snapshots, rpc.NewStateRpc(rpc.BroadcastState, state.Broadcast))
	}
	if state.Viewer != nil {
		snapshots = append(snapshots, rpc.NewStateRpc(rpc.ViewerState, state.Viewer))
	}
	for _, invite := range state.Invites {
		snapshots = append(snapshots, rpc.NewStateRpc(rpc.InviteState, invite))
	}
	return snapshots
}

// Close ends whatever the user is doing and waits for the call manager.
func (c *Client) Close() {
	c.mu.Lock()
	hosting, watching := c.hosting, c.watching
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if hosting != nil {
		if err := hosting.End(ctx); err != nil {
			log.Warn().Err(err).Str("service", "api").Str("userID", c.UserID).Msg("can't end the stream")
		}
	}
	if watching != nil {
		if err := watching.Leave(ctx); err != nil {
			log.Warn().Err(err).Str("service", "api").Str("userID", c.UserID).Msg("can't leave the stream")
		}
	}

	c.cancel()
	<-c.invites.Stop()
	c.wg.Wait()
}

// Clients creates a client on the first request of each user.
type Clients struct {
	opts ClientOptions

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

func NewClients(opts ClientOptions) *Clients {
	return &Clients{
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

func (cs *Clients) Get(userID string) (*Client, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.closed {
		return nil, ErrClientsClosed
	}
	c, ok := cs.clients[userID]
	if !ok {
		c = NewClient(userID, cs.opts)
		cs.clients[userID] = c
		log.Debug().Str("service", "api").Str("userID", userID).Msg("client started")
	}
	return c, nil
}

func (cs *Clients) Close() {
	cs.mu.Lock()
	cs.closed = true
	clients := cs.clients
	cs.clients = make(map[string]*Client)
	cs.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
