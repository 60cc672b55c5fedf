package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/clock"
	"github.com/coder/websocket"
)

// DefaultRequestTimeout bounds a request when Options leave it unset.
const DefaultRequestTimeout = 5 * time.Second

// Handler answers an inbound request. The returned value is encoded as
// the reply body; a non-nil error is sent back as a rejection.
type Handler func(ctx context.Context, msg Message) (any, error)

// ContextHandler observes an inbound context update.
type ContextHandler func(ctx context.Context, msg Message)

// Options configures a Peer.
type Options struct {
	// Name labels log lines ("primary" or "companion").
	Name           string
	RequestTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Peer owns the session with the other device. At most one link is
// active; a new link replaces the previous one.
type Peer struct {
	name    string
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.RWMutex
	link      *link
	state     ActivationState
	since     time.Time
	handlers  map[MessageType]Handler
	onContext ContextHandler
	latest    *Message
}

// New returns an inactive peer.
func New(opts Options) *Peer {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Peer{
		name:     opts.Name,
		timeout:  opts.RequestTimeout,
		clock:    opts.Clock,
		logger:   opts.Logger.With("peer", opts.Name),
		state:    Inactive,
		since:    opts.Clock.Now(),
		handlers: make(map[MessageType]Handler),
	}
}

// OnMessage registers the handler for inbound requests of type t.
func (p *Peer) OnMessage(t MessageType, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handlers[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, t)
	}
	p.handlers[t] = h
	return nil
}

// OnContext registers the handler for inbound context updates.
func (p *Peer) OnContext(h ContextHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onContext = h
}

// Session returns the current session observation.
func (p *Peer) Session() Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Session{
		State:     p.state,
		Reachable: p.link != nil && p.state == Active,
		Since:     p.since,
	}
	if p.link != nil {
		s.Remote = p.link.remote
	}
	return s
}

// Reachable reports whether a request could be sent right now.
func (p *Peer) Reachable() bool {
	return p.Session().Reachable
}

// Request sends msg and suspends until the reply arrives, the transport
// timeout fires or ctx ends. Errors wrap ErrUnreachable, ErrTimeout or
// ErrRejected.
func (p *Peer) Request(ctx context.Context, msg Message) (Message, error) {
	p.mu.RLock()
	l := p.link
	active := p.state == Active
	p.mu.RUnlock()

	if l == nil || !active {
		return Message{}, fmt.Errorf("%w: %s", ErrUnreachable, msg.Type)
	}
	return l.request(ctx, msg, p.timeout)
}

// PushContext records msg as the latest state snapshot and delivers it
// when possible. Older undelivered snapshots are dropped; no error is
// reported. The latest snapshot is re-sent whenever a new link activates.
func (p *Peer) PushContext(msg Message) {
	p.mu.Lock()
	p.latest = &msg
	l := p.link
	p.mu.Unlock()

	if l != nil {
		l.signalContext()
	}
}

func (p *Peer) latestContext() (Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return Message{}, false
	}
	return *p.latest, true
}

// Serve runs conn as the active link until it closes or ctx ends. Any
// previously active link is closed.
func (p *Peer) Serve(ctx context.Context, conn *websocket.Conn, remote string) error {
	l := newLink(p, conn, remote)

	p.mu.Lock()
	previous := p.link
	p.link = l
	p.state = Active
	p.since = p.clock.Now()
	hasContext := p.latest != nil
	p.mu.Unlock()

	if previous != nil {
		previous.close(websocket.StatusNormalClosure, "session replaced")
	}
	p.logger.Info("peer link active", "remote", remote, "replaced", previous != nil)
	if hasContext {
		l.signalContext()
	}

	err := l.run(ctx)

	p.mu.Lock()
	if p.link == l {
		p.link = nil
		p.state = Inactive
		p.since = p.clock.Now()
	}
	p.mu.Unlock()
	p.logger.Info("peer link inactive", "remote", remote)
	return err
}

// Close closes the active link, if any.
func (p *Peer) Close() {
	p.mu.RLock()
	l := p.link
	p.mu.RUnlock()
	if l != nil {
		l.close(websocket.StatusGoingAway, "shutting down")
	}
}

// setState records a dial-side transition. It never overrides an active link.
func (p *Peer) setState(s ActivationState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil || p.state == s {
		return
	}
	p.state = s
	p.since = p.clock.Now()
}

func (p *Peer) dispatchRequest(ctx context.Context, msg Message) (any, error) {
	p.mu.RLock()
	h := p.handlers[msg.Type]
	p.mu.RUnlock()

	if h == nil {
		p.logger.Warn("no handler for peer request", "type", msg.Type)
		return nil, fmt.Errorf("no handler for %s", msg.Type)
	}
	return h(ctx, msg)
}

func (p *Peer) dispatchContext(ctx context.Context, msg Message) {
	p.mu.RLock()
	h := p.onContext
	p.mu.RUnlock()

	if h == nil {
		p.logger.Debug("ignoring peer context, no handler", "type", msg.Type)
		return
	}
	h(ctx, msg)
}
