package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/clock"
	"github.com/ashureev/wardrobe-sync/internal/codec"
	"github.com/ashureev/wardrobe-sync/internal/eventbus"
	"github.com/ashureev/wardrobe-sync/internal/handshake"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/ashureev/wardrobe-sync/internal/retry"
	"github.com/ashureev/wardrobe-sync/internal/store"
	"github.com/ashureev/wardrobe-sync/internal/stylist"
	"github.com/ashureev/wardrobe-sync/internal/syncer"
	"golang.org/x/sync/errgroup"
)

// CompanionOptions configures a Companion.
type CompanionOptions struct {
	// Shared is the namespace the primary writes.
	Shared store.KV
	// Local holds the companion's cached snapshots.
	Local  store.KV
	Codec  codec.Codec
	Bus    *eventbus.Bus
	Clock  clock.Clock
	Logger *slog.Logger

	PeerURL        string
	PeerToken      string
	DeviceName     string
	RequestTimeout time.Duration
	Reconnect      retry.Policy

	CheckTimeout   time.Duration
	StartupTimeout time.Duration
	Retry          retry.Policy
}

// Companion is the watch side.
type Companion struct {
	peer    *peer.Peer
	dialer  *peer.Dialer
	machine *handshake.Machine
	mirror  *syncer.Mirror
	bus     *eventbus.Bus
	logger  *slog.Logger

	refresh chan struct{}
}

// NewCompanion builds the companion and registers its listeners.
func NewCompanion(opts CompanionOptions) (*Companion, error) {
	if opts.Shared == nil || opts.Local == nil {
		return nil, errors.New("companion: shared and local stores are required")
	}
	if opts.PeerURL == "" {
		return nil, errors.New("companion: peer URL is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	if opts.DeviceName == "" {
		opts.DeviceName = "companion"
	}

	p := peer.New(peer.Options{
		Name:           "companion",
		RequestTimeout: opts.RequestTimeout,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
	})
	c := &Companion{
		peer: p,
		dialer: peer.NewDialer(p, peer.DialerOptions{
			URL:     opts.PeerURL,
			Token:   opts.PeerToken,
			Device:  opts.DeviceName,
			Backoff: opts.Reconnect,
		}),
		machine: handshake.New(handshake.Options{
			Peer:           p,
			Store:          opts.Shared,
			Codec:          opts.Codec,
			Bus:            opts.Bus,
			Clock:          opts.Clock,
			Logger:         opts.Logger,
			CheckTimeout:   opts.CheckTimeout,
			StartupTimeout: opts.StartupTimeout,
			Retry:          opts.Retry,
		}),
		mirror: syncer.NewMirror(syncer.MirrorOptions{
			Shared: opts.Shared,
			Local:  opts.Local,
			Codec:  opts.Codec,
			Bus:    opts.Bus,
			Logger: opts.Logger,
		}),
		bus:     opts.Bus,
		logger:  opts.Logger.With("device", "companion"),
		refresh: make(chan struct{}, 1),
	}

	handlers := map[peer.MessageType]peer.Handler{
		peer.TypeUserProfile:        c.handleProfile,
		peer.TypeUserProfileDeleted: c.handleProfileDeleted,
		peer.TypeWardrobeUpdate:     c.handleWardrobeUpdate,
	}
	for t, h := range handlers {
		if err := p.OnMessage(t, h); err != nil {
			return nil, err
		}
	}
	p.OnContext(c.handleContext)
	return c, nil
}

// Run keeps the link up and drives the handshake until ctx ends.
func (c *Companion) Run(ctx context.Context) error {
	unsubscribe := c.bus.Subscribe(eventbus.ConfigurationDetected, func(eventbus.Notification) {
		select {
		case c.refresh <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.dialer.Run(ctx)
	})
	g.Go(func() error {
		return c.machine.Run(ctx)
	})
	g.Go(func() error {
		c.refreshLoop(ctx)
		return nil
	})
	err := g.Wait()
	c.peer.Close()
	return err
}

// refreshLoop re-reads every collection after the companion becomes
// configured. Bus handlers must not block, so the work happens here.
func (c *Companion) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.refresh:
			c.mirror.Refresh(ctx, "")
		}
	}
}

func (c *Companion) handleProfile(_ context.Context, _ peer.Message) (any, error) {
	c.machine.Signal()
	return nil, nil
}

func (c *Companion) handleProfileDeleted(ctx context.Context, _ peer.Message) (any, error) {
	c.machine.ProfileDeleted()
	if err := c.mirror.Purge(ctx); err != nil {
		return nil, fmt.Errorf("purge mirror: %w", err)
	}
	return nil, nil
}

func (c *Companion) handleWardrobeUpdate(ctx context.Context, msg peer.Message) (any, error) {
	var update peer.WardrobeUpdate
	if len(msg.Body) > 0 {
		if err := msg.Decode(&update); err != nil {
			return nil, err
		}
	}
	if update.Collection == "" {
		update.Collection = store.KeyWardrobeItems
	}
	if !slices.Contains(store.DerivedKeys(), update.Collection) {
		return nil, fmt.Errorf("%w: %s", syncer.ErrUnknownCollection, update.Collection)
	}
	c.mirror.Refresh(ctx, update.Collection)
	return nil, nil
}

// handleContext treats a profile snapshot as a push. An empty snapshot
// means the profile was deleted while no live notice could be delivered.
func (c *Companion) handleContext(ctx context.Context, msg peer.Message) {
	if msg.Type != peer.TypeUserProfile {
		c.logger.Debug("ignoring context update", "type", msg.Type)
		return
	}
	var body peer.ProfileBody
	if err := msg.Decode(&body); err != nil {
		c.logger.Warn("undecodable profile context", "error", err)
		return
	}
	if !body.IsConfigured && body.FirstName == "" && len(body.Payload) == 0 {
		c.machine.ProfileDeleted()
		if err := c.mirror.Purge(ctx); err != nil {
			c.logger.Warn("failed to purge mirror", "error", err)
		}
		return
	}
	c.machine.Signal()
}

// State is the configuration state shown by the UI.
func (c *Companion) State() handshake.State {
	return c.machine.State()
}

// Attempts returns the periodic re-checks fired since the last signal.
func (c *Companion) Attempts() int {
	return c.machine.Attempts()
}

// Polling reports whether a periodic re-check is pending.
func (c *Companion) Polling() bool {
	return c.machine.Polling()
}

// Recheck is the external wake: a fresh check with a full polling budget.
func (c *Companion) Recheck() {
	c.machine.Wake()
}

// Session observes the link to the primary.
func (c *Companion) Session() peer.Session {
	return c.peer.Session()
}

// Mirror serves the mirrored collections.
func (c *Companion) Mirror() *syncer.Mirror {
	return c.mirror
}

// Bus is where state changes are published.
func (c *Companion) Bus() *eventbus.Bus {
	return c.bus
}

// Chat asks the primary to answer text.
func (c *Companion) Chat(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", stylist.ErrEmptyMessage
	}
	msg, err := peer.NewMessage(peer.TypeChatMessage, peer.ChatRequest{Text: text})
	if err != nil {
		return "", err
	}
	reply, err := c.peer.Request(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send chat message: %w", err)
	}
	var body peer.ChatReply
	if err := reply.Decode(&body); err != nil {
		return "", err
	}
	return body.Response, nil
}
