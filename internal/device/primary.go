// Package device wires the transport, synchronizer, handshake and mirror
// into the two device roles.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/clock"
	"github.com/ashureev/wardrobe-sync/internal/codec"
	"github.com/ashureev/wardrobe-sync/internal/domain"
	"github.com/ashureev/wardrobe-sync/internal/middleware"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/ashureev/wardrobe-sync/internal/store"
	"github.com/ashureev/wardrobe-sync/internal/stylist"
	"github.com/ashureev/wardrobe-sync/internal/syncer"
)

// ErrUnknownLifecycleEvent is returned by Lifecycle for an unrecognized event.
var ErrUnknownLifecycleEvent = errors.New("unknown lifecycle event")

// PrimaryOptions configures a Primary.
type PrimaryOptions struct {
	// Shared is the namespace both devices read; only the primary writes it.
	Shared    store.KV
	Codec     codec.Codec
	Responder stylist.Responder
	Clock     clock.Clock
	Logger    *slog.Logger

	RequestTimeout time.Duration
	RepeatCount    int
	RepeatDelay    time.Duration
}

// Primary is the phone side.
type Primary struct {
	peer     *peer.Peer
	sync     *syncer.Synchronizer
	chat     *stylist.Service
	repeater *syncer.Repeater
	logger   *slog.Logger
}

// NewPrimary builds the primary and registers its request handlers.
func NewPrimary(opts PrimaryOptions) (*Primary, error) {
	if opts.Shared == nil {
		return nil, errors.New("primary: shared store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Responder == nil {
		opts.Responder = stylist.Local{}
	}
	if opts.RepeatCount <= 0 {
		opts.RepeatCount = 3
	}
	if opts.RepeatDelay <= 0 {
		opts.RepeatDelay = 2 * time.Second
	}

	p := peer.New(peer.Options{
		Name:           "primary",
		RequestTimeout: opts.RequestTimeout,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
	})
	synchronizer := syncer.New(syncer.Options{
		Store:  opts.Shared,
		Codec:  opts.Codec,
		Peer:   p,
		Clock:  opts.Clock,
		Logger: opts.Logger,
	})
	chat := stylist.NewService(opts.Responder, synchronizer, opts.Clock, opts.Logger)

	d := &Primary{
		peer:   p,
		sync:   synchronizer,
		chat:   chat,
		logger: opts.Logger.With("device", "primary"),
	}
	d.repeater = syncer.NewRepeater(opts.Clock, syncer.RepeatPolicy(opts.RepeatCount, opts.RepeatDelay), synchronizer.RepushProfile, opts.Logger)

	if err := p.OnMessage(peer.TypeCheckConfiguration, d.handleCheckConfiguration); err != nil {
		return nil, err
	}
	if err := p.OnMessage(peer.TypeChatMessage, chat.HandleMessage); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Primary) handleCheckConfiguration(ctx context.Context, _ peer.Message) (any, error) {
	reply, err := d.sync.ConfigurationReply(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("answered configuration check", "is_configured", reply.IsConfigured)
	return reply, nil
}

// Start primes the context slot with the stored profile so the companion
// receives it as soon as it connects.
func (d *Primary) Start(ctx context.Context) error {
	if err := d.sync.RepushProfile(ctx); err != nil {
		return fmt.Errorf("prime profile context: %w", err)
	}
	return nil
}

// PeerHandler returns the websocket endpoint the companion dials.
func (d *Primary) PeerHandler(originPatterns []string) http.Handler {
	srv := peer.NewServer(d.peer, originPatterns)
	srv.Label = func(r *http.Request) string {
		return middleware.PeerDeviceFromContext(r.Context())
	}
	return srv
}

// Session observes the link to the companion.
func (d *Primary) Session() peer.Session {
	return d.peer.Session()
}

// Profile returns the stored profile, or nil.
func (d *Primary) Profile(ctx context.Context) (*domain.Profile, error) {
	return d.sync.Profile(ctx)
}

// SaveProfile stores and pushes p.
func (d *Primary) SaveProfile(ctx context.Context, p domain.Profile) error {
	p.UpdatedAt = time.Time{}
	return d.sync.PushProfile(ctx, p)
}

// DeleteProfile removes the profile and everything derived from it.
func (d *Primary) DeleteProfile(ctx context.Context) error {
	d.repeater.Stop()
	return d.sync.NotifyDeleted(ctx)
}

// Collection decodes the snapshot under key into v.
func (d *Primary) Collection(ctx context.Context, key string, v any) (bool, error) {
	return d.sync.Collection(ctx, key, v)
}

// SaveCollection replaces the snapshot under key.
func (d *Primary) SaveCollection(ctx context.Context, key string, items any) error {
	return d.sync.PushCollection(ctx, key, items)
}

// Lifecycle reacts to an app lifecycle event by pushing the profile
// repeatedly.
func (d *Primary) Lifecycle(ctx context.Context, event string) error {
	if !syncer.IsLifecycleEvent(event) {
		return fmt.Errorf("%w: %q", ErrUnknownLifecycleEvent, event)
	}
	return d.repeater.Trigger(ctx, event)
}

// Chat answers a message typed on the primary itself.
func (d *Primary) Chat(ctx context.Context, text string) (string, error) {
	return d.chat.Chat(ctx, text)
}

// Close stops pending pushes and drops the link.
func (d *Primary) Close() {
	d.repeater.Stop()
	d.peer.Close()
}
