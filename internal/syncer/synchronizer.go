// Package syncer propagates the profile and derived collections from the
// primary to the companion, and mirrors them on the companion side.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ashureev/wardrobe-sync/internal/clock"
	"github.com/ashureev/wardrobe-sync/internal/codec"
	"github.com/ashureev/wardrobe-sync/internal/domain"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/ashureev/wardrobe-sync/internal/store"
)

// ErrUnknownCollection is returned for a key that is not a derived collection.
var ErrUnknownCollection = errors.New("unknown collection")

// Pusher is the part of the peer transport the synchronizer uses.
type Pusher interface {
	Reachable() bool
	Request(ctx context.Context, msg peer.Message) (peer.Message, error)
	PushContext(msg peer.Message)
}

// Options configures a Synchronizer.
type Options struct {
	Store  store.KV
	Codec  codec.Codec
	Peer   Pusher
	Clock  clock.Clock
	Logger *slog.Logger
}

// Synchronizer is the primary's single writer of the shared store.
type Synchronizer struct {
	store  store.KV
	codec  codec.Codec
	peer   Pusher
	clock  clock.Clock
	logger *slog.Logger

	// mu serializes writes so a push never interleaves with a deletion.
	mu sync.Mutex
}

// New returns a Synchronizer.
func New(opts Options) *Synchronizer {
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Synchronizer{
		store:  opts.Store,
		codec:  opts.Codec,
		peer:   opts.Peer,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "syncer"),
	}
}

// Profile returns the stored profile, or nil if none exists.
func (s *Synchronizer) Profile(ctx context.Context) (*domain.Profile, error) {
	data, err := s.store.Get(ctx, store.KeyUserProfile)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var p domain.Profile
	if err := s.codec.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return &p, nil
}

// ConfigurationReply answers check_configuration from the stored profile.
// It has no side effects, so repeated calls agree until the profile changes.
func (s *Synchronizer) ConfigurationReply(ctx context.Context) (peer.CheckConfigurationReply, error) {
	p, err := s.Profile(ctx)
	if errors.Is(err, codec.ErrDecode) {
		s.logger.Warn("stored profile is undecodable, reporting not configured", "error", err)
		return peer.CheckConfigurationReply{}, nil
	}
	if err != nil {
		return peer.CheckConfigurationReply{}, err
	}
	if !p.Configured() {
		return peer.CheckConfigurationReply{}, nil
	}
	return peer.CheckConfigurationReply{IsConfigured: true, FirstName: p.IdentitySummary()}, nil
}

// PushProfile stores p under user_profile, then pushes it as context and
// sends it live. Only the store write can fail the call; the live channel
// is best effort.
func (s *Synchronizer) PushProfile(ctx context.Context, p domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushProfileLocked(ctx, p)
}

// RepushProfile pushes the stored profile again. It is a no-op when no
// profile exists. The read and the push share one critical section, so a
// repeat can never restore a profile deleted or replaced in between.
func (s *Synchronizer) RepushProfile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.Profile(ctx)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	return s.pushProfileLocked(ctx, *p)
}

// pushProfileLocked requires s.mu.
func (s *Synchronizer) pushProfileLocked(ctx context.Context, p domain.Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.clock.Now().UTC()
	}
	data, err := s.codec.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	if err := s.store.Set(ctx, store.KeyUserProfile, data); err != nil {
		return fmt.Errorf("store profile: %w", err)
	}

	msg, err := peer.NewMessage(peer.TypeUserProfile, peer.ProfileBody{
		FirstName:    p.IdentitySummary(),
		IsConfigured: p.Configured(),
		Payload:      data,
	})
	if err != nil {
		return err
	}
	s.peer.PushContext(msg)
	s.sendLive(ctx, msg)
	return nil
}

// PushCollection replaces the snapshot stored under key with items and
// tells the companion to re-read it.
func (s *Synchronizer) PushCollection(ctx context.Context, key string, items any) error {
	if !slices.Contains(store.DerivedKeys(), key) {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, key)
	}
	data, err := s.codec.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}

	msg, err := peer.NewMessage(peer.TypeWardrobeUpdate, peer.WardrobeUpdate{Collection: key})
	if err != nil {
		return err
	}
	s.sendLive(ctx, msg)
	return nil
}

// Collection decodes the snapshot stored under key into v. It reports
// false if the key is absent.
func (s *Synchronizer) Collection(ctx context.Context, key string, v any) (bool, error) {
	if !slices.Contains(store.DerivedKeys(), key) {
		return false, fmt.Errorf("%w: %s", ErrUnknownCollection, key)
	}
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if data == nil {
		return false, nil
	}
	if err := s.codec.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	return true, nil
}

// NotifyDeleted removes the profile and every derived collection, then
// tells the companion. If the live notice cannot be delivered the
// companion finds the absent record on its next check.
func (s *Synchronizer) NotifyDeleted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := append([]string{store.KeyUserProfile}, store.DerivedKeys()...)
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}

	if msg, err := peer.NewMessage(peer.TypeUserProfile, peer.ProfileBody{}); err == nil {
		s.peer.PushContext(msg)
	}
	s.sendLive(ctx, peer.Message{Type: peer.TypeUserProfileDeleted})
	return nil
}

func (s *Synchronizer) sendLive(ctx context.Context, msg peer.Message) {
	if !s.peer.Reachable() {
		s.logger.Debug("companion unreachable, relying on shared store", "type", msg.Type)
		return
	}
	if _, err := s.peer.Request(ctx, msg); err != nil {
		s.logger.Warn("live push failed", "type", msg.Type, "error", err)
	}
}
