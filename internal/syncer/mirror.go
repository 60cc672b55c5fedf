package syncer

import (
	"context"
	"log/slog"

	"github.com/ashureev/wardrobe-sync/internal/codec"
	"github.com/ashureev/wardrobe-sync/internal/domain"
	"github.com/ashureev/wardrobe-sync/internal/eventbus"
	"github.com/ashureev/wardrobe-sync/internal/store"
)

// MirrorOptions configures a Mirror.
type MirrorOptions struct {
	// Shared is the namespace the primary writes.
	Shared store.KV
	// Local caches the last good snapshot of each record.
	Local  store.KV
	Codec  codec.Codec
	Bus    *eventbus.Bus
	Logger *slog.Logger
}

// Mirror serves the companion's read API. Every read re-reads the whole
// record from the shared store; the local cache answers when the shared
// record cannot be read.
type Mirror struct {
	shared store.KV
	local  store.KV
	codec  codec.Codec
	bus    *eventbus.Bus
	logger *slog.Logger
}

// NewMirror returns a Mirror.
func NewMirror(opts MirrorOptions) *Mirror {
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Mirror{
		shared: opts.Shared,
		local:  opts.Local,
		codec:  opts.Codec,
		bus:    opts.Bus,
		logger: opts.Logger.With("component", "mirror"),
	}
}

// UserProfile returns the mirrored profile, or nil if there is none.
func (m *Mirror) UserProfile(ctx context.Context) (*domain.Profile, error) {
	p, ok, err := load[domain.Profile](ctx, m, store.KeyUserProfile)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// WardrobeItems returns the mirrored wardrobe.
func (m *Mirror) WardrobeItems(ctx context.Context) ([]domain.WardrobeItem, error) {
	items, _, err := load[[]domain.WardrobeItem](ctx, m, store.KeyWardrobeItems)
	return items, err
}

// Favorites returns the mirrored favorite outfits.
func (m *Mirror) Favorites(ctx context.Context) ([]domain.Outfit, error) {
	outfits, _, err := load[[]domain.Outfit](ctx, m, store.KeyFavoriteOutfits)
	return outfits, err
}

// History returns the mirrored worn-outfit history.
func (m *Mirror) History(ctx context.Context) ([]domain.HistoryEntry, error) {
	entries, _, err := load[[]domain.HistoryEntry](ctx, m, store.KeyOutfitHistory)
	return entries, err
}

// Conversations returns the mirrored chat transcripts.
func (m *Mirror) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	convs, _, err := load[[]domain.Conversation](ctx, m, store.KeyChatConversations)
	return convs, err
}

// Refresh re-reads key (or every derived collection when key is empty)
// and announces the update.
func (m *Mirror) Refresh(ctx context.Context, key string) {
	keys := []string{key}
	if key == "" {
		keys = store.DerivedKeys()
	}
	for _, k := range keys {
		if _, err := m.raw(ctx, k); err != nil {
			m.logger.Warn("failed to refresh collection", "collection", k, "error", err)
			continue
		}
		m.bus.Publish(eventbus.Notification{Event: eventbus.CollectionUpdated, Collection: k})
	}
}

// Purge drops every locally cached record. Derived collections have no
// meaning once the owning profile is gone.
func (m *Mirror) Purge(ctx context.Context) error {
	keys := append([]string{store.KeyUserProfile}, store.DerivedKeys()...)
	for _, key := range keys {
		if err := m.local.Delete(ctx, key); err != nil {
			return err
		}
	}
	m.logger.Info("purged mirrored records")
	for _, key := range store.DerivedKeys() {
		m.bus.Publish(eventbus.Notification{Event: eventbus.CollectionUpdated, Collection: key})
	}
	return nil
}

// load decodes the newest readable snapshot of key.
func load[T any](ctx context.Context, m *Mirror, key string) (T, bool, error) {
	var v T
	data, err := m.raw(ctx, key)
	if err != nil || data == nil {
		return v, false, err
	}
	if err := m.codec.Unmarshal(data, &v); err != nil {
		// Well-formed but mistyped records land here.
		m.logger.Warn("dropping undecodable cached record", "key", key, "error", err)
		_ = m.local.Delete(ctx, key)
		var zero T
		return zero, false, nil
	}
	return v, true, nil
}

// raw returns the current bytes for key. A shared record that decodes is
// copied to the local cache; an absent one clears the cache; a corrupt one
// is purged from the shared store and the cached copy is served instead.
func (m *Mirror) raw(ctx context.Context, key string) ([]byte, error) {
	data, err := m.shared.Get(ctx, key)
	if err != nil {
		m.logger.Warn("shared store unreadable, serving cached copy", "key", key, "error", err)
		return m.local.Get(ctx, key)
	}

	if data == nil {
		if err := m.local.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to clear cached record", "key", key, "error", err)
		}
		return nil, nil
	}

	var probe any
	if err := m.codec.Unmarshal(data, &probe); err != nil {
		m.logger.Warn("purging undecodable shared record", "key", key, "error", err)
		if err := m.shared.Delete(ctx, key); err != nil {
			m.logger.Error("failed to purge shared record", "key", key, "error", err)
		}
		return m.local.Get(ctx, key)
	}

	if err := m.local.Set(ctx, key, data); err != nil {
		m.logger.Warn("failed to cache record", "key", key, "error", err)
	}
	return data, nil
}
