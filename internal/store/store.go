// Package store provides the shared store bridge: a namespaced,
// whole-value key-value store visible to both device processes.
package store

import "context"

// Shared record keys.
const (
	KeyUserProfile       = "user_profile"
	KeyWardrobeItems     = "wardrobe_items"
	KeyFavoriteOutfits   = "favorite_outfits"
	KeyOutfitHistory     = "outfit_history"
	KeyChatConversations = "chat_conversations"
)

// DerivedKeys lists the collection keys that only make sense while a
// profile exists.
func DerivedKeys() []string {
	return []string{KeyWardrobeItems, KeyFavoriteOutfits, KeyOutfitHistory, KeyChatConversations}
}

// KV is a single namespace of the shared store. Every call is durable and
// visible to other processes before it returns. Values are replaced whole;
// there is no ordering between different keys.
type KV interface {
	// Get returns the stored value, or nil with a nil error if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the keys present in the namespace.
	Keys(ctx context.Context) ([]string, error)
}
