package domain

import "time"

// WardrobeItem is a single garment in the user's wardrobe.
type WardrobeItem struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Color    string   `json:"color,omitempty"`
	Seasons  []string `json:"seasons,omitempty"`
	Styles   []string `json:"styles,omitempty"`
}

// Outfit is a named combination of wardrobe items.
type Outfit struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	ItemIDs   []string  `json:"itemIds"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryEntry records an outfit worn on a given day.
type HistoryEntry struct {
	OutfitID string    `json:"outfitId"`
	ItemIDs  []string  `json:"itemIds,omitempty"`
	WornAt   time.Time `json:"wornAt"`
}
