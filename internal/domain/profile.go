// Package domain contains the records synchronized between the primary
// and companion devices.
package domain

import (
	"strings"
	"time"
)

// Profile is the user profile owned by the primary device.
type Profile struct {
	FirstName       string    `json:"firstName"`
	Gender          string    `json:"gender,omitempty"`
	PreferredStyles []string  `json:"preferredStyles,omitempty"`
	IsConfigured    bool      `json:"isConfigured"`
	UpdatedAt       time.Time `json:"updatedAt,omitempty"`
}

// Configured reports whether the profile carries a usable identity and the
// explicit configured marker.
func (p *Profile) Configured() bool {
	return p != nil && p.IsConfigured && strings.TrimSpace(p.FirstName) != ""
}

// IdentitySummary is the short identity shown on the companion.
func (p *Profile) IdentitySummary() string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.FirstName)
}
