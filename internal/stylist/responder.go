// Package stylist answers chat messages sent from the companion's chat
// screen and records the transcripts.
package stylist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/ashureev/wardrobe-sync/internal/domain"
)

// Request is one chat turn with the context the responder may use.
type Request struct {
	Text     string                `json:"text"`
	Profile  *domain.Profile       `json:"profile,omitempty"`
	Wardrobe []domain.WardrobeItem `json:"wardrobe,omitempty"`
}

// Responder produces the stylist's answer to a chat turn.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// maxSuggestions caps the items named in one answer.
const maxSuggestions = 3

// Local suggests wardrobe items whose attributes match words in the
// message.
type Local struct{}

// Respond implements Responder.
func (Local) Respond(_ context.Context, req Request) (string, error) {
	greeting := "Hi"
	if name := req.Profile.IdentitySummary(); name != "" {
		greeting = "Hi " + name
	}

	if len(req.Wardrobe) == 0 {
		return greeting + "! Add a few items to your wardrobe and I can suggest outfits.", nil
	}

	words := keywords(req.Text)
	var names []string
	for _, item := range req.Wardrobe {
		if matches(item, words) {
			names = append(names, item.Name)
			if len(names) == maxSuggestions {
				break
			}
		}
	}
	if len(names) > 0 {
		return fmt.Sprintf("%s! From your wardrobe, try: %s.", greeting, strings.Join(names, ", ")), nil
	}

	if req.Profile != nil && len(req.Profile.PreferredStyles) > 0 {
		return fmt.Sprintf("%s! Nothing matches that yet. Ask me about a %s outfit.", greeting, req.Profile.PreferredStyles[0]), nil
	}
	return greeting + "! Nothing matches that yet. Try asking about a color or a category.", nil
}

func keywords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		if len(w) > 2 {
			words[w] = true
		}
	}
	return words
}

func matches(item domain.WardrobeItem, words map[string]bool) bool {
	attrs := []string{item.Category, item.Color}
	attrs = append(attrs, item.Seasons...)
	attrs = append(attrs, item.Styles...)
	attrs = append(attrs, strings.Fields(item.Name)...)
	for _, a := range attrs {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if words[a] || words[strings.TrimSuffix(a, "s")] || words[a+"s"] {
			return true
		}
	}
	return false
}

// fallback uses secondary when primary fails.
type fallback struct {
	primary   Responder
	secondary Responder
	logger    *slog.Logger
}

// WithFallback returns a Responder that answers with secondary whenever
// primary returns an error.
func WithFallback(primary, secondary Responder, logger *slog.Logger) Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *fallback) Respond(ctx context.Context, req Request) (string, error) {
	reply, err := f.primary.Respond(ctx, req)
	if err == nil {
		return reply, nil
	}
	f.logger.Warn("stylist unavailable, answering locally", "error", err)
	return f.secondary.Respond(ctx, req)
}
