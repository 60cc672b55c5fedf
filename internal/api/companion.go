package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/domain"
	"github.com/ashureev/wardrobe-sync/internal/eventbus"
	"github.com/ashureev/wardrobe-sync/internal/handshake"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/go-chi/chi/v5"
)

// CompanionDevice is what the companion's API drives.
type CompanionDevice interface {
	State() handshake.State
	Attempts() int
	Polling() bool
	Recheck()
	Session() peer.Session
	Chat(ctx context.Context, text string) (string, error)
}

// MirrorReader reads the mirrored collections.
type MirrorReader interface {
	UserProfile(ctx context.Context) (*domain.Profile, error)
	WardrobeItems(ctx context.Context) ([]domain.WardrobeItem, error)
	Favorites(ctx context.Context) ([]domain.Outfit, error)
	History(ctx context.Context) ([]domain.HistoryEntry, error)
	Conversations(ctx context.Context) ([]domain.Conversation, error)
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	handshake.State
	Loading  bool         `json:"loading"`
	Attempts int          `json:"attempts"`
	Polling  bool         `json:"polling"`
	Peer     peer.Session `json:"peer"`
}

// CompanionHandler serves the watch UI's API.
type CompanionHandler struct {
	dev    CompanionDevice
	mirror MirrorReader
	stream *EventStream
}

// NewCompanionHandler creates a CompanionHandler.
func NewCompanionHandler(dev CompanionDevice, mirror MirrorReader, bus *eventbus.Bus) *CompanionHandler {
	return &CompanionHandler{
		dev:    dev,
		mirror: mirror,
		stream: NewEventStream(bus, 10*time.Second),
	}
}

// RegisterRoutes registers the companion routes.
func (h *CompanionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/profile", h.GetProfile)
		r.Get("/wardrobe", serveList(h.mirror.WardrobeItems))
		r.Get("/favorites", serveList(h.mirror.Favorites))
		r.Get("/history", serveList(h.mirror.History))
		r.Get("/conversations", serveList(h.mirror.Conversations))
		r.Post("/recheck", h.Recheck)
		r.Post("/chat", h.Chat)
		r.Get("/events", h.stream.ServeHTTP)
		r.Get("/peer", h.Peer)
	})
}

// GetState returns the configuration state.
func (h *CompanionHandler) GetState(w http.ResponseWriter, _ *http.Request) {
	st := h.dev.State()
	JSON(w, http.StatusOK, StateResponse{
		State:    st,
		Loading:  !st.Settled(),
		Attempts: h.dev.Attempts(),
		Polling:  h.dev.Polling(),
		Peer:     h.dev.Session(),
	})
}

// GetProfile returns the mirrored profile.
func (h *CompanionHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.mirror.UserProfile(r.Context())
	if err != nil {
		slog.Error("Failed to read mirrored profile", "error", err)
		Error(w, statusFor(err), "failed to read profile")
		return
	}
	if p == nil {
		Error(w, http.StatusNotFound, "no profile")
		return
	}
	JSON(w, http.StatusOK, p)
}

// serveList adapts a mirror reader to a handler. Absent collections are
// served as empty lists.
func serveList[T any](read func(ctx context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := read(r.Context())
		if err != nil {
			slog.Error("Failed to read mirrored collection", "path", r.URL.Path, "error", err)
			Error(w, statusFor(err), "failed to read collection")
			return
		}
		if items == nil {
			items = []T{}
		}
		JSON(w, http.StatusOK, items)
	}
}

// Recheck is the external wake.
func (h *CompanionHandler) Recheck(w http.ResponseWriter, _ *http.Request) {
	h.dev.Recheck()
	JSON(w, http.StatusAccepted, map[string]string{"status": "checking"})
}

type chatRequest struct {
	Text string `json:"text"`
}

// Chat relays a message to the primary's stylist.
func (h *CompanionHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid chat message")
		return
	}
	reply, err := h.dev.Chat(r.Context(), req.Text)
	if err != nil {
		slog.Warn("Chat failed", "error", err)
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"response": reply})
}

// Peer returns the link state.
func (h *CompanionHandler) Peer(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.dev.Session())
}
