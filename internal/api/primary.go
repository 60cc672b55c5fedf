package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/wardrobe-sync/internal/device"
	"github.com/ashureev/wardrobe-sync/internal/domain"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/go-chi/chi/v5"
)

// PrimaryDevice is what the primary's API drives.
type PrimaryDevice interface {
	Profile(ctx context.Context) (*domain.Profile, error)
	SaveProfile(ctx context.Context, p domain.Profile) error
	DeleteProfile(ctx context.Context) error
	Collection(ctx context.Context, key string, v any) (bool, error)
	SaveCollection(ctx context.Context, key string, items any) error
	Lifecycle(ctx context.Context, event string) error
	Session() peer.Session
}

// PrimaryHandler serves the phone app's API.
type PrimaryHandler struct {
	dev PrimaryDevice
}

// NewPrimaryHandler creates a PrimaryHandler.
func NewPrimaryHandler(dev PrimaryDevice) *PrimaryHandler {
	return &PrimaryHandler{dev: dev}
}

// RegisterRoutes registers the primary routes.
func (h *PrimaryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/profile", h.GetProfile)
		r.Put("/profile", h.PutProfile)
		r.Delete("/profile", h.DeleteProfile)
		r.Get("/collections/{kind}", h.GetCollection)
		r.Put("/collections/{kind}", h.PutCollection)
		r.Post("/lifecycle/{event}", h.Lifecycle)
		r.Get("/peer", h.Peer)
	})
}

// GetProfile returns the stored profile.
func (h *PrimaryHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.dev.Profile(r.Context())
	if err != nil {
		slog.Error("Failed to read profile", "error", err)
		Error(w, statusFor(err), "failed to read profile")
		return
	}
	if p == nil {
		Error(w, http.StatusNotFound, "no profile")
		return
	}
	JSON(w, http.StatusOK, p)
}

// PutProfile replaces the profile and pushes it to the companion.
func (h *PrimaryHandler) PutProfile(w http.ResponseWriter, r *http.Request) {
	var p domain.Profile
	if err := decodeBody(r, &p); err != nil {
		Error(w, http.StatusBadRequest, "invalid profile")
		return
	}
	if err := h.dev.SaveProfile(r.Context(), p); err != nil {
		slog.Error("Failed to save profile", "error", err)
		Error(w, statusFor(err), "failed to save profile")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":       "saved",
		"isConfigured": p.Configured(),
	})
}

// DeleteProfile removes the profile and every derived collection.
func (h *PrimaryHandler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.dev.DeleteProfile(r.Context()); err != nil {
		slog.Error("Failed to delete profile", "error", err)
		Error(w, statusFor(err), "failed to delete profile")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetCollection returns one derived collection.
func (h *PrimaryHandler) GetCollection(w http.ResponseWriter, r *http.Request) {
	c, ok := collections[chi.URLParam(r, "kind")]
	if !ok {
		Error(w, http.StatusNotFound, "unknown collection")
		return
	}
	v := c.new()
	if _, err := h.dev.Collection(r.Context(), c.key, v); err != nil {
		slog.Error("Failed to read collection", "collection", c.key, "error", err)
		Error(w, statusFor(err), "failed to read collection")
		return
	}
	JSON(w, http.StatusOK, v)
}

// PutCollection replaces one derived collection.
func (h *PrimaryHandler) PutCollection(w http.ResponseWriter, r *http.Request) {
	c, ok := collections[chi.URLParam(r, "kind")]
	if !ok {
		Error(w, http.StatusNotFound, "unknown collection")
		return
	}
	v := c.new()
	if err := decodeBody(r, v); err != nil {
		Error(w, http.StatusBadRequest, "invalid collection")
		return
	}
	if err := h.dev.SaveCollection(r.Context(), c.key, v); err != nil {
		slog.Error("Failed to save collection", "collection", c.key, "error", err)
		Error(w, statusFor(err), "failed to save collection")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "saved", "collection": c.key})
}

// Lifecycle reports an app lifecycle event.
func (h *PrimaryHandler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	err := h.dev.Lifecycle(r.Context(), event)
	if errors.Is(err, device.ErrUnknownLifecycleEvent) {
		Error(w, http.StatusNotFound, "unknown lifecycle event")
		return
	}
	if err != nil {
		slog.Error("Failed to push profile", "event", event, "error", err)
		Error(w, statusFor(err), "failed to push profile")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "pushing", "event": event})
}

// Peer returns the link state.
func (h *PrimaryHandler) Peer(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.dev.Session())
}
