// Package api provides the HTTP handlers the device UIs talk to.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/codec"
	"github.com/ashureev/wardrobe-sync/internal/domain"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/ashureev/wardrobe-sync/internal/store"
	"github.com/ashureev/wardrobe-sync/internal/stylist"
	"github.com/go-chi/chi/v5"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Pinger is implemented by the shared store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stylist.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, peer.ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, peer.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, peer.ErrRejected):
		return http.StatusBadGateway
	case errors.Is(err, codec.ErrDecode):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// collection describes one derived collection exposed over HTTP.
type collection struct {
	key string
	new func() any
}

var collections = map[string]collection{
	"wardrobe":      {key: store.KeyWardrobeItems, new: func() any { return &[]domain.WardrobeItem{} }},
	"favorites":     {key: store.KeyFavoriteOutfits, new: func() any { return &[]domain.Outfit{} }},
	"history":       {key: store.KeyOutfitHistory, new: func() any { return &[]domain.HistoryEntry{} }},
	"conversations": {key: store.KeyChatConversations, new: func() any { return &[]domain.Conversation{} }},
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store   Pinger
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(s Pinger) *HealthHandler {
	return &HealthHandler{store: s, timeout: 5 * time.Second}
}

// Health returns the health status of the API and the shared store.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "store": "ok"}
	status := map[string]interface{}{"status": "healthy", "checks": checks}
	statusCode := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the detailed health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
