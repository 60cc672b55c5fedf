package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/eventbus"
)

// sseBuffer is how many notifications a slow client may fall behind
// before it is disconnected.
const sseBuffer = 32

// EventStream serves bus notifications as server-sent events.
type EventStream struct {
	bus       *eventbus.Bus
	keepalive time.Duration
	retry     time.Duration
	eventID   atomic.Int64
	connID    atomic.Int64
}

// NewEventStream returns an EventStream pinging idle clients every keepalive.
func NewEventStream(bus *eventbus.Bus, keepalive time.Duration) *EventStream {
	return &EventStream{bus: bus, keepalive: keepalive, retry: 5 * time.Second}
}

// ServeHTTP streams ConfigurationDetected, ProfileNotConfigured and
// CollectionUpdated until the client goes away.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	connID := s.connID.Add(1)
	events := make(chan eventbus.Notification, sseBuffer)
	overflow := make(chan struct{})
	var overflowed atomic.Bool

	deliver := func(n eventbus.Notification) {
		select {
		case events <- n:
		default:
			if overflowed.CompareAndSwap(false, true) {
				close(overflow)
			}
		}
	}
	for _, e := range []eventbus.Event{
		eventbus.ConfigurationDetected,
		eventbus.ProfileNotConfigured,
		eventbus.CollectionUpdated,
	} {
		unsubscribe := s.bus.Subscribe(e, deliver)
		defer unsubscribe()
	}

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", s.retry.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "conn_id", connID)
		return
	}
	connected := fmt.Sprintf(`{"status":"connected","conn_id":%d}`, connID)
	if err := writeSSEWithID(w, s.eventID.Add(1), "connected", connected); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "conn_id", connID)
		return
	}
	flusher.Flush()
	slog.Info("SSE connection established", "conn_id", connID)
	defer slog.Info("SSE connection closed", "conn_id", connID)

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			slog.Warn("SSE client fell behind, disconnecting", "conn_id", connID)
			return
		case n := <-events:
			data, err := json.Marshal(n)
			if err != nil {
				slog.Error("failed to marshal SSE notification", "error", err, "conn_id", connID)
				continue
			}
			if err := writeSSEWithID(w, s.eventID.Add(1), n.Event.String(), string(data)); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "conn_id", connID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "conn_id", connID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
