// Package eventbus fans state changes out to in-process observers.
package eventbus

import (
	"sync"
	"time"
)

// Event is the closed set of notifications published on the bus.
type Event int

const (
	// ConfigurationDetected is published when the companion becomes configured.
	ConfigurationDetected Event = iota + 1
	// ProfileNotConfigured is published when the companion resolves to not configured.
	ProfileNotConfigured
	// CollectionUpdated is published when a mirrored collection was re-read or purged.
	CollectionUpdated
)

func (e Event) String() string {
	switch e {
	case ConfigurationDetected:
		return "ConfigurationDetected"
	case ProfileNotConfigured:
		return "ProfileNotConfigured"
	case CollectionUpdated:
		return "CollectionUpdated"
	default:
		return "Unknown"
	}
}

// MarshalText renders the event by name.
func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Notification is what handlers receive.
type Notification struct {
	Event      Event     `json:"event"`
	Identity   string    `json:"identity,omitempty"`
	Collection string    `json:"collection,omitempty"`
	At         time.Time `json:"at"`
}

// Handler observes a notification. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Notification)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous typed publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Event][]subscription
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Event][]subscription)}
}

// Subscribe registers h for e and returns a func that removes it.
func (b *Bus) Subscribe(e Event, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[e] = append(b.subs[e], subscription{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, s := range subs {
				if s.id == id {
					b.subs[e] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish calls every handler registered for n.Event in registration order.
func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[n.Event]))
	copy(subs, b.subs[n.Event])
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(n)
	}
}
