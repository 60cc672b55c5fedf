package eventbus

import (
	"testing"
)

func TestPublishRunsHandlersInRegistrationOrder(t *testing.T) {
	bus := New()
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe(ConfigurationDetected, func(Notification) { order = append(order, i) })
	}

	bus.Publish(Notification{Event: ConfigurationDetected, Identity: "Ana"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestPublishOnlyReachesMatchingEvent(t *testing.T) {
	bus := New()
	detected, notConfigured := 0, 0
	bus.Subscribe(ConfigurationDetected, func(Notification) { detected++ })
	bus.Subscribe(ProfileNotConfigured, func(Notification) { notConfigured++ })

	bus.Publish(Notification{Event: ProfileNotConfigured})

	if detected != 0 || notConfigured != 1 {
		t.Fatalf("detected=%d notConfigured=%d", detected, notConfigured)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := New()
	calls := 0
	unsubscribe := bus.Subscribe(CollectionUpdated, func(Notification) { calls++ })
	other := 0
	bus.Subscribe(CollectionUpdated, func(Notification) { other++ })

	unsubscribe()
	unsubscribe()
	bus.Publish(Notification{Event: CollectionUpdated, Collection: "wardrobe_items"})

	if calls != 0 {
		t.Errorf("unsubscribed handler ran %d times", calls)
	}
	if other != 1 {
		t.Errorf("remaining handler ran %d times", other)
	}
}

func TestPublishStampsTime(t *testing.T) {
	bus := New()
	var got Notification
	bus.Subscribe(ConfigurationDetected, func(n Notification) { got = n })

	bus.Publish(Notification{Event: ConfigurationDetected})

	if got.At.IsZero() {
		t.Fatal("expected publish time to be set")
	}
}

func TestHandlerMaySubscribeDuringPublish(t *testing.T) {
	bus := New()
	bus.Subscribe(ConfigurationDetected, func(Notification) {
		bus.Subscribe(ConfigurationDetected, func(Notification) {})
	})

	done := make(chan struct{})
	go func() {
		bus.Publish(Notification{Event: ConfigurationDetected})
		close(done)
	}()
	<-done
}

func TestEventString(t *testing.T) {
	if ConfigurationDetected.String() != "ConfigurationDetected" {
		t.Errorf("unexpected name %q", ConfigurationDetected.String())
	}
	if Event(99).String() != "Unknown" {
		t.Errorf("unexpected name for unknown event %q", Event(99).String())
	}
}
