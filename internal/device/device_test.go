package device

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/codec"
	"github.com/ashureev/wardrobe-sync/internal/domain"
	"github.com/ashureev/wardrobe-sync/internal/eventbus"
	"github.com/ashureev/wardrobe-sync/internal/handshake"
	"github.com/ashureev/wardrobe-sync/internal/middleware"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/ashureev/wardrobe-sync/internal/retry"
	"github.com/ashureev/wardrobe-sync/internal/store"
	"github.com/ashureev/wardrobe-sync/internal/stylist"
)

const testToken = "pairing-token"

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type stores struct {
	shared store.KV
	local  store.KV
}

func openStores(t *testing.T) stores {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "shared.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return stores{shared: db.Namespace("group.wardrobe"), local: db.Namespace("companion.local")}
}

func startPrimary(t *testing.T, s stores) (*Primary, string) {
	t.Helper()
	p, err := NewPrimary(PrimaryOptions{Shared: s.shared, Codec: codec.JSON{}, RepeatCount: 1})
	if err != nil {
		t.Fatalf("NewPrimary() error = %v", err)
	}
	srv := httptest.NewServer(middleware.PeerAuth(testToken)(p.PeerHandler(nil)))
	t.Cleanup(func() {
		p.Close()
		srv.Close()
	})
	return p, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startCompanion(t *testing.T, s stores, url, token string) *Companion {
	t.Helper()
	c, err := NewCompanion(CompanionOptions{
		Shared:         s.shared,
		Local:          s.local,
		Codec:          codec.JSON{},
		PeerURL:        url,
		PeerToken:      token,
		DeviceName:     "watch-test",
		RequestTimeout: time.Second,
		Reconnect:      retry.Policy{Interval: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond},
		CheckTimeout:   500 * time.Millisecond,
		StartupTimeout: time.Second,
		Retry:          retry.Fixed(50*time.Millisecond, 3),
	})
	if err != nil {
		t.Fatalf("NewCompanion() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("companion did not stop")
		}
	})
	return c
}

type notifications struct {
	mu   sync.Mutex
	seen []eventbus.Notification
}

func (n *notifications) record(bus *eventbus.Bus, events ...eventbus.Event) {
	for _, e := range events {
		bus.Subscribe(e, func(got eventbus.Notification) {
			n.mu.Lock()
			n.seen = append(n.seen, got)
			n.mu.Unlock()
		})
	}
}

func (n *notifications) count(e eventbus.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, got := range n.seen {
		if got.Event == e {
			total++
		}
	}
	return total
}

func TestEndToEndConfigurationAndSync(t *testing.T) {
	s := openStores(t)
	primary, url := startPrimary(t, s)
	ctx := context.Background()

	if err := primary.SaveProfile(ctx, domain.Profile{FirstName: "Ana", IsConfigured: true}); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}

	companion := startCompanion(t, s, url, testToken)
	waitFor(t, "configured", func() bool {
		st := companion.State()
		return st.Phase == handshake.Configured && st.Identity == "Ana"
	})
	waitFor(t, "link", func() bool { return primary.Session().Reachable })
	if remote := primary.Session().Remote; remote != "watch-test" {
		t.Errorf("remote = %q, want watch-test", remote)
	}

	items := []domain.WardrobeItem{{ID: "1", Name: "Denim jacket", Category: "outerwear", Color: "blue"}}
	if err := primary.SaveCollection(ctx, store.KeyWardrobeItems, items); err != nil {
		t.Fatalf("SaveCollection() error = %v", err)
	}
	waitFor(t, "mirrored wardrobe", func() bool {
		got, err := companion.Mirror().WardrobeItems(ctx)
		return err == nil && len(got) == 1 && got[0].Name == "Denim jacket"
	})

	reply, err := companion.Chat(ctx, "something blue please")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !strings.Contains(reply, "Denim jacket") || !strings.Contains(reply, "Ana") {
		t.Errorf("unexpected reply %q", reply)
	}
	waitFor(t, "mirrored transcript", func() bool {
		convs, err := companion.Mirror().Conversations(ctx)
		return err == nil && len(convs) == 1 && len(convs[0].Messages) == 2
	})
}

func TestEndToEndDeletionAndReconfiguration(t *testing.T) {
	s := openStores(t)
	primary, url := startPrimary(t, s)
	ctx := context.Background()

	if err := primary.SaveProfile(ctx, domain.Profile{FirstName: "Ana", IsConfigured: true}); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}
	companion := startCompanion(t, s, url, testToken)
	var seen notifications
	seen.record(companion.Bus(), eventbus.ConfigurationDetected, eventbus.ProfileNotConfigured)

	waitFor(t, "configured", func() bool { return companion.State().Phase == handshake.Configured })
	waitFor(t, "link", func() bool { return primary.Session().Reachable })

	if err := primary.DeleteProfile(ctx); err != nil {
		t.Fatalf("DeleteProfile() error = %v", err)
	}
	waitFor(t, "not configured", func() bool { return companion.State().Phase == handshake.NotConfigured })
	if companion.Polling() {
		t.Error("polling continued after deletion")
	}
	p, err := companion.Mirror().UserProfile(ctx)
	if err != nil || p != nil {
		t.Fatalf("UserProfile() = %+v, %v after deletion", p, err)
	}

	if err := primary.SaveProfile(ctx, domain.Profile{FirstName: "Bea", IsConfigured: true}); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}
	waitFor(t, "reconfigured", func() bool {
		st := companion.State()
		return st.Phase == handshake.Configured && st.Identity == "Bea"
	})
	if seen.count(eventbus.ProfileNotConfigured) == 0 {
		t.Error("ProfileNotConfigured never published")
	}
	if seen.count(eventbus.ConfigurationDetected) == 0 {
		t.Error("ConfigurationDetected never published")
	}
}

func TestCompanionFallsBackToStoreWithoutPrimary(t *testing.T) {
	s := openStores(t)
	seed, err := NewPrimary(PrimaryOptions{Shared: s.shared})
	if err != nil {
		t.Fatalf("NewPrimary() error = %v", err)
	}
	if err := seed.SaveProfile(context.Background(), domain.Profile{FirstName: "Ana", IsConfigured: true}); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}

	companion := startCompanion(t, s, "ws://127.0.0.1:1/ws/peer", testToken)

	waitFor(t, "configured from store", func() bool {
		st := companion.State()
		return st.Phase == handshake.Configured && st.Identity == "Ana"
	})
	if companion.Session().Reachable {
		t.Error("session reachable without a primary")
	}
	if _, err := companion.Chat(context.Background(), "hello"); !errors.Is(err, peer.ErrUnreachable) {
		t.Errorf("Chat() error = %v, want ErrUnreachable", err)
	}
}

func TestCompanionPollingIsBounded(t *testing.T) {
	s := openStores(t)
	companion := startCompanion(t, s, "ws://127.0.0.1:1/ws/peer", testToken)

	waitFor(t, "polling exhausted", func() bool {
		return companion.State().Phase == handshake.NotConfigured && companion.Attempts() == 3 && !companion.Polling()
	})

	companion.Recheck()
	waitFor(t, "fresh budget", func() bool { return companion.Polling() || companion.Attempts() < 3 })
}

func TestWrongTokenNeverActivates(t *testing.T) {
	s := openStores(t)
	primary, url := startPrimary(t, s)

	companion := startCompanion(t, s, url, "wrong")

	waitFor(t, "failed dial", func() bool { return companion.Session().State == peer.Failed })
	if primary.Session().Reachable {
		t.Error("primary accepted a link with the wrong token")
	}
}

func TestLifecycleEvents(t *testing.T) {
	s := openStores(t)
	primary, _ := startPrimary(t, s)
	ctx := context.Background()

	if err := primary.Lifecycle(ctx, "foregrounded"); err != nil {
		t.Errorf("Lifecycle(foregrounded) error = %v", err)
	}
	if err := primary.Lifecycle(ctx, "crashed"); !errors.Is(err, ErrUnknownLifecycleEvent) {
		t.Errorf("Lifecycle(crashed) error = %v, want ErrUnknownLifecycleEvent", err)
	}
}

func TestEmptyChatIsRejectedLocally(t *testing.T) {
	s := openStores(t)
	companion := startCompanion(t, s, "ws://127.0.0.1:1/ws/peer", testToken)

	if _, err := companion.Chat(context.Background(), "   "); !errors.Is(err, stylist.ErrEmptyMessage) {
		t.Errorf("Chat() error = %v, want ErrEmptyMessage", err)
	}
}
