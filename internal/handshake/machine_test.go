package handshake

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/clock"
	"github.com/ashureev/wardrobe-sync/internal/codec"
	"github.com/ashureev/wardrobe-sync/internal/domain"
	"github.com/ashureev/wardrobe-sync/internal/eventbus"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/ashureev/wardrobe-sync/internal/retry"
	"github.com/ashureev/wardrobe-sync/internal/store"
)

// memKV is an in-memory store.KV that counts profile reads.
type memKV struct {
	mu           sync.Mutex
	data         map[string][]byte
	profileReads int
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (s *memKV) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == store.KeyUserProfile {
		s.profileReads++
	}
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *memKV) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memKV) Keys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *memKV) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

func (s *memKV) reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profileReads
}

// fakePeer answers check_configuration through a swappable func.
type fakePeer struct {
	mu        sync.Mutex
	reachable bool
	reply     func(ctx context.Context) (peer.Message, error)
	requests  int
}

func (p *fakePeer) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

func (p *fakePeer) Request(ctx context.Context, msg peer.Message) (peer.Message, error) {
	p.mu.Lock()
	p.requests++
	reply := p.reply
	p.mu.Unlock()
	if reply == nil {
		return peer.Message{}, peer.ErrUnreachable
	}
	return reply(ctx)
}

func (p *fakePeer) set(reachable bool, reply func(ctx context.Context) (peer.Message, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reachable = reachable
	p.reply = reply
}

func replyWith(configured bool, name string) func(context.Context) (peer.Message, error) {
	return func(context.Context) (peer.Message, error) {
		return peer.NewMessage(peer.TypeCheckConfiguration, peer.CheckConfigurationReply{IsConfigured: configured, FirstName: name})
	}
}

// blockUntilCancelled never replies; it returns once ctx ends.
func blockUntilCancelled(started chan<- struct{}) func(context.Context) (peer.Message, error) {
	return func(ctx context.Context) (peer.Message, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return peer.Message{}, ctx.Err()
	}
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Notification
}

func (r *recorder) subscribe(bus *eventbus.Bus) {
	h := func(n eventbus.Notification) {
		r.mu.Lock()
		r.events = append(r.events, n)
		r.mu.Unlock()
	}
	bus.Subscribe(eventbus.ConfigurationDetected, h)
	bus.Subscribe(eventbus.ProfileNotConfigured, h)
}

func (r *recorder) snapshot() []eventbus.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Notification(nil), r.events...)
}

type harness struct {
	m     *Machine
	clock *clock.FakeClock
	kv    *memKV
	peer  *fakePeer
	rec   *recorder
}

func newHarness(t *testing.T, kv store.KV) *harness {
	t.Helper()
	mem, _ := kv.(*memKV)
	if kv == nil {
		mem = newMemKV()
		kv = mem
	}
	h := &harness{
		clock: clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		kv:    mem,
		peer:  &fakePeer{},
		rec:   &recorder{},
	}
	bus := eventbus.New()
	h.rec.subscribe(bus)
	h.m = New(Options{
		Peer:           h.peer,
		Store:          kv,
		Codec:          codec.JSON{},
		Bus:            bus,
		Clock:          h.clock,
		CheckTimeout:   5 * time.Second,
		StartupTimeout: 5 * time.Second,
		Retry:          retry.Fixed(10*time.Second, 6),
	})
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitPhase(t *testing.T, phase Phase) {
	t.Helper()
	waitFor(t, "phase "+phase.String(), func() bool { return h.m.State().Phase == phase })
}

// waitPolling waits until the next periodic re-check is the only pending timer.
func (h *harness) waitPolling(t *testing.T) {
	t.Helper()
	waitFor(t, "armed re-check", func() bool {
		return h.m.Polling() && h.clock.PendingCount() == 1
	})
}

func writeProfile(t *testing.T, kv store.KV, p domain.Profile) {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}
	if err := kv.Set(context.Background(), store.KeyUserProfile, data); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
}

func TestUnreachablePeerFallsBackToStoreWithoutWaiting(t *testing.T) {
	h := newHarness(t, nil)
	writeProfile(t, h.kv, domain.Profile{FirstName: "Ana", IsConfigured: true})
	h.run(t)

	h.waitPhase(t, Configured)

	if got := h.m.State().Identity; got != "Ana" {
		t.Errorf("identity = %q, want Ana", got)
	}
	if h.peer.requests != 0 {
		t.Errorf("unreachable peer received %d requests", h.peer.requests)
	}
	waitFor(t, "timers stopped", func() bool { return h.clock.PendingCount() == 0 })
}

func TestScenarioStoreProfileReachesConfigured(t *testing.T) {
	kv, err := store.Open(filepath.Join(t.TempDir(), "shared.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	shared := kv.Namespace("group.wardrobe")

	h := newHarness(t, shared)
	if got := h.m.State().Phase; got != Unknown {
		t.Fatalf("initial phase = %s, want unknown", got)
	}
	writeProfile(t, shared, domain.Profile{FirstName: "Ana", IsConfigured: true})
	h.run(t)

	h.waitPhase(t, Configured)
	if got := h.m.State(); got.Identity != "Ana" {
		t.Fatalf("state = %+v", got)
	}
	waitFor(t, "ConfigurationDetected", func() bool { return len(h.rec.snapshot()) == 1 })
	n := h.rec.snapshot()[0]
	if n.Event != eventbus.ConfigurationDetected || n.Identity != "Ana" {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestLiveReplyWins(t *testing.T) {
	tests := []struct {
		name       string
		configured bool
		wantPhase  Phase
	}{
		{name: "configured", configured: true, wantPhase: Configured},
		{name: "not configured is terminal", configured: false, wantPhase: NotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			// The store disagrees with the live answer and must not be read.
			writeProfile(t, h.kv, domain.Profile{FirstName: "Stale", IsConfigured: !tt.configured})
			h.peer.set(true, replyWith(tt.configured, "Ana"))
			h.run(t)

			h.waitPhase(t, tt.wantPhase)
			waitFor(t, "timers stopped", func() bool { return h.clock.PendingCount() == 0 })
			if h.m.Polling() {
				t.Error("polling armed after live answer")
			}
			if h.kv.reads() != 0 {
				t.Errorf("store read %d times despite live answer", h.kv.reads())
			}
		})
	}
}

func TestTransportErrorFallsBackToStore(t *testing.T) {
	h := newHarness(t, nil)
	writeProfile(t, h.kv, domain.Profile{FirstName: "Ana", IsConfigured: true})
	h.peer.set(true, func(context.Context) (peer.Message, error) {
		return peer.Message{}, peer.ErrRejected
	})
	h.run(t)

	h.waitPhase(t, Configured)
	if h.kv.reads() != 1 {
		t.Errorf("profile reads = %d, want 1", h.kv.reads())
	}
}

func TestLiveReplyWithBlankIdentityIsNotTrusted(t *testing.T) {
	tests := []struct {
		name      string
		stored    *domain.Profile
		wantPhase Phase
		wantName  string
	}{
		{name: "store has a profile", stored: &domain.Profile{FirstName: "Ana", IsConfigured: true}, wantPhase: Configured, wantName: "Ana"},
		{name: "store is empty", wantPhase: NotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			if tt.stored != nil {
				writeProfile(t, h.kv, *tt.stored)
			}
			h.peer.set(true, replyWith(true, "   "))
			h.run(t)

			h.waitPhase(t, tt.wantPhase)
			if got := h.m.State().Identity; got != tt.wantName {
				t.Errorf("identity = %q, want %q", got, tt.wantName)
			}
			if h.kv.reads() != 1 {
				t.Errorf("profile reads = %d, want 1", h.kv.reads())
			}
			if tt.wantPhase == NotConfigured {
				h.waitPolling(t)
			}
		})
	}
}

func TestLiveCheckTimeoutFallsBackToStore(t *testing.T) {
	h := newHarness(t, nil)
	h.m.startupTimeout = time.Minute
	writeProfile(t, h.kv, domain.Profile{FirstName: "Ana", IsConfigured: true})
	started := make(chan struct{}, 1)
	h.peer.set(true, blockUntilCancelled(started))
	h.run(t)

	<-started
	h.clock.WaitForTimers(2)
	if got := h.m.State().Phase; got != Checking {
		t.Fatalf("phase = %s before timeout, want checking", got)
	}

	h.clock.Advance(5 * time.Second)
	h.waitPhase(t, Configured)
}

func TestBoundedTermination(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)

	h.waitPhase(t, NotConfigured)
	for i := 1; i <= 6; i++ {
		h.waitPolling(t)
		h.clock.Advance(10 * time.Second)
		waitFor(t, "re-check", func() bool {
			return h.m.Attempts() == i && h.kv.reads() == i+1 && h.m.State().Phase == NotConfigured
		})
	}

	waitFor(t, "polling stopped", func() bool { return !h.m.Polling() && h.clock.PendingCount() == 0 })
	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)

	if got := h.kv.reads(); got != 7 {
		t.Errorf("profile reads = %d, want 7 (initial check plus 6 re-checks)", got)
	}
	if got := h.m.Attempts(); got != 6 {
		t.Errorf("attempts = %d, want 6", got)
	}
	if got := h.rec.snapshot(); len(got) != 1 || got[0].Event != eventbus.ProfileNotConfigured {
		t.Errorf("expected a single ProfileNotConfigured, got %+v", got)
	}
}

func TestDecodeFailurePurgesRecord(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.kv.Set(context.Background(), store.KeyUserProfile, []byte("{corrupt")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	h.run(t)

	h.waitPhase(t, NotConfigured)
	waitFor(t, "purge", func() bool { return !h.kv.has(store.KeyUserProfile) })
}

func TestUnconfiguredRecordIsNotConfigured(t *testing.T) {
	tests := []struct {
		name    string
		profile domain.Profile
	}{
		{name: "flag unset", profile: domain.Profile{FirstName: "Ana"}},
		{name: "blank identity", profile: domain.Profile{FirstName: "  ", IsConfigured: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			writeProfile(t, h.kv, tt.profile)
			h.run(t)

			h.waitPhase(t, NotConfigured)
			h.waitPolling(t)
			if !h.kv.has(store.KeyUserProfile) {
				t.Error("decodable record was purged")
			}
		})
	}
}

func TestProfileDeletedShortCircuitsInFlightCheck(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	h.waitPhase(t, NotConfigured)
	h.waitPolling(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.peer.set(true, func(ctx context.Context) (peer.Message, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return peer.Message{}, ctx.Err()
		}
		return peer.NewMessage(peer.TypeCheckConfiguration, peer.CheckConfigurationReply{IsConfigured: true, FirstName: "Ana"})
	})

	h.clock.Advance(10 * time.Second)
	<-started
	h.waitPhase(t, Checking)

	h.m.ProfileDeleted()
	h.waitPhase(t, NotConfigured)
	waitFor(t, "timers cancelled", func() bool { return h.clock.PendingCount() == 0 && !h.m.Polling() })

	close(release)
	time.Sleep(20 * time.Millisecond)
	if got := h.m.State(); got.Phase != NotConfigured {
		t.Fatalf("late reply changed state to %+v", got)
	}
	h.clock.Advance(time.Hour)
	if h.m.Polling() || h.m.State().Phase != NotConfigured {
		t.Fatalf("polling resumed after deletion: %+v", h.m.State())
	}
}

func TestProfileDeletedFromConfigured(t *testing.T) {
	h := newHarness(t, nil)
	h.peer.set(true, replyWith(true, "Ana"))
	h.run(t)
	h.waitPhase(t, Configured)

	h.m.ProfileDeleted()

	h.waitPhase(t, NotConfigured)
	waitFor(t, "notifications", func() bool { return len(h.rec.snapshot()) == 2 })
	got := h.rec.snapshot()
	if got[0].Event != eventbus.ConfigurationDetected || got[1].Event != eventbus.ProfileNotConfigured {
		t.Fatalf("unexpected notifications %+v", got)
	}
}

func TestRecheckAfterExhaustionReachesConfigured(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	h.waitPhase(t, NotConfigured)
	for i := 1; i <= 6; i++ {
		h.waitPolling(t)
		h.clock.Advance(10 * time.Second)
		waitFor(t, "re-check", func() bool { return h.m.Attempts() == i && h.kv.reads() == i+1 })
	}
	waitFor(t, "polling stopped", func() bool { return !h.m.Polling() && h.clock.PendingCount() == 0 })
	h.m.ProfileDeleted()

	// The primary pushes a profile after polling stopped; only an external
	// trigger can pick it up.
	writeProfile(t, h.kv, domain.Profile{FirstName: "Ana", IsConfigured: true})
	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if got := h.m.State().Phase; got != NotConfigured {
		t.Fatalf("dead timer re-checked: phase %s", got)
	}

	h.m.Wake()
	h.waitPhase(t, Configured)
	if got := h.m.State().Identity; got != "Ana" {
		t.Errorf("identity = %q, want Ana", got)
	}
}

func TestSignalRestoresPollingBudget(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	h.waitPhase(t, NotConfigured)
	for i := 1; i <= 3; i++ {
		h.waitPolling(t)
		h.clock.Advance(10 * time.Second)
		waitFor(t, "re-check", func() bool { return h.m.Attempts() == i })
	}

	h.m.Signal()
	waitFor(t, "budget reset", func() bool { return h.m.Attempts() == 0 && h.kv.reads() == 5 })
	h.waitPolling(t)
}

func TestSignalDuringCheckTriggersRecheck(t *testing.T) {
	h := newHarness(t, nil)
	h.m.startupTimeout = time.Minute
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	h.peer.set(true, func(ctx context.Context) (peer.Message, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return peer.Message{}, ctx.Err()
		}
		return peer.NewMessage(peer.TypeCheckConfiguration, peer.CheckConfigurationReply{})
	})
	h.run(t)
	<-started

	h.m.Signal()
	time.Sleep(10 * time.Millisecond)
	h.peer.set(true, replyWith(true, "Ana"))
	close(release)

	h.waitPhase(t, Configured)
	if h.m.Polling() {
		t.Error("polling armed after configured")
	}
}

func TestSignalWhileConfiguredKeepsPhaseVisible(t *testing.T) {
	h := newHarness(t, nil)
	h.peer.set(true, replyWith(true, "Ana"))
	h.run(t)
	h.waitPhase(t, Configured)

	release := make(chan struct{})
	started := make(chan struct{}, 3)
	h.peer.set(true, func(ctx context.Context) (peer.Message, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return peer.Message{}, ctx.Err()
		}
		return peer.NewMessage(peer.TypeCheckConfiguration, peer.CheckConfigurationReply{IsConfigured: true, FirstName: "Ana"})
	})

	for i := 0; i < 3; i++ {
		h.m.Signal()
	}
	<-started
	if got := h.m.State(); got.Phase != Configured || got.Identity != "Ana" {
		t.Fatalf("state during re-check = %+v, want configured Ana", got)
	}
	close(release)

	waitFor(t, "re-checks done", func() bool {
		h.peer.mu.Lock()
		defer h.peer.mu.Unlock()
		return h.peer.requests == 3
	})
	time.Sleep(20 * time.Millisecond)
	if got := h.m.State(); got.Phase != Configured {
		t.Fatalf("state after re-checks = %+v", got)
	}
	if got := h.rec.snapshot(); len(got) != 1 {
		t.Errorf("notifications = %+v, want a single ConfigurationDetected", got)
	}
}

func TestStartupSafetyTimeoutResolvesFirstCheck(t *testing.T) {
	h := newHarness(t, nil)
	h.m.checkTimeout = time.Minute
	started := make(chan struct{}, 1)
	h.peer.set(true, blockUntilCancelled(started))
	h.run(t)

	<-started
	h.clock.WaitForTimers(2)
	h.clock.Advance(5 * time.Second)

	h.waitPhase(t, NotConfigured)
	h.waitPolling(t)
	waitFor(t, "ProfileNotConfigured", func() bool { return len(h.rec.snapshot()) == 1 })
}

func TestRunTwiceFails(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	waitFor(t, "running", func() bool { return h.m.running.Load() })

	if err := h.m.Run(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("second Run() = %v, want ErrAlreadyRunning", err)
	}
}

func TestRunStopsTimersOnShutdown(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()
	h.waitPhase(t, NotConfigured)
	h.waitPolling(t)

	cancel()
	<-done

	if h.clock.PendingCount() != 0 {
		t.Fatalf("pending timers after shutdown: %d", h.clock.PendingCount())
	}
}

func TestPhaseNames(t *testing.T) {
	data, err := json.Marshal(State{Phase: NotConfigured})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"phase":"not_configured"}` {
		t.Fatalf("unexpected json %s", data)
	}
	if (State{Phase: Checking}).Settled() {
		t.Error("checking reported settled")
	}
}
