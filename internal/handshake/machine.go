package handshake

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/clock"
	"github.com/ashureev/wardrobe-sync/internal/codec"
	"github.com/ashureev/wardrobe-sync/internal/eventbus"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/ashureev/wardrobe-sync/internal/retry"
	"github.com/ashureev/wardrobe-sync/internal/store"
)

// Defaults for Options fields left zero.
const (
	DefaultCheckTimeout    = 5 * time.Second
	DefaultStartupTimeout  = 5 * time.Second
	DefaultRetryInterval   = 10 * time.Second
	DefaultRetryMaxAttempt = 6
)

// ErrAlreadyRunning is returned by a second concurrent Run.
var ErrAlreadyRunning = errors.New("handshake already running")

// Requester is the part of the peer transport the machine uses.
type Requester interface {
	Reachable() bool
	Request(ctx context.Context, msg peer.Message) (peer.Message, error)
}

// Options configures a Machine.
type Options struct {
	Peer   Requester
	Store  store.KV
	Codec  codec.Codec
	Bus    *eventbus.Bus
	Clock  clock.Clock
	Logger *slog.Logger

	CheckTimeout   time.Duration
	StartupTimeout time.Duration
	// Retry bounds polling while not configured.
	Retry retry.Policy
}

type eventKind int

const (
	evWake eventKind = iota
	evSignal
	evDeleted
	evResult
	evRetry
	evStartupTimeout
)

type event struct {
	kind     eventKind
	gen      uint64
	attempt  int
	result   outcome
	identity string
}

// Machine is the configuration handshake state machine.
type Machine struct {
	peer           Requester
	store          store.KV
	codec          codec.Codec
	bus            *eventbus.Bus
	clock          clock.Clock
	logger         *slog.Logger
	checkTimeout   time.Duration
	startupTimeout time.Duration

	events  chan event
	done    chan struct{}
	running atomic.Bool

	mu    sync.RWMutex
	state State

	// Owned by the run loop.
	schedule    *retry.Schedule
	gen         uint64
	inFlight    bool
	recheck     bool
	cancelCheck context.CancelFunc
	safety      *clock.Timer
	published   *State
}

// New returns a machine in the Unknown phase. Nothing happens until Run.
func New(opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.Retry.Interval <= 0 {
		opts.Retry = retry.Fixed(DefaultRetryInterval, DefaultRetryMaxAttempt)
	}

	m := &Machine{
		peer:           opts.Peer,
		store:          opts.Store,
		codec:          opts.Codec,
		bus:            opts.Bus,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "handshake"),
		checkTimeout:   opts.CheckTimeout,
		startupTimeout: opts.StartupTimeout,
		events:         make(chan event, 16),
		done:           make(chan struct{}),
	}
	m.schedule = retry.NewSchedule(opts.Clock, opts.Retry, func(attempt int) {
		m.post(event{kind: evRetry, attempt: attempt})
	})
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Attempts returns how many periodic re-checks have fired since the last
// external signal.
func (m *Machine) Attempts() int {
	return m.schedule.Fired()
}

// Polling reports whether a periodic re-check is pending.
func (m *Machine) Polling() bool {
	return m.schedule.Armed()
}

// Wake starts a fresh check with a full polling budget.
func (m *Machine) Wake() { m.post(event{kind: evWake}) }

// Signal reports a profile push or a ConfigurationDetected notice from
// the primary. It starts a fresh check with a full polling budget.
func (m *Machine) Signal() { m.post(event{kind: evSignal}) }

// ProfileDeleted forces NotConfigured, discarding any in-flight check and
// stopping polling.
func (m *Machine) ProfileDeleted() { m.post(event{kind: evDeleted}) }

func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Run drives the machine until ctx ends. The first check starts
// immediately and is bounded by the startup timeout.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.done)
	defer m.teardown()

	m.startCheck(ctx, "startup")
	gen := m.gen
	m.safety = m.clock.AfterFunc(m.startupTimeout, func() {
		m.post(event{kind: evStartupTimeout, gen: gen})
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

func (m *Machine) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evWake, evSignal:
		m.schedule.Reset()
		if m.inFlight {
			m.recheck = true
			return
		}
		m.startCheck(ctx, triggerName(ev.kind))

	case evDeleted:
		m.abandonCheck()
		m.recheck = false
		m.schedule.Stop()
		m.logger.Info("profile deleted on primary")
		m.settle(State{Phase: NotConfigured})

	case evRetry:
		if m.inFlight || m.State().Phase == Configured {
			return
		}
		m.logger.Debug("periodic configuration re-check", "attempt", ev.attempt)
		m.startCheck(ctx, "retry")

	case evStartupTimeout:
		if ev.gen != m.gen || !m.inFlight {
			return
		}
		m.logger.Warn("first configuration check timed out", "timeout", m.startupTimeout.String())
		m.abandonCheck()
		m.resolve(ctx, outcomeRetryLater, "")

	case evResult:
		if ev.gen != m.gen || !m.inFlight {
			m.logger.Debug("dropping superseded check result", "generation", ev.gen)
			return
		}
		m.inFlight = false
		m.cancelCheck()
		m.cancelCheck = nil
		m.resolve(ctx, ev.result, ev.identity)
	}
}

func triggerName(k eventKind) string {
	if k == evSignal {
		return "signal"
	}
	return "wake"
}

// resolve applies the outcome of the current attempt.
func (m *Machine) resolve(ctx context.Context, o outcome, identity string) {
	m.safety.Stop()
	m.safety = nil
	recheck := m.recheck
	m.recheck = false

	switch o {
	case outcomeConfigured:
		m.schedule.Stop()
		m.settle(State{Phase: Configured, Identity: identity})
	case outcomeNotConfigured:
		m.schedule.Stop()
		m.settle(State{Phase: NotConfigured})
	case outcomeRetryLater:
		m.settle(State{Phase: NotConfigured})
		if !recheck && !m.schedule.Next() {
			m.logger.Info("configuration polling stopped",
				"attempts", m.schedule.Fired(),
				"error", retry.ErrAttemptsExhausted)
		}
	}

	if recheck {
		m.startCheck(ctx, "recheck")
	}
}

func (m *Machine) startCheck(ctx context.Context, reason string) {
	m.schedule.Stop()
	m.gen++
	gen := m.gen
	checkCtx, cancel := context.WithCancel(ctx)
	m.cancelCheck = cancel
	m.inFlight = true

	// A re-check from Configured stays invisible until it settles.
	if prev := m.State(); prev.Phase != Configured {
		m.setState(State{Phase: Checking, Identity: prev.Identity})
	}
	m.logger.Debug("configuration check started", "reason", reason, "generation", gen)

	go func() {
		o, identity := m.check(checkCtx)
		m.post(event{kind: evResult, gen: gen, result: o, identity: identity})
	}()
}

// abandonCheck invalidates the in-flight attempt so its result is dropped.
func (m *Machine) abandonCheck() {
	m.gen++
	if m.cancelCheck != nil {
		m.cancelCheck()
		m.cancelCheck = nil
	}
	m.inFlight = false
	m.safety.Stop()
	m.safety = nil
}

func (m *Machine) teardown() {
	m.abandonCheck()
	m.schedule.Stop()
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// settle sets a UI-visible state and publishes it if it differs from the
// last published one.
func (m *Machine) settle(s State) {
	m.setState(s)
	if m.published != nil && *m.published == s {
		return
	}
	m.published = &s
	m.logger.Info("configuration state changed", "phase", s.Phase.String(), "identity", s.Identity)

	n := eventbus.Notification{Identity: s.Identity, At: m.clock.Now()}
	switch s.Phase {
	case Configured:
		n.Event = eventbus.ConfigurationDetected
	case NotConfigured:
		n.Event = eventbus.ProfileNotConfigured
	default:
		return
	}
	m.bus.Publish(n)
}
