package peer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ashureev/wardrobe-sync/internal/retry"
	"github.com/coder/websocket"
)

// Headers presented when dialing the primary.
const (
	TokenHeader  = "X-Peer-Token"
	DeviceHeader = "X-Peer-Device"
)

// DialerOptions configures a Dialer.
type DialerOptions struct {
	URL   string
	Token string
	// Device names this side to the primary.
	Device string
	// Backoff spaces redials. MaxAttempts is ignored; the dialer retries
	// until its context ends.
	Backoff retry.Policy
}

// Dialer keeps the companion's link to the primary up.
type Dialer struct {
	peer    *Peer
	url     string
	token   string
	device  string
	backoff retry.Policy
}

// NewDialer returns a dialer that serves successful connections on p.
func NewDialer(p *Peer, opts DialerOptions) *Dialer {
	backoff := opts.Backoff
	backoff.MaxAttempts = 0
	if backoff.Interval <= 0 {
		backoff = retry.Policy{Interval: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: 500 * time.Millisecond}
	}
	return &Dialer{peer: p, url: opts.URL, token: opts.Token, device: opts.Device, backoff: backoff}
}

// Run dials, serves the link until it drops, and dials again, backing off
// after failures. It returns when ctx ends.
func (d *Dialer) Run(ctx context.Context) error {
	logger := d.peer.logger
	failures := 0
	for {
		if ctx.Err() != nil {
			d.peer.setState(Inactive)
			return nil
		}

		d.peer.setState(Activating)
		conn, err := d.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.peer.setState(Inactive)
				return nil
			}
			failures++
			d.peer.setState(Failed)
			wait := d.backoff.Delay(failures)
			logger.Warn("peer dial failed", "url", d.url, "attempt", failures, "retry_in", wait.String(), "error", err)
			select {
			case <-ctx.Done():
				d.peer.setState(Inactive)
				return nil
			case <-d.peer.clock.After(wait):
			}
			continue
		}

		started := d.peer.clock.Now()
		if err := d.peer.Serve(ctx, conn, d.url); err != nil {
			logger.Warn("peer link dropped", "url", d.url, "error", err)
		}
		// A link that dies right after opening counts as a failure so a
		// rejecting primary is not redialed in a tight loop.
		if d.peer.clock.Now().Sub(started) >= d.backoff.Interval {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		failures++
		d.peer.setState(Failed)
		wait := d.backoff.Delay(failures)
		logger.Warn("peer link closed right after opening", "url", d.url, "attempt", failures, "retry_in", wait.String())
		select {
		case <-ctx.Done():
		case <-d.peer.clock.After(wait):
		}
	}
}

func (d *Dialer) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.peer.timeout)
	defer cancel()

	header := http.Header{}
	if d.token != "" {
		header.Set(TokenHeader, d.token)
	}
	if d.device != "" {
		header.Set(DeviceHeader, d.device)
	}
	conn, _, err := websocket.Dial(dialCtx, d.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	return conn, nil
}
