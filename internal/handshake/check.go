package handshake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/wardrobe-sync/internal/domain"
	"github.com/ashureev/wardrobe-sync/internal/peer"
	"github.com/ashureev/wardrobe-sync/internal/store"
)

type outcome int

const (
	outcomeConfigured outcome = iota
	// outcomeNotConfigured is the primary's authoritative answer; polling stops.
	outcomeNotConfigured
	// outcomeRetryLater means nothing usable was found; polling continues
	// while attempts remain.
	outcomeRetryLater
)

var errCheckTimeout = errors.New("configuration check timed out")

// check runs one determination attempt: the live request when the peer is
// reachable, otherwise or on failure the shared store record.
func (m *Machine) check(ctx context.Context) (outcome, string) {
	if m.peer != nil && m.peer.Reachable() {
		reply, err := m.live(ctx)
		switch {
		case err == nil && !reply.IsConfigured:
			return outcomeNotConfigured, ""
		case err == nil:
			if name := strings.TrimSpace(reply.FirstName); name != "" {
				return outcomeConfigured, name
			}
			m.logger.Warn("live reply is configured without an identity, reading shared store")
		case ctx.Err() != nil:
			return outcomeRetryLater, ""
		default:
			m.logger.Warn("live configuration check failed, reading shared store", "error", err)
		}
	}
	return m.fallback(ctx)
}

// live sends check_configuration and races the reply against the check
// timeout.
func (m *Machine) live(ctx context.Context) (peer.CheckConfigurationReply, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := m.clock.AfterFunc(m.checkTimeout, func() { cancel(errCheckTimeout) })
	defer timer.Stop()

	var reply peer.CheckConfigurationReply
	msg, err := m.peer.Request(ctx, peer.Message{Type: peer.TypeCheckConfiguration})
	if err != nil {
		if errors.Is(context.Cause(ctx), errCheckTimeout) {
			return reply, fmt.Errorf("%w: %w", peer.ErrTimeout, errCheckTimeout)
		}
		return reply, err
	}
	if err := msg.Decode(&reply); err != nil {
		return reply, fmt.Errorf("%w: %w", peer.ErrRejected, err)
	}
	return reply, nil
}

// fallback reads user_profile from the shared store. A record that fails
// to decode is purged and treated as absent.
func (m *Machine) fallback(ctx context.Context) (outcome, string) {
	if m.store == nil {
		return outcomeRetryLater, ""
	}
	data, err := m.store.Get(ctx, store.KeyUserProfile)
	if err != nil {
		m.logger.Warn("failed to read shared profile", "error", err)
		return outcomeRetryLater, ""
	}
	if data == nil {
		return outcomeRetryLater, ""
	}

	var p domain.Profile
	if err := m.codec.Unmarshal(data, &p); err != nil {
		m.logger.Warn("purging undecodable shared profile", "codec", m.codec.Name(), "error", err)
		if err := m.store.Delete(ctx, store.KeyUserProfile); err != nil {
			m.logger.Error("failed to purge shared profile", "error", err)
		}
		return outcomeRetryLater, ""
	}
	if p.Configured() {
		return outcomeConfigured, p.IdentitySummary()
	}
	return outcomeRetryLater, ""
}
