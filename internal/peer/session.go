package peer

import (
	"errors"
	"time"
)

var (
	// ErrUnreachable means no active link exists to send on.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrTimeout means the peer did not reply in time.
	ErrTimeout = errors.New("peer request timed out")
	// ErrRejected means the peer answered with an error.
	ErrRejected = errors.New("peer rejected request")
	// ErrDuplicateHandler is returned when a message type already has a handler.
	ErrDuplicateHandler = errors.New("handler already registered")
)

// ActivationState tracks the underlying channel.
type ActivationState int

const (
	Inactive ActivationState = iota
	Activating
	Active
	Failed
)

func (s ActivationState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON responses.
func (s ActivationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is an observation of the link. Reachable can change right after
// it is read.
type Session struct {
	State     ActivationState `json:"state"`
	Reachable bool            `json:"reachable"`
	Since     time.Time       `json:"since"`
	Remote    string          `json:"remote,omitempty"`
}
