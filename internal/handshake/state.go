// Package handshake determines, on the companion, whether the primary
// holds a configured profile. A single run loop owns the state; checks,
// timers and inbound signals post events to it.
package handshake

// Phase is the configuration phase.
type Phase int

const (
	// Unknown means no check has completed yet.
	Unknown Phase = iota
	// Checking means a determination attempt is in flight.
	Checking
	// Configured means a profile with a non-empty identity exists.
	Configured
	// NotConfigured means no valid profile was found.
	NotConfigured
)

func (p Phase) String() string {
	switch p {
	case Unknown:
		return "unknown"
	case Checking:
		return "checking"
	case Configured:
		return "configured"
	case NotConfigured:
		return "not_configured"
	default:
		return "invalid"
	}
}

// MarshalText renders the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is the observable configuration state. Identity is set while
// Configured and kept through a re-check of a configured profile.
type State struct {
	Phase    Phase  `json:"phase"`
	Identity string `json:"identity,omitempty"`
}

// Settled reports whether the state is one the UI renders directly.
// Unknown and Checking render as loading.
func (s State) Settled() bool {
	return s.Phase == Configured || s.Phase == NotConfigured
}
