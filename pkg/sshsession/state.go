package sshsession

// State is the session's lifecycle position. Transitions are monotonic
// except Authenticated <-> Rekeying.
type State int32

const (
	// StateConnecting covers the version exchange.
	StateConnecting State = iota

	// StateKeyExchange covers the initial key exchange.
	StateKeyExchange

	// StateAuthenticating means transport keys are active but the user is
	// not yet authenticated. No channels may exist.
	StateAuthenticating

	// StateAuthenticated is the steady state: channels may be opened and
	// used.
	StateAuthenticated

	// StateRekeying is a transient sub-state of StateAuthenticated during
	// which non-transport writes are gated.
	StateRekeying

	// StateClosing means shutdown has begun; the terminal reason is fixed.
	StateClosing

	// StateClosed means the connection is torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateKeyExchange:
		return "KeyExchange"
	case StateAuthenticating:
		return "Authenticating"
	case StateAuthenticated:
		return "Authenticated"
	case StateRekeying:
		return "Rekeying"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
