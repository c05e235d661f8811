package sshsession

import (
	"fmt"
)

// DisconnectError is the terminal reason for a session that ended with an
// SSH_MSG_DISCONNECT, ours or the peer's.
type DisconnectError struct {
	// Remote reports whether the peer sent the disconnect.
	Remote bool

	// Reason is the RFC 4253 disconnect reason code.
	Reason uint32

	// Description is the human-readable reason text.
	Description string
}

func (e *DisconnectError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("ssh disconnect (%s, reason %d): %s", side, e.Reason, e.Description)
}

// ProtocolError reports peer behavior that violates the protocol. It is
// always fatal to the session.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "ssh protocol error: " + e.Reason
}

func protocolErrorf(f string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(f, args...)}
}
