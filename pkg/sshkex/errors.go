package sshkex

import (
	"fmt"
)

// KexFailure reports a fatal key exchange failure: no common algorithm, a
// malformed exchange message, a host key the trust collaborator rejected, or
// a signature that does not verify. The connection cannot continue.
type KexFailure struct {
	// Op identifies the exchange step that failed.
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *KexFailure) Error() string {
	return fmt.Sprintf("ssh key exchange: %s: %s", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *KexFailure) Unwrap() error {
	return e.Err
}

func kexFailuref(op string, f string, args ...interface{}) *KexFailure {
	return &KexFailure{Op: op, Err: fmt.Errorf(f, args...)}
}
