package sshtransport

import (
	"fmt"
)

// FrameError reports a framing or integrity violation: a bad length field,
// bad padding, a MAC that does not verify, or an AEAD open failure. A
// FrameError is always fatal to the connection that produced it; the payload
// of the offending packet is never exposed.
type FrameError struct {
	// Op identifies the framing step that failed, e.g. "length", "mac".
	Op string

	// Err is the underlying cause, if any.
	Err error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ssh framing: %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("ssh framing: %s", e.Op)
}

// Unwrap returns the underlying cause.
func (e *FrameError) Unwrap() error {
	return e.Err
}

func frameErrorf(op string, f string, args ...interface{}) *FrameError {
	return &FrameError{Op: op, Err: fmt.Errorf(f, args...)}
}
