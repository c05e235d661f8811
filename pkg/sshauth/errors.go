package sshauth

import (
	"fmt"
	"strings"
)

// AuthFailure reports that every applicable method was tried (or the retry
// budget ran out) without the server granting access. The connection itself
// is still healthy; the caller may disconnect or retry with different
// credentials.
type AuthFailure struct {
	// User is the account that was being authenticated.
	User string

	// Tried lists the method names actually attempted, in order.
	Tried []string

	// Allowed is the server's final advertised set of acceptable methods.
	Allowed []string

	// Partial reports that at least one method succeeded but the server
	// required more.
	Partial bool
}

func (e *AuthFailure) Error() string {
	msg := fmt.Sprintf("ssh auth failed for user %q: tried [%s], server allows [%s]",
		e.User, strings.Join(e.Tried, ", "), strings.Join(e.Allowed, ", "))
	if e.Partial {
		msg += " (partial success)"
	}
	return msg
}
