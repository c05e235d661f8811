// Package sshsession implements the client-side SSH session state machine:
// version exchange, initial key exchange, user authentication, and the
// steady-state reader loop that dispatches transport, authentication, and
// channel messages to their owners.
//
// A Session owns its transport connection exclusively. All writes are
// serialized through the session; during a re-key, non-transport writes
// block until the new keys are active. Fatal errors shut the session down
// once, and every pending caller observes the same terminal reason.
package sshsession
