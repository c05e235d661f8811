// Package sshstream adapts a multiplexed SSH channel into a byte stream with
// the session-channel request vocabulary of RFC 4254 section 6: terminal
// allocation, command execution, environment, signals, and exit reporting.
//
// A Stream is an io.ReadWriteCloser. Writes feed the channel's flow-control
// machinery and may block on the remote window; reads drain the primary
// stream, with the extended (stderr) stream available separately in wire
// arrival order.
package sshstream
