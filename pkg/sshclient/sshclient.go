// Package sshclient assembles the engine packages into a usable SSH client:
// YAML configuration, TCP or WebSocket dialing with reconnect backoff, the
// handshake/authenticate sequence, keepalive pings, negotiated-algorithm
// introspection, and convenience openers for session channels.
package sshclient
