// Package sshwire implements the SSH binary wire encoding (RFC 4251 §5) and
// the typed protocol messages exchanged over an SSH transport.
//
// The package is a pure codec: it converts between Go message structs and the
// byte payloads carried inside transport packets. It knows nothing about
// framing, encryption, or sequencing; those belong to the transport layer.
// Decoding is atomic: a payload either parses completely into a message value,
// or an error is returned and no partial state is exposed.
package sshwire
