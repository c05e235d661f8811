// Package sshtransport implements the SSH binary packet protocol (RFC 4253
// §6): length/padding framing, packet encryption and MAC protection, and
// per-direction sequence numbering over an ordered byte stream.
//
// The framer composes externally implemented cryptographic primitives
// (stream ciphers, AEADs, HMACs) behind a uniform packet cipher capability;
// it does not implement any primitive itself. Any integrity or framing
// violation is reported as a *FrameError and is fatal to the connection:
// no resynchronization is attempted.
package sshtransport
