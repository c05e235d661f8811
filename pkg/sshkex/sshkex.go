// Package sshkex implements SSH algorithm negotiation and key exchange for
// the client side of a connection (RFC 4253 §7-8).
//
// Key exchange methods are tagged variants behind a single exchange
// capability: the engine selects a variant by negotiated name and runs its
// message sequence, verifies the host key signature over the exchange hash,
// consults an external trust collaborator for host key acceptance, and
// derives per-direction transport keys from the shared secret.
//
// The session identifier is fixed by the first exchange and reused for every
// re-key on the same connection.
package sshkex
