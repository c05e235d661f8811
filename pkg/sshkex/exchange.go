package sshkex

import (
	"crypto/sha256"
	"hash"
	"io"
	"math/big"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshengine/pkg/sshtransport"
	"github.com/sammck-go/sshengine/pkg/sshwire"
)

// Transport is the view of the secure transport a key exchange runs over.
// During an exchange the session routes every kex-class packet here and
// nothing else; ReadPacket never observes channel or auth traffic.
type Transport interface {
	WritePacket(payload []byte) error
	ReadPacket() ([]byte, error)
	SwitchWriteKeys(k sshtransport.Keys) error
	SwitchReadKeys(k sshtransport.Keys) error
}

// Result is the outcome of one key exchange: the shared secret, the exchange
// hash, and the session identifier (the H of the first exchange on the
// connection). A Result is immutable; a re-key produces a new Result that
// supersedes it.
type Result struct {
	K         *big.Int
	H         []byte
	SessionID []byte
	HostKey   []byte
	Agreed    Agreed
}

// Engine performs key exchanges for one connection. The same engine runs the
// first exchange and every re-key; it remembers the session identifier
// across exchanges.
type Engine struct {
	logger.Logger

	// Hostname is passed to the trust collaborator for host key lookup.
	Hostname string

	// Verifier is the external trust decision for host keys. Required.
	Verifier HostKeyVerifier

	// Local is the local preference list set.
	Local Algorithms

	// ClientVersion and ServerVersion are the byte-exact identification
	// strings exchanged before framing started.
	ClientVersion string
	ServerVersion string

	// Rand supplies ephemeral key material and kexinit cookies.
	Rand io.Reader

	sessionID []byte
}

// NewEngine creates a key exchange engine for one connection.
func NewEngine(log logger.Logger, hostname string, verifier HostKeyVerifier, local Algorithms, clientVersion, serverVersion string, rand io.Reader) *Engine {
	return &Engine{
		Logger:        log.ForkLogStr("kex"),
		Hostname:      hostname,
		Verifier:      verifier,
		Local:         local,
		ClientVersion: clientVersion,
		ServerVersion: serverVersion,
		Rand:          rand,
	}
}

// SessionID returns the connection's session identifier, fixed by the first
// exchange. It is nil before the first exchange completes.
func (e *Engine) SessionID() []byte {
	return e.sessionID
}

// MakeKexInit builds and marshals the local KEXINIT with a fresh cookie.
func (e *Engine) MakeKexInit() ([]byte, error) {
	var cookie [16]byte
	if _, err := io.ReadFull(e.Rand, cookie[:]); err != nil {
		return nil, err
	}
	return e.Local.KexInit(cookie).Marshal(), nil
}

// exchanger is one key exchange method variant. Variants are selected by
// negotiated name, not by subtype dispatch.
type exchanger interface {
	// run executes the method's message sequence and returns the shared
	// secret, the exchange hash, and the server host key blob. hostKeyAlgo
	// is the negotiated host key algorithm the server's key must match.
	run(e *Engine, t Transport, magics *handshakeMagics, hostKeyAlgo string) (k *big.Int, h []byte, hostKey []byte, err error)
}

// handshakeMagics is the negotiation transcript bound into the exchange
// hash: both version strings and both raw KEXINIT payloads.
type handshakeMagics struct {
	clientVersion string
	serverVersion string
	clientKexInit []byte
	serverKexInit []byte
}

func (m *handshakeMagics) write(enc *sshwire.Encoder) {
	enc.String(m.clientVersion)
	enc.String(m.serverVersion)
	enc.Bytes(m.clientKexInit)
	enc.Bytes(m.serverKexInit)
}

func exchangerFor(name string) (exchanger, error) {
	switch name {
	case KexCurve25519SHA256, KexCurve25519SHA256LibSSH:
		return curve25519Exchange{}, nil
	case KexDHGroup14SHA256:
		return dhGroup14Exchange{}, nil
	default:
		return nil, kexFailuref("negotiate", "negotiated unsupported kex method %q", name)
	}
}

// Exchange performs one complete key exchange over t. localKexInit must be
// the byte-exact KEXINIT payload already sent to the peer, and peerKexInit
// the byte-exact payload received from it. On success both directions of t
// have been switched to the newly derived keys, the local NEWKEYS has been
// written and the peer's consumed.
//
// The hash algorithm of all supported methods is SHA-256; the derivation
// below follows RFC 4253 §7.2.
func (e *Engine) Exchange(t Transport, localKexInit, peerKexInit []byte) (*Result, error) {
	peerMsg, err := sshwire.Parse(peerKexInit)
	if err != nil {
		return nil, kexFailuref("kexinit", "malformed peer KEXINIT: %s", err)
	}
	peerInit, ok := peerMsg.(*sshwire.KexInit)
	if !ok {
		return nil, kexFailuref("kexinit", "expected KEXINIT, got message %d", peerMsg.MessageNumber())
	}

	agreed, err := Negotiate(e.Local, peerInit)
	if err != nil {
		return nil, &KexFailure{Op: "negotiate", Err: err}
	}
	e.DLogf("negotiated kex=%s hostkey=%s cipher=%s/%s mac=%s/%s",
		agreed.Kex, agreed.HostKey, agreed.CipherCS, agreed.CipherSC, agreed.MACCS, agreed.MACSC)

	// A mispredicted guessed packet must be discarded before the real
	// exchange begins (RFC 4253 §7).
	if peerInit.FirstKexPacketFollows && !guessMatches(e.Local, peerInit) {
		e.DLogf("discarding peer's mispredicted first kex packet")
		if _, err := t.ReadPacket(); err != nil {
			return nil, err
		}
	}

	ex, err := exchangerFor(agreed.Kex)
	if err != nil {
		return nil, err
	}
	magics := &handshakeMagics{
		clientVersion: e.ClientVersion,
		serverVersion: e.ServerVersion,
		clientKexInit: localKexInit,
		serverKexInit: peerKexInit,
	}
	k, h, hostKey, err := ex.run(e, t, magics, agreed.HostKey)
	if err != nil {
		return nil, err
	}

	// Trust decision precedes any use of the new keys.
	if err := e.Verifier.Verify(e.Hostname, agreed.HostKey, hostKey); err != nil {
		return nil, &KexFailure{Op: "hostkey trust", Err: err}
	}

	if e.sessionID == nil {
		e.sessionID = h
	}
	result := &Result{
		K:         k,
		H:         h,
		SessionID: e.sessionID,
		HostKey:   hostKey,
		Agreed:    agreed,
	}

	writeKeys, readKeys, err := DeriveKeys(result)
	if err != nil {
		return nil, &KexFailure{Op: "derive", Err: err}
	}

	// Activate: our NEWKEYS switches the write direction, the peer's
	// NEWKEYS switches the read direction. Old keys are used for exactly
	// the packets framed before the switch and never again.
	if err := t.WritePacket((&sshwire.NewKeys{}).Marshal()); err != nil {
		return nil, err
	}
	if err := t.SwitchWriteKeys(writeKeys); err != nil {
		return nil, err
	}
	payload, err := t.ReadPacket()
	if err != nil {
		return nil, err
	}
	if len(payload) != 1 || payload[0] != sshwire.MsgNewKeys {
		return nil, kexFailuref("newkeys", "expected NEWKEYS, got message %d", payload[0])
	}
	if err := t.SwitchReadKeys(readKeys); err != nil {
		return nil, err
	}
	e.ILogf("key exchange complete (%s)", agreed.Kex)
	return result, nil
}

// guessMatches reports whether the peer's guessed first packet used the
// algorithms we would negotiate.
func guessMatches(local Algorithms, peer *sshwire.KexInit) bool {
	if len(local.Kex) == 0 || len(peer.KexAlgorithms) == 0 {
		return false
	}
	if local.Kex[0] != peer.KexAlgorithms[0] {
		return false
	}
	if len(local.HostKeys) == 0 || len(peer.HostKeyAlgorithms) == 0 {
		return false
	}
	return local.HostKeys[0] == peer.HostKeyAlgorithms[0]
}

// hashFunc returns the exchange hash constructor. Every supported method
// uses SHA-256.
func hashFunc() hash.Hash {
	return sha256.New()
}

// deriveKey expands the shared secret into length bytes of key material for
// one use, per RFC 4253 §7.2: HASH(K || H || tag || session_id), extended
// with HASH(K || H || K1 || ... || Kn) blocks as needed.
func deriveKey(result *Result, tag byte, length int) []byte {
	var kEnc sshwire.Encoder
	kEnc.Mpint(result.K)
	kBytes := kEnc.Payload()

	var out []byte
	h := hashFunc()
	h.Write(kBytes)
	h.Write(result.H)
	h.Write([]byte{tag})
	h.Write(result.SessionID)
	out = h.Sum(nil)
	for len(out) < length {
		h = hashFunc()
		h.Write(kBytes)
		h.Write(result.H)
		h.Write(out)
		out = h.Sum(out)
	}
	return out[:length]
}

// DeriveKeys derives the client-to-server (write) and server-to-client
// (read) transport keys from an exchange result, as seen from the client. A
// server-side caller uses the same pair with the directions swapped. Tags
// per RFC 4253: A/B are IVs, C/D cipher keys, E/F MAC keys.
func DeriveKeys(result *Result) (write, read sshtransport.Keys, err error) {
	keyLen, ivLen, macLen, err := sshtransport.KeySizes(result.Agreed.CipherCS, result.Agreed.MACCS)
	if err != nil {
		return write, read, err
	}
	write = sshtransport.Keys{
		Cipher: result.Agreed.CipherCS,
		MAC:    result.Agreed.MACCS,
		IV:     deriveKey(result, 'A', ivLen),
		Key:    deriveKey(result, 'C', keyLen),
		MACKey: deriveKey(result, 'E', macLen),
	}
	keyLen, ivLen, macLen, err = sshtransport.KeySizes(result.Agreed.CipherSC, result.Agreed.MACSC)
	if err != nil {
		return write, read, err
	}
	read = sshtransport.Keys{
		Cipher: result.Agreed.CipherSC,
		MAC:    result.Agreed.MACSC,
		IV:     deriveKey(result, 'B', ivLen),
		Key:    deriveKey(result, 'D', keyLen),
		MACKey: deriveKey(result, 'F', macLen),
	}
	return write, read, nil
}
