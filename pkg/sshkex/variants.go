package sshkex

import (
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"

	"github.com/sammck-go/sshengine/pkg/sshwire"
)

// curve25519Exchange is ECDH over curve25519 with SHA-256
// (curve25519-sha256 and its @libssh.org alias).
//
// Client sends SSH_MSG_KEX_ECDH_INIT {string Q_C}, server replies with
// SSH_MSG_KEX_ECDH_REPLY {string K_S, string Q_S, string signature}.
type curve25519Exchange struct{}

func (curve25519Exchange) run(e *Engine, t Transport, magics *handshakeMagics, hostKeyAlgo string) (*big.Int, []byte, []byte, error) {
	var priv [32]byte
	if _, err := io.ReadFull(e.Rand, priv[:]); err != nil {
		return nil, nil, nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, nil, kexFailuref("curve25519", "ephemeral key generation: %s", err)
	}

	var initEnc sshwire.Encoder
	initEnc.Byte(sshwire.MsgKexDHInit)
	initEnc.Bytes(pub)
	if err := t.WritePacket(initEnc.Payload()); err != nil {
		return nil, nil, nil, err
	}

	payload, err := t.ReadPacket()
	if err != nil {
		return nil, nil, nil, err
	}
	if len(payload) == 0 || payload[0] != sshwire.MsgKexDHReply {
		return nil, nil, nil, kexFailuref("curve25519", "expected ECDH reply, got message %d", payload[0])
	}
	d := sshwire.NewDecoder(payload[1:])
	hostKeyBlob := d.Bytes()
	serverPub := d.Bytes()
	sigBlob := d.Bytes()
	if err := d.Close(); err != nil {
		return nil, nil, nil, kexFailuref("curve25519", "malformed ECDH reply")
	}
	if len(serverPub) != 32 {
		return nil, nil, nil, kexFailuref("curve25519", "server public key is %d bytes, want 32", len(serverPub))
	}

	// X25519 rejects the all-zero shared secret produced by low-order
	// points.
	shared, err := curve25519.X25519(priv[:], serverPub)
	if err != nil {
		return nil, nil, nil, kexFailuref("curve25519", "shared secret: %s", err)
	}
	k := new(big.Int).SetBytes(shared)

	var hEnc sshwire.Encoder
	magics.write(&hEnc)
	hEnc.Bytes(hostKeyBlob)
	hEnc.Bytes(pub)
	hEnc.Bytes(serverPub)
	hEnc.Mpint(k)
	hash := hashFunc()
	hash.Write(hEnc.Payload())
	h := hash.Sum(nil)

	if err := verifyHostSignature(hostKeyAlgo, hostKeyBlob, h, sigBlob); err != nil {
		return nil, nil, nil, err
	}
	return k, h, hostKeyBlob, nil
}

// RFC 3526 group 14: 2048-bit MODP prime, generator 2.
var dhGroup14Prime, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1"+
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245"+
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D"+
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F"+
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D"+
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9"+
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510"+
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

// dhGroup14Exchange is classic finite-field Diffie-Hellman over group 14
// with SHA-256 (diffie-hellman-group14-sha256).
//
// Client sends SSH_MSG_KEXDH_INIT {mpint e}, server replies with
// SSH_MSG_KEXDH_REPLY {string K_S, mpint f, string signature}.
type dhGroup14Exchange struct{}

func (dhGroup14Exchange) run(e *Engine, t Transport, magics *handshakeMagics, hostKeyAlgo string) (*big.Int, []byte, []byte, error) {
	p := dhGroup14Prime
	g := big.NewInt(2)
	pMinus1 := new(big.Int).Sub(p, big.NewInt(1))

	// Exponent of at least 2*hash bits per RFC 4419 guidance.
	var xBytes [64]byte
	if _, err := io.ReadFull(e.Rand, xBytes[:]); err != nil {
		return nil, nil, nil, err
	}
	x := new(big.Int).SetBytes(xBytes[:])
	x.Mod(x, pMinus1)
	if x.Sign() == 0 {
		x.SetInt64(1)
	}
	pubE := new(big.Int).Exp(g, x, p)

	var initEnc sshwire.Encoder
	initEnc.Byte(sshwire.MsgKexDHInit)
	initEnc.Mpint(pubE)
	if err := t.WritePacket(initEnc.Payload()); err != nil {
		return nil, nil, nil, err
	}

	payload, err := t.ReadPacket()
	if err != nil {
		return nil, nil, nil, err
	}
	if len(payload) == 0 || payload[0] != sshwire.MsgKexDHReply {
		return nil, nil, nil, kexFailuref("dh-group14", "expected KEXDH reply, got message %d", payload[0])
	}
	d := sshwire.NewDecoder(payload[1:])
	hostKeyBlob := d.Bytes()
	f := d.Mpint()
	sigBlob := d.Bytes()
	if err := d.Close(); err != nil {
		return nil, nil, nil, kexFailuref("dh-group14", "malformed KEXDH reply")
	}

	// 1 < f < p-1, else the peer can force a trivial shared secret.
	if f.Cmp(big.NewInt(1)) <= 0 || f.Cmp(pMinus1) >= 0 {
		return nil, nil, nil, kexFailuref("dh-group14", "server DH public value out of range")
	}
	k := new(big.Int).Exp(f, x, p)

	var hEnc sshwire.Encoder
	magics.write(&hEnc)
	hEnc.Bytes(hostKeyBlob)
	hEnc.Mpint(pubE)
	hEnc.Mpint(f)
	hEnc.Mpint(k)
	hash := hashFunc()
	hash.Write(hEnc.Payload())
	h := hash.Sum(nil)

	if err := verifyHostSignature(hostKeyAlgo, hostKeyBlob, h, sigBlob); err != nil {
		return nil, nil, nil, err
	}
	return k, h, hostKeyBlob, nil
}

// expectedBlobType maps a negotiated host key algorithm to the type tag the
// key blob must declare. RSA keys keep the ssh-rsa tag whichever RSA
// signature algorithm was negotiated over them.
func expectedBlobType(hostKeyAlgo string) string {
	if hostKeyAlgo == HostKeyRSASHA256 {
		return hostKeyRSABlobTag
	}
	return hostKeyAlgo
}

// verifyHostSignature parses the server host key, checks that its type
// matches the negotiated algorithm, and checks its signature over the
// exchange hash. Failure is fatal for the connection.
func verifyHostSignature(hostKeyAlgo string, hostKeyBlob, h, sigBlob []byte) error {
	key, err := parseHostKey(hostKeyBlob)
	if err != nil {
		return err
	}
	if want := expectedBlobType(hostKeyAlgo); key.keyType() != want {
		return kexFailuref("hostkey", "server sent a %s key, negotiated %s", key.keyType(), hostKeyAlgo)
	}
	return key.verify(h, sigBlob)
}
