package sshkex

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"

	"github.com/sammck-go/sshengine/pkg/sshwire"
)

// HostKeyVerifier is the external trust-decision collaborator consulted with
// the server's host key before any exchange result is accepted. A non-nil
// error is a fatal KexFailure for the connection.
//
// Implementations receive the negotiated host key algorithm and the raw
// wire-format public key blob, from which they can compute fingerprints.
type HostKeyVerifier interface {
	Verify(hostname string, algorithm string, keyBlob []byte) error
}

// hostPublicKey is a parsed server host key able to verify an exchange-hash
// signature.
type hostPublicKey interface {
	keyType() string
	verify(data, sigBlob []byte) error
}

// parseHostKey decodes a wire-format host public key blob.
func parseHostKey(blob []byte) (hostPublicKey, error) {
	d := sshwire.NewDecoder(blob)
	keyType := d.String()
	if d.Err() != nil {
		return nil, kexFailuref("hostkey", "malformed host key blob")
	}
	switch keyType {
	case HostKeyEd25519:
		raw := d.Bytes()
		if err := d.Close(); err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, kexFailuref("hostkey", "malformed ssh-ed25519 key")
		}
		return ed25519HostKey(raw), nil
	case HostKeyECDSAP256:
		curveName := d.String()
		point := d.Bytes()
		if err := d.Close(); err != nil || curveName != "nistp256" {
			return nil, kexFailuref("hostkey", "malformed ecdsa-sha2-nistp256 key")
		}
		x, y := elliptic.Unmarshal(elliptic.P256(), point)
		if x == nil {
			return nil, kexFailuref("hostkey", "invalid nistp256 point")
		}
		return &ecdsaHostKey{pub: ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}}, nil
	case hostKeyRSABlobTag:
		e := d.Mpint()
		n := d.Mpint()
		if err := d.Close(); err != nil {
			return nil, kexFailuref("hostkey", "malformed ssh-rsa key")
		}
		if !e.IsInt64() || e.Int64() < 3 {
			return nil, kexFailuref("hostkey", "invalid RSA public exponent")
		}
		return &rsaHostKey{pub: rsa.PublicKey{N: n, E: int(e.Int64())}}, nil
	default:
		return nil, kexFailuref("hostkey", "unsupported host key type %q", keyType)
	}
}

// parseSignature splits a wire-format signature blob into its declared
// format name and raw signature bytes.
func parseSignature(sigBlob []byte) (format string, sig []byte, err error) {
	d := sshwire.NewDecoder(sigBlob)
	format = d.String()
	sig = d.Bytes()
	if e := d.Close(); e != nil {
		return "", nil, kexFailuref("signature", "malformed signature blob")
	}
	return format, sig, nil
}

type ed25519HostKey ed25519.PublicKey

func (k ed25519HostKey) keyType() string { return HostKeyEd25519 }

func (k ed25519HostKey) verify(data, sigBlob []byte) error {
	format, sig, err := parseSignature(sigBlob)
	if err != nil {
		return err
	}
	if format != HostKeyEd25519 {
		return kexFailuref("signature", "unexpected signature format %q for ssh-ed25519 key", format)
	}
	if !ed25519.Verify(ed25519.PublicKey(k), data, sig) {
		return kexFailuref("signature", "ed25519 host key signature verification failed")
	}
	return nil
}

type ecdsaHostKey struct {
	pub ecdsa.PublicKey
}

func (k *ecdsaHostKey) keyType() string { return HostKeyECDSAP256 }

func (k *ecdsaHostKey) verify(data, sigBlob []byte) error {
	format, sig, err := parseSignature(sigBlob)
	if err != nil {
		return err
	}
	if format != HostKeyECDSAP256 {
		return kexFailuref("signature", "unexpected signature format %q for ecdsa key", format)
	}
	d := sshwire.NewDecoder(sig)
	r := d.Mpint()
	s := d.Mpint()
	if err := d.Close(); err != nil {
		return kexFailuref("signature", "malformed ecdsa signature body")
	}
	digest := sha256.Sum256(data)
	if !ecdsa.Verify(&k.pub, digest[:], r, s) {
		return kexFailuref("signature", "ecdsa host key signature verification failed")
	}
	return nil
}

type rsaHostKey struct {
	pub rsa.PublicKey
}

func (k *rsaHostKey) keyType() string { return hostKeyRSABlobTag }

func (k *rsaHostKey) verify(data, sigBlob []byte) error {
	format, sig, err := parseSignature(sigBlob)
	if err != nil {
		return err
	}
	if format != HostKeyRSASHA256 {
		return kexFailuref("signature", "unsupported RSA signature format %q", format)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(&k.pub, crypto.SHA256, digest[:], sig); err != nil {
		return kexFailuref("signature", "RSA host key signature verification failed")
	}
	return nil
}

// MarshalECDSASignature encodes an ECDSA (r, s) pair as the body of an SSH
// ecdsa signature blob. Exported for credential implementations that sign
// with ECDSA keys.
func MarshalECDSASignature(r, s *big.Int) []byte {
	var e sshwire.Encoder
	return e.Mpint(r).Mpint(s).Payload()
}
