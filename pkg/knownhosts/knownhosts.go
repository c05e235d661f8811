// Package knownhosts makes host key trust decisions for the key exchange
// engine. It offers fingerprint helpers (MD5 colon form and OpenSSH SHA256
// form), a pinned-fingerprint verifier, an OpenSSH known_hosts file verifier
// that reloads itself when the file changes, and an explicit insecure
// accept-everything verifier for tests and first-contact tooling.
package knownhosts

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/sammck-go/logger"
)

// FingerprintMD5 renders the legacy MD5 fingerprint of a wire-format public
// key blob as lowercase colon-separated hex pairs.
func FingerprintMD5(keyBlob []byte) string {
	sum := md5.Sum(keyBlob)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// FingerprintSHA256 renders the fingerprint the way OpenSSH prints it:
// "SHA256:" followed by unpadded base64.
func FingerprintSHA256(keyBlob []byte) string {
	sum := sha256.Sum256(keyBlob)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// UnknownHostError reports that no trust entry exists for the host. The
// fingerprint is included so a caller can present it for confirmation.
type UnknownHostError struct {
	Hostname    string
	Algorithm   string
	Fingerprint string
}

func (e *UnknownHostError) Error() string {
	return fmt.Sprintf("no known host key for %q (offered %s key %s)", e.Hostname, e.Algorithm, e.Fingerprint)
}

// KeyMismatchError reports that the host presented a key different from the
// one on record. This is the man-in-the-middle signal and is always fatal.
type KeyMismatchError struct {
	Hostname    string
	Algorithm   string
	Fingerprint string
	Expected    string
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %q: offered %s key %s, expected %s",
		e.Hostname, e.Algorithm, e.Fingerprint, e.Expected)
}

// Fingerprints verifies hosts against pinned fingerprints. Keys of the map
// are hostnames; values accept either form produced by FingerprintMD5 or
// FingerprintSHA256.
type Fingerprints struct {
	pins map[string]string
}

// NewFingerprints builds a pinned-fingerprint verifier. The map is copied.
func NewFingerprints(pins map[string]string) *Fingerprints {
	copied := make(map[string]string, len(pins))
	for host, fp := range pins {
		copied[normalizeHost(host)] = fp
	}
	return &Fingerprints{pins: copied}
}

// Verify implements sshkex.HostKeyVerifier.
func (f *Fingerprints) Verify(hostname, algorithm string, keyBlob []byte) error {
	sha := FingerprintSHA256(keyBlob)
	pin, ok := f.pins[normalizeHost(hostname)]
	if !ok {
		return &UnknownHostError{Hostname: hostname, Algorithm: algorithm, Fingerprint: sha}
	}
	if pin == sha || strings.EqualFold(pin, FingerprintMD5(keyBlob)) {
		return nil
	}
	return &KeyMismatchError{Hostname: hostname, Algorithm: algorithm, Fingerprint: sha, Expected: pin}
}

// InsecureAcceptAny trusts every host key, logging its fingerprint. Only for
// tests and deliberate trust-on-first-use tooling.
type InsecureAcceptAny struct {
	Log logger.Logger
}

// Verify implements sshkex.HostKeyVerifier.
func (v *InsecureAcceptAny) Verify(hostname, algorithm string, keyBlob []byte) error {
	if v.Log != nil {
		v.Log.WLogf("accepting unverified %s host key for %q: %s", algorithm, hostname, FingerprintSHA256(keyBlob))
	}
	return nil
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
