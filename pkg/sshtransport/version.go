package sshtransport

import (
	"fmt"
	"io"
	"strings"
)

// maxVersionLineLength bounds one identification line, per RFC 4253 §4.2.
const maxVersionLineLength = 255

// maxPreVersionLines bounds how many non-version banner lines a server may
// send before its identification string.
const maxPreVersionLines = 64

// ExchangeVersions writes our identification string and reads the peer's,
// skipping any pre-version banner lines the peer sends first. The returned
// string excludes the trailing CR/LF. Both strings feed the key exchange
// hash, so the caller must keep them byte-exact.
func ExchangeVersions(rw io.ReadWriter, localVersion string) (string, error) {
	if !strings.HasPrefix(localVersion, "SSH-2.0-") {
		return "", fmt.Errorf("sshtransport: local version %q must start with SSH-2.0-", localVersion)
	}
	if _, err := io.WriteString(rw, localVersion+"\r\n"); err != nil {
		return "", err
	}
	for lines := 0; lines < maxPreVersionLines; lines++ {
		line, err := readVersionLine(rw)
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(line, "SSH-") {
			if !strings.HasPrefix(line, "SSH-2.0-") && !strings.HasPrefix(line, "SSH-1.99-") {
				return "", fmt.Errorf("sshtransport: unsupported peer protocol version %q", line)
			}
			return line, nil
		}
	}
	return "", fmt.Errorf("sshtransport: no version string within %d banner lines", maxPreVersionLines)
}

// readVersionLine reads one LF-terminated line byte-by-byte. The version
// exchange happens before framing starts, so we must not over-read into the
// first binary packet.
func readVersionLine(r io.Reader) (string, error) {
	var line []byte
	var one [1]byte
	for len(line) < maxVersionLineLength {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return "", err
		}
		if one[0] == '\n' {
			return string(trimCR(line)), nil
		}
		line = append(line, one[0])
	}
	return "", fmt.Errorf("sshtransport: identification line exceeds %d bytes", maxVersionLineLength)
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}
