package sshkex

import (
	"time"
)

// RekeyPolicy decides when an established connection must renegotiate its
// transport keys. Zero fields disable the corresponding trigger.
type RekeyPolicy struct {
	// MaxBytes is the traffic volume (either direction) after which a
	// re-key is initiated.
	MaxBytes uint64

	// MaxInterval is the wall-clock time after which a re-key is
	// initiated regardless of traffic.
	MaxInterval time.Duration
}

// DefaultRekeyPolicy re-keys after 1 GiB of traffic or one hour, whichever
// comes first.
func DefaultRekeyPolicy() RekeyPolicy {
	return RekeyPolicy{
		MaxBytes:    1 << 30,
		MaxInterval: time.Hour,
	}
}

// Due reports whether a re-key should be initiated given the bytes moved in
// each direction and the time of the last key switch.
func (p RekeyPolicy) Due(bytesWritten, bytesRead uint64, lastKex time.Time) bool {
	if p.MaxBytes > 0 && (bytesWritten >= p.MaxBytes || bytesRead >= p.MaxBytes) {
		return true
	}
	if p.MaxInterval > 0 && time.Since(lastKex) >= p.MaxInterval {
		return true
	}
	return false
}
