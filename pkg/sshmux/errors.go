package sshmux

import (
	"fmt"
)

// OpenFailure reports that the peer refused a channel open. It is
// recoverable: only the requested channel is affected.
type OpenFailure struct {
	ChannelType string
	Reason      uint32
	Description string
}

func (e *OpenFailure) Error() string {
	return fmt.Sprintf("ssh channel open %q refused (reason %d): %s", e.ChannelType, e.Reason, e.Description)
}

// WindowViolation reports that the peer sent more data than the window we
// granted, or a packet larger than the maximum we advertised. It is fatal to
// the connection: a peer that ignores flow control cannot be trusted to
// frame anything else correctly.
type WindowViolation struct {
	LocalID uint32
	Have    uint32
	Got     uint32
}

func (e *WindowViolation) Error() string {
	return fmt.Sprintf("ssh window violation on channel %d: %d bytes with %d allowed", e.LocalID, e.Got, e.Have)
}

// ErrChannelClosed is returned by operations on a channel whose write side
// or whole lifetime has ended.
var ErrChannelClosed = fmt.Errorf("ssh channel closed")
