// Package sshmux multiplexes SSH channels (RFC 4254) over an authenticated
// session transport.
//
// Each channel tracks two independent flow-control windows and two maximum
// packet sizes, one per direction. Outbound data is fragmented to fit both
// the remote window and the remote maximum packet size; senders block FIFO
// when the window is exhausted and can be cancelled individually through
// their context. Inbound data that overflows the window we granted is a
// fatal protocol violation for the whole connection.
//
// Local channel IDs are monotonic and never reused for the life of the
// session, so a late message for a torn-down channel can never be
// misdelivered to a new one.
package sshmux
