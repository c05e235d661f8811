package sshstream

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sammck-go/sshengine/pkg/sshmux"
	"github.com/sammck-go/sshengine/pkg/sshwire"
)

// SessionChannelType is the channel type a Stream is normally built on.
const SessionChannelType = "session"

// RequestRefusedError reports that the peer declined a channel request that
// asked for a reply. The channel itself is unaffected.
type RequestRefusedError struct {
	Name string
}

func (e *RequestRefusedError) Error() string {
	return fmt.Sprintf("ssh channel request %q refused by peer", e.Name)
}

// ErrNoExitStatus is returned by Wait when the channel ended without the
// peer reporting an exit status or signal.
var ErrNoExitStatus = fmt.Errorf("ssh channel closed without exit status")

// ExitStatus is the peer's report of how the remote process ended. Either
// Code is meaningful (normal exit) or Signal is non-empty (killed).
type ExitStatus struct {
	Code       uint32
	Signal     string
	CoreDumped bool
	Message    string
}

// Stream is a byte-stream view of one session channel.
type Stream struct {
	ch *sshmux.Channel

	mu       sync.Mutex
	exit     *ExitStatus
	exitSeen chan struct{}
}

// New wraps ch. The stream takes over the channel's request handler to
// capture exit-status and exit-signal reports.
func New(ch *sshmux.Channel) *Stream {
	s := &Stream{
		ch:       ch,
		exitSeen: make(chan struct{}),
	}
	ch.SetRequestHandler(s.handleRequest)
	return s
}

// Channel returns the underlying multiplexed channel.
func (s *Stream) Channel() *sshmux.Channel { return s.ch }

// Read reads primary (stdout) stream data.
func (s *Stream) Read(p []byte) (int, error) { return s.ch.Read(p) }

// Write sends p on the primary stream, blocking on flow-control window
// space.
func (s *Stream) Write(p []byte) (int, error) { return s.ch.Write(p) }

// Stderr returns the extended stream in wire arrival order.
func (s *Stream) Stderr() io.Reader { return s.ch.Stderr() }

// CloseWrite signals EOF to the peer; the read side stays open.
func (s *Stream) CloseWrite() error { return s.ch.CloseWrite() }

// Close tears the channel down in both directions.
func (s *Stream) Close() error { return s.ch.Close() }

func (s *Stream) handleRequest(name string, wantReply bool, payload []byte) bool {
	switch name {
	case "exit-status":
		d := sshwire.NewDecoder(payload)
		code := d.Uint32()
		if d.Err() != nil {
			return false
		}
		s.setExit(&ExitStatus{Code: code})
		return true
	case "exit-signal":
		d := sshwire.NewDecoder(payload)
		sig := d.String()
		core := d.Bool()
		msg := d.String()
		_ = d.String() // language tag
		if d.Err() != nil {
			return false
		}
		s.setExit(&ExitStatus{Signal: sig, CoreDumped: core, Message: msg})
		return true
	default:
		return false
	}
}

func (s *Stream) setExit(e *ExitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit != nil {
		return
	}
	s.exit = e
	close(s.exitSeen)
}

// ExitStatus returns the peer's exit report, if one has arrived.
func (s *Stream) ExitStatus() (ExitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return ExitStatus{}, false
	}
	return *s.exit, true
}

// Wait blocks until the peer reports how the remote process ended. If the
// channel closes without a report, Wait returns ErrNoExitStatus. Exit
// reports arrive independently of stream reads, so Wait can run while
// another goroutine drains output.
func (s *Stream) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-s.exitSeen:
	case <-s.ch.Done():
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return ExitStatus{}, ErrNoExitStatus
	}
	return *s.exit, nil
}

// sendReplied issues a request that demands a reply and maps a refusal to
// RequestRefusedError.
func (s *Stream) sendReplied(ctx context.Context, name string, payload []byte) error {
	ok, err := s.ch.SendRequest(ctx, name, true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return &RequestRefusedError{Name: name}
	}
	return nil
}

// PTYRequest describes the terminal to allocate for RequestPTY. Modes is the
// encoded terminal-modes blob; empty means server defaults.
type PTYRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    []byte
}

// RequestPTY asks the peer to allocate a pseudo-terminal.
func (s *Stream) RequestPTY(ctx context.Context, req PTYRequest) error {
	var e sshwire.Encoder
	payload := e.String(req.Term).
		Uint32(req.Columns).
		Uint32(req.Rows).
		Uint32(req.WidthPx).
		Uint32(req.HeightPx).
		Bytes(req.Modes).
		Payload()
	return s.sendReplied(ctx, "pty-req", payload)
}

// WindowChange reports a new terminal size. The peer never replies.
func (s *Stream) WindowChange(ctx context.Context, columns, rows, widthPx, heightPx uint32) error {
	var e sshwire.Encoder
	payload := e.Uint32(columns).Uint32(rows).Uint32(widthPx).Uint32(heightPx).Payload()
	_, err := s.ch.SendRequest(ctx, "window-change", false, payload)
	return err
}

// Setenv passes an environment variable to the remote side. Many servers
// refuse names outside their AcceptEnv policy; the refusal is returned as
// *RequestRefusedError.
func (s *Stream) Setenv(ctx context.Context, name, value string) error {
	var e sshwire.Encoder
	payload := e.String(name).String(value).Payload()
	return s.sendReplied(ctx, "env", payload)
}

// Exec starts command on the remote side.
func (s *Stream) Exec(ctx context.Context, command string) error {
	var e sshwire.Encoder
	return s.sendReplied(ctx, "exec", e.String(command).Payload())
}

// Shell starts the remote user's default shell.
func (s *Stream) Shell(ctx context.Context) error {
	return s.sendReplied(ctx, "shell", nil)
}

// Subsystem starts a named subsystem on the remote side.
func (s *Stream) Subsystem(ctx context.Context, name string) error {
	var e sshwire.Encoder
	return s.sendReplied(ctx, "subsystem", e.String(name).Payload())
}

// Signal delivers sig (a name without the "SIG" prefix, e.g. "TERM") to the
// remote process. The peer never replies.
func (s *Stream) Signal(ctx context.Context, sig string) error {
	var e sshwire.Encoder
	_, err := s.ch.SendRequest(ctx, "signal", false, e.String(sig).Payload())
	return err
}
