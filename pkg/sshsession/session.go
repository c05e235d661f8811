package sshsession

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshengine/pkg/sshauth"
	"github.com/sammck-go/sshengine/pkg/sshkex"
	"github.com/sammck-go/sshengine/pkg/sshtransport"
	"github.com/sammck-go/sshengine/pkg/sshwire"
)

// DefaultClientVersion is the identification string sent when the config
// does not override it.
const DefaultClientVersion = "SSH-2.0-sshengine_1.0"

// ChannelHandler receives every channel-class message the reader loop
// dispatches. A non-nil error is fatal to the session.
type ChannelHandler interface {
	HandleMessage(msg sshwire.Message) error
}

// Config describes one client session.
type Config struct {
	// Hostname is the name the host key verifier is consulted with.
	Hostname string

	// ClientVersion overrides the identification banner. Must begin with
	// "SSH-2.0-".
	ClientVersion string

	// Algorithms overrides the negotiation preference lists. The zero
	// value means sshkex.DefaultAlgorithms.
	Algorithms sshkex.Algorithms

	// HostKeyVerifier is the trust decision for the server's host key.
	// Required.
	HostKeyVerifier sshkex.HostKeyVerifier

	// RekeyPolicy overrides when the session initiates a re-key. Nil
	// means sshkex.DefaultRekeyPolicy.
	RekeyPolicy *sshkex.RekeyPolicy

	// Rand overrides the entropy source. Nil means crypto/rand.
	Rand io.Reader
}

// Session is one client SSH connection: the transport framer, the key
// exchange engine, and the reader loop that routes inbound messages. It owns
// the underlying connection and closes it on shutdown.
type Session struct {
	*asyncobj.Helper

	log  logger.Logger
	cfg  Config
	conn io.ReadWriteCloser

	framer *sshtransport.Framer
	kex    *sshkex.Engine
	policy sshkex.RekeyPolicy

	// mu guards the write path and the re-key gate. The framer accepts
	// one writer at a time; writers wait on writeCond while a re-key is
	// in flight.
	mu          sync.Mutex
	writeCond   *sync.Cond
	rekeying    bool
	closed      bool
	termErr     error
	sentKexInit []byte
	lastKexTime time.Time
	result      *sshkex.Result

	// pendingReplies holds reply packets produced by the reader loop
	// while a re-key is in flight. They are flushed, in order, right
	// after the new write keys activate. Bounded by the inbound traffic
	// the peer framed under the old keys.
	pendingReplies [][]byte

	state int32

	// packetsRead mirrors the receive sequence number for
	// SSH_MSG_UNIMPLEMENTED replies. Touched only by the goroutine that
	// currently owns the read side.
	packetsRead uint32

	handlerMu sync.RWMutex
	handler   ChannelHandler

	authCh chan sshwire.Message

	globalMu      sync.Mutex
	globalPending []chan globalOutcome

	serverVersion string
}

type globalOutcome struct {
	ok      bool
	payload []byte
	err     error
}

// New creates a session over an established byte-stream connection. The
// session owns conn. Call Handshake to run the version exchange and initial
// key exchange.
func New(log logger.Logger, conn io.ReadWriteCloser, cfg Config) (*Session, error) {
	if cfg.HostKeyVerifier == nil {
		return nil, errors.New("sshsession: config requires a HostKeyVerifier")
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = DefaultClientVersion
	}
	if len(cfg.Algorithms.Kex) == 0 {
		cfg.Algorithms = sshkex.DefaultAlgorithms()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	policy := sshkex.DefaultRekeyPolicy()
	if cfg.RekeyPolicy != nil {
		policy = *cfg.RekeyPolicy
	}

	s := &Session{
		log:    log.ForkLogStr(fmt.Sprintf("<Session %s>", cfg.Hostname)),
		cfg:    cfg,
		conn:   conn,
		policy: policy,
		state:  int32(StateConnecting),
		authCh: make(chan sshwire.Message, 4),
	}
	s.writeCond = sync.NewCond(&s.mu)
	s.Helper = asyncobj.NewHelper(s.log, s)
	s.SetIsActivated()
	return s, nil
}

// HandleOnceShutdown runs exactly once when the session shuts down. It
// releases gated writers, fails pending global requests with the terminal
// reason, and closes the connection.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.setState(StateClosing)

	s.mu.Lock()
	s.closed = true
	s.termErr = completionErr
	s.writeCond.Broadcast()
	s.mu.Unlock()

	s.globalMu.Lock()
	pending := s.globalPending
	s.globalPending = nil
	s.globalMu.Unlock()
	for _, ch := range pending {
		ch <- globalOutcome{err: s.sessionClosedError(completionErr)}
	}

	err := s.conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	s.setState(StateClosed)
	return completionErr
}

func (s *Session) sessionClosedError(cause error) error {
	if cause != nil {
		return cause
	}
	return errors.New("sshsession: session closed")
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(next State) {
	prev := State(atomic.SwapInt32(&s.state, int32(next)))
	if prev != next {
		s.DLogf("state %s -> %s", prev, next)
	}
}

// compareAndSwapState transitions from want to next atomically.
func (s *Session) compareAndSwapState(want, next State) bool {
	ok := atomic.CompareAndSwapInt32(&s.state, int32(want), int32(next))
	if ok {
		s.DLogf("state %s -> %s", want, next)
	}
	return ok
}

// ServerVersion returns the peer's identification string, available after
// Handshake.
func (s *Session) ServerVersion() string {
	return s.serverVersion
}

// Result returns the most recent key exchange result, including the agreed
// algorithm set.
func (s *Session) Result() *sshkex.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// SessionID returns the connection's session identifier, fixed at the first
// key exchange.
func (s *Session) SessionID() []byte {
	return s.kex.SessionID()
}

// SetChannelHandler registers the consumer of channel-class messages. It
// must be set before channels are opened; messages arriving with no handler
// are refused or dropped.
func (s *Session) SetChannelHandler(h ChannelHandler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

// Handshake runs the version exchange and the initial key exchange, then
// starts the reader loop. On return the session is in StateAuthenticating.
// Cancelling ctx shuts the session down.
func (s *Session) Handshake(ctx context.Context) error {
	if !s.compareAndSwapState(StateConnecting, StateKeyExchange) {
		return fmt.Errorf("sshsession: handshake in state %s", s.State())
	}
	if ctx != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				s.StartShutdown(ctx.Err())
			case <-stop:
			}
		}()
	}

	peerVersion, err := sshtransport.ExchangeVersions(s.conn, s.cfg.ClientVersion)
	if err != nil {
		s.StartShutdown(err)
		return err
	}
	s.serverVersion = peerVersion
	s.ILogf("peer version %q", peerVersion)

	s.framer = sshtransport.NewFramer(s.log, s.conn, s.cfg.Rand)
	s.kex = sshkex.NewEngine(s.log, s.cfg.Hostname, s.cfg.HostKeyVerifier,
		s.cfg.Algorithms, s.cfg.ClientVersion, peerVersion, s.cfg.Rand)

	localInit, err := s.kex.MakeKexInit()
	if err != nil {
		s.StartShutdown(err)
		return err
	}
	if err := s.framer.WritePacket(localInit); err != nil {
		s.StartShutdown(err)
		return err
	}
	peerInit, err := s.readUntilKexInit()
	if err != nil {
		s.StartShutdown(err)
		return err
	}
	result, err := s.kex.Exchange(kexConn{s}, localInit, peerInit)
	if err != nil {
		s.StartShutdown(err)
		return err
	}
	s.mu.Lock()
	s.result = result
	s.lastKexTime = time.Now()
	s.mu.Unlock()

	s.setState(StateAuthenticating)
	go s.readLoop()
	return nil
}

// readUntilKexInit consumes transport noise until the peer's KEXINIT.
func (s *Session) readUntilKexInit() ([]byte, error) {
	for {
		payload, err := s.readFramerPacket()
		if err != nil {
			return nil, err
		}
		switch payload[0] {
		case sshwire.MsgKexInit:
			return payload, nil
		case sshwire.MsgIgnore, sshwire.MsgDebug:
		case sshwire.MsgDisconnect:
			return nil, disconnectFromPayload(payload)
		default:
			return nil, protocolErrorf("message %d before KEXINIT", payload[0])
		}
	}
}

func (s *Session) readFramerPacket() ([]byte, error) {
	payload, err := s.framer.ReadPacket()
	if err != nil {
		return nil, err
	}
	s.packetsRead++
	if len(payload) == 0 {
		return nil, protocolErrorf("empty packet payload")
	}
	return payload, nil
}

func disconnectFromPayload(payload []byte) error {
	msg, err := sshwire.Parse(payload)
	if err != nil {
		return protocolErrorf("malformed DISCONNECT: %s", err)
	}
	d := msg.(*sshwire.Disconnect)
	return &DisconnectError{Remote: true, Reason: d.Reason, Description: d.Description}
}

// Authenticate runs one authentication episode. An *sshauth.AuthFailure is
// recoverable: the session stays in StateAuthenticating and the caller may
// try again with different credentials.
func (s *Session) Authenticate(ctx context.Context, req sshauth.Request) error {
	if st := s.State(); st != StateAuthenticating {
		return fmt.Errorf("sshsession: authenticate in state %s", st)
	}
	eng := sshauth.NewEngine(s.log, req)
	if err := eng.Run(ctx, s); err != nil {
		return err
	}
	s.setState(StateAuthenticated)
	return nil
}

// ReadMessage delivers the next authentication-class message. It implements
// sshauth.Conn.
func (s *Session) ReadMessage(ctx context.Context) (sshwire.Message, error) {
	select {
	case msg := <-s.authCh:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ShutdownStartedChan():
		return nil, s.sessionClosedError(s.WaitShutdown())
	}
}

// WritePacket writes one packet, blocking while a re-key is in flight.
// Channel and authentication traffic goes through here; key exchange
// messages bypass the gate via kexConn.
func (s *Session) WritePacket(payload []byte) error {
	s.mu.Lock()
	for s.rekeying && !s.closed {
		s.writeCond.Wait()
	}
	if s.closed {
		err := s.sessionClosedError(s.termErr)
		s.mu.Unlock()
		return err
	}
	err := s.framer.WritePacket(payload)
	if err == nil {
		s.maybeInitiateRekeyLocked()
	}
	s.mu.Unlock()
	if err != nil {
		s.StartShutdown(err)
	}
	return err
}

// writeRaw writes a packet without waiting on the re-key gate. Used for key
// exchange traffic and DISCONNECT, which are legal mid-exchange.
func (s *Session) writeRaw(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.sessionClosedError(s.termErr)
	}
	return s.framer.WritePacket(payload)
}

// WriteReply writes a reply packet produced while reacting to inbound
// traffic. It never blocks: during a re-key the packet is queued and flushed
// after the new keys activate. The reader loop and channel handlers must use
// this instead of WritePacket, or a re-key could deadlock against them.
func (s *Session) WriteReply(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.sessionClosedError(s.termErr)
	}
	if s.rekeying {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		s.pendingReplies = append(s.pendingReplies, buf)
		return nil
	}
	return s.framer.WritePacket(payload)
}

// maybeInitiateRekeyLocked sends our KEXINIT when the policy says the keys
// are stale. Caller holds mu.
func (s *Session) maybeInitiateRekeyLocked() {
	if s.rekeying || s.sentKexInit != nil || s.State() != StateAuthenticated {
		return
	}
	if !s.policy.Due(s.framer.BytesWritten(), s.framer.BytesRead(), s.lastKexTime) {
		return
	}
	s.ILogf("re-key due (%d bytes written, %d read)", s.framer.BytesWritten(), s.framer.BytesRead())
	s.initiateRekeyLocked()
}

func (s *Session) initiateRekeyLocked() {
	localInit, err := s.kex.MakeKexInit()
	if err != nil {
		s.ELogf("cannot build KEXINIT: %s", err)
		return
	}
	if err := s.framer.WritePacket(localInit); err != nil {
		// The reader loop will observe the broken transport shortly.
		s.ELogf("cannot send KEXINIT: %s", err)
		return
	}
	// After our KEXINIT, nothing but key exchange messages may be sent
	// until NEWKEYS, so the gate closes now.
	s.sentKexInit = localInit
	s.rekeying = true
}

// TrafficTotals returns the cumulative transport bytes written and read
// since the connection was established. Counters survive re-keys.
func (s *Session) TrafficTotals() (written, read uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.framer == nil {
		return 0, 0
	}
	return s.framer.BytesWritten(), s.framer.BytesRead()
}

// RequestRekey initiates a re-key immediately. No-op if one is already in
// flight.
func (s *Session) RequestRekey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rekeying && s.sentKexInit == nil && s.State() == StateAuthenticated {
		s.initiateRekeyLocked()
	}
}

// readLoop pumps inbound packets until the transport fails or a fatal
// condition arises, then shuts the session down with that reason.
func (s *Session) readLoop() {
	err := s.runReadLoop()
	s.StartShutdown(err)
}

func (s *Session) runReadLoop() error {
	for {
		payload, err := s.readFramerPacket()
		if err != nil {
			return err
		}
		if payload[0] == sshwire.MsgKexInit {
			if err := s.runKex(payload); err != nil {
				return err
			}
			continue
		}
		msg, err := sshwire.Parse(payload)
		if err != nil {
			var unknown *sshwire.UnknownMessageError
			if errors.As(err, &unknown) {
				s.WLogf("unknown message %d, replying UNIMPLEMENTED", unknown.Number)
				reply := &sshwire.Unimplemented{Sequence: s.packetsRead - 1}
				if werr := s.WriteReply(reply.Marshal()); werr != nil {
					return werr
				}
				continue
			}
			return protocolErrorf("malformed message %d: %s", payload[0], err)
		}

		switch m := msg.(type) {
		case *sshwire.Disconnect:
			return &DisconnectError{Remote: true, Reason: m.Reason, Description: m.Description}
		case *sshwire.Ignore:
		case *sshwire.Debug:
			s.DLogf("peer debug: %s", m.Text)
		case *sshwire.Unimplemented:
			s.WLogf("peer could not handle our packet seq %d", m.Sequence)
		case *sshwire.NewKeys:
			return protocolErrorf("NEWKEYS outside a key exchange")
		case *sshwire.ServiceAccept, *sshwire.UserauthFailure, *sshwire.UserauthSuccess, *sshwire.UserauthBanner:
			s.deliverAuth(msg)
		case *sshwire.ContextualMessage:
			switch m.Number {
			case sshwire.MsgUserauthInfoRequest, sshwire.MsgUserauthInfoResponse:
				s.deliverAuth(m)
			default:
				return protocolErrorf("key exchange message %d outside an exchange", m.Number)
			}
		case *sshwire.GlobalRequest:
			// Clients serve no global requests.
			s.DLogf("refusing global request %q", m.Name)
			if m.WantReply {
				if err := s.WriteReply((&sshwire.RequestFailure{}).Marshal()); err != nil {
					return err
				}
			}
		case *sshwire.RequestSuccess:
			s.resolveGlobal(globalOutcome{ok: true, payload: m.Payload})
		case *sshwire.RequestFailure:
			s.resolveGlobal(globalOutcome{})
		default:
			if err := s.dispatchChannel(msg); err != nil {
				return err
			}
		}

		s.mu.Lock()
		s.maybeInitiateRekeyLocked()
		s.mu.Unlock()
	}
}

// runKex performs a re-key from the reader goroutine. If we already sent our
// KEXINIT (locally initiated), it is reused; otherwise one is sent in
// response to the peer's.
func (s *Session) runKex(peerInit []byte) error {
	s.mu.Lock()
	localInit := s.sentKexInit
	s.sentKexInit = nil
	if localInit == nil {
		var err error
		localInit, err = s.kex.MakeKexInit()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if err := s.framer.WritePacket(localInit); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.rekeying = true
	s.mu.Unlock()

	wasAuthenticated := s.compareAndSwapState(StateAuthenticated, StateRekeying)

	result, err := s.kex.Exchange(kexConn{s}, localInit, peerInit)

	s.mu.Lock()
	s.rekeying = false
	if err == nil {
		s.result = result
		s.lastKexTime = time.Now()
		for _, reply := range s.pendingReplies {
			if werr := s.framer.WritePacket(reply); werr != nil {
				err = werr
				break
			}
		}
	}
	s.pendingReplies = nil
	s.writeCond.Broadcast()
	s.mu.Unlock()

	if wasAuthenticated {
		s.compareAndSwapState(StateRekeying, StateAuthenticated)
	}
	return err
}

// kexConn is the key exchange engine's view of the transport. Writes bypass
// the re-key gate; reads filter out non-kex traffic that is still in flight
// under the old keys.
type kexConn struct {
	s *Session
}

func (c kexConn) WritePacket(payload []byte) error {
	return c.s.writeRaw(payload)
}

func (c kexConn) ReadPacket() ([]byte, error) {
	s := c.s
	for {
		payload, err := s.readFramerPacket()
		if err != nil {
			return nil, err
		}
		num := payload[0]
		switch {
		case num == sshwire.MsgDisconnect:
			return nil, disconnectFromPayload(payload)
		case num == sshwire.MsgIgnore || num == sshwire.MsgDebug:
		case num == sshwire.MsgKexInit, num == sshwire.MsgNewKeys,
			num >= sshwire.MsgKexDHInit && num <= 49:
			return payload, nil
		case num >= sshwire.MsgChannelOpen:
			// Channel traffic the peer framed before its NEWKEYS.
			msg, perr := sshwire.Parse(payload)
			if perr != nil {
				return nil, protocolErrorf("malformed message %d during key exchange: %s", num, perr)
			}
			if derr := s.dispatchChannel(msg); derr != nil {
				return nil, derr
			}
		default:
			return nil, protocolErrorf("message %d during key exchange", num)
		}
	}
}

func (c kexConn) SwitchWriteKeys(k sshtransport.Keys) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.framer.SwitchWriteKeys(k)
}

func (c kexConn) SwitchReadKeys(k sshtransport.Keys) error {
	return c.s.framer.SwitchReadKeys(k)
}

// deliverAuth hands an authentication-class message to the engine reading
// via ReadMessage. While the session is authenticating the send blocks so a
// banner burst ahead of the verdict is never lost; once authenticated there
// is no reader and stray messages are dropped.
func (s *Session) deliverAuth(msg sshwire.Message) {
	if s.State() == StateAuthenticating {
		select {
		case s.authCh <- msg:
		case <-s.ShutdownStartedChan():
		}
		return
	}
	select {
	case s.authCh <- msg:
	default:
		s.WLogf("dropping auth message %d with no authentication in progress", msg.MessageNumber())
	}
}

func (s *Session) dispatchChannel(msg sshwire.Message) error {
	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()
	if h == nil {
		if open, ok := msg.(*sshwire.ChannelOpen); ok {
			refuse := &sshwire.ChannelOpenFailure{
				RecipientID: open.SenderID,
				Reason:      sshwire.OpenAdministrativelyProhibited,
				Description: "no channel handler",
			}
			return s.WriteReply(refuse.Marshal())
		}
		s.WLogf("dropping channel message %d with no handler", msg.MessageNumber())
		return nil
	}
	return h.HandleMessage(msg)
}

// GlobalRequest sends an SSH_MSG_GLOBAL_REQUEST. With wantReply it blocks
// for the server's verdict and returns the success payload; refusal is
// reported as GlobalRequestRefusedError.
func (s *Session) GlobalRequest(ctx context.Context, name string, wantReply bool, payload []byte) ([]byte, error) {
	msg := &sshwire.GlobalRequest{Name: name, WantReply: wantReply, Payload: payload}
	if !wantReply {
		return nil, s.WritePacket(msg.Marshal())
	}

	ch := make(chan globalOutcome, 1)
	s.globalMu.Lock()
	s.globalPending = append(s.globalPending, ch)
	s.globalMu.Unlock()

	if err := s.WritePacket(msg.Marshal()); err != nil {
		s.dropGlobal(ch)
		return nil, err
	}
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if !out.ok {
			return nil, &GlobalRequestRefusedError{Name: name}
		}
		return out.payload, nil
	case <-ctx.Done():
		s.dropGlobal(ch)
		return nil, ctx.Err()
	case <-s.ShutdownStartedChan():
		return nil, s.sessionClosedError(s.WaitShutdown())
	}
}

// resolveGlobal delivers a server reply to the oldest pending request.
// Replies arrive in request order (RFC 4254 §4).
func (s *Session) resolveGlobal(out globalOutcome) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	if len(s.globalPending) == 0 {
		s.WLogf("global reply with no pending request")
		return
	}
	ch := s.globalPending[0]
	s.globalPending = s.globalPending[1:]
	ch <- out
}

func (s *Session) dropGlobal(ch chan globalOutcome) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	for i, pending := range s.globalPending {
		if pending == ch {
			s.globalPending = append(s.globalPending[:i], s.globalPending[i+1:]...)
			return
		}
	}
}

// GlobalRequestRefusedError reports an SSH_MSG_REQUEST_FAILURE reply.
type GlobalRequestRefusedError struct {
	Name string
}

func (e *GlobalRequestRefusedError) Error() string {
	return fmt.Sprintf("ssh global request %q refused by peer", e.Name)
}

// Disconnect sends SSH_MSG_DISCONNECT with the given reason and shuts the
// session down gracefully. It waits for teardown to complete.
func (s *Session) Disconnect(reason uint32, description string) error {
	msg := &sshwire.Disconnect{Reason: reason, Description: description}
	if err := s.writeRaw(msg.Marshal()); err != nil {
		s.WLogf("could not send DISCONNECT: %s", err)
	}
	s.StartShutdown(&DisconnectError{Remote: false, Reason: reason, Description: description})
	s.WaitShutdown()
	return nil
}

// Close shuts the session down and waits for teardown.
func (s *Session) Close() error {
	return s.Helper.Close()
}
