package sshmux

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sammck-go/sshengine/pkg/sshwire"
)

// Channel is one multiplexed SSH channel. Reads and writes may run
// concurrently with each other and with the session reader loop; all flow
// control state lives behind one mutex that is never held across a wire
// write of channel data.
type Channel struct {
	mux       *Mux
	localID   uint32
	chanType  string
	stdout    *buffer
	stderr    *buffer
	closedCh  chan struct{}
	openCh    chan error
	handlerMu sync.Mutex
	handler   RequestHandler

	mu sync.Mutex

	// Remote direction: how much we may still send, and in what size
	// pieces. Senders queue FIFO in waiters when the window is empty; only
	// the head of the queue is ever signaled, and a waiter stays queued
	// until it claims window or gives up.
	remoteID        uint32
	remoteWindow    uint32
	remoteMaxPacket uint32
	waiters         []chan struct{}

	// Local direction: what we granted the peer and what the application
	// has consumed but not yet re-granted.
	initialWindow   uint32
	myWindow        uint32
	maxIncomingSize uint32
	unacked         uint32

	openResolved bool
	sentEOF      bool
	sentClose    bool
	gotEOF       bool
	gotClose     bool
	dead         bool

	// turnTail chains outbound stream writes so packets reach the wire in
	// window-claim order even though the wire write happens outside mu.
	turnTail chan struct{}

	pendingReplies []chan requestReply
}

// RequestHandler reacts to a peer channel request and reports whether to
// acknowledge it.
type RequestHandler func(name string, wantReply bool, payload []byte) bool

type requestReply struct {
	ok  bool
	err error
}

func newChannel(m *Mux, localID uint32, chanType string, window, maxPacket uint32) *Channel {
	return &Channel{
		mux:             m,
		localID:         localID,
		chanType:        chanType,
		stdout:          newBuffer(),
		stderr:          newBuffer(),
		closedCh:        make(chan struct{}),
		openCh:          make(chan error, 1),
		initialWindow:   window,
		myWindow:        window,
		maxIncomingSize: maxPacket,
	}
}

// LocalID returns the channel ID we chose. IDs are monotonic per session and
// never reused.
func (c *Channel) LocalID() uint32 { return c.localID }

// RemoteID returns the ID the peer chose for this channel.
func (c *Channel) RemoteID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// ChannelType returns the type string the channel was opened with.
func (c *Channel) ChannelType() string { return c.chanType }

// Done is closed once the channel is fully closed (close sent and received)
// or torn down with the session.
func (c *Channel) Done() <-chan struct{} { return c.closedCh }

// RemoteMaxPacket returns the peer's advertised maximum data size.
func (c *Channel) RemoteMaxPacket() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteMaxPacket
}

// SetRequestHandler registers the receiver for peer channel requests such as
// exit-status. With no handler, requests that want a reply are refused.
func (c *Channel) SetRequestHandler(h RequestHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Read reads primary stream data. After the peer's EOF or close, queued data
// drains and then Read returns io.EOF.
func (c *Channel) Read(p []byte) (int, error) {
	n, err := c.stdout.Read(p)
	c.ack(n)
	return n, err
}

// ReadExtended reads extended (stderr) stream data.
func (c *Channel) ReadExtended(p []byte) (int, error) {
	n, err := c.stderr.Read(p)
	c.ack(n)
	return n, err
}

// Stderr returns the extended stream as a reader.
func (c *Channel) Stderr() io.Reader {
	return readerFunc(c.ReadExtended)
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// ack re-grants consumed bytes to the peer. Grants are batched: a window
// adjust goes out once half the initial window has been consumed since the
// last one, keeping adjust traffic amortized without starving the peer.
func (c *Channel) ack(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	if c.dead || c.gotClose {
		c.mu.Unlock()
		return
	}
	c.unacked += uint32(n)
	if c.unacked < c.initialWindow/2 {
		c.mu.Unlock()
		return
	}
	delta := c.unacked
	c.unacked = 0
	c.myWindow += delta
	remoteID := c.remoteID
	c.mu.Unlock()

	adjust := &sshwire.ChannelWindowAdjust{RecipientID: remoteID, Delta: delta}
	if err := c.mux.tr.WriteReply(adjust.Marshal()); err != nil {
		c.mux.DLogf("channel %d: window adjust failed: %s", c.localID, err)
	}
}

// Write sends p on the primary stream, blocking on window space. Equivalent
// to SendData with a background context.
func (c *Channel) Write(p []byte) (int, error) {
	return c.SendData(context.Background(), p)
}

// SendData sends p on the primary stream. The write fragments to fit the
// remote window and maximum packet size; when the window is exhausted the
// caller waits FIFO behind earlier senders and can give up via ctx without
// affecting the channel.
func (c *Channel) SendData(ctx context.Context, p []byte) (int, error) {
	return c.send(ctx, 0, p)
}

// SendExtendedData sends p on the extended stream identified by code.
func (c *Channel) SendExtendedData(ctx context.Context, code uint32, p []byte) (int, error) {
	return c.send(ctx, code, p)
}

func (c *Channel) send(ctx context.Context, code uint32, p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n, remoteID, turn, err := c.reserveWindow(ctx, uint32(len(p)))
		if err != nil {
			return total, err
		}
		chunk := p[:n]
		var payload []byte
		if code == 0 {
			payload = (&sshwire.ChannelData{RecipientID: remoteID, Data: chunk}).Marshal()
		} else {
			payload = (&sshwire.ChannelExtendedData{RecipientID: remoteID, Code: code, Data: chunk}).Marshal()
		}
		turn.wait()
		werr := c.mux.tr.WritePacket(payload)
		turn.done()
		if werr != nil {
			return total, werr
		}
		total += int(n)
		p = p[n:]
	}
	return total, nil
}

// sendTurn is one link in the per-channel write-order chain. wait blocks
// until the previous claimant's packet is on the wire; done releases the
// next claimant.
type sendTurn struct {
	prev chan struct{}
	next chan struct{}
}

func (st sendTurn) wait() {
	if st.prev != nil {
		<-st.prev
	}
}

func (st sendTurn) done() { close(st.next) }

func (c *Channel) takeTurnLocked() sendTurn {
	st := sendTurn{prev: c.turnTail, next: make(chan struct{})}
	c.turnTail = st.next
	return st
}

// reserveWindow claims up to want bytes of the remote window, waiting FIFO
// when it is empty. The returned turn orders the claimant's wire write after
// every earlier claim.
func (c *Channel) reserveWindow(ctx context.Context, want uint32) (uint32, uint32, sendTurn, error) {
	c.mu.Lock()
	var waiter chan struct{}
	for {
		if c.dead || c.sentClose || c.sentEOF {
			c.abandonWaiterLocked(waiter)
			c.mu.Unlock()
			return 0, 0, sendTurn{}, ErrChannelClosed
		}
		atHead := len(c.waiters) == 0
		if waiter != nil {
			atHead = c.waiters[0] == waiter
		}
		if atHead && c.remoteWindow > 0 {
			if waiter != nil {
				c.waiters = c.waiters[1:]
			}
			n := want
			if n > c.remoteWindow {
				n = c.remoteWindow
			}
			if n > c.remoteMaxPacket {
				n = c.remoteMaxPacket
			}
			c.remoteWindow -= n
			remoteID := c.remoteID
			turn := c.takeTurnLocked()
			// Pass leftover window to the next queued sender.
			if c.remoteWindow > 0 {
				c.wakeHeadLocked()
			}
			c.mu.Unlock()
			return n, remoteID, turn, nil
		}
		if waiter == nil {
			waiter = make(chan struct{}, 1)
			c.waiters = append(c.waiters, waiter)
		}
		c.mu.Unlock()

		select {
		case <-waiter:
		case <-ctx.Done():
			c.abandonWaiter(waiter)
			return 0, 0, sendTurn{}, ctx.Err()
		case <-c.mux.ShutdownStartedChan():
			c.abandonWaiter(waiter)
			return 0, 0, sendTurn{}, ErrChannelClosed
		}
		c.mu.Lock()
	}
}

// wakeHeadLocked signals the oldest queued sender. Signals are level
// triggered: the waiter re-checks the window under the lock, so a stale
// signal is harmless.
func (c *Channel) wakeHeadLocked() {
	if len(c.waiters) > 0 {
		select {
		case c.waiters[0] <- struct{}{}:
		default:
		}
	}
}

func (c *Channel) wakeAllLocked() {
	for _, w := range c.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// abandonWaiterLocked removes a sender from the queue. If it was the head,
// the grant passes to the next in line.
func (c *Channel) abandonWaiterLocked(w chan struct{}) {
	if w == nil {
		return
	}
	for i, queued := range c.waiters {
		if queued == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			if i == 0 && c.remoteWindow > 0 {
				c.wakeHeadLocked()
			}
			return
		}
	}
}

func (c *Channel) abandonWaiter(w chan struct{}) {
	c.mu.Lock()
	c.abandonWaiterLocked(w)
	c.mu.Unlock()
}

// CloseWrite half-closes the channel: the peer sees EOF, but inbound data
// still flows until the peer ends its side.
func (c *Channel) CloseWrite() error {
	c.mu.Lock()
	if c.sentEOF || c.sentClose || c.dead {
		c.mu.Unlock()
		return nil
	}
	c.sentEOF = true
	remoteID := c.remoteID
	turn := c.takeTurnLocked()
	c.wakeAllLocked()
	c.mu.Unlock()

	turn.wait()
	err := c.mux.tr.WritePacket((&sshwire.ChannelEOF{RecipientID: remoteID}).Marshal())
	turn.done()
	return err
}

// Close ends the channel in both directions and waits for the peer's close,
// after which the channel ID is retired. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	sendEOF := !c.sentEOF && !c.dead
	c.sentEOF = true
	sendClose := !c.sentClose && !c.dead
	c.sentClose = true
	remoteID := c.remoteID
	var turn sendTurn
	if sendEOF || sendClose {
		turn = c.takeTurnLocked()
	}
	c.wakeAllLocked()
	c.mu.Unlock()

	if sendEOF || sendClose {
		turn.wait()
		var err error
		if sendEOF {
			err = c.mux.tr.WritePacket((&sshwire.ChannelEOF{RecipientID: remoteID}).Marshal())
		}
		if err == nil && sendClose {
			err = c.mux.tr.WritePacket((&sshwire.ChannelClose{RecipientID: remoteID}).Marshal())
		}
		turn.done()
		if err != nil {
			return err
		}
	}
	select {
	case <-c.closedCh:
	case <-c.mux.ShutdownStartedChan():
	}
	return nil
}

// SendRequest issues a channel request. With wantReply it blocks for the
// peer's verdict; replies resolve strictly in request order.
func (c *Channel) SendRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, error) {
	c.mu.Lock()
	if c.dead || c.sentClose {
		c.mu.Unlock()
		return false, ErrChannelClosed
	}
	remoteID := c.remoteID
	var reply chan requestReply
	if wantReply {
		reply = make(chan requestReply, 1)
		c.pendingReplies = append(c.pendingReplies, reply)
	}
	c.mu.Unlock()

	msg := &sshwire.ChannelRequest{RecipientID: remoteID, Name: name, WantReply: wantReply, Payload: payload}
	if err := c.mux.tr.WritePacket(msg.Marshal()); err != nil {
		if wantReply {
			c.dropReply(reply)
		}
		return false, err
	}
	if !wantReply {
		return true, nil
	}
	select {
	case r := <-reply:
		return r.ok, r.err
	case <-ctx.Done():
		c.dropReply(reply)
		return false, ctx.Err()
	case <-c.mux.ShutdownStartedChan():
		return false, ErrChannelClosed
	}
}

func (c *Channel) dropReply(reply chan requestReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, queued := range c.pendingReplies {
		if queued == reply {
			c.pendingReplies = append(c.pendingReplies[:i], c.pendingReplies[i+1:]...)
			return
		}
	}
}

// Inbound message handling below runs on the session reader goroutine.

func (c *Channel) handleOpenConfirm(m *sshwire.ChannelOpenConfirm) error {
	c.mu.Lock()
	if c.openResolved {
		c.mu.Unlock()
		return fmt.Errorf("sshmux: duplicate open confirmation for channel %d", c.localID)
	}
	c.openResolved = true
	c.remoteID = m.SenderID
	c.remoteWindow = m.InitialWindow
	c.remoteMaxPacket = m.MaxPacketSize
	if c.remoteWindow > 0 {
		c.wakeHeadLocked()
	}
	c.mu.Unlock()
	c.openCh <- nil
	return nil
}

func (c *Channel) handleOpenFailure(m *sshwire.ChannelOpenFailure) error {
	c.mu.Lock()
	if c.openResolved {
		c.mu.Unlock()
		return fmt.Errorf("sshmux: open failure for already-opened channel %d", c.localID)
	}
	c.openResolved = true
	c.mu.Unlock()
	c.mux.unregister(c.localID)
	c.openCh <- &OpenFailure{ChannelType: c.chanType, Reason: m.Reason, Description: m.Description}
	return nil
}

func (c *Channel) handleWindowAdjust(delta uint32) error {
	c.mu.Lock()
	c.remoteWindow += delta
	c.wakeHeadLocked()
	c.mu.Unlock()
	return nil
}

func (c *Channel) handleData(code uint32, data []byte) error {
	size := uint32(len(data))
	c.mu.Lock()
	if c.gotEOF {
		c.mu.Unlock()
		return fmt.Errorf("sshmux: data on channel %d after EOF", c.localID)
	}
	if size > c.maxIncomingSize {
		have := c.maxIncomingSize
		c.mu.Unlock()
		return &WindowViolation{LocalID: c.localID, Have: have, Got: size}
	}
	if size > c.myWindow {
		have := c.myWindow
		c.mu.Unlock()
		return &WindowViolation{LocalID: c.localID, Have: have, Got: size}
	}
	c.myWindow -= size
	c.mu.Unlock()

	switch code {
	case 0:
		c.stdout.write(data)
	case sshwire.ExtendedDataStderr:
		c.stderr.write(data)
	default:
		// Unknown extended stream: discard, but return the window so the
		// peer is not starved by data we will never deliver.
		c.mux.DLogf("channel %d: discarding %d bytes of extended stream %d", c.localID, size, code)
		c.ack(int(size))
	}
	return nil
}

func (c *Channel) handleEOF() error {
	c.mu.Lock()
	if c.gotEOF {
		c.mu.Unlock()
		return fmt.Errorf("sshmux: duplicate EOF on channel %d", c.localID)
	}
	c.gotEOF = true
	c.mu.Unlock()
	c.stdout.markEOF()
	c.stderr.markEOF()
	return nil
}

func (c *Channel) handleClose() error {
	c.mu.Lock()
	if c.gotClose {
		c.mu.Unlock()
		return fmt.Errorf("sshmux: duplicate close on channel %d", c.localID)
	}
	c.gotClose = true
	needReply := !c.sentClose
	c.sentClose = true
	c.sentEOF = true
	c.dead = true
	remoteID := c.remoteID
	pending := c.pendingReplies
	c.pendingReplies = nil
	c.wakeAllLocked()
	c.mu.Unlock()

	c.stdout.markEOF()
	c.stderr.markEOF()
	for _, reply := range pending {
		reply <- requestReply{err: ErrChannelClosed}
	}
	if needReply {
		if err := c.mux.tr.WriteReply((&sshwire.ChannelClose{RecipientID: remoteID}).Marshal()); err != nil {
			return err
		}
	}
	close(c.closedCh)
	c.mux.unregister(c.localID)
	return nil
}

func (c *Channel) handleRequest(m *sshwire.ChannelRequest) error {
	c.handlerMu.Lock()
	h := c.handler
	c.handlerMu.Unlock()

	ok := false
	if h != nil {
		ok = h(m.Name, m.WantReply, m.Payload)
	}
	if !m.WantReply {
		return nil
	}
	c.mu.Lock()
	remoteID := c.remoteID
	c.mu.Unlock()
	var reply sshwire.Message = &sshwire.ChannelFailure{RecipientID: remoteID}
	if ok {
		reply = &sshwire.ChannelSuccess{RecipientID: remoteID}
	}
	return c.mux.tr.WriteReply(reply.Marshal())
}

// handleReply resolves the oldest pending channel request.
func (c *Channel) handleReply(ok bool) error {
	c.mu.Lock()
	if len(c.pendingReplies) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("sshmux: channel %d reply with no pending request", c.localID)
	}
	reply := c.pendingReplies[0]
	c.pendingReplies = c.pendingReplies[1:]
	c.mu.Unlock()
	reply <- requestReply{ok: ok}
	return nil
}

// teardown forcibly ends the channel when the session dies.
func (c *Channel) teardown(err error) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	alreadyClosed := c.gotClose
	pending := c.pendingReplies
	c.pendingReplies = nil
	c.wakeAllLocked()
	c.mu.Unlock()

	c.stdout.fail(err)
	c.stderr.fail(err)
	for _, reply := range pending {
		reply <- requestReply{err: err}
	}
	if !alreadyClosed {
		close(c.closedCh)
	}
}
