package sshmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/sshengine/pkg/sshwire"
)

const (
	// DefaultWindow is the flow-control window granted to the peer on newly
	// opened channels.
	DefaultWindow = 2 * 1024 * 1024

	// DefaultMaxPacket is the largest single data payload we accept.
	DefaultMaxPacket = 32768
)

// Transport carries channel-layer packets for a Mux. WritePacket may block
// on transport-level conditions such as a key re-exchange; WriteReply must
// never block indefinitely because it is called from the transport's own
// reader goroutine.
type Transport interface {
	WritePacket(payload []byte) error
	WriteReply(payload []byte) error
}

// Mux owns the channel table of one session. It consumes channel-range
// messages via HandleMessage and hands each to the addressed channel.
type Mux struct {
	*asyncobj.Helper
	tr Transport

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32
}

// NewMux creates a channel multiplexer over tr. Wire it to the session with
// SetChannelHandler; shut it down when the session ends so blocked channel
// operations fail over to the session's terminal error.
func NewMux(log logger.Logger, tr Transport) *Mux {
	m := &Mux{
		tr:       tr,
		channels: make(map[uint32]*Channel),
	}
	m.Helper = asyncobj.NewHelper(log.ForkLogStr("mux"), m)
	m.SetIsActivated()
	return m
}

// HandleOnceShutdown runs exactly once when the mux shuts down, tearing down
// every live channel so blocked readers, senders, and request waiters all
// observe the terminal error.
func (m *Mux) HandleOnceShutdown(completionErr error) error {
	err := completionErr
	if err == nil {
		err = ErrChannelClosed
	}
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		channels = append(channels, c)
	}
	m.channels = nil
	m.mu.Unlock()
	for _, c := range channels {
		c.teardown(err)
	}
	return completionErr
}

// OpenChannel opens a channel of the given type and blocks until the peer
// confirms or refuses it. window and maxPacket advertise our receive limits;
// zero selects the defaults. A refusal is returned as *OpenFailure and
// leaves the session healthy.
func (m *Mux) OpenChannel(ctx context.Context, chanType string, typeData []byte, window, maxPacket uint32) (*Channel, error) {
	if window == 0 {
		window = DefaultWindow
	}
	if maxPacket == 0 {
		maxPacket = DefaultMaxPacket
	}

	m.mu.Lock()
	if m.channels == nil {
		m.mu.Unlock()
		return nil, ErrChannelClosed
	}
	localID := m.nextID
	m.nextID++
	c := newChannel(m, localID, chanType, window, maxPacket)
	m.channels[localID] = c
	m.mu.Unlock()

	open := &sshwire.ChannelOpen{
		ChannelType:   chanType,
		SenderID:      localID,
		InitialWindow: window,
		MaxPacketSize: maxPacket,
		TypeData:      typeData,
	}
	if err := m.tr.WritePacket(open.Marshal()); err != nil {
		m.unregister(localID)
		return nil, err
	}

	select {
	case err := <-c.openCh:
		if err != nil {
			return nil, err
		}
		m.DLogf("channel %d: opened type %q remote %d maxpacket %d",
			localID, chanType, c.RemoteID(), c.RemoteMaxPacket())
		return c, nil
	case <-ctx.Done():
		// The confirm may still arrive; leave the entry registered so it is
		// not misdelivered, and close out the channel when it resolves.
		go m.reapAbandonedOpen(c)
		return nil, ctx.Err()
	case <-m.ShutdownStartedChan():
		return nil, ErrChannelClosed
	}
}

// reapAbandonedOpen finishes the open handshake for a caller that gave up,
// then closes the channel.
func (m *Mux) reapAbandonedOpen(c *Channel) {
	select {
	case err := <-c.openCh:
		if err == nil {
			_ = c.Close()
		}
	case <-m.ShutdownStartedChan():
	}
}

// HandleMessage dispatches one channel-range message. It runs on the session
// reader goroutine; a non-nil return is fatal to the connection.
func (m *Mux) HandleMessage(msg sshwire.Message) error {
	switch t := msg.(type) {
	case *sshwire.ChannelOpen:
		// Client-side mux: no inbound channel types are served.
		refusal := &sshwire.ChannelOpenFailure{
			RecipientID: t.SenderID,
			Reason:      sshwire.OpenAdministrativelyProhibited,
			Description: fmt.Sprintf("channel type %q not supported", t.ChannelType),
		}
		return m.tr.WriteReply(refusal.Marshal())
	case *sshwire.ChannelOpenConfirm:
		c, ok := m.lookup(t.RecipientID)
		if !ok {
			return fmt.Errorf("sshmux: open confirmation for unknown channel %d", t.RecipientID)
		}
		return c.handleOpenConfirm(t)
	case *sshwire.ChannelOpenFailure:
		c, ok := m.lookup(t.RecipientID)
		if !ok {
			return fmt.Errorf("sshmux: open failure for unknown channel %d", t.RecipientID)
		}
		return c.handleOpenFailure(t)
	case *sshwire.ChannelWindowAdjust:
		c, ok := m.lookup(t.RecipientID)
		if !ok {
			m.dropLate("window adjust", t.RecipientID)
			return nil
		}
		return c.handleWindowAdjust(t.Delta)
	case *sshwire.ChannelData:
		c, ok := m.lookup(t.RecipientID)
		if !ok {
			m.dropLate("data", t.RecipientID)
			return nil
		}
		return c.handleData(0, t.Data)
	case *sshwire.ChannelExtendedData:
		c, ok := m.lookup(t.RecipientID)
		if !ok {
			m.dropLate("extended data", t.RecipientID)
			return nil
		}
		return c.handleData(t.Code, t.Data)
	case *sshwire.ChannelEOF:
		c, ok := m.lookup(t.RecipientID)
		if !ok {
			m.dropLate("EOF", t.RecipientID)
			return nil
		}
		return c.handleEOF()
	case *sshwire.ChannelClose:
		c, ok := m.lookup(t.RecipientID)
		if !ok {
			m.dropLate("close", t.RecipientID)
			return nil
		}
		return c.handleClose()
	case *sshwire.ChannelRequest:
		c, ok := m.lookup(t.RecipientID)
		if !ok {
			m.dropLate("request", t.RecipientID)
			return nil
		}
		return c.handleRequest(t)
	case *sshwire.ChannelSuccess:
		c, ok := m.lookup(t.RecipientID)
		if !ok {
			m.dropLate("request success", t.RecipientID)
			return nil
		}
		return c.handleReply(true)
	case *sshwire.ChannelFailure:
		c, ok := m.lookup(t.RecipientID)
		if !ok {
			m.dropLate("request failure", t.RecipientID)
			return nil
		}
		return c.handleReply(false)
	default:
		return fmt.Errorf("sshmux: unexpected message type %T", msg)
	}
}

func (m *Mux) lookup(localID uint32) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[localID]
	return c, ok
}

// dropLate logs a message addressed to a retired channel ID. IDs are never
// reused, so this can only be in-flight traffic that raced our close.
func (m *Mux) dropLate(kind string, localID uint32) {
	m.DLogf("dropping %s for retired channel %d", kind, localID)
}

func (m *Mux) unregister(localID uint32) {
	m.mu.Lock()
	delete(m.channels, localID)
	m.mu.Unlock()
}

// NumChannels returns the number of live channels.
func (m *Mux) NumChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}
