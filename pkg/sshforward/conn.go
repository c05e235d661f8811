package sshforward

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshengine/pkg/sshmux"
)

// Dialer opens direct-tcpip channels on behalf of local callers. A connected
// client satisfies it.
type Dialer interface {
	OpenDirectTCPIP(ctx context.Context, destHost string, destPort uint32, origHost string, origPort uint32) (*sshmux.Channel, error)
}

// Addr names the far end of a forwarded connection.
type Addr struct {
	Host string
	Port uint32
}

// Network implements net.Addr.
func (a Addr) Network() string { return "direct-tcpip" }

// String implements net.Addr.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.FormatUint(uint64(a.Port), 10))
}

// Conn adapts a direct-tcpip channel to net.Conn.
type Conn struct {
	ch     *sshmux.Channel
	remote Addr
}

var _ net.Conn = (*Conn)(nil)

// Dial opens a direct-tcpip channel to addr ("host:port") and wraps it as a
// net.Conn. orig describes the local originator reported to the server; a
// zero value is fine when the originator is unknown.
func Dial(ctx context.Context, d Dialer, addr string, orig Addr) (*Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("sshforward: bad destination %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("sshforward: bad destination port %q: %w", portStr, err)
	}
	if orig.Host == "" {
		orig.Host = "0.0.0.0"
	}
	ch, err := d.OpenDirectTCPIP(ctx, host, uint32(port), orig.Host, orig.Port)
	if err != nil {
		return nil, err
	}
	return &Conn{ch: ch, remote: Addr{Host: host, Port: uint32(port)}}, nil
}

// Channel returns the underlying channel.
func (c *Conn) Channel() *sshmux.Channel { return c.ch }

func (c *Conn) Read(p []byte) (int, error)  { return c.ch.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.ch.Write(p) }

// CloseWrite half-closes the sending direction.
func (c *Conn) CloseWrite() error { return c.ch.CloseWrite() }

// Close closes the channel and waits for the peer's close.
func (c *Conn) Close() error { return c.ch.Close() }

// LocalAddr returns a zero TCP address. The SOCKS5 reply path reads the bind
// address from here and requires a *net.TCPAddr.
func (c *Conn) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4zero, Port: 0} }

// RemoteAddr returns the forwarded destination.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Deadlines have no effect on a multiplexed channel.
func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }

type closeWriter interface {
	CloseWrite() error
}

var lastBridgeNum int64

// Bridge copies bi-directionally between caller and service until both
// directions reach end of stream, half-closing each writer as its direction
// finishes. Both conns are closed before Bridge returns. It reports the
// bytes moved caller-to-service and service-to-caller and the first copy
// error, if any.
func Bridge(log logger.Logger, caller, service net.Conn) (int64, int64, error) {
	bridgeNum := atomic.AddInt64(&lastBridgeNum, 1)
	log = log.ForkLogStr(fmt.Sprintf("<Bridge#%d %s>", bridgeNum, service.RemoteAddr()))

	var toService, toCaller int64
	var toServiceErr, toCallerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	copyDir := func(dst, src net.Conn, n *int64, copyErr *error) {
		defer wg.Done()
		*n, *copyErr = io.Copy(dst, src)
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		}
	}
	go copyDir(service, caller, &toService, &toServiceErr)
	go copyDir(caller, service, &toCaller, &toCallerErr)
	wg.Wait()

	service.Close()
	caller.Close()

	err := toServiceErr
	if err == nil {
		err = toCallerErr
	}
	log.DLogf("bridge done (sent %s, received %s): %v",
		sizestr.ToString(toService), sizestr.ToString(toCaller), err)
	return toService, toCaller, err
}
