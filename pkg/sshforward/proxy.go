package sshforward

import (
	"context"
	"fmt"
	stdlog "log"
	"net"
	"strconv"
	"sync"

	socks5 "github.com/armon/go-socks5"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// LocalForwarder listens on a local TCP address and forwards every accepted
// connection to one fixed destination over a direct-tcpip channel.
type LocalForwarder struct {
	*asyncobj.Helper

	dialer   Dialer
	listener net.Listener
	dest     Addr

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewLocalForwarder starts forwarding listenAddr to destHost:destPort. The
// listener is live when NewLocalForwarder returns.
func NewLocalForwarder(log logger.Logger, dialer Dialer, listenAddr string, destHost string, destPort uint32) (*LocalForwarder, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("sshforward: listen %s: %w", listenAddr, err)
	}
	f := &LocalForwarder{
		dialer:   dialer,
		listener: listener,
		dest:     Addr{Host: destHost, Port: destPort},
		conns:    make(map[net.Conn]struct{}),
	}
	f.Helper = asyncobj.NewHelper(log.ForkLogStr(fmt.Sprintf("<LocalForwarder %s->%s>", listener.Addr(), f.dest)), f)
	f.SetIsActivated()
	go f.acceptLoop()
	f.ILogf("forwarding %s to %s", listener.Addr(), f.dest)
	return f, nil
}

// HandleOnceShutdown runs exactly once when the forwarder shuts down.
func (f *LocalForwarder) HandleOnceShutdown(completionErr error) error {
	f.listener.Close()
	f.mu.Lock()
	for conn := range f.conns {
		conn.Close()
	}
	f.conns = nil
	f.mu.Unlock()
	return completionErr
}

// Addr returns the bound listen address.
func (f *LocalForwarder) Addr() net.Addr { return f.listener.Addr() }

func (f *LocalForwarder) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if !f.IsStartedShutdown() {
				f.StartShutdown(fmt.Errorf("sshforward: accept: %w", err))
			}
			return
		}
		if !f.track(conn) {
			conn.Close()
			return
		}
		go f.handle(conn)
	}
}

func (f *LocalForwarder) track(conn net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conns == nil {
		return false
	}
	f.conns[conn] = struct{}{}
	return true
}

func (f *LocalForwarder) untrack(conn net.Conn) {
	f.mu.Lock()
	if f.conns != nil {
		delete(f.conns, conn)
	}
	f.mu.Unlock()
}

func (f *LocalForwarder) handle(conn net.Conn) {
	defer f.untrack(conn)
	remote, err := Dial(context.Background(), f.dialer, f.dest.String(), originOf(conn))
	if err != nil {
		f.WLogf("forward dial %s failed: %s", f.dest, err)
		conn.Close()
		return
	}
	f.DLogf("forwarding %s to %s", conn.RemoteAddr(), f.dest)
	Bridge(f.Logger, conn, remote)
}

// originOf reports the peer address of a local connection as the originator
// passed in the channel open.
func originOf(conn net.Conn) Addr {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return Addr{}
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return Addr{Host: host, Port: uint32(port)}
}

// SocksProxy is a local SOCKS5 server whose outbound connections all travel
// over direct-tcpip channels. Hostnames are passed through unresolved so the
// far end resolves them.
type SocksProxy struct {
	*asyncobj.Helper

	listener net.Listener
	server   *socks5.Server

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// passthroughResolver defers name resolution to the channel's far end. A nil
// IP makes the dial address keep the FQDN.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// socksLogWriter feeds the SOCKS5 library's error lines into our logger.
type socksLogWriter struct {
	log logger.Logger
}

func (w socksLogWriter) Write(p []byte) (int, error) {
	w.log.WLogf("%s", p)
	return len(p), nil
}

// NewSocksProxy starts a SOCKS5 listener on listenAddr dialing through
// dialer.
func NewSocksProxy(log logger.Logger, dialer Dialer, listenAddr string) (*SocksProxy, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("sshforward: listen %s: %w", listenAddr, err)
	}
	p := &SocksProxy{
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
	p.Helper = asyncobj.NewHelper(log.ForkLogStr(fmt.Sprintf("<SocksProxy %s>", listener.Addr())), p)

	server, err := socks5.New(&socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return Dial(ctx, dialer, addr, Addr{})
		},
		Resolver: passthroughResolver{},
		Logger:   stdlog.New(socksLogWriter{p.Logger}, "", 0),
	})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("sshforward: socks5 server: %w", err)
	}
	p.server = server
	p.SetIsActivated()
	go p.acceptLoop()
	p.ILogf("SOCKS5 proxy listening on %s", listener.Addr())
	return p, nil
}

// HandleOnceShutdown runs exactly once when the proxy shuts down.
func (p *SocksProxy) HandleOnceShutdown(completionErr error) error {
	p.listener.Close()
	p.mu.Lock()
	for conn := range p.conns {
		conn.Close()
	}
	p.conns = nil
	p.mu.Unlock()
	return completionErr
}

// Addr returns the bound listen address.
func (p *SocksProxy) Addr() net.Addr { return p.listener.Addr() }

func (p *SocksProxy) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !p.IsStartedShutdown() {
				p.StartShutdown(fmt.Errorf("sshforward: accept: %w", err))
			}
			return
		}
		if !p.track(conn) {
			conn.Close()
			return
		}
		go func() {
			defer p.untrack(conn)
			defer conn.Close()
			if err := p.server.ServeConn(conn); err != nil {
				p.DLogf("socks5 conn ended: %s", err)
			}
		}()
	}
}

func (p *SocksProxy) track(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		return false
	}
	p.conns[conn] = struct{}{}
	return true
}

func (p *SocksProxy) untrack(conn net.Conn) {
	p.mu.Lock()
	if p.conns != nil {
		delete(p.conns, conn)
	}
	p.mu.Unlock()
}
