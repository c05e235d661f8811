package sshforward

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshengine/pkg/sshmux"
	"github.com/sammck-go/sshengine/pkg/sshwire"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(testWriter{t}),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return lg
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// fakeRemote plays the server end of the channel protocol: it answers
// direct-tcpip opens by really dialing the requested destination and pumps
// bytes between the TCP conn and the mux.
type fakeRemote struct {
	t    *testing.T
	m    *sshmux.Mux
	msgs chan sshwire.Message

	mu     sync.Mutex
	chans  map[uint32]*remoteChan
	nextID uint32
}

type remoteChan struct {
	clientID  uint32
	conn      net.Conn
	closeOnce sync.Once
}

func newFakeRemote(t *testing.T) (*fakeRemote, *sshmux.Mux) {
	r := &fakeRemote{
		t:     t,
		msgs:  make(chan sshwire.Message, 256),
		chans: make(map[uint32]*remoteChan),
	}
	r.m = sshmux.NewMux(testLogger(t), r)
	t.Cleanup(func() {
		r.m.StartShutdown(nil)
		r.m.WaitShutdown()
	})
	go r.serve()
	return r, r.m
}

func (r *fakeRemote) record(payload []byte) error {
	msg, err := sshwire.Parse(payload)
	if err != nil {
		return err
	}
	r.msgs <- msg
	return nil
}

func (r *fakeRemote) WritePacket(payload []byte) error { return r.record(payload) }
func (r *fakeRemote) WriteReply(payload []byte) error  { return r.record(payload) }

func (r *fakeRemote) serve() {
	for msg := range r.msgs {
		switch m := msg.(type) {
		case *sshwire.ChannelOpen:
			r.handleOpen(m)
		case *sshwire.ChannelData:
			if rc := r.get(m.RecipientID); rc != nil {
				rc.conn.Write(m.Data)
			}
		case *sshwire.ChannelEOF:
			if rc := r.get(m.RecipientID); rc != nil {
				if cw, ok := rc.conn.(*net.TCPConn); ok {
					cw.CloseWrite()
				}
			}
		case *sshwire.ChannelClose:
			if rc := r.get(m.RecipientID); rc != nil {
				r.closeChan(m.RecipientID, rc)
			}
		case *sshwire.ChannelWindowAdjust:
			// The granted window is large enough for test payloads.
		}
	}
}

func (r *fakeRemote) get(id uint32) *remoteChan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chans[id]
}

// closeChan tears down the TCP side and completes the close handshake once.
func (r *fakeRemote) closeChan(id uint32, rc *remoteChan) {
	rc.closeOnce.Do(func() {
		rc.conn.Close()
		r.mu.Lock()
		delete(r.chans, id)
		r.mu.Unlock()
		r.m.HandleMessage(&sshwire.ChannelClose{RecipientID: rc.clientID})
	})
}

func (r *fakeRemote) handleOpen(open *sshwire.ChannelOpen) {
	if open.ChannelType != "direct-tcpip" {
		r.m.HandleMessage(&sshwire.ChannelOpenFailure{
			RecipientID: open.SenderID,
			Reason:      sshwire.OpenUnknownChannelType,
			Description: open.ChannelType,
		})
		return
	}
	d := sshwire.NewDecoder(open.TypeData)
	destHost := d.String()
	destPort := d.Uint32()
	_ = d.String()
	d.Uint32()
	if err := d.Close(); err != nil {
		r.t.Errorf("bad direct-tcpip type data: %v", err)
		return
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(destHost, strconv.FormatUint(uint64(destPort), 10)))
	if err != nil {
		r.m.HandleMessage(&sshwire.ChannelOpenFailure{
			RecipientID: open.SenderID,
			Reason:      sshwire.OpenConnectFailed,
			Description: err.Error(),
		})
		return
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	rc := &remoteChan{clientID: open.SenderID, conn: conn}
	r.chans[id] = rc
	r.mu.Unlock()

	r.m.HandleMessage(&sshwire.ChannelOpenConfirm{
		RecipientID:   open.SenderID,
		SenderID:      id,
		InitialWindow: 1 << 20,
		MaxPacketSize: 32768,
	})

	// Pump destination bytes back to the channel.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				r.m.HandleMessage(&sshwire.ChannelData{RecipientID: rc.clientID, Data: data})
			}
			if err != nil {
				r.m.HandleMessage(&sshwire.ChannelEOF{RecipientID: rc.clientID})
				r.closeChan(id, rc)
				return
			}
		}
	}()
}

// muxDialer opens direct-tcpip channels the way a connected client does.
type muxDialer struct {
	m *sshmux.Mux
}

func (d muxDialer) OpenDirectTCPIP(ctx context.Context, destHost string, destPort uint32, origHost string, origPort uint32) (*sshmux.Channel, error) {
	var e sshwire.Encoder
	typeData := e.String(destHost).Uint32(destPort).String(origHost).Uint32(origPort).Payload()
	return d.m.OpenChannel(ctx, "direct-tcpip", typeData, 0, 0)
}

func startEchoServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return l.Addr().(*net.TCPAddr)
}

func roundTrip(t *testing.T, conn net.Conn, payload string) string {
	t.Helper()
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if cw, ok := conn.(*net.TCPConn); ok {
		cw.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(got)
}

func TestLocalForwarderEcho(t *testing.T) {
	echo := startEchoServer(t)
	_, m := newFakeRemote(t)

	f, err := NewLocalForwarder(testLogger(t), muxDialer{m}, "127.0.0.1:0", "127.0.0.1", uint32(echo.Port))
	if err != nil {
		t.Fatalf("NewLocalForwarder: %v", err)
	}
	t.Cleanup(func() {
		f.StartShutdown(nil)
		f.WaitShutdown()
	})

	conn, err := net.Dial("tcp", f.Addr().String())
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer conn.Close()
	if got := roundTrip(t, conn, "hello across the tunnel"); got != "hello across the tunnel" {
		t.Errorf("echo round trip = %q", got)
	}
}

func TestDialConnectFailure(t *testing.T) {
	_, m := newFakeRemote(t)

	// A listener that is immediately closed yields a port nothing serves.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = Dial(ctx, muxDialer{m}, deadAddr, Addr{})
	var openErr *sshmux.OpenFailure
	if !errors.As(err, &openErr) || openErr.Reason != sshwire.OpenConnectFailed {
		t.Fatalf("Dial to dead port: got %v, want connect-failed OpenFailure", err)
	}
}

func TestDialBadAddress(t *testing.T) {
	_, m := newFakeRemote(t)
	ctx := context.Background()
	if _, err := Dial(ctx, muxDialer{m}, "no-port-here", Addr{}); err == nil {
		t.Errorf("address without port accepted")
	}
	if _, err := Dial(ctx, muxDialer{m}, "host:99999", Addr{}); err == nil {
		t.Errorf("out of range port accepted")
	}
}

// socksConnect performs a raw SOCKS5 no-auth CONNECT and returns the conn
// ready for payload bytes.
func socksConnect(t *testing.T, proxyAddr string, destAddr []byte) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := conn.Write([]byte{5, 1, 0}); err != nil {
		t.Fatalf("method offer: %v", err)
	}
	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil {
		t.Fatalf("method reply: %v", err)
	}
	if method[0] != 5 || method[1] != 0 {
		t.Fatalf("method reply = %v, want no-auth", method)
	}

	req := append([]byte{5, 1, 0}, destAddr...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("connect request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("connect reply: %v", err)
	}
	if reply[1] != 0 {
		t.Fatalf("connect rejected, code %d", reply[1])
	}
	conn.SetDeadline(time.Time{})
	return conn
}

func ipv4Dest(addr *net.TCPAddr) []byte {
	dest := append([]byte{1}, addr.IP.To4()...)
	return append(dest, byte(addr.Port>>8), byte(addr.Port))
}

func domainDest(host string, port int) []byte {
	dest := append([]byte{3, byte(len(host))}, host...)
	return append(dest, byte(port>>8), byte(port))
}

func newTestProxy(t *testing.T) *SocksProxy {
	t.Helper()
	_, m := newFakeRemote(t)
	p, err := NewSocksProxy(testLogger(t), muxDialer{m}, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSocksProxy: %v", err)
	}
	t.Cleanup(func() {
		p.StartShutdown(nil)
		p.WaitShutdown()
	})
	return p
}

func TestSocksProxyConnect(t *testing.T) {
	echo := startEchoServer(t)
	p := newTestProxy(t)

	conn := socksConnect(t, p.Addr().String(), ipv4Dest(echo))
	defer conn.Close()
	if got := roundTrip(t, conn, "socks payload"); got != "socks payload" {
		t.Errorf("echo round trip = %q", got)
	}
}

func TestSocksProxyDomainPassthrough(t *testing.T) {
	echo := startEchoServer(t)
	p := newTestProxy(t)

	// The proxy must hand the name to the channel unresolved; the remote end
	// resolves it when dialing.
	conn := socksConnect(t, p.Addr().String(), domainDest("localhost", echo.Port))
	defer conn.Close()
	if got := roundTrip(t, conn, "named destination"); got != "named destination" {
		t.Errorf("echo round trip = %q", got)
	}
}

func TestSocksProxyConnectRefused(t *testing.T) {
	p := newTestProxy(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := l.Addr().(*net.TCPAddr)
	l.Close()

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write([]byte{5, 1, 0}); err != nil {
		t.Fatalf("method offer: %v", err)
	}
	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil {
		t.Fatalf("method reply: %v", err)
	}
	if _, err := conn.Write(append([]byte{5, 1, 0}, ipv4Dest(dead)...)); err != nil {
		t.Fatalf("connect request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("connect reply: %v", err)
	}
	if reply[1] == 0 {
		t.Errorf("connect to dead port reported success")
	}
}

func TestAddrString(t *testing.T) {
	a := Addr{Host: "example.com", Port: 8080}
	if a.String() != "example.com:8080" || a.Network() != "direct-tcpip" {
		t.Errorf("addr = %s/%s", a.Network(), a.String())
	}
	v6 := Addr{Host: "::1", Port: 22}
	if v6.String() != "[::1]:22" {
		t.Errorf("v6 addr = %s", v6.String())
	}
}

func TestBridgeCounts(t *testing.T) {
	echo := startEchoServer(t)
	_, m := newFakeRemote(t)

	local, far := net.Pipe()
	remote, err := Dial(context.Background(), muxDialer{m}, echo.String(), Addr{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	done := make(chan struct{})
	var toService, toCaller int64
	go func() {
		defer close(done)
		toService, toCaller, _ = Bridge(testLogger(t), far, remote)
	}()

	payload := bytes.Repeat([]byte("x"), 1000)
	if _, err := local.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(local, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	local.Close()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("bridge never finished")
	}
	if toService != 1000 || toCaller != 1000 {
		t.Errorf("bridge counts = %d/%d, want 1000/1000", toService, toCaller)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload corrupted in transit")
	}
}
