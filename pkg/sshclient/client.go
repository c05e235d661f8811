package sshclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshengine/pkg/knownhosts"
	"github.com/sammck-go/sshengine/pkg/sshauth"
	"github.com/sammck-go/sshengine/pkg/sshkex"
	"github.com/sammck-go/sshengine/pkg/sshmux"
	"github.com/sammck-go/sshengine/pkg/sshsession"
	"github.com/sammck-go/sshengine/pkg/sshstream"
	"github.com/sammck-go/sshengine/pkg/sshwire"
)

// keepAliveRequest is the global request name used for liveness pings. A
// refusal still proves the peer is responding.
const keepAliveRequest = "keepalive@sshengine.sammck.com"

// Client owns one SSH connection end to end: dialing with reconnect backoff,
// handshake, authentication, the channel multiplexer, and keepalives. A
// Client whose established session dies shuts itself down; callers observe
// the terminal reason via WaitShutdown.
type Client struct {
	*asyncobj.Helper
	log logger.Logger

	cfg      *Config
	verifier sshkex.HostKeyVerifier
	methods  []sshauth.Method
	onBanner func(string)

	mu      sync.Mutex
	session *sshsession.Session
	mux     *sshmux.Mux

	// hostsFile is owned by the client when built from config.
	hostsFile *knownhosts.File
}

// Options carries the non-serializable collaborators a Config cannot hold.
type Options struct {
	// Verifier overrides the host key trust decision. Nil selects one from
	// the config's KnownHostsFile or HostFingerprint.
	Verifier sshkex.HostKeyVerifier

	// Methods are the authentication methods to try, in order. Required.
	Methods []sshauth.Method

	// OnBanner receives pre-authentication banner text.
	OnBanner func(string)
}

// New builds a client. The config must already be validated (LoadConfig
// does this).
func New(log logger.Logger, cfg *Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Methods) == 0 {
		return nil, fmt.Errorf("sshclient: at least one authentication method is required")
	}
	c := &Client{
		log:      log.ForkLogStr(fmt.Sprintf("<Client %s>", cfg.Server)),
		cfg:      cfg,
		verifier: opts.Verifier,
		methods:  opts.Methods,
		onBanner: opts.OnBanner,
	}
	if c.verifier == nil {
		switch {
		case cfg.KnownHostsFile != "":
			hosts, err := knownhosts.NewFile(c.log, cfg.KnownHostsFile)
			if err != nil {
				return nil, fmt.Errorf("sshclient: known hosts: %w", err)
			}
			c.hostsFile = hosts
			c.verifier = hosts
		case cfg.HostFingerprint != "":
			c.verifier = knownhosts.NewFingerprints(map[string]string{
				cfg.Hostname(): cfg.HostFingerprint,
			})
		default:
			return nil, fmt.Errorf("sshclient: no host key trust source (verifier, known_hosts_file, or host_fingerprint)")
		}
	}
	c.Helper = asyncobj.NewHelper(c.log, c)
	c.SetIsActivated()
	return c, nil
}

// HandleOnceShutdown runs exactly once when the client shuts down.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	c.mu.Lock()
	session := c.session
	mux := c.mux
	hosts := c.hostsFile
	c.mu.Unlock()

	if mux != nil {
		mux.StartShutdown(completionErr)
	}
	if session != nil {
		session.StartShutdown(completionErr)
		session.WaitShutdown()
	}
	if mux != nil {
		mux.WaitShutdown()
	}
	if hosts != nil {
		hosts.StartShutdown(nil)
		hosts.WaitShutdown()
	}
	return completionErr
}

// Connect dials, handshakes, and authenticates, retrying transport-level
// failures with exponential backoff up to the configured attempt budget.
// Authentication rejections and host key trust failures are never retried.
func (c *Client) Connect(ctx context.Context) error {
	b := &backoff.Backoff{Max: c.cfg.MaxRetryInterval.Std()}
	for {
		err := c.connectOnce(ctx)
		if err == nil {
			return nil
		}
		var authErr *sshauth.AuthFailure
		if errors.As(err, &authErr) {
			return err
		}
		var kexErr *sshkex.KexFailure
		if errors.As(err, &kexErr) {
			return err
		}
		attempt := int(b.Attempt())
		if c.cfg.MaxRetryCount >= 0 && attempt >= c.cfg.MaxRetryCount {
			return err
		}
		d := b.Duration()
		c.ILogf("connection attempt failed (%s), retrying in %s (attempt %d)", err, d, attempt+1)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ShutdownStartedChan():
			return fmt.Errorf("sshclient: shut down while connecting")
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout.Std())
	defer cancel()

	conn, err := c.dial(dialCtx)
	if err != nil {
		return err
	}

	session, err := sshsession.New(c.log, conn, sshsession.Config{
		Hostname:        c.cfg.Hostname(),
		ClientVersion:   c.cfg.ClientVersion,
		Algorithms:      c.cfg.Algorithms.Apply(sshkex.DefaultAlgorithms()),
		HostKeyVerifier: c.verifier,
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := session.Handshake(dialCtx); err != nil {
		session.Close()
		return err
	}
	if err := session.Authenticate(dialCtx, sshauth.Request{
		User:     c.cfg.User,
		Methods:  c.methods,
		OnBanner: c.onBanner,
	}); err != nil {
		session.Close()
		return err
	}

	mux := sshmux.NewMux(c.log, session)
	session.SetChannelHandler(mux)

	c.mu.Lock()
	c.session = session
	c.mux = mux
	c.mu.Unlock()

	agreed := session.Result().Agreed
	c.ILogf("connected to %s (kex %s, host key %s, cipher %s/%s)",
		c.cfg.Server, agreed.Kex, agreed.HostKey, agreed.CipherCS, agreed.CipherSC)

	go c.superviseSession(session, mux)
	if c.cfg.KeepAlive > 0 {
		go c.keepAliveLoop(session)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.cfg.IsWebSocket() {
		d := websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: c.cfg.DialTimeout.Std(),
		}
		ws, _, err := d.DialContext(ctx, c.cfg.Server, nil)
		if err != nil {
			return nil, fmt.Errorf("sshclient: websocket dial %s: %w", c.cfg.Server, err)
		}
		return newWSConn(ws), nil
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", c.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("sshclient: dial %s: %w", c.cfg.Server, err)
	}
	return conn, nil
}

// superviseSession propagates session death to the client and logs final
// traffic totals.
func (c *Client) superviseSession(session *sshsession.Session, mux *sshmux.Mux) {
	err := session.WaitShutdown()
	written, read := session.TrafficTotals()
	c.ILogf("session ended (sent %s, received %s): %v",
		sizestr.ToString(int64(written)), sizestr.ToString(int64(read)), err)
	mux.StartShutdown(err)
	c.StartShutdown(err)
}

func (c *Client) keepAliveLoop(session *sshsession.Session) {
	ticker := time.NewTicker(c.cfg.KeepAlive.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t0 := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout.Std())
			_, err := session.GlobalRequest(ctx, keepAliveRequest, true, nil)
			cancel()
			var refused *sshsession.GlobalRequestRefusedError
			if err != nil && !errors.As(err, &refused) {
				c.WLogf("keepalive failed: %s", err)
				continue
			}
			written, read := session.TrafficTotals()
			c.DLogf("keepalive ok (latency %s, sent %s, received %s)",
				time.Since(t0), sizestr.ToString(int64(written)), sizestr.ToString(int64(read)))
		case <-session.ShutdownStartedChan():
			return
		case <-c.ShutdownStartedChan():
			return
		}
	}
}

// Session returns the live session, or nil before Connect succeeds.
func (c *Client) Session() *sshsession.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Mux returns the channel multiplexer, or nil before Connect succeeds.
func (c *Client) Mux() *sshmux.Mux {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mux
}

// NegotiatedAlgorithms reports the outcome of the most recent key exchange.
func (c *Client) NegotiatedAlgorithms() (sshkex.Agreed, error) {
	session := c.Session()
	if session == nil {
		return sshkex.Agreed{}, fmt.Errorf("sshclient: not connected")
	}
	result := session.Result()
	if result == nil {
		return sshkex.Agreed{}, fmt.Errorf("sshclient: no key exchange has completed")
	}
	return result.Agreed, nil
}

// OpenSession opens a "session" channel wrapped as a Stream, ready for
// Exec/Shell/Subsystem.
func (c *Client) OpenSession(ctx context.Context) (*sshstream.Stream, error) {
	mux := c.Mux()
	if mux == nil {
		return nil, fmt.Errorf("sshclient: not connected")
	}
	ch, err := mux.OpenChannel(ctx, sshstream.SessionChannelType, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	return sshstream.New(ch), nil
}

// OpenDirectTCPIP opens a direct-tcpip channel asking the server to connect
// to destHost:destPort on our behalf.
func (c *Client) OpenDirectTCPIP(ctx context.Context, destHost string, destPort uint32, origHost string, origPort uint32) (*sshmux.Channel, error) {
	mux := c.Mux()
	if mux == nil {
		return nil, fmt.Errorf("sshclient: not connected")
	}
	var e sshwire.Encoder
	typeData := e.String(destHost).Uint32(destPort).String(origHost).Uint32(origPort).Payload()
	return mux.OpenChannel(ctx, "direct-tcpip", typeData, 0, 0)
}

// Disconnect sends SSH_MSG_DISCONNECT with the given reason and description,
// then shuts the client down. The session's terminal error records the
// locally initiated disconnect.
func (c *Client) Disconnect(reason uint32, description string) error {
	session := c.Session()
	if session == nil {
		c.StartShutdown(nil)
		return c.WaitShutdown()
	}
	err := session.Disconnect(reason, description)
	c.StartShutdown(nil)
	c.WaitShutdown()
	return err
}

// Close shuts the client down immediately.
func (c *Client) Close() error {
	c.StartShutdown(nil)
	return c.WaitShutdown()
}
