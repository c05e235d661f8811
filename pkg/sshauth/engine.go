package sshauth

import (
	"context"
	"fmt"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshengine/pkg/sshwire"
)

// serviceUserauth is the transport-level service that carries auth traffic.
const serviceUserauth = "ssh-userauth"

// defaultMaxAttempts bounds failed attempts per Run. Interactive methods can
// otherwise loop forever against a server that keeps saying no.
const defaultMaxAttempts = 8

// Conn is the engine's view of an established, keyed session transport.
// ReadMessage delivers only authentication-class messages; transport
// concerns (re-keying, keepalives) are invisible here.
type Conn interface {
	WritePacket(payload []byte) error
	ReadMessage(ctx context.Context) (sshwire.Message, error)

	// SessionID returns the connection's session identifier, bound into
	// public key signatures.
	SessionID() []byte
}

// Request describes one authentication episode.
type Request struct {
	// User is the account name to authenticate.
	User string

	// Service is the service to request after authentication. Defaults to
	// "ssh-connection".
	Service string

	// Methods are tried in order, each skipped while the server's
	// advertised set excludes it.
	Methods []Method

	// MaxAttempts caps failed attempts before giving up. Zero means the
	// default budget.
	MaxAttempts int

	// OnBanner, if non-nil, receives server banner text. Banners may
	// arrive at any point during authentication.
	OnBanner func(text string)
}

// Engine runs authentication episodes over a session transport.
type Engine struct {
	logger.Logger
	req Request

	// Keys the server has rejected this episode, by raw blob. A rejected
	// key is never offered or signed again within the episode.
	rejectedKeys map[string]bool
}

// NewEngine creates an authentication engine for one episode.
func NewEngine(log logger.Logger, req Request) *Engine {
	if req.Service == "" {
		req.Service = "ssh-connection"
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = defaultMaxAttempts
	}
	return &Engine{
		Logger:       log.ForkLogStr("auth"),
		req:          req,
		rejectedKeys: make(map[string]bool),
	}
}

// attemptOutcome is one method attempt's result.
type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeFailure
	outcomePartial
	outcomeSkipped
)

// Method is one client credential mechanism.
type Method interface {
	// Name is the RFC 4252 method name advertised in allowed-method lists.
	Name() string

	// attempt runs one authentication attempt. On outcomeFailure and
	// outcomePartial, allowed is the server's updated method set.
	attempt(ctx context.Context, e *Engine, conn Conn) (outcome attemptOutcome, allowed []string, err error)
}

// Run performs the authentication episode: it requests the ssh-userauth
// service, probes with the "none" method to learn the server's allowed set,
// then walks the configured methods in order. It returns nil on success and
// *AuthFailure when the episode is exhausted; any other error is a transport
// or protocol failure.
func (e *Engine) Run(ctx context.Context, conn Conn) error {
	if err := e.requestService(ctx, conn); err != nil {
		return err
	}

	// The "none" probe either succeeds outright or reports which methods
	// the server will consider.
	allowed, success, partial, err := e.probeNone(ctx, conn)
	if err != nil {
		return err
	}
	if success {
		e.ILogf("user %q authenticated with no credentials", e.req.User)
		return nil
	}

	failure := &AuthFailure{User: e.req.User, Allowed: allowed, Partial: partial}
	attempts := 0
	for _, m := range e.req.Methods {
		for {
			if !nameAllowed(allowed, m.Name()) {
				e.DLogf("skipping method %q (server allows %v)", m.Name(), allowed)
				break
			}
			if attempts >= e.req.MaxAttempts {
				e.DLogf("attempt budget (%d) exhausted", e.req.MaxAttempts)
				failure.Allowed = allowed
				return failure
			}
			attempts++
			outcome, newAllowed, err := m.attempt(ctx, e, conn)
			if err != nil {
				return err
			}
			switch outcome {
			case outcomeSuccess:
				e.ILogf("user %q authenticated via %s", e.req.User, m.Name())
				return nil
			case outcomeSkipped:
				// The method had nothing to offer (no signers left, no
				// callback). Not counted against the budget.
				attempts--
			case outcomePartial:
				// The method passed but more are required. Continue with
				// the narrowed set; the same method may even be listed
				// again.
				e.ILogf("method %s partially succeeded, server now allows %v", m.Name(), newAllowed)
				failure.Partial = true
				allowed = newAllowed
				failure.Tried = appendName(failure.Tried, m.Name())
				continue
			case outcomeFailure:
				allowed = newAllowed
				failure.Allowed = newAllowed
				failure.Tried = appendName(failure.Tried, m.Name())
			}
			break
		}
	}
	failure.Allowed = allowed
	return failure
}

// requestService performs the SERVICE_REQUEST / SERVICE_ACCEPT trade for
// ssh-userauth.
func (e *Engine) requestService(ctx context.Context, conn Conn) error {
	req := &sshwire.ServiceRequest{Name: serviceUserauth}
	if err := conn.WritePacket(req.Marshal()); err != nil {
		return err
	}
	msg, err := e.readMessage(ctx, conn)
	if err != nil {
		return err
	}
	accept, ok := msg.(*sshwire.ServiceAccept)
	if !ok {
		return fmt.Errorf("sshauth: expected SERVICE_ACCEPT, got message %d", msg.MessageNumber())
	}
	if accept.Name != serviceUserauth {
		return fmt.Errorf("sshauth: server accepted service %q, want %s", accept.Name, serviceUserauth)
	}
	return nil
}

// probeNone issues the "none" method to learn the allowed set.
func (e *Engine) probeNone(ctx context.Context, conn Conn) (allowed []string, success, partial bool, err error) {
	req := &sshwire.UserauthRequest{User: e.req.User, Service: e.req.Service, Method: "none"}
	if err := conn.WritePacket(req.Marshal()); err != nil {
		return nil, false, false, err
	}
	msg, err := e.readMessage(ctx, conn)
	if err != nil {
		return nil, false, false, err
	}
	switch m := msg.(type) {
	case *sshwire.UserauthSuccess:
		return nil, true, false, nil
	case *sshwire.UserauthFailure:
		return m.MethodsThatCanContinue, false, m.PartialSuccess, nil
	default:
		return nil, false, false, fmt.Errorf("sshauth: unexpected message %d in none probe", msg.MessageNumber())
	}
}

// readMessage reads the next auth message, handling banners inline.
func (e *Engine) readMessage(ctx context.Context, conn Conn) (sshwire.Message, error) {
	for {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		if banner, ok := msg.(*sshwire.UserauthBanner); ok {
			if e.req.OnBanner != nil {
				e.req.OnBanner(banner.Text)
			} else {
				e.ILogf("server banner: %s", banner.Text)
			}
			continue
		}
		return msg, nil
	}
}

func nameAllowed(allowed []string, name string) bool {
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}

func appendName(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}
