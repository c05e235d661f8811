package sshauth

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sammck-go/sshengine/pkg/sshwire"
)

// Signer holds a private key usable for public key authentication. The key
// itself never crosses this boundary; only signatures do.
type Signer interface {
	// AlgorithmName is the signature algorithm name sent on the wire,
	// e.g. "ssh-ed25519" or "rsa-sha2-256".
	AlgorithmName() string

	// PublicKeyBlob is the wire-format public key.
	PublicKeyBlob() []byte

	// Sign signs data and returns the raw signature bytes (the inner
	// field of the signature blob).
	Sign(data []byte) ([]byte, error)
}

// Prompt is one keyboard-interactive prompt. Responses to prompts with
// Echo=false are secret and must not be logged or retained.
type Prompt struct {
	Text string
	Echo bool
}

// InteractiveChallenge answers one round of keyboard-interactive prompts.
// It must return exactly one response per prompt.
type InteractiveChallenge func(name, instruction string, prompts []Prompt) ([]string, error)

// Password authenticates with a fixed password.
func Password(secret string) Method {
	return PasswordCallback(func() (string, error) { return secret, nil })
}

// PasswordCallback authenticates with a password obtained at attempt time,
// so the secret need not be held for the life of the configuration.
func PasswordCallback(fn func() (string, error)) Method {
	return &passwordMethod{fn: fn}
}

type passwordMethod struct {
	fn func() (string, error)
}

func (m *passwordMethod) Name() string { return "password" }

func (m *passwordMethod) attempt(ctx context.Context, e *Engine, conn Conn) (attemptOutcome, []string, error) {
	secret, err := m.fn()
	if err != nil {
		return outcomeSkipped, nil, nil
	}
	var data sshwire.Encoder
	data.Bool(false).String(secret)
	req := &sshwire.UserauthRequest{
		User:       e.req.User,
		Service:    e.req.Service,
		Method:     m.Name(),
		MethodData: data.Payload(),
	}
	if err := conn.WritePacket(req.Marshal()); err != nil {
		return outcomeFailure, nil, err
	}
	msg, err := e.readMessage(ctx, conn)
	if err != nil {
		return outcomeFailure, nil, err
	}
	switch r := msg.(type) {
	case *sshwire.UserauthSuccess:
		return outcomeSuccess, nil, nil
	case *sshwire.UserauthFailure:
		return failureOutcome(r), r.MethodsThatCanContinue, nil
	case *sshwire.ContextualMessage:
		if r.Number == sshwire.MsgUserauthInfoRequest {
			// SSH_MSG_USERAUTH_PASSWD_CHANGEREQ shares number 60.
			return outcomeFailure, nil, fmt.Errorf("sshauth: server requires a password change")
		}
		return outcomeFailure, nil, fmt.Errorf("sshauth: unexpected message %d during password auth", r.Number)
	default:
		return outcomeFailure, nil, fmt.Errorf("sshauth: unexpected message %d during password auth", msg.MessageNumber())
	}
}

// PublicKey authenticates with one or more private keys. Each key is first
// offered unsigned; a signature is produced only after the server confirms
// it would accept the key. Keys the server rejects are remembered for the
// episode and never offered or signed again.
func PublicKey(signers ...Signer) Method {
	return &publicKeyMethod{signers: signers}
}

type publicKeyMethod struct {
	signers []Signer
}

func (m *publicKeyMethod) Name() string { return "publickey" }

func (m *publicKeyMethod) attempt(ctx context.Context, e *Engine, conn Conn) (attemptOutcome, []string, error) {
	offered := false
	var lastAllowed []string
	lastOutcome := outcomeFailure

	for _, signer := range m.signers {
		blob := signer.PublicKeyBlob()
		if e.rejectedKeys[string(blob)] {
			continue
		}
		offered = true

		ok, allowed, err := m.probe(ctx, e, conn, signer, blob)
		if err != nil {
			return outcomeFailure, nil, err
		}
		if !ok {
			e.DLogf("server declined %s key", signer.AlgorithmName())
			e.rejectedKeys[string(blob)] = true
			lastAllowed = allowed
			if !nameAllowed(allowed, m.Name()) {
				return outcomeFailure, allowed, nil
			}
			continue
		}

		outcome, allowed, err := m.sign(ctx, e, conn, signer, blob)
		if err != nil {
			return outcomeFailure, nil, err
		}
		if outcome == outcomeSuccess || outcome == outcomePartial {
			return outcome, allowed, nil
		}
		// Confirmed then rejected with a signature. Do not offer it again.
		e.rejectedKeys[string(blob)] = true
		lastAllowed = allowed
		lastOutcome = outcome
		if !nameAllowed(allowed, m.Name()) {
			break
		}
	}
	if !offered {
		return outcomeSkipped, nil, nil
	}
	return lastOutcome, lastAllowed, nil
}

// probe offers the key unsigned and waits for the server's verdict.
func (m *publicKeyMethod) probe(ctx context.Context, e *Engine, conn Conn, signer Signer, blob []byte) (bool, []string, error) {
	var data sshwire.Encoder
	data.Bool(false).String(signer.AlgorithmName()).Bytes(blob)
	req := &sshwire.UserauthRequest{
		User:       e.req.User,
		Service:    e.req.Service,
		Method:     m.Name(),
		MethodData: data.Payload(),
	}
	if err := conn.WritePacket(req.Marshal()); err != nil {
		return false, nil, err
	}
	msg, err := e.readMessage(ctx, conn)
	if err != nil {
		return false, nil, err
	}
	switch r := msg.(type) {
	case *sshwire.ContextualMessage:
		if r.Number != sshwire.MsgUserauthPubKeyOK {
			return false, nil, fmt.Errorf("sshauth: unexpected message %d during publickey probe", r.Number)
		}
		d := sshwire.NewDecoder(r.Body)
		alg := d.String()
		confirmed := d.Bytes()
		if err := d.Close(); err != nil {
			return false, nil, fmt.Errorf("sshauth: malformed PK_OK: %w", err)
		}
		if alg != signer.AlgorithmName() || !bytes.Equal(confirmed, blob) {
			return false, nil, fmt.Errorf("sshauth: server confirmed a different key than offered")
		}
		return true, nil, nil
	case *sshwire.UserauthFailure:
		return false, r.MethodsThatCanContinue, nil
	default:
		return false, nil, fmt.Errorf("sshauth: unexpected message %d during publickey probe", msg.MessageNumber())
	}
}

// sign sends the signed request for a server-confirmed key.
func (m *publicKeyMethod) sign(ctx context.Context, e *Engine, conn Conn, signer Signer, blob []byte) (attemptOutcome, []string, error) {
	// The signature covers the session ID plus the signed request fields
	// (RFC 4252 §7).
	var signed sshwire.Encoder
	signed.Bytes(conn.SessionID()).
		Byte(sshwire.MsgUserauthRequest).
		String(e.req.User).
		String(e.req.Service).
		String(m.Name()).
		Bool(true).
		String(signer.AlgorithmName()).
		Bytes(blob)
	rawSig, err := signer.Sign(signed.Payload())
	if err != nil {
		return outcomeFailure, nil, fmt.Errorf("sshauth: signing failed: %w", err)
	}
	var sigBlob sshwire.Encoder
	sigBlob.String(signer.AlgorithmName()).Bytes(rawSig)

	var data sshwire.Encoder
	data.Bool(true).String(signer.AlgorithmName()).Bytes(blob).Bytes(sigBlob.Payload())
	req := &sshwire.UserauthRequest{
		User:       e.req.User,
		Service:    e.req.Service,
		Method:     m.Name(),
		MethodData: data.Payload(),
	}
	if err := conn.WritePacket(req.Marshal()); err != nil {
		return outcomeFailure, nil, err
	}
	msg, err := e.readMessage(ctx, conn)
	if err != nil {
		return outcomeFailure, nil, err
	}
	switch r := msg.(type) {
	case *sshwire.UserauthSuccess:
		return outcomeSuccess, nil, nil
	case *sshwire.UserauthFailure:
		return failureOutcome(r), r.MethodsThatCanContinue, nil
	default:
		return outcomeFailure, nil, fmt.Errorf("sshauth: unexpected message %d after signed publickey request", msg.MessageNumber())
	}
}

// KeyboardInteractive authenticates by relaying server prompt rounds to the
// challenge callback.
func KeyboardInteractive(challenge InteractiveChallenge) Method {
	return &keyboardInteractiveMethod{challenge: challenge}
}

type keyboardInteractiveMethod struct {
	challenge InteractiveChallenge
}

func (m *keyboardInteractiveMethod) Name() string { return "keyboard-interactive" }

func (m *keyboardInteractiveMethod) attempt(ctx context.Context, e *Engine, conn Conn) (attemptOutcome, []string, error) {
	if m.challenge == nil {
		return outcomeSkipped, nil, nil
	}
	var data sshwire.Encoder
	data.String("").String("") // language, submethods
	req := &sshwire.UserauthRequest{
		User:       e.req.User,
		Service:    e.req.Service,
		Method:     m.Name(),
		MethodData: data.Payload(),
	}
	if err := conn.WritePacket(req.Marshal()); err != nil {
		return outcomeFailure, nil, err
	}

	for {
		msg, err := e.readMessage(ctx, conn)
		if err != nil {
			return outcomeFailure, nil, err
		}
		switch r := msg.(type) {
		case *sshwire.UserauthSuccess:
			return outcomeSuccess, nil, nil
		case *sshwire.UserauthFailure:
			return failureOutcome(r), r.MethodsThatCanContinue, nil
		case *sshwire.ContextualMessage:
			if r.Number != sshwire.MsgUserauthInfoRequest {
				return outcomeFailure, nil, fmt.Errorf("sshauth: unexpected message %d during keyboard-interactive", r.Number)
			}
			if err := m.respond(conn, r.Body); err != nil {
				return outcomeFailure, nil, err
			}
		default:
			return outcomeFailure, nil, fmt.Errorf("sshauth: unexpected message %d during keyboard-interactive", msg.MessageNumber())
		}
	}
}

// respond answers one SSH_MSG_USERAUTH_INFO_REQUEST round.
func (m *keyboardInteractiveMethod) respond(conn Conn, body []byte) error {
	d := sshwire.NewDecoder(body)
	name := d.String()
	instruction := d.String()
	_ = d.String() // language
	n := d.Uint32()
	if d.Err() != nil {
		return fmt.Errorf("sshauth: malformed INFO_REQUEST: %w", d.Err())
	}
	if n > 64 {
		return fmt.Errorf("sshauth: INFO_REQUEST with %d prompts", n)
	}
	prompts := make([]Prompt, 0, n)
	for i := uint32(0); i < n; i++ {
		prompts = append(prompts, Prompt{Text: d.String(), Echo: d.Bool()})
	}
	if err := d.Close(); err != nil {
		return fmt.Errorf("sshauth: malformed INFO_REQUEST: %w", err)
	}

	answers, err := m.challenge(name, instruction, prompts)
	if err != nil {
		return err
	}
	if len(answers) != len(prompts) {
		return fmt.Errorf("sshauth: challenge returned %d answers for %d prompts", len(answers), len(prompts))
	}
	var resp sshwire.Encoder
	resp.Byte(sshwire.MsgUserauthInfoResponse).Uint32(uint32(len(answers)))
	for _, a := range answers {
		resp.String(a)
	}
	return conn.WritePacket(resp.Payload())
}

func failureOutcome(f *sshwire.UserauthFailure) attemptOutcome {
	if f.PartialSuccess {
		return outcomePartial
	}
	return outcomeFailure
}
