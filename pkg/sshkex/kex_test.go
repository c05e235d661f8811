package sshkex

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/sammck-go/logger"
	"golang.org/x/crypto/curve25519"

	"github.com/sammck-go/sshengine/pkg/sshtransport"
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

func kexInitPayload(a Algorithms) []byte {
	var cookie [16]byte
	return a.KexInit(cookie).Marshal()
}

func TestNegotiatePicksFirstClientPreference(t *testing.T) {
	local := Algorithms{
		Kex:           []string{"alg-a", "alg-b", "alg-c"},
		HostKeys:      []string{HostKeyEd25519},
		CiphersCS:     []string{"aes128-ctr"},
		CiphersSC:     []string{"aes128-ctr"},
		MACsCS:        []string{"hmac-sha2-256"},
		MACsSC:        []string{"hmac-sha2-256"},
		CompressionCS: []string{"none"},
		CompressionSC: []string{"none"},
	}
	peer := Algorithms{
		Kex:           []string{"alg-c", "alg-b"},
		HostKeys:      []string{HostKeyEd25519},
		CiphersCS:     []string{"aes128-ctr"},
		CiphersSC:     []string{"aes128-ctr"},
		MACsCS:        []string{"hmac-sha2-256"},
		MACsSC:        []string{"hmac-sha2-256"},
		CompressionCS: []string{"none"},
		CompressionSC: []string{"none"},
	}
	var cookie [16]byte
	agreed, err := Negotiate(local, peer.KexInit(cookie))
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	// First match in the client's order wins, not the server's.
	if agreed.Kex != "alg-b" {
		t.Errorf("agreed kex = %q, want alg-b", agreed.Kex)
	}
}

func TestNegotiateNoOverlapFails(t *testing.T) {
	local := DefaultAlgorithms()
	peer := DefaultAlgorithms()
	peer.MACsCS = []string{"hmac-md5"}
	var cookie [16]byte
	_, err := Negotiate(local, peer.KexInit(cookie))
	if err == nil {
		t.Fatalf("Negotiate succeeded with no common client-to-server MAC")
	}
	var noCommon *NoCommonAlgorithmError
	if !errors.As(err, &noCommon) {
		t.Fatalf("Negotiate: got %T (%v), want *NoCommonAlgorithmError", err, err)
	}
	if noCommon.Category != "client-to-server MAC" {
		t.Errorf("failed category = %q, want client-to-server MAC", noCommon.Category)
	}
}

func TestNegotiateCipherPreference(t *testing.T) {
	local := DefaultAlgorithms()
	local.CiphersCS = []string{"aes256-ctr", "aes128-ctr"}
	local.CiphersSC = local.CiphersCS
	peer := DefaultAlgorithms()
	peer.CiphersCS = []string{"aes128-ctr", "chacha20-poly1305@openssh.com"}
	peer.CiphersSC = peer.CiphersCS
	var cookie [16]byte
	agreed, err := Negotiate(local, peer.KexInit(cookie))
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if agreed.CipherCS != "aes128-ctr" || agreed.CipherSC != "aes128-ctr" {
		t.Errorf("agreed ciphers = %s/%s, want aes128-ctr both ways", agreed.CipherCS, agreed.CipherSC)
	}
}

// chanTransport is an in-memory packet transport for one side of an
// exchange. Key switches are recorded rather than applied.
type chanTransport struct {
	in  chan []byte
	out chan []byte

	writeKeys []sshtransport.Keys
	readKeys  []sshtransport.Keys
}

func newTransportPair() (client, server *chanTransport) {
	cs := make(chan []byte, 8)
	sc := make(chan []byte, 8)
	client = &chanTransport{in: sc, out: cs}
	server = &chanTransport{in: cs, out: sc}
	return client, server
}

func (c *chanTransport) WritePacket(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.out <- buf
	return nil
}

func (c *chanTransport) ReadPacket() ([]byte, error) {
	payload, ok := <-c.in
	if !ok {
		return nil, errors.New("transport closed")
	}
	return payload, nil
}

func (c *chanTransport) SwitchWriteKeys(k sshtransport.Keys) error {
	c.writeKeys = append(c.writeKeys, k)
	return nil
}

func (c *chanTransport) SwitchReadKeys(k sshtransport.Keys) error {
	c.readKeys = append(c.readKeys, k)
	return nil
}

type recordingVerifier struct {
	err       error
	algorithm string
	keyBlob   []byte
	calls     int
}

func (v *recordingVerifier) Verify(hostname, algorithm string, keyBlob []byte) error {
	v.calls++
	v.algorithm = algorithm
	v.keyBlob = append([]byte(nil), keyBlob...)
	return v.err
}

const (
	testClientVersion = "SSH-2.0-sshengine_test"
	testServerVersion = "SSH-2.0-fakeserver_1.0"
)

// fakeServer answers one key exchange on the server side of a transport,
// signing the exchange hash with an ed25519 host key.
type fakeServer struct {
	t        *testing.T
	signer   ed25519.PrivateKey
	keyBlob  []byte
	corrupt  bool
	kexInits struct {
		client []byte
		server []byte
	}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	var blob sshwire.Encoder
	blob.String(HostKeyEd25519).Bytes(pub)
	return &fakeServer{t: t, signer: priv, keyBlob: blob.Payload()}
}

func (s *fakeServer) exchangeHashPrefix() *sshwire.Encoder {
	magics := handshakeMagics{
		clientVersion: testClientVersion,
		serverVersion: testServerVersion,
		clientKexInit: s.kexInits.client,
		serverKexInit: s.kexInits.server,
	}
	var enc sshwire.Encoder
	magics.write(&enc)
	return &enc
}

func (s *fakeServer) sign(h []byte) []byte {
	if s.corrupt {
		h = append([]byte{0xff}, h...)
	}
	var sig sshwire.Encoder
	sig.String(HostKeyEd25519).Bytes(ed25519.Sign(s.signer, h))
	return sig.Payload()
}

// serveCurve25519 handles one ECDH exchange plus the NEWKEYS trade.
func (s *fakeServer) serveCurve25519(tr *chanTransport) error {
	payload, err := tr.ReadPacket()
	if err != nil {
		return err
	}
	if payload[0] != sshwire.MsgKexDHInit {
		return fmt.Errorf("server: expected ECDH init, got %d", payload[0])
	}
	d := sshwire.NewDecoder(payload[1:])
	clientPub := d.Bytes()
	if err := d.Close(); err != nil {
		return err
	}

	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return err
	}
	serverPub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	shared, err := curve25519.X25519(priv[:], clientPub)
	if err != nil {
		return err
	}
	k := new(big.Int).SetBytes(shared)

	hEnc := s.exchangeHashPrefix()
	hEnc.Bytes(s.keyBlob)
	hEnc.Bytes(clientPub)
	hEnc.Bytes(serverPub)
	hEnc.Mpint(k)
	hash := hashFunc()
	hash.Write(hEnc.Payload())
	h := hash.Sum(nil)

	var reply sshwire.Encoder
	reply.Byte(sshwire.MsgKexDHReply)
	reply.Bytes(s.keyBlob)
	reply.Bytes(serverPub)
	reply.Bytes(s.sign(h))
	if err := tr.WritePacket(reply.Payload()); err != nil {
		return err
	}
	return s.tradeNewKeys(tr)
}

// serveDHGroup14 handles one classic DH exchange plus the NEWKEYS trade.
func (s *fakeServer) serveDHGroup14(tr *chanTransport) error {
	payload, err := tr.ReadPacket()
	if err != nil {
		return err
	}
	if payload[0] != sshwire.MsgKexDHInit {
		return fmt.Errorf("server: expected KEXDH init, got %d", payload[0])
	}
	d := sshwire.NewDecoder(payload[1:])
	e := d.Mpint()
	if err := d.Close(); err != nil {
		return err
	}

	var yBytes [64]byte
	if _, err := rand.Read(yBytes[:]); err != nil {
		return err
	}
	y := new(big.Int).SetBytes(yBytes[:])
	f := new(big.Int).Exp(big.NewInt(2), y, dhGroup14Prime)
	k := new(big.Int).Exp(e, y, dhGroup14Prime)

	hEnc := s.exchangeHashPrefix()
	hEnc.Bytes(s.keyBlob)
	hEnc.Mpint(e)
	hEnc.Mpint(f)
	hEnc.Mpint(k)
	hash := hashFunc()
	hash.Write(hEnc.Payload())
	h := hash.Sum(nil)

	var reply sshwire.Encoder
	reply.Byte(sshwire.MsgKexDHReply)
	reply.Bytes(s.keyBlob)
	reply.Mpint(f)
	reply.Bytes(s.sign(h))
	if err := tr.WritePacket(reply.Payload()); err != nil {
		return err
	}
	return s.tradeNewKeys(tr)
}

func (s *fakeServer) tradeNewKeys(tr *chanTransport) error {
	if err := tr.WritePacket((&sshwire.NewKeys{}).Marshal()); err != nil {
		return err
	}
	payload, err := tr.ReadPacket()
	if err != nil {
		return err
	}
	if len(payload) != 1 || payload[0] != sshwire.MsgNewKeys {
		return fmt.Errorf("server: expected NEWKEYS, got %v", payload)
	}
	return nil
}

// runExchange performs one full client-side exchange against the fake
// server over an in-memory transport.
func runExchange(t *testing.T, e *Engine, srv *fakeServer, serverAlgs Algorithms) (*Result, *chanTransport, error) {
	t.Helper()
	clientTr, serverTr := newTransportPair()

	localInit, err := e.MakeKexInit()
	if err != nil {
		t.Fatalf("MakeKexInit: %v", err)
	}
	peerInit := kexInitPayload(serverAlgs)
	srv.kexInits.client = localInit
	srv.kexInits.server = peerInit

	serveErr := make(chan error, 1)
	go func() {
		switch serverAlgs.Kex[0] {
		case KexDHGroup14SHA256:
			serveErr <- srv.serveDHGroup14(serverTr)
		default:
			serveErr <- srv.serveCurve25519(serverTr)
		}
	}()

	result, err := e.Exchange(clientTr, localInit, peerInit)
	if err != nil {
		return nil, clientTr, err
	}
	if srvErr := <-serveErr; srvErr != nil {
		t.Fatalf("fake server: %v", srvErr)
	}
	return result, clientTr, nil
}

func serverAlgorithms(kex string) Algorithms {
	a := DefaultAlgorithms()
	a.Kex = []string{kex}
	return a
}

func TestCurve25519Exchange(t *testing.T) {
	srv := newFakeServer(t)
	verifier := &recordingVerifier{}
	e := NewEngine(testLogger(t), "testhost", verifier, DefaultAlgorithms(),
		testClientVersion, testServerVersion, rand.Reader)

	result, tr, err := runExchange(t, e, srv, serverAlgorithms(KexCurve25519SHA256))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !bytes.Equal(result.SessionID, result.H) {
		t.Errorf("first exchange session ID differs from H")
	}
	if !bytes.Equal(e.SessionID(), result.H) {
		t.Errorf("engine session ID not fixed to first H")
	}
	if verifier.calls != 1 {
		t.Fatalf("verifier consulted %d times, want 1", verifier.calls)
	}
	if verifier.algorithm != HostKeyEd25519 {
		t.Errorf("verifier saw algorithm %q, want %s", verifier.algorithm, HostKeyEd25519)
	}
	if !bytes.Equal(verifier.keyBlob, srv.keyBlob) {
		t.Errorf("verifier saw a different host key blob than the server sent")
	}
	if len(tr.writeKeys) != 1 || len(tr.readKeys) != 1 {
		t.Fatalf("key switches = %d write, %d read, want 1 each", len(tr.writeKeys), len(tr.readKeys))
	}
	if bytes.Equal(tr.writeKeys[0].Key, tr.readKeys[0].Key) {
		t.Errorf("write and read directions derived identical cipher keys")
	}
}

func TestDHGroup14Exchange(t *testing.T) {
	srv := newFakeServer(t)
	e := NewEngine(testLogger(t), "testhost", &recordingVerifier{}, DefaultAlgorithms(),
		testClientVersion, testServerVersion, rand.Reader)

	result, tr, err := runExchange(t, e, srv, serverAlgorithms(KexDHGroup14SHA256))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if result.Agreed.Kex != KexDHGroup14SHA256 {
		t.Errorf("agreed kex = %q", result.Agreed.Kex)
	}
	if len(tr.writeKeys) != 1 || len(tr.readKeys) != 1 {
		t.Errorf("key switches = %d write, %d read, want 1 each", len(tr.writeKeys), len(tr.readKeys))
	}
}

func TestSessionIDFixedAcrossRekey(t *testing.T) {
	srv := newFakeServer(t)
	e := NewEngine(testLogger(t), "testhost", &recordingVerifier{}, DefaultAlgorithms(),
		testClientVersion, testServerVersion, rand.Reader)

	first, _, err := runExchange(t, e, srv, serverAlgorithms(KexCurve25519SHA256))
	if err != nil {
		t.Fatalf("first Exchange: %v", err)
	}
	second, _, err := runExchange(t, e, srv, serverAlgorithms(KexCurve25519SHA256))
	if err != nil {
		t.Fatalf("second Exchange: %v", err)
	}
	if bytes.Equal(first.H, second.H) {
		t.Errorf("re-key produced an identical exchange hash")
	}
	if !bytes.Equal(second.SessionID, first.H) {
		t.Errorf("re-key changed the session ID")
	}
}

func TestVerifierRejectionIsFatal(t *testing.T) {
	srv := newFakeServer(t)
	verifier := &recordingVerifier{err: errors.New("unknown host key")}
	e := NewEngine(testLogger(t), "testhost", verifier, DefaultAlgorithms(),
		testClientVersion, testServerVersion, rand.Reader)

	_, tr, err := runExchange(t, e, srv, serverAlgorithms(KexCurve25519SHA256))
	if err == nil {
		t.Fatalf("Exchange succeeded despite verifier rejection")
	}
	var failure *KexFailure
	if !errors.As(err, &failure) {
		t.Fatalf("Exchange: got %T (%v), want *KexFailure", err, err)
	}
	if len(tr.writeKeys) != 0 || len(tr.readKeys) != 0 {
		t.Errorf("keys were switched despite verifier rejection")
	}
	if e.SessionID() != nil {
		t.Errorf("session ID was fixed despite verifier rejection")
	}
}

func TestBadHostSignatureIsFatal(t *testing.T) {
	srv := newFakeServer(t)
	srv.corrupt = true
	e := NewEngine(testLogger(t), "testhost", &recordingVerifier{}, DefaultAlgorithms(),
		testClientVersion, testServerVersion, rand.Reader)

	_, tr, err := runExchange(t, e, srv, serverAlgorithms(KexCurve25519SHA256))
	if err == nil {
		t.Fatalf("Exchange accepted a bad host key signature")
	}
	var failure *KexFailure
	if !errors.As(err, &failure) {
		t.Fatalf("Exchange: got %T (%v), want *KexFailure", err, err)
	}
	if len(tr.writeKeys) != 0 {
		t.Errorf("write keys switched despite signature failure")
	}
}

func TestHostKeyTypeMismatchIsFatal(t *testing.T) {
	srv := newFakeServer(t)
	e := NewEngine(testLogger(t), "testhost", &recordingVerifier{}, DefaultAlgorithms(),
		testClientVersion, testServerVersion, rand.Reader)

	// The server negotiates ECDSA but presents (and signs with) its ed25519
	// key. The key type must match the negotiated algorithm.
	algs := serverAlgorithms(KexCurve25519SHA256)
	algs.HostKeys = []string{HostKeyECDSAP256}
	_, tr, err := runExchange(t, e, srv, algs)
	if err == nil {
		t.Fatalf("Exchange accepted a host key of a different type than negotiated")
	}
	var failure *KexFailure
	if !errors.As(err, &failure) {
		t.Fatalf("Exchange: got %T (%v), want *KexFailure", err, err)
	}
	if len(tr.writeKeys) != 0 {
		t.Errorf("write keys switched despite host key type mismatch")
	}
}

func TestRSABlobTypeMatchesRSASHA256(t *testing.T) {
	// rsa-sha2-256 is negotiated over keys whose blob still declares
	// ssh-rsa.
	if got := expectedBlobType(HostKeyRSASHA256); got != hostKeyRSABlobTag {
		t.Errorf("expected blob type for %s = %q, want %q", HostKeyRSASHA256, got, hostKeyRSABlobTag)
	}
	if got := expectedBlobType(HostKeyEd25519); got != HostKeyEd25519 {
		t.Errorf("expected blob type for %s = %q", HostKeyEd25519, got)
	}
}

func TestKeyDerivationIsDeterministic(t *testing.T) {
	result := &Result{
		K:         big.NewInt(0).SetBytes(bytes.Repeat([]byte{0x42}, 32)),
		H:         bytes.Repeat([]byte{0x01}, 32),
		SessionID: bytes.Repeat([]byte{0x02}, 32),
		Agreed: Agreed{
			CipherCS: "aes256-ctr", CipherSC: "aes256-ctr",
			MACCS: "hmac-sha2-256", MACSC: "hmac-sha2-256",
		},
	}
	w1, r1, err := DeriveKeys(result)
	if err != nil {
		t.Fatalf("deriveDirectionKeys: %v", err)
	}
	w2, r2, err := DeriveKeys(result)
	if err != nil {
		t.Fatalf("deriveDirectionKeys: %v", err)
	}
	if !bytes.Equal(w1.Key, w2.Key) || !bytes.Equal(r1.IV, r2.IV) || !bytes.Equal(w1.MACKey, w2.MACKey) {
		t.Errorf("derivation is not deterministic")
	}
	if bytes.Equal(w1.Key, r1.Key) || bytes.Equal(w1.IV, r1.IV) || bytes.Equal(w1.MACKey, r1.MACKey) {
		t.Errorf("directions share key material")
	}
	if len(w1.Key) != 32 || len(w1.IV) != 16 || len(w1.MACKey) != 32 {
		t.Errorf("derived lengths = %d/%d/%d, want 32/16/32", len(w1.Key), len(w1.IV), len(w1.MACKey))
	}
}

func TestRekeyPolicy(t *testing.T) {
	p := DefaultRekeyPolicy()
	now := time.Now()
	if p.Due(0, 0, now) {
		t.Errorf("fresh connection reported due for re-key")
	}
	if !p.Due(1<<30, 0, now) {
		t.Errorf("1 GiB written not reported due")
	}
	if !p.Due(0, 1<<30, now) {
		t.Errorf("1 GiB read not reported due")
	}
	if !p.Due(0, 0, now.Add(-2*time.Hour)) {
		t.Errorf("stale keys not reported due")
	}
	none := RekeyPolicy{}
	if none.Due(1<<40, 1<<40, now.Add(-100*time.Hour)) {
		t.Errorf("zero policy triggered a re-key")
	}
}
