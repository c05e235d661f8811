package sshkex

import (
	"fmt"

	"github.com/sammck-go/sshengine/pkg/sshtransport"
	"github.com/sammck-go/sshengine/pkg/sshwire"
)

// Key exchange method names this engine can run.
const (
	KexCurve25519SHA256       = "curve25519-sha256"
	KexCurve25519SHA256LibSSH = "curve25519-sha256@libssh.org"
	KexDHGroup14SHA256        = "diffie-hellman-group14-sha256"
)

// Host key algorithm names this engine can verify.
const (
	HostKeyEd25519    = "ssh-ed25519"
	HostKeyECDSAP256  = "ecdsa-sha2-nistp256"
	HostKeyRSASHA256  = "rsa-sha2-256"
	hostKeyRSABlobTag = "ssh-rsa"
)

// Algorithms is one side's preference lists for every negotiable category,
// most preferred first.
type Algorithms struct {
	Kex      []string
	HostKeys []string
	// Per direction: client-to-server and server-to-client.
	CiphersCS     []string
	CiphersSC     []string
	MACsCS        []string
	MACsSC        []string
	CompressionCS []string
	CompressionSC []string
}

// DefaultAlgorithms returns the client's default preference lists, built
// from what the transport and this engine actually support.
func DefaultAlgorithms() Algorithms {
	ciphers := sshtransport.SupportedCiphers()
	macs := sshtransport.SupportedMACs()
	return Algorithms{
		Kex:           []string{KexCurve25519SHA256, KexCurve25519SHA256LibSSH, KexDHGroup14SHA256},
		HostKeys:      []string{HostKeyEd25519, HostKeyECDSAP256, HostKeyRSASHA256},
		CiphersCS:     ciphers,
		CiphersSC:     ciphers,
		MACsCS:        macs,
		MACsSC:        macs,
		CompressionCS: []string{"none"},
		CompressionSC: []string{"none"},
	}
}

// Agreed is the outcome of a successful negotiation: one algorithm per
// category.
type Agreed struct {
	Kex           string
	HostKey       string
	CipherCS      string
	CipherSC      string
	MACCS         string
	MACSC         string
	CompressionCS string
	CompressionSC string
}

// NoCommonAlgorithmError reports that a category had no overlap between the
// two preference lists. Negotiation never silently falls back to a default.
type NoCommonAlgorithmError struct {
	Category string
	Local    []string
	Peer     []string
}

func (e *NoCommonAlgorithmError) Error() string {
	return fmt.Sprintf("sshkex: no common %s algorithm (local %v, peer %v)", e.Category, e.Local, e.Peer)
}

// findCommon returns the first entry of the initiator's list that also
// appears in the responder's list.
func findCommon(category string, initiator, responder []string) (string, error) {
	for _, want := range initiator {
		for _, have := range responder {
			if want == have {
				return want, nil
			}
		}
	}
	return "", &NoCommonAlgorithmError{Category: category, Local: initiator, Peer: responder}
}

// Negotiate resolves every category between the client's preferences and the
// server's advertised KEXINIT, picking the first client preference present
// in the server's list. It fails if any single category has no overlap.
func Negotiate(local Algorithms, peer *sshwire.KexInit) (Agreed, error) {
	var agreed Agreed
	var err error
	if agreed.Kex, err = findCommon("key exchange", local.Kex, peer.KexAlgorithms); err != nil {
		return Agreed{}, err
	}
	if agreed.HostKey, err = findCommon("host key", local.HostKeys, peer.HostKeyAlgorithms); err != nil {
		return Agreed{}, err
	}
	if agreed.CipherCS, err = findCommon("client-to-server cipher", local.CiphersCS, peer.CiphersClientToServer); err != nil {
		return Agreed{}, err
	}
	if agreed.CipherSC, err = findCommon("server-to-client cipher", local.CiphersSC, peer.CiphersServerToClient); err != nil {
		return Agreed{}, err
	}
	if agreed.MACCS, err = findCommon("client-to-server MAC", local.MACsCS, peer.MACsClientToServer); err != nil {
		return Agreed{}, err
	}
	if agreed.MACSC, err = findCommon("server-to-client MAC", local.MACsSC, peer.MACsServerToClient); err != nil {
		return Agreed{}, err
	}
	if agreed.CompressionCS, err = findCommon("client-to-server compression", local.CompressionCS, peer.CompressionClientServer); err != nil {
		return Agreed{}, err
	}
	if agreed.CompressionSC, err = findCommon("server-to-client compression", local.CompressionSC, peer.CompressionServerClient); err != nil {
		return Agreed{}, err
	}
	return agreed, nil
}

// KexInit builds the SSH_MSG_KEXINIT advertising these preferences. cookie
// must be 16 random bytes.
func (a Algorithms) KexInit(cookie [16]byte) *sshwire.KexInit {
	return &sshwire.KexInit{
		Cookie:                  cookie,
		KexAlgorithms:           a.Kex,
		HostKeyAlgorithms:       a.HostKeys,
		CiphersClientToServer:   a.CiphersCS,
		CiphersServerToClient:   a.CiphersSC,
		MACsClientToServer:      a.MACsCS,
		MACsServerToClient:      a.MACsSC,
		CompressionClientServer: a.CompressionCS,
		CompressionServerClient: a.CompressionSC,
	}
}
