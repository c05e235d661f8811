package sshtransport

import (
	"fmt"
)

// cipherSpec describes one negotiable packet cipher variant: the key
// material it consumes and a constructor for its packetCipher.
type cipherSpec struct {
	keySize int
	ivSize  int
	// aead ciphers carry their own authenticator; the negotiated MAC is
	// ignored for them and no MAC key is derived.
	aead bool
	new  func(key, iv, macKey []byte) (packetCipher, error)
}

// macSpec describes one negotiable MAC variant.
type macSpec struct {
	keySize int
}

var cipherSpecs = map[string]cipherSpec{
	"aes128-ctr": {keySize: 16, ivSize: 16, new: newCTRHMACCipher},
	"aes256-ctr": {keySize: 32, ivSize: 16, new: newCTRHMACCipher},
	"chacha20-poly1305@openssh.com": {keySize: 64, ivSize: 0, aead: true, new: newChaChaPolyCipher},
}

var macSpecs = map[string]macSpec{
	"hmac-sha2-256": {keySize: 32},
}

// SupportedCiphers returns the cipher names this transport can operate, in
// default preference order.
func SupportedCiphers() []string {
	return []string{"chacha20-poly1305@openssh.com", "aes256-ctr", "aes128-ctr"}
}

// SupportedMACs returns the MAC names this transport can operate, in default
// preference order.
func SupportedMACs() []string {
	return []string{"hmac-sha2-256"}
}

// KeySizes reports how much key material a cipher/MAC pairing consumes:
// cipher key bytes, IV bytes and MAC key bytes. The key exchange engine uses
// this to size its derivations. AEAD ciphers report a zero MAC key size.
func KeySizes(cipherName, macName string) (keyLen, ivLen, macKeyLen int, err error) {
	cs, ok := cipherSpecs[cipherName]
	if !ok {
		return 0, 0, 0, fmt.Errorf("sshtransport: unsupported cipher %q", cipherName)
	}
	if cs.aead {
		return cs.keySize, cs.ivSize, 0, nil
	}
	ms, ok := macSpecs[macName]
	if !ok {
		return 0, 0, 0, fmt.Errorf("sshtransport: unsupported MAC %q", macName)
	}
	return cs.keySize, cs.ivSize, ms.keySize, nil
}

// Keys is the per-direction key material produced by a key exchange,
// together with the algorithm names it was derived for. A Keys value is
// consumed exactly once by a SwitchWriteKeys or SwitchReadKeys call.
type Keys struct {
	Cipher string
	MAC    string
	Key    []byte
	IV     []byte
	MACKey []byte
}

func buildCipher(k Keys) (packetCipher, error) {
	cs, ok := cipherSpecs[k.Cipher]
	if !ok {
		return nil, fmt.Errorf("sshtransport: unsupported cipher %q", k.Cipher)
	}
	if len(k.Key) != cs.keySize {
		return nil, fmt.Errorf("sshtransport: cipher %q needs %d key bytes, got %d", k.Cipher, cs.keySize, len(k.Key))
	}
	if len(k.IV) != cs.ivSize {
		return nil, fmt.Errorf("sshtransport: cipher %q needs %d IV bytes, got %d", k.Cipher, cs.ivSize, len(k.IV))
	}
	if !cs.aead {
		ms, ok := macSpecs[k.MAC]
		if !ok {
			return nil, fmt.Errorf("sshtransport: unsupported MAC %q", k.MAC)
		}
		if len(k.MACKey) != ms.keySize {
			return nil, fmt.Errorf("sshtransport: MAC %q needs %d key bytes, got %d", k.MAC, ms.keySize, len(k.MACKey))
		}
	}
	return cs.new(k.Key, k.IV, k.MACKey)
}
