package sshtransport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

// maxPacketLength bounds the length field of an inbound packet. RFC 4253
// requires support for 35000-byte packets; we allow some slack but reject
// anything that suggests a corrupted or hostile length field.
const maxPacketLength = 256 * 1024

// minPaddingLength is the RFC 4253 minimum random padding per packet.
const minPaddingLength = 4

// packetCipher seals outbound payloads into framed wire packets and opens
// inbound wire packets back into payloads. Implementations are tagged
// variants selected at key-exchange time; they are not safe for concurrent
// use within one direction.
type packetCipher interface {
	// writePacket frames, protects and writes one payload.
	writePacket(seq uint32, w io.Writer, rand io.Reader, payload []byte) error

	// readPacket reads exactly one packet and returns its payload. Any
	// integrity failure returns a *FrameError and poisons the connection.
	readPacket(seq uint32, r io.Reader) ([]byte, error)
}

// framePacket builds length|padLen|payload|padding for a cipher with the
// given block size, honoring the minimum padding and minimum total length
// rules. The padding bytes are drawn from rand.
func framePacket(blockSize int, aadLen int, payload []byte, rand io.Reader) ([]byte, error) {
	if blockSize < 8 {
		blockSize = 8
	}
	// aadLen is the number of leading bytes excluded from the padding
	// alignment computation (the AEAD ciphers exclude the length field).
	prefix := 5 - aadLen
	padLen := blockSize - (prefix+len(payload))%blockSize
	if padLen < minPaddingLength {
		padLen += blockSize
	}
	for 5+len(payload)+padLen < 16 {
		padLen += blockSize
	}
	packet := make([]byte, 5+len(payload)+padLen)
	binary.BigEndian.PutUint32(packet, uint32(1+len(payload)+padLen))
	packet[4] = byte(padLen)
	copy(packet[5:], payload)
	if _, err := io.ReadFull(rand, packet[5+len(payload):]); err != nil {
		return nil, err
	}
	return packet, nil
}

// checkPacketLength validates an inbound length field before any allocation
// is made based on it.
func checkPacketLength(length uint32, blockSize int, aadLen int) error {
	if length < 1+minPaddingLength {
		return frameErrorf("length", "packet length %d too small", length)
	}
	if length > maxPacketLength {
		return frameErrorf("length", "packet length %d exceeds limit", length)
	}
	if blockSize < 8 {
		blockSize = 8
	}
	if (int(length)+4-aadLen)%blockSize != 0 {
		return frameErrorf("length", "packet length %d not a multiple of cipher block size", length)
	}
	return nil
}

// extractPayload strips the padding-length byte and padding from a decrypted
// packet body (everything after the length field).
func extractPayload(body []byte) ([]byte, error) {
	padLen := int(body[0])
	if padLen < minPaddingLength || padLen >= len(body) {
		return nil, frameErrorf("padding", "invalid padding length %d", padLen)
	}
	return body[1 : len(body)-padLen], nil
}

// plainCipher is the pre-key-exchange variant: no encryption, no MAC.
type plainCipher struct{}

func (plainCipher) writePacket(seq uint32, w io.Writer, rand io.Reader, payload []byte) error {
	packet, err := framePacket(8, 0, payload, rand)
	if err != nil {
		return err
	}
	_, err = w.Write(packet)
	return err
}

func (plainCipher) readPacket(seq uint32, r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if err := checkPacketLength(length, 8, 0); err != nil {
		return nil, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return extractPayload(body)
}

// ctrHMACCipher is the classic CTR-mode stream cipher with a separate HMAC
// computed over the sequence number and plaintext packet (mac-then-encrypt).
type ctrHMACCipher struct {
	stream    cipher.Stream
	mac       hash.Hash
	blockSize int
}

func newCTRHMACCipher(key, iv, macKey []byte) (packetCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &ctrHMACCipher{
		stream:    cipher.NewCTR(block, iv),
		mac:       hmac.New(sha256.New, macKey),
		blockSize: block.BlockSize(),
	}, nil
}

func (c *ctrHMACCipher) computeMAC(seq uint32, packet []byte) []byte {
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seq)
	c.mac.Reset()
	c.mac.Write(seqBuf[:])
	c.mac.Write(packet)
	return c.mac.Sum(nil)
}

func (c *ctrHMACCipher) writePacket(seq uint32, w io.Writer, rand io.Reader, payload []byte) error {
	packet, err := framePacket(c.blockSize, 0, payload, rand)
	if err != nil {
		return err
	}
	tag := c.computeMAC(seq, packet)
	c.stream.XORKeyStream(packet, packet)
	if _, err := w.Write(packet); err != nil {
		return err
	}
	_, err = w.Write(tag)
	return err
}

func (c *ctrHMACCipher) readPacket(seq uint32, r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	c.stream.XORKeyStream(lenBuf[:], lenBuf[:])
	length := binary.BigEndian.Uint32(lenBuf[:])
	if err := checkPacketLength(length, c.blockSize, 0); err != nil {
		return nil, err
	}
	body := make([]byte, int(length)+c.mac.Size())
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	tag := body[length:]
	body = body[:length]
	c.stream.XORKeyStream(body, body)

	c.mac.Reset()
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seq)
	c.mac.Write(seqBuf[:])
	c.mac.Write(lenBuf[:])
	c.mac.Write(body)
	if !hmac.Equal(tag, c.mac.Sum(nil)) {
		return nil, frameErrorf("mac", "packet MAC verification failed")
	}
	return extractPayload(body)
}

// chachaPolyCipher implements chacha20-poly1305@openssh.com. The length
// field is encrypted under a separate key and authenticated together with
// the packet body by a one-time poly1305 key derived per sequence number.
type chachaPolyCipher struct {
	contentKey [32]byte
	lengthKey  [32]byte
}

func newChaChaPolyCipher(key, iv, macKey []byte) (packetCipher, error) {
	if len(key) != 64 {
		return nil, frameErrorf("keys", "chacha20-poly1305 requires a 64-byte key, got %d", len(key))
	}
	c := &chachaPolyCipher{}
	copy(c.contentKey[:], key[:32])
	copy(c.lengthKey[:], key[32:])
	return c, nil
}

func (c *chachaPolyCipher) nonce(seq uint32) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[4:], uint64(seq))
	return nonce
}

func (c *chachaPolyCipher) keystreams(seq uint32) (lenStream, bodyStream *chacha20.Cipher, polyKey [32]byte, err error) {
	nonce := c.nonce(seq)
	lenStream, err = chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce)
	if err != nil {
		return nil, nil, polyKey, err
	}
	bodyStream, err = chacha20.NewUnauthenticatedCipher(c.contentKey[:], nonce)
	if err != nil {
		return nil, nil, polyKey, err
	}
	// The first keystream block of the content cipher is the one-time
	// poly1305 key; packet data starts at counter 1.
	bodyStream.XORKeyStream(polyKey[:], polyKey[:])
	bodyStream.SetCounter(1)
	return lenStream, bodyStream, polyKey, nil
}

func (c *chachaPolyCipher) writePacket(seq uint32, w io.Writer, rand io.Reader, payload []byte) error {
	packet, err := framePacket(8, 4, payload, rand)
	if err != nil {
		return err
	}
	lenStream, bodyStream, polyKey, err := c.keystreams(seq)
	if err != nil {
		return err
	}
	lenStream.XORKeyStream(packet[:4], packet[:4])
	bodyStream.XORKeyStream(packet[4:], packet[4:])
	var tag [16]byte
	poly1305.Sum(&tag, packet, &polyKey)
	if _, err := w.Write(packet); err != nil {
		return err
	}
	_, err = w.Write(tag[:])
	return err
}

func (c *chachaPolyCipher) readPacket(seq uint32, r io.Reader) ([]byte, error) {
	var encLen [4]byte
	if _, err := io.ReadFull(r, encLen[:]); err != nil {
		return nil, err
	}
	lenStream, bodyStream, polyKey, err := c.keystreams(seq)
	if err != nil {
		return nil, err
	}
	var lenBuf [4]byte
	copy(lenBuf[:], encLen[:])
	lenStream.XORKeyStream(lenBuf[:], lenBuf[:])
	length := binary.BigEndian.Uint32(lenBuf[:])
	if err := checkPacketLength(length, 8, 4); err != nil {
		return nil, err
	}
	rest := make([]byte, int(length)+16)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	encBody := rest[:length]
	var tag [16]byte
	copy(tag[:], rest[length:])

	macInput := make([]byte, 0, 4+length)
	macInput = append(macInput, encLen[:]...)
	macInput = append(macInput, encBody...)
	if !poly1305.Verify(&tag, macInput, &polyKey) {
		return nil, frameErrorf("mac", "poly1305 tag verification failed")
	}
	bodyStream.XORKeyStream(encBody, encBody)
	return extractPayload(encBody)
}
