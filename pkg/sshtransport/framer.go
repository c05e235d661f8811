package sshtransport

import (
	"bufio"
	"io"
	"sync/atomic"

	"github.com/sammck-go/logger"
)

// direction holds the mutable framing state for one flow direction: the
// packet sequence number and the active packet cipher. The sequence number
// increments by one per packet for the life of the connection and is never
// reset, not even by key exchange.
type direction struct {
	seq    uint32
	cipher packetCipher
}

// A Framer frames, protects and sequences packets over an ordered byte
// stream. It owns the active cipher/MAC state for both directions and swaps
// each direction atomically when a key-exchange completion is processed.
//
// A Framer is not safe for concurrent use: the session layer guarantees a
// single writer and a single reader, because sequence numbers and cipher
// state are strictly ordered.
type Framer struct {
	logger.Logger

	r    *bufio.Reader
	w    io.Writer
	rand io.Reader

	tx direction
	rx direction

	bytesWritten uint64
	bytesRead    uint64
}

// NewFramer creates a Framer over rw. Both directions start with the
// pre-key-exchange null cipher. rand supplies packet padding bytes.
func NewFramer(log logger.Logger, rw io.ReadWriter, rand io.Reader) *Framer {
	return &Framer{
		Logger: log.ForkLogStr("framer"),
		r:      bufio.NewReader(rw),
		w:      rw,
		rand:   rand,
		tx:     direction{cipher: plainCipher{}},
		rx:     direction{cipher: plainCipher{}},
	}
}

// WritePacket seals payload into one wire packet under the active write
// cipher and writes it. The write sequence number advances whether or not
// the write succeeds, matching what the peer will expect if any bytes left.
func (f *Framer) WritePacket(payload []byte) error {
	seq := f.tx.seq
	f.tx.seq++
	err := f.tx.cipher.writePacket(seq, f.w, f.rand, payload)
	if err == nil {
		atomic.AddUint64(&f.bytesWritten, uint64(len(payload)))
		f.TLogf("sent packet seq=%d len=%d", seq, len(payload))
	}
	return err
}

// ReadPacket reads exactly one packet and returns its payload. A validation
// failure returns a *FrameError; the caller must treat it as fatal and tear
// down the connection. An io error (including io.EOF on clean transport
// close) is returned as-is.
func (f *Framer) ReadPacket() ([]byte, error) {
	seq := f.rx.seq
	f.rx.seq++
	payload, err := f.rx.cipher.readPacket(seq, f.r)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&f.bytesRead, uint64(len(payload)))
	f.TLogf("received packet seq=%d len=%d", seq, len(payload))
	return payload, nil
}

// SwitchWriteKeys atomically replaces the write-direction cipher state with
// freshly derived keys. It must be called immediately after the local
// SSH_MSG_NEWKEYS is written; the sequence number is preserved.
func (f *Framer) SwitchWriteKeys(k Keys) error {
	pc, err := buildCipher(k)
	if err != nil {
		return err
	}
	f.tx.cipher = pc
	f.DLogf("write keys switched to %s", k.Cipher)
	return nil
}

// SwitchReadKeys atomically replaces the read-direction cipher state with
// freshly derived keys. It must be called immediately after the peer's
// SSH_MSG_NEWKEYS is read; the sequence number is preserved.
func (f *Framer) SwitchReadKeys(k Keys) error {
	pc, err := buildCipher(k)
	if err != nil {
		return err
	}
	f.rx.cipher = pc
	f.DLogf("read keys switched to %s", k.Cipher)
	return nil
}

// BytesWritten returns the total payload bytes sealed so far. The session's
// re-key policy consumes this.
func (f *Framer) BytesWritten() uint64 {
	return atomic.LoadUint64(&f.bytesWritten)
}

// BytesRead returns the total payload bytes opened so far.
func (f *Framer) BytesRead() uint64 {
	return atomic.LoadUint64(&f.bytesRead)
}
