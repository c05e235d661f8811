package sshwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrShortPayload is returned when a payload ends before a complete field
// could be decoded.
var ErrShortPayload = errors.New("sshwire: payload truncated")

// ErrTrailingBytes is returned when a payload contains bytes beyond the end
// of the message being decoded.
var ErrTrailingBytes = errors.New("sshwire: trailing bytes after message")

// An Encoder accumulates SSH wire-format fields into a byte payload.
// The zero value is ready to use.
type Encoder struct {
	b []byte
}

// Byte appends a single byte.
func (e *Encoder) Byte(v byte) *Encoder {
	e.b = append(e.b, v)
	return e
}

// Bool appends a boolean, encoded as one byte.
func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.Byte(1)
	}
	return e.Byte(0)
}

// Uint32 appends a big-endian uint32.
func (e *Encoder) Uint32(v uint32) *Encoder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
	return e
}

// Raw appends bytes verbatim, with no length prefix.
func (e *Encoder) Raw(v []byte) *Encoder {
	e.b = append(e.b, v...)
	return e
}

// Bytes appends a length-prefixed byte string.
func (e *Encoder) Bytes(v []byte) *Encoder {
	e.Uint32(uint32(len(v)))
	e.b = append(e.b, v...)
	return e
}

// String appends a length-prefixed string.
func (e *Encoder) String(v string) *Encoder {
	e.Uint32(uint32(len(v)))
	e.b = append(e.b, v...)
	return e
}

// NameList appends a comma-separated name-list (RFC 4251 §5).
func (e *Encoder) NameList(v []string) *Encoder {
	return e.String(strings.Join(v, ","))
}

// Mpint appends a multiple-precision integer in SSH mpint format. Only
// non-negative values occur in this protocol.
func (e *Encoder) Mpint(v *big.Int) *Encoder {
	return e.Bytes(MarshalMpint(v))
}

// Payload returns the accumulated bytes.
func (e *Encoder) Payload() []byte {
	return e.b
}

// MarshalMpint encodes a non-negative big integer as the body of an SSH
// mpint (without the length prefix): minimal big-endian bytes, with a
// leading zero byte added if the high bit would otherwise be set.
func MarshalMpint(v *big.Int) []byte {
	if v.Sign() == 0 {
		return nil
	}
	b := v.Bytes()
	if b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return b
}

// A Decoder consumes SSH wire-format fields from a byte payload. Errors are
// sticky: after the first failure every accessor returns a zero value, and
// Err reports the original error. Callers must check Err (or use Close)
// before trusting any decoded field.
type Decoder struct {
	b   []byte
	err error
}

// NewDecoder returns a Decoder over payload.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{b: payload}
}

// Err returns the first decoding error, or nil.
func (d *Decoder) Err() error {
	return d.err
}

// Close verifies that the payload was consumed exactly: no decode error and
// no trailing bytes.
func (d *Decoder) Close() error {
	if d.err != nil {
		return d.err
	}
	if len(d.b) != 0 {
		return ErrTrailingBytes
	}
	return nil
}

func (d *Decoder) fail() {
	if d.err == nil {
		d.err = ErrShortPayload
	}
}

// Byte consumes a single byte.
func (d *Decoder) Byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 1 {
		d.fail()
		return 0
	}
	v := d.b[0]
	d.b = d.b[1:]
	return v
}

// Bool consumes a boolean byte.
func (d *Decoder) Bool() bool {
	return d.Byte() != 0
}

// Uint32 consumes a big-endian uint32.
func (d *Decoder) Uint32() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 4 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

// Bytes consumes a length-prefixed byte string. The returned slice is a copy,
// so it remains valid after the underlying payload is reused.
func (d *Decoder) Bytes() []byte {
	n := d.Uint32()
	if d.err != nil {
		return nil
	}
	if uint32(len(d.b)) < n {
		d.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, d.b[:n])
	d.b = d.b[n:]
	return v
}

// String consumes a length-prefixed string.
func (d *Decoder) String() string {
	return string(d.Bytes())
}

// NameList consumes a comma-separated name-list.
func (d *Decoder) NameList() []string {
	s := d.String()
	if d.err != nil || s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Mpint consumes a multiple-precision integer. Negative values are rejected;
// they never occur in this protocol.
func (d *Decoder) Mpint() *big.Int {
	b := d.Bytes()
	if d.err != nil {
		return nil
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		if d.err == nil {
			d.err = fmt.Errorf("sshwire: negative mpint")
		}
		return nil
	}
	return new(big.Int).SetBytes(b)
}

// Rest consumes and returns all remaining bytes.
func (d *Decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	v := make([]byte, len(d.b))
	copy(v, d.b)
	d.b = nil
	return v
}
