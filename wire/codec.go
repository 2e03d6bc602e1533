// Package wire implements the framed TCP protocol spoken by solvers and
// clients: length-prefixed frames, the fixed handshake, and the message
// codecs for both roles. Layouts are byte-exact with the existing wire
// format: big-endian integers and 4-byte-length-prefixed UTF-16BE strings.
package wire

import (
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"

	"github.com/OwlPlatform/world-model/errors"
)

var (
	utf16Encoder = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()
	utf16Decoder = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
)

// appendU32 appends a big-endian uint32.
func appendU32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

// appendI64 appends a big-endian int64.
func appendI64(b []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(v))
}

// appendString appends a 4-byte byte-length prefix and the UTF-16BE code
// units of s.
func appendString(b []byte, s string) []byte {
	encoded, err := utf16Encoder.Bytes([]byte(s))
	if err != nil {
		// The string could not be transformed; send it as empty.
		encoded = nil
	}
	b = appendU32(b, uint32(len(encoded)))
	return append(b, encoded...)
}

// appendBytes appends a 4-byte length prefix and raw payload bytes.
func appendBytes(b, data []byte) []byte {
	b = appendU32(b, uint32(len(data)))
	return append(b, data...)
}

// decoder consumes a message payload. The first decode error sticks; every
// later read returns zero values so callers can check Err once at the end.
type decoder struct {
	buf []byte
	off int
	err error
}

func newDecoder(payload []byte) *decoder {
	return &decoder{buf: payload}
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = errors.Wrapf(errors.ErrProtocol, "truncated %s at offset %d", what, d.off)
	}
}

func (d *decoder) u8() byte {
	if d.err != nil || d.off+1 > len(d.buf) {
		d.fail("byte")
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil || d.off+4 > len(d.buf) {
		d.fail("uint32")
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) i32() int32 {
	return int32(d.u32())
}

func (d *decoder) i64() int64 {
	if d.err != nil || d.off+8 > len(d.buf) {
		d.fail("int64")
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return int64(v)
}

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if d.err != nil || d.off+n > len(d.buf) {
		d.fail("bytes")
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf[d.off:])
	d.off += n
	return v
}

func (d *decoder) str() string {
	raw := d.bytes()
	if d.err != nil {
		return ""
	}
	decoded, err := utf16Decoder.Bytes(raw)
	if err != nil {
		d.err = errors.Wrap(errors.ErrProtocol, "malformed UTF-16 string")
		return ""
	}
	return string(decoded)
}

// remaining reports whether undecoded payload bytes are left.
func (d *decoder) remaining() bool {
	return d.err == nil && d.off < len(d.buf)
}

// Err returns the first decode error, if any.
func (d *decoder) Err() error {
	return d.err
}
