package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/OwlPlatform/world-model/errors"
)

// protocolString opens every connection; both roles use the identical
// handshake and a mismatch closes the connection.
const protocolString = "GRAIL world model protocol"

const (
	protocolVersion  = 0x00
	protocolReserved = 0x00
)

// MaxFrameLength bounds a single frame. Larger length prefixes are treated
// as protocol violations.
const MaxFrameLength = 16 << 20

// Handshake returns the fixed handshake byte sequence: a 4-byte big-endian
// length covering the protocol string plus the two trailing version bytes,
// the ASCII protocol string, the version byte, and a reserved byte.
func Handshake() []byte {
	b := make([]byte, 0, 4+len(protocolString)+2)
	b = appendU32(b, uint32(len(protocolString)+2))
	b = append(b, protocolString...)
	return append(b, protocolVersion, protocolReserved)
}

// ExchangeHandshake sends the handshake and requires the identical bytes
// back from the peer.
func ExchangeHandshake(rw io.ReadWriter) error {
	expected := Handshake()
	if _, err := rw.Write(expected); err != nil {
		return errors.Wrap(err, "failed to send handshake")
	}
	received := make([]byte, len(expected))
	if _, err := io.ReadFull(rw, received); err != nil {
		return errors.Wrap(err, "failed to read handshake")
	}
	if !bytes.Equal(expected, received) {
		return errors.Wrap(errors.ErrProtocol, "handshake mismatch")
	}
	return nil
}

// Message is one protocol message of either role.
type Message interface {
	// ID returns the message ID byte for the message's direction.
	ID() byte
	// MarshalPayload appends the message payload (without frame header).
	MarshalPayload(b []byte) []byte
}

// Encode returns the full frame for a message: 4-byte big-endian length
// counting the ID byte and payload, the ID byte, then the payload.
func Encode(m Message) []byte {
	b := make([]byte, 4, 64)
	b = append(b, m.ID())
	b = m.MarshalPayload(b)
	binary.BigEndian.PutUint32(b[:4], uint32(len(b)-4))
	return b
}

// WriteMessage frames and writes a message.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(Encode(m))
	return err
}

// ErrUnknownMessage returns the protocol-violation error for an
// unrecognized message ID.
func ErrUnknownMessage(id byte) error {
	return errors.Wrapf(errors.ErrProtocol, "unknown message id %d", id)
}

// ReadFrame reads one frame and returns its message ID and payload.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > MaxFrameLength {
		return 0, nil, errors.Wrapf(errors.ErrProtocol, "bad frame length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}
