// Package wire implements the relay's framing: a fixed 5-byte packet
// header followed by a length-delimited payload, plus the NUL-terminated
// string encoding used throughout the higher-level protocol.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
)

// Type is a packet's 1-byte wire type.
type Type byte

// Packet types, spec.md §3.
const (
	TypeHello        Type = 0x00
	TypeHelloAck     Type = 0x01
	TypeGoodbye      Type = 0x0D
	TypePing         Type = 0x0E
	TypePong         Type = 0x0F
	TypeTermInput    Type = 0x10
	TypeTermOutput   Type = 0x11
	TypeTermResize   Type = 0x12
	TypeStreamOpen   Type = 0x20
	TypeStreamData   Type = 0x21
	TypeStreamEnd    Type = 0x22
	TypeStreamError  Type = 0x23
	TypeStreamCancel Type = 0x24
	TypeWindowUpdate Type = 0x28
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeHelloAck:
		return "HELLO_ACK"
	case TypeGoodbye:
		return "GOODBYE"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeTermInput:
		return "TERM_INPUT"
	case TypeTermOutput:
		return "TERM_OUTPUT"
	case TypeTermResize:
		return "TERM_RESIZE"
	case TypeStreamOpen:
		return "STREAM_OPEN"
	case TypeStreamData:
		return "STREAM_DATA"
	case TypeStreamEnd:
		return "STREAM_END"
	case TypeStreamError:
		return "STREAM_ERROR"
	case TypeStreamCancel:
		return "STREAM_CANCEL"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// headerSize is 1 byte of type plus 4 bytes of big-endian length.
const headerSize = 5

// Packet is a decoded frame: a type byte and its payload.
type Packet struct {
	Type    Type
	Payload []byte
}

// EncodePacket writes a packet's header and payload to w. Callers that need
// to serialize concurrent writers must hold their own send lock; EncodePacket
// itself does not synchronize.
func EncodePacket(w io.Writer, t Type, payload []byte) error {
	if len(payload) > defaults.MaxPayloadSize {
		return trace.BadParameter("packet payload of %d bytes exceeds max %d", len(payload), defaults.MaxPayloadSize)
	}
	var hdr [headerSize]byte
	hdr[0] = byte(t)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return trace.Wrap(err, "writing packet header")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return trace.Wrap(err, "writing packet payload")
	}
	return nil
}

// DecodePacket reads one packet from r. It returns a protocol error if the
// advertised length exceeds the 16 MiB maximum.
func DecodePacket(r *bufio.Reader) (*Packet, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, trace.Wrap(err, "reading packet header")
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > defaults.MaxPayloadSize {
		return nil, trace.BadParameter("packet payload of %d bytes exceeds max %d", length, defaults.MaxPayloadSize)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, trace.Wrap(err, "reading packet payload")
		}
	}
	return &Packet{Type: Type(hdr[0]), Payload: payload}, nil
}

// EncodeString appends s plus a trailing NUL to buf, returning the result.
func EncodeString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// DecodeString scans buf starting at offset for a NUL terminator. If none is
// found before the end of buf, the remaining bytes are returned as the
// string's value and the new offset is set to len(buf) — an implicit
// terminator, matching the source relay's decoder behavior.
func DecodeString(buf []byte, offset int) (string, int) {
	for i := offset; i < len(buf); i++ {
		if buf[i] == 0 {
			return string(buf[offset:i]), i + 1
		}
	}
	return string(buf[offset:]), len(buf)
}

// PutUint32 appends v to buf in big-endian order.
func PutUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// PutUint16 appends v to buf in big-endian order.
func PutUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

// PutUint64 appends v to buf in big-endian order.
func PutUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
