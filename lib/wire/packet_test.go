package wire

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
)

func TestEncodeDecodePacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	require.NoError(t, EncodePacket(&buf, TypeStreamData, payload))

	pkt, err := DecodePacket(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, TypeStreamData, pkt.Type)
	require.Equal(t, payload, pkt.Payload)
}

func TestEncodePacketEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodePacket(&buf, TypePing, nil))
	require.Equal(t, headerSize, buf.Len())

	pkt, err := DecodePacket(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, TypePing, pkt.Type)
	require.Empty(t, pkt.Payload)
}

func TestEncodePacketRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, defaults.MaxPayloadSize+1)
	err := EncodePacket(&buf, TypeStreamData, oversized)
	require.Error(t, err)
	require.Equal(t, 0, buf.Len())
}

func TestEncodePacketExactlyMaxPayload(t *testing.T) {
	var buf bytes.Buffer
	exact := make([]byte, defaults.MaxPayloadSize)
	require.NoError(t, EncodePacket(&buf, TypeStreamData, exact))

	pkt, err := DecodePacket(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Len(t, pkt.Payload, defaults.MaxPayloadSize)
}

func TestDecodePacketRejectsOversizeLength(t *testing.T) {
	// hand-craft a header advertising MaxPayloadSize+1 with no payload
	// bytes behind it; decoding must fail on the length check alone.
	var hdr [headerSize]byte
	hdr[0] = byte(TypeStreamData)
	oversize := uint32(defaults.MaxPayloadSize + 1)
	hdr[1] = byte(oversize >> 24)
	hdr[2] = byte(oversize >> 16)
	hdr[3] = byte(oversize >> 8)
	hdr[4] = byte(oversize)

	_, err := DecodePacket(bufio.NewReader(bytes.NewReader(hdr[:])))
	require.Error(t, err)
}

func TestEncodeDecodeStringRoundTrip(t *testing.T) {
	var buf []byte
	buf = EncodeString(buf, "foo.txt")
	buf = EncodeString(buf, "bar")

	s1, off := DecodeString(buf, 0)
	require.Equal(t, "foo.txt", s1)
	s2, off2 := DecodeString(buf, off)
	require.Equal(t, "bar", s2)
	require.Equal(t, len(buf), off2)
}

func TestDecodeStringWithoutTerminatorYieldsResidual(t *testing.T) {
	buf := []byte("no-nul-here")
	s, off := DecodeString(buf, 0)
	require.Equal(t, "no-nul-here", s)
	require.Equal(t, len(buf), off)
}

func TestDecodeStringEmpty(t *testing.T) {
	buf := EncodeString(nil, "")
	s, off := DecodeString(buf, 0)
	require.Equal(t, "", s)
	require.Equal(t, 1, off)
}

func TestTypeStringKnownAndUnknown(t *testing.T) {
	require.Equal(t, "HELLO", TypeHello.String())
	require.Equal(t, "WINDOW_UPDATE", TypeWindowUpdate.String())
	require.Equal(t, "UNKNOWN", Type(0xFE).String())
}

func TestPutUintHelpers(t *testing.T) {
	buf := PutUint32(nil, 0x01020304)
	require.True(t, strings.EqualFold("01020304", hexString(buf)))

	buf16 := PutUint16(nil, 0xBEEF)
	require.Equal(t, []byte{0xBE, 0xEF}, buf16)

	buf64 := PutUint64(nil, 1)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, buf64)
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, hexdigits[c>>4], hexdigits[c&0xF])
	}
	return string(out)
}
