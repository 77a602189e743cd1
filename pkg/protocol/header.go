// header.go implements the fixed packet header.
//
// Wire Format (24 bytes, big-endian):
//
//	+-------------+------+--------+----------+-----------+-------+----------+
//	| ProtocolID  | Type | Stream | Sequence | Timestamp | Flags | Checksum |
//	| 2B (0x4C4C) | 1B   | 2B     | 8B       | 8B (ms)   | 1B    | 2B       |
//	+-------------+------+--------+----------+-----------+-------+----------+
//
// The checksum is CRC-16/CCITT over the 22 bytes preceding it.
package protocol

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// PacketType identifies the packet kind.
type PacketType uint8

// Packet types
const (
	PacketData              PacketType = 0x01
	PacketAck               PacketType = 0x02
	PacketHandshakeInit     PacketType = 0x03
	PacketHandshakeResponse PacketType = 0x04
	PacketKeepAlive         PacketType = 0x05
	PacketDisconnect        PacketType = 0x06
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case PacketData:
		return "Data"
	case PacketAck:
		return "Ack"
	case PacketHandshakeInit:
		return "HandshakeInit"
	case PacketHandshakeResponse:
		return "HandshakeResponse"
	case PacketKeepAlive:
		return "KeepAlive"
	case PacketDisconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}

// IsValid reports whether t is a known packet type.
func (t PacketType) IsValid() bool {
	return t >= PacketData && t <= PacketDisconnect
}

// IsControl reports whether packets of this type manage the session rather
// than carry stream data.
func (t PacketType) IsControl() bool {
	switch t {
	case PacketHandshakeInit, PacketHandshakeResponse, PacketKeepAlive, PacketDisconnect:
		return true
	default:
		return false
	}
}

// Flags is the header flag byte.
type Flags uint8

// Flag bits. Bits 3-7 are reserved and carried through unchanged.
const (
	FlagFIN      Flags = 1 << 0
	FlagRST      Flags = 1 << 1
	FlagPriority Flags = 1 << 2

	flagsKnown = FlagFIN | FlagRST | FlagPriority
)

// Has reports whether every bit in f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Reserved returns the reserved bits.
func (f Flags) Reserved() Flags { return f &^ flagsKnown }

// Header is the decoded fixed packet header. The protocol identifier is
// implicit; the checksum is computed on encode and verified on decode.
type Header struct {
	Type      PacketType
	StreamID  uint16
	Sequence  uint64
	Timestamp uint64 // milliseconds since the Unix epoch
	Flags     Flags
}

// HeaderSize is the encoded header length.
const HeaderSize = constants.HeaderSize

// Time returns the header timestamp as a time.Time.
func (h Header) Time() time.Time {
	return time.UnixMilli(int64(h.Timestamp))
}

// CheckTimestamp verifies the header timestamp lies within maxSkew of now.
// The comparison is done in integer milliseconds so that timestamps far
// outside time.Duration's range are rejected rather than wrapping.
func (h Header) CheckTimestamp(now time.Time, maxSkew time.Duration) error {
	if h.Timestamp > math.MaxInt64 {
		return qerrors.ErrTimestampOutOfRange
	}
	ts, n, skew := int64(h.Timestamp), now.UnixMilli(), maxSkew.Milliseconds()
	if ts > n+skew || ts < n-skew {
		return qerrors.ErrTimestampOutOfRange
	}
	return nil
}

// Timestamp converts t to the header millisecond representation.
func Timestamp(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

// PutHeader encodes h into dst, which must be at least HeaderSize bytes.
func PutHeader(dst []byte, h Header) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint16(dst[0:2], constants.ProtocolID)
	dst[2] = byte(h.Type)
	binary.BigEndian.PutUint16(dst[3:5], h.StreamID)
	binary.BigEndian.PutUint64(dst[5:13], h.Sequence)
	binary.BigEndian.PutUint64(dst[13:21], h.Timestamp)
	dst[21] = byte(h.Flags)
	PutChecksum(dst)
}

// PutChecksum recomputes the checksum of an encoded header in place.
func PutChecksum(dst []byte) {
	binary.BigEndian.PutUint16(dst[22:24], Checksum(dst[:22]))
}

// EncodeHeader returns the 24-byte encoding of h.
func EncodeHeader(h Header) [HeaderSize]byte {
	var b [HeaderSize]byte
	PutHeader(b[:], h)
	return b
}

// DecodeHeader parses and validates the first HeaderSize bytes of data.
// Validation order: length, protocol identifier, packet type, checksum.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, qerrors.ErrInsufficientData
	}
	if binary.BigEndian.Uint16(data[0:2]) != constants.ProtocolID {
		return Header{}, qerrors.ErrInvalidProtocolID
	}
	t := PacketType(data[2])
	if !t.IsValid() {
		return Header{}, qerrors.ErrUnknownPacketType
	}
	if binary.BigEndian.Uint16(data[22:24]) != Checksum(data[:22]) {
		return Header{}, qerrors.ErrChecksumMismatch
	}
	return Header{
		Type:      t,
		StreamID:  binary.BigEndian.Uint16(data[3:5]),
		Sequence:  binary.BigEndian.Uint64(data[5:13]),
		Timestamp: binary.BigEndian.Uint64(data[13:21]),
		Flags:     Flags(data[21]),
	}, nil
}
