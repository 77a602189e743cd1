// frames.go implements the plaintext carried inside encrypted packets that
// are not user data: control frames on stream 0, selective acknowledgements,
// and Disconnect reasons.
//
// Control frame format (one or more per Data packet on stream 0):
//
//	+------+--------+----------+
//	| Type | Length | Body     |
//	| 1B   | 2B BE  | Variable |
//	+------+--------+----------+
package protocol

import (
	"encoding/binary"
	"sort"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// FrameType identifies a control frame.
type FrameType uint8

// Control frame types
const (
	FrameWindowUpdate     FrameType = 0x01
	FrameKeyUpdate        FrameType = 0x02
	FrameKeyUpdateRequest FrameType = 0x03
	FrameStreamReset      FrameType = 0x04
)

// String returns the frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameWindowUpdate:
		return "WindowUpdate"
	case FrameKeyUpdate:
		return "KeyUpdate"
	case FrameKeyUpdateRequest:
		return "KeyUpdateRequest"
	case FrameStreamReset:
		return "StreamReset"
	default:
		return "Unknown"
	}
}

const frameHeaderSize = 3

// Frame is a decoded control frame. Only the fields relevant to Type are set.
type Frame struct {
	Type FrameType

	// WindowUpdate, StreamReset
	StreamID uint16

	// WindowUpdate
	Increment uint32

	// KeyUpdate
	Generation uint64
	Entropy    [constants.RotationEntropySize]byte

	// StreamReset
	Code uint16
}

// WindowUpdateFrame builds a window increment for a stream.
func WindowUpdateFrame(streamID uint16, increment uint32) Frame {
	return Frame{Type: FrameWindowUpdate, StreamID: streamID, Increment: increment}
}

// KeyUpdateFrame announces the next key generation and its entropy.
func KeyUpdateFrame(generation uint64, entropy []byte) Frame {
	f := Frame{Type: FrameKeyUpdate, Generation: generation}
	copy(f.Entropy[:], entropy)
	return f
}

// KeyUpdateRequestFrame asks the initiator to start a rotation.
func KeyUpdateRequestFrame() Frame {
	return Frame{Type: FrameKeyUpdateRequest}
}

// StreamResetFrame aborts a stream.
func StreamResetFrame(streamID uint16, code uint16) Frame {
	return Frame{Type: FrameStreamReset, StreamID: streamID, Code: code}
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	var body []byte
	switch f.Type {
	case FrameWindowUpdate:
		body = make([]byte, 6)
		binary.BigEndian.PutUint16(body[0:2], f.StreamID)
		binary.BigEndian.PutUint32(body[2:6], f.Increment)
	case FrameKeyUpdate:
		body = make([]byte, 8+constants.RotationEntropySize)
		binary.BigEndian.PutUint64(body[0:8], f.Generation)
		copy(body[8:], f.Entropy[:])
	case FrameStreamReset:
		body = make([]byte, 4)
		binary.BigEndian.PutUint16(body[0:2], f.StreamID)
		binary.BigEndian.PutUint16(body[2:4], f.Code)
	}
	dst = append(dst, byte(f.Type), 0, 0)
	binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(len(body)))
	return append(dst, body...)
}

// EncodeFrames encodes a sequence of frames.
func EncodeFrames(frames ...Frame) []byte {
	var out []byte
	for _, f := range frames {
		out = AppendFrame(out, f)
	}
	return out
}

// DecodeFrames parses every frame in data.
func DecodeFrames(data []byte) ([]Frame, error) {
	var frames []Frame
	for len(data) > 0 {
		if len(data) < frameHeaderSize {
			return nil, qerrors.NewProtocolError("frame", qerrors.ErrInsufficientData)
		}
		f := Frame{Type: FrameType(data[0])}
		n := int(binary.BigEndian.Uint16(data[1:3]))
		if len(data) < frameHeaderSize+n {
			return nil, qerrors.NewProtocolError("frame", qerrors.ErrInsufficientData)
		}
		body := data[frameHeaderSize : frameHeaderSize+n]
		data = data[frameHeaderSize+n:]

		switch f.Type {
		case FrameWindowUpdate:
			if n != 6 {
				return nil, qerrors.NewProtocolError("window_update", qerrors.ErrProtocol)
			}
			f.StreamID = binary.BigEndian.Uint16(body[0:2])
			f.Increment = binary.BigEndian.Uint32(body[2:6])
		case FrameKeyUpdate:
			if n != 8+constants.RotationEntropySize {
				return nil, qerrors.NewProtocolError("key_update", qerrors.ErrProtocol)
			}
			f.Generation = binary.BigEndian.Uint64(body[0:8])
			copy(f.Entropy[:], body[8:])
		case FrameKeyUpdateRequest:
			if n != 0 {
				return nil, qerrors.NewProtocolError("key_update_request", qerrors.ErrProtocol)
			}
		case FrameStreamReset:
			if n != 4 {
				return nil, qerrors.NewProtocolError("stream_reset", qerrors.ErrProtocol)
			}
			f.StreamID = binary.BigEndian.Uint16(body[0:2])
			f.Code = binary.BigEndian.Uint16(body[2:4])
		default:
			return nil, qerrors.NewProtocolError("frame", qerrors.ErrProtocol)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// SeqRange is an inclusive range of received sequence numbers.
type SeqRange struct {
	First uint64
	Last  uint64
}

// Contains reports whether seq lies in the range.
func (r SeqRange) Contains(seq uint64) bool {
	return seq >= r.First && seq <= r.Last
}

// EncodeSACK encodes selective acknowledgement ranges as a count followed
// by (first, last) pairs. At most MaxSACKRanges ranges are written.
func EncodeSACK(ranges []SeqRange) []byte {
	if len(ranges) > constants.MaxSACKRanges {
		ranges = ranges[:constants.MaxSACKRanges]
	}
	out := make([]byte, 1+16*len(ranges))
	out[0] = byte(len(ranges))
	for i, r := range ranges {
		binary.BigEndian.PutUint64(out[1+16*i:], r.First)
		binary.BigEndian.PutUint64(out[9+16*i:], r.Last)
	}
	return out
}

// DecodeSACK parses ranges written by EncodeSACK.
func DecodeSACK(data []byte) ([]SeqRange, error) {
	if len(data) < 1 {
		return nil, qerrors.NewProtocolError("sack", qerrors.ErrInsufficientData)
	}
	n := int(data[0])
	if n > constants.MaxSACKRanges || len(data) != 1+16*n {
		return nil, qerrors.NewProtocolError("sack", qerrors.ErrProtocol)
	}
	ranges := make([]SeqRange, n)
	for i := range ranges {
		ranges[i].First = binary.BigEndian.Uint64(data[1+16*i:])
		ranges[i].Last = binary.BigEndian.Uint64(data[9+16*i:])
		if ranges[i].Last < ranges[i].First {
			return nil, qerrors.NewProtocolError("sack", qerrors.ErrProtocol)
		}
	}
	return ranges, nil
}

// RangesFrom collapses a set of sequence numbers into sorted ranges.
func RangesFrom(seqs []uint64) []SeqRange {
	if len(seqs) == 0 {
		return nil
	}
	s := append([]uint64(nil), seqs...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

	ranges := []SeqRange{{First: s[0], Last: s[0]}}
	for _, v := range s[1:] {
		last := &ranges[len(ranges)-1]
		switch {
		case v == last.Last:
		case v == last.Last+1:
			last.Last = v
		default:
			ranges = append(ranges, SeqRange{First: v, Last: v})
		}
	}
	return ranges
}

// Disconnect is the plaintext of a Disconnect packet.
type Disconnect struct {
	Code   qerrors.DisconnectCode
	Reason string
}

// maxReasonLen keeps reasons short; they are diagnostics only.
const maxReasonLen = 256

// Encode serializes the Disconnect body.
func (d Disconnect) Encode() []byte {
	reason := d.Reason
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	out := make([]byte, 4+len(reason))
	binary.BigEndian.PutUint16(out[0:2], uint16(d.Code))
	binary.BigEndian.PutUint16(out[2:4], uint16(len(reason)))
	copy(out[4:], reason)
	return out
}

// DecodeDisconnect parses a Disconnect body.
func DecodeDisconnect(data []byte) (Disconnect, error) {
	if len(data) < 4 {
		return Disconnect{}, qerrors.NewProtocolError("disconnect", qerrors.ErrInsufficientData)
	}
	n := int(binary.BigEndian.Uint16(data[2:4]))
	if n > maxReasonLen || len(data) != 4+n {
		return Disconnect{}, qerrors.NewProtocolError("disconnect", qerrors.ErrProtocol)
	}
	return Disconnect{
		Code:   qerrors.DisconnectCode(binary.BigEndian.Uint16(data[0:2])),
		Reason: string(data[4:]),
	}, nil
}
