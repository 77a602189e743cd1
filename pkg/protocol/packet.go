package protocol

import (
	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// Packet is a decoded header plus its (still encrypted) payload.
type Packet struct {
	Header Header

	// Raw holds the encoded header bytes, used as associated data when the
	// payload is authenticated.
	Raw [HeaderSize]byte

	Payload []byte
}

// Encode serializes h and appends payload.
func Encode(h Header, payload []byte) ([]byte, error) {
	if HeaderSize+len(payload) > constants.MaxPacketSize {
		return nil, qerrors.ErrPacketTooLarge
	}
	buf := make([]byte, HeaderSize+len(payload))
	PutHeader(buf, h)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses a complete packet. The payload aliases data.
func Decode(data []byte) (*Packet, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) > constants.MaxPacketSize {
		return nil, qerrors.ErrPacketTooLarge
	}
	p := &Packet{Header: h, Payload: data[HeaderSize:]}
	copy(p.Raw[:], data[:HeaderSize])
	return p, nil
}
