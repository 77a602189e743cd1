// payload.go implements the inner payload carried by Data, Ack, KeepAlive,
// and Disconnect packets once a session is established.
//
// Wire Format:
//
//	+-------------+-------------+----------+----------+-------+------------+-----+---------+
//	| RealLength  | Compression | Priority | Reserved | Nonce | Ciphertext | Tag | Padding |
//	| 4B BE       | 1B          | 1B       | 2B       | 12B   | Variable   | 16B | Varies  |
//	+-------------+-------------+----------+----------+-------+------------+-----+---------+
//
// RealLength is the length of the plaintext handed to the crypto pipeline
// (after compression). The sealed region (Ciphertext plus Tag) is exactly
// RealLength plus the pipeline overhead; anything after it is padding.
package protocol

import (
	"encoding/binary"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// InnerPayload is the decoded inner payload structure.
type InnerPayload struct {
	RealLength  uint32
	Compression Compression
	Priority    uint8
	Nonce       [constants.NonceSize]byte
	Ciphertext  []byte // sealed bytes excluding the final tag
	Tag         [constants.TagSize]byte
	Padding     []byte
}

// Sealed returns Ciphertext followed by Tag, the form consumed by the
// crypto pipeline.
func (p *InnerPayload) Sealed() []byte {
	out := make([]byte, 0, len(p.Ciphertext)+constants.TagSize)
	out = append(out, p.Ciphertext...)
	return append(out, p.Tag[:]...)
}

// SetSealed splits pipeline output into Ciphertext and Tag.
func (p *InnerPayload) SetSealed(sealed []byte) error {
	if len(sealed) < constants.TagSize {
		return qerrors.ErrInvalidCiphertext
	}
	n := len(sealed) - constants.TagSize
	p.Ciphertext = sealed[:n]
	copy(p.Tag[:], sealed[n:])
	return nil
}

// Size returns the encoded size.
func (p *InnerPayload) Size() int {
	return constants.InnerPayloadFixedSize + len(p.Ciphertext) + constants.TagSize + len(p.Padding)
}

// Encode serializes the payload.
func (p *InnerPayload) Encode() []byte {
	buf := make([]byte, p.Size())
	binary.BigEndian.PutUint32(buf[0:4], p.RealLength)
	buf[4] = byte(p.Compression)
	buf[5] = p.Priority
	// buf[6:8] reserved, zero
	copy(buf[8:20], p.Nonce[:])
	off := constants.InnerPayloadFixedSize
	off += copy(buf[off:], p.Ciphertext)
	off += copy(buf[off:], p.Tag[:])
	copy(buf[off:], p.Padding)
	return buf
}

// DecodeInnerPayload parses data given the crypto pipeline overhead, which
// determines where the sealed region ends and padding begins.
func DecodeInnerPayload(data []byte, overhead int) (*InnerPayload, error) {
	if len(data) < constants.InnerPayloadFixedSize+constants.TagSize {
		return nil, qerrors.ErrInsufficientData
	}
	p := &InnerPayload{
		RealLength:  binary.BigEndian.Uint32(data[0:4]),
		Compression: Compression(data[4]),
		Priority:    data[5],
	}
	if !p.Compression.IsValid() {
		return nil, qerrors.NewProtocolError("inner_payload", qerrors.ErrProtocol)
	}
	copy(p.Nonce[:], data[8:20])

	body := data[constants.InnerPayloadFixedSize:]
	sealedLen := int(p.RealLength) + overhead
	if overhead < constants.TagSize || sealedLen > len(body) || int(p.RealLength) > constants.MaxPayloadSize {
		return nil, qerrors.ErrInsufficientData
	}
	if err := p.SetSealed(body[:sealedLen]); err != nil {
		return nil, err
	}
	p.Padding = body[sealedLen:]
	return p, nil
}

// PaddingFor returns how many padding bytes bring size up to a multiple of
// block. A block of zero or one disables padding.
func PaddingFor(size, block int) int {
	if block <= 1 {
		return 0
	}
	if r := size % block; r != 0 {
		return block - r
	}
	return 0
}
