// codec.go implements serialization of handshake messages.
//
// Every message follows this structure:
//
//	+------+--------+----------+
//	| Type | Length | Payload  |
//	| 1B   | 4B BE  | Variable |
//	+------+--------+----------+
//
// ClientHello:        Version(2) Random(32) PQ(1) CurveCount(1) Curves(2*n)
// ServerChallenge:    Random(32) Curve(2) Challenge(32) Difficulty(1) PQ(1)
// ClientProof:        Solution(8) Timestamp(8) PubKey(2+n) KEMKey(2+n) Identity(32) Signature(64)
// SessionEstablished: PubKey(2+n) Token(16) KEMCiphertext(2+n) VerifyData(32)
package protocol

import (
	"encoding/binary"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// MessageHeaderSize is the Type plus Length prefix of a handshake message.
const MessageHeaderSize = 5

// Codec provides handshake message serialization.
type Codec struct{}

// NewCodec creates a new protocol codec.
func NewCodec() *Codec {
	return &Codec{}
}

// msgWriter accumulates a message payload.
type msgWriter struct {
	buf []byte
}

func (w *msgWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *msgWriter) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *msgWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *msgWriter) raw(b []byte) { w.buf = append(w.buf, b...) }
func (w *msgWriter) vec(b []byte) {
	w.u16(uint16(len(b)))
	w.raw(b)
}

func (w *msgWriter) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// frame prefixes the payload with type and length.
func (w *msgWriter) frame(t MessageType) []byte {
	out := make([]byte, MessageHeaderSize+len(w.buf))
	out[0] = byte(t)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(w.buf)))
	copy(out[MessageHeaderSize:], w.buf)
	return out
}

// msgReader consumes a payload, remembering the first short read.
type msgReader struct {
	data []byte
	bad  bool
}

func (r *msgReader) take(n int) []byte {
	if r.bad || len(r.data) < n {
		r.bad = true
		return make([]byte, n)
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *msgReader) u8() uint8   { return r.take(1)[0] }
func (r *msgReader) u16() uint16 { return binary.BigEndian.Uint16(r.take(2)) }
func (r *msgReader) u64() uint64 { return binary.BigEndian.Uint64(r.take(8)) }
func (r *msgReader) bytes(n int) []byte {
	return append([]byte(nil), r.take(n)...)
}
func (r *msgReader) vec() []byte { return r.bytes(int(r.u16())) }

func (r *msgReader) boolean() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.bad = true
		return false
	}
}

// done reports an error if the payload was short or had trailing bytes.
func (r *msgReader) done(phase string) error {
	if r.bad {
		return qerrors.NewProtocolError(phase, qerrors.ErrInsufficientData)
	}
	if len(r.data) != 0 {
		return qerrors.NewProtocolError(phase, qerrors.ErrProtocol)
	}
	return nil
}

// unframe checks the message envelope and returns its payload.
func unframe(data []byte, want MessageType) (*msgReader, error) {
	if len(data) < MessageHeaderSize {
		return nil, qerrors.NewProtocolError(want.String(), qerrors.ErrInsufficientData)
	}
	if MessageType(data[0]) != want {
		return nil, qerrors.NewProtocolError(want.String(), qerrors.ErrProtocol)
	}
	n := binary.BigEndian.Uint32(data[1:5])
	if uint64(len(data)-MessageHeaderSize) != uint64(n) {
		return nil, qerrors.NewProtocolError(want.String(), qerrors.ErrProtocol)
	}
	return &msgReader{data: data[MessageHeaderSize:]}, nil
}

// PeekMessageType returns the type of an encoded handshake message.
func PeekMessageType(data []byte) (MessageType, error) {
	if len(data) < MessageHeaderSize {
		return 0, qerrors.NewProtocolError("handshake", qerrors.ErrInsufficientData)
	}
	return MessageType(data[0]), nil
}

// EncodeClientHello serializes a ClientHello message.
func (c *Codec) EncodeClientHello(m *ClientHello) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var w msgWriter
	w.u16(m.Version)
	w.raw(m.Random)
	w.boolean(m.PostQuantum)
	w.u8(uint8(len(m.Curves)))
	for _, cv := range m.Curves {
		w.u16(uint16(cv))
	}
	return w.frame(MessageTypeClientHello), nil
}

// DecodeClientHello deserializes a ClientHello message.
func (c *Codec) DecodeClientHello(data []byte) (*ClientHello, error) {
	r, err := unframe(data, MessageTypeClientHello)
	if err != nil {
		return nil, err
	}
	m := &ClientHello{
		Version:     r.u16(),
		Random:      r.bytes(constants.RandomSize),
		PostQuantum: r.boolean(),
	}
	n := int(r.u8())
	if n > maxOfferedCurves {
		return nil, qerrors.NewProtocolError("client_hello", qerrors.ErrProtocol)
	}
	for i := 0; i < n; i++ {
		m.Curves = append(m.Curves, constants.Curve(r.u16()))
	}
	if err := r.done("client_hello"); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeServerChallenge serializes a ServerChallenge message.
func (c *Codec) EncodeServerChallenge(m *ServerChallenge) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var w msgWriter
	w.raw(m.Random)
	w.u16(uint16(m.Curve))
	w.raw(m.Challenge)
	w.u8(m.Difficulty)
	w.boolean(m.PostQuantum)
	return w.frame(MessageTypeServerChallenge), nil
}

// DecodeServerChallenge deserializes a ServerChallenge message.
func (c *Codec) DecodeServerChallenge(data []byte) (*ServerChallenge, error) {
	r, err := unframe(data, MessageTypeServerChallenge)
	if err != nil {
		return nil, err
	}
	m := &ServerChallenge{
		Random:      r.bytes(constants.RandomSize),
		Curve:       constants.Curve(r.u16()),
		Challenge:   r.bytes(constants.RandomSize),
		Difficulty:  r.u8(),
		PostQuantum: r.boolean(),
	}
	if err := r.done("server_challenge"); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeClientProof serializes a ClientProof message.
func (c *Codec) EncodeClientProof(m *ClientProof) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var w msgWriter
	w.u64(m.Solution)
	w.u64(m.Timestamp)
	w.vec(m.PublicKey)
	w.vec(m.KEMPublicKey)
	w.raw(m.IdentityKey)
	w.raw(m.Signature)
	return w.frame(MessageTypeClientProof), nil
}

// DecodeClientProof deserializes a ClientProof message.
func (c *Codec) DecodeClientProof(data []byte) (*ClientProof, error) {
	r, err := unframe(data, MessageTypeClientProof)
	if err != nil {
		return nil, err
	}
	m := &ClientProof{
		Solution:     r.u64(),
		Timestamp:    r.u64(),
		PublicKey:    r.vec(),
		KEMPublicKey: r.vec(),
	}
	m.IdentityKey = r.bytes(32)
	m.Signature = r.bytes(64)
	if err := r.done("client_proof"); err != nil {
		return nil, err
	}
	if len(m.KEMPublicKey) == 0 {
		m.KEMPublicKey = nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeSessionEstablished serializes a SessionEstablished message.
func (c *Codec) EncodeSessionEstablished(m *SessionEstablished) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var w msgWriter
	w.vec(m.PublicKey)
	w.raw(m.SessionToken)
	w.vec(m.KEMCiphertext)
	w.raw(m.VerifyData)
	return w.frame(MessageTypeSessionEstablished), nil
}

// DecodeSessionEstablished deserializes a SessionEstablished message.
func (c *Codec) DecodeSessionEstablished(data []byte) (*SessionEstablished, error) {
	r, err := unframe(data, MessageTypeSessionEstablished)
	if err != nil {
		return nil, err
	}
	m := &SessionEstablished{
		PublicKey:     r.vec(),
		SessionToken:  r.bytes(sessionTokenSize),
		KEMCiphertext: r.vec(),
		VerifyData:    r.bytes(constants.TranscriptHashSize),
	}
	if err := r.done("session_established"); err != nil {
		return nil, err
	}
	if len(m.KEMCiphertext) == 0 {
		m.KEMCiphertext = nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
