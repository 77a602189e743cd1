// Package protocol implements the LLP wire formats: the fixed packet header,
// inner payloads, control frames, and the handshake messages.
//
// This file (messages.go) defines the handshake message flow:
//
//	Client                                 Server
//	    |                                      |
//	    | -------- ClientHello --------------> |   HandshakeInit
//	    |                                      |
//	    | <------- ServerChallenge ----------- |   HandshakeResponse
//	    |                                      |
//	    | -------- ClientProof --------------> |   HandshakeInit
//	    |                                      |
//	    | <------- SessionEstablished -------- |   HandshakeResponse
//	    |                                      |
//	    |        === Session Active ===        |
//
// Handshake messages travel unencrypted on stream 0. Each is framed as
// Type (1B) | Length (4B BE) | Payload.
package protocol

import (
	"crypto/ed25519"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// MessageType identifies a handshake message.
type MessageType uint8

// Handshake message types
const (
	MessageTypeClientHello        MessageType = 0x01
	MessageTypeServerChallenge    MessageType = 0x02
	MessageTypeClientProof        MessageType = 0x03
	MessageTypeSessionEstablished MessageType = 0x04
)

// String returns a human-readable name for the message type.
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeClientHello:
		return "ClientHello"
	case MessageTypeServerChallenge:
		return "ServerChallenge"
	case MessageTypeClientProof:
		return "ClientProof"
	case MessageTypeSessionEstablished:
		return "SessionEstablished"
	default:
		return "Unknown"
	}
}

// Public key bounds across the supported curves (X25519 raw, P-256 and
// P-384 uncompressed points).
const (
	minECDHPublicKeySize = 32
	maxECDHPublicKeySize = 97
	maxOfferedCurves     = 16
	sessionTokenSize     = 16
)

// ClientHello is sent by the client to begin the handshake.
type ClientHello struct {
	// Protocol version offered by the client
	Version uint16

	// Random nonce for freshness (32 bytes)
	Random []byte

	// Supported key-exchange curves in preference order
	Curves []constants.Curve

	// PostQuantum requests the ML-KEM inner layer
	PostQuantum bool
}

// Validate checks ClientHello field sizes.
func (m *ClientHello) Validate() error {
	if len(m.Random) != constants.RandomSize {
		return qerrors.NewProtocolError("client_hello", qerrors.ErrProtocol)
	}
	if len(m.Curves) == 0 || len(m.Curves) > maxOfferedCurves {
		return qerrors.NewProtocolError("client_hello", qerrors.ErrProtocol)
	}
	return nil
}

// ServerChallenge answers ClientHello with the selected curve and an
// admission puzzle.
type ServerChallenge struct {
	Random      []byte // 32 bytes
	Curve       constants.Curve
	Challenge   []byte // 32-byte puzzle challenge
	Difficulty  uint8  // required leading zero bits
	PostQuantum bool   // whether the server accepted the ML-KEM layer
}

// Validate checks ServerChallenge fields.
func (m *ServerChallenge) Validate() error {
	if len(m.Random) != constants.RandomSize || len(m.Challenge) != constants.RandomSize {
		return qerrors.NewProtocolError("server_challenge", qerrors.ErrProtocol)
	}
	if !m.Curve.IsSupported() || m.Difficulty > constants.MaxPuzzleDifficulty {
		return qerrors.NewProtocolError("server_challenge", qerrors.ErrProtocol)
	}
	return nil
}

// ClientProof carries the puzzle solution, the client's ephemeral key
// material, and a signed timestamp.
type ClientProof struct {
	Solution     uint64
	PublicKey    []byte // ephemeral ECDH public key
	KEMPublicKey []byte // ML-KEM-1024 encapsulation key, empty unless post-quantum
	Timestamp    uint64 // milliseconds since the Unix epoch
	IdentityKey  []byte // Ed25519 public key
	Signature    []byte // Ed25519 signature over the proof transcript
}

// Validate checks ClientProof field sizes.
func (m *ClientProof) Validate() error {
	if len(m.PublicKey) < minECDHPublicKeySize || len(m.PublicKey) > maxECDHPublicKeySize {
		return qerrors.NewProtocolError("client_proof", qerrors.ErrProtocol)
	}
	if len(m.KEMPublicKey) != 0 && len(m.KEMPublicKey) != constants.MLKEMPublicKeySize {
		return qerrors.NewProtocolError("client_proof", qerrors.ErrProtocol)
	}
	if len(m.IdentityKey) != ed25519.PublicKeySize || len(m.Signature) != ed25519.SignatureSize {
		return qerrors.NewProtocolError("client_proof", qerrors.ErrProtocol)
	}
	return nil
}

// SessionEstablished completes the handshake.
type SessionEstablished struct {
	PublicKey     []byte // server ephemeral ECDH public key
	SessionToken  []byte // 16-byte session identifier
	KEMCiphertext []byte // ML-KEM-1024 ciphertext, empty unless post-quantum
	VerifyData    []byte // HMAC over the transcript under the derived auth key
}

// Validate checks SessionEstablished field sizes.
func (m *SessionEstablished) Validate() error {
	if len(m.PublicKey) < minECDHPublicKeySize || len(m.PublicKey) > maxECDHPublicKeySize {
		return qerrors.NewProtocolError("session_established", qerrors.ErrProtocol)
	}
	if len(m.SessionToken) != sessionTokenSize {
		return qerrors.NewProtocolError("session_established", qerrors.ErrProtocol)
	}
	if len(m.KEMCiphertext) != 0 && len(m.KEMCiphertext) != constants.MLKEMCiphertextSize {
		return qerrors.NewProtocolError("session_established", qerrors.ErrProtocol)
	}
	if len(m.VerifyData) != constants.TranscriptHashSize {
		return qerrors.NewProtocolError("session_established", qerrors.ErrProtocol)
	}
	return nil
}
