// Package errors defines the error taxonomy of the LLP engine.
// Messages are deliberately generic so that nothing secret leaks through
// logs or Disconnect reasons.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the wire codec
var (
	// ErrProtocol indicates a malformed header, message, or frame
	ErrProtocol = errors.New("protocol: malformed input")

	// ErrInsufficientData indicates input shorter than the structure being decoded
	ErrInsufficientData = errors.New("protocol: insufficient data")

	// ErrInvalidProtocolID indicates the header does not start with the protocol identifier
	ErrInvalidProtocolID = errors.New("protocol: invalid protocol id")

	// ErrUnknownPacketType indicates an unrecognized packet type byte
	ErrUnknownPacketType = errors.New("protocol: unknown packet type")

	// ErrChecksumMismatch indicates the header checksum did not recompute
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")

	// ErrPacketTooLarge indicates an encoded packet above the size limit
	ErrPacketTooLarge = errors.New("protocol: packet too large")

	// ErrUnsupportedVersion indicates an unsupported protocol version
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// Sentinel errors for sequence and timing validation
var (
	// ErrInvalidSequence indicates a replayed or out-of-window sequence number
	ErrInvalidSequence = errors.New("stream: invalid sequence")

	// ErrTimestampOutOfRange indicates a packet timestamp outside the accepted skew
	ErrTimestampOutOfRange = errors.New("stream: timestamp out of range")
)

// Sentinel errors for cryptographic operations
var (
	// ErrAuthenticationFailed indicates a tag mismatch or a failed handshake proof
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")

	// ErrEncryptionFailed indicates an internal encryption failure
	ErrEncryptionFailed = errors.New("crypto: encryption failed")

	// ErrInvalidKeySize indicates a key of the wrong length
	ErrInvalidKeySize = errors.New("crypto: invalid key size")

	// ErrInvalidPublicKey indicates a peer public key that failed to parse
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")

	// ErrInvalidCiphertext indicates ciphertext too short or malformed
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")

	// ErrNoLayers indicates a pipeline constructed with every layer disabled
	ErrNoLayers = errors.New("crypto: no layers enabled")

	// ErrCompression indicates a compression or decompression failure
	ErrCompression = errors.New("crypto: compression failed")

	// ErrKeyRotationFailure indicates a rotation could not derive or install a generation
	ErrKeyRotationFailure = errors.New("keys: rotation failed")

	// ErrKeysClosed indicates use of a manager after its keys were released
	ErrKeysClosed = errors.New("keys: closed")
)

// Sentinel errors for sessions, streams, and limits
var (
	// ErrTooManyConnections indicates the registry is at capacity
	ErrTooManyConnections = errors.New("registry: too many connections")

	// ErrTooManyStreams indicates the session stream cap was reached
	ErrTooManyStreams = errors.New("stream: too many streams")

	// ErrFlowControlViolation indicates a peer sent beyond the advertised window
	ErrFlowControlViolation = errors.New("stream: flow control violation")

	// ErrStreamClosed indicates I/O on a closed or half-closed stream
	ErrStreamClosed = errors.New("stream: closed")

	// ErrStreamReset indicates the stream was aborted with RST
	ErrStreamReset = errors.New("stream: reset")

	// ErrSessionClosed indicates the owning session has reached a terminal state
	ErrSessionClosed = errors.New("session: closed")

	// ErrSessionNotFound indicates an unknown session identifier
	ErrSessionNotFound = errors.New("session: not found")

	// ErrTimeout indicates a bounded wait expired
	ErrTimeout = errors.New("tunnel: operation timed out")

	// ErrRateLimited indicates an admission limiter rejected a peer
	ErrRateLimited = errors.New("tunnel: rate limited")

	// ErrInvalidConfig indicates configuration that failed validation
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// CryptoError wraps a cryptographic error with the failing operation
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with the phase it occurred in
type ProtocolError struct {
	Phase string // e.g. "client_hello", "decode", "frame"
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// PacketError records why a single inbound packet was dropped.
type PacketError struct {
	Stream uint16
	Seq    uint64
	Err    error
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("packet stream=%d seq=%d: %v", e.Stream, e.Seq, e.Err)
}

func (e *PacketError) Unwrap() error {
	return e.Err
}

// IsPacketLocal reports whether err drops only the packet it was raised for.
// Such errors are counted but never terminate the session on their own.
func IsPacketLocal(err error) bool {
	switch {
	case errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrInvalidSequence),
		errors.Is(err, ErrTimestampOutOfRange),
		errors.Is(err, ErrInsufficientData),
		errors.Is(err, ErrInvalidProtocolID),
		errors.Is(err, ErrUnknownPacketType),
		errors.Is(err, ErrFlowControlViolation),
		errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrProtocol):
		return true
	default:
		return false
	}
}

// DisconnectCode is carried in Disconnect packets.
type DisconnectCode uint16

// Disconnect codes
const (
	CodeNormal               DisconnectCode = 0x0000
	CodeProtocolError        DisconnectCode = 0x0001
	CodeAuthenticationFailed DisconnectCode = 0x0002
	CodeTooManyConnections   DisconnectCode = 0x0003
	CodeTimeout              DisconnectCode = 0x0004
	CodeRateLimited          DisconnectCode = 0x0005
	CodeKeyRotationFailure   DisconnectCode = 0x0006
	CodeInternalError        DisconnectCode = 0x00FF
)

// String returns the code name.
func (c DisconnectCode) String() string {
	switch c {
	case CodeNormal:
		return "normal"
	case CodeProtocolError:
		return "protocol_error"
	case CodeAuthenticationFailed:
		return "authentication_failed"
	case CodeTooManyConnections:
		return "too_many_connections"
	case CodeTimeout:
		return "timeout"
	case CodeRateLimited:
		return "rate_limited"
	case CodeKeyRotationFailure:
		return "key_rotation_failure"
	case CodeInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("code_%#04x", uint16(c))
	}
}

// CodeFor maps an error to the Disconnect code sent to the peer.
func CodeFor(err error) DisconnectCode {
	switch {
	case err == nil, errors.Is(err, ErrSessionClosed):
		return CodeNormal
	case errors.Is(err, ErrAuthenticationFailed):
		return CodeAuthenticationFailed
	case errors.Is(err, ErrTooManyConnections):
		return CodeTooManyConnections
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrKeyRotationFailure):
		return CodeKeyRotationFailure
	case errors.Is(err, ErrProtocol),
		errors.Is(err, ErrUnsupportedVersion),
		errors.Is(err, ErrInvalidProtocolID),
		errors.Is(err, ErrUnknownPacketType):
		return CodeProtocolError
	default:
		return CodeInternalError
	}
}

// ErrorFor maps a received Disconnect code back to a sentinel error.
func ErrorFor(code DisconnectCode) error {
	switch code {
	case CodeNormal:
		return ErrSessionClosed
	case CodeProtocolError:
		return ErrProtocol
	case CodeAuthenticationFailed:
		return ErrAuthenticationFailed
	case CodeTooManyConnections:
		return ErrTooManyConnections
	case CodeTimeout:
		return ErrTimeout
	case CodeRateLimited:
		return ErrRateLimited
	case CodeKeyRotationFailure:
		return ErrKeyRotationFailure
	default:
		return ErrSessionClosed
	}
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
