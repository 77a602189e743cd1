// Package constants defines wire parameters, protocol defaults, and key
// derivation labels for the LLP tunneling engine.
//
// Values here are shared by every layer of the stack. Changing any of the
// wire constants breaks interoperability with existing peers.
package constants

import "time"

// Protocol identification
const (
	// ProtocolID is the fixed identifier ("LL") leading every packet header
	ProtocolID uint16 = 0x4C4C

	// ProtocolVersion is the handshake version advertised in ClientHello
	ProtocolVersion uint16 = 0x0001

	// ProtocolName is used for domain separation in transcript hashing
	ProtocolName = "LLP-v1"
)

// Wire format
const (
	// HeaderSize is the fixed encoded size of a packet header in bytes
	HeaderSize = 24

	// MaxPacketSize is the largest encoded packet (header plus payload)
	MaxPacketSize = 64 * 1024

	// MaxPayloadSize is the largest payload carried after the header
	MaxPayloadSize = MaxPacketSize - HeaderSize

	// InnerPayloadFixedSize covers real_length, compression, priority,
	// reserved, and nonce fields of the inner payload
	InnerPayloadFixedSize = 4 + 1 + 1 + 2 + NonceSize

	// MaxSegmentSize bounds user data carried by one Data packet. It leaves
	// room for layer overhead, compression expansion, and padding.
	MaxSegmentSize = 16 * 1024
)

// Symmetric primitives
const (
	// KeySize is the size of every symmetric layer key (AES-256, ChaCha20)
	KeySize = 32

	// NonceSize is the AEAD nonce size shared by AES-GCM and ChaCha20-Poly1305
	NonceSize = 12

	// TagSize is the AEAD authentication tag size
	TagSize = 16

	// MasterSecretSize is the HKDF-SHA512 master secret length
	MasterSecretSize = 64

	// AuthKeySize is the HMAC-SHA256 authentication subkey length
	AuthKeySize = 32

	// RandomSize is the size of handshake randoms and puzzle challenges
	RandomSize = 32

	// RotationEntropySize is the fresh entropy mixed into each rotation
	RotationEntropySize = 32

	// TranscriptHashSize is the size of the handshake transcript hash
	TranscriptHashSize = 32
)

// ML-KEM-1024 (FIPS 203) sizes used by the post-quantum layer
const (
	MLKEMPublicKeySize    = 1568
	MLKEMCiphertextSize   = 1568
	MLKEMSharedSecretSize = 32
)

// Key derivation labels. Every subkey uses a distinct label; a label is
// never reused across purposes.
const (
	LabelMasterSecret = "LLP-v1-master-secret"
	LabelRotation     = "LLP-v1-rotation"
	LabelSubkeyPrefix = "LLP-v1/"
	LabelVerifyData   = "LLP-v1-verify"
	LabelProofSig     = "LLP-v1-client-proof"
)

// Stream limits and flow control
const (
	// ControlStreamID is reserved for control frames and never carries user data
	ControlStreamID uint16 = 0

	// MaxStreams is the per-session stream cap, control stream included
	MaxStreams = 256

	// DefaultWindowSize is the initial per-stream flow-control window
	DefaultWindowSize = 256 * 1024

	// MaxWindowSize caps any window after increments
	MaxWindowSize = 16 * 1024 * 1024

	// ReplayWindowSize is the number of sequence numbers tracked per stream
	ReplayWindowSize = 64

	// DupAckThreshold triggers fast retransmit
	DupAckThreshold = 3

	// MaxSACKRanges bounds ranges reported in one Ack packet
	MaxSACKRanges = 32
)

// Retransmission timer bounds (RFC 6298)
const (
	InitialRTO = 1 * time.Second
	MinRTO     = 200 * time.Millisecond
	MaxRTO     = 60 * time.Second
)

// Session and timing defaults
const (
	// MaxClockSkew is the accepted distance between a packet timestamp and
	// the receiver clock
	MaxClockSkew = 30 * time.Second

	// DefaultHandshakeTimeout bounds the wait for each handshake message
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultSweepInterval is how often the registry reaps idle sessions
	DefaultSweepInterval = 60 * time.Second

	// DefaultConnectionTimeout is the idle time after which a session is reaped
	DefaultConnectionTimeout = 300 * time.Second

	// DefaultKeepAliveInterval is the idle time after which a KeepAlive is sent
	DefaultKeepAliveInterval = 15 * time.Second

	// DefaultMaxConnections caps concurrent sessions per server
	DefaultMaxConnections = 1000

	// DefaultAuthFailureThreshold is the number of authentication failures
	// tolerated on a session before it is torn down
	DefaultAuthFailureThreshold = 16

	// DefaultPuzzleDifficulty is the leading-zero-bit target for admission
	DefaultPuzzleDifficulty = 16

	// MaxPuzzleDifficulty keeps server-chosen puzzles solvable
	MaxPuzzleDifficulty = 32
)

// Key rotation defaults
const (
	// DefaultRotationBytes triggers rotation after this many encrypted bytes
	DefaultRotationBytes = 5 * 1024 * 1024

	// DefaultRotationInterval triggers rotation after this much time
	DefaultRotationInterval = 30 * time.Minute

	// MinRotationInterval and MaxRotationInterval bound configured intervals
	MinRotationInterval = 10 * time.Minute
	MaxRotationInterval = 60 * time.Minute

	// DefaultFallbackWindow is the minimum lifetime of a previous generation
	DefaultFallbackWindow = 5 * time.Second
)

// Curve identifies a key-exchange group offered in ClientHello.
type Curve uint16

// Supported key-exchange groups (TLS named-group code points).
const (
	CurveX25519 Curve = 0x001D
	CurveP256   Curve = 0x0017
	CurveP384   Curve = 0x0018
)

// String returns the group name.
func (c Curve) String() string {
	switch c {
	case CurveX25519:
		return "X25519"
	case CurveP256:
		return "P-256"
	case CurveP384:
		return "P-384"
	default:
		return "Unknown"
	}
}

// IsSupported reports whether the group is implemented.
func (c Curve) IsSupported() bool {
	switch c {
	case CurveX25519, CurveP256, CurveP384:
		return true
	default:
		return false
	}
}

// PreferredCurves is the local preference order used by both roles.
var PreferredCurves = []Curve{CurveX25519, CurveP384, CurveP256}
