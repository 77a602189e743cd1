// handshake.go implements the LLP handshake state machine.
//
// Handshake Protocol:
//
//	Client                                 Server
//	    |                                      |
//	    | -------- ClientHello --------------> |  [rate limit, capacity check]
//	    |   - version, random                  |
//	    |   - offered curves, PQ flag          |
//	    |                                      |
//	    | <------- ServerChallenge ----------- |
//	    |   - random, selected curve           |
//	    |   - puzzle challenge + difficulty    |
//	    |   - PQ flag echo                     |
//	    |                                      |
//	    |   [Client solves the puzzle]         |
//	    |                                      |
//	    | -------- ClientProof --------------> |  [puzzle, timestamp, signature]
//	    |   - solution, ephemeral key          |
//	    |   - ML-KEM encapsulation key         |
//	    |   - timestamp, identity, signature   |
//	    |                                      |
//	    | <------- SessionEstablished -------- |
//	    |   - ephemeral key, session token     |
//	    |   - ML-KEM ciphertext, verify_data   |
//	    |                                      |
//	    |    === Session Active ===            |
//
// Security Properties:
//   - Forward secrecy: both key exchanges use ephemeral keys
//   - Quantum resistance: ML-KEM-1024 keys the QRL layer when negotiated
//   - Client authentication: Ed25519 signature over the transcript
//   - Key confirmation: verify_data is a MAC under the derived auth key,
//     bound to the negotiated layer set
//   - DoS resistance: a proof-of-work puzzle bound to the client random
package tunnel

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/crypto"
	"github.com/lostlove-net/llp/pkg/keys"
	"github.com/lostlove-net/llp/pkg/protocol"
)

// HandshakeState represents the current state of the handshake.
type HandshakeState int

const (
	// HandshakeInit is the state before any message was exchanged
	HandshakeInit HandshakeState = iota

	// HandshakeAwaitChallenge: the client sent ClientHello
	HandshakeAwaitChallenge

	// HandshakeAwaitProof: a proof is outstanding. The server waits to
	// receive it; the client waits for its verdict.
	HandshakeAwaitProof

	// HandshakeEstablished: keys are derived and confirmed
	HandshakeEstablished

	// HandshakeFailed is terminal
	HandshakeFailed
)

// String returns the state name.
func (s HandshakeState) String() string {
	switch s {
	case HandshakeInit:
		return "Init"
	case HandshakeAwaitChallenge:
		return "AwaitChallenge"
	case HandshakeAwaitProof:
		return "AwaitProof"
	case HandshakeEstablished:
		return "Established"
	case HandshakeFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// HandshakeResult is the outcome of a completed handshake.
type HandshakeResult struct {
	SessionID    SessionID
	Keys         *keys.SessionKeys
	Layers       crypto.LayerSet
	Curve        constants.Curve
	PostQuantum  bool
	PeerIdentity ed25519.PublicKey
}

// puzzlePhase marks handshake failures caused by a wrong puzzle solution.
const puzzlePhase = "handshake: puzzle"

func errHandshake(err error) error {
	return qerrors.NewProtocolError("handshake", err)
}

// effectiveLayers drops QRL when the post-quantum exchange was not agreed.
func effectiveLayers(requested crypto.LayerSet, pq bool) crypto.LayerSet {
	if pq {
		return requested
	}
	return requested &^ crypto.LayerSet(crypto.LayerQRL)
}

func proofSigningMessage(prefix []byte, timestamp uint64, publicKey, kemKey []byte) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	return crypto.TranscriptHash([]byte(constants.LabelProofSig), prefix, ts[:], publicKey, kemKey)
}

func verifyData(auth []byte, hello, challenge, proof []byte, layers crypto.LayerSet) []byte {
	th := crypto.TranscriptHash(hello, challenge, proof, []byte{byte(layers)})
	return crypto.MAC(auth, []byte(constants.LabelVerifyData), th)
}

func deriveSessionKeys(ecdhSecret, kemSecret, clientRandom, serverRandom []byte) (*keys.SessionKeys, error) {
	secrets := keys.Secrets{ECDH: ecdhSecret, KEM: kemSecret}
	shared := secrets.Combined()
	defer crypto.Zeroize(shared)
	return keys.Derive(shared, clientRandom, serverRandom, secrets)
}

// --- Client ---

// ClientHandshake drives the initiator side of the handshake. It is not
// safe for concurrent use.
type ClientHandshake struct {
	cfg   *Config
	codec *protocol.Codec
	state HandshakeState

	identity ed25519.PrivateKey
	random   []byte

	hello     []byte
	challenge []byte
	proof     []byte

	pq     bool
	curve  constants.Curve
	ecdh   *crypto.ECDHKeyPair
	kem    *crypto.MLKEMKeyPair
	result *HandshakeResult
}

// NewClientHandshake creates a client handshake. cfg must have defaults
// applied.
func NewClientHandshake(cfg *Config) *ClientHandshake {
	return &ClientHandshake{
		cfg:      cfg,
		codec:    protocol.NewCodec(),
		state:    HandshakeInit,
		identity: cfg.Identity,
	}
}

// State returns the current handshake state.
func (h *ClientHandshake) State() HandshakeState { return h.state }

func (h *ClientHandshake) fail(err error) error {
	h.state = HandshakeFailed
	h.cleanup()
	return err
}

// Hello generates the ClientHello message.
func (h *ClientHandshake) Hello() ([]byte, error) {
	if h.state != HandshakeInit {
		return nil, errHandshake(qerrors.ErrProtocol)
	}

	random, err := crypto.SecureRandomBytes(constants.RandomSize)
	if err != nil {
		return nil, h.fail(err)
	}
	h.random = random

	if h.identity == nil {
		_, priv, err := ed25519.GenerateKey(crypto.Reader)
		if err != nil {
			return nil, h.fail(qerrors.NewCryptoError("identity", err))
		}
		h.identity = priv
	}

	msg := &protocol.ClientHello{
		Version:     constants.ProtocolVersion,
		Random:      h.random,
		Curves:      h.cfg.Curves,
		PostQuantum: h.cfg.Layers.Has(crypto.LayerQRL),
	}
	data, err := h.codec.EncodeClientHello(msg)
	if err != nil {
		return nil, h.fail(err)
	}
	h.hello = data
	h.state = HandshakeAwaitChallenge
	return data, nil
}

// HandleChallenge processes ServerChallenge, solves the puzzle, and
// returns the ClientProof. Solving stops with ErrTimeout when ctx ends.
func (h *ClientHandshake) HandleChallenge(ctx context.Context, data []byte) ([]byte, error) {
	if h.state != HandshakeAwaitChallenge {
		return nil, h.fail(errHandshake(qerrors.ErrProtocol))
	}

	msg, err := h.codec.DecodeServerChallenge(data)
	if err != nil {
		return nil, h.fail(err)
	}
	if !h.offered(msg.Curve) {
		return nil, h.fail(errHandshake(qerrors.ErrProtocol))
	}
	if msg.PostQuantum && !h.cfg.Layers.Has(crypto.LayerQRL) {
		return nil, h.fail(errHandshake(qerrors.ErrProtocol))
	}
	h.challenge = data
	h.curve = msg.Curve
	h.pq = msg.PostQuantum

	var puzzle crypto.Puzzle
	copy(puzzle.Challenge[:], msg.Challenge)
	puzzle.Difficulty = msg.Difficulty
	solution, err := crypto.Solve(ctx, puzzle, h.random)
	if err != nil {
		return nil, h.fail(err)
	}

	h.ecdh, err = crypto.GenerateECDH(h.curve)
	if err != nil {
		return nil, h.fail(err)
	}
	var kemKey []byte
	if h.pq {
		h.kem, err = crypto.GenerateMLKEMKeyPair()
		if err != nil {
			return nil, h.fail(err)
		}
		kemKey = h.kem.PublicKeyBytes()
	}

	pub := h.ecdh.PublicKeyBytes()
	ts := protocol.Timestamp(h.cfg.Now())
	prefix := crypto.TranscriptHash(h.hello, h.challenge)
	sig := ed25519.Sign(h.identity, proofSigningMessage(prefix, ts, pub, kemKey))

	proof := &protocol.ClientProof{
		Solution:     solution,
		PublicKey:    pub,
		KEMPublicKey: kemKey,
		Timestamp:    ts,
		IdentityKey:  h.identity.Public().(ed25519.PublicKey),
		Signature:    sig,
	}
	out, err := h.codec.EncodeClientProof(proof)
	if err != nil {
		return nil, h.fail(err)
	}
	h.proof = out
	h.state = HandshakeAwaitProof
	return out, nil
}

func (h *ClientHandshake) offered(c constants.Curve) bool {
	for _, cv := range h.cfg.Curves {
		if cv == c {
			return true
		}
	}
	return false
}

// HandleEstablished verifies SessionEstablished and derives the session
// keys. A verify_data mismatch fails with ErrAuthenticationFailed.
func (h *ClientHandshake) HandleEstablished(data []byte) (*HandshakeResult, error) {
	if h.state != HandshakeAwaitProof {
		return nil, h.fail(errHandshake(qerrors.ErrProtocol))
	}

	msg, err := h.codec.DecodeSessionEstablished(data)
	if err != nil {
		return nil, h.fail(err)
	}
	if h.pq != (len(msg.KEMCiphertext) != 0) {
		return nil, h.fail(errHandshake(qerrors.ErrProtocol))
	}

	ecdhSecret, err := h.ecdh.SharedSecret(msg.PublicKey)
	if err != nil {
		return nil, h.fail(err)
	}
	defer crypto.Zeroize(ecdhSecret)

	var kemSecret []byte
	if h.pq {
		kemSecret, err = crypto.MLKEMDecapsulate(h.kem.DecapsulationKey, msg.KEMCiphertext)
		if err != nil {
			return nil, h.fail(err)
		}
		defer crypto.Zeroize(kemSecret)
	}

	serverRandom := h.challengeRandom()
	k, err := deriveSessionKeys(ecdhSecret, kemSecret, h.random, serverRandom)
	if err != nil {
		return nil, h.fail(err)
	}

	layers := effectiveLayers(h.cfg.Layers, h.pq)
	expected := verifyData(k.Auth[:], h.hello, h.challenge, h.proof, layers)
	if !crypto.ConstantTimeCompare(expected, msg.VerifyData) {
		k.Zeroize()
		return nil, h.fail(errHandshake(qerrors.ErrAuthenticationFailed))
	}

	id, err := uuid.FromBytes(msg.SessionToken)
	if err != nil {
		k.Zeroize()
		return nil, h.fail(errHandshake(qerrors.ErrProtocol))
	}

	h.result = &HandshakeResult{
		SessionID:   id,
		Keys:        k,
		Layers:      layers,
		Curve:       h.curve,
		PostQuantum: h.pq,
	}
	h.state = HandshakeEstablished
	h.cleanup()
	return h.result, nil
}

// challengeRandom returns the server random from the stored challenge.
func (h *ClientHandshake) challengeRandom() []byte {
	msg, err := h.codec.DecodeServerChallenge(h.challenge)
	if err != nil {
		return nil
	}
	return msg.Random
}

func (h *ClientHandshake) cleanup() {
	if h.ecdh != nil {
		h.ecdh.Zeroize()
		h.ecdh = nil
	}
	if h.kem != nil {
		h.kem.Zeroize()
		h.kem = nil
	}
}

// --- Server ---

// ServerHandshake drives the responder side of the handshake. It is not
// safe for concurrent use.
type ServerHandshake struct {
	cfg   *Config
	codec *protocol.Codec
	state HandshakeState

	clientRandom []byte
	serverRandom []byte
	puzzle       crypto.Puzzle
	curve        constants.Curve
	pq           bool

	hello     []byte
	challenge []byte
	proof     []byte

	clientPub    []byte
	clientKEM    *crypto.MLKEMPublicKey
	peerIdentity ed25519.PublicKey
}

// NewServerHandshake creates a server handshake. cfg must have defaults
// applied.
func NewServerHandshake(cfg *Config) *ServerHandshake {
	return &ServerHandshake{
		cfg:   cfg,
		codec: protocol.NewCodec(),
		state: HandshakeInit,
	}
}

// State returns the current handshake state.
func (h *ServerHandshake) State() HandshakeState { return h.state }

func (h *ServerHandshake) fail(err error) error {
	h.state = HandshakeFailed
	return err
}

// HandleHello processes ClientHello and returns the ServerChallenge.
func (h *ServerHandshake) HandleHello(data []byte) ([]byte, error) {
	if h.state != HandshakeInit {
		return nil, h.fail(errHandshake(qerrors.ErrProtocol))
	}

	msg, err := h.codec.DecodeClientHello(data)
	if err != nil {
		return nil, h.fail(err)
	}
	if msg.Version != constants.ProtocolVersion {
		return nil, h.fail(errHandshake(qerrors.ErrUnsupportedVersion))
	}

	curve, ok := selectCurve(h.cfg.Curves, msg.Curves)
	if !ok {
		return nil, h.fail(errHandshake(qerrors.ErrProtocol))
	}
	h.curve = curve
	h.pq = msg.PostQuantum && h.cfg.Layers.Has(crypto.LayerQRL)
	h.clientRandom = append([]byte(nil), msg.Random...)

	h.puzzle, err = crypto.NewPuzzle(h.cfg.puzzleDifficulty())
	if err != nil {
		return nil, h.fail(err)
	}
	h.serverRandom, err = crypto.SecureRandomBytes(constants.RandomSize)
	if err != nil {
		return nil, h.fail(err)
	}

	out, err := h.codec.EncodeServerChallenge(&protocol.ServerChallenge{
		Random:      h.serverRandom,
		Curve:       h.curve,
		Challenge:   h.puzzle.Challenge[:],
		Difficulty:  h.puzzle.Difficulty,
		PostQuantum: h.pq,
	})
	if err != nil {
		return nil, h.fail(err)
	}
	h.hello = data
	h.challenge = out
	h.state = HandshakeAwaitProof
	return out, nil
}

// selectCurve returns the first local preference the client offered.
func selectCurve(local, offered []constants.Curve) (constants.Curve, bool) {
	for _, l := range local {
		for _, o := range offered {
			if l == o {
				return l, true
			}
		}
	}
	return 0, false
}

// HandleProof verifies ClientProof: the puzzle solution, the timestamp
// bound, the identity signature, and the authorized-keys list. Every
// failure is ErrAuthenticationFailed.
func (h *ServerHandshake) HandleProof(data []byte) error {
	if h.state != HandshakeAwaitProof || h.proof != nil {
		return h.fail(errHandshake(qerrors.ErrProtocol))
	}

	msg, err := h.codec.DecodeClientProof(data)
	if err != nil {
		return h.fail(err)
	}
	if h.pq != (len(msg.KEMPublicKey) != 0) {
		return h.fail(errHandshake(qerrors.ErrProtocol))
	}

	if !crypto.Verify(h.puzzle, h.clientRandom, msg.Solution) {
		return h.fail(qerrors.NewProtocolError(puzzlePhase, qerrors.ErrAuthenticationFailed))
	}

	ts := protocol.Header{Timestamp: msg.Timestamp}
	if err := ts.CheckTimestamp(h.cfg.Now(), constants.MaxClockSkew); err != nil {
		return h.fail(errHandshake(qerrors.ErrAuthenticationFailed))
	}

	identity := ed25519.PublicKey(msg.IdentityKey)
	prefix := crypto.TranscriptHash(h.hello, h.challenge)
	if !ed25519.Verify(identity, proofSigningMessage(prefix, msg.Timestamp, msg.PublicKey, msg.KEMPublicKey), msg.Signature) {
		return h.fail(errHandshake(qerrors.ErrAuthenticationFailed))
	}
	if !h.authorized(identity) {
		return h.fail(errHandshake(qerrors.ErrAuthenticationFailed))
	}

	if h.pq {
		h.clientKEM, err = crypto.ParseMLKEMPublicKey(msg.KEMPublicKey)
		if err != nil {
			return h.fail(errHandshake(qerrors.ErrProtocol))
		}
	}
	h.clientPub = msg.PublicKey
	h.peerIdentity = append(ed25519.PublicKey(nil), identity...)
	h.proof = data
	return nil
}

func (h *ServerHandshake) authorized(id ed25519.PublicKey) bool {
	if len(h.cfg.AuthorizedKeys) == 0 {
		return true
	}
	for _, k := range h.cfg.AuthorizedKeys {
		if k.Equal(id) {
			return true
		}
	}
	return false
}

// Establish completes the key exchange for a verified proof and returns
// the SessionEstablished message carrying id as the session token.
func (h *ServerHandshake) Establish(id SessionID) ([]byte, *HandshakeResult, error) {
	if h.state != HandshakeAwaitProof || h.proof == nil {
		return nil, nil, h.fail(errHandshake(qerrors.ErrProtocol))
	}

	eph, err := crypto.GenerateECDH(h.curve)
	if err != nil {
		return nil, nil, h.fail(err)
	}
	defer eph.Zeroize()

	ecdhSecret, err := eph.SharedSecret(h.clientPub)
	if err != nil {
		return nil, nil, h.fail(errHandshake(err))
	}
	defer crypto.Zeroize(ecdhSecret)

	var kemCT, kemSecret []byte
	if h.pq {
		kemCT, kemSecret, err = crypto.MLKEMEncapsulate(h.clientKEM)
		if err != nil {
			return nil, nil, h.fail(err)
		}
		defer crypto.Zeroize(kemSecret)
	}

	k, err := deriveSessionKeys(ecdhSecret, kemSecret, h.clientRandom, h.serverRandom)
	if err != nil {
		return nil, nil, h.fail(err)
	}

	layers := effectiveLayers(h.cfg.Layers, h.pq)
	out, err := h.codec.EncodeSessionEstablished(&protocol.SessionEstablished{
		PublicKey:     eph.PublicKeyBytes(),
		SessionToken:  id[:],
		KEMCiphertext: kemCT,
		VerifyData:    verifyData(k.Auth[:], h.hello, h.challenge, h.proof, layers),
	})
	if err != nil {
		k.Zeroize()
		return nil, nil, h.fail(err)
	}

	h.state = HandshakeEstablished
	return out, &HandshakeResult{
		SessionID:    id,
		Keys:         k,
		Layers:       layers,
		Curve:        h.curve,
		PostQuantum:  h.pq,
		PeerIdentity: h.peerIdentity,
	}, nil
}

// --- Packet exchange ---

// handshakeIO moves handshake messages in unencrypted HandshakeInit and
// HandshakeResponse packets on the control stream.
type handshakeIO struct {
	pc      PacketConn
	shaper  Shaper
	timeout time.Duration
	now     func() time.Time
	seq     uint64
}

func (x *handshakeIO) send(ctx context.Context, t protocol.PacketType, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return qerrors.ErrTimeout
	}
	h := protocol.Header{
		Type:      t,
		StreamID:  constants.ControlStreamID,
		Sequence:  x.seq,
		Timestamp: protocol.Timestamp(x.now()),
	}
	x.seq++
	pkt, err := protocol.Encode(h, msg)
	if err != nil {
		return err
	}
	shaped, err := x.shaper.Shape(pkt)
	if err != nil {
		return err
	}
	return x.pc.WritePacket(shaped)
}

// disconnect sends an unencrypted Disconnect carrying the code for err.
func (x *handshakeIO) disconnect(err error) {
	d := protocol.Disconnect{Code: qerrors.CodeFor(err), Reason: qerrors.CodeFor(err).String()}
	h := protocol.Header{
		Type:      protocol.PacketDisconnect,
		StreamID:  constants.ControlStreamID,
		Timestamp: protocol.Timestamp(x.now()),
	}
	pkt, encErr := protocol.Encode(h, d.Encode())
	if encErr != nil {
		return
	}
	if shaped, shapeErr := x.shaper.Shape(pkt); shapeErr == nil {
		_ = x.pc.WritePacket(shaped)
	}
}

// recv waits for a packet of type want, bounded by the per-message timeout
// and ctx. A Disconnect from the peer fails with the error for its code.
func (x *handshakeIO) recv(ctx context.Context, want protocol.PacketType) ([]byte, error) {
	deadline := x.now().Add(x.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := x.pc.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer x.pc.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { _ = x.pc.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	for {
		raw, err := x.pc.ReadPacket()
		if err != nil {
			if isTimeout(err) || ctx.Err() != nil {
				return nil, qerrors.ErrTimeout
			}
			return nil, err
		}
		data, err := x.shaper.Unshape(raw)
		if err != nil {
			continue
		}
		pkt, err := protocol.Decode(data)
		if err != nil {
			return nil, errHandshake(err)
		}
		if err := pkt.Header.CheckTimestamp(x.now(), constants.MaxClockSkew); err != nil {
			return nil, errHandshake(err)
		}
		switch pkt.Header.Type {
		case want:
			return pkt.Payload, nil
		case protocol.PacketDisconnect:
			d, err := protocol.DecodeDisconnect(pkt.Payload)
			if err != nil {
				return nil, errHandshake(err)
			}
			return nil, qerrors.ErrorFor(d.Code)
		default:
			return nil, errHandshake(qerrors.ErrProtocol)
		}
	}
}

type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var te timeoutError
	return qerrors.As(err, &te) && te.Timeout()
}

// runClientHandshake performs the whole client side over pc.
func runClientHandshake(ctx context.Context, pc PacketConn, cfg *Config) (*HandshakeResult, error) {
	hio := &handshakeIO{pc: pc, shaper: cfg.Shaper, timeout: cfg.HandshakeTimeout, now: cfg.Now}
	hs := NewClientHandshake(cfg)

	hello, err := hs.Hello()
	if err != nil {
		return nil, err
	}
	if err := hio.send(ctx, protocol.PacketHandshakeInit, hello); err != nil {
		return nil, err
	}

	challenge, err := hio.recv(ctx, protocol.PacketHandshakeResponse)
	if err != nil {
		return nil, err
	}
	solveCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	proof, err := hs.HandleChallenge(solveCtx, challenge)
	cancel()
	if err != nil {
		return nil, err
	}
	if err := hio.send(ctx, protocol.PacketHandshakeInit, proof); err != nil {
		return nil, err
	}

	established, err := hio.recv(ctx, protocol.PacketHandshakeResponse)
	if err != nil {
		return nil, err
	}
	return hs.HandleEstablished(established)
}
