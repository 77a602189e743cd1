// ecdh.go implements the classical key agreement negotiated in the
// handshake. X25519 (RFC 7748) is preferred; NIST P-384 and P-256 are
// accepted for peers that cannot use Curve25519.
//
// Note: none of these groups is quantum-resistant. The ML-KEM exchange in
// mlkem.go keys the QRL layer independently, so a break of the classical
// group alone does not expose traffic when the QRL layer is enabled.
package crypto

import (
	"crypto/ecdh"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// ECDHKeyPair is an ephemeral key pair on a negotiated curve.
type ECDHKeyPair struct {
	Curve      constants.Curve
	PublicKey  *ecdh.PublicKey
	PrivateKey *ecdh.PrivateKey
}

func curveFor(c constants.Curve) (ecdh.Curve, error) {
	switch c {
	case constants.CurveX25519:
		return ecdh.X25519(), nil
	case constants.CurveP256:
		return ecdh.P256(), nil
	case constants.CurveP384:
		return ecdh.P384(), nil
	default:
		return nil, qerrors.NewCryptoError("ecdh", qerrors.ErrInvalidPublicKey)
	}
}

// GenerateECDH generates an ephemeral key pair on curve c.
func GenerateECDH(c constants.Curve) (*ECDHKeyPair, error) {
	curve, err := curveFor(c)
	if err != nil {
		return nil, err
	}

	privateKey, err := curve.GenerateKey(Reader)
	if err != nil {
		return nil, qerrors.NewCryptoError("ECDHKeyPair.Generate", err)
	}

	return &ECDHKeyPair{
		Curve:      c,
		PublicKey:  privateKey.PublicKey(),
		PrivateKey: privateKey,
	}, nil
}

// PublicKeyBytes returns the encoded public key.
func (kp *ECDHKeyPair) PublicKeyBytes() []byte {
	return kp.PublicKey.Bytes()
}

// SharedSecret computes the ECDH shared secret with a peer's encoded public
// key. The peer key is validated as a point on the pair's curve.
//
// The result must never be used directly as a key; it feeds HKDF.
func (kp *ECDHKeyPair) SharedSecret(peer []byte) ([]byte, error) {
	if kp == nil || kp.PrivateKey == nil {
		return nil, qerrors.NewCryptoError("ECDH", qerrors.ErrKeysClosed)
	}
	curve, err := curveFor(kp.Curve)
	if err != nil {
		return nil, err
	}

	peerKey, err := curve.NewPublicKey(peer)
	if err != nil {
		return nil, qerrors.NewCryptoError("ECDH", qerrors.ErrInvalidPublicKey)
	}

	secret, err := kp.PrivateKey.ECDH(peerKey)
	if err != nil {
		return nil, qerrors.NewCryptoError("ECDH", err)
	}
	return secret, nil
}

// Zeroize drops the private key reference.
func (kp *ECDHKeyPair) Zeroize() {
	// ecdh.PrivateKey does not expose its scalar for in-place erasure.
	kp.PrivateKey = nil
}
