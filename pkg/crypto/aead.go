// aead.go constructs the two AEAD primitives the layers are built from.
//
//   - AES-256-GCM: hardware-accelerated on modern CPUs
//   - ChaCha20-Poly1305: constant-time in software
//
// Both use 256-bit keys, 96-bit nonces, and 128-bit tags. Nonce reuse under
// a key breaks both, so layer nonces are always derived from a unique packet
// nonce XORed with a per-layer IV.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// Cipher identifies an AEAD primitive.
type Cipher uint8

// Supported primitives
const (
	CipherAES256GCM Cipher = iota + 1
	CipherChaCha20Poly1305
)

// String returns the primitive name.
func (c Cipher) String() string {
	switch c {
	case CipherAES256GCM:
		return "AES-256-GCM"
	case CipherChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return "Unknown"
	}
}

// newAEAD returns a cipher.AEAD for c keyed with key.
func newAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	if len(key) != constants.KeySize {
		return nil, qerrors.ErrInvalidKeySize
	}

	switch c {
	case CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, qerrors.NewCryptoError("aes-init", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, qerrors.NewCryptoError("gcm-init", err)
		}
		return aead, nil

	case CipherChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, qerrors.NewCryptoError("chacha-init", err)
		}
		return aead, nil

	default:
		return nil, qerrors.NewCryptoError("aead-init", qerrors.ErrEncryptionFailed)
	}
}

// layerNonce derives a per-layer nonce by XORing the packet nonce with the
// layer IV.
func layerNonce(nonce []byte, iv [constants.NonceSize]byte) []byte {
	out := make([]byte, constants.NonceSize)
	for i := range out {
		out[i] = nonce[i] ^ iv[i]
	}
	return out
}
