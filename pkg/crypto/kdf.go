// kdf.go implements key derivation for the tunnel.
//
// The master secret is derived with HKDF-SHA512 (RFC 5869) from the combined
// key-exchange secret, salted with both handshake randoms:
//
//	master = HKDF-SHA512(IKM = shared, salt = client_random || server_random,
//	                     info = "LLP-v1-master-secret", L = 64)
//
// Per-layer subkeys are expanded from the master secret with labels of the
// form "LLP-v1/<cipher>/<purpose>". A label is never reused across purposes.
//
// Transcript hashing uses SHA3-256 with length-prefixed components so that
// no two distinct transcripts share an encoding.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// HKDF extracts and expands n bytes from secret.
//
// Parameters:
//   - secret: Input keying material
//   - salt: Optional salt (nil uses a zero-filled salt)
//   - info: Context label providing domain separation
//   - n: Output length in bytes
//
// Returns:
//   - derived: The derived key material
//   - error: Non-nil if n is out of range or expansion fails
func HKDF(secret, salt []byte, info string, n int) ([]byte, error) {
	if n <= 0 || n > 255*sha512.Size {
		return nil, qerrors.NewCryptoError("HKDF", qerrors.ErrInvalidKeySize)
	}

	r := hkdf.New(sha512.New, secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, qerrors.NewCryptoError("HKDF", err)
	}
	return out, nil
}

// DeriveMasterSecret derives the 64-byte master secret from the combined
// key-exchange secret and both handshake randoms.
func DeriveMasterSecret(shared, clientRandom, serverRandom []byte) ([]byte, error) {
	if len(shared) == 0 {
		return nil, qerrors.NewCryptoError("DeriveMasterSecret", qerrors.ErrInvalidKeySize)
	}
	if len(clientRandom) != constants.RandomSize || len(serverRandom) != constants.RandomSize {
		return nil, qerrors.NewCryptoError("DeriveMasterSecret", qerrors.ErrInvalidKeySize)
	}

	salt := make([]byte, 0, 2*constants.RandomSize)
	salt = append(salt, clientRandom...)
	salt = append(salt, serverRandom...)
	return HKDF(shared, salt, constants.LabelMasterSecret, constants.MasterSecretSize)
}

// SubkeyLabel returns the HKDF info label for a cipher and purpose.
func SubkeyLabel(cipher, purpose string) string {
	return constants.LabelSubkeyPrefix + cipher + "/" + purpose
}

// TranscriptHash computes a SHA3-256 hash over length-prefixed components.
//
// The transcript covers every handshake message in order, so a change to
// any field of any message changes the hash.
func TranscriptHash(components ...[]byte) []byte {
	h := sha3.New256()
	lenBuf := make([]byte, 4)

	h.Write([]byte(constants.ProtocolName))

	binary.BigEndian.PutUint32(lenBuf, uint32(len(components)))
	h.Write(lenBuf)

	for _, component := range components {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(component)))
		h.Write(lenBuf)
		h.Write(component)
	}

	return h.Sum(nil)
}

// MAC returns HMAC-SHA256(key, data...).
func MAC(key []byte, data ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, d := range data {
		m.Write(d)
	}
	return m.Sum(nil)
}

// VerifyMAC checks tag against HMAC-SHA256(key, data...) in constant time.
func VerifyMAC(key, tag []byte, data ...[]byte) bool {
	return hmac.Equal(MAC(key, data...), tag)
}
