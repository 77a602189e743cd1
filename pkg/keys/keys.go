// Package keys manages the lifecycle of session key material: initial
// derivation from the handshake secrets, generation-numbered rotation, and
// decryption with fallback to the previous generation.
//
// Key Schedule:
//
//	master   = HKDF-SHA512(shared, client_random || server_random, "LLP-v1-master-secret")
//	ecc.*    = HKDF-SHA512(master, ecdh_secret, "LLP-v1/ecc/{key,iv}")
//	hse.*    = HKDF-SHA512(master, nil,         "LLP-v1/hse-{chacha,aes}/{key,iv}")
//	qrl.*    = HKDF-SHA512(master, kem_secret,  "LLP-v1/qrl/{key,iv}")
//	auth     = HKDF-SHA512(master, nil,         "LLP-v1/session/auth")
//
// Rotation replaces the master with
//
//	master' = HKDF-SHA512(master, entropy, "LLP-v1-rotation" || generation)
//
// and re-expands every subkey from master' with the same salts.
package keys

import (
	"encoding/binary"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/crypto"
)

// Secrets are the raw key-exchange outputs that salt layer subkeys.
type Secrets struct {
	// ECDH is the elliptic-curve shared secret. Required.
	ECDH []byte

	// KEM is the ML-KEM-1024 shared secret. Nil when the post-quantum
	// exchange was not negotiated.
	KEM []byte
}

// Combined returns the input keying material for the master secret.
func (s Secrets) Combined() []byte {
	out := make([]byte, 0, len(s.ECDH)+len(s.KEM))
	out = append(out, s.ECDH...)
	return append(out, s.KEM...)
}

// SessionKeys is one immutable generation of session key material.
type SessionKeys struct {
	Generation uint64
	Layers     crypto.LayerKeys
	Auth       [constants.AuthKeySize]byte

	master  []byte
	eccSalt []byte
	qrlSalt []byte
}

// Derive builds generation zero from the handshake secrets.
//
// Parameters:
//   - shared: Combined key-exchange secret (see Secrets.Combined)
//   - clientRandom, serverRandom: 32-byte handshake randoms
//   - secrets: Individual secrets used as per-layer salts
//
// Returns:
//   - keys: Generation-zero session keys
//   - error: Non-nil if any input has the wrong size
func Derive(shared, clientRandom, serverRandom []byte, secrets Secrets) (*SessionKeys, error) {
	if len(secrets.ECDH) == 0 {
		return nil, qerrors.NewCryptoError("keys.Derive", qerrors.ErrInvalidKeySize)
	}

	master, err := crypto.DeriveMasterSecret(shared, clientRandom, serverRandom)
	if err != nil {
		return nil, err
	}

	k := &SessionKeys{
		master:  master,
		eccSalt: append([]byte(nil), secrets.ECDH...),
		qrlSalt: append([]byte(nil), secrets.KEM...),
	}
	if err := k.expand(); err != nil {
		k.Zeroize()
		return nil, err
	}
	return k, nil
}

// FromMaster builds generation zero directly from a master secret. It is
// used by tests and tooling that need deterministic keys.
func FromMaster(master []byte, secrets Secrets) (*SessionKeys, error) {
	if len(master) != constants.MasterSecretSize {
		return nil, qerrors.NewCryptoError("keys.FromMaster", qerrors.ErrInvalidKeySize)
	}
	k := &SessionKeys{
		master:  append([]byte(nil), master...),
		eccSalt: append([]byte(nil), secrets.ECDH...),
		qrlSalt: append([]byte(nil), secrets.KEM...),
	}
	if err := k.expand(); err != nil {
		k.Zeroize()
		return nil, err
	}
	return k, nil
}

func (k *SessionKeys) expand() error {
	subkeys := []struct {
		cipher string
		salt   []byte
		dst    *crypto.LayerKey
	}{
		{"ecc", k.eccSalt, &k.Layers.ECC},
		{"hse-chacha", nil, &k.Layers.HSEChaCha},
		{"hse-aes", nil, &k.Layers.HSEAES},
		{"qrl", k.qrlSalt, &k.Layers.QRL},
	}

	for _, sk := range subkeys {
		key, err := crypto.HKDF(k.master, sk.salt, crypto.SubkeyLabel(sk.cipher, "key"), constants.KeySize)
		if err != nil {
			return err
		}
		iv, err := crypto.HKDF(k.master, sk.salt, crypto.SubkeyLabel(sk.cipher, "iv"), constants.NonceSize)
		if err != nil {
			return err
		}
		copy(sk.dst.Key[:], key)
		copy(sk.dst.IV[:], iv)
		crypto.Zeroize(key, iv)
	}

	auth, err := crypto.HKDF(k.master, nil, crypto.SubkeyLabel("session", "auth"), constants.AuthKeySize)
	if err != nil {
		return err
	}
	copy(k.Auth[:], auth)
	crypto.Zeroize(auth)
	return nil
}

// Next derives the following generation from fresh entropy. Both peers
// holding the same generation and entropy derive identical keys.
func (k *SessionKeys) Next(entropy []byte) (*SessionKeys, error) {
	if len(entropy) != constants.RotationEntropySize {
		return nil, qerrors.NewCryptoError("keys.Next", qerrors.ErrInvalidKeySize)
	}
	if k.master == nil {
		return nil, qerrors.NewCryptoError("keys.Next", qerrors.ErrKeysClosed)
	}

	gen := k.Generation + 1
	info := make([]byte, 0, len(constants.LabelRotation)+8)
	info = append(info, constants.LabelRotation...)
	info = binary.BigEndian.AppendUint64(info, gen)

	master, err := crypto.HKDF(k.master, entropy, string(info), constants.MasterSecretSize)
	if err != nil {
		return nil, err
	}

	next := &SessionKeys{
		Generation: gen,
		master:     master,
		eccSalt:    append([]byte(nil), k.eccSalt...),
		qrlSalt:    append([]byte(nil), k.qrlSalt...),
	}
	if err := next.expand(); err != nil {
		next.Zeroize()
		return nil, err
	}
	return next, nil
}

// Zeroize erases all key material.
func (k *SessionKeys) Zeroize() {
	crypto.Zeroize(k.master, k.eccSalt, k.qrlSalt, k.Auth[:])
	k.Layers.Zeroize()
	k.master = nil
	k.eccSalt = nil
	k.qrlSalt = nil
}
