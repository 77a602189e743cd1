package crypto

import (
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// QRL key agreement is ML-KEM-1024 (FIPS 203). The initiator sends its
// encapsulation key in ClientProof, the responder answers with a ciphertext
// in SessionEstablished, and both mix the 32-byte secret into the QRL
// subkeys and the master secret.
var mlkem kem.Scheme = mlkem1024.Scheme()

// MLKEMPublicKey is an encapsulation key.
type MLKEMPublicKey struct {
	pk kem.PublicKey
}

// MLKEMPrivateKey is a decapsulation key.
type MLKEMPrivateKey struct {
	sk kem.PrivateKey
}

// MLKEMKeyPair is an initiator's ephemeral QRL key pair.
type MLKEMKeyPair struct {
	EncapsulationKey *MLKEMPublicKey
	DecapsulationKey *MLKEMPrivateKey
}

// GenerateMLKEMKeyPair draws a key pair seed from Reader.
func GenerateMLKEMKeyPair() (*MLKEMKeyPair, error) {
	seed, err := SecureRandomBytes(mlkem.SeedSize())
	if err != nil {
		return nil, qerrors.NewCryptoError("GenerateMLKEMKeyPair", err)
	}
	defer Zeroize(seed)
	return DeriveMLKEMKeyPair(seed)
}

// DeriveMLKEMKeyPair expands a 64-byte seed into a key pair. Equal seeds
// give equal pairs.
func DeriveMLKEMKeyPair(seed []byte) (*MLKEMKeyPair, error) {
	if len(seed) != mlkem.SeedSize() {
		return nil, qerrors.NewCryptoError("DeriveMLKEMKeyPair", qerrors.ErrInvalidKeySize)
	}
	pk, sk := mlkem.DeriveKeyPair(seed)
	return &MLKEMKeyPair{
		EncapsulationKey: &MLKEMPublicKey{pk: pk},
		DecapsulationKey: &MLKEMPrivateKey{sk: sk},
	}, nil
}

// MLKEMEncapsulate returns a fresh 1568-byte ciphertext for ek and the
// 32-byte secret it carries.
func MLKEMEncapsulate(ek *MLKEMPublicKey) (ciphertext, sharedSecret []byte, err error) {
	if ek == nil || ek.pk == nil {
		return nil, nil, qerrors.ErrInvalidPublicKey
	}
	seed, err := SecureRandomBytes(mlkem.EncapsulationSeedSize())
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("MLKEMEncapsulate", err)
	}
	defer Zeroize(seed)

	ciphertext, sharedSecret, err = mlkem.EncapsulateDeterministically(ek.pk, seed)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("MLKEMEncapsulate", err)
	}
	return ciphertext, sharedSecret, nil
}

// MLKEMDecapsulate recovers the secret in ciphertext. A well-sized but
// forged ciphertext does not fail here: implicit rejection yields an
// unrelated secret, and key confirmation catches it.
func MLKEMDecapsulate(dk *MLKEMPrivateKey, ciphertext []byte) ([]byte, error) {
	if dk == nil || dk.sk == nil {
		return nil, qerrors.NewCryptoError("MLKEMDecapsulate", qerrors.ErrKeysClosed)
	}
	if len(ciphertext) != constants.MLKEMCiphertextSize {
		return nil, qerrors.ErrInvalidCiphertext
	}
	ss, err := mlkem.Decapsulate(dk.sk, ciphertext)
	if err != nil {
		return nil, qerrors.NewCryptoError("MLKEMDecapsulate", err)
	}
	return ss, nil
}

// Bytes returns the packed encapsulation key, or nil for an empty key.
func (k *MLKEMPublicKey) Bytes() []byte {
	if k == nil || k.pk == nil {
		return nil
	}
	b, err := k.pk.MarshalBinary()
	if err != nil {
		return nil
	}
	return b
}

func (kp *MLKEMKeyPair) PublicKeyBytes() []byte {
	return kp.EncapsulationKey.Bytes()
}

// ParseMLKEMPublicKey unpacks a peer's encapsulation key, rejecting keys
// whose coefficients are out of range.
func ParseMLKEMPublicKey(data []byte) (*MLKEMPublicKey, error) {
	if len(data) != constants.MLKEMPublicKeySize {
		return nil, qerrors.ErrInvalidPublicKey
	}
	pk, err := mlkem.UnmarshalBinaryPublicKey(data)
	if err != nil {
		return nil, qerrors.NewCryptoError("ParseMLKEMPublicKey", err)
	}
	return &MLKEMPublicKey{pk: pk}, nil
}

// Zeroize drops the pair's keys. The decapsulation key's memory belongs to
// CIRCL and is left to the garbage collector.
func (kp *MLKEMKeyPair) Zeroize() {
	kp.EncapsulationKey, kp.DecapsulationKey = nil, nil
}
