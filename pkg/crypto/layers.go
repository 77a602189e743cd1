// layers.go defines the three crypto layers of the pipeline.
//
//   - ECC: AES-256-GCM keyed from the elliptic-curve shared secret
//   - HSE: ChaCha20-Poly1305 and AES-256-GCM combined over one ciphertext
//   - QRL: ChaCha20-Poly1305 keyed from the ML-KEM-1024 shared secret
//
// HSE Construction:
//
// Both AEADs encrypt the same plaintext P under independent keys and nonces:
//
//	C1 || T1 = ChaCha20-Poly1305(P)
//	C2 || T2 = AES-256-GCM(P)
//	C        = C1 xor C2 xor P          (= P xor KS1 xor KS2)
//	output   = C || T1 || T2
//
// Only the confidentiality bytes are combined; both tags travel separately.
// Opening regenerates the GCM keystream KS2, recovers C1 = C xor KS2, opens
// it with T1 to obtain P, then recomputes C2 = P xor KS2 and verifies T2.
// Recovering P therefore requires both keys and both tags must verify.
package crypto

import (
	"crypto/cipher"
	"crypto/subtle"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// Layer is one crypto layer variant.
type Layer uint8

// Layer variants. Values double as LayerSet bits.
const (
	LayerECC Layer = 1 << iota
	LayerHSE
	LayerQRL
)

// layerOrder is the fixed encryption order. Decryption runs it in reverse.
var layerOrder = [...]Layer{LayerECC, LayerHSE, LayerQRL}

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerECC:
		return "ECC"
	case LayerHSE:
		return "HSE"
	case LayerQRL:
		return "QRL"
	default:
		return "Unknown"
	}
}

// Overhead returns the bytes the layer adds to its input.
func (l Layer) Overhead() int {
	switch l {
	case LayerHSE:
		return 2 * constants.TagSize
	case LayerECC, LayerQRL:
		return constants.TagSize
	default:
		return 0
	}
}

// LayerSet is the set of enabled layers.
type LayerSet uint8

// Common layer sets.
const (
	LayersAll LayerSet = LayerSet(LayerECC | LayerHSE | LayerQRL)
)

// NewLayerSet builds a set from individual switches.
func NewLayerSet(ecc, hse, qrl bool) LayerSet {
	var s LayerSet
	if ecc {
		s |= LayerSet(LayerECC)
	}
	if hse {
		s |= LayerSet(LayerHSE)
	}
	if qrl {
		s |= LayerSet(LayerQRL)
	}
	return s
}

// Has reports whether l is enabled.
func (s LayerSet) Has(l Layer) bool { return s&LayerSet(l) != 0 }

// Layers returns the enabled layers in encryption order.
func (s LayerSet) Layers() []Layer {
	var out []Layer
	for _, l := range layerOrder {
		if s.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

// String renders the set as "ECC+HSE+QRL".
func (s LayerSet) String() string {
	if s == 0 {
		return "none"
	}
	out := ""
	for _, l := range s.Layers() {
		if out != "" {
			out += "+"
		}
		out += l.String()
	}
	return out
}

// LayerKey is a symmetric key and the IV XORed into packet nonces.
type LayerKey struct {
	Key [constants.KeySize]byte
	IV  [constants.NonceSize]byte
}

// LayerKeys holds key material for every layer. Keys for disabled layers
// are ignored.
type LayerKeys struct {
	ECC       LayerKey
	HSEChaCha LayerKey
	HSEAES    LayerKey
	QRL       LayerKey
}

// Zeroize erases all key material.
func (k *LayerKeys) Zeroize() {
	*k = LayerKeys{}
}

// layerCipher is an instantiated layer: the variant plus its AEADs.
type layerCipher struct {
	kind    Layer
	primary cipher.AEAD // ECC: GCM, HSE: ChaCha, QRL: ChaCha
	aux     cipher.AEAD // HSE: GCM
	iv      [constants.NonceSize]byte
	auxIV   [constants.NonceSize]byte
}

func newLayerCipher(kind Layer, keys *LayerKeys) (*layerCipher, error) {
	lc := &layerCipher{kind: kind}
	var err error

	switch kind {
	case LayerECC:
		lc.primary, err = newAEAD(CipherAES256GCM, keys.ECC.Key[:])
		lc.iv = keys.ECC.IV
	case LayerHSE:
		lc.primary, err = newAEAD(CipherChaCha20Poly1305, keys.HSEChaCha.Key[:])
		if err == nil {
			lc.aux, err = newAEAD(CipherAES256GCM, keys.HSEAES.Key[:])
		}
		lc.iv = keys.HSEChaCha.IV
		lc.auxIV = keys.HSEAES.IV
	case LayerQRL:
		lc.primary, err = newAEAD(CipherChaCha20Poly1305, keys.QRL.Key[:])
		lc.iv = keys.QRL.IV
	default:
		return nil, qerrors.NewCryptoError("layer-init", qerrors.ErrEncryptionFailed)
	}
	if err != nil {
		return nil, err
	}
	return lc, nil
}

// seal encrypts plaintext under the packet nonce.
func (lc *layerCipher) seal(nonce, plaintext, aad []byte) ([]byte, error) {
	switch lc.kind {
	case LayerECC, LayerQRL:
		return lc.primary.Seal(nil, layerNonce(nonce, lc.iv), plaintext, aad), nil
	case LayerHSE:
		return lc.sealHSE(nonce, plaintext, aad), nil
	default:
		return nil, qerrors.NewCryptoError("layer-seal", qerrors.ErrEncryptionFailed)
	}
}

// open reverses seal.
func (lc *layerCipher) open(nonce, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < lc.kind.Overhead() {
		return nil, qerrors.ErrAuthenticationFailed
	}

	switch lc.kind {
	case LayerECC, LayerQRL:
		pt, err := lc.primary.Open(nil, layerNonce(nonce, lc.iv), sealed, aad)
		if err != nil {
			return nil, qerrors.ErrAuthenticationFailed
		}
		return pt, nil
	case LayerHSE:
		return lc.openHSE(nonce, sealed, aad)
	default:
		return nil, qerrors.NewCryptoError("layer-open", qerrors.ErrEncryptionFailed)
	}
}

func (lc *layerCipher) sealHSE(nonce, plaintext, aad []byte) []byte {
	n := len(plaintext)
	c1 := lc.primary.Seal(nil, layerNonce(nonce, lc.iv), plaintext, aad)
	c2 := lc.aux.Seal(nil, layerNonce(nonce, lc.auxIV), plaintext, aad)

	out := make([]byte, n, n+2*constants.TagSize)
	subtle.XORBytes(out, c1[:n], c2[:n])
	subtle.XORBytes(out, out, plaintext)
	out = append(out, c1[n:]...)
	return append(out, c2[n:]...)
}

func (lc *layerCipher) openHSE(nonce, sealed, aad []byte) ([]byte, error) {
	n := len(sealed) - 2*constants.TagSize
	body := sealed[:n]
	t1 := sealed[n : n+constants.TagSize]
	t2 := sealed[n+constants.TagSize:]

	n2 := layerNonce(nonce, lc.auxIV)
	// GCM's keystream does not depend on the AAD, so sealing zeros
	// reproduces KS2.
	ks2 := lc.aux.Seal(nil, n2, make([]byte, n), nil)[:n]

	c1 := make([]byte, n, n+constants.TagSize)
	subtle.XORBytes(c1, body, ks2)
	c1 = append(c1, t1...)

	plaintext, err := lc.primary.Open(nil, layerNonce(nonce, lc.iv), c1, aad)
	if err != nil {
		return nil, qerrors.ErrAuthenticationFailed
	}

	c2 := make([]byte, n, n+constants.TagSize)
	subtle.XORBytes(c2, plaintext, ks2)
	c2 = append(c2, t2...)
	if _, err := lc.aux.Open(nil, n2, c2, aad); err != nil {
		Zeroize(plaintext)
		return nil, qerrors.ErrAuthenticationFailed
	}
	return plaintext, nil
}
