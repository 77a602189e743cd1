package crypto

import (
	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// Pipeline applies the enabled layers in fixed order.
//
// A Pipeline is bound to one key generation and is safe for concurrent use;
// the underlying AEADs hold no per-call state.
type Pipeline struct {
	set      LayerSet
	layers   []*layerCipher
	overhead int
}

// NewPipeline instantiates the layers in set with keys.
//
// Returns ErrNoLayers if set is empty.
func NewPipeline(set LayerSet, keys *LayerKeys) (*Pipeline, error) {
	enabled := set.Layers()
	if len(enabled) == 0 {
		return nil, qerrors.NewCryptoError("NewPipeline", qerrors.ErrNoLayers)
	}
	if keys == nil {
		return nil, qerrors.NewCryptoError("NewPipeline", qerrors.ErrInvalidKeySize)
	}

	p := &Pipeline{set: set}
	for _, l := range enabled {
		lc, err := newLayerCipher(l, keys)
		if err != nil {
			return nil, err
		}
		p.layers = append(p.layers, lc)
		p.overhead += l.Overhead()
	}
	return p, nil
}

// Layers returns the enabled layer set.
func (p *Pipeline) Layers() LayerSet { return p.set }

// Overhead returns the total bytes added by Seal.
func (p *Pipeline) Overhead() int { return p.overhead }

// Seal encrypts plaintext through ECC, HSE, then QRL (whichever are
// enabled). aad is bound by every layer.
func (p *Pipeline) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != constants.NonceSize {
		return nil, qerrors.NewCryptoError("Pipeline.Seal", qerrors.ErrEncryptionFailed)
	}

	data := plaintext
	for _, lc := range p.layers {
		out, err := lc.seal(nonce, data, aad)
		if err != nil {
			return nil, err
		}
		data = out
	}
	return data, nil
}

// Open decrypts sealed in exact reverse layer order. Any tag mismatch yields
// ErrAuthenticationFailed with no partial plaintext.
func (p *Pipeline) Open(nonce, sealed, aad []byte) ([]byte, error) {
	if len(nonce) != constants.NonceSize {
		return nil, qerrors.ErrAuthenticationFailed
	}
	if len(sealed) < p.overhead {
		return nil, qerrors.ErrAuthenticationFailed
	}

	data := sealed
	for i := len(p.layers) - 1; i >= 0; i-- {
		out, err := p.layers[i].open(nonce, data, aad)
		if err != nil {
			return nil, err
		}
		data = out
	}
	return data, nil
}
