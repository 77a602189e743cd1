package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// Reader is the entropy source. Tests may replace it with a deterministic
// stream; production code never does.
var Reader io.Reader = rand.Reader

// SecureRandom fills b from Reader. On a short read the partial output is
// cleared before the error is returned.
func SecureRandom(b []byte) error {
	n, err := io.ReadFull(Reader, b)
	if err != nil {
		clear(b[:n])
		return qerrors.NewCryptoError("SecureRandom", fmt.Errorf("read %d of %d bytes: %w", n, len(b), err))
	}
	return nil
}

// SecureRandomBytes allocates n bytes and fills them from Reader.
func SecureRandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, qerrors.NewCryptoError("SecureRandomBytes", qerrors.ErrInvalidKeySize)
	}
	b := make([]byte, n)
	if err := SecureRandom(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ConstantTimeCompare reports a == b in time that depends only on the
// lengths.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize clears each slice in place.
func Zeroize(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
