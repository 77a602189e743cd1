package crypto

import (
	"context"
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

const puzzlePrefix = "LLP-v1-puzzle|"

// Puzzle is the admission puzzle carried in ServerChallenge.
//
// A solution is a nonce such that
//
//	SHA3-256(prefix || challenge || binding || nonce_be64)
//
// has at least Difficulty leading zero bits. The binding ties a solution to
// one handshake (the client random), so solutions cannot be replayed.
type Puzzle struct {
	Challenge  [constants.RandomSize]byte
	Difficulty uint8
}

// NewPuzzle returns a puzzle with a fresh random challenge.
func NewPuzzle(difficulty uint8) (Puzzle, error) {
	p := Puzzle{Difficulty: difficulty}
	if difficulty > constants.MaxPuzzleDifficulty {
		return p, qerrors.NewCryptoError("NewPuzzle", qerrors.ErrInvalidConfig)
	}
	if err := SecureRandom(p.Challenge[:]); err != nil {
		return p, err
	}
	return p, nil
}

func puzzleDigest(p Puzzle, binding []byte, nonce uint64) [32]byte {
	buf := make([]byte, 0, len(puzzlePrefix)+len(p.Challenge)+len(binding)+8)
	buf = append(buf, puzzlePrefix...)
	buf = append(buf, p.Challenge[:]...)
	buf = append(buf, binding...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return sha3.Sum256(buf)
}

func leadingZeros(digest [32]byte, bits uint8) bool {
	full := int(bits / 8)
	rem := int(bits % 8)
	for i := 0; i < full; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return digest[full]&mask == 0
}

// Verify reports whether solution solves p for binding.
func Verify(p Puzzle, binding []byte, solution uint64) bool {
	if p.Difficulty == 0 {
		return true
	}
	if p.Difficulty > constants.MaxPuzzleDifficulty {
		return false
	}
	return leadingZeros(puzzleDigest(p, binding, solution), p.Difficulty)
}

// Solve searches for a solution, checking ctx periodically.
func Solve(ctx context.Context, p Puzzle, binding []byte) (uint64, error) {
	if p.Difficulty > constants.MaxPuzzleDifficulty {
		return 0, qerrors.NewCryptoError("Solve", qerrors.ErrInvalidConfig)
	}
	for nonce := uint64(0); ; nonce++ {
		if nonce&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return 0, qerrors.ErrTimeout
			}
		}
		if Verify(p, binding, nonce) {
			return nonce, nil
		}
	}
}
