package tunnel

import (
	"sync"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// ReplayWindow implements a sliding window for replay protection over the
// most recent 64 sequence numbers of one stream.
//
// Check runs before decryption and does not mutate the window, so forged
// packets cannot advance it. Commit records a sequence number once its
// packet has authenticated.
type ReplayWindow struct {
	mu      sync.Mutex
	highSeq uint64
	bitmap  uint64 // bit i set = highSeq-i received
	started bool
}

// NewReplayWindow creates a new replay protection window.
func NewReplayWindow() *ReplayWindow {
	return &ReplayWindow{}
}

// Check reports ErrInvalidSequence if seq was already received or has
// fallen behind the window.
func (rw *ReplayWindow) Check(seq uint64) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.checkLocked(seq)
}

func (rw *ReplayWindow) checkLocked(seq uint64) error {
	if !rw.started || seq > rw.highSeq {
		return nil
	}
	diff := rw.highSeq - seq
	if diff >= constants.ReplayWindowSize {
		return qerrors.ErrInvalidSequence
	}
	if rw.bitmap&(uint64(1)<<diff) != 0 {
		return qerrors.ErrInvalidSequence
	}
	return nil
}

// Commit marks seq as received. It re-checks under the lock so two
// concurrent deliveries of one sequence number cannot both commit.
func (rw *ReplayWindow) Commit(seq uint64) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if err := rw.checkLocked(seq); err != nil {
		return err
	}

	switch {
	case !rw.started:
		rw.started = true
		rw.highSeq = seq
		rw.bitmap = 1
	case seq > rw.highSeq:
		diff := seq - rw.highSeq
		if diff >= constants.ReplayWindowSize {
			rw.bitmap = 0
		} else {
			rw.bitmap <<= diff
		}
		rw.bitmap |= 1
		rw.highSeq = seq
	default:
		rw.bitmap |= uint64(1) << (rw.highSeq - seq)
	}
	return nil
}

// Highest returns the highest committed sequence number.
func (rw *ReplayWindow) Highest() (uint64, bool) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.highSeq, rw.started
}
