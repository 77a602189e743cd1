package tunnel

import (
	"sort"
	"sync"
	"time"

	"github.com/lostlove-net/llp/internal/constants"
	"github.com/lostlove-net/llp/pkg/protocol"
)

const (
	// clockGranularity is G in the RTO formula.
	clockGranularity = 10 * time.Millisecond

	// maxRetransmits is how many timeouts one segment survives before the
	// session is declared dead.
	maxRetransmits = 10

	// maxInFlight bounds unacknowledged segments per stream. Keeping it at
	// the replay window size means a retransmission always lands inside
	// the receiver's window.
	maxInFlight = constants.ReplayWindowSize
)

// rttEstimator computes the retransmission timeout from RTT samples
// (RFC 6298). It is safe for concurrent use.
type rttEstimator struct {
	mu      sync.Mutex
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	sampled bool
}

func newRTTEstimator() *rttEstimator {
	return &rttEstimator{rto: constants.InitialRTO}
}

// Sample folds a round-trip measurement into the estimate and resets any
// backoff.
func (e *rttEstimator) Sample(r time.Duration) {
	if r <= 0 {
		r = time.Millisecond
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sampled {
		e.srtt = r
		e.rttvar = r / 2
		e.sampled = true
	} else {
		delta := e.srtt - r
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = (3*e.rttvar + delta) / 4
		e.srtt = (7*e.srtt + r) / 8
	}
	e.rto = clampRTO(e.srtt + max(clockGranularity, 4*e.rttvar))
}

// Backoff doubles the timeout after a retransmission timer expires.
func (e *rttEstimator) Backoff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rto = clampRTO(2 * e.rto)
}

// RTO returns the current retransmission timeout.
func (e *rttEstimator) RTO() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rto
}

// SRTT returns the smoothed round-trip time, zero before the first sample.
func (e *rttEstimator) SRTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.srtt
}

func clampRTO(d time.Duration) time.Duration {
	switch {
	case d < constants.MinRTO:
		return constants.MinRTO
	case d > constants.MaxRTO:
		return constants.MaxRTO
	default:
		return d
	}
}

// segment is one unacknowledged Data packet.
type segment struct {
	seq           uint64
	data          []byte
	flags         protocol.Flags
	sentAt        time.Time
	retries       int
	retransmitted bool
}

// ackResult is what one Ack did to a sendBuffer.
type ackResult struct {
	acked   int
	rtt     time.Duration
	sampled bool
	fast    *segment // segment to fast-retransmit, if any
}

// sendBuffer tracks a stream's unacknowledged segments. Callers hold the
// stream lock.
type sendBuffer struct {
	unacked map[uint64]*segment
	lastCum uint64
	dupAcks int
}

func newSendBuffer() *sendBuffer {
	return &sendBuffer{unacked: make(map[uint64]*segment)}
}

func (b *sendBuffer) add(s *segment) { b.unacked[s.seq] = s }

func (b *sendBuffer) len() int { return len(b.unacked) }

func (b *sendBuffer) clear() {
	clear(b.unacked)
	b.dupAcks = 0
}

func (b *sendBuffer) lowest() *segment {
	var low *segment
	for _, s := range b.unacked {
		if low == nil || s.seq < low.seq {
			low = s
		}
	}
	return low
}

// ack removes every segment below cum and inside the SACK ranges. An Ack
// that does not advance cum while data is outstanding counts as a
// duplicate; the third in a row hands back the lowest outstanding segment
// for fast retransmission. RTT is sampled only from segments that were
// never retransmitted.
func (b *sendBuffer) ack(cum uint64, ranges []protocol.SeqRange, now time.Time) ackResult {
	var res ackResult
	var newest *segment
	for seq, s := range b.unacked {
		if seq >= cum && !inRanges(seq, ranges) {
			continue
		}
		delete(b.unacked, seq)
		res.acked++
		if !s.retransmitted && (newest == nil || s.seq > newest.seq) {
			newest = s
		}
	}
	if newest != nil {
		res.rtt = now.Sub(newest.sentAt)
		res.sampled = true
	}

	switch {
	case cum > b.lastCum:
		b.lastCum = cum
		b.dupAcks = 0
	case len(b.unacked) > 0:
		b.dupAcks++
		if b.dupAcks >= constants.DupAckThreshold {
			b.dupAcks = 0
			if low := b.lowest(); low != nil {
				low.retransmitted = true
				low.sentAt = now
				res.fast = low
			}
		}
	}
	return res
}

// due returns segments whose timer expired at now and re-arms them.
func (b *sendBuffer) due(now time.Time, rto time.Duration) []*segment {
	var out []*segment
	for _, s := range b.unacked {
		if now.Sub(s.sentAt) < rto {
			continue
		}
		s.retries++
		s.retransmitted = true
		s.sentAt = now
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func inRanges(seq uint64, ranges []protocol.SeqRange) bool {
	for _, r := range ranges {
		if r.Contains(seq) {
			return true
		}
	}
	return false
}

// recvBuffer reassembles a stream's segments into order. Callers hold the
// stream lock.
type recvBuffer struct {
	next     uint64
	held     map[uint64][]byte
	finSeq   uint64
	finSeen  bool
	finished bool
}

func newRecvBuffer() *recvBuffer {
	return &recvBuffer{held: make(map[uint64][]byte)}
}

// insert stores a segment and returns the data now deliverable in order.
// finished turns true once the FIN segment has been delivered.
func (b *recvBuffer) insert(seq uint64, data []byte, fin bool) [][]byte {
	if seq < b.next || b.finished {
		return nil
	}
	if _, ok := b.held[seq]; ok {
		return nil
	}
	b.held[seq] = data
	if fin {
		b.finSeq = seq
		b.finSeen = true
	}

	var ready [][]byte
	for {
		d, ok := b.held[b.next]
		if !ok {
			break
		}
		delete(b.held, b.next)
		if len(d) > 0 {
			ready = append(ready, d)
		}
		if b.finSeen && b.next == b.finSeq {
			b.finished = true
		}
		b.next++
	}
	return ready
}

// sack lists the held out-of-order ranges.
func (b *recvBuffer) sack() []protocol.SeqRange {
	if len(b.held) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(b.held))
	for seq := range b.held {
		seqs = append(seqs, seq)
	}
	return protocol.RangesFrom(seqs)
}

func (b *recvBuffer) reset() {
	clear(b.held)
}
