package tunnel

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/protocol"
)

// Stream is one ordered, flow-controlled byte stream inside a session.
//
// Write blocks while the send window is exhausted or too many segments are
// unacknowledged. Read returns io.EOF once the peer half-closed and every
// byte was delivered. A reset discards buffered data on both sides and
// fails pending and future I/O with ErrStreamReset.
type Stream struct {
	id      uint16
	m       *Mux
	control bool

	wmu sync.Mutex // serializes writers so segments of one Write stay contiguous

	mu      sync.Mutex
	send    *sendBuffer
	nextSeq uint64
	credit  uint64
	finSent bool

	replay     *ReplayWindow
	recv       *recvBuffer
	recvCredit uint64
	consumed   uint64
	readBuf    bytes.Buffer
	remoteFin  bool
	err        error
	released   bool

	readable chan struct{}
	writable chan struct{}
}

func newStream(m *Mux, id uint16) *Stream {
	return &Stream{
		id:         id,
		m:          m,
		control:    id == constants.ControlStreamID,
		send:       newSendBuffer(),
		credit:     uint64(m.window),
		replay:     NewReplayWindow(),
		recv:       newRecvBuffer(),
		recvCredit: uint64(m.window),
		readable:   make(chan struct{}, 1),
		writable:   make(chan struct{}, 1),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() uint16 { return s.id }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Write sends p, blocking on flow control. It is bound to the session's
// lifetime.
func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteContext(s.m.ctx, p)
}

// WriteContext is Write with a caller-supplied context.
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > constants.MaxSegmentSize {
			chunk = chunk[:constants.MaxSegmentSize]
		}
		n, err := s.writeSegment(ctx, chunk, 0)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

// CloseWrite half-closes the stream by sending FIN. Reading continues
// until the peer's FIN.
func (s *Stream) CloseWrite() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	done := s.finSent
	s.mu.Unlock()
	if done {
		return nil
	}
	_, err := s.writeSegment(s.m.ctx, nil, protocol.FlagFIN)
	return err
}

// Close is CloseWrite.
func (s *Stream) Close() error {
	return s.CloseWrite()
}

// Reset aborts the stream in both directions and tells the peer, first
// with an unacknowledged RST Data packet and then with a StreamReset frame
// on the reliable control stream in case that packet is lost.
func (s *Stream) Reset() error {
	if s.control {
		return qerrors.ErrProtocol
	}
	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	s.abort(qerrors.ErrStreamReset)
	_ = s.m.sender.sendData(s.m.ctx, s.id, seq, protocol.FlagRST, nil)
	s.m.queueFrame(protocol.StreamResetFrame(s.id, uint16(qerrors.CodeNormal)))
	s.m.release(s)
	return nil
}

// writeSegment sends up to len(data) bytes as one Data packet once window
// and in-flight limits allow. It returns how many bytes were sent.
func (s *Stream) writeSegment(ctx context.Context, data []byte, flags protocol.Flags) (int, error) {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if s.finSent {
			s.mu.Unlock()
			return 0, qerrors.ErrStreamClosed
		}

		n := len(data)
		if !s.control && uint64(n) > s.credit {
			n = int(s.credit)
		}
		if (n > 0 || len(data) == 0) && s.send.len() < maxInFlight {
			seg := &segment{
				seq:    s.nextSeq,
				data:   append([]byte(nil), data[:n]...),
				flags:  flags,
				sentAt: s.m.now(),
			}
			s.nextSeq++
			if !s.control {
				s.credit -= uint64(n)
			}
			if flags.Has(protocol.FlagFIN) {
				s.finSent = true
			}
			s.send.add(seg)
			s.mu.Unlock()

			if err := s.m.sender.sendData(ctx, s.id, seg.seq, seg.flags, seg.data); err != nil {
				if serr := s.m.err(); serr != nil {
					return n, serr
				}
			}
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.writable:
		case <-ctx.Done():
			if serr := s.m.err(); serr != nil {
				return 0, serr
			}
			return 0, qerrors.ErrTimeout
		case <-s.m.done:
			return 0, s.m.err()
		}
	}
}

// Read reads in-order stream data.
func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(s.m.ctx, p)
}

// ReadContext is Read with a caller-supplied context.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.readBuf.Len() > 0 {
			n, _ := s.readBuf.Read(p)
			inc := s.consumeLocked(n)
			s.mu.Unlock()
			if inc > 0 {
				s.m.queueFrame(protocol.WindowUpdateFrame(s.id, inc))
			}
			return n, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if s.remoteFin {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.readable:
		case <-ctx.Done():
			if serr := s.m.err(); serr != nil {
				return 0, serr
			}
			return 0, qerrors.ErrTimeout
		case <-s.m.done:
			s.mu.Lock()
			pending := s.readBuf.Len() > 0 || s.err != nil || s.remoteFin
			s.mu.Unlock()
			if !pending {
				return 0, s.m.err()
			}
		}
	}
}

// consumeLocked accounts n delivered bytes and returns the window
// increment to advertise, if one is due.
func (s *Stream) consumeLocked(n int) uint32 {
	if s.control || n <= 0 {
		return 0
	}
	s.consumed += uint64(n)
	if s.consumed < uint64(s.m.window)/2 {
		return 0
	}
	inc := s.consumed
	s.consumed = 0
	s.recvCredit += inc
	return uint32(inc)
}

// consume is consumeLocked for data handed to a Router.
func (s *Stream) consume(n int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(n)
}

// receive accepts an authenticated Data segment. It returns in-order data
// that the caller must deliver (control frames or Router payloads); data
// for Stream.Read is buffered internally.
func (s *Stream) receive(seq uint64, data []byte, fin bool) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	if err := s.replay.Check(seq); err != nil {
		return nil, err
	}
	if !s.control && uint64(len(data)) > s.recvCredit {
		return nil, qerrors.ErrFlowControlViolation
	}
	if err := s.replay.Commit(seq); err != nil {
		return nil, err
	}
	if !s.control {
		s.recvCredit -= uint64(len(data))
	}

	ready := s.recv.insert(seq, data, fin)
	if s.recv.finished {
		s.remoteFin = true
	}
	if !s.control && s.m.router == nil {
		for _, d := range ready {
			s.readBuf.Write(d)
		}
		ready = nil
	}
	if len(ready) > 0 || s.readBuf.Len() > 0 || s.remoteFin {
		signal(s.readable)
	}
	return ready, nil
}

// ackState returns the cumulative ack and SACK ranges to report.
func (s *Stream) ackState() (uint64, []protocol.SeqRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv.next, s.recv.sack()
}

func (s *Stream) onAck(cum uint64, ranges []protocol.SeqRange) ackResult {
	s.mu.Lock()
	res := s.send.ack(cum, ranges, s.m.now())
	s.mu.Unlock()
	if res.acked > 0 {
		signal(s.writable)
	}
	return res
}

func (s *Stream) addCredit(inc uint32) {
	s.mu.Lock()
	s.credit += uint64(inc)
	if s.credit > constants.MaxWindowSize {
		s.credit = constants.MaxWindowSize
	}
	s.mu.Unlock()
	signal(s.writable)
}

func (s *Stream) due(now time.Time, rto time.Duration) []*segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil
	}
	return s.send.due(now, rto)
}

// finished reports whether both directions completed and nothing is
// outstanding.
func (s *Stream) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.control && s.finSent && s.remoteFin && s.send.len() == 0
}

// abort fails the stream with err and discards buffered data.
func (s *Stream) abort(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.readBuf.Reset()
	s.send.clear()
	s.recv.reset()
	s.mu.Unlock()
	signal(s.readable)
	signal(s.writable)
}

// SendWindow returns the bytes the stream may send before the peer grants
// more credit.
func (s *Stream) SendWindow() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credit
}

// Buffered returns the bytes waiting for Read.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBuf.Len()
}
