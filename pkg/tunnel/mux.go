package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
	"github.com/lostlove-net/llp/pkg/metrics"
	"github.com/lostlove-net/llp/pkg/protocol"
)

// muxSender is the packet path beneath a Mux.
type muxSender interface {
	// sendData seals and transmits one Data packet.
	sendData(ctx context.Context, stream uint16, seq uint64, flags protocol.Flags, data []byte) error

	// sendAck transmits an Ack for stream.
	sendAck(stream uint16, cum uint64, sack []protocol.SeqRange) error

	// keyFrame handles KeyUpdate and KeyUpdateRequest frames.
	keyFrame(f protocol.Frame)
}

// muxConfig configures a Mux.
type muxConfig struct {
	Role       Role
	Session    SessionID
	MaxStreams int
	Window     uint32
	Router     Router
	Observer   Observer
	Logger     *metrics.Logger
	Now        func() time.Time
}

// Mux multiplexes the streams of one session. Stream 0 is the control
// stream; it is opened first and counts toward MaxStreams. Initiators
// open odd stream IDs and responders even ones.
type Mux struct {
	ctx    context.Context
	sender muxSender
	role   Role
	sid    SessionID
	max    int
	window uint32
	router Router
	obs    Observer
	logger *metrics.Logger
	now    func() time.Time
	rtt    *rttEstimator

	mu        sync.Mutex
	streams   map[uint16]*Stream
	nextLocal uint32
	seenPeer  [65536 / 64]uint64
	accept    chan *Stream
	closeErr  error
	done      chan struct{}

	ctrl       *Stream
	ctrlMu     sync.Mutex
	ctrlQueue  []protocol.Frame
	ctrlSignal chan struct{}
}

func newMux(ctx context.Context, sender muxSender, cfg muxConfig) *Mux {
	if cfg.MaxStreams <= 0 || cfg.MaxStreams > constants.MaxStreams {
		cfg.MaxStreams = constants.MaxStreams
	}
	if cfg.Window == 0 {
		cfg.Window = constants.DefaultWindowSize
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = metrics.NullLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Mux{
		ctx:        ctx,
		sender:     sender,
		role:       cfg.Role,
		sid:        cfg.Session,
		max:        cfg.MaxStreams,
		window:     cfg.Window,
		router:     cfg.Router,
		obs:        cfg.Observer,
		logger:     cfg.Logger.Named("mux"),
		now:        cfg.Now,
		rtt:        newRTTEstimator(),
		streams:    make(map[uint16]*Stream),
		accept:     make(chan *Stream, cfg.MaxStreams),
		done:       make(chan struct{}),
		ctrlSignal: make(chan struct{}, 1),
	}
	if cfg.Role == RoleInitiator {
		m.nextLocal = 1
	} else {
		m.nextLocal = 2
	}
	m.ctrl = newStream(m, constants.ControlStreamID)
	m.streams[constants.ControlStreamID] = m.ctrl
	return m
}

func (m *Mux) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

// isLocal reports whether id belongs to this side's numbering.
func (m *Mux) isLocal(id uint16) bool {
	return (id%2 == 1) == (m.role == RoleInitiator)
}

// OpenStream opens a locally initiated stream. The peer learns of it with
// the first Data packet.
func (m *Mux) OpenStream() (*Stream, error) {
	m.mu.Lock()
	if m.closeErr != nil {
		err := m.closeErr
		m.mu.Unlock()
		return nil, err
	}
	if len(m.streams) >= m.max || m.nextLocal > 0xFFFF {
		m.mu.Unlock()
		return nil, qerrors.ErrTooManyStreams
	}
	id := uint16(m.nextLocal)
	m.nextLocal += 2
	s := newStream(m, id)
	m.streams[id] = s
	m.mu.Unlock()

	m.obs.OnStreamOpened(id)
	return s, nil
}

// AcceptStream waits for the next peer-initiated stream.
func (m *Mux) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-m.accept:
		return s, nil
	case <-ctx.Done():
		return nil, qerrors.ErrTimeout
	case <-m.done:
		return nil, m.err()
	}
}

// Stream returns an open stream by id.
func (m *Mux) Stream(id uint16) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// NumStreams returns the open streams including the control stream.
func (m *Mux) NumStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *Mux) snapshot() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	return out
}

// peerStream finds the stream for an inbound Data packet, creating it when
// the peer opens a new one. stale is true for streams that were already
// released.
func (m *Mux) peerStream(id uint16) (s *Stream, stale bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeErr != nil {
		return nil, false, m.closeErr
	}
	if s, ok := m.streams[id]; ok {
		return s, false, nil
	}
	if m.isLocal(id) || m.seenPeer[id/64]&(1<<(id%64)) != 0 {
		return nil, true, nil
	}
	m.seenPeer[id/64] |= 1 << (id % 64)
	if len(m.streams) >= m.max {
		return nil, false, qerrors.ErrTooManyStreams
	}

	s = newStream(m, id)
	select {
	case m.accept <- s:
	default:
		return nil, false, qerrors.ErrTooManyStreams
	}
	m.streams[id] = s
	m.obs.OnStreamOpened(id)
	return s, false, nil
}

// release forgets a stream that finished or was reset.
func (m *Mux) release(s *Stream) {
	m.mu.Lock()
	if s.released || m.streams[s.id] != s {
		m.mu.Unlock()
		return
	}
	s.released = true
	delete(m.streams, s.id)
	m.mu.Unlock()
	if !s.control {
		m.obs.OnStreamClosed(s.id)
	}
}

func (m *Mux) maybeRelease(s *Stream) {
	if s.finished() {
		m.release(s)
	}
}

// handleData processes an authenticated Data packet and acknowledges it.
// Duplicates are acknowledged again; packets over the flow-control window
// and packets on reset streams are dropped without an ack. An RST packet
// aborts the stream and is never acknowledged.
func (m *Mux) handleData(h protocol.Header, data []byte) error {
	if h.Flags.Has(protocol.FlagRST) {
		if s, ok := m.Stream(h.StreamID); ok && !s.control {
			s.abort(qerrors.ErrStreamReset)
			m.release(s)
		}
		return nil
	}

	s, stale, err := m.peerStream(h.StreamID)
	switch {
	case qerrors.Is(err, qerrors.ErrTooManyStreams):
		m.queueFrame(protocol.StreamResetFrame(h.StreamID, uint16(qerrors.CodeProtocolError)))
		return err
	case err != nil:
		return err
	case stale:
		return m.sender.sendAck(h.StreamID, h.Sequence+1, nil)
	}

	ready, err := s.receive(h.Sequence, data, h.Flags.Has(protocol.FlagFIN))
	if err != nil {
		if qerrors.Is(err, qerrors.ErrInvalidSequence) {
			_ = m.ack(s)
		}
		return err
	}

	switch {
	case s.control:
		for _, chunk := range ready {
			frames, err := protocol.DecodeFrames(chunk)
			if err != nil {
				m.logger.Warn("malformed control frames", metrics.Fields{"error": err.Error()})
				m.obs.OnProtocolError(err)
				continue
			}
			m.handleFrames(frames)
		}
	case m.router != nil:
		for _, chunk := range ready {
			m.router.Route(m.sid, s.id, chunk)
			if inc := s.consume(len(chunk)); inc > 0 {
				m.queueFrame(protocol.WindowUpdateFrame(s.id, inc))
			}
		}
	}

	err = m.ack(s)
	m.maybeRelease(s)
	return err
}

func (m *Mux) ack(s *Stream) error {
	cum, sack := s.ackState()
	return m.sender.sendAck(s.id, cum, sack)
}

// handleAck applies an Ack to the sending side of a stream.
func (m *Mux) handleAck(id uint16, cum uint64, sack []protocol.SeqRange) {
	s, ok := m.Stream(id)
	if !ok {
		return
	}
	res := s.onAck(cum, sack)
	if res.sampled {
		m.rtt.Sample(res.rtt)
		m.obs.OnRTT(res.rtt)
	}
	if seg := res.fast; seg != nil {
		m.obs.OnRetransmit(true)
		_ = m.sender.sendData(m.ctx, id, seg.seq, seg.flags, seg.data)
	}
	m.maybeRelease(s)
}

func (m *Mux) handleFrames(frames []protocol.Frame) {
	for _, f := range frames {
		switch f.Type {
		case protocol.FrameWindowUpdate:
			if s, ok := m.Stream(f.StreamID); ok && !s.control {
				s.addCredit(f.Increment)
			}
		case protocol.FrameStreamReset:
			if s, ok := m.Stream(f.StreamID); ok && !s.control {
				s.abort(qerrors.ErrStreamReset)
				m.release(s)
			}
		case protocol.FrameKeyUpdate, protocol.FrameKeyUpdateRequest:
			m.sender.keyFrame(f)
		}
	}
}

// retransmit resends every segment whose timer expired. It fails with
// ErrTimeout once a segment exhausted its retries.
func (m *Mux) retransmit(now time.Time) error {
	rto := m.rtt.RTO()
	fired := false
	for _, s := range m.snapshot() {
		for _, seg := range s.due(now, rto) {
			if seg.retries > maxRetransmits {
				return qerrors.ErrTimeout
			}
			fired = true
			m.obs.OnRetransmit(false)
			_ = m.sender.sendData(m.ctx, s.id, seg.seq, seg.flags, seg.data)
		}
	}
	if fired {
		m.rtt.Backoff()
	}
	return nil
}

// queueFrame schedules a control frame. It never blocks, so the read loop
// may call it.
func (m *Mux) queueFrame(f protocol.Frame) {
	m.ctrlMu.Lock()
	m.ctrlQueue = append(m.ctrlQueue, f)
	m.ctrlMu.Unlock()
	signal(m.ctrlSignal)
}

// runControl writes queued control frames onto stream 0 until the mux
// closes.
func (m *Mux) runControl() {
	for {
		select {
		case <-m.ctrlSignal:
		case <-m.done:
			return
		}

		m.ctrlMu.Lock()
		frames := m.ctrlQueue
		m.ctrlQueue = nil
		m.ctrlMu.Unlock()

		var batch []byte
		for _, f := range frames {
			next := protocol.AppendFrame(nil, f)
			if len(batch)+len(next) > constants.MaxSegmentSize {
				if _, err := m.ctrl.writeSegment(m.ctx, batch, protocol.FlagPriority); err != nil {
					return
				}
				batch = nil
			}
			batch = append(batch, next...)
		}
		if len(batch) > 0 {
			if _, err := m.ctrl.writeSegment(m.ctx, batch, protocol.FlagPriority); err != nil {
				return
			}
		}
	}
}

// Close fails every stream with reason and stops the control writer.
func (m *Mux) Close(reason error) {
	m.mu.Lock()
	if m.closeErr != nil {
		m.mu.Unlock()
		return
	}
	if reason == nil {
		reason = qerrors.ErrSessionClosed
	}
	m.closeErr = reason
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.abort(reason)
		m.release(s)
	}
	close(m.done)
}

// RTT returns the smoothed round-trip time and the current retransmission
// timeout.
func (m *Mux) RTT() (srtt, rto time.Duration) {
	return m.rtt.SRTT(), m.rtt.RTO()
}
