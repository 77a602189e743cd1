package metrics

import (
	"context"
	"sync/atomic"
	"time"
)

// TunnelObserver records one session's events into a Collector, a Tracer
// and a Logger. Its method set matches the tunnel package's Observer, so a
// server installs one per session through an observer factory.
type TunnelObserver struct {
	collector *Collector
	tracer    Tracer
	logger    *Logger
	sessionID string
	role      string
	now       func() time.Time
	began     atomic.Int64 // unix nanos, set by OnSessionStart
}

type TunnelObserverConfig struct {
	Collector *Collector
	Tracer    Tracer
	Logger    *Logger
	SessionID string
	Role      string // "initiator" or "responder"
}

// NewTunnelObserver fills nil fields with a private collector, the no-op
// tracer and a discarding logger.
func NewTunnelObserver(cfg TunnelObserverConfig) *TunnelObserver {
	o := &TunnelObserver{
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		sessionID: cfg.SessionID,
		role:      cfg.Role,
		now:       time.Now,
	}
	if o.collector == nil {
		o.collector = NewCollector(nil)
	}
	if o.tracer == nil {
		o.tracer = NoOpTracer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NullLogger()
	}

	tags := Fields{}
	if id := cfg.SessionID; id != "" {
		tags["session"] = id[:min(len(id), 8)]
	}
	if cfg.Role != "" {
		tags["role"] = cfg.Role
	}
	o.logger = logger.Named("observer").With(tags)
	return o
}

// Logger returns the session-tagged logger the observer writes to.
func (o *TunnelObserver) Logger() *Logger { return o.logger }

// timed returns a completion func that records the elapsed time under
// timing, then counts failed on error or runs ok otherwise.
func (o *TunnelObserver) timed(timing Timing, failed Counter, ok func()) func(error) {
	start := o.now()
	return func(err error) {
		o.collector.Observe(timing, o.now().Sub(start))
		if err != nil {
			o.collector.inc(failed)
			return
		}
		ok()
	}
}

func (o *TunnelObserver) OnSessionStart() {
	o.began.Store(o.now().UnixNano())
	o.collector.SessionStarted()
	o.logger.Info("session established")
}

func (o *TunnelObserver) OnSessionEnd(reason error) {
	o.collector.SessionEnded()
	f := Fields{}
	if began := o.began.Load(); began != 0 {
		f["lifetime"] = o.now().Sub(time.Unix(0, began)).Round(time.Millisecond)
	}
	if reason != nil {
		f["reason"] = reason
	}
	o.logger.Info("session closed", f)
}

func (o *TunnelObserver) OnSessionFailed(err error) {
	o.collector.SessionFailed()
	o.logger.Debug("session failed", Fields{"error": err})
}

// OnHandshakeStart opens the role's handshake span and times it, puzzle
// solving included.
func (o *TunnelObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	name, kind := SpanHandshakeInitiator, SpanKindClient
	if o.role == "responder" {
		name, kind = SpanHandshakeResponder, SpanKindServer
	}
	ctx, end := o.tracer.StartSpan(ctx, name, WithSpanKind(kind),
		WithAttributes(sessionAttributes(o.sessionID, o.role, 0)))

	start := o.now()
	return ctx, func(err error) {
		o.collector.Observe(HandshakeTiming, o.now().Sub(start))
		end(err)
	}
}

func (o *TunnelObserver) OnPuzzleIssued(difficulty uint8) {
	o.collector.RecordPuzzleIssued()
	if o.logger.Enabled(LevelDebug) {
		o.logger.Debug("puzzle issued", Fields{"difficulty": int(difficulty)})
	}
}

func (o *TunnelObserver) OnPuzzleFailed() {
	o.collector.RecordPuzzleFailed()
	o.logger.Warn("puzzle solution rejected")
}

// OnEncrypt times one layered seal; plaintextLen counts only on success.
func (o *TunnelObserver) OnEncrypt(ctx context.Context, plaintextLen int) (context.Context, func(error)) {
	return ctx, o.timed(EncryptTiming, EncryptErrors, func() {
		o.collector.Add(BytesSent, uint64(plaintextLen))
		o.collector.inc(PacketsSent)
	})
}

// OnDecrypt times one layered open; ciphertextLen counts only on success.
func (o *TunnelObserver) OnDecrypt(ctx context.Context, ciphertextLen int) (context.Context, func(error)) {
	return ctx, o.timed(DecryptTiming, DecryptErrors, func() {
		o.collector.Add(BytesReceived, uint64(ciphertextLen))
		o.collector.inc(PacketsReceived)
	})
}

func (o *TunnelObserver) OnReplayDetected() { o.collector.RecordReplayBlocked() }

func (o *TunnelObserver) OnAuthFailure() {
	o.collector.RecordAuthFailure()
	o.logger.Warn("authentication failed")
}

// OnRotationStart counts the rotation and opens its span. The completion
// func logs the outcome with the new key generation.
func (o *TunnelObserver) OnRotationStart(ctx context.Context, generation uint64) (context.Context, func(error)) {
	o.collector.RecordRotationInitiated()
	ctx, end := o.tracer.StartSpan(ctx, SpanRotation,
		WithAttributes(sessionAttributes(o.sessionID, o.role, generation)))
	return ctx, func(err error) {
		defer end(err)
		if err != nil {
			o.collector.RecordRotationFailed()
			o.logger.Warn("key rotation failed", Fields{"generation": generation, "error": err})
			return
		}
		o.collector.RecordRotationCompleted()
		o.logger.Info("key rotated", Fields{"generation": generation})
	}
}

func (o *TunnelObserver) OnProtocolError(err error) {
	o.collector.RecordProtocolError()
	o.logger.Debug("protocol error", Fields{"error": err})
}

func (o *TunnelObserver) OnPacketDropped(reason string) {
	o.collector.RecordPacketDropped()
	if o.logger.Enabled(LevelDebug) {
		o.logger.Debug("packet dropped", Fields{"reason": reason})
	}
}

func (o *TunnelObserver) OnRetransmit(fast bool)     { o.collector.RecordRetransmit(fast) }
func (o *TunnelObserver) OnRTT(sample time.Duration) { o.collector.RecordRTT(sample) }
func (o *TunnelObserver) OnStreamOpened(id uint16)   { o.collector.StreamOpened() }
func (o *TunnelObserver) OnStreamClosed(id uint16)   { o.collector.StreamClosed() }
