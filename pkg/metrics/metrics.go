package metrics

import (
	"sync/atomic"
	"time"
)

// Labels are constant key-value pairs attached to every exported series.
type Labels map[string]string

// Counter names one monotonically increasing series of a Collector.
type Counter int

const (
	SessionsTotal Counter = iota
	SessionsFailed
	BytesSent
	BytesReceived
	PacketsSent
	PacketsReceived
	PacketsDropped
	Retransmits
	FastRetransmits
	StreamsOpened
	StreamsClosed
	ReplayBlocked
	AuthFailures
	PuzzlesIssued
	PuzzlesFailed
	RotationsInitiated
	RotationsCompleted
	RotationsFailed
	ConnectionRateLimits
	HandshakeRateLimits
	CapacityRejections
	EncryptErrors
	DecryptErrors
	ProtocolErrors

	numCounters
)

type counterInfo struct {
	name string // exposition name without namespace
	help string
}

var counters = [numCounters]counterInfo{
	SessionsTotal:        {"sessions_total", "Sessions established"},
	SessionsFailed:       {"sessions_failed_total", "Sessions that failed before becoming active"},
	BytesSent:            {"bytes_sent_total", "Plaintext bytes sealed"},
	BytesReceived:        {"bytes_received_total", "Ciphertext bytes opened"},
	PacketsSent:          {"packets_sent_total", "Packets sealed"},
	PacketsReceived:      {"packets_received_total", "Packets opened"},
	PacketsDropped:       {"packets_dropped_total", "Packets discarded before delivery"},
	Retransmits:          {"retransmits_total", "Segments retransmitted"},
	FastRetransmits:      {"fast_retransmits_total", "Segments retransmitted on duplicate acknowledgements"},
	StreamsOpened:        {"streams_opened_total", "Streams opened"},
	StreamsClosed:        {"streams_closed_total", "Streams released after FIN or RST"},
	ReplayBlocked:        {"replay_attacks_blocked_total", "Packets rejected by the replay window"},
	AuthFailures:         {"auth_failures_total", "Packets or handshakes that failed authentication"},
	PuzzlesIssued:        {"puzzles_issued_total", "Proof-of-work challenges issued"},
	PuzzlesFailed:        {"puzzles_failed_total", "Proof-of-work solutions rejected"},
	RotationsInitiated:   {"key_rotations_initiated_total", "Key rotations started"},
	RotationsCompleted:   {"key_rotations_completed_total", "Key rotations completed"},
	RotationsFailed:      {"key_rotations_failed_total", "Key rotations that failed"},
	ConnectionRateLimits: {"connection_rate_limits_total", "Connections refused by the per-address limit"},
	HandshakeRateLimits:  {"handshake_rate_limits_total", "Handshakes refused by the global rate"},
	CapacityRejections:   {"capacity_rejections_total", "Clients refused at session capacity"},
	EncryptErrors:        {"encrypt_errors_total", "Seal failures"},
	DecryptErrors:        {"decrypt_errors_total", "Open failures"},
	ProtocolErrors:       {"protocol_errors_total", "Malformed messages"},
}

// String returns the counter's exposition name.
func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counters[c].name
}

// Timing names one latency histogram of a Collector.
type Timing int

const (
	HandshakeTiming Timing = iota
	RTTTiming
	EncryptTiming
	DecryptTiming

	numTimings
)

// Bucket bounds per timing. Handshake includes proof-of-work solving.
var (
	HandshakeLatencyBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	RTTBuckets              = []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000, 3000}
	LatencyBuckets          = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}
)

type timingInfo struct {
	name    string
	help    string
	unit    time.Duration
	buckets []float64
}

var timings = [numTimings]timingInfo{
	HandshakeTiming: {"handshake_duration_milliseconds", "Handshake duration in milliseconds", time.Millisecond, HandshakeLatencyBuckets},
	RTTTiming:       {"rtt_milliseconds", "Round-trip time samples in milliseconds", time.Millisecond, RTTBuckets},
	EncryptTiming:   {"encrypt_duration_microseconds", "Layered seal duration in microseconds", time.Microsecond, LatencyBuckets},
	DecryptTiming:   {"decrypt_duration_microseconds", "Layered open duration in microseconds", time.Microsecond, LatencyBuckets},
}

// Collector is the process-wide tally written by sessions, streams and the
// server admission path. It is created explicitly and handed to the
// components that record into it; all methods are safe for concurrent use.
type Collector struct {
	counts  [numCounters]atomic.Uint64
	active  atomic.Int64 // sessions; never below zero
	hists   [numTimings]*Histogram
	started atomic.Int64
	labels  Labels
}

func NewCollector(labels Labels) *Collector {
	if labels == nil {
		labels = Labels{}
	}
	c := &Collector{labels: labels}
	for i, t := range timings {
		c.hists[i] = NewHistogram(t.buckets)
	}
	c.started.Store(time.Now().UnixNano())
	return c
}

// Add increases counter by n.
func (c *Collector) Add(counter Counter, n uint64) { c.counts[counter].Add(n) }

// Count returns the current value of counter.
func (c *Collector) Count(counter Counter) uint64 { return c.counts[counter].Load() }

// Observe records d in timing's unit.
func (c *Collector) Observe(timing Timing, d time.Duration) {
	c.hists[timing].ObserveDuration(d, timings[timing].unit)
}

func (c *Collector) inc(counter Counter) { c.counts[counter].Add(1) }

// SessionStarted counts an established session and raises the active gauge.
func (c *Collector) SessionStarted() {
	c.active.Add(1)
	c.inc(SessionsTotal)
}

// SessionEnded lowers the active gauge. Unmatched calls leave it at zero.
func (c *Collector) SessionEnded() {
	for n := c.active.Load(); n > 0; n = c.active.Load() {
		if c.active.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (c *Collector) SessionFailed()               { c.inc(SessionsFailed) }
func (c *Collector) RecordBytesSent(n uint64)     { c.Add(BytesSent, n) }
func (c *Collector) RecordBytesReceived(n uint64) { c.Add(BytesReceived, n) }
func (c *Collector) RecordPacketSent()            { c.inc(PacketsSent) }
func (c *Collector) RecordPacketReceived()        { c.inc(PacketsReceived) }
func (c *Collector) RecordPacketDropped()         { c.inc(PacketsDropped) }
func (c *Collector) StreamOpened()                { c.inc(StreamsOpened) }
func (c *Collector) StreamClosed()                { c.inc(StreamsClosed) }
func (c *Collector) RecordReplayBlocked()         { c.inc(ReplayBlocked) }
func (c *Collector) RecordAuthFailure()           { c.inc(AuthFailures) }
func (c *Collector) RecordPuzzleIssued()          { c.inc(PuzzlesIssued) }
func (c *Collector) RecordPuzzleFailed()          { c.inc(PuzzlesFailed) }
func (c *Collector) RecordRotationInitiated()     { c.inc(RotationsInitiated) }
func (c *Collector) RecordRotationCompleted()     { c.inc(RotationsCompleted) }
func (c *Collector) RecordRotationFailed()        { c.inc(RotationsFailed) }
func (c *Collector) RecordConnectionRateLimit()   { c.inc(ConnectionRateLimits) }
func (c *Collector) RecordHandshakeRateLimit()    { c.inc(HandshakeRateLimits) }
func (c *Collector) RecordCapacityRejection()     { c.inc(CapacityRejections) }
func (c *Collector) RecordEncryptError()          { c.inc(EncryptErrors) }
func (c *Collector) RecordDecryptError()          { c.inc(DecryptErrors) }
func (c *Collector) RecordProtocolError()         { c.inc(ProtocolErrors) }

// RecordRetransmit counts a retransmitted segment. Fast retransmits,
// triggered by duplicate acknowledgements, are also counted on their own.
func (c *Collector) RecordRetransmit(fast bool) {
	c.inc(Retransmits)
	if fast {
		c.inc(FastRetransmits)
	}
}

func (c *Collector) RecordHandshakeLatency(d time.Duration) { c.Observe(HandshakeTiming, d) }
func (c *Collector) RecordRTT(d time.Duration)              { c.Observe(RTTTiming, d) }
func (c *Collector) RecordEncryptLatency(d time.Duration)   { c.Observe(EncryptTiming, d) }
func (c *Collector) RecordDecryptLatency(d time.Duration)   { c.Observe(DecryptTiming, d) }

// Snapshot is a point-in-time copy of a Collector. The named fields mirror
// the counters for callers that want them by name.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	SessionsActive uint64
	SessionsTotal  uint64
	SessionsFailed uint64

	BytesSent     uint64
	BytesReceived uint64
	PacketsSent   uint64
	PacketsRecv   uint64

	PacketsDropped  uint64
	Retransmits     uint64
	FastRetransmits uint64
	StreamsOpened   uint64
	StreamsClosed   uint64

	ReplayAttacksBlocked uint64
	AuthFailures         uint64
	PuzzlesIssued        uint64
	PuzzlesFailed        uint64
	RotationsInitiated   uint64
	RotationsCompleted   uint64
	RotationsFailed      uint64

	ConnectionRateLimits uint64
	HandshakeRateLimits  uint64
	CapacityRejections   uint64

	EncryptErrors  uint64
	DecryptErrors  uint64
	ProtocolErrors uint64

	HandshakeLatency HistogramSummary
	RTT              HistogramSummary
	EncryptLatency   HistogramSummary
	DecryptLatency   HistogramSummary

	Labels Labels

	counts [numCounters]uint64
}

// Count returns the snapshot value of counter.
func (s Snapshot) Count(counter Counter) uint64 { return s.counts[counter] }

// Timing returns the snapshot summary of timing.
func (s Snapshot) Timing(timing Timing) HistogramSummary {
	switch timing {
	case HandshakeTiming:
		return s.HandshakeLatency
	case RTTTiming:
		return s.RTT
	case EncryptTiming:
		return s.EncryptLatency
	case DecryptTiming:
		return s.DecryptLatency
	}
	return HistogramSummary{}
}

// StreamsActive returns opened minus closed streams.
func (s Snapshot) StreamsActive() uint64 {
	if s.StreamsClosed > s.StreamsOpened {
		return 0
	}
	return s.StreamsOpened - s.StreamsClosed
}

func (c *Collector) Snapshot() Snapshot {
	now := time.Now()
	s := Snapshot{
		Timestamp:        now,
		Uptime:           now.Sub(time.Unix(0, c.started.Load())),
		SessionsActive:   uint64(max(c.active.Load(), 0)),
		HandshakeLatency: c.hists[HandshakeTiming].Summary(),
		RTT:              c.hists[RTTTiming].Summary(),
		EncryptLatency:   c.hists[EncryptTiming].Summary(),
		DecryptLatency:   c.hists[DecryptTiming].Summary(),
		Labels:           c.labels,
	}
	for i := range c.counts {
		s.counts[i] = c.counts[i].Load()
	}

	n := &s.counts
	s.SessionsTotal, s.SessionsFailed = n[SessionsTotal], n[SessionsFailed]
	s.BytesSent, s.BytesReceived = n[BytesSent], n[BytesReceived]
	s.PacketsSent, s.PacketsRecv, s.PacketsDropped = n[PacketsSent], n[PacketsReceived], n[PacketsDropped]
	s.Retransmits, s.FastRetransmits = n[Retransmits], n[FastRetransmits]
	s.StreamsOpened, s.StreamsClosed = n[StreamsOpened], n[StreamsClosed]
	s.ReplayAttacksBlocked, s.AuthFailures = n[ReplayBlocked], n[AuthFailures]
	s.PuzzlesIssued, s.PuzzlesFailed = n[PuzzlesIssued], n[PuzzlesFailed]
	s.RotationsInitiated, s.RotationsCompleted, s.RotationsFailed = n[RotationsInitiated], n[RotationsCompleted], n[RotationsFailed]
	s.ConnectionRateLimits, s.HandshakeRateLimits, s.CapacityRejections = n[ConnectionRateLimits], n[HandshakeRateLimits], n[CapacityRejections]
	s.EncryptErrors, s.DecryptErrors, s.ProtocolErrors = n[EncryptErrors], n[DecryptErrors], n[ProtocolErrors]
	return s
}

// Reset zeroes every series and restarts the uptime clock.
func (c *Collector) Reset() {
	for i := range c.counts {
		c.counts[i].Store(0)
	}
	c.active.Store(0)
	for _, h := range c.hists {
		h.Reset()
	}
	c.started.Store(time.Now().UnixNano())
}
