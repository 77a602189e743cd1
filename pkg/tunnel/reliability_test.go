package tunnel

import (
	"bytes"
	"testing"
	"time"

	"github.com/lostlove-net/llp/internal/constants"
	"github.com/lostlove-net/llp/pkg/protocol"
)

func TestRTTEstimator(t *testing.T) {
	e := newRTTEstimator()
	if e.RTO() != constants.InitialRTO {
		t.Fatalf("initial RTO = %v, want %v", e.RTO(), constants.InitialRTO)
	}
	if e.SRTT() != 0 {
		t.Errorf("SRTT before samples = %v, want 0", e.SRTT())
	}

	e.Sample(100 * time.Millisecond)
	if e.SRTT() != 100*time.Millisecond {
		t.Errorf("SRTT = %v, want 100ms", e.SRTT())
	}
	// RTO = SRTT + 4*RTTVAR = 100ms + 4*50ms
	if e.RTO() != 300*time.Millisecond {
		t.Errorf("RTO after first sample = %v, want 300ms", e.RTO())
	}

	e.Sample(100 * time.Millisecond)
	// RTTVAR = 3/4*50ms = 37.5ms, so RTO = 100ms + 150ms
	if e.RTO() != 250*time.Millisecond {
		t.Errorf("RTO after second sample = %v, want 250ms", e.RTO())
	}

	for i := 0; i < 50; i++ {
		e.Sample(time.Millisecond)
	}
	if e.RTO() != constants.MinRTO {
		t.Errorf("RTO = %v, want clamped to %v", e.RTO(), constants.MinRTO)
	}

	e.Backoff()
	if e.RTO() != 2*constants.MinRTO {
		t.Errorf("RTO after backoff = %v, want %v", e.RTO(), 2*constants.MinRTO)
	}
	for i := 0; i < 20; i++ {
		e.Backoff()
	}
	if e.RTO() != constants.MaxRTO {
		t.Errorf("RTO = %v, want clamped to %v", e.RTO(), constants.MaxRTO)
	}
}

func TestSendBufferCumulativeAndSelectiveAck(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newSendBuffer()
	for seq := uint64(0); seq < 6; seq++ {
		b.add(&segment{seq: seq, sentAt: now})
	}

	res := b.ack(2, []protocol.SeqRange{{First: 4, Last: 4}}, now.Add(40*time.Millisecond))
	if res.acked != 3 {
		t.Errorf("acked = %d, want 3 (0, 1 and 4)", res.acked)
	}
	if !res.sampled || res.rtt != 40*time.Millisecond {
		t.Errorf("rtt sample = %v,%v, want 40ms", res.rtt, res.sampled)
	}
	if b.len() != 3 {
		t.Errorf("len = %d, want 3", b.len())
	}
	if low := b.lowest(); low == nil || low.seq != 2 {
		t.Errorf("lowest = %+v, want seq 2", low)
	}
}

func TestSendBufferFastRetransmit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newSendBuffer()
	for seq := uint64(0); seq < 4; seq++ {
		b.add(&segment{seq: seq, sentAt: now})
	}

	// Segment 0 is lost; the receiver keeps acknowledging cum=0 with SACK.
	sack := []protocol.SeqRange{{First: 1, Last: 3}}
	for i := 1; i < constants.DupAckThreshold; i++ {
		if res := b.ack(0, sack, now); res.fast != nil {
			t.Fatalf("fast retransmit after %d duplicate acks", i)
		}
	}
	res := b.ack(0, sack, now)
	if res.fast == nil || res.fast.seq != 0 {
		t.Fatalf("fast = %+v, want seq 0 after %d duplicates", res.fast, constants.DupAckThreshold)
	}
	if !res.fast.retransmitted {
		t.Error("fast retransmitted segment not marked")
	}

	// Karn: the retransmitted segment yields no RTT sample.
	res = b.ack(1, nil, now.Add(time.Second))
	if res.acked != 1 || res.sampled {
		t.Errorf("ack of retransmitted segment: acked %d sampled %v, want 1,false", res.acked, res.sampled)
	}
}

func TestSendBufferDue(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	b := newSendBuffer()
	b.add(&segment{seq: 1, sentAt: start})
	b.add(&segment{seq: 0, sentAt: start})
	b.add(&segment{seq: 2, sentAt: start.Add(500 * time.Millisecond)})

	due := b.due(start.Add(time.Second), time.Second)
	if len(due) != 2 || due[0].seq != 0 || due[1].seq != 1 {
		t.Fatalf("due = %v, want seqs 0 and 1 in order", due)
	}
	for _, s := range due {
		if s.retries != 1 || !s.retransmitted {
			t.Errorf("seq %d: retries %d retransmitted %v", s.seq, s.retries, s.retransmitted)
		}
	}
	// Timers were re-armed.
	if again := b.due(start.Add(time.Second), time.Second); len(again) != 0 {
		t.Errorf("segments fired twice at the same instant: %v", again)
	}
}

func TestRecvBufferReordering(t *testing.T) {
	b := newRecvBuffer()

	if ready := b.insert(2, []byte("c"), false); len(ready) != 0 {
		t.Fatalf("out-of-order segment delivered early: %q", ready)
	}
	if ready := b.insert(1, []byte("b"), false); len(ready) != 0 {
		t.Fatalf("out-of-order segment delivered early: %q", ready)
	}
	sack := b.sack()
	if len(sack) != 1 || sack[0] != (protocol.SeqRange{First: 1, Last: 2}) {
		t.Errorf("sack = %v, want [1-2]", sack)
	}

	ready := b.insert(0, []byte("a"), false)
	if got := bytes.Join(ready, nil); string(got) != "abc" {
		t.Errorf("delivered %q, want abc", got)
	}
	if b.next != 3 || len(b.sack()) != 0 {
		t.Errorf("next = %d sack = %v, want 3 and empty", b.next, b.sack())
	}

	// Duplicates and old segments are ignored.
	if ready := b.insert(1, []byte("b"), false); ready != nil {
		t.Errorf("old segment delivered again: %q", ready)
	}
}

func TestRecvBufferFIN(t *testing.T) {
	b := newRecvBuffer()
	b.insert(1, nil, true)
	if b.finished {
		t.Fatal("finished before the gap was filled")
	}
	ready := b.insert(0, []byte("last"), false)
	if len(ready) != 1 || string(ready[0]) != "last" {
		t.Errorf("ready = %q, want [last]", ready)
	}
	if !b.finished {
		t.Error("FIN delivered but not finished")
	}
	if ready := b.insert(2, []byte("late"), false); ready != nil {
		t.Errorf("data after FIN delivered: %q", ready)
	}
}
