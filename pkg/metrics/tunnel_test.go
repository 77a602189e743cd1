package metrics

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestTunnelObserver(role string) (*TunnelObserver, *Collector, *SimpleTracer, *bytes.Buffer) {
	c := NewCollector(nil)
	tracer := NewSimpleTracer()
	var buf bytes.Buffer
	o := NewTunnelObserver(TunnelObserverConfig{
		Collector: c,
		Tracer:    tracer,
		Logger:    TestLogger(&buf),
		SessionID: "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0",
		Role:      role,
	})
	return o, c, tracer, &buf
}

func TestTunnelObserverDefaults(t *testing.T) {
	o := NewTunnelObserver(TunnelObserverConfig{})
	o.OnSessionStart()
	_, end := o.OnHandshakeStart(context.Background())
	end(nil)
	if o.Logger() == nil {
		t.Fatal("nil logger")
	}
}

func TestTunnelObserverSessionLifecycle(t *testing.T) {
	o, c, _, _ := newTestTunnelObserver("initiator")

	o.OnSessionStart()
	o.OnSessionStart()
	o.OnSessionEnd(nil)
	o.OnSessionFailed(errors.New("handshake timeout"))

	snap := c.Snapshot()
	if snap.SessionsActive != 1 || snap.SessionsTotal != 2 || snap.SessionsFailed != 1 {
		t.Errorf("sessions active/total/failed = %d/%d/%d, want 1/2/1",
			snap.SessionsActive, snap.SessionsTotal, snap.SessionsFailed)
	}
}

func TestTunnelObserverHandshakeSpan(t *testing.T) {
	tests := []struct {
		role string
		name string
		kind SpanKind
	}{
		{"initiator", SpanHandshakeInitiator, SpanKindClient},
		{"responder", SpanHandshakeResponder, SpanKindServer},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			o, c, tracer, _ := newTestTunnelObserver(tt.role)
			_, end := o.OnHandshakeStart(context.Background())
			end(nil)

			spans := tracer.Spans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			if spans[0].Name != tt.name || spans[0].Kind != tt.kind {
				t.Errorf("span %q kind %v, want %q kind %v", spans[0].Name, spans[0].Kind, tt.name, tt.kind)
			}
			if spans[0].Attributes["session.role"] != tt.role {
				t.Errorf("role attribute = %v", spans[0].Attributes["session.role"])
			}
			if c.Snapshot().HandshakeLatency.Count != 1 {
				t.Error("handshake latency not recorded")
			}
		})
	}
}

func TestTunnelObserverTraffic(t *testing.T) {
	o, c, _, _ := newTestTunnelObserver("initiator")

	_, end := o.OnEncrypt(context.Background(), 100)
	end(nil)
	_, end = o.OnEncrypt(context.Background(), 50)
	end(errors.New("seal failed"))
	_, end = o.OnDecrypt(context.Background(), 140)
	end(nil)
	_, end = o.OnDecrypt(context.Background(), 140)
	end(errors.New("open failed"))

	snap := c.Snapshot()
	if snap.BytesSent != 100 || snap.PacketsSent != 1 || snap.EncryptErrors != 1 {
		t.Errorf("encrypt: bytes %d packets %d errors %d", snap.BytesSent, snap.PacketsSent, snap.EncryptErrors)
	}
	if snap.BytesReceived != 140 || snap.PacketsRecv != 1 || snap.DecryptErrors != 1 {
		t.Errorf("decrypt: bytes %d packets %d errors %d", snap.BytesReceived, snap.PacketsRecv, snap.DecryptErrors)
	}
	if snap.EncryptLatency.Count != 2 || snap.DecryptLatency.Count != 2 {
		t.Errorf("latency samples %d/%d, want 2/2", snap.EncryptLatency.Count, snap.DecryptLatency.Count)
	}
}

func TestTunnelObserverRotation(t *testing.T) {
	o, c, tracer, buf := newTestTunnelObserver("initiator")

	_, end := o.OnRotationStart(context.Background(), 1)
	end(nil)
	_, end = o.OnRotationStart(context.Background(), 2)
	end(errors.New("rotation refused"))

	snap := c.Snapshot()
	if snap.RotationsInitiated != 2 || snap.RotationsCompleted != 1 || snap.RotationsFailed != 1 {
		t.Errorf("rotations = %d/%d/%d, want 2/1/1",
			snap.RotationsInitiated, snap.RotationsCompleted, snap.RotationsFailed)
	}
	spans := tracer.Spans()
	if len(spans) != 2 || spans[0].Name != SpanRotation {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[1].Attributes["crypto.key_generation"] != uint64(2) || spans[1].Error == nil {
		t.Errorf("second rotation span = %+v", spans[1])
	}
	out := buf.String()
	if !strings.Contains(out, "key rotated") || !strings.Contains(out, "key rotation failed") {
		t.Errorf("log output missing rotation lines:\n%s", out)
	}
	if !strings.Contains(out, "0f1e2d3c") {
		t.Errorf("log output missing short session id:\n%s", out)
	}
}

func TestTunnelObserverReliabilityAndSecurity(t *testing.T) {
	o, c, _, _ := newTestTunnelObserver("responder")

	o.OnPuzzleIssued(12)
	o.OnPuzzleFailed()
	o.OnReplayDetected()
	o.OnAuthFailure()
	o.OnProtocolError(errors.New("bad frame"))
	o.OnPacketDropped("checksum")
	o.OnRetransmit(true)
	o.OnRetransmit(false)
	o.OnRTT(25 * time.Millisecond)
	o.OnStreamOpened(1)
	o.OnStreamOpened(3)
	o.OnStreamClosed(1)

	snap := c.Snapshot()
	checks := []struct {
		name      string
		got, want uint64
	}{
		{"puzzles issued", snap.PuzzlesIssued, 1},
		{"puzzles failed", snap.PuzzlesFailed, 1},
		{"replays", snap.ReplayAttacksBlocked, 1},
		{"auth failures", snap.AuthFailures, 1},
		{"protocol errors", snap.ProtocolErrors, 1},
		{"dropped", snap.PacketsDropped, 1},
		{"retransmits", snap.Retransmits, 2},
		{"fast retransmits", snap.FastRetransmits, 1},
		{"rtt samples", snap.RTT.Count, 1},
		{"streams active", snap.StreamsActive(), 1},
	}
	for _, ch := range checks {
		if ch.got != ch.want {
			t.Errorf("%s = %d, want %d", ch.name, ch.got, ch.want)
		}
	}
}

func TestTunnelObserverSessionLifetimeLog(t *testing.T) {
	o, _, _, buf := newTestTunnelObserver("responder")
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return clock }

	o.OnSessionStart()
	clock = clock.Add(90 * time.Second)
	o.OnSessionEnd(errors.New("peer closed"))
	o.OnPacketDropped("stale epoch")

	out := buf.String()
	for _, want := range []string{"session established", "session closed", "lifetime=1m30s", `reason="peer closed"`, `reason="stale epoch"`, "role=responder"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}
