package metrics

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRateLimitObserverCounts(t *testing.T) {
	c := NewCollector(nil)
	o := NewRateLimitObserver(c, nil)

	o.OnConnectionRateLimit("192.0.2.1")
	o.OnConnectionRateLimit("192.0.2.1")
	o.OnHandshakeRateLimit("192.0.2.2")
	o.OnCapacityReached("")

	snap := c.Snapshot()
	if snap.ConnectionRateLimits != 2 || snap.HandshakeRateLimits != 1 || snap.CapacityRejections != 1 {
		t.Errorf("conn/handshake/capacity = %d/%d/%d, want 2/1/1",
			snap.ConnectionRateLimits, snap.HandshakeRateLimits, snap.CapacityRejections)
	}
}

func TestRateLimitObserverLogLine(t *testing.T) {
	var buf bytes.Buffer
	o := NewRateLimitObserver(NewCollector(nil), TestLogger(&buf))

	o.OnCapacityReached("10.0.0.9")
	o.OnCapacityReached("")

	out := buf.String()
	for _, want := range []string{"[rate_limit]", "session capacity reached", "remote_ip=10.0.0.9"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
	if n := strings.Count(out, "\n"); n != 2 {
		t.Errorf("wrote %d lines, want 2", n)
	}
}

func TestRateLimitObserverThrottlesPerAddress(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(nil)
	o := NewRateLimitObserver(c, TestLogger(&buf))
	clock := time.Unix(1_700_000_000, 0)
	o.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		o.OnHandshakeRateLimit("198.51.100.7")
	}
	o.OnHandshakeRateLimit("198.51.100.8")
	o.OnConnectionRateLimit("198.51.100.7")

	if n := strings.Count(buf.String(), "\n"); n != 3 {
		t.Fatalf("wrote %d lines inside the interval, want 3:\n%s", n, buf.String())
	}
	if got := c.Snapshot().HandshakeRateLimits; got != 6 {
		t.Errorf("handshake rejections = %d, want 6", got)
	}

	buf.Reset()
	clock = clock.Add(rejectLogInterval)
	o.OnHandshakeRateLimit("198.51.100.7")
	if !strings.Contains(buf.String(), "suppressed=4") {
		t.Errorf("line after interval = %q, want suppressed=4", buf.String())
	}
}

func TestRateLimitObserverPrunesTable(t *testing.T) {
	o := NewRateLimitObserver(nil, TestLogger(&bytes.Buffer{}))
	clock := time.Unix(1_700_000_000, 0)
	o.now = func() time.Time { return clock }

	for i := 0; i < maxRejectKeys; i++ {
		o.OnConnectionRateLimit(fmt.Sprintf("10.1.%d.%d", i/256, i%256))
	}
	clock = clock.Add(rejectLogInterval)
	o.OnConnectionRateLimit("10.9.9.9")

	o.mu.Lock()
	n := len(o.state)
	o.mu.Unlock()
	if n != 1 {
		t.Errorf("table holds %d entries after prune, want 1", n)
	}
}

func TestRateLimitObserverSilentLoggerSkipsTable(t *testing.T) {
	o := NewRateLimitObserver(nil, NullLogger())
	o.OnConnectionRateLimit("10.0.0.1")
	if len(o.state) != 0 {
		t.Error("silent logger still tracked throttle state")
	}
}
