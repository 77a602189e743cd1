package metrics

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the verdict of a health report.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const (
	// A check that has not returned after checkTimeout fails.
	checkTimeout = 5 * time.Second

	// Check reuses a report younger than reportTTL.
	reportTTL = 2 * time.Second

	// Above this share of failed packets the node reports degraded.
	degradedErrorRate = 0.01
)

// CheckFunc returns nil while the checked dependency is healthy.
type CheckFunc func() error

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Elapsed string       `json:"elapsed"`
}

// TrafficHealth summarises collector counters in a report.
type TrafficHealth struct {
	SessionsActive uint64  `json:"sessions_active"`
	SessionsTotal  uint64  `json:"sessions_total"`
	StreamsActive  uint64  `json:"streams_active"`
	BytesSent      uint64  `json:"bytes_sent"`
	BytesReceived  uint64  `json:"bytes_received"`
	AuthFailures   uint64  `json:"auth_failures"`
	ReplayBlocked  uint64  `json:"replay_blocked"`
	ErrorRate      float64 `json:"error_rate"`
}

// HealthReport is the body of the /health endpoint.
type HealthReport struct {
	Status        HealthStatus           `json:"status"`
	Version       string                 `json:"version,omitempty"`
	CheckedAt     time.Time              `json:"checked_at"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
	Traffic       *TrafficHealth         `json:"traffic,omitempty"`
}

// Failing lists the names of failed checks in order.
func (r HealthReport) Failing() []string {
	var names []string
	for name, res := range r.Checks {
		if res.Status == HealthStatusUnhealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HealthCheck runs named checks concurrently and grades the node from their
// results and the collector's error counters.
type HealthCheck struct {
	collector *Collector
	version   string
	started   time.Time
	now       func() time.Time

	mu     sync.Mutex
	checks map[string]CheckFunc
	cached *HealthReport
}

// NewHealthCheck creates an empty set of checks. collector may be nil.
func NewHealthCheck(collector *Collector, version string) *HealthCheck {
	return &HealthCheck{
		collector: collector,
		version:   version,
		started:   time.Now(),
		now:       time.Now,
		checks:    make(map[string]CheckFunc),
	}
}

// AddCheck registers check under name, replacing any previous one.
func (h *HealthCheck) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	h.checks[name] = check
	h.cached = nil
	h.mu.Unlock()
}

func (h *HealthCheck) RemoveCheck(name string) {
	h.mu.Lock()
	delete(h.checks, name)
	h.cached = nil
	h.mu.Unlock()
}

// Check returns a fresh or recently cached report.
func (h *HealthCheck) Check() HealthReport {
	h.mu.Lock()
	if h.cached != nil && h.now().Sub(h.cached.CheckedAt) < reportTTL {
		r := *h.cached
		h.mu.Unlock()
		return r
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.Unlock()

	r := h.run(checks)

	h.mu.Lock()
	h.cached = &r
	h.mu.Unlock()
	return r
}

func (h *HealthCheck) run(checks map[string]CheckFunc) HealthReport {
	now := h.now()
	r := HealthReport{
		Status:        HealthStatusHealthy,
		Version:       h.version,
		CheckedAt:     now,
		UptimeSeconds: int64(now.Sub(h.started) / time.Second),
	}

	if len(checks) > 0 {
		r.Checks = make(map[string]CheckResult, len(checks))
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, fn := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(fn)
				mu.Lock()
				r.Checks[name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()
		if len(r.Failing()) > 0 {
			r.Status = HealthStatusUnhealthy
		}
	}

	if h.collector != nil {
		snap := h.collector.Snapshot()
		t := &TrafficHealth{
			SessionsActive: snap.SessionsActive,
			SessionsTotal:  snap.SessionsTotal,
			StreamsActive:  snap.StreamsActive(),
			BytesSent:      snap.BytesSent,
			BytesReceived:  snap.BytesReceived,
			AuthFailures:   snap.AuthFailures,
			ReplayBlocked:  snap.ReplayAttacksBlocked,
		}
		if packets := snap.PacketsSent + snap.PacketsRecv; packets > 0 {
			failed := snap.EncryptErrors + snap.DecryptErrors + snap.ProtocolErrors
			t.ErrorRate = float64(failed) / float64(packets)
		}
		r.Traffic = t
		if r.Status == HealthStatusHealthy && t.ErrorRate > degradedErrorRate {
			r.Status = HealthStatusDegraded
		}
	}
	return r
}

func runCheck(fn CheckFunc) CheckResult {
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- fn() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(checkTimeout):
		err = fmt.Errorf("no result after %v", checkTimeout)
	}
	res := CheckResult{Status: HealthStatusHealthy, Elapsed: time.Since(start).Round(time.Microsecond).String()}
	if err != nil {
		res.Status = HealthStatusUnhealthy
		res.Error = err.Error()
	}
	return res
}

// MemoryCheck fails while the Go heap holds more than limit bytes.
func MemoryCheck(limit uint64) CheckFunc {
	return func() error {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc > limit {
			return fmt.Errorf("heap at %d bytes, limit %d", ms.HeapAlloc, limit)
		}
		return nil
	}
}

// ConnectivityCheck fails unless addr accepts a TCP connection within
// timeout.
func ConnectivityCheck(addr string, timeout time.Duration) CheckFunc {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
