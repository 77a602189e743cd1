package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func get(t *testing.T, h http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
	}
	return rec.Code, body
}

func TestHealthReportGrading(t *testing.T) {
	tests := []struct {
		name      string
		checks    map[string]CheckFunc
		packets   int
		failures  int
		want      HealthStatus
		wantFails []string
	}{
		{name: "empty", want: HealthStatusHealthy},
		{
			name:   "passing checks",
			checks: map[string]CheckFunc{"crypto": func() error { return nil }},
			want:   HealthStatusHealthy,
		},
		{
			name: "one failing",
			checks: map[string]CheckFunc{
				"crypto": func() error { return nil },
				"disk":   func() error { return errors.New("full") },
				"peer":   func() error { return errors.New("unreachable") },
			},
			want:      HealthStatusUnhealthy,
			wantFails: []string{"disk", "peer"},
		},
		{name: "error rate under threshold", packets: 1000, failures: 5, want: HealthStatusHealthy},
		{name: "error rate over threshold", packets: 100, failures: 5, want: HealthStatusDegraded},
		{
			name:      "failing check beats degraded",
			checks:    map[string]CheckFunc{"x": func() error { return errors.New("down") }},
			packets:   10,
			failures:  10,
			want:      HealthStatusUnhealthy,
			wantFails: []string{"x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(nil)
			for i := 0; i < tt.packets; i++ {
				c.RecordPacketSent()
			}
			for i := 0; i < tt.failures; i++ {
				c.RecordDecryptError()
			}
			h := NewHealthCheck(c, "0.1.0")
			for name, fn := range tt.checks {
				h.AddCheck(name, fn)
			}

			r := h.Check()
			if r.Status != tt.want {
				t.Errorf("status = %s, want %s", r.Status, tt.want)
			}
			if got := strings.Join(r.Failing(), ","); got != strings.Join(tt.wantFails, ",") {
				t.Errorf("failing = %q, want %q", got, tt.wantFails)
			}
			if r.Version != "0.1.0" || r.Traffic == nil {
				t.Errorf("report = %+v", r)
			}
		})
	}
}

func TestHealthTrafficCounters(t *testing.T) {
	c := NewCollector(nil)
	c.SessionStarted()
	c.StreamOpened()
	c.StreamOpened()
	c.StreamClosed()
	c.RecordAuthFailure()
	c.RecordReplayBlocked()
	c.RecordBytesSent(300)

	tr := NewHealthCheck(c, "").Check().Traffic
	if tr.SessionsActive != 1 || tr.StreamsActive != 1 || tr.AuthFailures != 1 || tr.ReplayBlocked != 1 || tr.BytesSent != 300 {
		t.Errorf("traffic = %+v", tr)
	}
	if r := NewHealthCheck(nil, "").Check(); r.Traffic != nil {
		t.Error("traffic reported without a collector")
	}
}

func TestHealthReportCaching(t *testing.T) {
	var calls atomic.Int32
	clock := time.Unix(1_700_000_000, 0)
	h := NewHealthCheck(nil, "")
	h.now = func() time.Time { return clock }
	h.AddCheck("count", func() error { calls.Add(1); return nil })

	h.Check()
	h.Check()
	if n := calls.Load(); n != 1 {
		t.Fatalf("check ran %d times inside the TTL", n)
	}
	clock = clock.Add(reportTTL)
	h.Check()
	if n := calls.Load(); n != 2 {
		t.Fatalf("check ran %d times after the TTL", n)
	}
	h.RemoveCheck("count")
	if r := h.Check(); len(r.Checks) != 0 {
		t.Errorf("removed check still reported: %v", r.Checks)
	}
}

func TestCheckResultCarriesError(t *testing.T) {
	res := runCheck(func() error { return errors.New("self-test mismatch") })
	if res.Status != HealthStatusUnhealthy || res.Error != "self-test mismatch" || res.Elapsed == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := NewHealthCheck(NewCollector(nil), "0.1.0")
	h.AddCheck("crypto", func() error { return nil })

	code, body := get(t, h.Handler(), PathHealth)
	if code != http.StatusOK || body["status"] != string(HealthStatusHealthy) {
		t.Errorf("health = %d %v", code, body)
	}
	if _, ok := body["traffic"]; !ok {
		t.Error("health report without traffic")
	}

	h.AddCheck("quic", func() error { return errors.New("socket closed") })
	code, body = get(t, h.ReadinessHandler(), PathReadiness)
	if code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Errorf("readiness = %d %v", code, body)
	}
	if failing, _ := body["failing"].([]interface{}); len(failing) != 1 || failing[0] != "quic" {
		t.Errorf("failing = %v", body["failing"])
	}

	code, body = get(t, h.LivenessHandler(), PathLiveness)
	if code != http.StatusOK || body["status"] != "alive" {
		t.Errorf("liveness = %d %v", code, body)
	}
}

func TestServerRoutes(t *testing.T) {
	srv := NewServer(ServerConfig{
		Collector:        NewCollector(Labels{"node": "edge-1"}),
		Version:          "0.1.0",
		EnablePrometheus: true,
		EnableHealth:     true,
	})
	srv.AddHealthCheck("crypto", func() error { return nil })

	for _, path := range []string{PathMetrics, PathHealth, PathLiveness, "/healthz", PathReadiness} {
		if code, _ := get(t, srv.Handler(), path); code != http.StatusOK {
			t.Errorf("GET %s = %d", path, code)
		}
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, PathMetrics, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST %s = %d", PathMetrics, rec.Code)
	}
}

func TestServerDisabledEndpoints(t *testing.T) {
	srv := NewServer(ServerConfig{})
	srv.AddHealthCheck("ignored", func() error { return errors.New("x") })
	for _, path := range []string{PathMetrics, PathHealth} {
		if code, _ := get(t, srv.Handler(), path); code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, code)
		}
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	srv := NewServer(ServerConfig{EnableHealth: true})
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown before serve: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	url := "http://" + ln.Addr().String() + PathLiveness
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after shutdown", err)
	}
}

func TestMemoryCheck(t *testing.T) {
	if err := MemoryCheck(1 << 40)(); err != nil {
		t.Errorf("generous limit: %v", err)
	}
	if err := MemoryCheck(1)(); err == nil {
		t.Error("one-byte limit passed")
	}
}

func TestConnectivityCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	addr := ln.Addr().String()
	if err := ConnectivityCheck(addr, time.Second)(); err != nil {
		t.Errorf("open port: %v", err)
	}
	ln.Close()
	if err := ConnectivityCheck(addr, 200*time.Millisecond)(); err == nil {
		t.Error("closed port reported reachable")
	}
}
