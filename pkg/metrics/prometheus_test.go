package metrics

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// exposition is a parsed scrape: samples keyed by their full series text,
// plus the declared type of each family.
type exposition struct {
	samples map[string]string
	types   map[string]string
	helps   map[string]bool
}

func scrape(t *testing.T, c *Collector, namespace string) exposition {
	t.Helper()
	var buf bytes.Buffer
	NewPrometheusExporter(c, namespace).WriteMetrics(&buf)

	exp := exposition{samples: map[string]string{}, types: map[string]string{}, helps: map[string]bool{}}
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "# TYPE "):
			f := strings.Fields(line)
			exp.types[f[2]] = f[3]
		case strings.HasPrefix(line, "# HELP "):
			exp.helps[strings.Fields(line)[2]] = true
		case line == "":
		default:
			i := strings.LastIndexByte(line, ' ')
			if i < 0 {
				t.Fatalf("malformed sample %q", line)
			}
			series := line[:i]
			if _, dup := exp.samples[series]; dup {
				t.Errorf("series %s written twice", series)
			}
			exp.samples[series] = line[i+1:]
		}
	}
	return exp
}

func TestPrometheusCountersAndGauges(t *testing.T) {
	c := NewCollector(nil)
	c.SessionStarted()
	c.SessionStarted()
	c.SessionEnded()
	c.SessionFailed()
	c.RecordBytesSent(1500)
	c.RecordBytesReceived(900)
	c.RecordPacketSent()
	c.RecordPacketReceived()
	c.RecordPacketDropped()
	c.RecordRetransmit(false)
	c.RecordRetransmit(true)
	c.StreamOpened()
	c.StreamOpened()
	c.StreamClosed()
	c.RecordReplayBlocked()
	c.RecordAuthFailure()
	c.RecordPuzzleIssued()
	c.RecordPuzzleFailed()
	c.RecordRotationInitiated()
	c.RecordRotationCompleted()
	c.RecordRotationFailed()
	c.RecordConnectionRateLimit()
	c.RecordHandshakeRateLimit()
	c.RecordCapacityRejection()
	c.RecordEncryptError()
	c.RecordDecryptError()
	c.RecordProtocolError()

	exp := scrape(t, c, "tun")
	want := map[string]string{
		"tun_sessions_active":               "1",
		"tun_streams_active":                "1",
		"tun_sessions_total":                "2",
		"tun_sessions_failed_total":         "1",
		"tun_bytes_sent_total":              "1500",
		"tun_bytes_received_total":          "900",
		"tun_packets_sent_total":            "1",
		"tun_packets_received_total":        "1",
		"tun_packets_dropped_total":         "1",
		"tun_retransmits_total":             "2",
		"tun_fast_retransmits_total":        "1",
		"tun_streams_opened_total":          "2",
		"tun_streams_closed_total":          "1",
		"tun_replay_attacks_blocked_total":  "1",
		"tun_auth_failures_total":           "1",
		"tun_puzzles_issued_total":          "1",
		"tun_puzzles_failed_total":          "1",
		"tun_key_rotations_initiated_total": "1",
		"tun_key_rotations_completed_total": "1",
		"tun_key_rotations_failed_total":    "1",
		"tun_connection_rate_limits_total":  "1",
		"tun_handshake_rate_limits_total":   "1",
		"tun_capacity_rejections_total":     "1",
		"tun_encrypt_errors_total":          "1",
		"tun_decrypt_errors_total":          "1",
		"tun_protocol_errors_total":         "1",
	}
	for series, v := range want {
		if got := exp.samples[series]; got != v {
			t.Errorf("%s = %q, want %q", series, got, v)
		}
	}
	for name, typ := range exp.types {
		if !exp.helps[name] {
			t.Errorf("%s has TYPE but no HELP", name)
		}
		wantTyp := "counter"
		switch {
		case strings.HasSuffix(name, "_active"), strings.HasSuffix(name, "_seconds"):
			wantTyp = "gauge"
		case strings.HasSuffix(name, "seconds"), strings.HasSuffix(name, "milliseconds"):
			wantTyp = "histogram"
		}
		if typ != wantTyp {
			t.Errorf("%s declared %s, want %s", name, typ, wantTyp)
		}
	}
	if _, ok := exp.samples["tun_uptime_seconds"]; !ok {
		t.Error("uptime gauge missing")
	}
}

func TestPrometheusHistogramSeries(t *testing.T) {
	c := NewCollector(nil)
	c.RecordHandshakeLatency(50 * time.Millisecond)
	c.RecordHandshakeLatency(150 * time.Millisecond)
	c.RecordEncryptLatency(12 * time.Microsecond)

	exp := scrape(t, c, "")
	if got := exp.samples["llp_handshake_duration_milliseconds_count"]; got != "2" {
		t.Errorf("handshake count = %q", got)
	}
	if got := exp.samples["llp_handshake_duration_milliseconds_sum"]; got != "200" {
		t.Errorf("handshake sum = %q", got)
	}
	if got := exp.samples[`llp_handshake_duration_milliseconds_bucket{le="+Inf"}`]; got != "2" {
		t.Errorf("+Inf bucket = %q", got)
	}
	if got := exp.samples["llp_encrypt_duration_microseconds_count"]; got != "1" {
		t.Errorf("encrypt count = %q", got)
	}
	if got := exp.samples["llp_decrypt_duration_microseconds_count"]; got != "0" {
		t.Errorf("empty decrypt histogram count = %q", got)
	}
}

func TestPrometheusLabels(t *testing.T) {
	c := NewCollector(Labels{"node": "a", "az": "eu-1"})
	c.RecordRTT(2 * time.Millisecond)

	exp := scrape(t, c, "")
	if got := exp.samples[`llp_rtt_milliseconds_bucket{az="eu-1",node="a",le="5"}`]; got != "1" {
		t.Errorf("labelled bucket = %q", got)
	}
	if got := exp.samples[`llp_rtt_milliseconds_count{az="eu-1",node="a"}`]; got != "1" {
		t.Errorf("labelled count = %q", got)
	}
	if _, ok := exp.samples[`llp_sessions_active{az="eu-1",node="a"}`]; !ok {
		t.Error("gauge missing labels")
	}
}

func TestPromLabelEscaping(t *testing.T) {
	got := promLabels(Labels{"msg": "say \"hi\"\nnow", "path": `C:\tmp`})
	want := `msg="say \"hi\"\nnow",path="C:\\tmp"`
	if got != want {
		t.Errorf("promLabels = %s, want %s", got, want)
	}
	if promLabels(nil) != "" {
		t.Error("nil labels rendered")
	}
}

func TestPromFloat(t *testing.T) {
	for v, want := range map[float64]string{0: "0", 2.5: "2.5", 1e6: "1e+06", 100: "100"} {
		if got := promFloat(v); got != want {
			t.Errorf("promFloat(%v) = %q, want %q", v, got, want)
		}
	}
}

func TestPrometheusHandlerContentType(t *testing.T) {
	c := NewCollector(nil)
	rec := httptest.NewRecorder()
	NewPrometheusExporter(c, "edge").Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != promContentType {
		t.Errorf("status %d content type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "edge_sessions_active 0\n") {
		t.Errorf("body:\n%s", rec.Body.String())
	}
}
