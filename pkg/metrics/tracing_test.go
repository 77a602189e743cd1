package metrics

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
	spanIDPattern  = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

func TestNoOpTracerKeepsContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), activeSpanKey{}, "marker")
	got, end := NoOpTracer{}.StartSpan(ctx, SpanRotation)
	if got != ctx {
		t.Error("no-op tracer replaced the context")
	}
	end(errors.New("ignored"))
}

func TestSimpleTracerRecordsOnEnd(t *testing.T) {
	tr := NewSimpleTracer()
	_, end := tr.StartSpan(context.Background(), SpanHandshakeResponder,
		WithSpanKind(SpanKindServer),
		WithAttributes(map[string]interface{}{AttrSessionRole: "responder"}),
		WithAttributes(map[string]interface{}{AttrSessionID: "0f1e"}),
	)
	if n := len(tr.Spans()); n != 0 {
		t.Fatalf("%d spans recorded before end", n)
	}

	time.Sleep(2 * time.Millisecond)
	failure := errors.New("bad proof")
	end(failure)
	end(nil)

	spans := tr.Spans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != SpanHandshakeResponder || s.Kind != SpanKindServer {
		t.Errorf("span = %s/%v", s.Name, s.Kind)
	}
	if !errors.Is(s.Error, failure) {
		t.Errorf("error = %v, want %v", s.Error, failure)
	}
	if s.Duration < 2*time.Millisecond || !s.EndTime.After(s.StartTime) {
		t.Errorf("duration = %v", s.Duration)
	}
	if s.Attributes[AttrSessionRole] != "responder" || s.Attributes[AttrSessionID] != "0f1e" {
		t.Errorf("attributes = %v", s.Attributes)
	}
	if !traceIDPattern.MatchString(s.TraceID) || !spanIDPattern.MatchString(s.SpanID) {
		t.Errorf("ids = %q/%q", s.TraceID, s.SpanID)
	}
	if s.ParentID != "" {
		t.Errorf("root span has parent %q", s.ParentID)
	}
}

func TestSimpleTracerNesting(t *testing.T) {
	tr := NewSimpleTracer()
	ctx, endRoot := tr.StartSpan(context.Background(), SpanHandshakeInitiator)
	_, endChild := tr.StartSpan(ctx, SpanRotation)
	endChild(nil)
	endRoot(nil)

	_, endOther := tr.StartSpan(context.Background(), SpanHandshakeInitiator)
	endOther(nil)

	roots := tr.Find(SpanHandshakeInitiator)
	child := tr.Find(SpanRotation)
	if len(roots) != 2 || len(child) != 1 {
		t.Fatalf("found %d roots and %d children", len(roots), len(child))
	}
	if child[0].TraceID != roots[0].TraceID || child[0].ParentID != roots[0].SpanID {
		t.Errorf("child %+v not linked to root %+v", child[0], roots[0])
	}
	if roots[1].TraceID == roots[0].TraceID {
		t.Error("independent roots share a trace")
	}
}

func TestSimpleTracerReset(t *testing.T) {
	tr := NewSimpleTracer()
	for i := 0; i < 3; i++ {
		_, end := tr.StartSpan(context.Background(), SpanRotation)
		end(nil)
	}
	tr.Reset()
	if n := len(tr.Spans()); n != 0 {
		t.Errorf("%d spans after reset", n)
	}
	if got := tr.Find(SpanRotation); got != nil {
		t.Errorf("Find after reset = %v", got)
	}
}

func TestSimpleTracerConcurrentEnds(t *testing.T) {
	tr := NewSimpleTracer()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 64; i++ {
				_, end := tr.StartSpan(context.Background(), SpanRotation)
				end(nil)
			}
		}()
	}
	wg.Wait()
	if n := len(tr.Spans()); n != 8*64 {
		t.Errorf("recorded %d spans, want %d", n, 8*64)
	}
}

func TestSessionAttributesSkipZero(t *testing.T) {
	if m := sessionAttributes("", "", 0); len(m) != 0 {
		t.Errorf("empty attributes = %v", m)
	}
	m := sessionAttributes("abc", "initiator", 4)
	if m[AttrSessionID] != "abc" || m[AttrSessionRole] != "initiator" || m[AttrKeyGeneration] != uint64(4) {
		t.Errorf("attributes = %v", m)
	}
}

func TestSpanKindMapping(t *testing.T) {
	cases := []struct {
		kind SpanKind
		name string
		otel trace.SpanKind
	}{
		{SpanKindInternal, "internal", trace.SpanKindInternal},
		{SpanKindServer, "server", trace.SpanKindServer},
		{SpanKindClient, "client", trace.SpanKindClient},
	}
	for _, c := range cases {
		if c.kind.String() != c.name || otelSpanKind(c.kind) != c.otel {
			t.Errorf("%d maps to %q/%v", c.kind, c.kind.String(), otelSpanKind(c.kind))
		}
	}
}

func TestOTelAttributeConversion(t *testing.T) {
	kvs := otelAttributes(map[string]interface{}{
		"s":   "x",
		"b":   true,
		"i":   7,
		"u":   uint64(9),
		"f":   1.5,
		"dur": time.Second,
	})
	got := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		got[kv.Key] = kv.Value
	}
	if got["s"].AsString() != "x" || !got["b"].AsBool() || got["i"].AsInt64() != 7 {
		t.Errorf("scalars = %v", got)
	}
	if got["u"].AsInt64() != 9 || got["f"].AsFloat64() != 1.5 {
		t.Errorf("numbers = %v", got)
	}
	if got["dur"].AsString() != "1s" {
		t.Errorf("duration = %v", got["dur"])
	}
	for i := 1; i < len(kvs); i++ {
		if kvs[i-1].Key >= kvs[i].Key {
			t.Errorf("attributes not in key order: %v", kvs)
		}
	}

	big := otelAttributes(map[string]interface{}{"gen": uint64(math.MaxUint64), "peer": struct{ A int }{3}})
	if big[0].Value.AsString() != "18446744073709551615" || big[1].Value.AsString() != "{3}" {
		t.Errorf("fallbacks = %v", big)
	}
}

func TestOTelTracerWithNoopProvider(t *testing.T) {
	tr := NewOTelTracerFromProvider(noop.NewTracerProvider(), "")
	ctx, end := tr.StartSpan(context.Background(), SpanRotation,
		WithSpanKind(SpanKindClient),
		WithAttributes(sessionAttributes("id", "initiator", 1)))
	if ctx == nil {
		t.Fatal("nil context")
	}
	end(errors.New("rotation refused"))
}
