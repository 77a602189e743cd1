package metrics

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span names emitted by the tunnel engine.
const (
	SpanHandshakeInitiator = "llp.handshake.initiator"
	SpanHandshakeResponder = "llp.handshake.responder"
	SpanRotation           = "llp.keys.rotate"
)

// Attribute keys attached to tunnel spans.
const (
	AttrSessionID     = "session.id"
	AttrSessionRole   = "session.role"
	AttrKeyGeneration = "crypto.key_generation"
)

// Tracer starts spans. The returned context carries the span so nested
// calls become its children.
type Tracer interface {
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder)
}

// SpanEnder finishes a span; a non-nil error marks it failed.
type SpanEnder func(err error)

// SpanKind mirrors the OpenTelemetry span kinds the engine uses.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	default:
		return "internal"
	}
}

type spanConfig struct {
	kind       SpanKind
	attributes map[string]interface{}
}

// SpanOption adjusts a span at start.
type SpanOption func(*spanConfig)

func WithSpanKind(kind SpanKind) SpanOption {
	return func(c *spanConfig) { c.kind = kind }
}

// WithAttributes adds attrs to the span. Repeated options accumulate, later
// keys winning.
func WithAttributes(attrs map[string]interface{}) SpanOption {
	return func(c *spanConfig) {
		for k, v := range attrs {
			c.attributes[k] = v
		}
	}
}

func buildSpanConfig(opts []SpanOption) spanConfig {
	cfg := spanConfig{attributes: make(map[string]interface{})}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// sessionAttributes builds the attribute set shared by a session's spans.
// Zero values are left out.
func sessionAttributes(sessionID, role string, generation uint64) map[string]interface{} {
	m := make(map[string]interface{}, 3)
	if sessionID != "" {
		m[AttrSessionID] = sessionID
	}
	if role != "" {
		m[AttrSessionRole] = role
	}
	if generation > 0 {
		m[AttrKeyGeneration] = generation
	}
	return m
}

// NoOpTracer discards spans.
type NoOpTracer struct{}

func (NoOpTracer) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, SpanEnder) {
	return ctx, func(error) {}
}

// RecordedSpan is a finished span held by SimpleTracer. TraceID is 32 hex
// digits and SpanID 16, as in W3C trace context.
type RecordedSpan struct {
	Name       string
	Kind       SpanKind
	TraceID    string
	SpanID     string
	ParentID   string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Attributes map[string]interface{}
	Error      error
}

// SimpleTracer keeps finished spans in memory, in the order they ended.
// It backs the "simple" tracing mode and the tests.
type SimpleTracer struct {
	mu    sync.Mutex
	spans []RecordedSpan
}

func NewSimpleTracer() *SimpleTracer {
	return &SimpleTracer{}
}

type activeSpan struct {
	traceID, spanID string
}

type activeSpanKey struct{}

// StartSpan records a span when its ender is first called. Further calls
// are ignored.
func (t *SimpleTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	cfg := buildSpanConfig(opts)
	id := uuid.New()
	rec := RecordedSpan{
		Name:       name,
		Kind:       cfg.kind,
		TraceID:    hex.EncodeToString(id[:]),
		SpanID:     hex.EncodeToString(id[8:]),
		StartTime:  time.Now(),
		Attributes: cfg.attributes,
	}
	if parent, ok := ctx.Value(activeSpanKey{}).(activeSpan); ok {
		rec.TraceID = parent.traceID
		rec.ParentID = parent.spanID
	}
	ctx = context.WithValue(ctx, activeSpanKey{}, activeSpan{rec.TraceID, rec.SpanID})

	var once sync.Once
	return ctx, func(err error) {
		once.Do(func() {
			rec.EndTime = time.Now()
			rec.Duration = rec.EndTime.Sub(rec.StartTime)
			rec.Error = err
			t.mu.Lock()
			t.spans = append(t.spans, rec)
			t.mu.Unlock()
		})
	}
}

// Spans returns a copy of the finished spans.
func (t *SimpleTracer) Spans() []RecordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RecordedSpan(nil), t.spans...)
}

// Find returns the finished spans called name.
func (t *SimpleTracer) Find(name string) []RecordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []RecordedSpan
	for _, s := range t.spans {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops all finished spans.
func (t *SimpleTracer) Reset() {
	t.mu.Lock()
	t.spans = nil
	t.mu.Unlock()
}
