package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lostlove-net/llp/pkg/version"
)

// instrumentationScope is the tracer name used when the caller gives none.
const instrumentationScope = "github.com/lostlove-net/llp"

// OTelTracer forwards spans to an OpenTelemetry TracerProvider.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer traces through the globally registered provider, which is a
// no-op until the process installs one with otel.SetTracerProvider.
func NewOTelTracer(scope string) *OTelTracer {
	return NewOTelTracerFromProvider(otel.GetTracerProvider(), scope)
}

func NewOTelTracerFromProvider(tp trace.TracerProvider, scope string) *OTelTracer {
	if scope == "" {
		scope = instrumentationScope
	}
	return &OTelTracer{
		tracer: tp.Tracer(scope, trace.WithInstrumentationVersion(version.String())),
	}
}

// StartSpan opens a span. A nil error at end leaves the status unset; any
// other error is recorded on the span and marks it failed.
func (t *OTelTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	cfg := buildSpanConfig(opts)
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithSpanKind(otelSpanKind(cfg.kind)),
		trace.WithAttributes(otelAttributes(cfg.attributes)...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func otelSpanKind(kind SpanKind) trace.SpanKind {
	switch kind {
	case SpanKindServer:
		return trace.SpanKindServer
	case SpanKindClient:
		return trace.SpanKindClient
	}
	return trace.SpanKindInternal
}

// otelAttributes converts span attributes in key order. Values without an
// OpenTelemetry type are rendered with %v; unsigned values past MaxInt64
// are rendered in decimal.
func otelAttributes(attrs map[string]interface{}) []attribute.KeyValue {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, otelAttribute(attribute.Key(k), attrs[k]))
	}
	return out
}

func otelAttribute(key attribute.Key, v interface{}) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return key.String(val)
	case bool:
		return key.Bool(val)
	case int:
		return key.Int(val)
	case int64:
		return key.Int64(val)
	case uint32:
		return key.Int64(int64(val))
	case uint64:
		if val > math.MaxInt64 {
			return key.String(fmt.Sprint(val))
		}
		return key.Int64(int64(val))
	case float64:
		return key.Float64(val)
	case []string:
		return key.StringSlice(val)
	case time.Duration:
		return key.String(val.String())
	case error:
		return key.String(val.Error())
	}
	return key.String(fmt.Sprintf("%v", v))
}
