package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agentcache/agentcache"

// StartSpan starts a span using the globally registered tracer provider.
// When no provider is configured this resolves to the otel no-op tracer,
// so callers never need to guard span creation.
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	tracer := otel.GetTracerProvider().Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// otelSpan wraps an OpenTelemetry span to implement the Span interface
type otelSpan struct {
	span trace.Span
}

func (o *otelSpan) End() {
	o.span.End()
}

func (o *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		o.span.SetAttributes(attribute.String(key, v))
	case int:
		o.span.SetAttributes(attribute.Int(key, v))
	case int64:
		o.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		o.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		o.span.SetAttributes(attribute.Bool(key, v))
	default:
		o.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (o *otelSpan) RecordError(err error) {
	o.span.RecordError(err)
}

func (o *otelSpan) SpanContext() trace.SpanContext {
	return o.span.SpanContext()
}
