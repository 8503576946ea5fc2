// Package tracing carries W3C trace context across the broker and into
// callbacks. Spans are created on the globally registered tracer provider,
// which is a no-op unless the process installs an SDK.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/example/switch-adapter"

// HeaderTraceParent is the W3C trace-context header.
const HeaderTraceParent = "traceparent"

// Tracer starts spans and moves span context in and out of string carriers.
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New builds a Tracer. Nil arguments select the global provider and the
// TraceContext + Baggage propagator.
func New(tp trace.TracerProvider, p propagation.TextMapPropagator) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if p == nil {
		p = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}
	return &Tracer{tracer: tp.Tracer(instrumentationName), propagator: p}
}

// OrDefault returns t, or a Tracer on the global provider when t is nil.
func OrDefault(t *Tracer) *Tracer {
	if t == nil {
		return New(nil, nil)
	}
	return t
}

// Start opens a span of the given kind.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind))
}

// Inject returns a carrier holding the span context of ctx. The result is nil
// when ctx carries nothing to propagate.
func (t *Tracer) Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	t.propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract returns ctx enriched with the span context found in carrier.
func (t *Tracer) Extract(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return t.propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
