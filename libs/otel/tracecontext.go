package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContext is the W3C trace context in string form, stored next to rows
// that outlive the request that wrote them.
type TraceContext struct {
	Traceparent string
	Tracestate  string
}

// CaptureTraceContext serializes the active span of ctx through the global
// propagator.
func CaptureTraceContext(ctx context.Context) TraceContext {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceContext{Traceparent: carrier["traceparent"], Tracestate: carrier["tracestate"]}
}

// Attach makes the stored span the remote parent of work started from ctx.
func (tc TraceContext) Attach(ctx context.Context) context.Context {
	if tc.Traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": tc.Traceparent}
	if tc.Tracestate != "" {
		carrier["tracestate"] = tc.Tracestate
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
