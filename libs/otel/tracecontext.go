package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContext is the W3C trace context in the form it is persisted next to
// deferred work, such as an outbox row.
type TraceContext struct {
	Parent string
	State  string
}

// CaptureTraceContext returns the trace context active on ctx. Both fields are
// empty when ctx carries no span.
func CaptureTraceContext(ctx context.Context) TraceContext {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceContext{Parent: carrier.Get("traceparent"), State: carrier.Get("tracestate")}
}

func (tc TraceContext) Empty() bool {
	return tc.Parent == "" && tc.State == ""
}

// Into returns ctx continuing the stored trace. An empty TraceContext returns
// ctx unchanged.
func (tc TraceContext) Into(ctx context.Context) context.Context {
	if tc.Empty() {
		return ctx
	}
	carrier := propagation.MapCarrier{
		"traceparent": tc.Parent,
		"tracestate":  tc.State,
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
