package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for control-plane spans.
var (
	AttrTaskID      = attribute.Key("agentplane.task.id")
	AttrSessionID   = attribute.Key("agentplane.session.id")
	AttrChannelType = attribute.Key("agentplane.channel.type")
	AttrTaskStatus  = attribute.Key("agentplane.task.status")
	AttrWorkerID    = attribute.Key("agentplane.worker.id")
	AttrDriverKind  = attribute.Key("agentplane.driver.kind")
	AttrScheduleID  = attribute.Key("agentplane.schedule.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound ingress request (duplex or webhook).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (worker HTTP/SSE, push notification).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
