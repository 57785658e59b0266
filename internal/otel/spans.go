package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for scheduler spans.
var (
	AttrHostID   = attribute.Key("labsched.host.id")
	AttrHostname = attribute.Key("labsched.host.name")
	AttrJobID    = attribute.Key("labsched.job.id")
	AttrEntryID  = attribute.Key("labsched.entry.id")
	AttrTaskID   = attribute.Key("labsched.task.id")
	AttrTaskKind = attribute.Key("labsched.task.kind")
	AttrPidfile  = attribute.Key("labsched.pidfile.path")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
