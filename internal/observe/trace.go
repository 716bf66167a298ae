package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/agentsandbox"

// Span attribute keys for credential minting.
const (
	AttrAgentID = attribute.Key("sandbox.agent_id")
	AttrVoice   = attribute.Key("sandbox.voice")
	AttrModel   = attribute.Key("sandbox.model")
)

// Tracer returns the sandbox tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller ends it, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartMintSpan starts the client span around one upstream session mint.
// An empty agentID is left off.
func StartMintSpan(ctx context.Context, agentID, voice, model string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrVoice.String(voice), AttrModel.String(model)}
	if agentID != "" {
		attrs = append(attrs, AttrAgentID.String(agentID))
	}
	return StartSpan(ctx, "mint.upstream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default() carrying trace_id and span_id when ctx holds
// a recording span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
