package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for conductor spans and metrics.
var (
	AttrBackendID       = attribute.Key("conductor.backend.id")
	AttrSessionID       = attribute.Key("conductor.janus.session_id")
	AttrHandleID        = attribute.Key("conductor.janus.handle_id")
	AttrEnvelope        = attribute.Key("conductor.janus.envelope")
	AttrTransactionKind = attribute.Key("conductor.janus.transaction")
	AttrMethod          = attribute.Key("conductor.janus.method")
	AttrRoomID          = attribute.Key("conductor.room.id")
	AttrRtcID           = attribute.Key("conductor.rtc.id")
	AttrErrorKind       = attribute.Key("conductor.error.kind")
	AttrTransition      = attribute.Key("conductor.stream.transition")
	AttrOutcome         = attribute.Key("conductor.outcome")
	AttrReason          = attribute.Key("conductor.reason")
	AttrAgentID         = attribute.Key("conductor.agent.id")
)

// StartAPISpan starts the server span of an admin API call. The calling
// agent is recorded when known.
func StartAPISpan(ctx context.Context, tracer trace.Tracer, route, agentID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if agentID != "" {
		attrs = append(attrs, AttrAgentID.String(agentID))
	}
	return tracer.Start(ctx, "api."+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// StartEnvelopeSpan starts the server span of one message received from a
// backend. Spans are named after the message class.
func StartEnvelopeSpan(ctx context.Context, tracer trace.Tracer, backendID, class, envelope string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "janus."+class,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(AttrBackendID.String(backendID), AttrEnvelope.String(envelope)),
	)
}

// StartRequestSpan starts the client span of a request sent to a backend.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, backendID, method, txKind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "janus.send "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrBackendID.String(backendID),
			AttrMethod.String(method),
			AttrTransactionKind.String(txKind),
		),
	)
}

// StartBackendSpan starts an internal span for work on a backend that is not
// a single message, like a status change or stream signaling. backendID may
// be empty when it is only learned later; set it with AttrBackendID then.
func StartBackendSpan(ctx context.Context, tracer trace.Tracer, op, backendID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if backendID != "" {
		attrs = append(attrs, AttrBackendID.String(backendID))
	}
	return tracer.Start(ctx, "janus."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// RecordFailure marks span as failed with err and its error kind.
func RecordFailure(span trace.Span, err error, kind string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if kind != "" {
		span.SetAttributes(AttrErrorKind.String(kind))
	}
}
