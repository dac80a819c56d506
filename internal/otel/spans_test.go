package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordingTracer(t *testing.T) (trace.Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer(TracerName), exp
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (string, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestSpanBuilders(t *testing.T) {
	tracer, exp := recordingTracer(t)
	ctx := context.Background()

	_, span := StartAPISpan(ctx, tracer, "rtcs.signal", "web.alice", AttrRtcID.String("rtc-1"))
	span.End()
	_, span = StartEnvelopeSpan(ctx, tracer, "janus-1", "event", "event")
	span.End()
	_, span = StartRequestSpan(ctx, tracer, "janus-1", "stream.upload", "upload_stream")
	span.End()
	_, span = StartBackendSpan(ctx, tracer, "status", "janus-1")
	span.End()
	_, span = StartBackendSpan(ctx, tracer, "signal", "")
	span.End()

	cases := []struct {
		name  string
		kind  trace.SpanKind
		attrs map[attribute.Key]string
	}{
		{"api.rtcs.signal", trace.SpanKindServer, map[attribute.Key]string{AttrAgentID: "web.alice", AttrRtcID: "rtc-1"}},
		{"janus.event", trace.SpanKindServer, map[attribute.Key]string{AttrBackendID: "janus-1", AttrEnvelope: "event"}},
		{"janus.send stream.upload", trace.SpanKindClient, map[attribute.Key]string{
			AttrBackendID: "janus-1", AttrMethod: "stream.upload", AttrTransactionKind: "upload_stream",
		}},
		{"janus.status", trace.SpanKindInternal, map[attribute.Key]string{AttrBackendID: "janus-1"}},
		{"janus.signal", trace.SpanKindInternal, nil},
	}
	spans := exp.GetSpans()
	if len(spans) != len(cases) {
		t.Fatalf("spans = %d, want %d", len(spans), len(cases))
	}
	for i, tc := range cases {
		got := spans[i]
		if got.Name != tc.name || got.SpanKind != tc.kind {
			t.Fatalf("span %d = %q (%s), want %q (%s)", i, got.Name, got.SpanKind, tc.name, tc.kind)
		}
		for key, want := range tc.attrs {
			if v, ok := attrValue(got.Attributes, key); !ok || v != want {
				t.Fatalf("%s: %s = %q, want %q", tc.name, key, v, want)
			}
		}
	}
	if _, ok := attrValue(spans[4].Attributes, AttrBackendID); ok {
		t.Fatalf("empty backend id was recorded")
	}
}

func TestRecordFailure(t *testing.T) {
	tracer, exp := recordingTracer(t)

	_, span := StartBackendSpan(context.Background(), tracer, "signal", "janus-1")
	RecordFailure(span, nil, "ignored")
	RecordFailure(span, errors.New("no free handle"), "backend_request_failed")
	span.End()

	got := exp.GetSpans()[0]
	if got.Status.Code != codes.Error || got.Status.Description != "no free handle" {
		t.Fatalf("status = %+v", got.Status)
	}
	if v, _ := attrValue(got.Attributes, AttrErrorKind); v != "backend_request_failed" {
		t.Fatalf("error kind = %q", v)
	}
	if len(got.Events) != 1 {
		t.Fatalf("events = %d, want one recorded error", len(got.Events))
	}
}
