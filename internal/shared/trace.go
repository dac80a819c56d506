package shared

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type traceKey struct{}
type backendIDKey struct{}
type subjectKey struct{}
type startTimestampKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithBackendID attaches the address of the media backend a message came from.
func WithBackendID(ctx context.Context, backendID string) context.Context {
	return context.WithValue(ctx, backendIDKey{}, backendID)
}

// BackendID extracts backend_id from context. Returns "" if absent.
func BackendID(ctx context.Context) string {
	if v, ok := ctx.Value(backendIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSubject attaches the authenticated caller of an entry point.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// Subject extracts the authenticated caller. Returns "" if absent.
func Subject(ctx context.Context) string {
	if v, ok := ctx.Value(subjectKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStartTimestamp records when handling of the current message began.
func WithStartTimestamp(ctx context.Context, ts time.Time) context.Context {
	return context.WithValue(ctx, startTimestampKey{}, ts)
}

// StartTimestamp returns the handling start time, or now if none was recorded.
func StartTimestamp(ctx context.Context) time.Time {
	if v, ok := ctx.Value(startTimestampKey{}).(time.Time); ok && !v.IsZero() {
		return v
	}
	return time.Now()
}
