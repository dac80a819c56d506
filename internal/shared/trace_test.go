package shared

import (
	"context"
	"testing"
	"time"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestBackendID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := BackendID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithBackendID(ctx, "janus-1.svc.example.org")
	if got := BackendID(ctx); got != "janus-1.svc.example.org" {
		t.Fatalf("unexpected backend id %q", got)
	}
}

func TestStartTimestamp_FallsBackToNow(t *testing.T) {
	before := time.Now()
	got := StartTimestamp(context.Background())
	if got.Before(before) {
		t.Fatalf("fallback timestamp %v is before %v", got, before)
	}

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := WithStartTimestamp(context.Background(), fixed)
	if got := StartTimestamp(ctx); !got.Equal(fixed) {
		t.Fatalf("expected %v, got %v", fixed, got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == b {
		t.Fatalf("expected distinct trace ids, got %q twice", a)
	}
}
