package janus

import (
	"sync"
	"testing"
	"time"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordTimeout(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[backendID]++
}

func TestTracker_OnTimeResponse(t *testing.T) {
	tr := NewTracker(nil, discardLogger())
	tr.Track("tok", "janus-1", MethodCreateStream, time.Minute)
	if tr.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", tr.Pending())
	}
	if got := tr.Finish("tok"); got != TrackOnTime {
		t.Fatalf("finish = %v, want on time", got)
	}
	if got := tr.Finish("tok"); got != TrackUnknown {
		t.Fatalf("second finish = %v, want unknown", got)
	}
}

func TestTracker_SweepCountsTimeoutsAndMarksLate(t *testing.T) {
	rec := &countingRecorder{}
	tr := NewTracker(rec, discardLogger())
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.Track("old-1", "janus-1", MethodUploadStream, time.Second)
	tr.Track("old-2", "janus-1", MethodUploadStream, time.Second)
	tr.Track("fresh", "janus-2", MethodTrickle, time.Hour)

	now = now.Add(2 * time.Second)
	if n := tr.Sweep(); n != 2 {
		t.Fatalf("expired = %d, want 2", n)
	}
	if rec.counts["janus-1"] != 2 || rec.counts["janus-2"] != 0 {
		t.Fatalf("unexpected counts: %v", rec.counts)
	}
	if got := tr.Finish("old-1"); got != TrackLate {
		t.Fatalf("finish expired = %v, want late", got)
	}
	if got := tr.Finish("fresh"); got != TrackOnTime {
		t.Fatalf("finish fresh = %v, want on time", got)
	}

	// Tombstones do not live forever.
	now = now.Add(tombstoneTTL + time.Second)
	tr.Sweep()
	if got := tr.Finish("old-2"); got != TrackUnknown {
		t.Fatalf("finish after tombstone ttl = %v, want unknown", got)
	}
}

func TestTracker_IgnoresNonPositiveTimeout(t *testing.T) {
	tr := NewTracker(nil, discardLogger())
	tr.Track("tok", "janus-1", MethodServicePing, 0)
	if tr.Pending() != 0 {
		t.Fatalf("expected nothing tracked")
	}
}
