package janus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimeoutRecorder counts transactions that outlived their deadline.
type TimeoutRecorder interface {
	RecordTimeout(backendID string)
}

// TrackState is what Finish knew about a token.
type TrackState int

const (
	TrackUnknown TrackState = iota
	TrackOnTime
	TrackLate
)

const tombstoneTTL = 10 * time.Minute

type pending struct {
	backendID string
	method    string
	deadline  time.Time
}

// Tracker keeps deadlines of outstanding requests. It never holds
// transaction contents and never cancels anything: an expired entry only
// bumps the backend's timeout counter.
type Tracker struct {
	mu       sync.Mutex
	pending  map[string]pending
	expired  map[string]time.Time
	recorder TimeoutRecorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewTracker(recorder TimeoutRecorder, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		pending:  make(map[string]pending),
		expired:  make(map[string]time.Time),
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Track starts the expiry window of token.
func (t *Tracker) Track(token, backendID, method string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[token] = pending{backendID: backendID, method: method, deadline: t.now().Add(timeout)}
}

// Finish stops tracking token and reports whether it came back in time.
func (t *Tracker) Finish(token string) TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[token]; ok {
		delete(t.pending, token)
		return TrackOnTime
	}
	if _, ok := t.expired[token]; ok {
		delete(t.expired, token)
		return TrackLate
	}
	return TrackUnknown
}

// Pending returns the number of tracked tokens.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Sweep expires every entry past its deadline and returns how many expired.
func (t *Tracker) Sweep() int {
	now := t.now()
	var timedOut []pending

	t.mu.Lock()
	for token, p := range t.pending {
		if now.After(p.deadline) {
			delete(t.pending, token)
			t.expired[token] = now
			timedOut = append(timedOut, p)
		}
	}
	for token, at := range t.expired {
		if now.Sub(at) > tombstoneTTL {
			delete(t.expired, token)
		}
	}
	t.mu.Unlock()

	for _, p := range timedOut {
		t.logger.Warn("transaction timed out", "backend_id", p.backendID, "method", p.method)
		if t.recorder != nil {
			t.recorder.RecordTimeout(p.backendID)
		}
	}
	return len(timedOut)
}

// Run sweeps on every interval tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
