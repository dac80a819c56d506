package janus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/persistence"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func tx(t *testing.T, store *persistence.Store, fn func(ctx context.Context, q *persistence.Queries) error) {
	t.Helper()
	ctx := context.Background()
	if err := store.WithTx(ctx, func(q *persistence.Queries) error { return fn(ctx, q) }); err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func ptr[T any](v T) *T { return &v }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type sentRequest struct {
	backendID string
	req       Request
}

// fakeSender records outbound requests instead of delivering them.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentRequest
	err  error
}

func (s *fakeSender) Send(_ context.Context, backendID string, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentRequest{backendID: backendID, req: req})
	return nil
}

func (s *fakeSender) requests() []sentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentRequest(nil), s.sent...)
}

// byKind returns the sent requests whose token resolves to kind.
func (s *fakeSender) byKind(t *testing.T, kind TxKind) []Transaction {
	t.Helper()
	var out []Transaction
	for _, r := range s.requests() {
		txn, err := Resolve(r.req.Transaction)
		if err != nil {
			t.Fatalf("resolve sent token: %v", err)
		}
		if txn.Kind() == kind {
			out = append(out, txn)
		}
	}
	return out
}

type notification struct {
	topic   string
	label   string
	payload any
}

// fakePublisher records what the dispatcher publishes.
type fakePublisher struct {
	mu            sync.Mutex
	notifications []notification
	responses     []bus.Response
}

func (p *fakePublisher) PublishNotification(topic, label string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, notification{topic: topic, label: label, payload: payload})
}

func (p *fakePublisher) PublishResponse(resp bus.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
}

func (p *fakePublisher) notified() []notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notification(nil), p.notifications...)
}

func (p *fakePublisher) replies() []bus.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Response(nil), p.responses...)
}

// fakeReporter collects reported errors.
type fakeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *fakeReporter) Report(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *fakeReporter) reported() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type fakeSettings struct {
	backends map[string]config.BackendConfig
	upload   config.UploadConfig
}

func (s fakeSettings) Backend(id string) (config.BackendConfig, bool) {
	b, ok := s.backends[id]
	return b, ok
}

func (s fakeSettings) UploadTarget(policy, audience string) (config.UploadTarget, bool) {
	return config.Config{Upload: s.upload}.UploadTarget(policy, audience)
}

// fakeTransport is an in-memory backend connection.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []Request
	done   chan struct{}
	once   sync.Once
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (f *fakeTransport) Send(_ context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer hands out fake transports and counts dials.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	err        error
	transports map[string]*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, backendID, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if d.transports == nil {
		d.transports = make(map[string]*fakeTransport)
	}
	t := newFakeTransport()
	d.transports[backendID] = t
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type harness struct {
	store     *persistence.Store
	sender    *fakeSender
	publisher *fakePublisher
	reporter  *fakeReporter
	pool      *HandlePool
	clients   *Clients
	tracker   *Tracker
	client    *Client
	d         *Dispatcher
	settings  fakeSettings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     openStore(t),
		sender:    &fakeSender{},
		publisher: &fakePublisher{},
		reporter:  &fakeReporter{},
		settings: fakeSettings{
			backends: map[string]config.BackendConfig{
				"janus-1": {ID: "janus-1", URL: "ws://janus-1:8188", Capacity: ptr(int64(100)), Group: "eu"},
			},
			upload: config.UploadConfig{
				Shared: map[string]config.UploadTarget{"example.org": {Backend: "yandex", Bucket: "origin.webinar.example.org"}},
				Owned:  map[string]config.UploadTarget{"example.org": {Backend: "yandex", Bucket: "origin.minigroup.example.org"}},
			},
		},
	}
	logger := discardLogger()
	h.tracker = NewTracker(nil, logger)
	h.client = NewClient(h.sender, h.tracker, func(string) time.Duration { return time.Minute }, nil, logger)
	h.pool = NewHandlePool(h.client, h.reporter, nil, logger)
	h.clients = NewClients(&fakeDialer{}, logger)
	d, err := NewDispatcher(DispatcherConfig{
		Store:     h.store,
		Client:    h.client,
		Pool:      h.pool,
		Clients:   h.clients,
		Tracker:   h.tracker,
		Publisher: h.publisher,
		Settings:  h.settings,
		Reporter:  h.reporter,
		Logger:    logger,
		PoolSize:  3,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h.d = d
	return h
}

type seeded struct {
	room   *persistence.Room
	rtcs   []*persistence.Rtc
	stream *persistence.Stream
}

// seedRoom creates a backend, an open room bound to it and n rtcs.
func (h *harness) seedRoom(t *testing.T, room persistence.Room, n int) seeded {
	t.Helper()
	var s seeded
	tx(t, h.store, func(ctx context.Context, q *persistence.Queries) error {
		if _, err := q.UpsertBackend(ctx, persistence.Backend{ID: "janus-1", SessionID: 1, HandleID: 2, Group: "eu"}); err != nil {
			return err
		}
		if room.Audience == "" {
			room.Audience = "example.org"
		}
		if room.OpenedAt == nil {
			room.OpenedAt = ptr(time.Now().Add(-time.Hour))
		}
		room.BackendID = "janus-1"
		var err error
		if s.room, err = q.InsertRoom(ctx, room); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			rtc, err := q.InsertRtc(ctx, persistence.Rtc{
				RoomID:    s.room.ID,
				CreatedBy: "web.agent" + string(rune('a'+i)),
				CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
			})
			if err != nil {
				return err
			}
			s.rtcs = append(s.rtcs, rtc)
		}
		return nil
	})
	return s
}

func (h *harness) insertStream(t *testing.T, rtcID string, handleID int64) *persistence.Stream {
	t.Helper()
	var s *persistence.Stream
	tx(t, h.store, func(ctx context.Context, q *persistence.Queries) error {
		var err error
		s, err = q.InsertStream(ctx, persistence.Stream{HandleID: handleID, RtcID: rtcID, BackendID: "janus-1", Label: "cam", SentBy: "web.alice"})
		return err
	})
	return s
}

func (h *harness) findStream(t *testing.T, id string) *persistence.Stream {
	t.Helper()
	var s *persistence.Stream
	tx(t, h.store, func(ctx context.Context, q *persistence.Queries) error {
		var err error
		s, err = q.FindStream(ctx, id)
		return err
	})
	return s
}

func token(t *testing.T, data Payload) string {
	t.Helper()
	tok, err := Register(NewTransaction("trace-1", data))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return tok
}

func pluginEvent(t *testing.T, tok string, data any, jsep json.RawMessage) Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal plugin data: %v", err)
	}
	return Envelope{
		Janus:       EnvelopeEvent,
		Transaction: tok,
		SessionID:   1,
		Sender:      2,
		PluginData:  &PluginData{Plugin: Plugin, Data: raw},
		Jsep:        jsep,
	}
}
