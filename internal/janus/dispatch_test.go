package janus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/persistence"
)

func TestDispatch_SessionCreatedBootstrapsBackend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.d.HandleStatus(ctx, "janus-1", true); err != nil {
		t.Fatalf("online: %v", err)
	}
	sessions := h.sender.byKind(t, KindCreateSession)
	if len(sessions) != 1 {
		t.Fatalf("create session requests = %d, want 1", len(sessions))
	}
	cs := sessions[0].Data.(CreateSession)
	if cs.Group != "eu" || cs.JanusURL != "ws://janus-1:8188" || cs.Capacity == nil || *cs.Capacity != 100 {
		t.Fatalf("session data not taken from config: %+v", cs)
	}

	tok := h.sender.requests()[0].req.Transaction
	env := Envelope{Janus: EnvelopeSuccess, Transaction: tok, Data: &SuccessData{ID: 77}}
	if err := h.d.HandleEnvelope(ctx, "janus-1", env); err != nil {
		t.Fatalf("session success: %v", err)
	}
	h.pool.Wait()

	if n := len(h.sender.byKind(t, KindCreatePoolHandle)); n != 3 {
		t.Fatalf("pool handle requests = %d, want 3", n)
	}
	controls := h.sender.byKind(t, KindCreateControlHandle)
	if len(controls) != 1 || controls[0].Data.(CreateControlHandle).SessionID != 77 {
		t.Fatalf("expected one control handle request for session 77, got %+v", controls)
	}

	var controlTok string
	for _, r := range h.sender.requests() {
		if r.req.Janus == "attach" {
			if txn, _ := Resolve(r.req.Transaction); txn.Kind() == KindCreateControlHandle {
				controlTok = r.req.Transaction
			}
		}
	}
	env = Envelope{Janus: EnvelopeSuccess, Transaction: controlTok, Data: &SuccessData{ID: 88}}
	if err := h.d.HandleEnvelope(ctx, "janus-1", env); err != nil {
		t.Fatalf("control handle success: %v", err)
	}

	var b *persistence.Backend
	tx(t, h.store, func(ctx context.Context, q *persistence.Queries) error {
		var err error
		b, err = q.FindBackend(ctx, "janus-1")
		return err
	})
	if b == nil || b.SessionID != 77 || b.HandleID != 88 || b.Group != "eu" {
		t.Fatalf("backend not upserted: %+v", b)
	}
}

func TestDispatch_PoolHandleSuccessFillsPool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pool.CreateHandles(ctx, "janus-1", 5, 0)

	env := Envelope{Janus: EnvelopeSuccess, Transaction: token(t, CreatePoolHandle{SessionID: 5}), Data: &SuccessData{ID: 501}}
	if err := h.d.HandleEnvelope(ctx, "janus-1", env); err != nil {
		t.Fatalf("pool handle success: %v", err)
	}
	if h.pool.Size("janus-1") != 1 {
		t.Fatalf("pool size = %d, want 1", h.pool.Size("janus-1"))
	}

	// A handle for a backend that went away is dropped.
	if err := h.d.HandleEnvelope(ctx, "janus-9", env); err != nil {
		t.Fatalf("stray pool handle: %v", err)
	}
	if h.pool.Size("janus-9") != 0 {
		t.Fatalf("stray handle was pooled")
	}
}

func TestDispatch_SuccessWithoutDataFails(t *testing.T) {
	h := newHarness(t)
	env := Envelope{Janus: EnvelopeSuccess, Transaction: token(t, CreateSession{})}
	err := h.d.HandleEnvelope(context.Background(), "janus-1", env)
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrMessageParsing {
		t.Fatalf("expected parsing error, got %v", err)
	}
	if len(h.reporter.reported()) != 1 {
		t.Fatalf("error was not reported")
	}
}

func TestDispatch_StreamAnswerRelayed(t *testing.T) {
	h := newHarness(t)
	requester := bus.Requester{AgentID: "web.alice", CorrelationData: "c-1"}
	tok := token(t, CreateStream{Requester: requester, StreamID: "s-1", RtcID: "rtc-1", HandleID: 2})
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)

	env := pluginEvent(t, tok, map[string]any{"status": "200"}, answer)
	if err := h.d.HandleEnvelope(context.Background(), "janus-1", env); err != nil {
		t.Fatalf("stream event: %v", err)
	}

	replies := h.publisher.replies()
	if len(replies) != 1 {
		t.Fatalf("responses = %d, want 1", len(replies))
	}
	r := replies[0]
	if r.Status != 200 || r.Requester != requester || r.Error != nil {
		t.Fatalf("unexpected response: %+v", r)
	}
	payload := r.Payload.(map[string]any)
	if string(payload["jsep"].(json.RawMessage)) != string(answer) {
		t.Fatalf("jsep = %s", payload["jsep"])
	}
}

func TestDispatch_StreamFailuresAnswerRequester(t *testing.T) {
	cases := []struct {
		name string
		data any
		jsep json.RawMessage
		kind ErrorKind
	}{
		{"error status", map[string]any{"status": "404"}, json.RawMessage(`{}`), ErrBackendRequest},
		{"numeric error status", map[string]any{"status": 500}, json.RawMessage(`{}`), ErrBackendRequest},
		{"missing status", map[string]any{"foo": 1}, json.RawMessage(`{}`), ErrMessageParsing},
		{"missing jsep", map[string]any{"status": "200"}, nil, ErrMessageParsing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			requester := bus.Requester{AgentID: "web.bob"}
			tok := token(t, ReadStream{Requester: requester, RtcID: "rtc-1", HandleID: 3})
			if err := h.d.HandleEnvelope(context.Background(), "janus-1", pluginEvent(t, tok, tc.data, tc.jsep)); err != nil {
				t.Fatalf("relay failures must not fail dispatch: %v", err)
			}
			replies := h.publisher.replies()
			if len(replies) != 1 || replies[0].Error == nil {
				t.Fatalf("expected one error response, got %+v", replies)
			}
			if replies[0].Error.Kind != string(tc.kind) || replies[0].Status != tc.kind.Status() {
				t.Fatalf("error response = %+v, want kind %s", replies[0], tc.kind)
			}
		})
	}
}

func TestDispatch_TrickleAckAnswersRequester(t *testing.T) {
	h := newHarness(t)
	requester := bus.Requester{AgentID: "web.alice", CorrelationData: "c-7"}
	env := Envelope{Janus: EnvelopeAck, Transaction: token(t, Trickle{Requester: requester})}
	if err := h.d.HandleEnvelope(context.Background(), "janus-1", env); err != nil {
		t.Fatalf("ack: %v", err)
	}
	replies := h.publisher.replies()
	if len(replies) != 1 || replies[0].Status != 200 || replies[0].Requester != requester {
		t.Fatalf("unexpected responses: %+v", replies)
	}

	// Acks of stream requests answer nothing.
	env = Envelope{Janus: EnvelopeAck, Transaction: token(t, CreateStream{Requester: requester})}
	if err := h.d.HandleEnvelope(context.Background(), "janus-1", env); err != nil {
		t.Fatalf("stream ack: %v", err)
	}
	if len(h.publisher.replies()) != 1 {
		t.Fatalf("stream ack produced a response")
	}
}

func TestDispatch_ErrorEnvelopes(t *testing.T) {
	h := newHarness(t)
	requester := bus.Requester{AgentID: "web.alice"}

	env := Envelope{
		Janus:       EnvelopeError,
		Transaction: token(t, CreateStream{Requester: requester}),
		Sender:      2,
		Error:       &EnvelopeErr{Code: 458, Reason: "no such handle"},
	}
	if got := env.Classify(); got != ClassHandleError {
		t.Fatalf("class = %v, want handle error", got)
	}
	err := h.d.HandleEnvelope(context.Background(), "janus-1", env)
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrMessageParsing || !e.Kind.Permanent() {
		t.Fatalf("expected permanent parsing error, got %v", err)
	}
	replies := h.publisher.replies()
	if len(replies) != 1 || replies[0].Error == nil {
		t.Fatalf("requester was not told about the failure: %+v", replies)
	}

	env = Envelope{Janus: EnvelopeError, Error: &EnvelopeErr{Code: 403, Reason: "unauthorized"}}
	if got := env.Classify(); got != ClassSessionError {
		t.Fatalf("class = %v, want session error", got)
	}
	if err := h.d.HandleEnvelope(context.Background(), "janus-1", env); err == nil {
		t.Fatalf("session error must fail")
	}
}

func TestDispatch_UnresolvableTokenIsParsingError(t *testing.T) {
	h := newHarness(t)
	err := h.d.HandleMessage(context.Background(), "janus-1", []byte(`{"janus":"success","transaction":"garbage","data":{"id":1}}`))
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrMessageParsing {
		t.Fatalf("expected parsing error, got %v", err)
	}
	if err := h.d.HandleMessage(context.Background(), "janus-1", []byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed message")
	}
}

func TestDispatch_LateResponseStillProcessed(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.tracker.now = func() time.Time { return now }

	requester := bus.Requester{AgentID: "web.alice"}
	tok := token(t, Trickle{Requester: requester})
	h.tracker.Track(tok, "janus-1", MethodTrickle, time.Second)
	now = now.Add(time.Minute)
	if n := h.tracker.Sweep(); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	if err := h.d.HandleEnvelope(context.Background(), "janus-1", Envelope{Janus: EnvelopeAck, Transaction: tok}); err != nil {
		t.Fatalf("late ack: %v", err)
	}
	if len(h.publisher.replies()) != 1 {
		t.Fatalf("late response was dropped")
	}
}

func TestDispatch_UnknownEnvelopeIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.d.HandleMessage(context.Background(), "janus-1", []byte(`{"janus":"keepalive"}`)); err != nil {
		t.Fatalf("unknown envelope: %v", err)
	}
	if len(h.publisher.notified())+len(h.publisher.replies()) != 0 {
		t.Fatalf("unknown envelope produced output")
	}
}

func TestDispatch_AgentSpeaking(t *testing.T) {
	h := newHarness(t)
	s := h.seedRoom(t, persistence.Room{SharingPolicy: persistence.SharingShared}, 1)
	rtcID := s.rtcs[0].ID

	tok := token(t, AgentSpeaking{RtcID: rtcID, AgentID: "web.alice"})
	env := pluginEvent(t, tok, map[string]any{"speaking": true}, nil)
	if err := h.d.HandleEnvelope(context.Background(), "janus-1", env); err != nil {
		t.Fatalf("speaking event: %v", err)
	}
	notes := h.publisher.notified()
	if len(notes) != 1 || notes[0].label != bus.LabelAgentSpeaking || notes[0].topic != bus.RoomEventsTopic(s.room.ID) {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
	ev := notes[0].payload.(AgentSpeakingEvent)
	if !ev.Speaking || ev.RtcID != rtcID || ev.AgentID != "web.alice" {
		t.Fatalf("unexpected payload: %+v", ev)
	}

	tok = token(t, AgentSpeaking{RtcID: "missing", AgentID: "web.alice"})
	err := h.d.HandleEnvelope(context.Background(), "janus-1", pluginEvent(t, tok, map[string]any{"speaking": false}, nil))
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrRtcNotFound {
		t.Fatalf("expected rtc not found, got %v", err)
	}
}
