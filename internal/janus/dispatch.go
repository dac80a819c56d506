package janus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/config"
	cotel "github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/shared"
)

// Publisher delivers notifications and responses to agents.
type Publisher interface {
	PublishNotification(topic, label string, payload any)
	PublishResponse(resp bus.Response)
}

// Settings is the configuration the dispatcher consults.
type Settings interface {
	Backend(id string) (config.BackendConfig, bool)
	UploadTarget(policy, audience string) (config.UploadTarget, bool)
}

type DispatcherConfig struct {
	Store     *persistence.Store
	Client    *Client
	Pool      *HandlePool
	Clients   *Clients
	Tracker   *Tracker
	Publisher Publisher
	Settings  Settings
	Reporter  ErrorReporter
	Metrics   *cotel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
	PoolSize  int
}

// Dispatcher routes inbound backend messages. Every inbound message is
// handled independently; ordering per (backend, handle) comes from the
// store transactions wrapping each transition.
type Dispatcher struct {
	store     *persistence.Store
	client    *Client
	pool      *HandlePool
	clients   *Clients
	tracker   *Tracker
	publisher Publisher
	settings  Settings
	reporter  ErrorReporter
	metrics   *cotel.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	poolSize  int
	upload    *jsonschema.Schema
	now       func() time.Time
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Client == nil || cfg.Publisher == nil {
		return nil, fmt.Errorf("dispatcher needs a store, a client and a publisher")
	}
	schema, err := compileUploadSchema()
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		store:     cfg.Store,
		client:    cfg.Client,
		pool:      cfg.Pool,
		clients:   cfg.Clients,
		tracker:   cfg.Tracker,
		publisher: cfg.Publisher,
		settings:  cfg.Settings,
		reporter:  cfg.Reporter,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		poolSize:  cfg.PoolSize,
		upload:    schema,
		now:       time.Now,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tracer == nil {
		d.tracer = otelapi.Tracer(cotel.TracerName)
	}
	if d.reporter == nil {
		d.reporter = NewLogReporter(d.logger, d.metrics)
	}
	return d, nil
}

// OnMessage adapts HandleMessage to a transport callback.
func (d *Dispatcher) OnMessage(backendID string, data []byte) {
	_ = d.HandleMessage(context.Background(), backendID, data)
}

// HandleMessage decodes and dispatches one raw backend message. Failures are
// reported to the error sink and returned.
func (d *Dispatcher) HandleMessage(ctx context.Context, backendID string, raw []byte) error {
	ctx = shared.WithBackendID(ctx, backendID)
	ctx = shared.WithStartTimestamp(ctx, d.now())
	env, err := ParseEnvelope(raw)
	if err != nil {
		d.reporter.Report(ctx, err)
		return err
	}
	return d.HandleEnvelope(ctx, backendID, env)
}

func (d *Dispatcher) HandleEnvelope(ctx context.Context, backendID string, env Envelope) error {
	start := time.Now()
	class := env.Classify()
	ctx, span := cotel.StartEnvelopeSpan(ctx, d.tracer, backendID, class.String(), env.Janus)
	defer span.End()

	var err error
	switch class {
	case ClassAck, ClassSuccess, ClassEvent:
		err = d.handleResponse(ctx, backendID, class, env)
	case ClassSessionError, ClassHandleError:
		err = d.handleErrorEnvelope(ctx, backendID, class, env)
	case ClassHandleEvent:
		err = d.handleHandleEvent(ctx, backendID, env)
	default:
		d.logger.Debug("unsupported envelope ignored", "backend_id", backendID, "envelope", env.Janus)
	}

	if d.metrics != nil {
		attrs := metric.WithAttributes(cotel.AttrBackendID.String(backendID), cotel.AttrEnvelope.String(env.Janus))
		d.metrics.InboundMessages.Add(ctx, 1, attrs)
		d.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		cotel.RecordFailure(span, err, string(Classify(err).Kind))
		d.reporter.Report(ctx, err)
	}
	return err
}

func (d *Dispatcher) handleResponse(ctx context.Context, backendID string, class Class, env Envelope) error {
	if env.Transaction == "" {
		return Errorf(ErrMessageParsing, "%s envelope has no transaction", env.Janus)
	}
	txn, err := Resolve(env.Transaction)
	if err != nil {
		return err
	}
	ctx = shared.WithTraceID(ctx, txn.TraceID)
	logger := d.logger.With("backend_id", backendID, "trace_id", txn.TraceID, "transaction", string(txn.Kind()))
	if d.tracker != nil && d.tracker.Finish(env.Transaction) == TrackLate {
		logger.Warn("late response", "envelope", env.Janus)
	}
	trace.SpanFromContext(ctx).SetAttributes(cotel.AttrTransactionKind.String(string(txn.Kind())))

	switch class {
	case ClassSuccess:
		return d.handleSuccess(ctx, logger, backendID, env, txn)
	case ClassAck:
		return d.handleAck(ctx, txn)
	default:
		return d.handleEvent(ctx, logger, backendID, env, txn)
	}
}

func (d *Dispatcher) handleSuccess(ctx context.Context, logger *slog.Logger, backendID string, env Envelope, txn Transaction) error {
	switch t := txn.Data.(type) {
	case CreateSession:
		if env.Data == nil {
			return Errorf(ErrMessageParsing, "missing 'data' in session create response")
		}
		sessionID := env.Data.ID
		if d.pool != nil {
			d.pool.CreateHandles(ctx, backendID, sessionID, d.poolSize)
		}
		_, err := d.client.CreateControlHandle(ctx, backendID, CreateControlHandle{
			SessionID:        sessionID,
			Capacity:         t.Capacity,
			BalancerCapacity: t.BalancerCapacity,
			Group:            t.Group,
			JanusURL:         t.JanusURL,
		})
		return err

	case CreateControlHandle:
		if env.Data == nil {
			return Errorf(ErrMessageParsing, "missing 'data' in handle create response")
		}
		var backend *persistence.Backend
		err := d.store.WithTx(ctx, func(q *persistence.Queries) error {
			var err error
			backend, err = q.UpsertBackend(ctx, persistence.Backend{
				ID:               backendID,
				SessionID:        t.SessionID,
				HandleID:         env.Data.ID,
				Capacity:         t.Capacity,
				BalancerCapacity: t.BalancerCapacity,
				Group:            t.Group,
				JanusURL:         t.JanusURL,
			})
			return err
		})
		if err != nil {
			return Classify(err)
		}
		logger.Info("backend ready", "session_id", backend.SessionID, "handle_id", backend.HandleID)
		return nil

	case CreatePoolHandle:
		if env.Data == nil {
			return Errorf(ErrMessageParsing, "missing 'data' in handle create response")
		}
		if d.pool != nil {
			d.pool.HandleCreated(ctx, backendID, env.Data.ID)
		}
		return nil

	default:
		return nil
	}
}

func (d *Dispatcher) handleAck(ctx context.Context, txn Transaction) error {
	switch t := txn.Data.(type) {
	case Trickle:
		d.respond(ctx, t.Requester, map[string]any{})
	}
	return nil
}

func (d *Dispatcher) handleEvent(ctx context.Context, logger *slog.Logger, backendID string, env Envelope, txn Transaction) error {
	switch t := txn.Data.(type) {
	case CreateStream:
		d.relayAnswer(ctx, logger, t.Requester, env)
		return nil
	case ReadStream:
		d.relayAnswer(ctx, logger, t.Requester, env)
		return nil
	case UploadStream:
		return d.handleUploadResponse(ctx, logger.With("rtc_id", t.RtcID), backendID, t, env)
	case AgentSpeaking:
		return d.handleAgentSpeaking(ctx, t, env)
	default:
		return nil
	}
}

// relayAnswer forwards the backend's SDP answer, or the failure, to requester.
func (d *Dispatcher) relayAnswer(ctx context.Context, logger *slog.Logger, requester bus.Requester, env Envelope) {
	jsep, err := streamAnswer(env)
	if err != nil {
		logger.Warn("stream signaling failed", "error", err)
		d.respondError(ctx, requester, err)
		return
	}
	d.respond(ctx, requester, map[string]any{"jsep": jsep})
}

func streamAnswer(env Envelope) (json.RawMessage, error) {
	fields, err := env.pluginFields()
	if err != nil {
		return nil, err
	}
	status, err := pluginStatus(fields)
	if err != nil {
		return nil, err
	}
	if status != "200" {
		return nil, Errorf(ErrBackendRequest, "received error status %s", status)
	}
	if len(env.Jsep) == 0 {
		return nil, Errorf(ErrMessageParsing, "missing 'jsep' in the response")
	}
	return env.Jsep, nil
}

func (d *Dispatcher) handleErrorEnvelope(ctx context.Context, backendID string, class Class, env Envelope) error {
	scope := "session"
	if class == ClassHandleError {
		scope = "handle"
	}
	code, reason := 0, env.Reason
	if env.Error != nil {
		code, reason = env.Error.Code, env.Error.Reason
	}
	err := Errorf(ErrMessageParsing, "received an unexpected error message (%s): %d %s", scope, code, reason)

	if env.Transaction == "" {
		return err
	}
	if d.tracker != nil {
		d.tracker.Finish(env.Transaction)
	}
	if txn, rerr := Resolve(env.Transaction); rerr == nil {
		if requester, ok := requesterOf(txn.Data); ok {
			d.respondError(shared.WithTraceID(ctx, txn.TraceID), requester, err)
		}
	}
	return err
}

func requesterOf(p Payload) (bus.Requester, bool) {
	switch t := p.(type) {
	case CreateStream:
		return t.Requester, true
	case ReadStream:
		return t.Requester, true
	case Trickle:
		return t.Requester, true
	default:
		return bus.Requester{}, false
	}
}

func (d *Dispatcher) respond(_ context.Context, requester bus.Requester, payload any) {
	d.publisher.PublishResponse(bus.Response{Requester: requester, Status: 200, Payload: payload})
}

// respondError relays err to requester.
func (d *Dispatcher) respondError(ctx context.Context, requester bus.Requester, err error) {
	e := Classify(err)
	d.publisher.PublishResponse(bus.Response{Requester: requester, Status: e.Kind.Status(), Error: e.Response()})
	d.reporter.Report(ctx, e)
}

func (d *Dispatcher) publishStreamUpdate(ctx context.Context, s persistence.Stream, transition string) {
	d.publisher.PublishNotification(bus.RoomEventsTopic(s.RoomID), bus.LabelStreamUpdate, s)
	if d.metrics != nil {
		d.metrics.Add(ctx, d.metrics.StreamTransitions,
			cotel.AttrTransition.String(transition), cotel.AttrBackendID.String(s.BackendID))
	}
}
