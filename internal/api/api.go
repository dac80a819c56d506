// Package api exposes the conductor's HTTP surface: system sweeps, backend
// listing, stream signaling and a websocket relay of bus notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/conductor/internal/audit"
	"github.com/basket/conductor/internal/authz"
	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/janus"
	cotel "github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/shared"
	"github.com/basket/conductor/internal/stats"
	"github.com/basket/conductor/internal/system"
)

const (
	maxRequestBodySize = 1 << 20 // 1 MB
	defaultStreamLimit = 100
	maxStreamLimit     = 1000
)

// Signaler is the part of the dispatcher that takes client requests.
type Signaler interface {
	Signal(ctx context.Context, req janus.SignalRequest) (janus.SignalResult, error)
	Trickle(ctx context.Context, req janus.TrickleRequest) (string, error)
	UpdateConfigs(ctx context.Context, roomID string, readers []janus.ReaderConfig, writers []janus.WriterConfig) error
}

// StatsSource hands out the counters collected since the last flush.
type StatsSource interface {
	Flush(ctx context.Context) ([]stats.Counter, error)
}

type Deps struct {
	Store        *persistence.Store
	Bus          *bus.Bus
	Authz        authz.Authorizer
	Audit        *audit.Log
	Sweeper      system.Sweeper
	Signaler     Signaler
	Stats        StatsSource
	Audience     string
	AllowOrigins []string
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

// NewHandler builds the router. Everything below /api/v1 requires an agent
// identity.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = otelapi.Tracer(cotel.TracerName)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AgentAuth)
		r.Post("/system/vacuum", handleVacuum(deps))
		r.Post("/system/orphaned-rooms/close", handleCloseOrphans(deps))
		r.Get("/stats", handleFlushStats(deps))
		r.Get("/backends", handleListBackends(deps))
		r.Get("/rooms/{room_id}/streams", handleListStreams(deps))
		r.Post("/rooms/{room_id}/configs", handleUpdateConfigs(deps))
		r.Post("/rtcs/{rtc_id}/signal", handleSignal(deps))
		r.Post("/backends/{backend_id}/handles/{handle_id}/trickle", handleTrickle(deps))
		r.Get("/events", handleEvents(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleVacuum(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := cotel.StartAPISpan(r.Context(), deps.Tracer, "system.vacuum", shared.Subject(r.Context()))
		defer span.End()

		report, err := deps.Sweeper.Vacuum(ctx, shared.Subject(ctx))
		if err != nil && report.Uploads == 0 {
			writeError(w, err)
			return
		}
		if err != nil {
			deps.Logger.Warn("vacuum finished with failures", "failures", report.Failures, "error", err)
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleCloseOrphans(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := cotel.StartAPISpan(r.Context(), deps.Tracer, "system.orphaned_rooms.close", shared.Subject(r.Context()))
		defer span.End()

		report, err := deps.Sweeper.CloseOrphanedRooms(ctx, shared.Subject(ctx))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleFlushStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := authorize(ctx, deps, []string{"stats"}, "read"); err != nil {
			writeError(w, err)
			return
		}
		if deps.Stats == nil {
			writeJSON(w, http.StatusOK, []stats.Counter{})
			return
		}
		counters, err := deps.Stats.Flush(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		if counters == nil {
			counters = []stats.Counter{}
		}
		writeJSON(w, http.StatusOK, counters)
	}
}

func handleListBackends(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := authorize(ctx, deps, []string{"backends"}, "list"); err != nil {
			writeError(w, err)
			return
		}
		var backends []persistence.Backend
		if err := deps.Store.Read(ctx, func(q *persistence.Queries) error {
			var err error
			backends, err = q.ListBackends(ctx)
			return err
		}); err != nil {
			writeError(w, err)
			return
		}
		if backends == nil {
			backends = []persistence.Backend{}
		}
		writeJSON(w, http.StatusOK, backends)
	}
}

func handleListStreams(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		roomID := chi.URLParam(r, "room_id")
		if err := authorize(ctx, deps, []string{"rooms", roomID, "rtc_streams"}, "list"); err != nil {
			writeError(w, err)
			return
		}

		limit := defaultStreamLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", v)
				return
			}
			limit = min(n, maxStreamLimit)
		}
		filter := persistence.StreamFilter{
			RoomID: roomID,
			RtcID:  r.URL.Query().Get("rtc_id"),
			Active: r.URL.Query().Get("active") == "true",
			Limit:  limit,
		}

		var streams []persistence.Stream
		if err := deps.Store.Read(ctx, func(q *persistence.Queries) error {
			var err error
			streams, err = q.ListStreams(ctx, filter)
			return err
		}); err != nil {
			writeError(w, err)
			return
		}
		if streams == nil {
			streams = []persistence.Stream{}
		}
		writeJSON(w, http.StatusOK, streams)
	}
}

type configsBody struct {
	Readers []janus.ReaderConfig `json:"readers"`
	Writers []janus.WriterConfig `json:"writers"`
}

// handleUpdateConfigs pushes reader and writer configs of a room to its
// backend.
func handleUpdateConfigs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "room_id")
		ctx, span := cotel.StartAPISpan(r.Context(), deps.Tracer, "rooms.configs", shared.Subject(r.Context()),
			cotel.AttrRoomID.String(roomID))
		defer span.End()

		var body configsBody
		if !decodeBody(w, r, &body) {
			return
		}
		if len(body.Readers) == 0 && len(body.Writers) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no readers or writers given")
			return
		}
		if err := authorize(ctx, deps, []string{"rooms", roomID, "configs"}, "update"); err != nil {
			writeError(w, err)
			return
		}
		if err := deps.Signaler.UpdateConfigs(ctx, roomID, body.Readers, body.Writers); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{
			"readers": len(body.Readers),
			"writers": len(body.Writers),
		})
	}
}

type signalBody struct {
	Intent janus.Intent    `json:"intent"`
	Label  string          `json:"label,omitempty"`
	Jsep   json.RawMessage `json:"jsep"`
}

type signalReply struct {
	janus.SignalResult
	ReplyTo         string `json:"reply_to"`
	CorrelationData string `json:"correlation_data"`
}

func handleSignal(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rtcID := chi.URLParam(r, "rtc_id")
		ctx, span := cotel.StartAPISpan(r.Context(), deps.Tracer, "rtcs.signal", shared.Subject(r.Context()),
			cotel.AttrRtcID.String(rtcID))
		defer span.End()

		var body signalBody
		if !decodeBody(w, r, &body) {
			return
		}
		action := "read"
		if body.Intent == janus.IntentWrite {
			action = "update"
		}
		if err := authorize(ctx, deps, []string{"rtcs", rtcID}, action); err != nil {
			writeError(w, err)
			return
		}

		requester := requesterFor(ctx, r)
		res, err := deps.Signaler.Signal(ctx, janus.SignalRequest{
			Requester: requester,
			RtcID:     rtcID,
			AgentID:   requester.AgentID,
			Label:     body.Label,
			Intent:    body.Intent,
			Jsep:      body.Jsep,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, signalReply{
			SignalResult:    res,
			ReplyTo:         requester.ReplyTo,
			CorrelationData: requester.CorrelationData,
		})
	}
}

type trickleBody struct {
	Candidate json.RawMessage `json:"candidate"`
}

func handleTrickle(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backendID := chi.URLParam(r, "backend_id")
		ctx, span := cotel.StartAPISpan(r.Context(), deps.Tracer, "handles.trickle", shared.Subject(r.Context()),
			cotel.AttrBackendID.String(backendID))
		defer span.End()

		handleID, err := strconv.ParseInt(chi.URLParam(r, "handle_id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid handle id")
			return
		}
		var body trickleBody
		if !decodeBody(w, r, &body) {
			return
		}
		if err := authorize(ctx, deps, []string{"backends", backendID, "handles"}, "update"); err != nil {
			writeError(w, err)
			return
		}

		requester := requesterFor(ctx, r)
		if _, err := deps.Signaler.Trickle(ctx, janus.TrickleRequest{
			Requester: requester,
			BackendID: backendID,
			HandleID:  handleID,
			Candidate: body.Candidate,
		}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"reply_to":         requester.ReplyTo,
			"correlation_data": requester.CorrelationData,
		})
	}
}

// requesterFor addresses replies to the calling agent. A caller supplied
// X-Correlation-Data is echoed back; otherwise a fresh one is made.
func requesterFor(ctx context.Context, r *http.Request) bus.Requester {
	agentID := shared.Subject(ctx)
	correlation := r.Header.Get("X-Correlation-Data")
	if correlation == "" {
		correlation = shared.NewTraceID()
	}
	return bus.Requester{
		AgentID:         agentID,
		ReplyTo:         bus.ResponsesTopic(agentID),
		CorrelationData: correlation,
	}
}

// authorize checks the caller against the policy and records the decision.
func authorize(ctx context.Context, deps Deps, object []string, action string) error {
	if deps.Authz == nil {
		return nil
	}
	var version string
	if v, ok := deps.Authz.(interface{ Version() string }); ok {
		version = v.Version()
	}
	subject := shared.Subject(ctx)
	if _, err := deps.Authz.Authorize(ctx, deps.Audience, subject, object, action); err != nil {
		deps.Audit.Record(shared.TraceID(ctx), audit.Deny, deps.Audience, subject, object, action, err.Error(), version)
		return janus.NewError(janus.ErrAccessDenied, fmt.Errorf("%s %s: %w", action, strings.Join(object, "/"), err))
	}
	deps.Audit.Record(shared.TraceID(ctx), audit.Allow, deps.Audience, subject, object, action, "", version)
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status of its kind.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
		return
	}
	e := janus.Classify(err)
	resp := e.Response()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Kind.Status())
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": resp.Detail,
			"type":    resp.Kind,
			"title":   resp.Title,
		},
	})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
