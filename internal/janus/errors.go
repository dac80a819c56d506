package janus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/basket/conductor/internal/authz"
	"github.com/basket/conductor/internal/bus"
	cotel "github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
)

// ErrorKind classifies failures for logging, metrics and error responses.
type ErrorKind string

const (
	ErrMessageParsing          ErrorKind = "message_parsing_failed"
	ErrMessageBuilding         ErrorKind = "message_building_failed"
	ErrBackendRequest          ErrorKind = "backend_request_failed"
	ErrBackendRecordingMissing ErrorKind = "backend_recording_missing"
	ErrBackendInitialization   ErrorKind = "backend_initialization_failed"
	ErrBackendClientCreation   ErrorKind = "backend_client_creation_failed"
	ErrDbQuery                 ErrorKind = "database_query_failed"
	ErrDbConnAcquisition       ErrorKind = "database_connection_acquisition_failed"
	ErrRoomNotFound            ErrorKind = "room_not_found"
	ErrRoomClosed              ErrorKind = "room_closed"
	ErrRtcNotFound             ErrorKind = "rtc_not_found"
	ErrAccessDenied            ErrorKind = "access_denied"
	ErrConfigKeyMissing        ErrorKind = "config_key_missing"
	ErrNotImplemented          ErrorKind = "not_implemented"
)

type kindInfo struct {
	status    int
	title     string
	permanent bool
}

var kinds = map[ErrorKind]kindInfo{
	ErrMessageParsing:          {http.StatusUnprocessableEntity, "Message parsing failed", true},
	ErrMessageBuilding:         {http.StatusUnprocessableEntity, "Message building failed", true},
	ErrBackendRequest:          {http.StatusFailedDependency, "Backend request failed", false},
	ErrBackendRecordingMissing: {http.StatusNotFound, "Backend recording missing", true},
	ErrBackendInitialization:   {http.StatusFailedDependency, "Backend initialization failed", false},
	ErrBackendClientCreation:   {http.StatusFailedDependency, "Backend client creation failed", false},
	ErrDbQuery:                 {http.StatusUnprocessableEntity, "Database query failed", false},
	ErrDbConnAcquisition:       {http.StatusServiceUnavailable, "Database connection acquisition failed", false},
	ErrRoomNotFound:            {http.StatusNotFound, "Room not found", true},
	ErrRoomClosed:              {http.StatusNotFound, "Room closed", true},
	ErrRtcNotFound:             {http.StatusNotFound, "RTC not found", true},
	ErrAccessDenied:            {http.StatusForbidden, "Access denied", true},
	ErrConfigKeyMissing:        {http.StatusUnprocessableEntity, "Config key missing", true},
	ErrNotImplemented:          {http.StatusNotImplemented, "Not implemented", true},
}

// Status returns the HTTP-like status code of the kind.
func (k ErrorKind) Status() int {
	if info, ok := kinds[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Title is a short human-readable description of the kind.
func (k ErrorKind) Title() string {
	if info, ok := kinds[k]; ok {
		return info.title
	}
	return "Unknown error"
}

// Permanent reports whether retrying the failed operation can never help.
func (k ErrorKind) Permanent() bool {
	return kinds[k].permanent
}

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError classifies err as kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf classifies a formatted error as kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Response renders the error for a requester.
func (e *Error) Response() *bus.ErrorResponse {
	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	return &bus.ErrorResponse{Kind: string(e.Kind), Title: e.Kind.Title(), Detail: detail}
}

// Classify returns err as an *Error, inferring a kind for unclassified
// persistence and authorization failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, persistence.ErrConnAcquisition):
		return NewError(ErrDbConnAcquisition, err)
	case errors.Is(err, authz.ErrDenied):
		return NewError(ErrAccessDenied, err)
	default:
		return NewError(ErrDbQuery, err)
	}
}

// ErrorReporter is the sink for failures that have no caller to return to.
type ErrorReporter interface {
	Report(ctx context.Context, err error)
}

// LogReporter logs reported errors and counts them by kind.
type LogReporter struct {
	logger  *slog.Logger
	metrics *cotel.Metrics
}

func NewLogReporter(logger *slog.Logger, metrics *cotel.Metrics) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger, metrics: metrics}
}

func (r *LogReporter) Report(ctx context.Context, err error) {
	if err == nil {
		return
	}
	e := Classify(err)
	r.logger.ErrorContext(ctx, "error reported",
		"kind", string(e.Kind),
		"status", e.Kind.Status(),
		"permanent", e.Kind.Permanent(),
		"error", e.Error(),
	)
	if r.metrics != nil {
		r.metrics.Add(ctx, r.metrics.Errors, cotel.AttrErrorKind.String(string(e.Kind)))
	}
}
