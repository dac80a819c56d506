// Package system implements the maintenance sweeps of the control plane:
// uploading recordings of finished rooms and closing rooms whose host left.
package system

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/conductor/internal/authz"
	"github.com/basket/conductor/internal/janus"
	cotel "github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/shared"
)

// Object is the authorization object of every system action.
var Object = []string{"system"}

const actionUpdate = "update"

// Uploader issues stream.upload requests.
type Uploader interface {
	UploadStream(ctx context.Context, target janus.StreamTarget, rtcID, uploadBackend, bucket string) (string, error)
}

// Connector makes sure a live connection to a backend exists.
type Connector interface {
	GetOrInsert(ctx context.Context, backendID, url string) (janus.Transport, error)
}

// StatsCollector receives per-sweep counters.
type StatsCollector interface {
	Collect(key string, value int64)
}

type Config struct {
	Store         *persistence.Store
	Authz         authz.Authorizer
	Uploader      Uploader
	Connector     Connector
	Publisher     janus.Publisher
	Targets       janus.UploadTargets
	Reporter      janus.ErrorReporter
	Metrics       *cotel.Metrics
	Stats         StatsCollector
	Logger        *slog.Logger
	Audience      string
	Group         string
	OrphanTimeout time.Duration
}

// Service runs the sweeps. Both sweeps are safe to run concurrently with
// each other and with inbound backend traffic.
type Service struct {
	store         *persistence.Store
	authz         authz.Authorizer
	uploader      Uploader
	connector     Connector
	publisher     janus.Publisher
	targets       janus.UploadTargets
	reporter      janus.ErrorReporter
	metrics       *cotel.Metrics
	stats         StatsCollector
	logger        *slog.Logger
	audience      string
	group         string
	orphanTimeout time.Duration
	now           func() time.Time
}

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = janus.NewLogReporter(logger, cfg.Metrics)
	}
	return &Service{
		store:         cfg.Store,
		authz:         cfg.Authz,
		uploader:      cfg.Uploader,
		connector:     cfg.Connector,
		publisher:     cfg.Publisher,
		targets:       cfg.Targets,
		reporter:      reporter,
		metrics:       cfg.Metrics,
		stats:         cfg.Stats,
		logger:        logger.With("component", "system"),
		audience:      cfg.Audience,
		group:         cfg.Group,
		orphanTimeout: cfg.OrphanTimeout,
		now:           time.Now,
	}
}

func (s *Service) authorize(ctx context.Context, subject string) error {
	if s.authz == nil {
		return janus.Errorf(janus.ErrAccessDenied, "no authorizer configured")
	}
	took, err := s.authz.Authorize(ctx, s.audience, subject, Object, actionUpdate)
	if err != nil {
		return janus.NewError(janus.ErrAccessDenied, err)
	}
	s.logger.Debug("authorized", "subject", subject, "took", took)
	return nil
}

func (s *Service) countClosed(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.Add(ctx, s.metrics.RoomsClosed, cotel.AttrReason.String(reason))
	}
}

func (s *Service) collect(key string, value int64) {
	if s.stats != nil && value > 0 {
		s.stats.Collect(key, value)
	}
}

// withTrace starts a trace for a sweep unless the caller already carries one.
func withTrace(ctx context.Context, subject string) context.Context {
	ctx = shared.WithSubject(ctx, subject)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	return ctx
}
