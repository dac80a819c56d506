package system

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Sweeper is what the scheduler drives.
type Sweeper interface {
	Vacuum(ctx context.Context, subject string) (VacuumReport, error)
	CloseOrphanedRooms(ctx context.Context, subject string) (OrphansReport, error)
}

type SchedulerConfig struct {
	Sweeper         Sweeper
	Subject         string
	VacuumSchedule  string
	OrphansSchedule string
	Logger          *slog.Logger
}

// Scheduler fires the sweeps on their cron schedules. An empty schedule
// disables its sweep. A sweep that is still running when its next tick
// comes is skipped.
type Scheduler struct {
	sweeper Sweeper
	subject string
	logger  *slog.Logger
	cron    *cronlib.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		sweeper: cfg.Sweeper,
		subject: cfg.Subject,
		logger:  logger,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
		),
		ctx: context.Background(),
	}
	if err := s.add("vacuum", cfg.VacuumSchedule, s.vacuum); err != nil {
		return nil, err
	}
	if err := s.add("orphans", cfg.OrphansSchedule, s.orphans); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, run func(ctx context.Context)) error {
	if spec == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(spec, func() { run(s.context()) }); err != nil {
		return fmt.Errorf("%s schedule %q: %w", name, spec, err)
	}
	next, _ := NextRunTime(spec, time.Now())
	s.logger.Info("sweep scheduled", "sweep", name, "schedule", spec, "next_run_at", next)
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start begins firing sweeps until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("sweep scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop cancels running sweeps and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) vacuum(ctx context.Context) {
	report, err := s.sweeper.Vacuum(ctx, s.subject)
	if err != nil {
		s.logger.Error("scheduled vacuum failed", "error", err, "uploads", report.Uploads)
		return
	}
	s.logger.Info("scheduled vacuum done", "uploads", report.Uploads, "rooms", len(report.Rooms))
}

func (s *Scheduler) orphans(ctx context.Context) {
	report, err := s.sweeper.CloseOrphanedRooms(ctx, s.subject)
	if err != nil {
		s.logger.Error("scheduled orphan sweep failed", "error", err)
		return
	}
	s.logger.Info("scheduled orphan sweep done", "closed", len(report.Closed), "retained", len(report.Retained))
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
