package system_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/conductor/internal/system"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type countingSweeper struct {
	mu       sync.Mutex
	vacuums  int
	orphans  int
	subjects []string
}

func (s *countingSweeper) Vacuum(_ context.Context, subject string) (system.VacuumReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vacuums++
	s.subjects = append(s.subjects, subject)
	return system.VacuumReport{}, nil
}

func (s *countingSweeper) CloseOrphanedRooms(_ context.Context, subject string) (system.OrphansReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orphans++
	s.subjects = append(s.subjects, subject)
	return system.OrphansReport{}, nil
}

func (s *countingSweeper) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vacuums, s.orphans
}

func TestScheduler_FiresConfiguredSweeps(t *testing.T) {
	sweeper := &countingSweeper{}
	sched, err := system.NewScheduler(system.SchedulerConfig{
		Sweeper:        sweeper,
		Subject:        operator,
		VacuumSchedule: "@every 1s",
		Logger:         discardLogger(),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 5*time.Second, func() bool {
		v, _ := sweeper.counts()
		return v >= 1
	})
	if _, o := sweeper.counts(); o != 0 {
		t.Fatalf("disabled orphan sweep fired %d times", o)
	}
	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if sweeper.subjects[0] != operator {
		t.Fatalf("subject = %q, want %q", sweeper.subjects[0], operator)
	}
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	_, err := system.NewScheduler(system.SchedulerConfig{
		Sweeper:         &countingSweeper{},
		OrphansSchedule: "every now and then",
		Logger:          discardLogger(),
	})
	if err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	next, err := system.NextRunTime("*/15 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := system.NextRunTime("bogus", after); err == nil {
		t.Fatalf("expected parse error")
	}
}
