package system

import (
	"context"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/janus"
	"github.com/basket/conductor/internal/persistence"
)

// OrphansReport summarizes one orphaned room sweep.
type OrphansReport struct {
	Closed   []string `json:"closed"`
	Skipped  []string `json:"skipped"`
	Retained []string `json:"retained"`
}

// CloseOrphanedRooms closes rooms whose host left longer than the orphan
// timeout ago. A room that is already closed is only untracked. Rows whose
// close failed stay tracked for the next sweep.
func (s *Service) CloseOrphanedRooms(ctx context.Context, subject string) (OrphansReport, error) {
	report := OrphansReport{Closed: []string{}, Skipped: []string{}, Retained: []string{}}
	if err := s.authorize(ctx, subject); err != nil {
		return report, err
	}
	ctx = withTrace(ctx, subject)

	now := s.now()
	var orphans []persistence.OrphanedRoom
	if err := s.store.Read(ctx, func(q *persistence.Queries) error {
		var err error
		orphans, err = q.ListOrphanedRoomsPast(ctx, now.Add(-s.orphanTimeout))
		return err
	}); err != nil {
		return report, janus.Classify(err)
	}
	if len(orphans) == 0 {
		return report, nil
	}

	var handled []string
	for _, o := range orphans {
		logger := s.logger.With("room_id", o.Room.ID)
		if o.Room.IsClosed(now) {
			handled = append(handled, o.Room.ID)
			report.Skipped = append(report.Skipped, o.Room.ID)
			continue
		}

		var closed *persistence.Room
		err := s.store.WithTx(ctx, func(q *persistence.Queries) error {
			closed = nil
			ok, err := q.CloseRoom(ctx, o.Room.ID, now, true)
			if err != nil || !ok {
				return err
			}
			closed, err = q.FindRoom(ctx, o.Room.ID)
			return err
		})
		if err != nil {
			logger.Error("closing orphaned room failed", "error", err)
			s.reporter.Report(ctx, janus.Classify(err))
			report.Retained = append(report.Retained, o.Room.ID)
			continue
		}
		handled = append(handled, o.Room.ID)
		if closed == nil {
			// Closed concurrently since the listing.
			report.Skipped = append(report.Skipped, o.Room.ID)
			continue
		}

		report.Closed = append(report.Closed, closed.ID)
		s.publisher.PublishNotification(bus.RoomEventsTopic(closed.ID), bus.LabelRoomClose, *closed)
		s.publisher.PublishNotification(bus.AudienceEventsTopic(closed.Audience), bus.LabelRoomClose, *closed)
		s.countClosed(ctx, "orphaned")
		logger.Info("orphaned room closed", "host_left_at", o.HostLeftAt)
	}

	s.collect("orphans.closed", int64(len(report.Closed)))
	if err := s.store.WithTx(ctx, func(q *persistence.Queries) error {
		_, err := q.RemoveOrphanedRooms(ctx, handled)
		return err
	}); err != nil {
		return report, janus.Classify(err)
	}
	return report, nil
}
