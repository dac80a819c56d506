package system

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/janus"
	"github.com/basket/conductor/internal/persistence"
)

// VacuumReport summarizes one vacuum sweep.
type VacuumReport struct {
	Rooms    []string `json:"rooms"`
	Uploads  int      `json:"uploads"`
	Failures int      `json:"failures"`
}

// Vacuum asks backends to upload in-progress recordings of finished rooms.
// Each room gets one room.close notification per sweep. A failed item is
// reported and does not stop the rest of the sweep.
func (s *Service) Vacuum(ctx context.Context, subject string) (VacuumReport, error) {
	report := VacuumReport{Rooms: []string{}}
	if err := s.authorize(ctx, subject); err != nil {
		return report, err
	}
	if s.uploader == nil || s.connector == nil {
		return report, janus.Errorf(janus.ErrBackendClientCreation, "vacuum has no backend client")
	}
	ctx = withTrace(ctx, subject)

	now := s.now()
	var items []persistence.VacuumItem
	if err := s.store.Read(ctx, func(q *persistence.Queries) error {
		var err error
		items, err = q.FinishedWithInProgressRecordings(ctx, now, s.group)
		return err
	}); err != nil {
		return report, janus.Classify(err)
	}
	s.logger.Info("vacuum started", "items", len(items), "group", s.group)

	notified := make(map[string]struct{})
	var errs []error
	for _, item := range items {
		if err := s.vacuumItem(ctx, item); err != nil {
			report.Failures++
			errs = append(errs, err)
			s.logger.Error("vacuum item failed", "room_id", item.Room.ID, "rtc_id", item.Recording.RtcID, "error", err)
			s.reporter.Report(ctx, err)
			continue
		}
		report.Uploads++
		if _, ok := notified[item.Room.ID]; ok {
			continue
		}
		notified[item.Room.ID] = struct{}{}
		report.Rooms = append(report.Rooms, item.Room.ID)
		s.publisher.PublishNotification(bus.RoomEventsTopic(item.Room.ID), bus.LabelRoomClose, item.Room)
		s.countClosed(ctx, "vacuum")
	}

	s.collect("vacuum.uploads", int64(report.Uploads))
	s.collect("vacuum.failures", int64(report.Failures))
	s.logger.Info("vacuum finished", "uploads", report.Uploads, "rooms", len(report.Rooms), "failures", report.Failures)
	if len(errs) > 0 {
		return report, fmt.Errorf("vacuum: %d of %d items failed: %w", len(errs), len(items), errors.Join(errs...))
	}
	return report, nil
}

func (s *Service) vacuumItem(ctx context.Context, item persistence.VacuumItem) error {
	if err := s.store.WithTx(ctx, func(q *persistence.Queries) error {
		_, err := q.DeleteAgentsByRoom(ctx, item.Room.ID)
		return err
	}); err != nil {
		return janus.Classify(err)
	}

	target, err := janus.ResolveUploadTarget(s.targets, item.Room)
	if err != nil {
		return err
	}
	if _, err := s.connector.GetOrInsert(ctx, item.Backend.ID, item.Backend.JanusURL); err != nil {
		return err
	}
	_, err = s.uploader.UploadStream(ctx, janus.StreamTarget{
		BackendID: item.Backend.ID,
		SessionID: item.Backend.SessionID,
		HandleID:  item.Backend.HandleID,
	}, item.Recording.RtcID, target.Backend, target.Bucket)
	return err
}
