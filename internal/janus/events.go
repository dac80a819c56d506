package janus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/conductor/internal/bus"
	cotel "github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
)

// Stream transitions as reported in metrics.
const (
	TransitionStarted = "started"
	TransitionStopped = "stopped"
	TransitionOffline = "backend_offline"
)

func (d *Dispatcher) handleHandleEvent(ctx context.Context, backendID string, env Envelope) error {
	switch env.Janus {
	case EnvelopeWebRtcUp:
		return d.handleWebRtcUp(ctx, backendID, env.Sender)
	case EnvelopeHangUp, EnvelopeDetached:
		return d.handleHangUp(ctx, backendID, env.Sender)
	default:
		// Media, slowlink and timeout carry nothing the control plane tracks.
		return nil
	}
}

// handleWebRtcUp starts the latest unstarted stream of the handle. Handles
// without such a stream are not publishers and are ignored.
func (d *Dispatcher) handleWebRtcUp(ctx context.Context, backendID string, handleID int64) error {
	now := d.now()
	var started *persistence.Stream
	var closedRoom string
	err := d.store.WithTx(ctx, func(q *persistence.Queries) error {
		started, closedRoom = nil, ""
		s, err := q.FindLatestUnstartedStream(ctx, backendID, handleID)
		if err != nil || s == nil {
			return err
		}
		room, err := q.FindRoomWith(ctx, s.RoomID, persistence.NotClosed, now)
		if err != nil {
			return err
		}
		if room == nil {
			closedRoom = s.RoomID
			return nil
		}
		started, err = q.StartStream(ctx, s.ID, now)
		return err
	})
	if err != nil {
		return Classify(err)
	}
	if closedRoom != "" {
		d.logger.Warn("webrtcup for a stream of a closed room ignored",
			"backend_id", backendID, "handle_id", handleID, "room_id", closedRoom)
		return nil
	}
	if started == nil {
		return nil
	}
	d.publishStreamUpdate(ctx, *started, TransitionStarted)
	return nil
}

// handleHangUp stops the latest unstopped stream of the handle. A stream that
// never started is left untouched.
func (d *Dispatcher) handleHangUp(ctx context.Context, backendID string, handleID int64) error {
	now := d.now()
	var stopped *persistence.Stream
	err := d.store.WithTx(ctx, func(q *persistence.Queries) error {
		stopped = nil
		s, err := q.FindLatestUnstoppedStream(ctx, backendID, handleID)
		if err != nil || s == nil || s.StartedAt == nil {
			return err
		}
		stopped, err = q.StopStream(ctx, s.ID, now)
		if err != nil || stopped == nil {
			return err
		}
		_, err = q.BulkDisconnectByRoom(ctx, stopped.RoomID)
		return err
	})
	if err != nil {
		return Classify(err)
	}
	if stopped == nil {
		return nil
	}
	d.publishStreamUpdate(ctx, *stopped, TransitionStopped)
	return nil
}

// HandleStatus reacts to a backend coming online or going offline.
func (d *Dispatcher) HandleStatus(ctx context.Context, backendID string, online bool) error {
	ctx, span := cotel.StartBackendSpan(ctx, d.tracer, "status", backendID,
		cotel.AttrOutcome.String(statusLabel(online)))
	defer span.End()

	var err error
	if online {
		err = d.backendOnline(ctx, backendID)
	} else {
		err = d.backendOffline(ctx, backendID)
	}
	if err != nil {
		cotel.RecordFailure(span, err, string(Classify(err).Kind))
		d.reporter.Report(ctx, err)
	}
	return err
}

func statusLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func (d *Dispatcher) backendOnline(ctx context.Context, backendID string) error {
	var data CreateSession
	if d.settings != nil {
		if bc, ok := d.settings.Backend(backendID); ok {
			data = CreateSession{
				Capacity:         bc.Capacity,
				BalancerCapacity: bc.BalancerCapacity,
				Group:            bc.Group,
				JanusURL:         bc.URL,
			}
		}
	}
	d.logger.Info("backend online", "backend_id", backendID)
	_, err := d.client.CreateSession(ctx, backendID, data)
	return err
}

// backendOffline forgets the backend and stops every stream it was serving.
// One notification goes out per stream this call actually stopped.
func (d *Dispatcher) backendOffline(ctx context.Context, backendID string) error {
	var active []persistence.Stream
	err := d.store.WithTx(ctx, func(q *persistence.Queries) error {
		var err error
		active, err = q.ListStreams(ctx, persistence.StreamFilter{BackendID: backendID, Active: true})
		if err != nil {
			return err
		}
		if _, err := q.BulkDisconnectByBackend(ctx, backendID); err != nil {
			return err
		}
		_, err = q.DeleteBackend(ctx, backendID)
		return err
	})
	if d.pool != nil {
		d.pool.Remove(ctx, backendID)
	}
	if d.clients != nil {
		d.clients.Remove(backendID)
	}
	if err != nil {
		return Classify(err)
	}
	d.logger.Info("backend offline", "backend_id", backendID, "active_streams", len(active))

	now := d.now()
	var errs []error
	for _, s := range active {
		var stopped *persistence.Stream
		err := d.store.WithTx(ctx, func(q *persistence.Queries) error {
			var err error
			stopped, err = q.StopStream(ctx, s.ID, now)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("stop stream %s: %w", s.ID, err))
			continue
		}
		if stopped == nil {
			continue
		}
		d.publishStreamUpdate(ctx, *stopped, TransitionOffline)
	}
	if len(errs) > 0 {
		return Classify(errors.Join(errs...))
	}
	return nil
}

// AgentSpeakingEvent is the payload of rtc_stream.agent_speaking.
type AgentSpeakingEvent struct {
	RtcID    string `json:"rtc_id"`
	AgentID  string `json:"agent_id"`
	Speaking bool   `json:"speaking"`
}

func (d *Dispatcher) handleAgentSpeaking(ctx context.Context, t AgentSpeaking, env Envelope) error {
	fields, err := env.pluginFields()
	if err != nil {
		return err
	}
	var speaking bool
	if raw, ok := fields["speaking"]; ok {
		if err := json.Unmarshal(raw, &speaking); err != nil {
			return Errorf(ErrMessageParsing, "invalid 'speaking' in the event: %s", string(raw))
		}
	}

	var rtc *persistence.Rtc
	if err := d.store.Read(ctx, func(q *persistence.Queries) error {
		var err error
		rtc, err = q.FindRtc(ctx, t.RtcID)
		return err
	}); err != nil {
		return Classify(err)
	}
	if rtc == nil {
		return Errorf(ErrRtcNotFound, "rtc %s not found", t.RtcID)
	}
	d.publisher.PublishNotification(bus.RoomEventsTopic(rtc.RoomID), bus.LabelAgentSpeaking,
		AgentSpeakingEvent{RtcID: t.RtcID, AgentID: t.AgentID, Speaking: speaking})
	return nil
}
