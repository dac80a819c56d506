package janus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/conductor/internal/bus"
	cotel "github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
)

// Intent tells whether a signaling agent publishes or subscribes.
type Intent string

const (
	IntentRead  Intent = "read"
	IntentWrite Intent = "write"
)

// SignalRequest asks to set up a stream of an rtc on its room's backend.
type SignalRequest struct {
	Requester bus.Requester   `json:"-"`
	RtcID     string          `json:"rtc_id"`
	AgentID   string          `json:"agent_id"`
	Label     string          `json:"label,omitempty"`
	Intent    Intent          `json:"intent"`
	Jsep      json.RawMessage `json:"jsep"`
}

// SignalResult addresses the handle the stream was placed on. The SDP answer
// arrives later on the requester's response topic.
type SignalResult struct {
	BackendID   string `json:"backend_id"`
	HandleID    int64  `json:"handle_id"`
	StreamID    string `json:"stream_id,omitempty"`
	Transaction string `json:"-"`
}

// Signal takes a warm handle of the room's backend and offers the agent's SDP
// on it. Writers get a stream row and an in-progress recording; readers get an
// agent connection.
func (d *Dispatcher) Signal(ctx context.Context, req SignalRequest) (SignalResult, error) {
	ctx, span := cotel.StartBackendSpan(ctx, d.tracer, "signal", "",
		cotel.AttrRtcID.String(req.RtcID),
		cotel.AttrOutcome.String(string(req.Intent)),
	)
	defer span.End()

	switch req.Intent {
	case IntentRead, IntentWrite:
	default:
		return SignalResult{}, Errorf(ErrMessageParsing, "unknown intent %q", req.Intent)
	}
	if len(req.Jsep) == 0 {
		return SignalResult{}, Errorf(ErrMessageParsing, "missing 'jsep'")
	}

	now := d.now()
	var room *persistence.Room
	var backend *persistence.Backend
	err := d.store.Read(ctx, func(q *persistence.Queries) error {
		room, backend = nil, nil
		rtc, err := q.FindRtc(ctx, req.RtcID)
		if err != nil {
			return err
		}
		if rtc == nil {
			return Errorf(ErrRtcNotFound, "rtc %s not found", req.RtcID)
		}
		if room, err = q.FindRoomWith(ctx, rtc.RoomID, persistence.OpenNow, now); err != nil {
			return err
		}
		if room == nil {
			return Errorf(ErrRoomClosed, "room of rtc %s is not open", req.RtcID)
		}
		if room.BackendID == "" {
			return Errorf(ErrBackendRequest, "room %s is not bound to a backend", room.ID)
		}
		if backend, err = q.FindBackend(ctx, room.BackendID); err != nil {
			return err
		}
		if backend == nil {
			return Errorf(ErrBackendRequest, "backend %s is offline", room.BackendID)
		}
		return nil
	})
	if err != nil {
		e := Classify(err)
		cotel.RecordFailure(span, e, string(e.Kind))
		return SignalResult{}, e
	}
	span.SetAttributes(cotel.AttrBackendID.String(backend.ID), cotel.AttrRoomID.String(room.ID))

	handleID, ok := d.takeHandle(ctx, backend.ID)
	if !ok {
		return SignalResult{}, Errorf(ErrBackendRequest, "no free handle on backend %s", backend.ID)
	}
	target := StreamTarget{BackendID: backend.ID, SessionID: backend.SessionID, HandleID: handleID}
	var res SignalResult
	if req.Intent == IntentWrite {
		res, err = d.signalWriter(ctx, req, target, now)
	} else {
		res, err = d.signalReader(ctx, req, room.ID, target, now)
	}
	if err != nil {
		// The handle carries no session yet; a later signal can reuse it.
		d.pool.Release(ctx, backend.ID, handleID)
		cotel.RecordFailure(span, err, string(Classify(err).Kind))
		return SignalResult{}, err
	}
	d.pool.Replenish(ctx, backend.ID, backend.SessionID)
	return res, nil
}

func (d *Dispatcher) signalWriter(ctx context.Context, req SignalRequest, target StreamTarget, now time.Time) (SignalResult, error) {
	var stream *persistence.Stream
	err := d.store.WithTx(ctx, func(q *persistence.Queries) error {
		var err error
		stream, err = q.InsertStream(ctx, persistence.Stream{
			HandleID:  target.HandleID,
			RtcID:     req.RtcID,
			BackendID: target.BackendID,
			Label:     req.Label,
			SentBy:    req.AgentID,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		rec, err := q.FindRecording(ctx, req.RtcID)
		if err != nil || rec != nil {
			return err
		}
		_, err = q.InsertRecording(ctx, req.RtcID)
		return err
	})
	if err != nil {
		return SignalResult{}, Classify(err)
	}
	res := SignalResult{BackendID: target.BackendID, HandleID: target.HandleID, StreamID: stream.ID}
	res.Transaction, err = d.client.CreateStream(ctx, target, req.Requester, stream.ID, req.RtcID, req.AgentID, req.Jsep)
	if err != nil {
		return SignalResult{}, err
	}
	return res, nil
}

func (d *Dispatcher) signalReader(ctx context.Context, req SignalRequest, roomID string, target StreamTarget, now time.Time) (SignalResult, error) {
	err := d.store.WithTx(ctx, func(q *persistence.Queries) error {
		agent, err := q.UpsertAgent(ctx, req.AgentID, roomID, persistence.AgentReady)
		if err != nil {
			return err
		}
		return q.InsertAgentConnection(ctx, persistence.AgentConnection{
			AgentRowID: agent.ID,
			RtcID:      req.RtcID,
			HandleID:   target.HandleID,
			BackendID:  target.BackendID,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return SignalResult{}, Classify(err)
	}
	res := SignalResult{BackendID: target.BackendID, HandleID: target.HandleID}
	res.Transaction, err = d.client.ReadStream(ctx, target, req.Requester, req.RtcID, req.AgentID, req.Jsep)
	if err != nil {
		return SignalResult{}, err
	}
	return res, nil
}

func (d *Dispatcher) takeHandle(ctx context.Context, backendID string) (int64, bool) {
	if d.pool == nil {
		return 0, false
	}
	return d.pool.Take(ctx, backendID)
}

// TrickleRequest carries ICE candidates for a handle returned by Signal.
type TrickleRequest struct {
	Requester bus.Requester   `json:"-"`
	BackendID string          `json:"backend_id"`
	HandleID  int64           `json:"handle_id"`
	Candidate json.RawMessage `json:"candidate"`
}

// Trickle forwards candidates to the backend. The requester is answered when
// the backend acks.
func (d *Dispatcher) Trickle(ctx context.Context, req TrickleRequest) (string, error) {
	if len(req.Candidate) == 0 {
		return "", Errorf(ErrMessageParsing, "missing 'candidate'")
	}
	backend, err := d.findBackend(ctx, req.BackendID)
	if err != nil {
		return "", err
	}
	return d.client.Trickle(ctx, StreamTarget{
		BackendID: backend.ID,
		SessionID: backend.SessionID,
		HandleID:  req.HandleID,
	}, req.Requester, req.Candidate)
}

// UpdateConfigs pushes reader and writer configs of a room to the backend's
// control handle. Empty config lists are not sent.
func (d *Dispatcher) UpdateConfigs(ctx context.Context, roomID string, readers []ReaderConfig, writers []WriterConfig) error {
	var room *persistence.Room
	if err := d.store.Read(ctx, func(q *persistence.Queries) error {
		var err error
		room, err = q.FindRoomWith(ctx, roomID, persistence.OpenNow, d.now())
		return err
	}); err != nil {
		return Classify(err)
	}
	if room == nil {
		return Errorf(ErrRoomNotFound, "room %s not found or not open", roomID)
	}
	backend, err := d.findBackend(ctx, room.BackendID)
	if err != nil {
		return err
	}
	target := StreamTarget{BackendID: backend.ID, SessionID: backend.SessionID, HandleID: backend.HandleID}
	if len(readers) > 0 {
		if _, err := d.client.UpdateReaderConfig(ctx, target, roomID, readers); err != nil {
			return fmt.Errorf("update reader config: %w", err)
		}
	}
	if len(writers) > 0 {
		if _, err := d.client.UpdateWriterConfig(ctx, target, roomID, writers); err != nil {
			return fmt.Errorf("update writer config: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) findBackend(ctx context.Context, backendID string) (*persistence.Backend, error) {
	var backend *persistence.Backend
	if err := d.store.Read(ctx, func(q *persistence.Queries) error {
		var err error
		backend, err = q.FindBackend(ctx, backendID)
		return err
	}); err != nil {
		return nil, Classify(err)
	}
	if backend == nil {
		return nil, Errorf(ErrBackendRequest, "backend %q is offline", backendID)
	}
	return backend, nil
}
