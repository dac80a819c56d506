package janus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/config"
	cotel "github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
)

const alreadyRunningState = "already_running"

// uploadSchema describes plugin data of stream.upload events.
const uploadSchema = `{
	"type": "object",
	"required": ["status"],
	"properties": {
		"status": {"type": ["string", "integer"]},
		"id": {"type": "string"},
		"state": {"type": "string"},
		"started_at": {"type": "integer", "minimum": 0},
		"time": {
			"type": "array",
			"items": {
				"type": "array",
				"items": {"type": "integer"},
				"minItems": 2,
				"maxItems": 2
			}
		},
		"mjr_dumps_uris": {"type": "array", "items": {"type": "string"}}
	}
}`

func compileUploadSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(uploadSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal upload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("upload.json", doc); err != nil {
		return nil, fmt.Errorf("add upload schema resource: %w", err)
	}
	schema, err := c.Compile("upload.json")
	if err != nil {
		return nil, fmt.Errorf("compile upload schema: %w", err)
	}
	return schema, nil
}

type uploadData struct {
	ID           string                `json:"id"`
	State        string                `json:"state"`
	StartedAt    *int64                `json:"started_at"`
	Time         []persistence.Segment `json:"time"`
	MjrDumpsURIs []string              `json:"mjr_dumps_uris"`
}

func (d *Dispatcher) parseUpload(raw json.RawMessage) (uploadData, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return uploadData{}, NewError(ErrMessageParsing, fmt.Errorf("parse upload data: %w", err))
	}
	if err := d.upload.Validate(doc); err != nil {
		return uploadData{}, NewError(ErrMessageParsing, fmt.Errorf("invalid upload data: %w", err))
	}
	var data uploadData
	if err := json.Unmarshal(raw, &data); err != nil {
		return uploadData{}, NewError(ErrMessageParsing, fmt.Errorf("parse upload data: %w", err))
	}
	return data, nil
}

// handleUploadResponse applies the outcome of a stream.upload request.
func (d *Dispatcher) handleUploadResponse(ctx context.Context, logger *slog.Logger, backendID string, t UploadStream, env Envelope) error {
	fields, err := env.pluginFields()
	if err != nil {
		return err
	}
	status, err := pluginStatus(fields)
	if err != nil {
		return err
	}
	data, err := d.parseUpload(env.PluginData.Data)
	if err != nil {
		return err
	}

	switch status {
	case "200":
	case "404":
		logger.Warn("backend is missing recording", "backend_id", backendID)
		d.countUpload(ctx, "missing")
		return d.finishRecording(ctx, logger, t.RtcID, func(q *persistence.Queries) (bool, error) {
			return q.MarkRecordingMissing(ctx, t.RtcID)
		})
	default:
		d.countUpload(ctx, "failed")
		return Errorf(ErrBackendRequest, "upload of rtc %s failed with status %s", t.RtcID, status)
	}

	if data.State == alreadyRunningState {
		logger.Info("upload already running")
		d.countUpload(ctx, alreadyRunningState)
		return nil
	}
	switch {
	case data.ID == "":
		return Errorf(ErrMessageParsing, "missing 'id' in the upload response")
	case data.StartedAt == nil:
		return Errorf(ErrMessageParsing, "missing 'started_at' in the upload response")
	case data.Time == nil:
		return Errorf(ErrMessageParsing, "missing 'time' in the upload response")
	}
	startedAt := time.UnixMilli(*data.StartedAt)
	d.countUpload(ctx, "done")
	return d.finishRecording(ctx, logger, data.ID, func(q *persistence.Queries) (bool, error) {
		return q.MarkRecordingReady(ctx, data.ID, startedAt, data.Time, data.MjrDumpsURIs)
	})
}

func (d *Dispatcher) countUpload(ctx context.Context, outcome string) {
	if d.metrics != nil {
		d.metrics.Add(ctx, d.metrics.UploadResults, cotel.AttrOutcome.String(outcome))
	}
}

// finishRecording applies mark and, when it changed the recording, checks in
// the same transaction whether every recording of the room is terminal. In
// that case one room.upload event goes to the room's audience.
func (d *Dispatcher) finishRecording(ctx context.Context, logger *slog.Logger, rtcID string, mark func(q *persistence.Queries) (bool, error)) error {
	var room *persistence.Room
	var pairs []persistence.RtcRecording
	err := d.store.WithTx(ctx, func(q *persistence.Queries) error {
		room, pairs = nil, nil
		changed, err := mark(q)
		if err != nil || !changed {
			return err
		}
		rtc, err := q.FindRtc(ctx, rtcID)
		if err != nil {
			return err
		}
		if rtc == nil {
			return Errorf(ErrRtcNotFound, "rtc %s not found", rtcID)
		}
		if room, err = q.FindRoom(ctx, rtc.RoomID); err != nil {
			return err
		}
		if room == nil {
			return Errorf(ErrRoomNotFound, "room %s not found", rtc.RoomID)
		}
		pairs, err = q.ListRtcWithRecording(ctx, room.ID)
		return err
	})
	if err != nil {
		return Classify(err)
	}
	if room == nil {
		logger.Debug("recording already terminal")
		return nil
	}
	if !UploadComplete(pairs) {
		return nil
	}

	event, err := BuildUploadEvent(d.settings, *room, pairs)
	if err != nil {
		return err
	}
	d.publisher.PublishNotification(bus.AudienceEventsTopic(room.Audience), bus.LabelRoomUpload, event)
	logger.Info("room upload complete", "room_id", room.ID, "rtcs", len(event.Rtcs))
	return nil
}

// UploadComplete reports whether no recording of the room is still in progress.
func UploadComplete(pairs []persistence.RtcRecording) bool {
	for _, p := range pairs {
		if p.Recording != nil && p.Recording.Status == persistence.RecordingInProgress {
			return false
		}
	}
	return true
}

// RoomUploadEvent is the payload of room.upload.
type RoomUploadEvent struct {
	RoomID string           `json:"room_id"`
	Rtcs   []RtcUploadEntry `json:"rtcs"`
}

type RtcUploadEntry struct {
	ID           string                      `json:"id"`
	Status       persistence.RecordingStatus `json:"status"`
	URI          string                      `json:"uri,omitempty"`
	CreatedBy    string                      `json:"created_by"`
	MjrDumpsURIs []string                    `json:"mjr_dumps_uris,omitempty"`
}

// BuildUploadEvent lists every rtc of the room that has a recording. Only
// ready recordings get a storage uri.
func BuildUploadEvent(settings Settings, room persistence.Room, pairs []persistence.RtcRecording) (RoomUploadEvent, error) {
	event := RoomUploadEvent{RoomID: room.ID, Rtcs: []RtcUploadEntry{}}
	var bucket string
	for _, p := range pairs {
		if p.Recording == nil {
			continue
		}
		entry := RtcUploadEntry{
			ID:           p.Rtc.ID,
			Status:       p.Recording.Status,
			CreatedBy:    p.Rtc.CreatedBy,
			MjrDumpsURIs: p.Recording.MjrDumpsURIs,
		}
		if p.Recording.Status == persistence.RecordingReady {
			if bucket == "" {
				target, err := ResolveUploadTarget(settings, room)
				if err != nil {
					return RoomUploadEvent{}, err
				}
				bucket = target.Bucket
			}
			entry.URI = RecordURI(bucket, room, p.Rtc.ID)
		}
		event.Rtcs = append(event.Rtcs, entry)
	}
	return event, nil
}

// UploadTargets resolves where recordings of an audience go.
type UploadTargets interface {
	UploadTarget(policy, audience string) (config.UploadTarget, bool)
}

// ResolveUploadTarget picks the upload target of the room by its sharing
// policy and audience.
func ResolveUploadTarget(targets UploadTargets, room persistence.Room) (config.UploadTarget, error) {
	switch room.SharingPolicy {
	case persistence.SharingShared, persistence.SharingOwned:
	default:
		return config.UploadTarget{}, Errorf(ErrNotImplemented,
			"uploading not available for rooms with %q rtc sharing policy", room.SharingPolicy)
	}
	if targets == nil {
		return config.UploadTarget{}, Errorf(ErrConfigKeyMissing, "no upload configuration")
	}
	t, ok := targets.UploadTarget(string(room.SharingPolicy), room.Audience)
	if !ok {
		return config.UploadTarget{}, Errorf(ErrConfigKeyMissing,
			"missing upload configuration for audience %q", room.Audience)
	}
	return t, nil
}

// RecordName is the object key of an rtc's recording. Owned rooms with a
// classroom are grouped under the classroom id.
func RecordName(room persistence.Room, rtcID string) string {
	prefix := ""
	if room.SharingPolicy == persistence.SharingOwned && room.ClassroomID != "" {
		prefix = room.ClassroomID + "/"
	}
	return prefix + rtcID + ".source.webm"
}

func RecordURI(bucket string, room persistence.Room, rtcID string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, RecordName(room, rtcID))
}
