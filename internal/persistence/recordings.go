package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type recordingRow struct {
	rtcID     string
	status    string
	startedAt sql.NullInt64
	segments  sql.NullString
	dumps     sql.NullString
	createdAt int64
}

func (r *recordingRow) scanArgs() []any {
	return []any{&r.rtcID, &r.status, &r.startedAt, &r.segments, &r.dumps, &r.createdAt}
}

func (r *recordingRow) decode() (*Recording, error) {
	rec := &Recording{
		RtcID:     r.rtcID,
		Status:    RecordingStatus(r.status),
		StartedAt: timePtr(r.startedAt),
		CreatedAt: fromMillis(r.createdAt),
	}
	if r.segments.Valid && r.segments.String != "" {
		if err := json.Unmarshal([]byte(r.segments.String), &rec.Segments); err != nil {
			return nil, fmt.Errorf("decode recording segments: %w", err)
		}
	}
	if r.dumps.Valid && r.dumps.String != "" {
		if err := json.Unmarshal([]byte(r.dumps.String), &rec.MjrDumpsURIs); err != nil {
			return nil, fmt.Errorf("decode recording dumps: %w", err)
		}
	}
	return rec, nil
}

// nullableRecordingRow is the LEFT JOIN variant of recordingRow.
type nullableRecordingRow struct {
	rtcID     sql.NullString
	status    sql.NullString
	startedAt sql.NullInt64
	segments  sql.NullString
	dumps     sql.NullString
	createdAt sql.NullInt64
}

func (r *nullableRecordingRow) scanArgs() []any {
	return []any{&r.rtcID, &r.status, &r.startedAt, &r.segments, &r.dumps, &r.createdAt}
}

func (r *nullableRecordingRow) decode() (*Recording, error) {
	if !r.rtcID.Valid {
		return nil, nil
	}
	row := recordingRow{
		rtcID:     r.rtcID.String,
		status:    r.status.String,
		startedAt: r.startedAt,
		segments:  r.segments,
		dumps:     r.dumps,
		createdAt: r.createdAt.Int64,
	}
	return row.decode()
}

// InsertRecording starts tracking an in-progress recording of the rtc.
func (q *Queries) InsertRecording(ctx context.Context, rtcID string) (*Recording, error) {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO recording (rtc_id, status, created_at) VALUES (?, 'in_progress', ?);
	`, rtcID, toMillis(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("insert recording: %w", err)
	}
	return q.FindRecording(ctx, rtcID)
}

// FindRecording returns the recording of the rtc, or nil if not found.
func (q *Queries) FindRecording(ctx context.Context, rtcID string) (*Recording, error) {
	var row recordingRow
	err := q.q.QueryRowContext(ctx, `
		SELECT rtc_id, status, started_at, segments, mjr_dumps_uris, created_at
		FROM recording WHERE rtc_id = ?;
	`, rtcID).Scan(row.scanArgs()...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find recording: %w", err)
	}
	return row.decode()
}

// MarkRecordingReady moves an in-progress recording to ready with its upload
// results. It reports false, changing nothing, when the recording is not in progress.
func (q *Queries) MarkRecordingReady(ctx context.Context, rtcID string, startedAt time.Time, segments []Segment, dumps []string) (bool, error) {
	segJSON, err := json.Marshal(segments)
	if err != nil {
		return false, fmt.Errorf("encode recording segments: %w", err)
	}
	var dumpsJSON sql.NullString
	if dumps != nil {
		b, err := json.Marshal(dumps)
		if err != nil {
			return false, fmt.Errorf("encode recording dumps: %w", err)
		}
		dumpsJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE recording SET status = 'ready', started_at = ?, segments = ?, mjr_dumps_uris = ?
		WHERE rtc_id = ? AND status = 'in_progress';
	`, toMillis(startedAt), string(segJSON), dumpsJSON, rtcID)
	if err != nil {
		return false, fmt.Errorf("mark recording ready: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkRecordingMissing moves an in-progress recording to missing.
// It reports false, changing nothing, when the recording is not in progress.
func (q *Queries) MarkRecordingMissing(ctx context.Context, rtcID string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE recording SET status = 'missing'
		WHERE rtc_id = ? AND status = 'in_progress';
	`, rtcID)
	if err != nil {
		return false, fmt.Errorf("mark recording missing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
