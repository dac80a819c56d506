package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const streamSelect = `
	SELECT s.id, s.handle_id, s.rtc_id, rtc.room_id, s.backend_id, s.label, s.sent_by,
		s.started_at, s.stopped_at, s.created_at
	FROM janus_rtc_stream s
	JOIN rtc ON rtc.id = s.rtc_id`

func scanStream(scanFn func(dest ...any) error, s *Stream) error {
	var started, stopped sql.NullInt64
	var createdAt int64
	if err := scanFn(&s.ID, &s.HandleID, &s.RtcID, &s.RoomID, &s.BackendID, &s.Label, &s.SentBy,
		&started, &stopped, &createdAt); err != nil {
		return err
	}
	s.StartedAt = timePtr(started)
	s.StoppedAt = timePtr(stopped)
	s.CreatedAt = fromMillis(createdAt)
	return nil
}

// InsertStream records a stream that is being set up on a backend handle.
func (q *Queries) InsertStream(ctx context.Context, s Stream) (*Stream, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO janus_rtc_stream (id, handle_id, rtc_id, backend_id, label, sent_by, started_at, stopped_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, s.ID, s.HandleID, s.RtcID, s.BackendID, s.Label, s.SentBy,
		nullMillis(s.StartedAt), nullMillis(s.StoppedAt), toMillis(s.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert stream: %w", err)
	}
	return q.FindStream(ctx, s.ID)
}

// FindStream returns the stream with the given id, or nil if not found.
func (q *Queries) FindStream(ctx context.Context, id string) (*Stream, error) {
	return q.findOneStream(ctx, streamSelect+` WHERE s.id = ?;`, id)
}

// FindLatestUnstartedStream returns the most recently created stream on
// (backend, handle) that has not started yet, or nil.
func (q *Queries) FindLatestUnstartedStream(ctx context.Context, backendID string, handleID int64) (*Stream, error) {
	return q.findOneStream(ctx, streamSelect+`
		WHERE s.backend_id = ? AND s.handle_id = ? AND s.started_at IS NULL
		ORDER BY s.created_at DESC, s.rowid DESC LIMIT 1;`, backendID, handleID)
}

// FindLatestUnstoppedStream returns the most recently created stream on
// (backend, handle) that has not stopped yet, or nil.
func (q *Queries) FindLatestUnstoppedStream(ctx context.Context, backendID string, handleID int64) (*Stream, error) {
	return q.findOneStream(ctx, streamSelect+`
		WHERE s.backend_id = ? AND s.handle_id = ? AND s.stopped_at IS NULL
		ORDER BY s.created_at DESC, s.rowid DESC LIMIT 1;`, backendID, handleID)
}

func (q *Queries) findOneStream(ctx context.Context, query string, args ...any) (*Stream, error) {
	var s Stream
	if err := scanStream(q.q.QueryRowContext(ctx, query, args...).Scan, &s); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find stream: %w", err)
	}
	return &s, nil
}

// StartStream sets started_at if unset and returns the stream, or nil if it
// was already started.
func (q *Queries) StartStream(ctx context.Context, id string, at time.Time) (*Stream, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE janus_rtc_stream SET started_at = ? WHERE id = ? AND started_at IS NULL;
	`, toMillis(at), id)
	if err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return q.FindStream(ctx, id)
}

// StopStream sets stopped_at if unset and returns the stream, or nil if it
// was already stopped.
func (q *Queries) StopStream(ctx context.Context, id string, at time.Time) (*Stream, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE janus_rtc_stream SET stopped_at = ? WHERE id = ? AND stopped_at IS NULL;
	`, toMillis(at), id)
	if err != nil {
		return nil, fmt.Errorf("stop stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return q.FindStream(ctx, id)
}

// StreamFilter narrows ListStreams. Zero fields do not filter.
type StreamFilter struct {
	BackendID string
	HandleID  *int64
	RoomID    string
	RtcID     string
	Active    bool
	Limit     int
}

// ListStreams returns matching streams, newest first.
func (q *Queries) ListStreams(ctx context.Context, f StreamFilter) ([]Stream, error) {
	var where []string
	var args []any
	if f.BackendID != "" {
		where = append(where, "s.backend_id = ?")
		args = append(args, f.BackendID)
	}
	if f.HandleID != nil {
		where = append(where, "s.handle_id = ?")
		args = append(args, *f.HandleID)
	}
	if f.RoomID != "" {
		where = append(where, "rtc.room_id = ?")
		args = append(args, f.RoomID)
	}
	if f.RtcID != "" {
		where = append(where, "s.rtc_id = ?")
		args = append(args, f.RtcID)
	}
	if f.Active {
		where = append(where, "s.started_at IS NOT NULL AND s.stopped_at IS NULL")
	}

	query := streamSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.created_at DESC, s.rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.q.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var s Stream
		if err := scanStream(rows.Scan, &s); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return out, nil
}
