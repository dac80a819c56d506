package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (q *Queries) InsertRtc(ctx context.Context, r Rtc) (*Rtc, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO rtc (id, room_id, created_by, created_at) VALUES (?, ?, ?, ?);
	`, r.ID, r.RoomID, r.CreatedBy, toMillis(r.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert rtc: %w", err)
	}
	r.CreatedAt = fromMillis(toMillis(r.CreatedAt))
	return &r, nil
}

// FindRtc returns the rtc with the given id, or nil if not found.
func (q *Queries) FindRtc(ctx context.Context, id string) (*Rtc, error) {
	var r Rtc
	var createdAt int64
	err := q.q.QueryRowContext(ctx, `
		SELECT id, room_id, created_by, created_at FROM rtc WHERE id = ?;
	`, id).Scan(&r.ID, &r.RoomID, &r.CreatedBy, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find rtc: %w", err)
	}
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

// ListRtcWithRecording returns every rtc of the room with its recording, if any,
// ordered by rtc creation.
func (q *Queries) ListRtcWithRecording(ctx context.Context, roomID string) ([]RtcRecording, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT rtc.id, rtc.room_id, rtc.created_by, rtc.created_at,
			rec.rtc_id, rec.status, rec.started_at, rec.segments, rec.mjr_dumps_uris, rec.created_at
		FROM rtc
		LEFT JOIN recording rec ON rec.rtc_id = rtc.id
		WHERE rtc.room_id = ?
		ORDER BY rtc.created_at ASC, rtc.id ASC;
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list rtcs with recording: %w", err)
	}
	defer rows.Close()

	var out []RtcRecording
	for rows.Next() {
		var item RtcRecording
		var createdAt int64
		var rec nullableRecordingRow
		dest := append([]any{&item.Rtc.ID, &item.Rtc.RoomID, &item.Rtc.CreatedBy, &createdAt}, rec.scanArgs()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan rtc with recording: %w", err)
		}
		item.Rtc.CreatedAt = fromMillis(createdAt)
		if item.Recording, err = rec.decode(); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rtcs with recording: %w", err)
	}
	return out, nil
}
