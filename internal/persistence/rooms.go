package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const roomColumns = `r.id, r.audience, r.opened_at, r.closed_at, r.rtc_sharing_policy, r.host,
	r.classroom_id, r.backend_id, r.timed_out, r.created_at`

func roomScanArgs(r *Room, opened, closed *sql.NullInt64, timedOut *int, createdAt *int64) []any {
	return []any{&r.ID, &r.Audience, opened, closed, &r.SharingPolicy, &r.Host,
		&r.ClassroomID, &r.BackendID, timedOut, createdAt}
}

func finishRoom(r *Room, opened, closed sql.NullInt64, timedOut int, createdAt int64) {
	r.OpenedAt = timePtr(opened)
	r.ClosedAt = timePtr(closed)
	r.TimedOut = timedOut != 0
	r.CreatedAt = fromMillis(createdAt)
}

func scanRoom(scanFn func(dest ...any) error, r *Room) error {
	var opened, closed sql.NullInt64
	var timedOut int
	var createdAt int64
	if err := scanFn(roomScanArgs(r, &opened, &closed, &timedOut, &createdAt)...); err != nil {
		return err
	}
	finishRoom(r, opened, closed, timedOut, createdAt)
	return nil
}

// InsertRoom persists a room. An empty ID is filled with a new uuid.
func (q *Queries) InsertRoom(ctx context.Context, r Room) (*Room, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.SharingPolicy == "" {
		r.SharingPolicy = SharingNone
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	timedOut := 0
	if r.TimedOut {
		timedOut = 1
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO room (id, audience, opened_at, closed_at, rtc_sharing_policy, host, classroom_id, backend_id, timed_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, r.ID, r.Audience, nullMillis(r.OpenedAt), nullMillis(r.ClosedAt), string(r.SharingPolicy), r.Host,
		r.ClassroomID, r.BackendID, timedOut, toMillis(r.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	return q.FindRoom(ctx, r.ID)
}

// FindRoom returns the room with the given id, or nil if not found.
func (q *Queries) FindRoom(ctx context.Context, id string) (*Room, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM room r WHERE r.id = ?;`, id)
	var r Room
	if err := scanRoom(row.Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find room: %w", err)
	}
	return &r, nil
}

// FindRoomWith returns the room only if it satisfies req at now.
func (q *Queries) FindRoomWith(ctx context.Context, id string, req TimeRequirement, now time.Time) (*Room, error) {
	r, err := q.FindRoom(ctx, id)
	if err != nil || r == nil {
		return nil, err
	}
	if !r.Meets(req, now) {
		return nil, nil
	}
	return r, nil
}

// CloseRoom sets the close bound to at unless the room is already closed by then.
// It reports whether the room was closed by this call.
func (q *Queries) CloseRoom(ctx context.Context, id string, at time.Time, timedOut bool) (bool, error) {
	flag := 0
	if timedOut {
		flag = 1
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE room SET closed_at = ?, timed_out = ?
		WHERE id = ? AND (closed_at IS NULL OR closed_at > ?);
	`, toMillis(at), flag, id, toMillis(at))
	if err != nil {
		return false, fmt.Errorf("close room: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishedWithInProgressRecordings lists in-progress recordings of rooms closed
// by now, together with the backend serving the room. A non-empty group
// restricts the result to backends of that deployment group.
func (q *Queries) FinishedWithInProgressRecordings(ctx context.Context, now time.Time, group string) ([]VacuumItem, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+roomColumns+`,
			rec.rtc_id, rec.status, rec.started_at, rec.segments, rec.mjr_dumps_uris, rec.created_at,
			`+prefixed("b", backendColumns)+`
		FROM room r
		JOIN rtc ON rtc.room_id = r.id
		JOIN recording rec ON rec.rtc_id = rtc.id
		JOIN janus_backend b ON b.id = r.backend_id
		WHERE r.closed_at IS NOT NULL AND r.closed_at <= ?
			AND rec.status = 'in_progress'
			AND (? = '' OR b.grp = ?)
		ORDER BY r.closed_at ASC, r.id ASC, rec.rtc_id ASC;
	`, toMillis(now), group, group)
	if err != nil {
		return nil, fmt.Errorf("list finished rooms: %w", err)
	}
	defer rows.Close()

	var out []VacuumItem
	for rows.Next() {
		var item VacuumItem
		var opened, closed sql.NullInt64
		var timedOut int
		var roomCreated int64
		var rec recordingRow
		var capacity, balancer sql.NullInt64
		var backendCreated int64

		dest := roomScanArgs(&item.Room, &opened, &closed, &timedOut, &roomCreated)
		dest = append(dest, rec.scanArgs()...)
		dest = append(dest, &item.Backend.ID, &item.Backend.SessionID, &item.Backend.HandleID,
			&capacity, &balancer, &item.Backend.Group, &item.Backend.JanusURL, &backendCreated)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan finished room: %w", err)
		}
		finishRoom(&item.Room, opened, closed, timedOut, roomCreated)
		recording, err := rec.decode()
		if err != nil {
			return nil, err
		}
		item.Recording = *recording
		item.Backend.Capacity = int64Ptr(capacity)
		item.Backend.BalancerCapacity = int64Ptr(balancer)
		item.Backend.CreatedAt = fromMillis(backendCreated)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finished rooms: %w", err)
	}
	return out, nil
}
