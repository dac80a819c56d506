package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UpsertOrphanedRoom starts or refreshes tracking of a room whose host left at hostLeftAt.
func (q *Queries) UpsertOrphanedRoom(ctx context.Context, roomID string, hostLeftAt time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO orphaned_room (id, host_left_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET host_left_at = excluded.host_left_at;
	`, roomID, toMillis(hostLeftAt))
	if err != nil {
		return fmt.Errorf("upsert orphaned room: %w", err)
	}
	return nil
}

// ListOrphanedRoomsPast returns tracked rooms whose host left at or before till.
func (q *Queries) ListOrphanedRoomsPast(ctx context.Context, till time.Time) ([]OrphanedRoom, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+roomColumns+`, o.host_left_at
		FROM orphaned_room o
		JOIN room r ON r.id = o.id
		WHERE o.host_left_at <= ?
		ORDER BY o.host_left_at ASC, o.id ASC;
	`, toMillis(till))
	if err != nil {
		return nil, fmt.Errorf("list orphaned rooms: %w", err)
	}
	defer rows.Close()

	var out []OrphanedRoom
	for rows.Next() {
		var o OrphanedRoom
		var opened, closed sql.NullInt64
		var timedOut int
		var createdAt, hostLeftAt int64
		dest := append(roomScanArgs(&o.Room, &opened, &closed, &timedOut, &createdAt), &hostLeftAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan orphaned room: %w", err)
		}
		finishRoom(&o.Room, opened, closed, timedOut, createdAt)
		o.HostLeftAt = fromMillis(hostLeftAt)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned rooms: %w", err)
	}
	return out, nil
}

// RemoveOrphanedRooms stops tracking the given rooms.
func (q *Queries) RemoveOrphanedRooms(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := q.q.ExecContext(ctx, `DELETE FROM orphaned_room WHERE id IN (`+placeholders+`);`, args...)
	if err != nil {
		return 0, fmt.Errorf("remove orphaned rooms: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
