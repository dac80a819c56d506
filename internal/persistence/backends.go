package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const backendColumns = `id, session_id, handle_id, capacity, balancer_capacity, grp, janus_url, created_at`

func scanBackend(scanFn func(dest ...any) error, b *Backend) error {
	var capacity, balancer sql.NullInt64
	var createdAt int64
	if err := scanFn(&b.ID, &b.SessionID, &b.HandleID, &capacity, &balancer, &b.Group, &b.JanusURL, &createdAt); err != nil {
		return err
	}
	b.Capacity = int64Ptr(capacity)
	b.BalancerCapacity = int64Ptr(balancer)
	b.CreatedAt = fromMillis(createdAt)
	return nil
}

// UpsertBackend inserts the backend or refreshes its session, handle and capacities.
func (q *Queries) UpsertBackend(ctx context.Context, b Backend) (*Backend, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	row := q.q.QueryRowContext(ctx, `
		INSERT INTO janus_backend (id, session_id, handle_id, capacity, balancer_capacity, grp, janus_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			handle_id = excluded.handle_id,
			capacity = excluded.capacity,
			balancer_capacity = excluded.balancer_capacity,
			grp = excluded.grp,
			janus_url = excluded.janus_url
		RETURNING `+backendColumns+`;
	`, b.ID, b.SessionID, b.HandleID, nullInt64(b.Capacity), nullInt64(b.BalancerCapacity), b.Group, b.JanusURL, toMillis(b.CreatedAt))
	var out Backend
	if err := scanBackend(row.Scan, &out); err != nil {
		return nil, fmt.Errorf("upsert backend: %w", err)
	}
	return &out, nil
}

// FindBackend returns the backend with the given id, or nil if not found.
func (q *Queries) FindBackend(ctx context.Context, id string) (*Backend, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+backendColumns+` FROM janus_backend WHERE id = ?;`, id)
	var b Backend
	if err := scanBackend(row.Scan, &b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find backend: %w", err)
	}
	return &b, nil
}

func (q *Queries) ListBackends(ctx context.Context) ([]Backend, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+backendColumns+` FROM janus_backend ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list backends: %w", err)
	}
	defer rows.Close()

	var out []Backend
	for rows.Next() {
		var b Backend
		if err := scanBackend(rows.Scan, &b); err != nil {
			return nil, fmt.Errorf("scan backend: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backends: %w", err)
	}
	return out, nil
}

// DeleteBackend removes the backend row; it reports whether a row existed.
func (q *Queries) DeleteBackend(ctx context.Context, id string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM janus_backend WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("delete backend: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
