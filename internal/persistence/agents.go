package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertAgent records presence of agentID in the room and returns the row.
func (q *Queries) UpsertAgent(ctx context.Context, agentID, roomID string, status AgentStatus) (*Agent, error) {
	var a Agent
	var createdAt int64
	err := q.q.QueryRowContext(ctx, `
		INSERT INTO agent (id, agent_id, room_id, status, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, room_id) DO UPDATE SET status = excluded.status
		RETURNING id, agent_id, room_id, status, created_at;
	`, uuid.NewString(), agentID, roomID, string(status), toMillis(time.Now())).
		Scan(&a.ID, &a.AgentID, &a.RoomID, &a.Status, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

func (q *Queries) ListAgents(ctx context.Context, roomID string) ([]Agent, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, agent_id, room_id, status, created_at FROM agent
		WHERE room_id = ? ORDER BY created_at ASC, agent_id ASC;
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.AgentID, &a.RoomID, &a.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.CreatedAt = fromMillis(createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

// DeleteAgentsByRoom removes every presence row of the room along with their connections.
func (q *Queries) DeleteAgentsByRoom(ctx context.Context, roomID string) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM agent WHERE room_id = ?;`, roomID)
	if err != nil {
		return 0, fmt.Errorf("delete agents: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (q *Queries) InsertAgentConnection(ctx context.Context, c AgentConnection) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO agent_connection (agent_id, rtc_id, handle_id, backend_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, rtc_id) DO UPDATE SET handle_id = excluded.handle_id, backend_id = excluded.backend_id;
	`, c.AgentRowID, c.RtcID, c.HandleID, c.BackendID, toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert agent connection: %w", err)
	}
	return nil
}

// ListAgentConnections returns the connections of agents present in the room.
func (q *Queries) ListAgentConnections(ctx context.Context, roomID string) ([]AgentConnection, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT c.agent_id, c.rtc_id, c.handle_id, c.backend_id, c.created_at
		FROM agent_connection c
		JOIN agent a ON a.id = c.agent_id
		WHERE a.room_id = ?
		ORDER BY c.created_at ASC, c.rtc_id ASC;
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list agent connections: %w", err)
	}
	defer rows.Close()

	var out []AgentConnection
	for rows.Next() {
		var c AgentConnection
		var createdAt int64
		if err := rows.Scan(&c.AgentRowID, &c.RtcID, &c.HandleID, &c.BackendID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan agent connection: %w", err)
		}
		c.CreatedAt = fromMillis(createdAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent connections: %w", err)
	}
	return out, nil
}

// BulkDisconnectByRoom removes every agent connection of agents in the room.
func (q *Queries) BulkDisconnectByRoom(ctx context.Context, roomID string) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		DELETE FROM agent_connection
		WHERE agent_id IN (SELECT id FROM agent WHERE room_id = ?);
	`, roomID)
	if err != nil {
		return 0, fmt.Errorf("disconnect agents by room: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BulkDisconnectByBackend removes every agent connection served by the backend.
func (q *Queries) BulkDisconnectByBackend(ctx context.Context, backendID string) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM agent_connection WHERE backend_id = ?;`, backendID)
	if err != nil {
		return 0, fmt.Errorf("disconnect agents by backend: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
