package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"runweaver/internal/domain"
)

const connectionColumns = `id, task_id, session_id, run_id, server_instance, last_acked_order, connected_at, last_heartbeat`

func scanConnection(row rowScanner) (domain.ActiveConnection, error) {
	var c domain.ActiveConnection
	var connected, heartbeat int64
	if err := row.Scan(&c.ID, &c.TaskID, &c.SessionID, &c.RunID, &c.ServerInstance, &c.LastAckedOrder, &connected, &heartbeat); err != nil {
		return domain.ActiveConnection{}, err
	}
	c.ConnectedAt = fromMS(connected)
	c.LastHeartbeat = fromMS(heartbeat)
	return c, nil
}

// UpsertConnection registers conn under its task_id. A re-register replaces
// the owner and timestamps but keeps the row id and last_acked_order.
func (s *Store) UpsertConnection(ctx context.Context, conn domain.ActiveConnection) (domain.ActiveConnection, error) {
	now := s.now()
	var out domain.ActiveConnection
	err := s.withTx(ctx, "upsert connection", func(tx *sql.Tx) error {
		prev, err := scanConnection(tx.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM active_connections WHERE task_id = ?`, conn.TaskID))
		hadPrev := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load connection: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO active_connections(`+connectionColumns+`) VALUES(?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				session_id = excluded.session_id,
				run_id = excluded.run_id,
				server_instance = excluded.server_instance,
				connected_at = excluded.connected_at,
				last_heartbeat = excluded.last_heartbeat`,
			conn.ID, conn.TaskID, conn.SessionID, conn.RunID, conn.ServerInstance, toMS(now), toMS(now),
		)
		if err != nil {
			return fmt.Errorf("upsert connection: %w", err)
		}
		out, err = scanConnection(tx.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM active_connections WHERE task_id = ?`, conn.TaskID))
		if err != nil {
			return fmt.Errorf("reload connection: %w", err)
		}
		switch {
		case !hadPrev:
			return insertHistory(ctx, tx, domain.StateHistoryEntry{
				EntityType: domain.EntityConnection, EntityID: out.ID, SessionID: out.SessionID,
				ToState: "connected:" + out.ServerInstance, Reason: "task " + out.TaskID + " registered",
			}, now)
		case prev.ServerInstance != out.ServerInstance:
			return insertHistory(ctx, tx, domain.StateHistoryEntry{
				EntityType: domain.EntityConnection, EntityID: out.ID, SessionID: out.SessionID,
				FromState: "connected:" + prev.ServerInstance, ToState: "connected:" + out.ServerInstance,
				Reason: "taken over",
			}, now)
		}
		return nil
	})
	if err != nil {
		return domain.ActiveConnection{}, err
	}
	return out, nil
}

func (s *Store) GetConnection(ctx context.Context, taskID string) (domain.ActiveConnection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM active_connections WHERE task_id = ?`, taskID))
	if err != nil {
		return domain.ActiveConnection{}, notFound(err, "connection", taskID)
	}
	return c, nil
}

func (s *Store) TouchConnection(ctx context.Context, taskID string) error {
	return s.execOne(ctx, "touch connection", taskID,
		`UPDATE active_connections SET last_heartbeat = ? WHERE task_id = ?`, toMS(s.now()), taskID)
}

// AckConnection advances the catch-up cursor; it never moves backwards.
func (s *Store) AckConnection(ctx context.Context, taskID string, order int64) error {
	return s.execOne(ctx, "ack connection", taskID,
		`UPDATE active_connections SET last_acked_order = MAX(last_acked_order, ?), last_heartbeat = ? WHERE task_id = ?`,
		order, toMS(s.now()), taskID)
}

func (s *Store) DeleteConnection(ctx context.Context, taskID string) error {
	return withBusyRetry(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM active_connections WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
		return nil
	})
}

func (s *Store) execOne(ctx context.Context, name, taskID, query string, args ...any) error {
	return withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s rows affected: %w", name, err)
		}
		if affected == 0 {
			return fmt.Errorf("connection %s: %w", taskID, domain.ErrNotFound)
		}
		return nil
	})
}

// ListConnections returns rows owned by serverInstance, or all rows when it is empty.
func (s *Store) ListConnections(ctx context.Context, serverInstance string) ([]domain.ActiveConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM active_connections`
	args := []any{}
	if serverInstance != "" {
		query += ` WHERE server_instance = ?`
		args = append(args, serverInstance)
	}
	return s.queryConnections(ctx, query+` ORDER BY connected_at ASC`, args...)
}

// DeleteStaleConnections removes rows whose heartbeat is older than cutoff and returns them.
func (s *Store) DeleteStaleConnections(ctx context.Context, cutoff time.Time) ([]domain.ActiveConnection, error) {
	now := s.now()
	var stale []domain.ActiveConnection
	err := s.withTx(ctx, "reap connections", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+connectionColumns+` FROM active_connections WHERE last_heartbeat < ?`, toMS(cutoff))
		if err != nil {
			return fmt.Errorf("list stale connections: %w", err)
		}
		stale = stale[:0]
		for rows.Next() {
			c, err := scanConnection(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan stale connection: %w", err)
			}
			stale = append(stale, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stale connections: %w", err)
		}
		for _, c := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM active_connections WHERE id = ?`, c.ID); err != nil {
				return fmt.Errorf("delete stale connection: %w", err)
			}
			if err := insertHistory(ctx, tx, domain.StateHistoryEntry{
				EntityType: domain.EntityConnection, EntityID: c.ID, SessionID: c.SessionID,
				FromState: "connected:" + c.ServerInstance, ToState: "reaped", Reason: "heartbeat timeout",
			}, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func (s *Store) queryConnections(ctx context.Context, query string, args ...any) ([]domain.ActiveConnection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var result []domain.ActiveConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return result, nil
}
