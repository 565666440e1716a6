package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"runweaver/internal/domain"
)

const eventColumns = `id, run_id, node_id, step_id, session_id, parent_event_id, event_type, event_subtype, agent_name, agent_role,
	started_at, completed_at, duration_ms, inputs, outputs, error_message, execution_order, depth, status, created_at`

func scanEvent(row rowScanner) (domain.ExecutionEvent, error) {
	var e domain.ExecutionEvent
	var parent sql.NullString
	var started, completed sql.NullInt64
	var inputs, outputs string
	var created int64
	if err := row.Scan(
		&e.ID, &e.RunID, &e.NodeID, &e.StepID, &e.SessionID, &parent, &e.EventType, &e.EventSubtype, &e.AgentName, &e.AgentRole,
		&started, &completed, &e.DurationMS, &inputs, &outputs, &e.ErrorMessage, &e.ExecutionOrder, &e.Depth, &e.Status, &created,
	); err != nil {
		return domain.ExecutionEvent{}, err
	}
	e.ParentEventID = parent.String
	e.StartedAt = msPtr(started)
	e.CompletedAt = msPtr(completed)
	e.Inputs = []byte(inputs)
	e.Outputs = []byte(outputs)
	e.CreatedAt = fromMS(created)
	return e, nil
}

// AppendEvent assigns the next execution_order of the run and inserts the
// event. Callers serialize appends per run; UNIQUE(run_id, execution_order)
// rejects anything that slips past them.
func (s *Store) AppendEvent(ctx context.Context, ev domain.ExecutionEvent) (domain.ExecutionEvent, error) {
	now := s.now()
	err := s.withTx(ctx, "append event", func(tx *sql.Tx) error {
		run, err := openRun(ctx, tx, ev.RunID)
		if err != nil {
			return err
		}
		if ev.SessionID == "" {
			ev.SessionID = run.SessionID
		}
		ev.Depth = 0
		if ev.ParentEventID != "" {
			var parentRun string
			var parentDepth int
			err := tx.QueryRowContext(ctx, `SELECT run_id, depth FROM execution_events WHERE id = ?`, ev.ParentEventID).Scan(&parentRun, &parentDepth)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("parent event %s missing: %w", ev.ParentEventID, domain.ErrInvalidParent)
			}
			if err != nil {
				return fmt.Errorf("load parent event: %w", err)
			}
			if parentRun != ev.RunID {
				return fmt.Errorf("parent event %s belongs to run %s: %w", ev.ParentEventID, parentRun, domain.ErrInvalidParent)
			}
			ev.Depth = parentDepth + 1
		}
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(execution_order), 0) + 1 FROM execution_events WHERE run_id = ?`, ev.RunID).Scan(&ev.ExecutionOrder); err != nil {
			return fmt.Errorf("next execution order: %w", err)
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO execution_events(`+eventColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.RunID, ev.NodeID, ev.StepID, ev.SessionID, nullString(ev.ParentEventID), ev.EventType, ev.EventSubtype,
			ev.AgentName, ev.AgentRole, nullableMS(ev.StartedAt), nullableMS(ev.CompletedAt), ev.DurationMS,
			rawOrEmpty(ev.Inputs, "{}"), rawOrEmpty(ev.Outputs, "{}"), ev.ErrorMessage, ev.ExecutionOrder, ev.Depth, ev.Status,
			toMS(ev.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.ExecutionEvent{}, err
	}
	ev.Inputs = []byte(rawOrEmpty(ev.Inputs, "{}"))
	ev.Outputs = []byte(rawOrEmpty(ev.Outputs, "{}"))
	return ev, nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (domain.ExecutionEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM execution_events WHERE id = ?`, eventID))
	if err != nil {
		return domain.ExecutionEvent{}, notFound(err, "event", eventID)
	}
	return ev, nil
}

// ListEventsAfter returns up to limit events of a run with execution_order > after, ascending.
func (s *Store) ListEventsAfter(ctx context.Context, runID string, after int64, limit int) ([]domain.ExecutionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM execution_events WHERE run_id = ? AND execution_order > ? ORDER BY execution_order ASC LIMIT ?`,
		runID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var result []domain.ExecutionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}
