package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
)

// SaveRunPlan stores the step list a run executes, replacing any earlier one.
func (s *Store) SaveRunPlan(ctx context.Context, runID string, steps json.RawMessage) error {
	return withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO run_plans(run_id, steps, created_at) VALUES(?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET steps = excluded.steps`,
			runID, rawOrEmpty(steps, "[]"), toMS(s.now()))
		if err != nil {
			return fmt.Errorf("save run plan: %w", err)
		}
		return nil
	})
}

func (s *Store) GetRunPlan(ctx context.Context, runID string) (json.RawMessage, error) {
	var steps string
	if err := s.db.QueryRowContext(ctx, `SELECT steps FROM run_plans WHERE run_id = ?`, runID).Scan(&steps); err != nil {
		return nil, notFound(err, "run plan", runID)
	}
	return json.RawMessage(steps), nil
}
