package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"runweaver/internal/domain"
)

const groupColumns = `id, parent_run_id, parent_step_id, strategy, status, winner_branch_id, reason, created_at, deadline_at, resolved_at`

func scanGroup(row rowScanner) (domain.RacingGroup, error) {
	var g domain.RacingGroup
	var status string
	var winner sql.NullString
	var created int64
	var deadline, resolved sql.NullInt64
	if err := row.Scan(&g.ID, &g.ParentRunID, &g.ParentStepID, &g.Strategy, &status, &winner, &g.Reason, &created, &deadline, &resolved); err != nil {
		return domain.RacingGroup{}, err
	}
	g.Status = domain.GroupStatus(status)
	g.WinnerBranchID = winner.String
	g.CreatedAt = fromMS(created)
	g.DeadlineAt = msPtr(deadline)
	g.ResolvedAt = msPtr(resolved)
	return g, nil
}

const branchColumns = `id, run_id, source_run_id, step_id, from_node_id, status, racing_group_id, racing_priority, racing_status, created_at, updated_at`

func scanBranch(row rowScanner) (domain.Branch, error) {
	var b domain.Branch
	var source, fromNode, group sql.NullString
	var status, racing string
	var created, updated int64
	if err := row.Scan(&b.ID, &b.RunID, &source, &b.StepID, &fromNode, &status, &group, &b.RacingPriority, &racing, &created, &updated); err != nil {
		return domain.Branch{}, err
	}
	b.SourceRunID = source.String
	b.FromNodeID = fromNode.String
	b.Status = domain.BranchStatus(status)
	b.RacingGroupID = group.String
	b.RacingStatus = domain.RacingStatus(racing)
	b.CreatedAt = fromMS(created)
	b.UpdatedAt = fromMS(updated)
	return b, nil
}

func insertBranch(ctx context.Context, tx *sql.Tx, b domain.Branch) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO branches(`+branchColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.RunID, nullString(b.SourceRunID), b.StepID, nullString(b.FromNodeID), string(b.Status),
		nullString(b.RacingGroupID), b.RacingPriority, string(b.RacingStatus), toMS(b.CreatedAt), toMS(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert branch: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// CreateRacingGroup opens a group and its branches. A second open group for the
// same (run, step) trips the partial unique index and yields ErrRaceInProgress.
func (s *Store) CreateRacingGroup(ctx context.Context, group domain.RacingGroup, branches []domain.Branch) error {
	now := s.now()
	return s.withTx(ctx, "create racing group", func(tx *sql.Tx) error {
		run, err := openRun(ctx, tx, group.ParentRunID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO racing_groups(`+groupColumns+`) VALUES(?, ?, ?, ?, ?, NULL, '', ?, ?, NULL)`,
			group.ID, group.ParentRunID, group.ParentStepID, group.Strategy, string(domain.GroupStatusRacing),
			toMS(group.CreatedAt), nullableMS(group.DeadlineAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("run %s step %s: %w", group.ParentRunID, group.ParentStepID, domain.ErrRaceInProgress)
			}
			return fmt.Errorf("insert racing group: %w", err)
		}
		for _, b := range branches {
			b.RacingGroupID = group.ID
			if err := insertBranch(ctx, tx, b); err != nil {
				return err
			}
			if err := insertHistory(ctx, tx, domain.StateHistoryEntry{
				EntityType: domain.EntityBranch, EntityID: b.ID, SessionID: run.SessionID,
				ToState: string(b.RacingStatus), Reason: "racing in group " + group.ID,
			}, now); err != nil {
				return err
			}
		}
		return insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityRacingGroup, EntityID: group.ID, SessionID: run.SessionID,
			ToState: string(domain.GroupStatusRacing), Reason: "race started for step " + group.ParentStepID,
		}, now)
	})
}

func (s *Store) GetRacingGroup(ctx context.Context, groupID string) (domain.RacingGroup, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM racing_groups WHERE id = ?`, groupID))
	if err != nil {
		return domain.RacingGroup{}, notFound(err, "racing group", groupID)
	}
	return g, nil
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (domain.Branch, error) {
	b, err := scanBranch(s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`, branchID))
	if err != nil {
		return domain.Branch{}, notFound(err, "branch", branchID)
	}
	return b, nil
}

func (s *Store) ListGroupBranches(ctx context.Context, groupID string) ([]domain.Branch, error) {
	return s.queryBranches(ctx, `SELECT `+branchColumns+` FROM branches WHERE racing_group_id = ? ORDER BY racing_priority ASC, created_at ASC`, groupID)
}

// ListRunBranches returns redo branches whose new run was seeded from runID.
func (s *Store) ListRunBranches(ctx context.Context, runID string) ([]domain.Branch, error) {
	return s.queryBranches(ctx, `SELECT `+branchColumns+` FROM branches WHERE source_run_id = ? ORDER BY created_at ASC`, runID)
}

func (s *Store) queryBranches(ctx context.Context, query string, args ...any) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var result []domain.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return result, nil
}

// SetBranchRacingStatus moves one branch to the given racing and branch status.
func (s *Store) SetBranchRacingStatus(ctx context.Context, branchID string, racing domain.RacingStatus, status domain.BranchStatus, reason string) error {
	now := s.now()
	return s.withTx(ctx, "set branch racing status", func(tx *sql.Tx) error {
		b, err := scanBranch(tx.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`, branchID))
		if err != nil {
			return notFound(err, "branch", branchID)
		}
		return updateBranch(ctx, tx, b, racing, status, reason, now)
	})
}

func updateBranch(ctx context.Context, tx *sql.Tx, b domain.Branch, racing domain.RacingStatus, status domain.BranchStatus, reason string, now time.Time) error {
	if b.RacingStatus == racing && b.Status == status {
		return nil
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE branches SET racing_status = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(racing), string(status), toMS(now), b.ID,
	); err != nil {
		return fmt.Errorf("update branch: %w", err)
	}
	return insertHistory(ctx, tx, domain.StateHistoryEntry{
		EntityType: domain.EntityBranch, EntityID: b.ID,
		FromState: string(b.RacingStatus), ToState: string(racing), Reason: reason,
	}, now)
}

// ResolveRacingGroup commits winnerID if the group is still racing. It reports
// false when another resolution or abort got there first.
func (s *Store) ResolveRacingGroup(ctx context.Context, groupID, winnerID string) (bool, error) {
	now := s.now()
	won := false
	err := s.withTx(ctx, "resolve racing group", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE racing_groups SET status = ?, winner_branch_id = ?, resolved_at = ? WHERE id = ? AND status = ?`,
			string(domain.GroupStatusResolved), winnerID, toMS(now), groupID, string(domain.GroupStatusRacing),
		)
		if err != nil {
			return fmt.Errorf("resolve racing group: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve racing group rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}
		won = true
		if err := closeGroupBranches(ctx, tx, groupID, winnerID, now); err != nil {
			return err
		}
		return insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityRacingGroup, EntityID: groupID,
			FromState: string(domain.GroupStatusRacing), ToState: string(domain.GroupStatusResolved),
			Reason: "winner " + winnerID,
		}, now)
	})
	return won, err
}

// AbortRacingGroup closes a still-racing group without a winner.
func (s *Store) AbortRacingGroup(ctx context.Context, groupID, reason string) (bool, error) {
	now := s.now()
	aborted := false
	err := s.withTx(ctx, "abort racing group", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE racing_groups SET status = ?, reason = ?, resolved_at = ? WHERE id = ? AND status = ?`,
			string(domain.GroupStatusAborted), reason, toMS(now), groupID, string(domain.GroupStatusRacing),
		)
		if err != nil {
			return fmt.Errorf("abort racing group: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("abort racing group rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}
		aborted = true
		if err := closeGroupBranches(ctx, tx, groupID, "", now); err != nil {
			return err
		}
		return insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityRacingGroup, EntityID: groupID,
			FromState: string(domain.GroupStatusRacing), ToState: string(domain.GroupStatusAborted),
			Reason: reason,
		}, now)
	})
	return aborted, err
}

// closeGroupBranches marks winnerID as winner and ends every branch still pending or running.
func closeGroupBranches(ctx context.Context, tx *sql.Tx, groupID, winnerID string, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE racing_group_id = ?`, groupID)
	if err != nil {
		return fmt.Errorf("load group branches: %w", err)
	}
	var branches []domain.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan group branch: %w", err)
		}
		branches = append(branches, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate group branches: %w", err)
	}
	for _, b := range branches {
		switch {
		case b.ID == winnerID:
			if err := updateBranch(ctx, tx, b, domain.RacingStatusWinner, domain.BranchStatusWinner, "won race", now); err != nil {
				return err
			}
		case b.RacingStatus == domain.RacingStatusPending || b.RacingStatus == domain.RacingStatusRunning:
			reason := "race aborted"
			if winnerID != "" {
				reason = "lost to " + winnerID
			}
			if err := updateBranch(ctx, tx, b, domain.RacingStatusEnded, domain.BranchStatusEnded, reason, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListOpenRacingGroups returns racing groups of a run, or of every run when runID is empty.
func (s *Store) ListOpenRacingGroups(ctx context.Context, runID string) ([]domain.RacingGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM racing_groups WHERE status = ?`
	args := []any{string(domain.GroupStatusRacing)}
	if runID != "" {
		query += ` AND parent_run_id = ?`
		args = append(args, runID)
	}
	return s.queryGroups(ctx, query+` ORDER BY created_at ASC`, args...)
}

// ListOverdueRacingGroups returns racing groups whose deadline is at or before now.
func (s *Store) ListOverdueRacingGroups(ctx context.Context, now time.Time) ([]domain.RacingGroup, error) {
	return s.queryGroups(
		ctx,
		`SELECT `+groupColumns+` FROM racing_groups WHERE status = ? AND deadline_at IS NOT NULL AND deadline_at <= ? ORDER BY deadline_at ASC`,
		string(domain.GroupStatusRacing), toMS(now),
	)
}

func (s *Store) ListRunRacingGroups(ctx context.Context, runID string) ([]domain.RacingGroup, error) {
	return s.queryGroups(ctx, `SELECT `+groupColumns+` FROM racing_groups WHERE parent_run_id = ? ORDER BY created_at ASC`, runID)
}

func (s *Store) queryGroups(ctx context.Context, query string, args ...any) ([]domain.RacingGroup, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list racing groups: %w", err)
	}
	defer rows.Close()

	var result []domain.RacingGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan racing group: %w", err)
		}
		result = append(result, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate racing groups: %w", err)
	}
	return result, nil
}
