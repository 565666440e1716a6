package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"runweaver/internal/domain"
)

const approvalColumns = `id, run_id, step_id, session_id, approval_type, context, result, decided_by, note, created_at, expires_at, decided_at`

func scanApproval(row rowScanner) (domain.ApprovalRequest, error) {
	var r domain.ApprovalRequest
	var contextJSON string
	var result sql.NullString
	var created, expires int64
	var decided sql.NullInt64
	if err := row.Scan(&r.ID, &r.RunID, &r.StepID, &r.SessionID, &r.ApprovalType, &contextJSON, &result, &r.DecidedBy, &r.Note, &created, &expires, &decided); err != nil {
		return domain.ApprovalRequest{}, err
	}
	r.Context = []byte(contextJSON)
	r.Result = domain.ApprovalResult(result.String)
	r.CreatedAt = fromMS(created)
	r.ExpiresAt = fromMS(expires)
	r.DecidedAt = msPtr(decided)
	return r, nil
}

// CreateApproval records a pending request and parks its run in waiting_approval.
func (s *Store) CreateApproval(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalRequest, error) {
	now := s.now()
	err := s.withTx(ctx, "create approval", func(tx *sql.Tx) error {
		run, err := openRun(ctx, tx, req.RunID)
		if err != nil {
			return err
		}
		if req.SessionID == "" {
			req.SessionID = run.SessionID
		}
		req.Context = []byte(rawOrEmpty(req.Context, "{}"))
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO approval_requests(`+approvalColumns+`) VALUES(?, ?, ?, ?, ?, ?, NULL, '', '', ?, ?, NULL)`,
			req.ID, req.RunID, req.StepID, req.SessionID, req.ApprovalType, string(req.Context),
			toMS(req.CreatedAt), toMS(req.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		if err := insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityApproval, EntityID: req.ID, SessionID: req.SessionID,
			ToState: "pending", Reason: req.ApprovalType + " approval for step " + req.StepID,
		}, now); err != nil {
			return err
		}
		return setRunStatus(ctx, tx, run, domain.RunStatusWaitingApproval, "awaiting approval "+req.ID, "", now)
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	return req, nil
}

func (s *Store) GetApproval(ctx context.Context, requestID string) (domain.ApprovalRequest, error) {
	r, err := scanApproval(s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, requestID))
	if err != nil {
		return domain.ApprovalRequest{}, notFound(err, "approval", requestID)
	}
	return r, nil
}

// DecideApproval writes the first decision for a request. A decision arriving
// at or after expires_at is replaced by an expiry, committed, and reported as
// ErrExpired. Approve and deny put a waiting run back to running.
func (s *Store) DecideApproval(ctx context.Context, requestID string, result domain.ApprovalResult, actor, note string) (domain.ApprovalRequest, error) {
	now := s.now()
	var out domain.ApprovalRequest
	expired := false
	err := s.withTx(ctx, "decide approval", func(tx *sql.Tx) error {
		req, err := scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, requestID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("approval %s: %w", requestID, domain.ErrNotFound)
			}
			return fmt.Errorf("load approval: %w", err)
		}
		if !req.Pending() {
			return fmt.Errorf("approval %s already %s: %w", requestID, req.Result, domain.ErrAlreadyResolved)
		}
		if result != domain.ApprovalExpired && !now.Before(req.ExpiresAt) {
			expired = true
			result = domain.ApprovalExpired
			actor = ""
			note = "decision arrived after expiry"
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE approval_requests SET result = ?, decided_by = ?, note = ?, decided_at = ? WHERE id = ? AND result IS NULL`,
			string(result), actor, note, toMS(now), requestID,
		); err != nil {
			return fmt.Errorf("update approval: %w", err)
		}
		if err := insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityApproval, EntityID: req.ID, SessionID: req.SessionID,
			FromState: "pending", ToState: string(result), Reason: note, Actor: actor,
		}, now); err != nil {
			return err
		}
		if result != domain.ApprovalExpired {
			run, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, req.RunID))
			if err != nil {
				return fmt.Errorf("load approval run: %w", err)
			}
			if run.Status == domain.RunStatusWaitingApproval {
				if err := setRunStatus(ctx, tx, run, domain.RunStatusRunning, "approval "+string(result), actor, now); err != nil {
					return err
				}
			}
		}
		req.Result = result
		req.DecidedBy = actor
		req.Note = note
		req.DecidedAt = &now
		out = req
		return nil
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if expired {
		return out, fmt.Errorf("approval %s: %w", requestID, domain.ErrExpired)
	}
	return out, nil
}

// ListExpiredApprovals returns pending requests whose expires_at is at or before now.
func (s *Store) ListExpiredApprovals(ctx context.Context, now time.Time) ([]domain.ApprovalRequest, error) {
	return s.queryApprovals(
		ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE result IS NULL AND expires_at <= ? ORDER BY expires_at ASC`,
		toMS(now),
	)
}

func (s *Store) ListRunApprovals(ctx context.Context, runID string) ([]domain.ApprovalRequest, error) {
	return s.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE run_id = ? ORDER BY created_at ASC`, runID)
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]domain.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var result []domain.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return result, nil
}
