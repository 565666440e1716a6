package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"runweaver/internal/domain"
)

const sessionColumns = `id, session_id, mode, conversation_history, context_variables, plan_data, current_phase, current_step,
	status, version, expires_at, created_at, updated_at`

func scanSession(row rowScanner) (domain.SessionState, error) {
	var st domain.SessionState
	var history, vars, plan, status string
	var expires sql.NullInt64
	var created, updated int64
	if err := row.Scan(
		&st.ID, &st.SessionID, &st.Mode, &history, &vars, &plan, &st.CurrentPhase, &st.CurrentStep,
		&status, &st.Version, &expires, &created, &updated,
	); err != nil {
		return domain.SessionState{}, err
	}
	st.ConversationHistory = []byte(history)
	st.ContextVariables = []byte(vars)
	st.PlanData = []byte(plan)
	st.Status = domain.SessionStatus(status)
	st.ExpiresAt = msPtr(expires)
	st.CreatedAt = fromMS(created)
	st.UpdatedAt = fromMS(updated)
	return st, nil
}

// InsertSession creates the first version of a session. An existing row for
// the same session_id means the caller's view (version 0) is stale.
func (s *Store) InsertSession(ctx context.Context, st domain.SessionState) (domain.SessionState, error) {
	now := s.now()
	st.Version = 1
	st.CreatedAt = now
	st.UpdatedAt = now
	st.ConversationHistory = []byte(rawOrEmpty(st.ConversationHistory, "[]"))
	st.ContextVariables = []byte(rawOrEmpty(st.ContextVariables, "{}"))
	st.PlanData = []byte(rawOrEmpty(st.PlanData, "{}"))
	if st.Status == "" {
		st.Status = domain.SessionStatusActive
	}
	err := s.withTx(ctx, "insert session", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO session_states(`+sessionColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.SessionID, st.Mode, string(st.ConversationHistory), string(st.ContextVariables), string(st.PlanData),
			st.CurrentPhase, st.CurrentStep, string(st.Status), st.Version, nullableMS(st.ExpiresAt),
			toMS(st.CreatedAt), toMS(st.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("session %s already exists: %w", st.SessionID, domain.ErrStaleState)
			}
			return fmt.Errorf("insert session: %w", err)
		}
		return insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntitySession, EntityID: st.ID, SessionID: st.SessionID,
			ToState: string(st.Status), Reason: "session created",
		}, now)
	})
	if err != nil {
		return domain.SessionState{}, err
	}
	return st, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.SessionState, error) {
	st, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM session_states WHERE session_id = ?`, sessionID))
	if err != nil {
		return domain.SessionState{}, notFound(err, "session", sessionID)
	}
	return st, nil
}

// CompareAndSwapSession applies patch only if the stored version equals
// expectedVersion, then bumps the version by one.
func (s *Store) CompareAndSwapSession(ctx context.Context, sessionID string, patch domain.SessionPatch, expectedVersion int64, reason string) (domain.SessionState, error) {
	now := s.now()
	var out domain.SessionState
	err := s.withTx(ctx, "cas session", func(tx *sql.Tx) error {
		cur, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM session_states WHERE session_id = ?`, sessionID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
			}
			return fmt.Errorf("load session: %w", err)
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("session %s at version %d, expected %d: %w", sessionID, cur.Version, expectedVersion, domain.ErrStaleState)
		}
		next := applyPatch(cur, patch)
		next.Version = cur.Version + 1
		if !now.After(cur.UpdatedAt) {
			now = cur.UpdatedAt.Add(time.Millisecond)
		}
		next.UpdatedAt = now
		res, err := tx.ExecContext(
			ctx,
			`UPDATE session_states SET mode = ?, conversation_history = ?, context_variables = ?, plan_data = ?,
				current_phase = ?, current_step = ?, status = ?, version = ?, expires_at = ?, updated_at = ?
			WHERE session_id = ? AND version = ?`,
			next.Mode, string(next.ConversationHistory), string(next.ContextVariables), string(next.PlanData),
			next.CurrentPhase, next.CurrentStep, string(next.Status), next.Version, nullableMS(next.ExpiresAt), toMS(next.UpdatedAt),
			sessionID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("session %s: %w", sessionID, domain.ErrStaleState)
		}
		if next.Status != cur.Status {
			if err := insertHistory(ctx, tx, domain.StateHistoryEntry{
				EntityType: domain.EntitySession, EntityID: cur.ID, SessionID: sessionID,
				FromState: string(cur.Status), ToState: string(next.Status), Reason: reason,
			}, now); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.SessionState{}, err
	}
	return out, nil
}

func applyPatch(st domain.SessionState, p domain.SessionPatch) domain.SessionState {
	if p.Mode != nil {
		st.Mode = *p.Mode
	}
	if len(p.ConversationHistory) > 0 {
		st.ConversationHistory = p.ConversationHistory
	}
	if len(p.ContextVariables) > 0 {
		st.ContextVariables = p.ContextVariables
	}
	if len(p.PlanData) > 0 {
		st.PlanData = p.PlanData
	}
	if p.CurrentPhase != nil {
		st.CurrentPhase = *p.CurrentPhase
	}
	if p.CurrentStep != nil {
		st.CurrentStep = *p.CurrentStep
	}
	if p.Status != nil {
		st.Status = *p.Status
	}
	if p.ExpiresAt != nil {
		t := p.ExpiresAt.UTC()
		st.ExpiresAt = &t
	}
	return st
}

// ListExpirableSessions returns active or suspended sessions past expires_at.
func (s *Store) ListExpirableSessions(ctx context.Context, now time.Time) ([]domain.SessionState, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+sessionColumns+` FROM session_states
		WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC`,
		string(domain.SessionStatusActive), string(domain.SessionStatusSuspended), toMS(now),
	)
	if err != nil {
		return nil, fmt.Errorf("list expirable sessions: %w", err)
	}
	defer rows.Close()

	var result []domain.SessionState
	for rows.Next() {
		st, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}
