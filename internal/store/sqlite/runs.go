package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"runweaver/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, session_id, goal, status, branch_parent_id, is_branch, branch_depth, finalized, created_at, updated_at`

func scanRun(row rowScanner) (domain.WorkflowRun, error) {
	var r domain.WorkflowRun
	var status string
	var parent sql.NullString
	var isBranch, finalized int
	var created, updated int64
	if err := row.Scan(&r.ID, &r.SessionID, &r.Goal, &status, &parent, &isBranch, &r.BranchDepth, &finalized, &created, &updated); err != nil {
		return domain.WorkflowRun{}, err
	}
	r.Status = domain.RunStatus(status)
	r.BranchParentID = parent.String
	r.IsBranch = isBranch == 1
	r.Finalized = finalized == 1
	r.CreatedAt = fromMS(created)
	r.UpdatedAt = fromMS(updated)
	return r, nil
}

const nodeColumns = `id, run_id, parent_node_id, source_node_id, seq, depth, name, kind, status, created_at`

func scanNode(row rowScanner) (domain.DagNode, error) {
	var n domain.DagNode
	var parent, source sql.NullString
	var status string
	var created int64
	if err := row.Scan(&n.ID, &n.RunID, &parent, &source, &n.Seq, &n.Depth, &n.Name, &n.Kind, &status, &created); err != nil {
		return domain.DagNode{}, err
	}
	n.ParentNodeID = parent.String
	n.SourceNodeID = source.String
	n.Status = domain.NodeStatus(status)
	n.CreatedAt = fromMS(created)
	return n, nil
}

func insertRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO workflow_runs(`+runColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.Goal, string(run.Status), nullString(run.BranchParentID),
		boolInt(run.IsBranch), run.BranchDepth, boolInt(run.Finalized),
		toMS(run.CreatedAt), toMS(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func insertNode(ctx context.Context, tx *sql.Tx, node domain.DagNode) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO dag_nodes(`+nodeColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.RunID, nullString(node.ParentNodeID), nullString(node.SourceNodeID),
		node.Seq, node.Depth, node.Name, node.Kind, string(node.Status), toMS(node.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// openRun loads a run inside tx and rejects unknown or finalized runs.
func openRun(ctx context.Context, tx *sql.Tx, runID string) (domain.WorkflowRun, error) {
	run, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowRun{}, fmt.Errorf("run %s: %w", runID, domain.ErrRunNotFound)
		}
		return domain.WorkflowRun{}, fmt.Errorf("load run: %w", err)
	}
	if run.Finalized {
		return domain.WorkflowRun{}, fmt.Errorf("run %s is %s: %w", runID, run.Status, domain.ErrRunNotFound)
	}
	return run, nil
}

func nextNodeSeq(ctx context.Context, tx *sql.Tx, runID string) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM dag_nodes WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next node seq: %w", err)
	}
	return seq, nil
}

// CreateRootRun inserts a run together with its depth-0 root node.
func (s *Store) CreateRootRun(ctx context.Context, run domain.WorkflowRun, root domain.DagNode) error {
	now := s.now()
	return s.withTx(ctx, "create root run", func(tx *sql.Tx) error {
		if err := insertRun(ctx, tx, run); err != nil {
			return err
		}
		root.RunID = run.ID
		root.ParentNodeID = ""
		root.Depth = 0
		root.Seq = 1
		if err := insertNode(ctx, tx, root); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityRun, EntityID: run.ID, SessionID: run.SessionID,
			ToState: string(run.Status), Reason: "run submitted",
		}, now); err != nil {
			return err
		}
		return insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityNode, EntityID: root.ID, SessionID: run.SessionID,
			ToState: string(root.Status), Reason: "root node created",
		}, now)
	})
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, runID))
	if err != nil {
		return domain.WorkflowRun{}, notFound(err, "run", runID)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by session.
func (s *Store) ListRuns(ctx context.Context, sessionID string, limit int) ([]domain.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return s.queryRuns(ctx, query, args...)
}

func (s *Store) ListRunsByStatus(ctx context.Context, statuses ...domain.RunStatus) ([]domain.WorkflowRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE status IN (` + strings.Join(marks, ", ") + `) ORDER BY created_at ASC`
	return s.queryRuns(ctx, query, args...)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]domain.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

// UpdateRunStatus moves a non-final run to status and records the transition.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, reason, actor string) (domain.WorkflowRun, error) {
	now := s.now()
	var updated domain.WorkflowRun
	err := s.withTx(ctx, "update run status", func(tx *sql.Tx) error {
		run, err := openRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if err := setRunStatus(ctx, tx, run, status, reason, actor, now); err != nil {
			return err
		}
		run.Status = status
		run.Finalized = status.IsFinal()
		run.UpdatedAt = now
		updated = run
		return nil
	})
	return updated, err
}

func setRunStatus(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun, status domain.RunStatus, reason, actor string, now time.Time) error {
	if run.Status == status {
		return nil
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE workflow_runs SET status = ?, finalized = ?, updated_at = ? WHERE id = ?`,
		string(status), boolInt(status.IsFinal()), toMS(now), run.ID,
	); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return insertHistory(ctx, tx, domain.StateHistoryEntry{
		EntityType: domain.EntityRun, EntityID: run.ID, SessionID: run.SessionID,
		FromState: string(run.Status), ToState: string(status), Reason: reason, Actor: actor,
	}, now)
}

// CreateNode appends a node to a run. The parent, when set, must belong to the same run.
func (s *Store) CreateNode(ctx context.Context, node domain.DagNode) (domain.DagNode, error) {
	now := s.now()
	err := s.withTx(ctx, "create node", func(tx *sql.Tx) error {
		run, err := openRun(ctx, tx, node.RunID)
		if err != nil {
			return err
		}
		node.Depth = 0
		if node.ParentNodeID != "" {
			var parentRun string
			var parentDepth int
			err := tx.QueryRowContext(ctx, `SELECT run_id, depth FROM dag_nodes WHERE id = ?`, node.ParentNodeID).Scan(&parentRun, &parentDepth)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("parent node %s missing: %w", node.ParentNodeID, domain.ErrInvalidParent)
			}
			if err != nil {
				return fmt.Errorf("load parent node: %w", err)
			}
			if parentRun != node.RunID {
				return fmt.Errorf("parent node %s belongs to run %s: %w", node.ParentNodeID, parentRun, domain.ErrInvalidParent)
			}
			node.Depth = parentDepth + 1
		}
		seq, err := nextNodeSeq(ctx, tx, node.RunID)
		if err != nil {
			return err
		}
		node.Seq = seq
		if node.CreatedAt.IsZero() {
			node.CreatedAt = now
		}
		if err := insertNode(ctx, tx, node); err != nil {
			return err
		}
		return insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityNode, EntityID: node.ID, SessionID: run.SessionID,
			ToState: string(node.Status), Reason: "node created",
		}, now)
	})
	if err != nil {
		return domain.DagNode{}, err
	}
	return node, nil
}

// SetNodeStatus records a node's terminal state. Nodes of finalized runs are left untouched.
func (s *Store) SetNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus, reason string) error {
	now := s.now()
	return s.withTx(ctx, "set node status", func(tx *sql.Tx) error {
		node, err := scanNode(tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM dag_nodes WHERE id = ?`, nodeID))
		if err != nil {
			return notFound(err, "node", nodeID)
		}
		if node.Status == status {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE dag_nodes SET status = ? WHERE id = ?`, string(status), nodeID); err != nil {
			return fmt.Errorf("update node status: %w", err)
		}
		return insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityNode, EntityID: nodeID,
			FromState: string(node.Status), ToState: string(status), Reason: reason,
		}, now)
	})
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (domain.DagNode, error) {
	node, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM dag_nodes WHERE id = ?`, nodeID))
	if err != nil {
		return domain.DagNode{}, notFound(err, "node", nodeID)
	}
	return node, nil
}

// ListRunNodes returns every node of a run in creation order.
func (s *Store) ListRunNodes(ctx context.Context, runID string) ([]domain.DagNode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM dag_nodes WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var result []domain.DagNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		result = append(result, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return result, nil
}

// CreateBranchRun validates and writes a redo branch in one transaction, so a
// rejected branch leaves no rows behind.
func (s *Store) CreateBranchRun(ctx context.Context, in domain.BranchRunInput) (domain.BranchRunResult, error) {
	now := s.now()
	var out domain.BranchRunResult
	err := s.withTx(ctx, "create branch run", func(tx *sql.Tx) error {
		source, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, in.SourceRunID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("source run %s: %w", in.SourceRunID, domain.ErrRunNotFound)
			}
			return fmt.Errorf("load source run: %w", err)
		}
		if source.BranchDepth+1 > in.MaxDepth {
			return fmt.Errorf("branch depth %d above limit %d: %w", source.BranchDepth+1, in.MaxDepth, domain.ErrBranchDepthExceeded)
		}
		from, err := scanNode(tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM dag_nodes WHERE id = ?`, in.FromNodeID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("node %s missing: %w", in.FromNodeID, domain.ErrInvalidParent)
			}
			return fmt.Errorf("load branch node: %w", err)
		}
		if from.RunID != source.ID {
			return fmt.Errorf("node %s belongs to run %s: %w", from.ID, from.RunID, domain.ErrInvalidParent)
		}

		rows, err := tx.QueryContext(ctx, `SELECT `+nodeColumns+` FROM dag_nodes WHERE run_id = ? AND seq < ? ORDER BY seq ASC`, source.ID, from.Seq)
		if err != nil {
			return fmt.Errorf("load branch prefix: %w", err)
		}
		var prefix []domain.DagNode
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan branch prefix: %w", err)
			}
			prefix = append(prefix, n)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate branch prefix: %w", err)
		}

		run := domain.WorkflowRun{
			ID:             in.NewRunID,
			SessionID:      source.SessionID,
			Goal:           source.Goal,
			Status:         domain.RunStatusPending,
			BranchParentID: source.ID,
			IsBranch:       true,
			BranchDepth:    source.BranchDepth + 1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := insertRun(ctx, tx, run); err != nil {
			return err
		}

		idMap := make(map[string]string, len(prefix))
		copied := make([]domain.DagNode, 0, len(prefix))
		for i, n := range prefix {
			c := domain.DagNode{
				ID:           in.NewNodeID(),
				RunID:        run.ID,
				ParentNodeID: idMap[n.ParentNodeID],
				SourceNodeID: n.ID,
				Seq:          int64(i + 1),
				Depth:        n.Depth,
				Name:         n.Name,
				Kind:         n.Kind,
				Status:       domain.NodeStatusCopied,
				CreatedAt:    now,
			}
			idMap[n.ID] = c.ID
			if err := insertNode(ctx, tx, c); err != nil {
				return err
			}
			copied = append(copied, c)
		}

		branch := domain.Branch{
			ID:          in.BranchID,
			RunID:       run.ID,
			SourceRunID: source.ID,
			StepID:      from.Name,
			FromNodeID:  from.ID,
			Status:      domain.BranchStatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := insertBranch(ctx, tx, branch); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityRun, EntityID: run.ID, SessionID: run.SessionID,
			ToState: string(run.Status), Reason: "branched from " + source.ID,
		}, now); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, domain.StateHistoryEntry{
			EntityType: domain.EntityBranch, EntityID: branch.ID, SessionID: run.SessionID,
			ToState: string(branch.Status), Reason: "redo from node " + from.ID,
		}, now); err != nil {
			return err
		}
		out = domain.BranchRunResult{Run: run, Branch: branch, Nodes: copied}
		return nil
	})
	if err != nil {
		return domain.BranchRunResult{}, err
	}
	return out, nil
}

// DeleteSession removes a session's state row and every run it owns; nodes,
// events, branches and approvals follow through foreign key cascades.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, "delete session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_runs WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session runs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_states WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session state: %w", err)
		}
		return nil
	})
}
