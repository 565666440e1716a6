package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"runweaver/internal/domain"
)

func TestMigrateUpDownUp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	v, err := store.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != LatestVersion() {
		t.Fatalf("expected version %d, got %d", LatestVersion(), v)
	}
	if err := store.MigrateDown(ctx, 0); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	if v, _ := store.SchemaVersion(ctx); v != 0 {
		t.Fatalf("expected version 0 after down, got %d", v)
	}
	if _, err := store.GetRun(ctx, "missing"); err == nil || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing table error, got %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate up again: %v", err)
	}
	run, _ := seedRun(t, store, "s1")
	if _, err := store.GetRun(ctx, run.ID); err != nil {
		t.Fatalf("get run after re-migrate: %v", err)
	}
}

func TestCreateNodeDepthAndParentChecks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run, root := seedRun(t, store, "s1")
	other, otherRoot := seedRun(t, store, "s1")

	child, err := store.CreateNode(ctx, domain.DagNode{ID: uuid.NewString(), RunID: run.ID, ParentNodeID: root.ID, Name: "plan", Status: domain.NodeStatusRunning})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if child.Depth != 1 || child.Seq != 2 {
		t.Fatalf("expected depth 1 seq 2, got depth %d seq %d", child.Depth, child.Seq)
	}

	_, err = store.CreateNode(ctx, domain.DagNode{ID: uuid.NewString(), RunID: run.ID, ParentNodeID: otherRoot.ID, Status: domain.NodeStatusRunning})
	if !errors.Is(err, domain.ErrInvalidParent) {
		t.Fatalf("expected ErrInvalidParent for cross-run parent, got %v", err)
	}
	_, err = store.CreateNode(ctx, domain.DagNode{ID: uuid.NewString(), RunID: "nope", Status: domain.NodeStatusRunning})
	if !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	nodes, err := store.ListRunNodes(ctx, other.ID)
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected rejected node to leave other run untouched, got %d nodes", len(nodes))
	}
}

func TestCreateBranchRunCopiesPrefix(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run, root := seedRun(t, store, "s1")
	a := mustNode(t, store, run.ID, root.ID, "a")
	b := mustNode(t, store, run.ID, a.ID, "b")
	mustNode(t, store, run.ID, b.ID, "c")

	res, err := store.CreateBranchRun(ctx, domain.BranchRunInput{
		SourceRunID: run.ID,
		FromNodeID:  b.ID,
		NewRunID:    uuid.NewString(),
		BranchID:    uuid.NewString(),
		MaxDepth:    3,
		NewNodeID:   uuid.NewString,
	})
	if err != nil {
		t.Fatalf("create branch run: %v", err)
	}
	if !res.Run.IsBranch || res.Run.BranchDepth != 1 || res.Run.BranchParentID != run.ID {
		t.Fatalf("unexpected branch run: %+v", res.Run)
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("expected 2 copied nodes, got %d", len(res.Nodes))
	}
	if res.Nodes[0].SourceNodeID != root.ID || res.Nodes[1].SourceNodeID != a.ID {
		t.Fatalf("unexpected copy sources: %+v", res.Nodes)
	}
	if res.Nodes[1].ParentNodeID != res.Nodes[0].ID {
		t.Fatalf("copied parent link not remapped: %+v", res.Nodes[1])
	}
	stored, err := store.ListRunNodes(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("list branch nodes: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored nodes, got %d", len(stored))
	}
	branches, err := store.ListRunBranches(ctx, run.ID)
	if err != nil {
		t.Fatalf("list run branches: %v", err)
	}
	if len(branches) != 1 || branches[0].FromNodeID != b.ID {
		t.Fatalf("unexpected branches: %+v", branches)
	}
}

func TestCreateBranchRunRejectsWithoutRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run, root := seedRun(t, store, "s1")
	_, otherRoot := seedRun(t, store, "s1")

	_, err := store.CreateBranchRun(ctx, domain.BranchRunInput{
		SourceRunID: run.ID, FromNodeID: otherRoot.ID, NewRunID: uuid.NewString(), BranchID: uuid.NewString(),
		MaxDepth: 3, NewNodeID: uuid.NewString,
	})
	if !errors.Is(err, domain.ErrInvalidParent) {
		t.Fatalf("expected ErrInvalidParent, got %v", err)
	}

	_, err = store.CreateBranchRun(ctx, domain.BranchRunInput{
		SourceRunID: run.ID, FromNodeID: root.ID, NewRunID: uuid.NewString(), BranchID: uuid.NewString(),
		MaxDepth: 0, NewNodeID: uuid.NewString,
	})
	if !errors.Is(err, domain.ErrBranchDepthExceeded) {
		t.Fatalf("expected ErrBranchDepthExceeded, got %v", err)
	}

	runs, err := store.ListRuns(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected only the two seeded runs, got %d", len(runs))
	}
	if branches, _ := store.ListRunBranches(ctx, run.ID); len(branches) != 0 {
		t.Fatalf("expected no branches, got %d", len(branches))
	}
}

func TestRacingGroupOpenUniquePerStep(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run, _ := seedRun(t, store, "s1")
	g1 := newGroup(run.ID, "step-1")
	b1, b2 := newRacingBranch(run.ID, "step-1", 0), newRacingBranch(run.ID, "step-1", 1)
	if err := store.CreateRacingGroup(ctx, g1, []domain.Branch{b1, b2}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	err := store.CreateRacingGroup(ctx, newGroup(run.ID, "step-1"), nil)
	if !errors.Is(err, domain.ErrRaceInProgress) {
		t.Fatalf("expected ErrRaceInProgress, got %v", err)
	}

	won, err := store.ResolveRacingGroup(ctx, g1.ID, b2.ID)
	if err != nil || !won {
		t.Fatalf("expected first resolve to win, won=%v err=%v", won, err)
	}
	won, err = store.ResolveRacingGroup(ctx, g1.ID, b1.ID)
	if err != nil || won {
		t.Fatalf("expected second resolve to lose, won=%v err=%v", won, err)
	}
	got, err := store.GetRacingGroup(ctx, g1.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if got.Status != domain.GroupStatusResolved || got.WinnerBranchID != b2.ID || got.ResolvedAt == nil {
		t.Fatalf("unexpected resolved group: %+v", got)
	}
	branches, err := store.ListGroupBranches(ctx, g1.ID)
	if err != nil {
		t.Fatalf("list group branches: %v", err)
	}
	if branches[0].RacingStatus != domain.RacingStatusEnded || branches[1].RacingStatus != domain.RacingStatusWinner {
		t.Fatalf("unexpected branch states: %s %s", branches[0].RacingStatus, branches[1].RacingStatus)
	}

	if err := store.CreateRacingGroup(ctx, newGroup(run.ID, "step-1"), nil); err != nil {
		t.Fatalf("expected new group after resolution: %v", err)
	}
}

func TestSessionCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	st, err := store.InsertSession(ctx, domain.SessionState{ID: uuid.NewString(), SessionID: "s1", Mode: "plan"})
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if st.Version != 1 {
		t.Fatalf("expected version 1, got %d", st.Version)
	}
	if _, err := store.InsertSession(ctx, domain.SessionState{ID: uuid.NewString(), SessionID: "s1"}); !errors.Is(err, domain.ErrStaleState) {
		t.Fatalf("expected ErrStaleState for duplicate create, got %v", err)
	}

	phase := "coding"
	next, err := store.CompareAndSwapSession(ctx, "s1", domain.SessionPatch{CurrentPhase: &phase}, 1, "")
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if next.Version != 2 || next.CurrentPhase != "coding" || next.Mode != "plan" {
		t.Fatalf("unexpected state after cas: %+v", next)
	}
	if !next.UpdatedAt.After(st.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}
	if _, err := store.CompareAndSwapSession(ctx, "s1", domain.SessionPatch{CurrentPhase: &phase}, 1, ""); !errors.Is(err, domain.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	if _, err := store.CompareAndSwapSession(ctx, "missing", domain.SessionPatch{}, 1, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecideApprovalAfterExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run, _ := seedRun(t, store, "s1")
	now := time.Now().UTC()
	req, err := store.CreateApproval(ctx, domain.ApprovalRequest{
		ID: uuid.NewString(), RunID: run.ID, StepID: "deploy", ApprovalType: "deploy",
		CreatedAt: now, ExpiresAt: now,
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunStatusWaitingApproval {
		t.Fatalf("expected waiting_approval, got %s", got.Status)
	}

	decided, err := store.DecideApproval(ctx, req.ID, domain.ApprovalApproved, "alice", "")
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if decided.Result != domain.ApprovalExpired {
		t.Fatalf("expected expired result, got %s", decided.Result)
	}
	stored, _ := store.GetApproval(ctx, req.ID)
	if stored.Result != domain.ApprovalExpired {
		t.Fatalf("expected expiry to be persisted, got %q", stored.Result)
	}
	if _, err := store.DecideApproval(ctx, req.ID, domain.ApprovalApproved, "alice", ""); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestDecideApprovalResumesRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run, _ := seedRun(t, store, "s1")
	now := time.Now().UTC()
	req, err := store.CreateApproval(ctx, domain.ApprovalRequest{
		ID: uuid.NewString(), RunID: run.ID, StepID: "deploy", ApprovalType: "deploy",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	decided, err := store.DecideApproval(ctx, req.ID, domain.ApprovalApproved, "alice", "ok")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Result != domain.ApprovalApproved || decided.DecidedBy != "alice" {
		t.Fatalf("unexpected decision: %+v", decided)
	}
	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunStatusRunning {
		t.Fatalf("expected running after approval, got %s", got.Status)
	}
	history, err := store.ListHistory(ctx, domain.EntityRun, run.ID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) < 3 {
		t.Fatalf("expected submit, wait and resume history, got %d entries", len(history))
	}
}

func TestAppendEventOrdersAndRejects(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run, _ := seedRun(t, store, "s1")
	other, _ := seedRun(t, store, "s1")

	first, err := store.AppendEvent(ctx, domain.ExecutionEvent{ID: uuid.NewString(), RunID: run.ID, EventType: "agent_call"})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := store.AppendEvent(ctx, domain.ExecutionEvent{ID: uuid.NewString(), RunID: run.ID, EventType: "tool_call", ParentEventID: first.ID})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if first.ExecutionOrder != 1 || second.ExecutionOrder != 2 || second.Depth != 1 {
		t.Fatalf("unexpected orders/depth: %d %d depth %d", first.ExecutionOrder, second.ExecutionOrder, second.Depth)
	}
	if second.SessionID != "s1" {
		t.Fatalf("expected session inherited from run, got %q", second.SessionID)
	}
	loaded, err := store.GetEvent(ctx, second.ID)
	if err != nil || loaded.ParentEventID != first.ID || loaded.ExecutionOrder != 2 {
		t.Fatalf("unexpected loaded event %+v err=%v", loaded, err)
	}
	if _, err := store.GetEvent(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.AppendEvent(ctx, domain.ExecutionEvent{ID: uuid.NewString(), RunID: other.ID, EventType: "x", ParentEventID: first.ID}); !errors.Is(err, domain.ErrInvalidParent) {
		t.Fatalf("expected ErrInvalidParent, got %v", err)
	}

	if _, err := store.UpdateRunStatus(ctx, run.ID, domain.RunStatusCompleted, "done", ""); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if _, err := store.AppendEvent(ctx, domain.ExecutionEvent{ID: uuid.NewString(), RunID: run.ID, EventType: "late"}); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound for finalized run, got %v", err)
	}

	events, err := store.ListEventsAfter(ctx, run.ID, 1, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].ID != second.ID {
		t.Fatalf("unexpected events after 1: %+v", events)
	}
}

func TestUpsertConnectionKeepsCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	conn, err := store.UpsertConnection(ctx, domain.ActiveConnection{ID: uuid.NewString(), TaskID: "task-1", SessionID: "s1", ServerInstance: "a"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.AckConnection(ctx, "task-1", 7); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := store.AckConnection(ctx, "task-1", 3); err != nil {
		t.Fatalf("ack lower: %v", err)
	}
	again, err := store.UpsertConnection(ctx, domain.ActiveConnection{ID: uuid.NewString(), TaskID: "task-1", SessionID: "s1", ServerInstance: "b"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.ID != conn.ID || again.LastAckedOrder != 7 || again.ServerInstance != "b" {
		t.Fatalf("unexpected re-registered row: %+v", again)
	}
	if err := store.TouchConnection(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	stale, err := store.DeleteStaleConnections(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected one reaped row, got %d", len(stale))
	}
	if _, err := store.GetConnection(ctx, "task-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected reaped connection gone, got %v", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run, root := seedRun(t, store, "s1")
	mustNode(t, store, run.ID, root.ID, "a")
	if _, err := store.AppendEvent(ctx, domain.ExecutionEvent{ID: uuid.NewString(), RunID: run.ID, EventType: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	keep, _ := seedRun(t, store, "s2")

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected run removed, got %v", err)
	}
	if nodes, _ := store.ListRunNodes(ctx, run.ID); len(nodes) != 0 {
		t.Fatalf("expected nodes cascaded, got %d", len(nodes))
	}
	if events, _ := store.ListEventsAfter(ctx, run.ID, 0, 10); len(events) != 0 {
		t.Fatalf("expected events cascaded, got %d", len(events))
	}
	if _, err := store.GetRun(ctx, keep.ID); err != nil {
		t.Fatalf("expected other session intact: %v", err)
	}
}

func seedRun(t *testing.T, store *Store, sessionID string) (domain.WorkflowRun, domain.DagNode) {
	t.Helper()
	now := time.Now().UTC()
	run := domain.WorkflowRun{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Goal:      "test",
		Status:    domain.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	root := domain.DagNode{ID: uuid.NewString(), Name: "root", Kind: "task", Status: domain.NodeStatusRunning, CreatedAt: now}
	if err := store.CreateRootRun(context.Background(), run, root); err != nil {
		t.Fatalf("create root run: %v", err)
	}
	root.RunID = run.ID
	root.Seq = 1
	return run, root
}

func mustNode(t *testing.T, store *Store, runID, parentID, name string) domain.DagNode {
	t.Helper()
	node, err := store.CreateNode(context.Background(), domain.DagNode{
		ID: uuid.NewString(), RunID: runID, ParentNodeID: parentID, Name: name, Status: domain.NodeStatusRunning,
	})
	if err != nil {
		t.Fatalf("create node %s: %v", name, err)
	}
	return node
}

func newGroup(runID, stepID string) domain.RacingGroup {
	return domain.RacingGroup{
		ID:           uuid.NewString(),
		ParentRunID:  runID,
		ParentStepID: stepID,
		Strategy:     "first_complete",
		Status:       domain.GroupStatusRacing,
		CreatedAt:    time.Now().UTC(),
	}
}

func newRacingBranch(runID, stepID string, priority int) domain.Branch {
	now := time.Now().UTC()
	return domain.Branch{
		ID:             uuid.NewString(),
		RunID:          runID,
		StepID:         stepID,
		Status:         domain.BranchStatusActive,
		RacingPriority: priority,
		RacingStatus:   domain.RacingStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func TestRunPlanRoundTripAndCascade(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run, _ := seedRun(t, store, "s1")
	if _, err := store.GetRunPlan(ctx, run.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing plan, got %v", err)
	}
	if err := store.SaveRunPlan(ctx, run.ID, []byte(`[{"id":"a"}]`)); err != nil {
		t.Fatalf("save plan: %v", err)
	}
	if err := store.SaveRunPlan(ctx, run.ID, []byte(`[{"id":"b"}]`)); err != nil {
		t.Fatalf("replace plan: %v", err)
	}
	got, err := store.GetRunPlan(ctx, run.ID)
	if err != nil || string(got) != `[{"id":"b"}]` {
		t.Fatalf("expected replaced plan, got %s err=%v", got, err)
	}
	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := store.GetRunPlan(ctx, run.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("plan should follow its run, got %v", err)
	}
}
