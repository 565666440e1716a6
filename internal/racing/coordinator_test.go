package racing

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runweaver/internal/domain"
	"runweaver/internal/store/sqlite"
)

func TestFirstCompleteScenarioSupersedesLateSuccess(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := seedRun(t, store)
	runner := newGatedRunner()
	coord := New(store, runner, nil, Config{}, zerolog.Nop())

	group, err := coord.Start(ctx, runID, "s1", "step-1", []BranchSpec{{Name: "a"}, {Name: "b"}}, "first_complete", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	runner.finish("a", domain.BranchResult{Success: true, Score: 1})

	outcome := waitOutcome(t, coord, group.ID)
	if outcome.Group.Status != domain.GroupStatusResolved || outcome.Winner == nil {
		t.Fatalf("expected resolved group with winner, got %+v", outcome.Group)
	}
	branches, err := store.ListGroupBranches(ctx, group.ID)
	if err != nil {
		t.Fatalf("list branches: %v", err)
	}
	winnerID, loserID := branches[0].ID, branches[1].ID
	if outcome.Group.WinnerBranchID != winnerID {
		t.Fatalf("expected branch a to win, got %s", outcome.Group.WinnerBranchID)
	}

	runner.finish("b", domain.BranchResult{Success: true, Score: 5})
	status := waitBranchStatus(t, store, loserID, domain.RacingStatusSuperseded, 2*time.Second)
	if status != domain.RacingStatusSuperseded {
		t.Fatalf("expected late success superseded, got %s", status)
	}
	got, _ := store.GetRacingGroup(ctx, group.ID)
	if got.WinnerBranchID != winnerID {
		t.Fatalf("winner changed after late success: %s", got.WinnerBranchID)
	}
	if err := coord.Report(ctx, group.ID, domain.BranchResult{BranchID: loserID, Success: true}); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestConcurrentReportsPickExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := seedRun(t, store)
	coord := New(store, blockingRunner{}, nil, Config{}, zerolog.Nop())

	specs := make([]BranchSpec, 6)
	for i := range specs {
		specs[i] = BranchSpec{Name: uuid.NewString()}
	}
	group, err := coord.Start(ctx, runID, "s1", "step-1", specs, "first_complete", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	branches, err := store.ListGroupBranches(ctx, group.ID)
	if err != nil {
		t.Fatalf("list branches: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted []string
	for _, b := range branches {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := coord.Report(ctx, group.ID, domain.BranchResult{BranchID: id, Success: true})
			if err == nil {
				mu.Lock()
				accepted = append(accepted, id)
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrAlreadyResolved) {
				t.Errorf("report %s: %v", id, err)
			}
		}(b.ID)
	}
	wg.Wait()

	if len(accepted) != 1 {
		t.Fatalf("expected exactly one accepted report, got %d", len(accepted))
	}
	got, _ := store.GetRacingGroup(ctx, group.ID)
	if got.WinnerBranchID != accepted[0] {
		t.Fatalf("stored winner %s differs from accepted report %s", got.WinnerBranchID, accepted[0])
	}
	_ = coord.Shutdown(ctx)
}

func TestStartRejectsUnknownStrategyAndOpenGroup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := seedRun(t, store)
	coord := New(store, blockingRunner{}, nil, Config{}, zerolog.Nop())

	if _, err := coord.Start(ctx, runID, "s1", "step-1", []BranchSpec{{Name: "a"}}, "fastest", 0); !errors.Is(err, domain.ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
	if open, _ := store.ListOpenRacingGroups(ctx, runID); len(open) != 0 {
		t.Fatalf("expected no group rows after unknown strategy, got %d", len(open))
	}
	group, err := coord.Start(ctx, runID, "s1", "step-1", []BranchSpec{{Name: "a"}}, "first_complete", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := coord.Start(ctx, runID, "s1", "step-1", []BranchSpec{{Name: "b"}}, "first_complete", 0); !errors.Is(err, domain.ErrRaceInProgress) {
		t.Fatalf("expected ErrRaceInProgress, got %v", err)
	}
	if err := coord.AbortRun(ctx, runID, "run cancelled"); err != nil {
		t.Fatalf("abort run: %v", err)
	}
	outcome := waitOutcome(t, coord, group.ID)
	if outcome.Group.Status != domain.GroupStatusAborted || outcome.Group.Reason != "run cancelled" {
		t.Fatalf("expected aborted group, got %+v", outcome.Group)
	}
	_ = coord.Shutdown(ctx)
}

func TestRaceTimeoutAborts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := seedRun(t, store)
	var aborted sync.WaitGroup
	aborted.Add(1)
	coord := New(store, blockingRunner{}, nil, Config{}, zerolog.Nop())
	coord.SetHooks(Hooks{OnAborted: func(Outcome) { aborted.Done() }})

	group, err := coord.Start(ctx, runID, "s1", "step-1", []BranchSpec{{Name: "a"}, {Name: "b"}}, "first_complete", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	outcome := waitOutcome(t, coord, group.ID)
	if outcome.Group.Status != domain.GroupStatusAborted || outcome.Group.Reason != "race timed out" {
		t.Fatalf("expected timed out abort, got %+v", outcome.Group)
	}
	aborted.Wait()
	if err := coord.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	branches, _ := store.ListGroupBranches(ctx, group.ID)
	for _, b := range branches {
		if b.RacingStatus != domain.RacingStatusEnded {
			t.Fatalf("expected branch %s ended, got %s", b.ID, b.RacingStatus)
		}
	}
}

func TestAllBranchesFailAborts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := seedRun(t, store)
	runner := newGatedRunner()
	coord := New(store, runner, nil, Config{}, zerolog.Nop())

	group, err := coord.Start(ctx, runID, "s1", "step-1", []BranchSpec{{Name: "a"}, {Name: "b"}}, "best_of_n", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	runner.finish("a", domain.BranchResult{Success: false, Error: "exit 1"})
	runner.finish("b", domain.BranchResult{Success: false, Error: "exit 2"})
	outcome := waitOutcome(t, coord, group.ID)
	if outcome.Group.Status != domain.GroupStatusAborted || outcome.Group.Reason != "no branch succeeded" {
		t.Fatalf("expected aborted without winner, got %+v", outcome.Group)
	}
	if len(outcome.Results) != 2 {
		t.Fatalf("expected both results recorded, got %d", len(outcome.Results))
	}
}

func TestSweepAbortsGroupsFromEarlierProcess(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := seedRun(t, store)
	past := time.Now().UTC().Add(-time.Minute)
	group := domain.RacingGroup{
		ID: uuid.NewString(), ParentRunID: runID, ParentStepID: "step-1", Strategy: "first_complete",
		Status: domain.GroupStatusRacing, CreatedAt: past, DeadlineAt: &past,
	}
	if err := store.CreateRacingGroup(ctx, group, nil); err != nil {
		t.Fatalf("create group: %v", err)
	}

	coord := New(store, blockingRunner{}, nil, Config{}, zerolog.Nop())
	n, err := coord.SweepOverdue(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one aborted group, got %d", n)
	}
	got, _ := store.GetRacingGroup(ctx, group.ID)
	if got.Status != domain.GroupStatusAborted {
		t.Fatalf("expected aborted, got %s", got.Status)
	}
}

func TestLookupMissDoesNotBlockOtherGroups(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	runID := seedRun(t, base)
	past := time.Now().UTC().Add(-time.Minute)
	persisted := domain.RacingGroup{
		ID: uuid.NewString(), ParentRunID: runID, ParentStepID: "step-old", Strategy: "first_complete",
		Status: domain.GroupStatusRacing, CreatedAt: past,
	}
	if err := base.CreateRacingGroup(ctx, persisted, nil); err != nil {
		t.Fatalf("create group: %v", err)
	}
	store := &slowGroupStore{Store: base, slowID: persisted.ID, entered: make(chan struct{}), release: make(chan struct{})}
	coord := New(store, blockingRunner{}, nil, Config{}, zerolog.Nop())

	live, err := coord.Start(ctx, runID, "s1", "step-1", []BranchSpec{{Name: "a"}}, "first_complete", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	branches, err := base.ListGroupBranches(ctx, live.ID)
	if err != nil || len(branches) != 1 {
		t.Fatalf("list branches: %v", err)
	}

	aborted := make(chan error, 1)
	go func() { aborted <- coord.Abort(ctx, persisted.ID, "stop") }()
	<-store.entered

	reported := make(chan error, 1)
	go func() {
		reported <- coord.Report(ctx, live.ID, domain.BranchResult{BranchID: branches[0].ID, Success: true})
	}()
	select {
	case err := <-reported:
		if err != nil {
			t.Fatalf("report: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("report on a cached group waited for another group's store read")
	}

	close(store.release)
	if err := <-aborted; err != nil {
		t.Fatalf("abort persisted group: %v", err)
	}
}

// slowGroupStore parks reads of one group until release is closed.
type slowGroupStore struct {
	*sqlite.Store
	slowID  string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *slowGroupStore) GetRacingGroup(ctx context.Context, groupID string) (domain.RacingGroup, error) {
	if groupID == s.slowID {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.Store.GetRacingGroup(ctx, groupID)
}

type gatedRunner struct {
	mu    sync.Mutex
	gates map[string]chan domain.BranchResult
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{gates: make(map[string]chan domain.BranchResult)}
}

func (g *gatedRunner) gate(name string) chan domain.BranchResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[name]
	if !ok {
		ch = make(chan domain.BranchResult, 1)
		g.gates[name] = ch
	}
	return ch
}

func (g *gatedRunner) finish(name string, result domain.BranchResult) {
	g.gate(name) <- result
}

// RunBranch ignores cancellation so a loser can still finish after the race closed.
func (g *gatedRunner) RunBranch(_ context.Context, _ domain.RacingGroup, _ domain.Branch, spec BranchSpec) domain.BranchResult {
	return <-g.gate(spec.Name)
}

type blockingRunner struct{}

func (blockingRunner) RunBranch(ctx context.Context, _ domain.RacingGroup, _ domain.Branch, _ BranchSpec) domain.BranchResult {
	<-ctx.Done()
	return domain.BranchResult{Success: false, Error: "cancelled"}
}

func waitOutcome(t *testing.T, coord *Coordinator, groupID string) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := coord.Wait(ctx, groupID)
	if err != nil {
		t.Fatalf("wait for race: %v", err)
	}
	return outcome
}

func waitBranchStatus(t *testing.T, store *sqlite.Store, branchID string, want domain.RacingStatus, timeout time.Duration) domain.RacingStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, err := store.GetBranch(context.Background(), branchID)
		if err == nil && b.RacingStatus == want {
			return b.RacingStatus
		}
		time.Sleep(20 * time.Millisecond)
	}
	b, err := store.GetBranch(context.Background(), branchID)
	if err != nil {
		t.Fatalf("get branch after timeout: %v", err)
	}
	return b.RacingStatus
}

func seedRun(t *testing.T, store *sqlite.Store) string {
	t.Helper()
	now := time.Now().UTC()
	run := domain.WorkflowRun{ID: uuid.NewString(), SessionID: "s1", Status: domain.RunStatusRunning, CreatedAt: now, UpdatedAt: now}
	root := domain.DagNode{ID: uuid.NewString(), Name: "root", Status: domain.NodeStatusRunning, CreatedAt: now}
	if err := store.CreateRootRun(context.Background(), run, root); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run.ID
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
