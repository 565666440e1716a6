package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runweaver/internal/domain"
	"runweaver/internal/store/sqlite"
)

func TestRequestParksRunAndResolveResumes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := seedRun(t, store)
	gate := New(store, nil, zerolog.Nop())

	req, err := gate.Request(ctx, RequestInput{RunID: runID, StepID: "deploy", TTL: time.Minute})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	run, _ := store.GetRun(ctx, runID)
	if run.Status != domain.RunStatusWaitingApproval {
		t.Fatalf("expected waiting_approval, got %s", run.Status)
	}

	waited := make(chan error, 1)
	go func() {
		got, err := gate.Wait(ctx, req.ID)
		if err == nil && got.Result != domain.ApprovalApproved {
			err = errors.New("unexpected result " + string(got.Result))
		}
		waited <- err
	}()

	if _, err := gate.Resolve(ctx, req.ID, Decision{Result: domain.ApprovalApproved, Actor: "alice"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	select {
	case err := <-waited:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was not woken")
	}
	run, _ = store.GetRun(ctx, runID)
	if run.Status != domain.RunStatusRunning {
		t.Fatalf("expected running after approval, got %s", run.Status)
	}
	if _, err := gate.Resolve(ctx, req.ID, Decision{Result: domain.ApprovalDenied}); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestZeroTTLIsImmediatelyExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := seedRun(t, store)
	gate := New(store, nil, zerolog.Nop())

	req, err := gate.Request(ctx, RequestInput{RunID: runID, StepID: "deploy"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	got, err := gate.Resolve(ctx, req.ID, Decision{Result: domain.ApprovalApproved, Actor: "alice"})
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if got.Result != domain.ApprovalExpired {
		t.Fatalf("expected stored result expired, got %s", got.Result)
	}
	if _, err := gate.Wait(ctx, req.ID); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected Wait to report ErrExpired, got %v", err)
	}
}

func TestWaitExpiresWithoutSweep(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	runID := seedRun(t, store)
	gate := New(store, nil, zerolog.Nop())

	req, err := gate.Request(ctx, RequestInput{RunID: runID, StepID: "deploy", TTL: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := gate.Wait(waitCtx, req.ID)
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if got.Result != domain.ApprovalExpired {
		t.Fatalf("expected expired result, got %s", got.Result)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gate := New(store, nil, zerolog.Nop())

	stale, err := gate.Request(ctx, RequestInput{RunID: seedRun(t, store), StepID: "a", TTL: time.Millisecond})
	if err != nil {
		t.Fatalf("request stale: %v", err)
	}
	fresh, err := gate.Request(ctx, RequestInput{RunID: seedRun(t, store), StepID: "b", TTL: time.Hour})
	if err != nil {
		t.Fatalf("request fresh: %v", err)
	}
	n, err := gate.SweepExpired(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired request, got %d", n)
	}
	if got, _ := store.GetApproval(ctx, stale.ID); got.Result != domain.ApprovalExpired {
		t.Fatalf("expected stale request expired, got %q", got.Result)
	}
	if got, _ := store.GetApproval(ctx, fresh.ID); !got.Pending() {
		t.Fatalf("expected fresh request pending, got %q", got.Result)
	}
}

func TestResolveRejectsUnknownResult(t *testing.T) {
	gate := New(newTestStore(t), nil, zerolog.Nop())
	if _, err := gate.Resolve(context.Background(), "x", Decision{Result: domain.ApprovalExpired}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
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
