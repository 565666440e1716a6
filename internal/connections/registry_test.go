package connections

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"runweaver/internal/domain"
	"runweaver/internal/store/sqlite"
)

func TestReRegisterKeepsCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	reg := New(store, Config{ServerInstance: "a", HeartbeatTimeout: time.Minute}, zerolog.Nop())

	first := &fakeSender{}
	if _, err := reg.Register(ctx, "task-1", "s1", "run-1", first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Ack(ctx, "task-1", 5); err != nil {
		t.Fatalf("ack: %v", err)
	}
	second := &fakeSender{}
	conn, err := reg.Register(ctx, "task-1", "s1", "run-1", second)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if conn.LastAckedOrder != 5 {
		t.Fatalf("expected cursor 5 kept, got %d", conn.LastAckedOrder)
	}
	if !first.isClosed() {
		t.Fatalf("expected replaced sender to be closed")
	}
	targets := reg.Targets("run-1", "", time.Now().UTC())
	if len(targets) != 1 || targets[0].Sender != second {
		t.Fatalf("expected only the new sender as target, got %+v", targets)
	}
	if got := reg.Targets("", "s1", time.Now().UTC()); len(got) != 1 {
		t.Fatalf("expected session match, got %d targets", len(got))
	}
	if got := reg.Targets("run-2", "s2", time.Now().UTC()); len(got) != 0 {
		t.Fatalf("expected no targets for other run, got %d", len(got))
	}
}

func TestStaleConnectionExcludedFromTargets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	reg := New(store, Config{ServerInstance: "a", HeartbeatTimeout: time.Minute}, zerolog.Nop())

	if _, err := reg.Register(ctx, "task-1", "s1", "run-1", &fakeSender{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := reg.Targets("run-1", "", time.Now().UTC().Add(2*time.Minute)); len(got) != 0 {
		t.Fatalf("expected stale connection excluded, got %d targets", len(got))
	}
}

func TestReapClosesLocalSender(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	reg := New(store, Config{ServerInstance: "a", HeartbeatTimeout: time.Minute}, zerolog.Nop())

	sender := &fakeSender{}
	if _, err := reg.Register(ctx, "task-1", "s1", "", sender); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err := reg.Reap(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 || !sender.isClosed() {
		t.Fatalf("expected one reaped and closed sender, n=%d closed=%v", n, sender.isClosed())
	}
	if got, _ := reg.List(ctx); len(got) != 0 {
		t.Fatalf("expected no rows after reap, got %d", len(got))
	}
}

func TestReconcileAfterTakeover(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := New(store, Config{ServerInstance: "a", HeartbeatTimeout: time.Minute}, zerolog.Nop())
	b := New(store, Config{ServerInstance: "b", HeartbeatTimeout: time.Minute}, zerolog.Nop())

	senderA := &fakeSender{}
	if _, err := a.Register(ctx, "task-1", "s1", "run-1", senderA); err != nil {
		t.Fatalf("register on a: %v", err)
	}
	senderB := &fakeSender{}
	if _, err := b.Register(ctx, "task-1", "s1", "run-1", senderB); err != nil {
		t.Fatalf("register on b: %v", err)
	}

	closed, err := a.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if closed != 1 || !senderA.isClosed() {
		t.Fatalf("expected a to drop the taken-over sender, closed=%d", closed)
	}
	now := time.Now().UTC()
	if got := a.Targets("run-1", "", now); len(got) != 0 {
		t.Fatalf("expected no targets on a, got %d", len(got))
	}
	if got := b.Targets("run-1", "", now); len(got) != 1 {
		t.Fatalf("expected one target on b, got %d", len(got))
	}
}

func TestRegisterRequiresIdentity(t *testing.T) {
	reg := New(newTestStore(t), Config{}, zerolog.Nop())
	if _, err := reg.Register(context.Background(), "", "s1", "", &fakeSender{}); err == nil {
		t.Fatalf("expected error without task id")
	}
	if _, err := reg.Register(context.Background(), "task-1", "", "", &fakeSender{}); err == nil {
		t.Fatalf("expected error without session or run")
	}
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []domain.Envelope
	closed bool
}

func (f *fakeSender) Send(env domain.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeSender) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
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
