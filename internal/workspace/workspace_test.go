package workspace

import (
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func TestSandboxWriteReadRelease(t *testing.T) {
	m, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	sb, err := m.Allocate("task/1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := sb.WriteFile("outputs/a.txt", []byte("test")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := sb.ReadFile("./outputs/a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "test" {
		t.Fatalf("unexpected content %q", got)
	}
	if err := sb.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(sb.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected sandbox removed, stat err=%v", err)
	}
}

func TestSandboxRejectsEscape(t *testing.T) {
	m, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	sb, err := m.Allocate("task-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer sb.Release()

	if err := sb.WriteFile("../outside.txt", []byte("x")); !errors.Is(err, ErrPathEscape) {
		t.Fatalf("expected ErrPathEscape, got %v", err)
	}
	if _, err := sb.ReadFile("a/../../b"); !errors.Is(err, ErrPathEscape) {
		t.Fatalf("expected ErrPathEscape, got %v", err)
	}
	if err := sb.WriteFile("", nil); err == nil {
		t.Fatalf("expected empty path to be rejected")
	}
	if _, err := m.Allocate(".."); err == nil {
		t.Fatalf("expected .. task id to be rejected")
	}
}
