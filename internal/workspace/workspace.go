package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var ErrPathEscape = errors.New("path escapes sandbox")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Manager hands out one scratch directory per task under a common root.
type Manager struct {
	root   string
	logger zerolog.Logger
}

func New(root string, logger zerolog.Logger) (*Manager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Manager{root: absRoot, logger: logger.With().Str("component", "workspace").Logger()}, nil
}

type Sandbox struct {
	TaskID string
	Dir    string
	m      *Manager
}

// Allocate creates a fresh directory for taskID. Leftovers from an earlier
// attempt with the same id are removed first.
func (m *Manager) Allocate(taskID string) (*Sandbox, error) {
	name := unsafeName.ReplaceAllString(strings.TrimSpace(taskID), "_")
	if name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid task id %q", taskID)
	}
	dir := filepath.Join(m.root, name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear sandbox: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	m.logger.Debug().Str("task_id", taskID).Str("dir", dir).Msg("sandbox allocated")
	return &Sandbox{TaskID: taskID, Dir: dir, m: m}, nil
}

// Release removes the sandbox directory and everything in it.
func (s *Sandbox) Release() error {
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("remove sandbox %s: %w", s.Dir, err)
	}
	s.m.logger.Debug().Str("task_id", s.TaskID).Msg("sandbox released")
	return nil
}

func (s *Sandbox) WriteFile(relPath string, content []byte) error {
	absPath, _, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func (s *Sandbox) ReadFile(relPath string) ([]byte, error) {
	absPath, _, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (s *Sandbox) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	absClean := filepath.Clean(filepath.Join(s.Dir, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(filepath.Clean(s.Dir), absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", "", fmt.Errorf("%q: %w", relPath, ErrPathEscape)
	}
	return absClean, filepath.ToSlash(rel), nil
}
