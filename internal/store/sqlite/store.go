package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"runweaver/internal/domain"

	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the database with per-connection pragmas set through the DSN so
// every pooled connection enforces foreign keys and waits on busy locks.
// Write transactions start IMMEDIATE to avoid snapshot upgrade failures.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		dbPath,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx %s: %w", name, err)
		}
		defer func() {
			_ = tx.Rollback()
		}()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", name, err)
		}
		return nil
	})
}

func insertHistory(ctx context.Context, tx *sql.Tx, entry domain.StateHistoryEntry, now time.Time) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.Actor == "" {
		entry.Actor = "orchestrator"
	}
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO state_history(entity_type, entity_id, session_id, from_state, to_state, reason, actor, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.EntityType), entry.EntityID, entry.SessionID, entry.FromState, entry.ToState,
		entry.Reason, entry.Actor, toMS(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert state history: %w", err)
	}
	return nil
}

// LogTransition appends one audit row outside of any other write.
func (s *Store) LogTransition(ctx context.Context, entry domain.StateHistoryEntry) error {
	return s.withTx(ctx, "log transition", func(tx *sql.Tx) error {
		return insertHistory(ctx, tx, entry, s.now())
	})
}

func (s *Store) ListHistory(ctx context.Context, entityType domain.EntityType, entityID string) ([]domain.StateHistoryEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, entity_type, entity_id, session_id, from_state, to_state, reason, actor, created_at
		FROM state_history
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC, id ASC`,
		string(entityType), entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("list state history: %w", err)
	}
	defer rows.Close()

	var result []domain.StateHistoryEntry
	for rows.Next() {
		var e domain.StateHistoryEntry
		var typ string
		var created int64
		if err := rows.Scan(&e.ID, &typ, &e.EntityID, &e.SessionID, &e.FromState, &e.ToState, &e.Reason, &e.Actor, &created); err != nil {
			return nil, fmt.Errorf("scan state history: %w", err)
		}
		e.EntityType = domain.EntityType(typ)
		e.CreatedAt = fromMS(created)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state history: %w", err)
	}
	return result, nil
}

func withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(30*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func toMS(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMS(*t)
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func rawOrEmpty(v []byte, def string) string {
	if len(v) == 0 {
		return def
	}
	return string(v)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
