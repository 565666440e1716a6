package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runweaver/internal/domain"
	"runweaver/internal/metrics"
)

type Store interface {
	InsertSession(ctx context.Context, st domain.SessionState) (domain.SessionState, error)
	GetSession(ctx context.Context, sessionID string) (domain.SessionState, error)
	CompareAndSwapSession(ctx context.Context, sessionID string, patch domain.SessionPatch, expectedVersion int64, reason string) (domain.SessionState, error)
	ListExpirableSessions(ctx context.Context, now time.Time) ([]domain.SessionState, error)
}

type Publisher interface {
	Emit(p domain.Payload, runID, sessionID string)
}

type Config struct {
	// TTL sets expires_at on sessions created without one. Zero means no expiry.
	TTL time.Duration
	// MaxRetries bounds Update's retries on a stale version.
	MaxRetries uint64
	// RetryInterval is the first backoff delay of Update.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 10 * time.Millisecond
	}
	return c
}

// Manager persists session snapshots. Every write is a compare-and-swap on
// the stored version; a stale caller gets ErrStaleState and must reload.
type Manager struct {
	store     Store
	publisher Publisher
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

func New(store Store, publisher Publisher, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "session").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Save writes patch if expectedVersion matches. expectedVersion 0 creates the
// session and fails with ErrStaleState when it already exists.
func (m *Manager) Save(ctx context.Context, sessionID string, patch domain.SessionPatch, expectedVersion int64) (domain.SessionState, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.SessionState{}, fmt.Errorf("save session: session_id required: %w", domain.ErrInvalidInput)
	}
	if expectedVersion < 0 {
		return domain.SessionState{}, fmt.Errorf("save session: negative version: %w", domain.ErrInvalidInput)
	}

	var (
		st  domain.SessionState
		err error
	)
	if expectedVersion == 0 {
		st, err = m.store.InsertSession(ctx, m.fromPatch(sessionID, patch))
	} else {
		st, err = m.store.CompareAndSwapSession(ctx, sessionID, patch, expectedVersion, "session saved")
	}
	if err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			metrics.SessionConflicts.Inc()
			m.logger.Debug().Str("session_id", sessionID).Int64("expected_version", expectedVersion).Msg("stale session save")
		}
		return domain.SessionState{}, err
	}
	m.emit(st)
	return st, nil
}

func (m *Manager) fromPatch(sessionID string, p domain.SessionPatch) domain.SessionState {
	st := domain.SessionState{
		ID:                  uuid.NewString(),
		SessionID:           sessionID,
		ConversationHistory: p.ConversationHistory,
		ContextVariables:    p.ContextVariables,
		PlanData:            p.PlanData,
	}
	if p.Mode != nil {
		st.Mode = *p.Mode
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
	} else if m.cfg.TTL > 0 {
		t := m.now().Add(m.cfg.TTL)
		st.ExpiresAt = &t
	}
	return st
}

func (m *Manager) Load(ctx context.Context, sessionID string) (domain.SessionState, error) {
	return m.store.GetSession(ctx, sessionID)
}

// Resume loads a session for continued work. Expired sessions, or sessions
// past expires_at that the sweep has not reached yet, return ErrExpired.
func (m *Manager) Resume(ctx context.Context, sessionID string) (domain.SessionState, error) {
	st, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SessionState{}, err
	}
	if st.Status == domain.SessionStatusExpired {
		return st, fmt.Errorf("session %s: %w", sessionID, domain.ErrExpired)
	}
	if st.ExpiresAt != nil && !m.now().Before(*st.ExpiresAt) {
		if _, err := m.Expire(ctx, sessionID); err != nil && !errors.Is(err, domain.ErrExpired) {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("expire session on resume")
		}
		return st, fmt.Errorf("session %s: %w", sessionID, domain.ErrExpired)
	}
	return st, nil
}

// Update reads the session, lets fn build a patch from it and saves with the
// version read. Stale versions are retried with exponential backoff.
func (m *Manager) Update(ctx context.Context, sessionID string, fn func(domain.SessionState) (domain.SessionPatch, error)) (domain.SessionState, error) {
	var out domain.SessionState
	op := func() error {
		cur, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		patch, err := fn(cur)
		if err != nil {
			return backoff.Permanent(err)
		}
		st, err := m.Save(ctx, sessionID, patch, cur.Version)
		if err != nil {
			if errors.Is(err, domain.ErrStaleState) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = st
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInterval
	b.MaxInterval = 50 * m.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, m.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return domain.SessionState{}, err
	}
	return out, nil
}

// Expire marks a session expired. Expiring an already expired session
// returns ErrExpired.
func (m *Manager) Expire(ctx context.Context, sessionID string) (domain.SessionState, error) {
	expired := domain.SessionStatusExpired
	return m.Update(ctx, sessionID, func(cur domain.SessionState) (domain.SessionPatch, error) {
		if cur.Status == domain.SessionStatusExpired {
			return domain.SessionPatch{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrExpired)
		}
		return domain.SessionPatch{Status: &expired}, nil
	})
}

// SweepExpired expires active or suspended sessions whose expires_at passed.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	sessions, err := m.store.ListExpirableSessions(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, st := range sessions {
		if _, err := m.Expire(ctx, st.SessionID); err != nil {
			if errors.Is(err, domain.ErrExpired) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		m.logger.Info().Int("count", expired).Msg("expired sessions")
	}
	return expired, nil
}

func (m *Manager) emit(st domain.SessionState) {
	if m.publisher == nil {
		return
	}
	m.publisher.Emit(domain.SessionUpdatedPayload{Version: st.Version, Status: st.Status, Phase: st.CurrentPhase}, "", st.SessionID)
}
