package connections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runweaver/internal/domain"
	"runweaver/internal/metrics"
)

// Sender delivers envelopes to one connected client.
type Sender interface {
	Send(env domain.Envelope) bool
	Ready() bool
	Close() error
}

type Store interface {
	UpsertConnection(ctx context.Context, conn domain.ActiveConnection) (domain.ActiveConnection, error)
	GetConnection(ctx context.Context, taskID string) (domain.ActiveConnection, error)
	TouchConnection(ctx context.Context, taskID string) error
	AckConnection(ctx context.Context, taskID string, order int64) error
	DeleteConnection(ctx context.Context, taskID string) error
	ListConnections(ctx context.Context, serverInstance string) ([]domain.ActiveConnection, error)
	DeleteStaleConnections(ctx context.Context, cutoff time.Time) ([]domain.ActiveConnection, error)
}

type Config struct {
	ServerInstance   string
	HeartbeatTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServerInstance == "" {
		c.ServerInstance = "local"
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	return c
}

// Target is one local connection selected for delivery.
type Target struct {
	TaskID string
	Sender Sender
}

type local struct {
	conn          domain.ActiveConnection
	sender        Sender
	lastHeartbeat time.Time
}

type Registry struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	local map[string]*local
}

func New(store Store, cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "connections").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		local:  make(map[string]*local),
	}
}

func (r *Registry) ServerInstance() string {
	return r.cfg.ServerInstance
}

func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.cfg.HeartbeatTimeout
}

// Register upserts the row for taskID under this instance and attaches sender.
// A sender already attached for the same task is closed.
func (r *Registry) Register(ctx context.Context, taskID, sessionID, runID string, sender Sender) (domain.ActiveConnection, error) {
	if taskID == "" {
		return domain.ActiveConnection{}, fmt.Errorf("register connection: task_id required: %w", domain.ErrInvalidInput)
	}
	if sessionID == "" && runID == "" {
		return domain.ActiveConnection{}, fmt.Errorf("register connection: session_id or run_id required: %w", domain.ErrInvalidInput)
	}
	conn, err := r.store.UpsertConnection(ctx, domain.ActiveConnection{
		ID:             uuid.NewString(),
		TaskID:         taskID,
		SessionID:      sessionID,
		RunID:          runID,
		ServerInstance: r.cfg.ServerInstance,
	})
	if err != nil {
		return domain.ActiveConnection{}, err
	}

	r.mu.Lock()
	prev := r.local[taskID]
	if sender != nil {
		r.local[taskID] = &local{conn: conn, sender: sender, lastHeartbeat: conn.LastHeartbeat}
	} else {
		delete(r.local, taskID)
	}
	count := len(r.local)
	r.mu.Unlock()
	metrics.ActiveConnections.Set(float64(count))

	if prev != nil && prev.sender != sender {
		_ = prev.sender.Close()
	}
	r.logger.Info().Str("task_id", taskID).Str("session_id", sessionID).Str("run_id", runID).
		Int64("last_acked_order", conn.LastAckedOrder).Msg("connection registered")
	return conn, nil
}

func (r *Registry) Heartbeat(ctx context.Context, taskID string) error {
	if err := r.store.TouchConnection(ctx, taskID); err != nil {
		return err
	}
	r.mu.Lock()
	if l, ok := r.local[taskID]; ok {
		l.lastHeartbeat = r.now()
	}
	r.mu.Unlock()
	return nil
}

// Ack records that the client has seen every execution event up to order.
func (r *Registry) Ack(ctx context.Context, taskID string, order int64) error {
	if err := r.store.AckConnection(ctx, taskID, order); err != nil {
		return err
	}
	r.mu.Lock()
	if l, ok := r.local[taskID]; ok {
		l.lastHeartbeat = r.now()
		if order > l.conn.LastAckedOrder {
			l.conn.LastAckedOrder = order
		}
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) Unregister(ctx context.Context, taskID string) error {
	r.mu.Lock()
	l := r.local[taskID]
	delete(r.local, taskID)
	count := len(r.local)
	r.mu.Unlock()
	metrics.ActiveConnections.Set(float64(count))
	if l != nil {
		_ = l.sender.Close()
	}
	return r.store.DeleteConnection(ctx, taskID)
}

// Unbind detaches sender if it is still the one registered for taskID; the
// row is left for the reaper so a quick reconnect keeps its cursor.
func (r *Registry) Unbind(taskID string, sender Sender) {
	r.mu.Lock()
	if l, ok := r.local[taskID]; ok && l.sender == sender {
		delete(r.local, taskID)
	}
	count := len(r.local)
	r.mu.Unlock()
	metrics.ActiveConnections.Set(float64(count))
}

// Reap deletes rows whose heartbeat is older than timeout and closes their local senders.
func (r *Registry) Reap(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = r.cfg.HeartbeatTimeout
	}
	stale, err := r.store.DeleteStaleConnections(ctx, r.now().Add(-timeout))
	if err != nil {
		return 0, err
	}
	var closed []Sender
	r.mu.Lock()
	for _, c := range stale {
		if l, ok := r.local[c.TaskID]; ok && l.conn.ID == c.ID {
			closed = append(closed, l.sender)
			delete(r.local, c.TaskID)
		}
	}
	count := len(r.local)
	r.mu.Unlock()
	metrics.ActiveConnections.Set(float64(count))
	for _, s := range closed {
		_ = s.Close()
	}
	if len(stale) > 0 {
		r.logger.Info().Int("reaped", len(stale)).Msg("stale connections removed")
	}
	return len(stale), nil
}

// Reconcile drops local senders whose row is gone or now owned by another
// instance, so a taken-over task is delivered by exactly one server.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	rows, err := r.store.ListConnections(ctx, r.cfg.ServerInstance)
	if err != nil {
		return 0, err
	}
	owned := make(map[string]string, len(rows))
	for _, c := range rows {
		owned[c.TaskID] = c.ID
	}
	var closed []Sender
	r.mu.Lock()
	for taskID, l := range r.local {
		if id, ok := owned[taskID]; !ok || id != l.conn.ID {
			closed = append(closed, l.sender)
			delete(r.local, taskID)
		}
	}
	count := len(r.local)
	r.mu.Unlock()
	metrics.ActiveConnections.Set(float64(count))
	for _, s := range closed {
		_ = s.Close()
	}
	return len(closed), nil
}

// Targets selects local senders streaming runID or sessionID whose last
// heartbeat is within the timeout. Each connection appears at most once.
func (r *Registry) Targets(runID, sessionID string, now time.Time) []Target {
	if runID == "" && sessionID == "" {
		return nil
	}
	cutoff := now.Add(-r.cfg.HeartbeatTimeout)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Target
	for taskID, l := range r.local {
		if l.lastHeartbeat.Before(cutoff) {
			continue
		}
		runMatch := runID != "" && l.conn.RunID == runID
		sessionMatch := sessionID != "" && l.conn.SessionID == sessionID
		if runMatch || sessionMatch {
			out = append(out, Target{TaskID: taskID, Sender: l.sender})
		}
	}
	return out
}

// LastAcked returns the stored catch-up cursor for taskID, 0 when unknown.
func (r *Registry) LastAcked(ctx context.Context, taskID string) (int64, error) {
	conn, err := r.store.GetConnection(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return conn.LastAckedOrder, nil
}

func (r *Registry) List(ctx context.Context) ([]domain.ActiveConnection, error) {
	return r.store.ListConnections(ctx, "")
}

// Start runs the reap and reconcile loop until ctx is done.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.cfg.HeartbeatTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reap(ctx, r.cfg.HeartbeatTimeout); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("reap connections")
			}
			if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("reconcile connections")
			}
		}
	}
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	senders := make([]Sender, 0, len(r.local))
	for taskID, l := range r.local {
		senders = append(senders, l.sender)
		delete(r.local, taskID)
	}
	r.mu.Unlock()
	metrics.ActiveConnections.Set(0)
	for _, s := range senders {
		_ = s.Close()
	}
}
