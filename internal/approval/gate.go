package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runweaver/internal/domain"
	"runweaver/internal/metrics"
)

type Store interface {
	CreateApproval(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalRequest, error)
	GetApproval(ctx context.Context, requestID string) (domain.ApprovalRequest, error)
	DecideApproval(ctx context.Context, requestID string, result domain.ApprovalResult, actor, note string) (domain.ApprovalRequest, error)
	ListExpiredApprovals(ctx context.Context, now time.Time) ([]domain.ApprovalRequest, error)
}

type Publisher interface {
	Emit(p domain.Payload, runID, sessionID string)
}

type RequestInput struct {
	RunID        string
	StepID       string
	SessionID    string
	ApprovalType string
	Context      json.RawMessage
	// TTL of zero makes the request expire on creation.
	TTL time.Duration
}

type Decision struct {
	Result domain.ApprovalResult `json:"result"`
	Actor  string                `json:"actor"`
	Note   string                `json:"note,omitempty"`
}

// Gate suspends runs on human sign-off. Decisions are persisted first; local
// waiters are woken after the commit.
type Gate struct {
	store     Store
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func New(store Store, publisher Publisher, logger zerolog.Logger) *Gate {
	return &Gate{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "approval").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		waiters:   make(map[string][]chan struct{}),
	}
}

func (g *Gate) Request(ctx context.Context, in RequestInput) (domain.ApprovalRequest, error) {
	if strings.TrimSpace(in.RunID) == "" {
		return domain.ApprovalRequest{}, fmt.Errorf("request approval: run_id required: %w", domain.ErrInvalidInput)
	}
	if in.TTL < 0 {
		return domain.ApprovalRequest{}, fmt.Errorf("request approval: negative ttl: %w", domain.ErrInvalidInput)
	}
	approvalType := strings.TrimSpace(in.ApprovalType)
	if approvalType == "" {
		approvalType = "manual"
	}
	now := g.now()
	req, err := g.store.CreateApproval(ctx, domain.ApprovalRequest{
		ID:           uuid.NewString(),
		RunID:        in.RunID,
		StepID:       in.StepID,
		SessionID:    in.SessionID,
		ApprovalType: approvalType,
		Context:      in.Context,
		CreatedAt:    now,
		ExpiresAt:    now.Add(in.TTL),
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	g.emit(domain.ApprovalRequiredPayload{Request: req}, req.RunID, req.SessionID)
	g.logger.Info().Str("run_id", req.RunID).Str("request_id", req.ID).Str("step_id", req.StepID).
		Time("expires_at", req.ExpiresAt).Msg("approval requested")
	return req, nil
}

// Wait blocks until the request is decided. An expired request returns
// ErrExpired together with the stored request.
func (g *Gate) Wait(ctx context.Context, requestID string) (domain.ApprovalRequest, error) {
	for {
		ch := g.subscribe(requestID)
		req, err := g.store.GetApproval(ctx, requestID)
		if err != nil {
			g.unsubscribe(requestID, ch)
			return domain.ApprovalRequest{}, err
		}
		if !req.Pending() {
			g.unsubscribe(requestID, ch)
			return decided(req)
		}
		wait := req.ExpiresAt.Sub(g.now())
		if wait <= 0 {
			g.unsubscribe(requestID, ch)
			expired, err := g.expire(ctx, req)
			if err != nil {
				return domain.ApprovalRequest{}, err
			}
			return decided(expired)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			g.unsubscribe(requestID, ch)
			return domain.ApprovalRequest{}, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
			g.unsubscribe(requestID, ch)
		}
	}
}

func decided(req domain.ApprovalRequest) (domain.ApprovalRequest, error) {
	if req.Result == domain.ApprovalExpired {
		return req, fmt.Errorf("approval %s: %w", req.ID, domain.ErrExpired)
	}
	return req, nil
}

// Resolve records an approve or deny decision. Decisions at or after
// expires_at mark the request expired and return ErrExpired.
func (g *Gate) Resolve(ctx context.Context, requestID string, d Decision) (domain.ApprovalRequest, error) {
	if d.Result != domain.ApprovalApproved && d.Result != domain.ApprovalDenied {
		return domain.ApprovalRequest{}, fmt.Errorf("resolve approval: result must be approved or denied: %w", domain.ErrInvalidInput)
	}
	req, err := g.store.DecideApproval(ctx, requestID, d.Result, d.Actor, d.Note)
	if err != nil {
		if errors.Is(err, domain.ErrExpired) {
			g.finish(req)
		}
		return req, err
	}
	g.finish(req)
	return req, nil
}

// SweepExpired marks pending requests past expires_at as expired.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	pending, err := g.store.ListExpiredApprovals(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range pending {
		if _, err := g.expire(ctx, req); err != nil {
			if errors.Is(err, domain.ErrAlreadyResolved) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (g *Gate) expire(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalRequest, error) {
	out, err := g.store.DecideApproval(ctx, req.ID, domain.ApprovalExpired, "", "ttl elapsed")
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyResolved) {
			if cur, getErr := g.store.GetApproval(ctx, req.ID); getErr == nil {
				return cur, nil
			}
		}
		return domain.ApprovalRequest{}, err
	}
	g.finish(out)
	return out, nil
}

func (g *Gate) finish(req domain.ApprovalRequest) {
	metrics.ApprovalsDecided.WithLabelValues(string(req.Result)).Inc()
	g.emit(domain.ApprovalResolvedPayload{RequestID: req.ID, StepID: req.StepID, Result: req.Result, DecidedBy: req.DecidedBy}, req.RunID, req.SessionID)
	g.logger.Info().Str("run_id", req.RunID).Str("request_id", req.ID).Str("result", string(req.Result)).Msg("approval decided")
	g.wake(req.ID)
}

func (g *Gate) subscribe(requestID string) chan struct{} {
	ch := make(chan struct{})
	g.mu.Lock()
	g.waiters[requestID] = append(g.waiters[requestID], ch)
	g.mu.Unlock()
	return ch
}

func (g *Gate) unsubscribe(requestID string, ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.waiters[requestID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(g.waiters, requestID)
		return
	}
	g.waiters[requestID] = list
}

func (g *Gate) wake(requestID string) {
	g.mu.Lock()
	list := g.waiters[requestID]
	delete(g.waiters, requestID)
	g.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

func (g *Gate) emit(p domain.Payload, runID, sessionID string) {
	if g.publisher != nil {
		g.publisher.Emit(p, runID, sessionID)
	}
}
