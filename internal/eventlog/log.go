package eventlog

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runweaver/internal/domain"
	"runweaver/internal/metrics"
)

type Store interface {
	AppendEvent(ctx context.Context, ev domain.ExecutionEvent) (domain.ExecutionEvent, error)
	ListEventsAfter(ctx context.Context, runID string, after int64, limit int) ([]domain.ExecutionEvent, error)
}

type Publisher interface {
	Emit(p domain.Payload, runID, sessionID string)
}

// Log is the append-only execution event log. Appends to one run are
// serialized by a mutex owned by that run; appends to different runs never
// contend in this package.
type Log struct {
	store     Store
	publisher Publisher
	logger    zerolog.Logger
	pageSize  int

	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func New(store Store, publisher Publisher, logger zerolog.Logger, pageSize int) *Log {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Log{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "eventlog").Logger(),
		pageSize:  pageSize,
		locks:     make(map[string]*runLock),
	}
}

func (l *Log) acquire(runID string) *runLock {
	l.mu.Lock()
	lk, ok := l.locks[runID]
	if !ok {
		lk = &runLock{}
		l.locks[runID] = lk
	}
	lk.refs++
	l.mu.Unlock()
	lk.mu.Lock()
	return lk
}

func (l *Log) release(runID string, lk *runLock) {
	lk.mu.Unlock()
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, runID)
	}
	l.mu.Unlock()
}

// Append stores ev with the next execution_order of its run and publishes it.
// Publishing happens before the run lock is released so subscribers observe
// events in execution_order.
func (l *Log) Append(ctx context.Context, ev domain.ExecutionEvent) (domain.ExecutionEvent, error) {
	if strings.TrimSpace(ev.RunID) == "" {
		return domain.ExecutionEvent{}, fmt.Errorf("append event: run_id required: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(ev.EventType) == "" {
		return domain.ExecutionEvent{}, fmt.Errorf("append event: event_type required: %w", domain.ErrInvalidInput)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.DurationMS == 0 && ev.StartedAt != nil && ev.CompletedAt != nil {
		ev.DurationMS = ev.CompletedAt.Sub(*ev.StartedAt).Milliseconds()
	}

	lk := l.acquire(ev.RunID)
	defer l.release(ev.RunID, lk)

	stored, err := l.store.AppendEvent(ctx, ev)
	if err != nil {
		return domain.ExecutionEvent{}, err
	}
	metrics.EventsAppended.Inc()
	if l.publisher != nil {
		l.publisher.Emit(domain.ExecutionEventPayload{Event: stored}, stored.RunID, stored.SessionID)
	}
	l.logger.Debug().Str("run_id", stored.RunID).Int64("execution_order", stored.ExecutionOrder).
		Str("event_type", stored.EventType).Msg("event appended")
	return stored, nil
}

// StreamSince yields the run's events with execution_order > afterOrder in
// ascending order. Pages are fetched lazily; iteration ends at the last event
// stored when the final page is read.
func (l *Log) StreamSince(ctx context.Context, runID string, afterOrder int64) iter.Seq2[domain.ExecutionEvent, error] {
	return func(yield func(domain.ExecutionEvent, error) bool) {
		cursor := afterOrder
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.ExecutionEvent{}, err)
				return
			}
			page, err := l.store.ListEventsAfter(ctx, runID, cursor, l.pageSize)
			if err != nil {
				yield(domain.ExecutionEvent{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				cursor = ev.ExecutionOrder
			}
			if len(page) < l.pageSize {
				return
			}
		}
	}
}

// Events collects StreamSince into a slice.
func (l *Log) Events(ctx context.Context, runID string, afterOrder int64) ([]domain.ExecutionEvent, error) {
	var out []domain.ExecutionEvent
	for ev, err := range l.StreamSince(ctx, runID, afterOrder) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// EventNode is one event with its causal children, ordered by execution_order.
type EventNode struct {
	Event    domain.ExecutionEvent `json:"event"`
	Children []*EventNode          `json:"children,omitempty"`
}

// CausalTree arranges a run's events into a forest by parent_event_id.
func (l *Log) CausalTree(ctx context.Context, runID string) ([]*EventNode, error) {
	events, err := l.Events(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	return BuildForest(events), nil
}

func BuildForest(events []domain.ExecutionEvent) []*EventNode {
	nodes := make(map[string]*EventNode, len(events))
	for _, ev := range events {
		nodes[ev.ID] = &EventNode{Event: ev}
	}
	var roots []*EventNode
	for _, ev := range events {
		n := nodes[ev.ID]
		if parent, ok := nodes[ev.ParentEventID]; ok && ev.ParentEventID != "" {
			parent.Children = append(parent.Children, n)
			continue
		}
		roots = append(roots, n)
	}
	byOrder := func(list []*EventNode) {
		sort.Slice(list, func(i, j int) bool { return list[i].Event.ExecutionOrder < list[j].Event.ExecutionOrder })
	}
	byOrder(roots)
	for _, n := range nodes {
		byOrder(n.Children)
	}
	return roots
}
