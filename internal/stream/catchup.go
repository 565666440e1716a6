package stream

import (
	"context"
	"iter"
	"time"

	"runweaver/internal/domain"
)

// EventSource replays a run's execution log after a given order.
type EventSource interface {
	StreamSince(ctx context.Context, runID string, afterOrder int64) iter.Seq2[domain.ExecutionEvent, error]
}

type BlockingSender interface {
	SendContext(ctx context.Context, env domain.Envelope) error
}

// CatchUp replays every event of runID after afterOrder to sender, in order,
// and returns the last order delivered.
func CatchUp(ctx context.Context, sender BlockingSender, events EventSource, runID, sessionID string, afterOrder int64) (int64, error) {
	last := afterOrder
	for ev, err := range events.StreamSince(ctx, runID, afterOrder) {
		if err != nil {
			return last, err
		}
		env, err := domain.NewEnvelope(domain.ExecutionEventPayload{Event: ev}, ev.RunID, sessionID, time.Now().UTC())
		if err != nil {
			return last, err
		}
		if err := sender.SendContext(ctx, env); err != nil {
			return last, err
		}
		last = ev.ExecutionOrder
	}
	return last, nil
}
