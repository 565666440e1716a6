package stream

import (
	"time"

	"github.com/rs/zerolog"

	"runweaver/internal/connections"
	"runweaver/internal/domain"
	"runweaver/internal/metrics"
)

// TargetSource selects the live local connections for an envelope.
type TargetSource interface {
	Targets(runID, sessionID string, now time.Time) []connections.Target
}

// Hub fans envelopes out to every matching connection without blocking.
// Envelopes a connection cannot take right now are dropped, not queued.
type Hub struct {
	targets TargetSource
	logger  zerolog.Logger
	now     func() time.Time
	taps    []func(domain.Envelope)
}

func NewHub(targets TargetSource, logger zerolog.Logger) *Hub {
	return &Hub{
		targets: targets,
		logger:  logger.With().Str("component", "stream").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Tap registers fn to observe every published envelope. Not safe to call
// concurrently with Publish; register taps during wiring.
func (h *Hub) Tap(fn func(domain.Envelope)) {
	h.taps = append(h.taps, fn)
}

// Publish returns the number of connections that accepted env.
func (h *Hub) Publish(env domain.Envelope) int {
	for _, tap := range h.taps {
		tap(env)
	}
	delivered := 0
	for _, t := range h.targets.Targets(env.RunID, env.SessionID, h.now()) {
		if !t.Sender.Ready() || !t.Sender.Send(env) {
			metrics.EnvelopesDropped.WithLabelValues(env.EventType).Inc()
			h.logger.Debug().Str("task_id", t.TaskID).Str("event_type", env.EventType).Msg("envelope dropped")
			continue
		}
		delivered++
	}
	if delivered > 0 {
		metrics.EnvelopesDelivered.WithLabelValues(env.EventType).Add(float64(delivered))
	}
	return delivered
}

// Emit wraps p in an envelope stamped now and publishes it.
func (h *Hub) Emit(p domain.Payload, runID, sessionID string) {
	env, err := domain.NewEnvelope(p, runID, sessionID, h.now())
	if err != nil {
		h.logger.Error().Err(err).Str("event_type", p.EventType()).Msg("build envelope")
		return
	}
	h.Publish(env)
}
