package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"runweaver/internal/stream"
)

// handleWS registers the connection, replays the run's events after the
// client's cursor and then streams live envelopes. Live envelopes published
// during the replay are held and de-duplicated against it.
func (a *app) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	taskID := strings.TrimSpace(q.Get("task_id"))
	runID := strings.TrimSpace(q.Get("run_id"))
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task_id is required"))
		return
	}
	if runID == "" && sessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run_id or session_id is required"))
		return
	}
	after, err := queryInt64(r, "after")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	explicitAfter := q.Has("after")

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Str("task_id", taskID).Msg("websocket upgrade failed")
		return
	}
	ctx := context.WithoutCancel(r.Context())
	sender := stream.NewWSSender(conn, a.cfg.Orchestrator.StreamQueueSize)
	sender.Hold()

	rec, err := a.registry.Register(ctx, taskID, sessionID, runID, sender)
	if err != nil {
		a.logger.Error().Err(err).Str("task_id", taskID).Msg("register connection")
		_ = sender.Close()
		return
	}
	if !explicitAfter {
		after = rec.LastAckedOrder
	}

	replayed := after
	if runID != "" {
		last, err := stream.CatchUp(ctx, sender, a.events, runID, sessionID, after)
		if err != nil {
			a.logger.Warn().Err(err).Str("task_id", taskID).Str("run_id", runID).Msg("catch-up replay stopped")
		}
		replayed = last
	}
	sender.Release(replayed)
	a.logger.Info().Str("task_id", taskID).Str("run_id", runID).Int64("after", after).Int64("replayed", replayed).
		Msg("stream attached")

	err = sender.ReadFrames(func(f stream.ClientFrame) {
		var ferr error
		switch f.Type {
		case "heartbeat":
			ferr = a.registry.Heartbeat(ctx, taskID)
		case "ack":
			ferr = a.registry.Ack(ctx, taskID, f.Order)
		case "close":
			ferr = a.registry.Unregister(ctx, taskID)
		default:
			a.logger.Debug().Str("task_id", taskID).Str("type", f.Type).Msg("unknown client frame")
		}
		if ferr != nil {
			a.logger.Warn().Err(ferr).Str("task_id", taskID).Str("type", f.Type).Msg("client frame")
		}
	})
	a.registry.Unbind(taskID, sender)
	a.logger.Debug().Err(err).Str("task_id", taskID).Msg("stream detached")
}
