package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"runweaver/internal/approval"
	"runweaver/internal/config"
	"runweaver/internal/connections"
	"runweaver/internal/domain"
	"runweaver/internal/eventlog"
	"runweaver/internal/orchestrator"
	"runweaver/internal/racing"
	sqlitestore "runweaver/internal/store/sqlite"
)

type app struct {
	cfg      config.Config
	store    *sqlitestore.Store
	service  *orchestrator.Service
	registry *connections.Registry
	events   *eventlog.Log
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func newApp(p *process) *app {
	return &app{
		cfg:      p.cfg,
		store:    p.store,
		service:  p.service,
		registry: p.registry,
		events:   p.events,
		logger:   p.logger.With().Str("component", "http").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Observers are terminal monitors and scripts, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /config", a.handleConfig)
	mux.HandleFunc("GET /runs", a.handleListRuns)
	mux.HandleFunc("POST /runs", a.handleSubmitRun)
	mux.HandleFunc("GET /runs/{id}", a.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/nodes", a.handleRunTree)
	mux.HandleFunc("GET /runs/{id}/events", a.handleRunEvents)
	mux.HandleFunc("POST /runs/{id}/branch", a.handleBranch)
	mux.HandleFunc("POST /runs/{id}/races", a.handleStartRace)
	mux.HandleFunc("POST /runs/{id}/cancel", a.handleCancel)
	mux.HandleFunc("GET /races/{id}", a.handleGetRace)
	mux.HandleFunc("POST /approvals/{id}/resolve", a.handleResolveApproval)
	mux.HandleFunc("GET /sessions/{id}", a.handleGetSession)
	mux.HandleFunc("PUT /sessions/{id}", a.handleSaveSession)
	mux.HandleFunc("GET /ws", a.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	return a.loggingMiddleware(mux)
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := a.store.Ping(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":          status,
		"time":            time.Now().UTC().Format(time.RFC3339),
		"server_instance": a.cfg.Orchestrator.ServerInstance,
		"active_runs":     len(a.service.ActiveRuns()),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":         a.cfg.Path,
		"orchestrator": a.cfg.Orchestrator,
		"raw":          a.cfg.Raw,
	})
}

func (a *app) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.service.ListRuns(r.Context(), r.URL.Query().Get("session_id"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *app) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.TaskInput
	if !decodeBody(w, r, &in) {
		return
	}
	runID, err := a.service.SubmitTask(r.Context(), in)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID})
}

func (a *app) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.service.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *app) handleRunTree(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RunTree(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *app) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if r.URL.Query().Get("tree") == "1" {
		forest, err := a.service.EventTree(r.Context(), runID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, forest)
		return
	}
	after, err := queryInt64(r, "after")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := a.service.Events(r.Context(), runID, after)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *app) handleBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromNodeID string `json:"from_node_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FromNodeID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("from_node_id is required"))
		return
	}
	runID, err := a.service.CreateBranch(r.Context(), r.PathValue("id"), req.FromNodeID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"run_id": runID})
}

func (a *app) handleStartRace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StepID   string              `json:"step_id"`
		Strategy string              `json:"strategy"`
		Branches []racing.BranchSpec `json:"branches"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	groupID, err := a.service.StartRace(r.Context(), r.PathValue("id"), req.StepID, req.Branches, req.Strategy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"group_id": groupID})
}

func (a *app) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := a.service.CancelRun(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": domain.RunStatusCancelled})
}

func (a *app) handleGetRace(w http.ResponseWriter, r *http.Request) {
	race, err := a.service.GetRace(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, race)
}

func (a *app) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var d approval.Decision
	if !decodeBody(w, r, &d) {
		return
	}
	if strings.TrimSpace(d.Actor) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("actor is required"))
		return
	}
	req, err := a.service.ResolveApproval(r.Context(), r.PathValue("id"), d)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *app) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := a.service.LoadSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *app) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectedVersion     int64                 `json:"expected_version"`
		Mode                *string               `json:"mode"`
		ConversationHistory json.RawMessage       `json:"conversation_history"`
		ContextVariables    json.RawMessage       `json:"context_variables"`
		PlanData            json.RawMessage       `json:"plan_data"`
		CurrentPhase        *string               `json:"current_phase"`
		CurrentStep         *int                  `json:"current_step"`
		Status              *domain.SessionStatus `json:"status"`
		ExpiresAt           *time.Time            `json:"expires_at"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := a.service.SaveSession(r.Context(), r.PathValue("id"), domain.SessionPatch{
		Mode:                req.Mode,
		ConversationHistory: req.ConversationHistory,
		ContextVariables:    req.ContextVariables,
		PlanData:            req.PlanData,
		CurrentPhase:        req.CurrentPhase,
		CurrentStep:         req.CurrentStep,
		Status:              req.Status,
		ExpiresAt:           req.ExpiresAt,
	}, req.ExpectedVersion)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// statusFor maps domain sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidParent),
		errors.Is(err, domain.ErrUnknownStrategy):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrRaceInProgress),
		errors.Is(err, domain.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrBranchDepthExceeded):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (a *app) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("request")
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func queryInt64(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}
