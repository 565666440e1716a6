package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"runweaver/internal/approval"
	"runweaver/internal/domain"
	"runweaver/internal/executor"
	"runweaver/internal/metrics"
	"runweaver/internal/policy"
	"runweaver/internal/racing"
	"runweaver/internal/tree"
)

const outputTail = 4096

type TaskInput struct {
	SessionID string     `json:"session_id"`
	Goal      string     `json:"goal"`
	Steps     []StepSpec `json:"steps"`
}

// StepSpec is one step of a task. A step runs Command, or races the
// branches of Race when it is set.
type StepSpec struct {
	ID              string            `json:"id"`
	Agent           string            `json:"agent,omitempty"`
	Role            string            `json:"role,omitempty"`
	Command         []string          `json:"command,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	TimeoutMS       int               `json:"timeout_ms,omitempty"`
	RequireApproval bool              `json:"require_approval,omitempty"`
	Race            *RaceSpec         `json:"race,omitempty"`
}

type RaceSpec struct {
	Strategy  string              `json:"strategy,omitempty"`
	TimeoutMS int                 `json:"timeout_ms,omitempty"`
	Branches  []racing.BranchSpec `json:"branches"`
}

func (in TaskInput) validate() error {
	if strings.TrimSpace(in.SessionID) == "" {
		return fmt.Errorf("submit task: session_id required: %w", domain.ErrInvalidInput)
	}
	if len(in.Steps) == 0 {
		return fmt.Errorf("submit task: at least one step required: %w", domain.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(in.Steps))
	for i, st := range in.Steps {
		id := strings.TrimSpace(st.ID)
		switch {
		case id == "":
			return fmt.Errorf("submit task: step %d: id required: %w", i, domain.ErrInvalidInput)
		case id == rootNodeName:
			return fmt.Errorf("submit task: step id %q is reserved: %w", id, domain.ErrInvalidInput)
		case seen[id]:
			return fmt.Errorf("submit task: duplicate step id %q: %w", id, domain.ErrInvalidInput)
		}
		seen[id] = true
		if st.Race != nil {
			if len(st.Race.Branches) == 0 {
				return fmt.Errorf("submit task: step %s: race needs branches: %w", id, domain.ErrInvalidInput)
			}
			for _, b := range st.Race.Branches {
				if len(b.Command) == 0 {
					return fmt.Errorf("submit task: step %s: branch %q has no command: %w", id, b.Name, domain.ErrInvalidInput)
				}
			}
			continue
		}
		if len(st.Command) == 0 {
			return fmt.Errorf("submit task: step %s: command required: %w", id, domain.ErrInvalidInput)
		}
	}
	return nil
}

// launch executes plan[from:] in the background. Steps are created under
// parentNodeID; top-level steps pass "". The plan is held in memory only
// while the run goroutine is alive.
func (s *Service) launch(run domain.WorkflowRun, parentNodeID string, plan []StepSpec, from int) {
	ctx, cancel := context.WithCancel(s.runCtx)
	ar := &activeRun{ctx: ctx, cancel: cancel, sessionID: run.SessionID, status: run.Status}

	s.mu.Lock()
	s.active[run.ID] = ar
	s.plans[run.ID] = plan
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.execute(ctx, run, ar, parentNodeID, plan, from)
		s.mu.Lock()
		delete(s.active, run.ID)
		delete(s.plans, run.ID)
		s.mu.Unlock()
	}()
}

func (s *Service) execute(ctx context.Context, run domain.WorkflowRun, ar *activeRun, parentNodeID string, plan []StepSpec, from int) {
	if err := s.transition(ctx, run, ar, domain.RunStatusRunning, "execution started"); err != nil {
		s.fail(run, ar, err)
		return
	}
	for i := from; i < len(plan); i++ {
		step := plan[i]
		if err := s.runStep(ctx, run, ar, parentNodeID, step); err != nil {
			s.fail(run, ar, err)
			return
		}
		s.recordProgress(ctx, run.SessionID, step.ID, i+1)
	}
	if err := s.transition(context.WithoutCancel(ctx), run, ar, domain.RunStatusCompleted, "all steps completed"); err != nil {
		s.fail(run, ar, err)
		return
	}
	metrics.RunsFinished.WithLabelValues(string(domain.RunStatusCompleted)).Inc()
	s.logger.Info().Str("run_id", run.ID).Int("steps", len(plan)-from).Msg("run completed")
}

// fail finalizes a run whose step returned err. Runs cancelled through
// CancelRun are already final; a shutdown leaves the run interrupted.
func (s *Service) fail(run domain.WorkflowRun, ar *activeRun, err error) {
	s.mu.Lock()
	cancelled := ar.cancelled
	s.mu.Unlock()
	if cancelled || errors.Is(err, domain.ErrRunNotFound) {
		return
	}
	status, reason := domain.RunStatusFailed, err.Error()
	if s.runCtx.Err() != nil {
		status, reason = domain.RunStatusInterrupted, "orchestrator shutting down"
	}
	if terr := s.transition(context.Background(), run, ar, status, reason); terr != nil {
		if !errors.Is(terr, domain.ErrRunNotFound) {
			s.logger.Error().Err(terr).Str("run_id", run.ID).Msg("finalize failed run")
		}
		return
	}
	if status == domain.RunStatusFailed {
		metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	}
	s.logger.Warn().Str("run_id", run.ID).Str("status", string(status)).Str("reason", reason).Msg("run stopped")
}

func (s *Service) transition(ctx context.Context, run domain.WorkflowRun, ar *activeRun, to domain.RunStatus, reason string) error {
	from := ar.status
	if from == to {
		return nil
	}
	if _, err := s.store.UpdateRunStatus(ctx, run.ID, to, reason, orchestratorActor); err != nil {
		return err
	}
	ar.status = to
	s.emitStatus(run.ID, run.SessionID, from, to, reason)
	return nil
}

// observed records a status change the store made on its own, such as an
// approval parking the run.
func (s *Service) observed(run domain.WorkflowRun, ar *activeRun, to domain.RunStatus, reason string) {
	if ar.status == to {
		return
	}
	from := ar.status
	ar.status = to
	s.emitStatus(run.ID, run.SessionID, from, to, reason)
}

func (s *Service) runStep(ctx context.Context, run domain.WorkflowRun, ar *activeRun, parentID string, step StepSpec) error {
	kind := "command"
	if step.Race != nil {
		kind = "race"
	}
	node, err := s.tree.CreateNode(ctx, run.ID, run.SessionID, parentID, tree.NodeInput{Name: step.ID, Kind: kind})
	if err != nil {
		return err
	}

	stepErr := s.awaitApproval(ctx, run, ar, step)
	if stepErr == nil {
		if step.Race != nil {
			stepErr = s.raceStep(ctx, run, ar, node, step)
		} else {
			stepErr = s.commandStep(ctx, run, node, step)
		}
	}

	status, reason := domain.NodeStatusCompleted, "step completed"
	if stepErr != nil {
		status, reason = domain.NodeStatusFailed, stepErr.Error()
	}
	if err := s.store.SetNodeStatus(context.WithoutCancel(ctx), node.ID, status, reason); err != nil {
		s.logger.Error().Err(err).Str("node_id", node.ID).Msg("record node status")
	}
	return stepErr
}

func (s *Service) approvalFor(step StepSpec) policy.Decision {
	var d policy.Decision
	if s.policy != nil {
		d = s.policy.RequiresApproval(step.ID)
	}
	if step.RequireApproval && !d.Required {
		d = policy.Decision{Required: true, ApprovalType: "manual", Reason: "step requires approval"}
	}
	if d.Required && d.TTL <= 0 {
		d.TTL = s.cfg.ApprovalTTL
	}
	return d
}

func (s *Service) awaitApproval(ctx context.Context, run domain.WorkflowRun, ar *activeRun, step StepSpec) error {
	d := s.approvalFor(step)
	if !d.Required {
		return nil
	}
	req, err := s.approvals.Request(ctx, approval.RequestInput{
		RunID:        run.ID,
		StepID:       step.ID,
		SessionID:    run.SessionID,
		ApprovalType: d.ApprovalType,
		Context: mustJSON(map[string]any{
			"goal":    run.Goal,
			"command": step.Command,
			"reason":  d.Reason,
		}),
		TTL: d.TTL,
	})
	if err != nil {
		return err
	}
	s.observed(run, ar, domain.RunStatusWaitingApproval, "awaiting "+req.ApprovalType+" approval")

	decided, err := s.approvals.Wait(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("approval for step %s: %w", step.ID, err)
	}
	s.observed(run, ar, domain.RunStatusRunning, "approval "+string(decided.Result))
	if decided.Result == domain.ApprovalDenied {
		return fmt.Errorf("step %s denied by %s", step.ID, decided.DecidedBy)
	}
	return nil
}

func (s *Service) raceStep(ctx context.Context, run domain.WorkflowRun, ar *activeRun, node domain.DagNode, step StepSpec) error {
	if err := s.transition(ctx, run, ar, domain.RunStatusRacing, "race for step "+step.ID); err != nil {
		return err
	}
	strategy := step.Race.Strategy
	if strategy == "" {
		strategy = s.cfg.DefaultRaceStrategy
	}
	timeout := s.cfg.RaceTimeout
	if step.Race.TimeoutMS > 0 {
		timeout = time.Duration(step.Race.TimeoutMS) * time.Millisecond
	}
	// The coordinator hook consumes key once the group closes. Wait can
	// return before the hook runs, so only error paths drop it here.
	key := raceKey(run.ID, step.ID)
	s.mu.Lock()
	s.stepRaces[key] = true
	s.mu.Unlock()
	drop := func() {
		s.mu.Lock()
		delete(s.stepRaces, key)
		s.mu.Unlock()
	}

	raceCtx := withRaceScope(ctx, raceScope{sessionID: run.SessionID, nodeID: node.ID})
	group, err := s.racing.Start(raceCtx, run.ID, run.SessionID, step.ID, step.Race.Branches, strategy, timeout)
	if err != nil {
		drop()
		return err
	}
	outcome, err := s.racing.Wait(ctx, group.ID)
	if err != nil {
		drop()
		return err
	}
	s.recordRace(ctx, outcome, node.ID)
	if outcome.Group.Status != domain.GroupStatusResolved || outcome.Winner == nil {
		return fmt.Errorf("race for step %s aborted: %s", step.ID, outcome.Group.Reason)
	}
	return s.transition(ctx, run, ar, domain.RunStatusRunning, "race won by branch "+outcome.Winner.BranchID)
}

func (s *Service) commandStep(ctx context.Context, run domain.WorkflowRun, node domain.DagNode, step StepSpec) error {
	timeout := s.cfg.TaskTimeout
	if step.TimeoutMS > 0 {
		timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	startedAt := time.Now().UTC()
	started, err := s.events.Append(ctx, domain.ExecutionEvent{
		RunID:        run.ID,
		NodeID:       node.ID,
		StepID:       step.ID,
		SessionID:    run.SessionID,
		EventType:    "step",
		EventSubtype: "started",
		AgentName:    step.Agent,
		AgentRole:    step.Role,
		StartedAt:    &startedAt,
		Inputs:       mustJSON(map[string]any{"command": step.Command}),
		Status:       "running",
	})
	if err != nil {
		return err
	}

	res := s.executor.Run(ctx, executor.TaskSpec{ID: node.ID, Command: step.Command, Env: step.Env}, timeout, func(stream, line string) {
		s.emit(domain.OutputPayload{TaskID: node.ID, Stream: stream, Text: line}, run.ID, run.SessionID)
	})

	completedAt := res.StartedAt.Add(res.Duration)
	if res.StartedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	_, err = s.events.Append(context.WithoutCancel(ctx), domain.ExecutionEvent{
		RunID:         run.ID,
		NodeID:        node.ID,
		StepID:        step.ID,
		SessionID:     run.SessionID,
		ParentEventID: started.ID,
		EventType:     "step",
		EventSubtype:  "completed",
		AgentName:     step.Agent,
		AgentRole:     step.Role,
		StartedAt:     &startedAt,
		CompletedAt:   &completedAt,
		Outputs: mustJSON(map[string]any{
			"exit_code": res.ExitCode,
			"stdout":    trimText(res.Stdout, outputTail),
			"stderr":    trimText(res.Stderr, outputTail),
			"truncated": res.Truncated,
		}),
		ErrorMessage: res.Error,
		Status:       string(res.State),
	})
	if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
		s.logger.Error().Err(err).Str("run_id", run.ID).Str("step_id", step.ID).Msg("record step completion")
	}

	if res.State != executor.StateSucceeded {
		detail := res.Error
		if detail == "" {
			detail = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return fmt.Errorf("step %s %s: %s", step.ID, res.State, detail)
	}
	return nil
}

func (s *Service) recordProgress(ctx context.Context, sessionID, stepID string, index int) {
	if s.sessions == nil {
		return
	}
	_, err := s.sessions.Update(ctx, sessionID, func(domain.SessionState) (domain.SessionPatch, error) {
		phase, step := stepID, index
		return domain.SessionPatch{CurrentPhase: &phase, CurrentStep: &step}, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Str("step_id", stepID).Msg("record session progress")
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
