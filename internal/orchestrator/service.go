package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"runweaver/internal/approval"
	"runweaver/internal/connections"
	"runweaver/internal/domain"
	"runweaver/internal/eventlog"
	"runweaver/internal/executor"
	"runweaver/internal/metrics"
	"runweaver/internal/policy"
	"runweaver/internal/racing"
	"runweaver/internal/session"
	"runweaver/internal/tree"
)

const (
	orchestratorActor = "orchestrator"
	rootNodeName      = "task"
)

type Store interface {
	GetRun(ctx context.Context, runID string) (domain.WorkflowRun, error)
	ListRuns(ctx context.Context, sessionID string, limit int) ([]domain.WorkflowRun, error)
	ListRunsByStatus(ctx context.Context, statuses ...domain.RunStatus) ([]domain.WorkflowRun, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, reason, actor string) (domain.WorkflowRun, error)
	SetNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus, reason string) error
	GetNode(ctx context.Context, nodeID string) (domain.DagNode, error)
	ListRunNodes(ctx context.Context, runID string) ([]domain.DagNode, error)
	ListRunBranches(ctx context.Context, runID string) ([]domain.Branch, error)
	ListRunRacingGroups(ctx context.Context, runID string) ([]domain.RacingGroup, error)
	ListRunApprovals(ctx context.Context, runID string) ([]domain.ApprovalRequest, error)
	GetRacingGroup(ctx context.Context, groupID string) (domain.RacingGroup, error)
	ListGroupBranches(ctx context.Context, groupID string) ([]domain.Branch, error)
	SaveRunPlan(ctx context.Context, runID string, steps json.RawMessage) error
	GetRunPlan(ctx context.Context, runID string) (json.RawMessage, error)
}

type Publisher interface {
	Emit(p domain.Payload, runID, sessionID string)
}

type Config struct {
	TaskTimeout         time.Duration
	RaceTimeout         time.Duration
	ApprovalTTL         time.Duration
	SweepInterval       time.Duration
	ConnectionInterval  time.Duration
	DefaultRaceStrategy string
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.DefaultRaceStrategy == "" {
		c.DefaultRaceStrategy = "first_complete"
	}
	return c
}

// Deps are the components the service drives. Publisher and Connections may
// be nil in tests.
type Deps struct {
	Store       Store
	Tree        *tree.Tree
	Events      *eventlog.Log
	Racing      *racing.Coordinator
	Approvals   *approval.Gate
	Sessions    *session.Manager
	Connections *connections.Registry
	Executor    *executor.Executor
	Policy      *policy.Engine
	Publisher   Publisher
}

type Service struct {
	store       Store
	tree        *tree.Tree
	events      *eventlog.Log
	racing      *racing.Coordinator
	approvals   *approval.Gate
	sessions    *session.Manager
	connections *connections.Registry
	executor    *executor.Executor
	policy      *policy.Engine
	publisher   Publisher
	cfg         Config
	logger      zerolog.Logger

	// runCtx parents every run goroutine; stop cancels them on shutdown.
	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	loops  sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeRun
	// plans holds the steps of runs with a live goroutine. The durable copy
	// lives in the store so branches survive restarts.
	plans map[string][]StepSpec
	// stepRaces holds run/step keys of races a step records itself.
	stepRaces map[string]bool
}

type activeRun struct {
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
	status    domain.RunStatus
	cancelled bool
}

func New(deps Deps, cfg Config, logger zerolog.Logger) *Service {
	runCtx, stop := context.WithCancel(context.Background())
	s := &Service{
		store:       deps.Store,
		tree:        deps.Tree,
		events:      deps.Events,
		racing:      deps.Racing,
		approvals:   deps.Approvals,
		sessions:    deps.Sessions,
		connections: deps.Connections,
		executor:    deps.Executor,
		policy:      deps.Policy,
		publisher:   deps.Publisher,
		cfg:         cfg.withDefaults(),
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		runCtx:      runCtx,
		stop:        stop,
		active:      make(map[string]*activeRun),
		plans:       make(map[string][]StepSpec),
		stepRaces:   make(map[string]bool),
	}
	if s.racing != nil {
		s.racing.SetHooks(racing.Hooks{OnResolved: s.onRaceResolved, OnAborted: s.onRaceAborted})
	}
	return s
}

// Start recovers runs left behind by a previous process and launches the
// background sweeps. It returns once recovery is done.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.sweepLoop(ctx)
	}()
	if s.connections != nil {
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			s.connections.Start(ctx, s.cfg.ConnectionInterval)
		}()
	}
	return nil
}

// Shutdown interrupts in-flight runs and waits for them and the sweeps to end.
// The context passed to Start must be cancelled for the sweeps to stop.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.racing != nil {
		return s.racing.Shutdown(ctx)
	}
	return nil
}

// Recover marks runs that were in progress when the previous process stopped
// as interrupted and aborts their open races.
func (s *Service) Recover(ctx context.Context) (int, error) {
	runs, err := s.store.ListRunsByStatus(ctx, domain.RunStatusPending, domain.RunStatusRunning, domain.RunStatusRacing, domain.RunStatusWaitingApproval)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, run := range runs {
		if s.isActive(run.ID) {
			continue
		}
		if s.racing != nil {
			if err := s.racing.AbortRun(ctx, run.ID, "orchestrator restarted"); err != nil {
				s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("abort races of interrupted run")
			}
		}
		if _, err := s.store.UpdateRunStatus(ctx, run.ID, domain.RunStatusInterrupted, "orchestrator restarted", orchestratorActor); err != nil {
			if errors.Is(err, domain.ErrRunNotFound) {
				continue
			}
			return recovered, err
		}
		s.emitStatus(run.ID, run.SessionID, run.Status, domain.RunStatusInterrupted, "orchestrator restarted")
		recovered++
	}
	if recovered > 0 {
		s.logger.Warn().Int("count", recovered).Msg("interrupted runs recovered")
	}
	return recovered, nil
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx, time.Now().UTC())
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context, now time.Time) {
	if s.racing != nil {
		if _, err := s.racing.SweepOverdue(ctx, now); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep overdue races")
		}
	}
	if s.approvals != nil {
		if _, err := s.approvals.SweepExpired(ctx, now); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep expired approvals")
		}
	}
	if s.sessions != nil {
		if _, err := s.sessions.SweepExpired(ctx, now); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep expired sessions")
		}
	}
}

// SubmitTask creates a run for in and executes its steps in the background.
func (s *Service) SubmitTask(ctx context.Context, in TaskInput) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}
	if err := s.ensureSession(ctx, in.SessionID); err != nil {
		return "", err
	}
	run, root, err := s.tree.SubmitRun(ctx, tree.RunInput{SessionID: in.SessionID, Goal: in.Goal, RootName: rootNodeName, RootKind: "task"})
	if err != nil {
		return "", err
	}
	if err := s.savePlan(ctx, run.ID, in.Steps); err != nil {
		if _, uerr := s.store.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, domain.RunStatusFailed, err.Error(), orchestratorActor); uerr != nil {
			s.logger.Error().Err(uerr).Str("run_id", run.ID).Msg("fail unplanned run")
		}
		return "", err
	}
	metrics.RunsSubmitted.Inc()
	s.emit(domain.WorkflowStartedPayload{Goal: run.Goal, RootNodeID: root.ID}, run.ID, run.SessionID)
	s.launch(run, "", in.Steps, 0)
	return run.ID, nil
}

func (s *Service) savePlan(ctx context.Context, runID string, steps []StepSpec) error {
	raw, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return s.store.SaveRunPlan(ctx, runID, raw)
}

// loadPlan returns runID's steps, from memory while the run is live and from
// the store otherwise. A run without a stored plan yields nil.
func (s *Service) loadPlan(ctx context.Context, runID string) ([]StepSpec, error) {
	s.mu.Lock()
	steps, ok := s.plans[runID]
	s.mu.Unlock()
	if ok {
		return steps, nil
	}
	raw, err := s.store.GetRunPlan(ctx, runID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("decode plan of run %s: %w", runID, err)
	}
	return steps, nil
}

func (s *Service) ensureSession(ctx context.Context, sessionID string) error {
	if s.sessions == nil {
		return nil
	}
	_, err := s.sessions.Resume(ctx, sessionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	mode := "workflow"
	if _, err := s.sessions.Save(ctx, sessionID, domain.SessionPatch{Mode: &mode}, 0); err != nil && !errors.Is(err, domain.ErrStaleState) {
		return err
	}
	return nil
}

// CreateBranch redoes runID from fromNodeID. When the source run has a
// stored plan, the branch re-executes it from the step the node recorded;
// otherwise the branch run stays pending.
func (s *Service) CreateBranch(ctx context.Context, runID, fromNodeID string) (string, error) {
	steps, err := s.loadPlan(ctx, runID)
	if err != nil {
		return "", err
	}
	branch, run, copied, err := s.tree.CreateBranch(ctx, runID, fromNodeID)
	if err != nil {
		return "", err
	}
	s.emit(domain.WorkflowStartedPayload{
		Goal: run.Goal, IsBranch: true, BranchParentID: runID, BranchDepth: run.BranchDepth,
	}, run.ID, run.SessionID)

	from := stepIndex(steps, branch.StepID)
	if from < 0 {
		return run.ID, nil
	}
	// The redone step hangs under the copy of the node's own parent.
	parentID := ""
	if sourceParent := fromNodeParent(ctx, s.store, fromNodeID); sourceParent != "" {
		for _, n := range copied {
			if n.SourceNodeID == sourceParent {
				parentID = n.ID
				break
			}
		}
	}
	if err := s.savePlan(ctx, run.ID, steps); err != nil {
		return "", err
	}
	s.launch(run, parentID, steps, from)
	return run.ID, nil
}

func fromNodeParent(ctx context.Context, store Store, nodeID string) string {
	node, err := store.GetNode(ctx, nodeID)
	if err != nil {
		return ""
	}
	return node.ParentNodeID
}

// stepIndex is the position of stepID in steps, or -1. The root node name
// redoes the whole plan.
func stepIndex(steps []StepSpec, stepID string) int {
	if len(steps) == 0 {
		return -1
	}
	if stepID == rootNodeName {
		return 0
	}
	for i, st := range steps {
		if st.ID == stepID {
			return i
		}
	}
	return -1
}

// StartRace opens a racing group on runID outside any submitted step.
func (s *Service) StartRace(ctx context.Context, runID, stepID string, specs []racing.BranchSpec, strategy string) (string, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Finalized {
		return "", fmt.Errorf("run %s is %s: %w", runID, run.Status, domain.ErrRunNotFound)
	}
	if strategy == "" {
		strategy = s.cfg.DefaultRaceStrategy
	}
	raceCtx := withRaceScope(s.contextFor(runID), raceScope{sessionID: run.SessionID})
	group, err := s.racing.Start(raceCtx, runID, run.SessionID, stepID, specs, strategy, s.cfg.RaceTimeout)
	if err != nil {
		return "", err
	}
	return group.ID, nil
}

func (s *Service) ResolveApproval(ctx context.Context, requestID string, d approval.Decision) (domain.ApprovalRequest, error) {
	return s.approvals.Resolve(ctx, requestID, d)
}

// CancelRun finalizes runID as cancelled, stops its running step and aborts
// its open races.
func (s *Service) CancelRun(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if _, err := s.store.UpdateRunStatus(ctx, runID, domain.RunStatusCancelled, reason, "user"); err != nil {
		return err
	}
	metrics.RunsFinished.WithLabelValues(string(domain.RunStatusCancelled)).Inc()
	s.emitStatus(runID, run.SessionID, run.Status, domain.RunStatusCancelled, reason)

	s.mu.Lock()
	if ar, ok := s.active[runID]; ok {
		ar.cancelled = true
		ar.cancel()
	}
	s.mu.Unlock()

	if s.racing != nil {
		if err := s.racing.AbortRun(ctx, runID, reason); err != nil {
			return err
		}
	}
	s.logger.Info().Str("run_id", runID).Str("reason", reason).Msg("run cancelled")
	return nil
}

func (s *Service) GetRun(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	return s.store.GetRun(ctx, runID)
}

func (s *Service) ListRuns(ctx context.Context, sessionID string, limit int) ([]domain.WorkflowRun, error) {
	return s.store.ListRuns(ctx, sessionID, limit)
}

type RunTree struct {
	Run       domain.WorkflowRun       `json:"run"`
	Nodes     []domain.DagNode         `json:"nodes"`
	Branches  []domain.Branch          `json:"branches"`
	Races     []domain.RacingGroup     `json:"races"`
	Approvals []domain.ApprovalRequest `json:"approvals"`
}

// RunTree returns the run with its nodes in pre-order, the redo branches
// taken from it, its racing groups and its approval requests.
func (s *Service) RunTree(ctx context.Context, runID string) (RunTree, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return RunTree{}, err
	}
	nodes, err := s.store.ListRunNodes(ctx, runID)
	if err != nil {
		return RunTree{}, err
	}
	branches, err := s.store.ListRunBranches(ctx, runID)
	if err != nil {
		return RunTree{}, err
	}
	races, err := s.store.ListRunRacingGroups(ctx, runID)
	if err != nil {
		return RunTree{}, err
	}
	approvals, err := s.store.ListRunApprovals(ctx, runID)
	if err != nil {
		return RunTree{}, err
	}
	ordered := make([]domain.DagNode, 0, len(nodes))
	for _, n := range nodes {
		if n.ParentNodeID == "" {
			ordered = append(ordered, tree.Preorder(nodes, n.ID)...)
		}
	}
	return RunTree{Run: run, Nodes: ordered, Branches: branches, Races: races, Approvals: approvals}, nil
}

func (s *Service) Events(ctx context.Context, runID string, afterOrder int64) ([]domain.ExecutionEvent, error) {
	return s.events.Events(ctx, runID, afterOrder)
}

func (s *Service) EventTree(ctx context.Context, runID string) ([]*eventlog.EventNode, error) {
	return s.events.CausalTree(ctx, runID)
}

type RaceView struct {
	Group    domain.RacingGroup `json:"group"`
	Branches []domain.Branch    `json:"branches"`
}

func (s *Service) GetRace(ctx context.Context, groupID string) (RaceView, error) {
	group, err := s.store.GetRacingGroup(ctx, groupID)
	if err != nil {
		return RaceView{}, err
	}
	branches, err := s.store.ListGroupBranches(ctx, groupID)
	if err != nil {
		return RaceView{}, err
	}
	return RaceView{Group: group, Branches: branches}, nil
}

func (s *Service) LoadSession(ctx context.Context, sessionID string) (domain.SessionState, error) {
	return s.sessions.Load(ctx, sessionID)
}

func (s *Service) SaveSession(ctx context.Context, sessionID string, patch domain.SessionPatch, expectedVersion int64) (domain.SessionState, error) {
	return s.sessions.Save(ctx, sessionID, patch, expectedVersion)
}

// ActiveRuns lists the ids of runs executing in this process.
func (s *Service) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) isActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

// contextFor returns the context of an executing run, or the service context.
func (s *Service) contextFor(runID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ar, ok := s.active[runID]; ok {
		return ar.ctx
	}
	return s.runCtx
}

func raceKey(runID, stepID string) string {
	return runID + "/" + stepID
}

func (s *Service) onRaceResolved(o racing.Outcome) {
	if !s.ownedByStep(o.Group) {
		s.recordRace(context.Background(), o, "")
	}
}

func (s *Service) onRaceAborted(o racing.Outcome) {
	if !s.ownedByStep(o.Group) {
		s.recordRace(context.Background(), o, "")
	}
}

// ownedByStep reports whether a submitted step records g itself, and
// releases the step's claim.
func (s *Service) ownedByStep(g domain.RacingGroup) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := raceKey(g.ParentRunID, g.ParentStepID)
	if !s.stepRaces[key] {
		return false
	}
	delete(s.stepRaces, key)
	return true
}

// recordRace appends the outcome of a closed race to its run's event log.
func (s *Service) recordRace(ctx context.Context, o racing.Outcome, nodeID string) {
	g := o.Group
	subtype := "aborted"
	if g.Status == domain.GroupStatusResolved {
		subtype = "resolved"
	}
	outputs := mustJSON(map[string]any{
		"group_id":         g.ID,
		"strategy":         g.Strategy,
		"winner_branch_id": g.WinnerBranchID,
		"results":          len(o.Results),
	})
	_, err := s.events.Append(ctx, domain.ExecutionEvent{
		RunID:        g.ParentRunID,
		NodeID:       nodeID,
		StepID:       g.ParentStepID,
		EventType:    "race",
		EventSubtype: subtype,
		AgentRole:    orchestratorActor,
		Outputs:      outputs,
		ErrorMessage: g.Reason,
		Status:       subtype,
	})
	if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
		s.logger.Error().Err(err).Str("run_id", g.ParentRunID).Str("group_id", g.ID).Msg("record race outcome")
	}
}

func (s *Service) emitStatus(runID, sessionID string, from, to domain.RunStatus, reason string) {
	s.emit(domain.StatusPayload{Entity: domain.EntityRun, EntityID: runID, From: string(from), To: string(to), Reason: reason}, runID, sessionID)
}

func (s *Service) emit(p domain.Payload, runID, sessionID string) {
	if s.publisher != nil {
		s.publisher.Emit(p, runID, sessionID)
	}
}

func trimText(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
