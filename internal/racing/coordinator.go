package racing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"runweaver/internal/domain"
	"runweaver/internal/metrics"
)

type Store interface {
	CreateRacingGroup(ctx context.Context, group domain.RacingGroup, branches []domain.Branch) error
	GetRacingGroup(ctx context.Context, groupID string) (domain.RacingGroup, error)
	ListGroupBranches(ctx context.Context, groupID string) ([]domain.Branch, error)
	SetBranchRacingStatus(ctx context.Context, branchID string, racing domain.RacingStatus, status domain.BranchStatus, reason string) error
	ResolveRacingGroup(ctx context.Context, groupID, winnerID string) (bool, error)
	AbortRacingGroup(ctx context.Context, groupID, reason string) (bool, error)
	ListOpenRacingGroups(ctx context.Context, runID string) ([]domain.RacingGroup, error)
	ListOverdueRacingGroups(ctx context.Context, now time.Time) ([]domain.RacingGroup, error)
}

type Publisher interface {
	Emit(p domain.Payload, runID, sessionID string)
}

// BranchSpec describes one competing attempt at a step.
type BranchSpec struct {
	Name     string            `json:"name"`
	Priority int               `json:"priority"`
	Command  []string          `json:"command"`
	Env      map[string]string `json:"env,omitempty"`
}

// BranchRunner executes one branch. It must return when ctx is cancelled.
type BranchRunner interface {
	RunBranch(ctx context.Context, group domain.RacingGroup, branch domain.Branch, spec BranchSpec) domain.BranchResult
}

type Outcome struct {
	Group   domain.RacingGroup
	Winner  *domain.BranchResult
	Results []domain.BranchResult
}

type Hooks struct {
	OnResolved func(outcome Outcome)
	OnAborted  func(outcome Outcome)
}

type Config struct {
	DefaultTimeout time.Duration
	Retention      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	return c
}

type race struct {
	mu        sync.Mutex
	group     domain.RacingGroup
	sessionID string
	strategy  Strategy
	branches  map[string]bool
	results   []domain.BranchResult
	cancels   []context.CancelFunc
	timer     *time.Timer
	closed    bool
	closedAt  time.Time
	outcome   Outcome
	done      chan struct{}
}

// Coordinator runs racing groups. Each group owns its lock; reports for one
// group are serialized and never block other groups.
type Coordinator struct {
	store     Store
	runner    BranchRunner
	publisher Publisher
	hooks     Hooks
	cfg       Config
	logger    zerolog.Logger

	mu    sync.Mutex
	races map[string]*race
	wg    sync.WaitGroup
}

func New(store Store, runner BranchRunner, publisher Publisher, cfg Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		runner:    runner,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "racing").Logger(),
		races:     make(map[string]*race),
	}
}

// SetHooks installs resolution callbacks. Call before Start.
func (c *Coordinator) SetHooks(h Hooks) {
	c.hooks = h
}

// Start opens a racing group for (runID, stepID) and launches every branch.
// Branch contexts derive from ctx, so cancelling it stops the whole race.
func (c *Coordinator) Start(ctx context.Context, runID, sessionID, stepID string, specs []BranchSpec, strategyName string, timeout time.Duration) (domain.RacingGroup, error) {
	strategy, err := LookupStrategy(strategyName)
	if err != nil {
		return domain.RacingGroup{}, err
	}
	if strings.TrimSpace(stepID) == "" {
		return domain.RacingGroup{}, fmt.Errorf("start race: step_id required: %w", domain.ErrInvalidInput)
	}
	if len(specs) == 0 {
		return domain.RacingGroup{}, fmt.Errorf("start race: at least one branch required: %w", domain.ErrInvalidInput)
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	now := time.Now().UTC()
	group := domain.RacingGroup{
		ID:           uuid.NewString(),
		ParentRunID:  runID,
		ParentStepID: stepID,
		Strategy:     strategyName,
		Status:       domain.GroupStatusRacing,
		CreatedAt:    now,
	}
	if timeout > 0 {
		deadline := now.Add(timeout)
		group.DeadlineAt = &deadline
	}
	branches := make([]domain.Branch, len(specs))
	for i, spec := range specs {
		priority := spec.Priority
		if priority == 0 {
			priority = i
		}
		branches[i] = domain.Branch{
			ID:             uuid.NewString(),
			RunID:          runID,
			StepID:         stepID,
			Status:         domain.BranchStatusActive,
			RacingGroupID:  group.ID,
			RacingPriority: priority,
			RacingStatus:   domain.RacingStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	if err := c.store.CreateRacingGroup(ctx, group, branches); err != nil {
		return domain.RacingGroup{}, err
	}

	r := &race{
		group:     group,
		sessionID: sessionID,
		strategy:  strategy,
		branches:  make(map[string]bool, len(branches)),
		done:      make(chan struct{}),
	}
	for _, b := range branches {
		r.branches[b.ID] = true
	}
	c.mu.Lock()
	c.races[group.ID] = r
	c.mu.Unlock()

	branchIDs := make([]string, len(branches))
	for i, b := range branches {
		branchIDs[i] = b.ID
	}
	c.emit(domain.RaceStartedPayload{Group: group, BranchIDs: branchIDs}, runID, sessionID)
	c.logger.Info().Str("run_id", runID).Str("group_id", group.ID).Str("step_id", stepID).
		Str("strategy", strategyName).Int("branches", len(branches)).Msg("race started")

	if timeout > 0 {
		r.mu.Lock()
		r.timer = time.AfterFunc(timeout, func() {
			if err := c.Abort(context.Background(), group.ID, "race timed out"); err != nil && !errors.Is(err, domain.ErrAlreadyResolved) {
				c.logger.Error().Err(err).Str("group_id", group.ID).Msg("abort timed out race")
			}
		})
		r.mu.Unlock()
	}

	c.launch(ctx, r, branches, specs)
	return group, nil
}

func (c *Coordinator) launch(ctx context.Context, r *race, branches []domain.Branch, specs []BranchSpec) {
	var g errgroup.Group
	reportCtx := context.WithoutCancel(ctx)
	for i := range branches {
		branch, spec := branches[i], specs[i]
		branchCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		if r.closed {
			cancel()
		} else {
			r.cancels = append(r.cancels, cancel)
		}
		r.mu.Unlock()
		g.Go(func() error {
			defer cancel()
			r.mu.Lock()
			if !r.closed {
				if err := c.store.SetBranchRacingStatus(reportCtx, branch.ID, domain.RacingStatusRunning, domain.BranchStatusActive, "branch launched"); err != nil {
					c.logger.Error().Err(err).Str("branch_id", branch.ID).Msg("mark branch running")
				}
			}
			r.mu.Unlock()
			result := c.runner.RunBranch(branchCtx, r.group, branch, spec)
			result.BranchID = branch.ID
			if err := c.Report(reportCtx, r.group.ID, result); err != nil && !errors.Is(err, domain.ErrAlreadyResolved) {
				c.logger.Error().Err(err).Str("branch_id", branch.ID).Msg("report branch result")
			}
			return nil
		})
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = g.Wait()
	}()
}

// Report records one branch result and commits a winner once the strategy
// has one. Reports arriving after the group closed return ErrAlreadyResolved;
// a late success marks its branch superseded.
func (c *Coordinator) Report(ctx context.Context, groupID string, result domain.BranchResult) error {
	r, err := c.lookup(ctx, groupID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if !r.branches[result.BranchID] {
		r.mu.Unlock()
		return fmt.Errorf("branch %s not in group %s: %w", result.BranchID, groupID, domain.ErrInvalidInput)
	}
	if r.closed {
		r.mu.Unlock()
		return c.late(ctx, groupID, result)
	}
	for _, prev := range r.results {
		if prev.BranchID == result.BranchID {
			r.mu.Unlock()
			return fmt.Errorf("branch %s already reported: %w", result.BranchID, domain.ErrAlreadyResolved)
		}
	}
	result.Seq = len(r.results) + 1
	r.results = append(r.results, result)

	if !result.Success {
		reason := "branch failed"
		if result.Error != "" {
			reason += ": " + result.Error
		}
		if err := c.store.SetBranchRacingStatus(ctx, result.BranchID, domain.RacingStatusEnded, domain.BranchStatusEnded, reason); err != nil {
			r.mu.Unlock()
			return err
		}
	}

	winnerID, done := r.strategy.Select(r.results, len(r.branches))
	if !done {
		r.mu.Unlock()
		return nil
	}
	if winnerID == "" {
		outcome, aborted, err := c.closeAborted(ctx, r, "no branch succeeded")
		r.mu.Unlock()
		if err != nil {
			return err
		}
		if aborted {
			c.afterAbort(outcome)
		}
		return nil
	}

	won, err := c.store.ResolveRacingGroup(ctx, groupID, winnerID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !won {
		c.close(r, Outcome{Group: r.group, Results: append([]domain.BranchResult(nil), r.results...)})
		r.mu.Unlock()
		return c.late(ctx, groupID, result)
	}
	group, err := c.store.GetRacingGroup(ctx, groupID)
	if err != nil {
		group = r.group
		group.Status = domain.GroupStatusResolved
		group.WinnerBranchID = winnerID
	}
	outcome := Outcome{Group: group, Results: append([]domain.BranchResult(nil), r.results...)}
	for i := range outcome.Results {
		if outcome.Results[i].BranchID == winnerID {
			w := outcome.Results[i]
			outcome.Winner = &w
		}
	}
	c.close(r, outcome)
	r.mu.Unlock()

	metrics.RacesFinished.WithLabelValues(r.strategy.Name(), "resolved").Inc()
	c.emit(domain.RaceResolvedPayload{GroupID: groupID, StepID: group.ParentStepID, WinnerBranchID: winnerID}, group.ParentRunID, r.sessionID)
	c.logger.Info().Str("run_id", group.ParentRunID).Str("group_id", groupID).Str("winner_branch_id", winnerID).Msg("race resolved")
	if c.hooks.OnResolved != nil {
		c.hooks.OnResolved(outcome)
	}
	return nil
}

func (c *Coordinator) late(ctx context.Context, groupID string, result domain.BranchResult) error {
	if result.Success {
		if err := c.store.SetBranchRacingStatus(ctx, result.BranchID, domain.RacingStatusSuperseded, domain.BranchStatusSuperseded, "finished after race closed"); err != nil {
			return err
		}
	}
	return fmt.Errorf("group %s: %w", groupID, domain.ErrAlreadyResolved)
}

// Abort closes a racing group without a winner and cancels its branches.
func (c *Coordinator) Abort(ctx context.Context, groupID, reason string) error {
	r, err := c.lookup(ctx, groupID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("group %s: %w", groupID, domain.ErrAlreadyResolved)
	}
	outcome, aborted, err := c.closeAborted(ctx, r, reason)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if !aborted {
		return fmt.Errorf("group %s: %w", groupID, domain.ErrAlreadyResolved)
	}
	c.afterAbort(outcome)
	return nil
}

// closeAborted must be called with r.mu held.
func (c *Coordinator) closeAborted(ctx context.Context, r *race, reason string) (Outcome, bool, error) {
	aborted, err := c.store.AbortRacingGroup(ctx, r.group.ID, reason)
	if err != nil {
		return Outcome{}, false, err
	}
	group := r.group
	if stored, err := c.store.GetRacingGroup(ctx, r.group.ID); err == nil {
		group = stored
	} else if aborted {
		group.Status = domain.GroupStatusAborted
		group.Reason = reason
	}
	outcome := Outcome{Group: group, Results: append([]domain.BranchResult(nil), r.results...)}
	c.close(r, outcome)
	return outcome, aborted, nil
}

func (c *Coordinator) afterAbort(outcome Outcome) {
	g := outcome.Group
	metrics.RacesFinished.WithLabelValues(g.Strategy, "aborted").Inc()
	c.emit(domain.RaceAbortedPayload{GroupID: g.ID, StepID: g.ParentStepID, Reason: g.Reason}, g.ParentRunID, c.sessionOf(g.ID))
	c.logger.Warn().Str("run_id", g.ParentRunID).Str("group_id", g.ID).Str("reason", g.Reason).Msg("race aborted")
	if c.hooks.OnAborted != nil {
		c.hooks.OnAborted(outcome)
	}
}

// close must be called with r.mu held. Loser cancellation is best effort and
// not awaited.
func (c *Coordinator) close(r *race, outcome Outcome) {
	if r.closed {
		return
	}
	r.closed = true
	r.closedAt = time.Now().UTC()
	r.outcome = outcome
	if r.timer != nil {
		r.timer.Stop()
	}
	for _, cancel := range r.cancels {
		cancel()
	}
	close(r.done)
}

// AbortRun aborts every open group of runID.
func (c *Coordinator) AbortRun(ctx context.Context, runID, reason string) error {
	groups, err := c.store.ListOpenRacingGroups(ctx, runID)
	if err != nil {
		return err
	}
	var errs []error
	for _, g := range groups {
		if err := c.Abort(ctx, g.ID, reason); err != nil && !errors.Is(err, domain.ErrAlreadyResolved) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepOverdue aborts persisted groups whose deadline passed, including groups
// left racing by a previous process, and forgets old closed races.
func (c *Coordinator) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	groups, err := c.store.ListOverdueRacingGroups(ctx, now)
	if err != nil {
		return 0, err
	}
	aborted := 0
	for _, g := range groups {
		if err := c.Abort(ctx, g.ID, "race deadline passed"); err != nil {
			if errors.Is(err, domain.ErrAlreadyResolved) {
				continue
			}
			return aborted, err
		}
		aborted++
	}

	c.mu.Lock()
	for id, r := range c.races {
		r.mu.Lock()
		expired := r.closed && now.Sub(r.closedAt) > c.cfg.Retention
		r.mu.Unlock()
		if expired {
			delete(c.races, id)
		}
	}
	c.mu.Unlock()
	return aborted, nil
}

// Wait blocks until the group closes or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, groupID string) (Outcome, error) {
	r, err := c.lookup(ctx, groupID)
	if err != nil {
		return Outcome{}, err
	}
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-r.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, nil
}

// Shutdown waits for launched branch goroutines to return.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookup returns the in-memory race, rebuilding it from the store for groups
// started by an earlier process.
func (c *Coordinator) lookup(ctx context.Context, groupID string) (*race, error) {
	c.mu.Lock()
	r, ok := c.races[groupID]
	c.mu.Unlock()
	if ok {
		return r, nil
	}
	group, err := c.store.GetRacingGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	branches, err := c.store.ListGroupBranches(ctx, groupID)
	if err != nil {
		return nil, err
	}
	strategy, err := LookupStrategy(group.Strategy)
	if err != nil {
		strategy = FirstComplete{}
	}
	r = &race{
		group:    group,
		strategy: strategy,
		branches: make(map[string]bool, len(branches)),
		done:     make(chan struct{}),
	}
	for _, b := range branches {
		r.branches[b.ID] = true
	}
	if group.Status != domain.GroupStatusRacing {
		r.closed = true
		r.closedAt = time.Now().UTC()
		r.outcome = Outcome{Group: group}
		close(r.done)
	}

	// Store reads happen unlocked; a concurrent lookup may have won.
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.races[groupID]; ok {
		return existing, nil
	}
	c.races[groupID] = r
	return r, nil
}

func (c *Coordinator) sessionOf(groupID string) string {
	c.mu.Lock()
	r, ok := c.races[groupID]
	c.mu.Unlock()
	if !ok {
		return ""
	}
	return r.sessionID
}

func (c *Coordinator) emit(p domain.Payload, runID, sessionID string) {
	if c.publisher != nil {
		c.publisher.Emit(p, runID, sessionID)
	}
}
