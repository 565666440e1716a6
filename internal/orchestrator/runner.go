package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"runweaver/internal/domain"
	"runweaver/internal/eventlog"
	"runweaver/internal/executor"
	"runweaver/internal/racing"
	"runweaver/internal/tree"
)

// raceScope is what a race step hands its branches: the session the run
// belongs to and the node the branch nodes hang under.
type raceScope struct {
	sessionID string
	nodeID    string
}

type raceScopeKey struct{}

func withRaceScope(ctx context.Context, scope raceScope) context.Context {
	return context.WithValue(ctx, raceScopeKey{}, scope)
}

func raceScopeFrom(ctx context.Context) raceScope {
	scope, _ := ctx.Value(raceScopeKey{}).(raceScope)
	return scope
}

// BranchRunnerDeps are the components a BranchRunner records into. Tree and
// Events may be nil, in which case branches leave no nodes or events.
type BranchRunnerDeps struct {
	Executor  *executor.Executor
	Tree      *tree.Tree
	Events    *eventlog.Log
	Store     Store
	Publisher Publisher
}

// BranchRunner runs racing branches as executor tasks. A branch succeeds when
// its command exits zero; its score is the last "score=<float>" stdout line.
// Each branch gets a "branch" node under the race step's node and a
// started/completed event pair in the run's log.
type BranchRunner struct {
	executor  *executor.Executor
	tree      *tree.Tree
	events    *eventlog.Log
	store     Store
	publisher Publisher
	timeout   time.Duration
	logger    zerolog.Logger
}

var _ racing.BranchRunner = (*BranchRunner)(nil)

func NewBranchRunner(deps BranchRunnerDeps, timeout time.Duration, logger zerolog.Logger) *BranchRunner {
	return &BranchRunner{
		executor:  deps.Executor,
		tree:      deps.Tree,
		events:    deps.Events,
		store:     deps.Store,
		publisher: deps.Publisher,
		timeout:   timeout,
		logger:    logger.With().Str("component", "branch_runner").Logger(),
	}
}

func (b *BranchRunner) RunBranch(ctx context.Context, group domain.RacingGroup, branch domain.Branch, spec racing.BranchSpec) domain.BranchResult {
	timeout := b.timeout
	if group.DeadlineAt != nil {
		if left := time.Until(*group.DeadlineAt); left > 0 && (timeout <= 0 || left < timeout) {
			timeout = left
		}
	}
	scope := raceScopeFrom(ctx)
	node, started := b.recordStart(ctx, scope, group, branch, spec)

	res := b.executor.Run(ctx, executor.TaskSpec{ID: branch.ID, Command: spec.Command, Env: spec.Env}, timeout, func(stream, line string) {
		if b.publisher != nil {
			b.publisher.Emit(domain.OutputPayload{TaskID: branch.ID, BranchID: branch.ID, Stream: stream, Text: line}, group.ParentRunID, scope.sessionID)
		}
	})
	b.logger.Debug().Str("group_id", group.ID).Str("branch_id", branch.ID).Str("name", spec.Name).
		Str("state", string(res.State)).Dur("duration", res.Duration).Msg("branch finished")

	output := mustJSON(map[string]any{
		"name":      spec.Name,
		"state":     res.State,
		"exit_code": res.ExitCode,
		"stdout":    trimText(res.Stdout, outputTail),
		"truncated": res.Truncated,
	})
	b.recordDone(context.WithoutCancel(ctx), scope, group, branch, spec, node, started, res, output)

	return domain.BranchResult{
		BranchID: branch.ID,
		Success:  res.State == executor.StateSucceeded,
		Score:    parseScore(res.Stdout),
		Output:   output,
		Error:    res.Error,
	}
}

func (b *BranchRunner) recordStart(ctx context.Context, scope raceScope, group domain.RacingGroup, branch domain.Branch, spec racing.BranchSpec) (domain.DagNode, domain.ExecutionEvent) {
	var node domain.DagNode
	if b.tree != nil {
		name := spec.Name
		if name == "" {
			name = branch.ID
		}
		n, err := b.tree.CreateNode(ctx, group.ParentRunID, scope.sessionID, scope.nodeID, tree.NodeInput{Name: name, Kind: "branch"})
		if err != nil {
			b.logger.Warn().Err(err).Str("branch_id", branch.ID).Msg("create branch node")
		} else {
			node = n
		}
	}
	if b.events == nil {
		return node, domain.ExecutionEvent{}
	}
	startedAt := time.Now().UTC()
	ev, err := b.events.Append(ctx, domain.ExecutionEvent{
		RunID:        group.ParentRunID,
		NodeID:       node.ID,
		StepID:       group.ParentStepID,
		SessionID:    scope.sessionID,
		EventType:    "branch",
		EventSubtype: "started",
		AgentName:    spec.Name,
		StartedAt:    &startedAt,
		Inputs:       mustJSON(map[string]any{"branch_id": branch.ID, "group_id": group.ID, "command": spec.Command}),
		Status:       "running",
	})
	if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
		b.logger.Warn().Err(err).Str("branch_id", branch.ID).Msg("record branch start")
	}
	return node, ev
}

func (b *BranchRunner) recordDone(ctx context.Context, scope raceScope, group domain.RacingGroup, branch domain.Branch, spec racing.BranchSpec, node domain.DagNode, started domain.ExecutionEvent, res executor.TaskResult, output json.RawMessage) {
	if node.ID != "" && b.store != nil {
		status := domain.NodeStatusCompleted
		if res.State != executor.StateSucceeded {
			status = domain.NodeStatusFailed
		}
		if err := b.store.SetNodeStatus(ctx, node.ID, status, "branch "+string(res.State)); err != nil {
			b.logger.Warn().Err(err).Str("node_id", node.ID).Msg("record branch node status")
		}
	}
	if b.events == nil || started.ID == "" {
		return
	}
	startedAt := started.StartedAt
	completedAt := time.Now().UTC()
	if !res.StartedAt.IsZero() {
		completedAt = res.StartedAt.Add(res.Duration)
	}
	_, err := b.events.Append(ctx, domain.ExecutionEvent{
		RunID:         group.ParentRunID,
		NodeID:        node.ID,
		StepID:        group.ParentStepID,
		SessionID:     scope.sessionID,
		ParentEventID: started.ID,
		EventType:     "branch",
		EventSubtype:  "completed",
		AgentName:     spec.Name,
		StartedAt:     startedAt,
		CompletedAt:   &completedAt,
		Outputs:       output,
		ErrorMessage:  res.Error,
		Status:        string(res.State),
	})
	if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
		b.logger.Warn().Err(err).Str("branch_id", branch.ID).Msg("record branch completion")
	}
}

func parseScore(stdout string) float64 {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		v, ok := strings.CutPrefix(strings.TrimSpace(lines[i]), "score=")
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return 0
}
