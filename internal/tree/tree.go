package tree

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runweaver/internal/domain"
	"runweaver/internal/metrics"
)

type Store interface {
	CreateRootRun(ctx context.Context, run domain.WorkflowRun, root domain.DagNode) error
	CreateNode(ctx context.Context, node domain.DagNode) (domain.DagNode, error)
	GetNode(ctx context.Context, nodeID string) (domain.DagNode, error)
	ListRunNodes(ctx context.Context, runID string) ([]domain.DagNode, error)
	CreateBranchRun(ctx context.Context, in domain.BranchRunInput) (domain.BranchRunResult, error)
}

type Publisher interface {
	Emit(p domain.Payload, runID, sessionID string)
}

type Config struct {
	MaxBranchDepth int
}

func (c Config) withDefaults() Config {
	if c.MaxBranchDepth <= 0 {
		c.MaxBranchDepth = 5
	}
	return c
}

type RunInput struct {
	SessionID string
	Goal      string
	RootName  string
	RootKind  string
}

type NodeInput struct {
	Name   string
	Kind   string
	Status domain.NodeStatus
}

// Tree records runs, their execution nodes and redo branches.
type Tree struct {
	store     Store
	publisher Publisher
	cfg       Config
	logger    zerolog.Logger
}

func New(store Store, publisher Publisher, cfg Config, logger zerolog.Logger) *Tree {
	return &Tree{
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "tree").Logger(),
	}
}

// SubmitRun creates a pending root run and its depth-0 node atomically.
func (t *Tree) SubmitRun(ctx context.Context, in RunInput) (domain.WorkflowRun, domain.DagNode, error) {
	if strings.TrimSpace(in.SessionID) == "" {
		return domain.WorkflowRun{}, domain.DagNode{}, fmt.Errorf("submit run: session_id required: %w", domain.ErrInvalidInput)
	}
	now := time.Now().UTC()
	run := domain.WorkflowRun{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		Goal:      in.Goal,
		Status:    domain.RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	name := in.RootName
	if name == "" {
		name = "root"
	}
	kind := in.RootKind
	if kind == "" {
		kind = "task"
	}
	root := domain.DagNode{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Seq:       1,
		Name:      name,
		Kind:      kind,
		Status:    domain.NodeStatusRunning,
		CreatedAt: now,
	}
	if err := t.store.CreateRootRun(ctx, run, root); err != nil {
		return domain.WorkflowRun{}, domain.DagNode{}, err
	}
	t.emit(domain.NodeCreatedPayload{Node: root}, run.ID, run.SessionID)
	t.logger.Info().Str("run_id", run.ID).Str("session_id", run.SessionID).Msg("run submitted")
	return run, root, nil
}

// CreateNode adds a node under parentNodeID, or a parentless node when it is empty.
func (t *Tree) CreateNode(ctx context.Context, runID, sessionID, parentNodeID string, in NodeInput) (domain.DagNode, error) {
	status := in.Status
	if status == "" {
		status = domain.NodeStatusRunning
	}
	node, err := t.store.CreateNode(ctx, domain.DagNode{
		ID:           uuid.NewString(),
		RunID:        runID,
		ParentNodeID: parentNodeID,
		Name:         in.Name,
		Kind:         in.Kind,
		Status:       status,
	})
	if err != nil {
		return domain.DagNode{}, err
	}
	t.emit(domain.NodeCreatedPayload{Node: node}, runID, sessionID)
	return node, nil
}

// Subtree returns nodeID and every descendant in pre-order, siblings in creation order.
func (t *Tree) Subtree(ctx context.Context, nodeID string) ([]domain.DagNode, error) {
	node, err := t.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	nodes, err := t.store.ListRunNodes(ctx, node.RunID)
	if err != nil {
		return nil, err
	}
	return Preorder(nodes, nodeID), nil
}

// Preorder walks nodes from rootID. nodes must be sorted by Seq.
func Preorder(nodes []domain.DagNode, rootID string) []domain.DagNode {
	children := make(map[string][]domain.DagNode, len(nodes))
	var root *domain.DagNode
	for i := range nodes {
		n := nodes[i]
		if n.ID == rootID {
			root = &nodes[i]
		}
		if n.ParentNodeID != "" {
			children[n.ParentNodeID] = append(children[n.ParentNodeID], n)
		}
	}
	if root == nil {
		return nil
	}
	out := make([]domain.DagNode, 0, len(nodes))
	stack := []domain.DagNode{*root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, n)
		kids := children[n.ID]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

// CreateBranch starts a redo branch of fromRunID at fromNodeID. The new run
// holds copies of every node created before fromNodeID.
func (t *Tree) CreateBranch(ctx context.Context, fromRunID, fromNodeID string) (domain.Branch, domain.WorkflowRun, []domain.DagNode, error) {
	res, err := t.store.CreateBranchRun(ctx, domain.BranchRunInput{
		SourceRunID: fromRunID,
		FromNodeID:  fromNodeID,
		NewRunID:    uuid.NewString(),
		BranchID:    uuid.NewString(),
		MaxDepth:    t.cfg.MaxBranchDepth,
		NewNodeID:   uuid.NewString,
	})
	if err != nil {
		return domain.Branch{}, domain.WorkflowRun{}, nil, err
	}
	metrics.BranchesCreated.Inc()
	t.emit(domain.BranchCreatedPayload{Branch: res.Branch, NewRunID: res.Run.ID, CopiedNodes: len(res.Nodes)}, fromRunID, res.Run.SessionID)
	for _, n := range res.Nodes {
		t.emit(domain.NodeCreatedPayload{Node: n}, res.Run.ID, res.Run.SessionID)
	}
	t.logger.Info().Str("run_id", fromRunID).Str("branch_run_id", res.Run.ID).Str("from_node_id", fromNodeID).
		Int("copied_nodes", len(res.Nodes)).Int("branch_depth", res.Run.BranchDepth).Msg("branch created")
	return res.Branch, res.Run, res.Nodes, nil
}

func (t *Tree) emit(p domain.Payload, runID, sessionID string) {
	if t.publisher != nil {
		t.publisher.Emit(p, runID, sessionID)
	}
}
