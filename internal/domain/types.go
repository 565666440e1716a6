package domain

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingApproval RunStatus = "waiting_approval"
	RunStatusRacing          RunStatus = "racing"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCancelled       RunStatus = "cancelled"
	RunStatusInterrupted     RunStatus = "interrupted"
)

// IsFinal reports whether a run in this status accepts no further events.
func (s RunStatus) IsFinal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

type NodeStatus string

const (
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusCopied    NodeStatus = "copied"
)

type BranchStatus string

const (
	BranchStatusActive     BranchStatus = "active"
	BranchStatusSuperseded BranchStatus = "superseded"
	BranchStatusWinner     BranchStatus = "winner"
	BranchStatusEnded      BranchStatus = "ended"
)

type RacingStatus string

const (
	RacingStatusPending    RacingStatus = "pending"
	RacingStatusRunning    RacingStatus = "running"
	RacingStatusWinner     RacingStatus = "winner"
	RacingStatusEnded      RacingStatus = "ended"
	RacingStatusSuperseded RacingStatus = "superseded"
)

type GroupStatus string

const (
	GroupStatusRacing   GroupStatus = "racing"
	GroupStatusResolved GroupStatus = "resolved"
	GroupStatusAborted  GroupStatus = "aborted"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusSuspended SessionStatus = "suspended"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusExpired   SessionStatus = "expired"
)

type ApprovalResult string

const (
	ApprovalApproved ApprovalResult = "approved"
	ApprovalDenied   ApprovalResult = "denied"
	ApprovalExpired  ApprovalResult = "expired"
)

type EntityType string

const (
	EntityRun         EntityType = "workflow_run"
	EntityNode        EntityType = "dag_node"
	EntityBranch      EntityType = "branch"
	EntityRacingGroup EntityType = "racing_group"
	EntitySession     EntityType = "session_state"
	EntityApproval    EntityType = "approval_request"
	EntityConnection  EntityType = "active_connection"
)

type WorkflowRun struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Goal           string    `json:"goal"`
	Status         RunStatus `json:"status"`
	BranchParentID string    `json:"branch_parent_id,omitempty"`
	IsBranch       bool      `json:"is_branch"`
	BranchDepth    int       `json:"branch_depth"`
	Finalized      bool      `json:"finalized"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type DagNode struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	ParentNodeID string     `json:"parent_node_id,omitempty"`
	SourceNodeID string     `json:"source_node_id,omitempty"`
	Seq          int64      `json:"seq"`
	Depth        int        `json:"depth"`
	Name         string     `json:"name"`
	Kind         string     `json:"kind"`
	Status       NodeStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Branch struct {
	ID             string       `json:"id"`
	RunID          string       `json:"run_id"`
	SourceRunID    string       `json:"source_run_id,omitempty"`
	StepID         string       `json:"step_id,omitempty"`
	FromNodeID     string       `json:"from_node_id,omitempty"`
	Status         BranchStatus `json:"status"`
	RacingGroupID  string       `json:"racing_group_id,omitempty"`
	RacingPriority int          `json:"racing_priority"`
	RacingStatus   RacingStatus `json:"racing_status,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type RacingGroup struct {
	ID             string      `json:"id"`
	ParentRunID    string      `json:"parent_run_id"`
	ParentStepID   string      `json:"parent_step_id"`
	Strategy       string      `json:"strategy"`
	Status         GroupStatus `json:"status"`
	WinnerBranchID string      `json:"winner_branch_id,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	DeadlineAt     *time.Time  `json:"deadline_at,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}

type ExecutionEvent struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	NodeID         string          `json:"node_id,omitempty"`
	StepID         string          `json:"step_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	ParentEventID  string          `json:"parent_event_id,omitempty"`
	EventType      string          `json:"event_type"`
	EventSubtype   string          `json:"event_subtype,omitempty"`
	AgentName      string          `json:"agent_name,omitempty"`
	AgentRole      string          `json:"agent_role,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Outputs        json.RawMessage `json:"outputs,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ExecutionOrder int64           `json:"execution_order"`
	Depth          int             `json:"depth"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

type SessionState struct {
	ID                  string          `json:"id"`
	SessionID           string          `json:"session_id"`
	Mode                string          `json:"mode"`
	ConversationHistory json.RawMessage `json:"conversation_history"`
	ContextVariables    json.RawMessage `json:"context_variables"`
	PlanData            json.RawMessage `json:"plan_data"`
	CurrentPhase        string          `json:"current_phase"`
	CurrentStep         int             `json:"current_step"`
	Status              SessionStatus   `json:"status"`
	Version             int64           `json:"version"`
	ExpiresAt           *time.Time      `json:"expires_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// SessionPatch carries the fields a save changes; nil fields are left as stored.
type SessionPatch struct {
	Mode                *string
	ConversationHistory json.RawMessage
	ContextVariables    json.RawMessage
	PlanData            json.RawMessage
	CurrentPhase        *string
	CurrentStep         *int
	Status              *SessionStatus
	ExpiresAt           *time.Time
}

type ApprovalRequest struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	StepID       string          `json:"step_id,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	ApprovalType string          `json:"approval_type"`
	Context      json.RawMessage `json:"context"`
	Result       ApprovalResult  `json:"result,omitempty"`
	DecidedBy    string          `json:"decided_by,omitempty"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	DecidedAt    *time.Time      `json:"decided_at,omitempty"`
}

// Pending reports whether no decision has been recorded yet.
func (r ApprovalRequest) Pending() bool {
	return r.Result == ""
}

type ActiveConnection struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	SessionID      string    `json:"session_id,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
	ServerInstance string    `json:"server_instance"`
	LastAckedOrder int64     `json:"last_acked_order"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

type StateHistoryEntry struct {
	ID         int64      `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	SessionID  string     `json:"session_id,omitempty"`
	FromState  string     `json:"from_state"`
	ToState    string     `json:"to_state"`
	Reason     string     `json:"reason"`
	Actor      string     `json:"actor"`
	CreatedAt  time.Time  `json:"created_at"`
}

// BranchResult is what a racing branch reports when it stops running.
type BranchResult struct {
	BranchID string          `json:"branch_id"`
	Success  bool            `json:"success"`
	Score    float64         `json:"score"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Seq      int             `json:"seq"`
}

// BranchRunInput describes a redo branch: a new run seeded with the source
// run's nodes created before FromNodeID.
type BranchRunInput struct {
	SourceRunID string
	FromNodeID  string
	NewRunID    string
	BranchID    string
	MaxDepth    int
	NewNodeID   func() string
}

type BranchRunResult struct {
	Run    WorkflowRun
	Branch Branch
	Nodes  []DagNode
}
