package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the wire format of envelope timestamps: UTC, millisecond precision, Z suffix.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const (
	EventWorkflowStarted  = "workflow_started"
	EventStatus           = "status"
	EventOutput           = "output"
	EventNodeCreated      = "node_created"
	EventBranchCreated    = "branch_created"
	EventExecution        = "execution_event"
	EventRaceStarted      = "race_started"
	EventRaceResolved     = "race_resolved"
	EventRaceAborted      = "race_aborted"
	EventApprovalRequired = "approval_required"
	EventApprovalResolved = "approval_resolved"
	EventSessionUpdated   = "session_updated"
	EventError            = "error"
)

// Envelope is the uniform wrapper pushed to streaming clients.
type Envelope struct {
	EventType string
	Timestamp time.Time
	RunID     string
	SessionID string
	Data      json.RawMessage
}

type wireEnvelope struct {
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return json.Marshal(wireEnvelope{
		EventType: e.EventType,
		Timestamp: e.Timestamp.UTC().Format(TimestampLayout),
		RunID:     e.RunID,
		SessionID: e.SessionID,
		Data:      data,
	})
}

func (e *Envelope) UnmarshalJSON(raw []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	ts, err := time.Parse(TimestampLayout, w.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return fmt.Errorf("parse envelope timestamp %q: %w", w.Timestamp, err)
		}
	}
	*e = Envelope{
		EventType: w.EventType,
		Timestamp: ts.UTC(),
		RunID:     w.RunID,
		SessionID: w.SessionID,
		Data:      w.Data,
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("{}")
	}
	return nil
}

// Payload is implemented by every typed envelope body. The tag returned by
// EventType selects the concrete struct on decode.
type Payload interface {
	EventType() string
}

type WorkflowStartedPayload struct {
	Goal           string `json:"goal"`
	RootNodeID     string `json:"root_node_id"`
	IsBranch       bool   `json:"is_branch"`
	BranchParentID string `json:"branch_parent_id,omitempty"`
	BranchDepth    int    `json:"branch_depth"`
}

type StatusPayload struct {
	Entity   EntityType `json:"entity"`
	EntityID string     `json:"entity_id"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Reason   string     `json:"reason,omitempty"`
}

type OutputPayload struct {
	TaskID   string `json:"task_id"`
	BranchID string `json:"branch_id,omitempty"`
	Stream   string `json:"stream"`
	Text     string `json:"text"`
}

type NodeCreatedPayload struct {
	Node DagNode `json:"node"`
}

type BranchCreatedPayload struct {
	Branch      Branch `json:"branch"`
	NewRunID    string `json:"new_run_id"`
	CopiedNodes int    `json:"copied_nodes"`
}

type ExecutionEventPayload struct {
	Event ExecutionEvent `json:"event"`
}

type RaceStartedPayload struct {
	Group     RacingGroup `json:"group"`
	BranchIDs []string    `json:"branch_ids"`
}

type RaceResolvedPayload struct {
	GroupID        string `json:"group_id"`
	StepID         string `json:"step_id"`
	WinnerBranchID string `json:"winner_branch_id"`
}

type RaceAbortedPayload struct {
	GroupID string `json:"group_id"`
	StepID  string `json:"step_id"`
	Reason  string `json:"reason"`
}

type ApprovalRequiredPayload struct {
	Request ApprovalRequest `json:"request"`
}

type ApprovalResolvedPayload struct {
	RequestID string         `json:"request_id"`
	StepID    string         `json:"step_id,omitempty"`
	Result    ApprovalResult `json:"result"`
	DecidedBy string         `json:"decided_by,omitempty"`
}

type SessionUpdatedPayload struct {
	Version int64         `json:"version"`
	Status  SessionStatus `json:"status"`
	Phase   string        `json:"current_phase,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// RawPayload holds an envelope body whose event_type this build does not know.
type RawPayload struct {
	Type string
	Data json.RawMessage
}

func (WorkflowStartedPayload) EventType() string  { return EventWorkflowStarted }
func (StatusPayload) EventType() string           { return EventStatus }
func (OutputPayload) EventType() string           { return EventOutput }
func (NodeCreatedPayload) EventType() string      { return EventNodeCreated }
func (BranchCreatedPayload) EventType() string    { return EventBranchCreated }
func (ExecutionEventPayload) EventType() string   { return EventExecution }
func (RaceStartedPayload) EventType() string      { return EventRaceStarted }
func (RaceResolvedPayload) EventType() string     { return EventRaceResolved }
func (RaceAbortedPayload) EventType() string      { return EventRaceAborted }
func (ApprovalRequiredPayload) EventType() string { return EventApprovalRequired }
func (ApprovalResolvedPayload) EventType() string { return EventApprovalResolved }
func (SessionUpdatedPayload) EventType() string   { return EventSessionUpdated }
func (ErrorPayload) EventType() string            { return EventError }
func (p RawPayload) EventType() string            { return p.Type }

func NewEnvelope(p Payload, runID, sessionID string, now time.Time) (Envelope, error) {
	var data json.RawMessage
	if raw, ok := p.(RawPayload); ok {
		data = raw.Data
	} else {
		encoded, err := json.Marshal(p)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
		}
		data = encoded
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return Envelope{
		EventType: p.EventType(),
		Timestamp: now.UTC().Truncate(time.Millisecond),
		RunID:     runID,
		SessionID: sessionID,
		Data:      data,
	}, nil
}

// DecodePayload maps the envelope's event_type tag to its typed payload.
func DecodePayload(env Envelope) (Payload, error) {
	var target Payload
	switch env.EventType {
	case EventWorkflowStarted:
		target = &WorkflowStartedPayload{}
	case EventStatus:
		target = &StatusPayload{}
	case EventOutput:
		target = &OutputPayload{}
	case EventNodeCreated:
		target = &NodeCreatedPayload{}
	case EventBranchCreated:
		target = &BranchCreatedPayload{}
	case EventExecution:
		target = &ExecutionEventPayload{}
	case EventRaceStarted:
		target = &RaceStartedPayload{}
	case EventRaceResolved:
		target = &RaceResolvedPayload{}
	case EventRaceAborted:
		target = &RaceAbortedPayload{}
	case EventApprovalRequired:
		target = &ApprovalRequiredPayload{}
	case EventApprovalResolved:
		target = &ApprovalResolvedPayload{}
	case EventSessionUpdated:
		target = &SessionUpdatedPayload{}
	case EventError:
		target = &ErrorPayload{}
	default:
		return RawPayload{Type: env.EventType, Data: env.Data}, nil
	}
	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return derefPayload(target), nil
}

func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *WorkflowStartedPayload:
		return *v
	case *StatusPayload:
		return *v
	case *OutputPayload:
		return *v
	case *NodeCreatedPayload:
		return *v
	case *BranchCreatedPayload:
		return *v
	case *ExecutionEventPayload:
		return *v
	case *RaceStartedPayload:
		return *v
	case *RaceResolvedPayload:
		return *v
	case *RaceAbortedPayload:
		return *v
	case *ApprovalRequiredPayload:
		return *v
	case *ApprovalResolvedPayload:
		return *v
	case *SessionUpdatedPayload:
		return *v
	case *ErrorPayload:
		return *v
	default:
		return p
	}
}
