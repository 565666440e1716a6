package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"runweaver/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type runTree struct {
	Run       domain.WorkflowRun       `json:"run"`
	Nodes     []domain.DagNode         `json:"nodes"`
	Branches  []domain.Branch          `json:"branches"`
	Races     []domain.RacingGroup     `json:"races"`
	Approvals []domain.ApprovalRequest `json:"approvals"`
}

func (c *client) listRuns(limit int) ([]domain.WorkflowRun, error) {
	var out []domain.WorkflowRun
	if err := c.getJSON(fmt.Sprintf("/runs?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) runTree(runID string) (runTree, error) {
	var out runTree
	err := c.getJSON("/runs/"+url.PathEscape(runID)+"/nodes", &out)
	return out, err
}

func (c *client) runEvents(runID string) ([]domain.ExecutionEvent, error) {
	var out []domain.ExecutionEvent
	if err := c.getJSON("/runs/"+url.PathEscape(runID)+"/events", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) resolveApproval(requestID string, result domain.ApprovalResult, actor string) error {
	return c.postJSON("/approvals/"+url.PathEscape(requestID)+"/resolve", map[string]any{
		"result": result,
		"actor":  actor,
	}, nil)
}

func (c *client) cancelRun(runID string) error {
	return c.postJSON("/runs/"+url.PathEscape(runID)+"/cancel", map[string]any{"reason": "cancelled from monitor"}, nil)
}

func (c *client) branchRun(runID, nodeID string) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	err := c.postJSON("/runs/"+url.PathEscape(runID)+"/branch", map[string]any{"from_node_id": nodeID}, &out)
	return out.RunID, err
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

// follow streams the envelopes of runID to fn until ctx is done. It
// heartbeats on an interval and acks every execution event it sees.
func (c *client) follow(ctx context.Context, taskID, runID string, fn func(domain.Envelope)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws?" + url.Values{
		"task_id": {taskID},
		"run_id":  {runID},
		"after":   {"0"},
	}.Encode()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	frames := make(chan map[string]any, 16)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			var frame map[string]any
			select {
			case <-ctx.Done():
				_ = conn.WriteJSON(map[string]any{"type": "close"})
				_ = conn.Close()
				return
			case <-ticker.C:
				frame = map[string]any{"type": "heartbeat"}
			case frame = <-frames:
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		fn(env)
		if order, ok := envelopeOrder(env); ok {
			select {
			case frames <- map[string]any{"type": "ack", "order": order}:
			default:
			}
		}
	}
}

func envelopeOrder(env domain.Envelope) (int64, bool) {
	if env.EventType != domain.EventExecution {
		return 0, false
	}
	p, err := domain.DecodePayload(env)
	if err != nil {
		return 0, false
	}
	ev, ok := p.(domain.ExecutionEventPayload)
	if !ok {
		return 0, false
	}
	return ev.Event.ExecutionOrder, true
}

// submitCommand starts a single-step run executing line through sh.
func (c *client) submitCommand(sessionID, line string) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	err := c.postJSON("/runs", map[string]any{
		"session_id": sessionID,
		"goal":       line,
		"steps": []map[string]any{{
			"id":      "command",
			"command": []string{"sh", "-c", line},
		}},
	}, &out)
	return out.RunID, err
}
