package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"runweaver/internal/config"
	"runweaver/internal/domain"
)

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	runID := submitRun(t, srv.URL, `{"session_id":"s1","goal":"greet","steps":[{"id":"hello","command":["sh","-c","echo hi"]}]}`)
	waitRunCompleted(t, srv.URL, runID)

	var events []domain.ExecutionEvent
	getJSON(t, srv.URL+"/runs/"+runID+"/events?after=1", http.StatusOK, &events)
	if len(events) != 1 || events[0].ExecutionOrder != 2 || events[0].EventSubtype != "completed" {
		t.Fatalf("expected only the completion event after order 1, got %+v", events)
	}

	var view struct {
		Nodes []domain.DagNode `json:"nodes"`
	}
	getJSON(t, srv.URL+"/runs/"+runID+"/nodes", http.StatusOK, &view)
	if len(view.Nodes) != 2 || view.Nodes[1].Name != "hello" {
		t.Fatalf("unexpected nodes %+v", view.Nodes)
	}

	var session domain.SessionState
	getJSON(t, srv.URL+"/sessions/s1", http.StatusOK, &session)
	if session.CurrentPhase != "hello" || session.Version < 2 {
		t.Fatalf("unexpected session %+v", session)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "runweaver_runs_submitted_total") {
		t.Fatalf("expected runweaver metrics, got status=%d", resp.StatusCode)
	}
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	srv := newTestServer(t)

	getJSON(t, srv.URL+"/runs/missing", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/sessions/missing", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/ws?run_id=r1", http.StatusBadRequest, nil)
	getJSON(t, srv.URL+"/runs/r1/events?after=-1", http.StatusBadRequest, nil)

	resp, err := http.Post(srv.URL+"/runs", "application/json", strings.NewReader(`{"steps":[]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid task, got %d", resp.StatusCode)
	}

	for _, tc := range []struct {
		body string
		want int
	}{
		{`{"expected_version":0,"mode":"chat"}`, http.StatusOK},
		{`{"expected_version":0,"mode":"chat"}`, http.StatusConflict},
		{`{"expected_version":4,"current_phase":"x"}`, http.StatusConflict},
		{`{"expected_version":1,"current_phase":"x"}`, http.StatusOK},
	} {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/sessions/s9", strings.NewReader(tc.body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("put %s: status=%d want=%d", tc.body, resp.StatusCode, tc.want)
		}
	}
}

func TestWebsocketReplaysRunEvents(t *testing.T) {
	srv := newTestServer(t)
	runID := submitRun(t, srv.URL, `{"session_id":"s1","steps":[{"id":"a","command":["sh","-c","echo a"]},{"id":"b","command":["sh","-c","echo b"]}]}`)
	waitRunCompleted(t, srv.URL, runID)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?task_id=t1&run_id=" + runID + "&after=1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var orders []int64
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(orders) < 3 {
		_, raw, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read after %v: %v", orders, err)
		}
		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		payload, err := domain.DecodePayload(env)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if ev, ok := payload.(domain.ExecutionEventPayload); ok {
			orders = append(orders, ev.Event.ExecutionOrder)
		}
	}
	for i, o := range orders {
		if o != int64(i+2) {
			t.Fatalf("expected replay of orders 2..4, got %v", orders)
		}
	}

	if err := client.WriteJSON(map[string]any{"type": "ack", "order": 4}); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Orchestrator.DBPath = filepath.Join(dir, "runweaver.db")
	cfg.Orchestrator.WorkspaceRoot = filepath.Join(dir, "sandboxes")
	cfg.Orchestrator.SweepIntervalMS = 20
	cfg.Orchestrator.ServerInstance = "test"

	store, err := openStore(cfg.Orchestrator.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	p, err := newProcess(cfg, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("new process: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.service.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(newApp(p).routes())
	t.Cleanup(func() {
		p.registry.CloseAll()
		srv.Close()
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = p.service.Shutdown(shutdownCtx)
		_ = store.Close()
	})
	return srv
}

func submitRun(t *testing.T, base, body string) string {
	t.Helper()
	resp, err := http.Post(base+"/runs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.RunID == "" {
		t.Fatalf("decode run id: %v", err)
	}
	return out.RunID
}

func waitRunCompleted(t *testing.T, base, runID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var run domain.WorkflowRun
	for time.Now().Before(deadline) {
		getJSON(t, base+"/runs/"+runID, http.StatusOK, &run)
		if run.Status == domain.RunStatusCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s ended as %s", runID, run.Status)
}

func getJSON(t *testing.T, url string, wantCode int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantCode {
		t.Fatalf("get %s: status=%d want=%d", url, resp.StatusCode, wantCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}
