package stream

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"runweaver/internal/connections"
	"runweaver/internal/domain"
)

func TestHubPublishDropsNotReady(t *testing.T) {
	ready := &recordingSender{ready: true}
	gone := &recordingSender{ready: false}
	full := &recordingSender{ready: true, reject: true}
	hub := NewHub(staticTargets{
		{TaskID: "a", Sender: ready},
		{TaskID: "b", Sender: gone},
		{TaskID: "c", Sender: full},
	}, zerolog.Nop())

	var tapped []string
	hub.Tap(func(env domain.Envelope) { tapped = append(tapped, env.EventType) })

	env, err := domain.NewEnvelope(domain.StatusPayload{Entity: domain.EntityRun, EntityID: "r1", From: "pending", To: "running"}, "r1", "s1", time.Now())
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if n := hub.Publish(env); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	if len(ready.sent) != 1 || len(gone.sent) != 0 || len(full.sent) != 0 {
		t.Fatalf("unexpected deliveries: ready=%d gone=%d full=%d", len(ready.sent), len(gone.sent), len(full.sent))
	}
	if len(tapped) != 1 || tapped[0] != domain.EventStatus {
		t.Fatalf("expected tap to observe the envelope, got %v", tapped)
	}
}

func TestWSSenderDeliversAndCloses(t *testing.T) {
	senders := make(chan *WSSender, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s := NewWSSender(conn, 8)
		senders <- s
		_ = s.ReadFrames(func(ClientFrame) {})
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	sender := <-senders

	env, _ := domain.NewEnvelope(domain.OutputPayload{TaskID: "t1", Stream: "stdout", Text: "hello"}, "r1", "", time.Now())
	if !sender.Send(env) {
		t.Fatalf("expected send to be accepted")
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got domain.Envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	payload, err := domain.DecodePayload(got)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	out, ok := payload.(domain.OutputPayload)
	if !ok || out.Text != "hello" {
		t.Fatalf("unexpected payload: %#v", payload)
	}

	_ = sender.Close()
	if sender.Ready() {
		t.Fatalf("expected sender not ready after close")
	}
	if sender.Send(env) {
		t.Fatalf("expected send after close to be rejected")
	}
}

func TestHoldReleaseSkipsReplayedEvents(t *testing.T) {
	s := &WSSender{queue: make(chan []byte, 8), done: make(chan struct{})}
	s.Hold()
	for _, order := range []int64{2, 3, 4} {
		env, _ := domain.NewEnvelope(domain.ExecutionEventPayload{Event: domain.ExecutionEvent{RunID: "r1", ExecutionOrder: order}}, "r1", "", time.Now())
		if !s.Send(env) {
			t.Fatalf("expected held send to be accepted")
		}
	}
	status, _ := domain.NewEnvelope(domain.StatusPayload{EntityID: "r1", To: "running"}, "r1", "", time.Now())
	s.Send(status)
	if len(s.queue) != 0 {
		t.Fatalf("expected nothing queued while held, got %d", len(s.queue))
	}

	s.Release(3)
	if len(s.queue) != 2 {
		t.Fatalf("expected order 4 and status queued, got %d", len(s.queue))
	}
	var first domain.Envelope
	if err := json.Unmarshal(<-s.queue, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if order, _ := executionOrder(first); order != 4 {
		t.Fatalf("expected order 4 first, got %d", order)
	}
}

func TestCatchUpReplaysInOrder(t *testing.T) {
	source := fakeEvents{
		{RunID: "r1", ExecutionOrder: 1},
		{RunID: "r1", ExecutionOrder: 2},
		{RunID: "r1", ExecutionOrder: 3},
	}
	sink := &collectingSender{}
	last, err := CatchUp(context.Background(), sink, source, "r1", "s1", 1)
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if last != 3 {
		t.Fatalf("expected last order 3, got %d", last)
	}
	if len(sink.envs) != 2 {
		t.Fatalf("expected 2 replayed envelopes, got %d", len(sink.envs))
	}
	for i, env := range sink.envs {
		if env.EventType != domain.EventExecution || env.SessionID != "s1" {
			t.Fatalf("unexpected envelope %d: %+v", i, env)
		}
		if order, _ := executionOrder(env); order != int64(i+2) {
			t.Fatalf("expected order %d, got %d", i+2, order)
		}
	}
}

type staticTargets []connections.Target

func (s staticTargets) Targets(string, string, time.Time) []connections.Target {
	return s
}

type recordingSender struct {
	mu     sync.Mutex
	ready  bool
	reject bool
	sent   []domain.Envelope
}

func (r *recordingSender) Send(env domain.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.sent = append(r.sent, env)
	return true
}

func (r *recordingSender) Ready() bool  { return r.ready }
func (r *recordingSender) Close() error { return nil }

type collectingSender struct {
	envs []domain.Envelope
}

func (c *collectingSender) SendContext(_ context.Context, env domain.Envelope) error {
	c.envs = append(c.envs, env)
	return nil
}

type fakeEvents []domain.ExecutionEvent

func (f fakeEvents) StreamSince(_ context.Context, runID string, after int64) iter.Seq2[domain.ExecutionEvent, error] {
	return func(yield func(domain.ExecutionEvent, error) bool) {
		for _, ev := range f {
			if ev.RunID != runID || ev.ExecutionOrder <= after {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
