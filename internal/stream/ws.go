package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"runweaver/internal/domain"
)

var ErrSenderClosed = errors.New("sender closed")

const (
	writeWait  = 10 * time.Second
	pingPeriod = 25 * time.Second
	pongWait   = 60 * time.Second
)

// ClientFrame is a message sent by a streaming client.
type ClientFrame struct {
	Type  string `json:"type"`
	Order int64  `json:"order,omitempty"`
}

// WSSender owns one websocket connection. Envelopes go through a bounded
// queue drained by a single writer goroutine.
type WSSender struct {
	conn  *websocket.Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	closed  bool
	holding bool
	held    []domain.Envelope
}

func NewWSSender(conn *websocket.Conn, queueSize int) *WSSender {
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &WSSender{
		conn:  conn,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Send enqueues env and reports false when the queue is full or the sender is
// closed. While held, live envelopes are parked up to the queue capacity.
func (s *WSSender) Send(env domain.Envelope) bool {
	raw, err := json.Marshal(env)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.holding {
		if len(s.held) >= cap(s.queue) {
			return false
		}
		s.held = append(s.held, env)
		return true
	}
	return s.enqueue(raw)
}

func (s *WSSender) enqueue(raw []byte) bool {
	select {
	case s.queue <- raw:
		return true
	default:
		return false
	}
}

// Hold parks live envelopes while a catch-up replay is written.
func (s *WSSender) Hold() {
	s.mu.Lock()
	s.holding = true
	s.mu.Unlock()
}

// Release resumes live delivery. Parked execution events the replay already
// covered (order <= replayed) are discarded so no event is sent twice.
func (s *WSSender) Release(replayed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.held
	s.held = nil
	s.holding = false
	if s.closed {
		return
	}
	for _, env := range held {
		if order, ok := executionOrder(env); ok && order <= replayed {
			continue
		}
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		s.enqueue(raw)
	}
}

func executionOrder(env domain.Envelope) (int64, bool) {
	if env.EventType != domain.EventExecution {
		return 0, false
	}
	var body struct {
		Event struct {
			ExecutionOrder int64 `json:"execution_order"`
		} `json:"event"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil {
		return 0, false
	}
	return body.Event.ExecutionOrder, true
}

// SendContext enqueues env, waiting for queue space until ctx is done.
func (s *WSSender) SendContext(ctx context.Context, env domain.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrSenderClosed
		}
		ok := s.enqueue(raw)
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrSenderClosed
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *WSSender) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *WSSender) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Done is closed once the sender stops accepting envelopes.
func (s *WSSender) Done() <-chan struct{} {
	return s.done
}

func (s *WSSender) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
	}()
	for {
		select {
		case raw := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *WSSender) flush() {
	for {
		select {
		case raw := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ReadFrames reads client frames until the connection fails or the sender
// closes, calling fn for each decoded frame. Pongs and frames extend the read
// deadline.
func (s *WSSender) ReadFrames(fn func(ClientFrame)) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var frame ClientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			_ = s.Close()
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		fn(frame)
	}
}
