// Package session owns per-connection state: authentication, chunked
// upload assembly, and task subscription fan-out over a single WebSocket.
package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sundeep-k/voxqueue/pkg/logger"
)

const outboundQueueSize = 32

// Session is one logical WebSocket conversation. Outbound writes are
// serialized by a dedicated pump goroutine reading off outbound; Hub and
// the dispatcher only ever enqueue, never write the connection directly.
type Session struct {
	ID            string
	conn          *websocket.Conn
	logger        logger.Logger
	Authenticated bool

	mu                sync.Mutex
	CreatedTaskIDs    map[string]bool
	SubscribedTaskIDs map[string]bool
	Pending           *PendingUpload
	LastSeenAt        time.Time

	outbound  chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func NewSession(id string, conn *websocket.Conn, log logger.Logger) *Session {
	return &Session{
		ID:                id,
		conn:              conn,
		logger:            log,
		CreatedTaskIDs:    map[string]bool{},
		SubscribedTaskIDs: map[string]bool{},
		LastSeenAt:        time.Now(),
		outbound:          make(chan []byte, outboundQueueSize),
		closed:            make(chan struct{}),
	}
}

// Enqueue queues payload for delivery. Non-terminal events are dropped
// silently when the bounded outbound queue is full; terminal events are
// never dropped — if the queue is still full after a short grace period,
// the session is closed instead of losing the event.
func (s *Session) Enqueue(payload []byte, terminal bool) {
	select {
	case s.outbound <- payload:
		return
	case <-s.closed:
		return
	default:
	}
	if !terminal {
		s.logger.Warnf("session %s: dropping non-terminal event, outbound queue full", s.ID)
		return
	}
	select {
	case s.outbound <- payload:
	case <-time.After(2 * time.Second):
		s.logger.Errorf("session %s: terminal event could not be delivered, closing", s.ID)
		s.Close()
	case <-s.closed:
	}
}

// WritePump drains outbound and writes to the connection, one frame at a
// time, until the session closes. Run this in its own goroutine per
// connection.
func (s *Session) WritePump() {
	for {
		select {
		case payload, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.LastSeenAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.LastSeenAt)
}

func (s *Session) Subscribe(taskID string, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SubscribedTaskIDs[taskID] = true
	if created {
		s.CreatedTaskIDs[taskID] = true
	}
}

func (s *Session) Unsubscribe(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.SubscribedTaskIDs, taskID)
}

func (s *Session) IsSubscribed(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SubscribedTaskIDs[taskID]
}

func (s *Session) SetPending(p *PendingUpload) {
	s.mu.Lock()
	s.Pending = p
	s.mu.Unlock()
}

func (s *Session) GetPending() *PendingUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Pending
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) Done() <-chan struct{} {
	return s.closed
}
