package session

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sundeep-k/voxqueue/internal/task"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	h := NewHub(logger.Noop())
	s1, c1 := newTestSessionPair(t)
	s2, c2 := newTestSessionPair(t)
	go s1.WritePump()
	go s2.WritePump()
	defer s1.Close()
	defer s2.Close()

	h.Register(s1)
	h.Register(s2)
	h.Bind("t1", s1.ID)
	h.Bind("t1", s2.ID)

	h.Publish(task.Event{Type: task.EventProgress, TaskID: "t1", Data: map[string]interface{}{"status": "processing"}})

	for _, c := range []*websocket.Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(time.Second))
		_, payload, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(payload) == 0 {
			t.Fatal("expected a non-empty progress envelope")
		}
	}
}

func TestPublishTerminalUnbindsSubscribers(t *testing.T) {
	h := NewHub(logger.Noop())
	s1, c1 := newTestSessionPair(t)
	go s1.WritePump()
	defer s1.Close()

	h.Register(s1)
	h.Bind("t1", s1.ID)

	h.Publish(task.Event{Type: task.EventComplete, TaskID: "t1", Data: map[string]interface{}{"status": "completed"}})

	c1.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := c1.ReadMessage(); err != nil {
		t.Fatalf("read: %v", err)
	}

	h.mu.RLock()
	_, stillBound := h.subs["t1"]
	h.mu.RUnlock()
	if stillBound {
		t.Fatal("expected terminal event to clear the subscriber set for the task")
	}
}

func TestPublishToUnknownTaskIsANoop(t *testing.T) {
	h := NewHub(logger.Noop())
	// No sessions, no bindings; must not panic.
	h.Publish(task.Event{Type: task.EventProgress, TaskID: "ghost", Data: nil})
}

func TestUnregisterRemovesSessionFromAllSubscriptions(t *testing.T) {
	h := NewHub(logger.Noop())
	s1, _ := newTestSessionPair(t)
	defer s1.Close()

	h.Register(s1)
	h.Bind("t1", s1.ID)
	h.Bind("t2", s1.ID)

	h.Unregister(s1.ID)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.subs["t1"]; ok {
		t.Fatal("expected t1 subscription to be purged")
	}
	if _, ok := h.subs["t2"]; ok {
		t.Fatal("expected t2 subscription to be purged")
	}
}
