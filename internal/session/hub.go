package session

import (
	"sync"

	"github.com/sundeep-k/voxqueue/internal/task"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

// Hub is the Session Layer's half of the task↔session relationship: it
// never reaches into the Task Manager's registry, only receives events by
// task ID and fans them out to whichever sessions have declared interest.
// Sessions hold subscription IDs; the Hub holds the reverse index; neither
// owns the other (see the design notes on task/session ownership).
type Hub struct {
	logger logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[string]map[string]bool // task_id -> session_id -> bool
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		logger:   log,
		sessions: map[string]*Session{},
		subs:     map[string]map[string]bool{},
	}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
}

// Unregister purges a session and every subscription it held, without
// touching task progress — per spec, session teardown never cancels a
// running task.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
	for taskID, sids := range h.subs {
		delete(sids, sessionID)
		if len(sids) == 0 {
			delete(h.subs, taskID)
		}
	}
}

// Bind records sessionID's interest in taskID's events. Creation and
// explicit subscription both go through here.
func (h *Hub) Bind(taskID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = map[string]bool{}
	}
	h.subs[taskID][sessionID] = true
}

func (h *Hub) Unbind(taskID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sids, ok := h.subs[taskID]; ok {
		delete(sids, sessionID)
		if len(sids) == 0 {
			delete(h.subs, taskID)
		}
	}
}

func outboundType(t task.EventType) MessageType {
	switch t {
	case task.EventQueued:
		return OutTaskQueued
	case task.EventProgress:
		return OutTaskProgress
	default:
		return OutTaskComplete
	}
}

// Publish implements task.Sink. It is the only entry point the Task
// Manager ever calls into the session layer through.
func (h *Hub) Publish(evt task.Event) {
	terminal := evt.Type == task.EventComplete

	h.mu.RLock()
	sids := make([]string, 0, len(h.subs[evt.TaskID]))
	for sid := range h.subs[evt.TaskID] {
		sids = append(sids, sid)
	}
	sessions := make([]*Session, 0, len(sids))
	for _, sid := range sids {
		if s, ok := h.sessions[sid]; ok {
			sessions = append(sessions, s)
		}
	}
	h.mu.RUnlock()

	data := map[string]interface{}{"task_id": evt.TaskID}
	for k, v := range evt.Data {
		data[k] = v
	}
	payload, err := encodeEnvelope(outboundType(evt.Type), data)
	if err != nil {
		h.logger.Errorf("hub: encode event for task %s: %v", evt.TaskID, err)
		return
	}

	for _, s := range sessions {
		s.Enqueue(payload, terminal)
	}

	if terminal {
		h.mu.Lock()
		delete(h.subs, evt.TaskID)
		h.mu.Unlock()
	}
}

func (h *Hub) SendError(s *Session, code, message, taskID string) {
	payload, err := encodeEnvelope(OutError, errorPayload{Code: code, Message: message, TaskID: taskID})
	if err != nil {
		h.logger.Errorf("hub: encode error: %v", err)
		return
	}
	s.Enqueue(payload, true)
}

func (h *Hub) Send(s *Session, t MessageType, data interface{}) {
	payload, err := encodeEnvelope(t, data)
	if err != nil {
		h.logger.Errorf("hub: encode %s: %v", t, err)
		return
	}
	s.Enqueue(payload, false)
}
