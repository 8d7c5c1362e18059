package task

import (
	"sync"

	"github.com/sundeep-k/voxqueue/internal/models"
)

// entry is one task's mutable state plus its own lock. Per-task transitions
// are guarded by this lock, never a registry-wide lock.
type entry struct {
	mu           sync.Mutex
	task         models.Task
	subscribers  map[string]bool
}

// registry is the concurrent task-ID → entry map. Lookups never block on
// other tasks' transitions.
type registry struct {
	m sync.Map // taskID -> *entry
}

func newRegistry() *registry {
	return &registry{}
}

func (r *registry) put(e *entry) {
	r.m.Store(e.task.TaskID, e)
}

func (r *registry) get(taskID string) (*entry, bool) {
	v, ok := r.m.Load(taskID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (r *registry) delete(taskID string) {
	r.m.Delete(taskID)
}

func (r *registry) snapshotStats(maxQueueSize, maxConcurrent int) models.Stats {
	var s models.Stats
	s.MaxQueueSize = maxQueueSize
	s.MaxConcurrent = maxConcurrent
	r.m.Range(func(_, v interface{}) bool {
		e := v.(*entry)
		e.mu.Lock()
		switch e.task.Status {
		case models.TaskPending:
			s.Pending++
		case models.TaskProcessing:
			s.Processing++
		case models.TaskCompleted:
			s.Completed++
		case models.TaskFailed:
			s.Failed++
		case models.TaskCancelled:
			s.Cancelled++
		}
		e.mu.Unlock()
		return true
	})
	return s
}
