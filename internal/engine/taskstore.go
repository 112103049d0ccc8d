package engine

import (
	"sync"

	"github.com/basket/taskshell/internal/task"
)

// TaskStore holds the session's tasks in submission order. Task fields
// are written by the worker loop and the respond handler while the
// command surface reads them from another goroutine, so every field
// mutation after Append goes through Update and the read paths (Find,
// List) hand out clones taken under the same lock.
type TaskStore struct {
	mu    sync.RWMutex
	order []*task.Task
	byID  map[string]*task.Task
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{byID: make(map[string]*task.Task)}
}

// Append adds a task to the end of the queue. The caller is responsible
// for the task being in a sensible state (usually QUEUED).
func (s *TaskStore) Append(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, t)
	s.byID[t.ID] = t
}

// Update applies fn to a live task under the store's write lock. Every
// task field mutation after Append must go through here.
func (s *TaskStore) Update(t *task.Task, fn func(*task.Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(t)
}

// Find returns a clone of the task with the given id, or nil.
func (s *TaskStore) Find(id string) *task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.byID[id]; ok {
		return t.Clone()
	}
	return nil
}

// List returns cloned snapshots of all tasks in submission order.
func (s *TaskStore) List() []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*task.Task, len(s.order))
	for i, t := range s.order {
		out[i] = t.Clone()
	}
	return out
}

// NextQueued returns the oldest task still in QUEUED state, or nil.
func (s *TaskStore) NextQueued() *task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.order {
		if t.State == task.StateQueued {
			return t
		}
	}
	return nil
}

// FindAwaitingResponse returns all tasks awaiting a clarification answer,
// in submission order.
func (s *TaskStore) FindAwaitingResponse() []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.order {
		if t.State == task.StateAwaitingResponse {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of tracked tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
