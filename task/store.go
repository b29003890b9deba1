package task

import (
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Store is the process-wide registry of task records. All mutation goes
// through Update so readers never observe a half-applied transition; Get and
// List hand out value snapshots. Reads are frequent (every poller tick) while
// writes arrive roughly once per progress line, hence the RWMutex.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewStore() *Store {
	return &Store{tasks: make(map[string]*Task)}
}

// Create allocates a new queued record and returns a snapshot of it.
func (s *Store) Create(sourceURL string, mode Mode) Task {
	now := time.Now()
	t := &Task{
		ID:        shortuuid.New(),
		SourceURL: sourceURL,
		Mode:      mode,
		Status:    StatusQueued,
		Message:   "waiting in queue",
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return *t
}

func (s *Store) Get(id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

// Update applies mutate under the write lock and stamps UpdatedAt. The
// mutator must not do I/O.
func (s *Store) Update(id string, mutate func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	mutate(t)
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

func (s *Store) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}
