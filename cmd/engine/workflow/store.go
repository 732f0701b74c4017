package workflow

import (
	"sort"
	"sync"

	"github.com/lyzr/runloop/common/enginerr"
)

// Store is the in-memory workflow catalog. Workflows are registered over
// the API and read by the execution path; they are definitions, not run
// state, so they do not live in Postgres.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{workflows: make(map[string]*Workflow)}
}

// Register validates basic shape and stores the workflow, replacing any
// previous definition with the same id
func (s *Store) Register(w *Workflow) error {
	if w.ID == "" {
		return enginerr.NewValidation("workflow_missing_id", "workflow id is required")
	}
	if len(w.Nodes) == 0 {
		return enginerr.NewValidation("workflow_empty", "workflow %s has no nodes", w.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w.Clone()
	return nil
}

// Get returns a copy of the workflow, or ErrNotFound
func (s *Store) Get(id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, enginerr.NotFound("workflow", id)
	}
	return w.Clone(), nil
}

// List returns all registered workflows sorted by id
func (s *Store) List() []*Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
