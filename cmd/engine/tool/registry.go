package tool

import (
	"context"
	"sort"
	"sync"
)

// Tool is an invocable capability referenced by tool nodes
type Tool struct {
	ID          string
	Name        string
	Description string
	Deprecated  bool

	// Invoke runs the tool. Nil means the tool resolves but performs no work
	// (useful for dry runs and tests).
	Invoke func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry is the in-memory tool catalog backing validation and execution
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.ID] = t
}

// Get returns the tool and whether it exists
func (r *Registry) Get(id string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// Alternative returns any non-deprecated tool whose id differs from exclude.
// Selection is deterministic (lowest id) so repairs are reproducible.
func (r *Registry) Alternative(exclude string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id, t := range r.tools {
		if id != exclude && !t.Deprecated {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, false
	}
	sort.Strings(ids)
	return r.tools[ids[0]], true
}

// List returns every registered tool, sorted by id
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
