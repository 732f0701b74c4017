package workflow

import "sort"

// Node types understood by the engine
const (
	NodeStart        = "start"
	NodeEnd          = "end"
	NodeFunction     = "function"
	NodeTransform    = "transform"
	NodeTool         = "tool"
	NodeHTTP         = "http"
	NodeAgent        = "agent"
	NodeNotification = "notification"
)

// sideEffectTypes are node types whose execution touches the outside world.
// Runs over workflows containing one of these in the main subgraph require
// an explicit user confirmation before execution proceeds.
var sideEffectTypes = map[string]bool{
	NodeTool:         true,
	NodeHTTP:         true,
	NodeNotification: true,
}

// IsSideEffectType reports whether the node type performs side effects
func IsSideEffectType(nodeType string) bool {
	return sideEffectTypes[nodeType]
}

// Node is a single step in a workflow graph
type Node struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge connects two nodes. Condition, when set, is a CEL expression over
// the source node's output; the edge is only traversed when it evaluates
// to true.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Workflow is a directed acyclic graph of nodes
type Workflow struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// FindNode returns the node with the given id
func (w *Workflow) FindNode(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// StartNodes returns the ids of all start nodes, sorted
func (w *Workflow) StartNodes() []string {
	var out []string
	for _, n := range w.Nodes {
		if n.Type == NodeStart {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}

// EndNodes returns the ids of all end nodes, sorted
func (w *Workflow) EndNodes() []string {
	var out []string
	for _, n := range w.Nodes {
		if n.Type == NodeEnd {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}

// MainSubgraph returns the set of node ids reachable from the first start
// node. Nodes outside this set are dormant and excluded from validation of
// execution-affecting rules.
func (w *Workflow) MainSubgraph() map[string]bool {
	reachable := make(map[string]bool)
	starts := w.StartNodes()
	if len(starts) == 0 {
		return reachable
	}

	adj := make(map[string][]string)
	for _, e := range w.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	queue := []string{starts[0]}
	reachable[starts[0]] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reachable
}

// HasSideEffects reports whether any node in the main subgraph performs
// side effects
func (w *Workflow) HasSideEffects() bool {
	main := w.MainSubgraph()
	for _, n := range w.Nodes {
		if main[n.ID] && IsSideEffectType(n.Type) {
			return true
		}
	}
	return false
}

// FirstSideEffectNode returns the id of the first side-effecting node in
// the main subgraph, in node declaration order
func (w *Workflow) FirstSideEffectNode() (string, bool) {
	main := w.MainSubgraph()
	for _, n := range w.Nodes {
		if main[n.ID] && IsSideEffectType(n.Type) {
			return n.ID, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the workflow. Node configs are copied one
// level deep, which is sufficient for config patching.
func (w *Workflow) Clone() *Workflow {
	out := &Workflow{
		ID:          w.ID,
		ProjectID:   w.ProjectID,
		Name:        w.Name,
		Description: w.Description,
		Nodes:       make([]Node, len(w.Nodes)),
		Edges:       make([]Edge, len(w.Edges)),
	}
	copy(out.Edges, w.Edges)
	for i, n := range w.Nodes {
		cp := n
		if n.Config != nil {
			cp.Config = make(map[string]any, len(n.Config))
			for k, v := range n.Config {
				cp.Config[k] = v
			}
		}
		out.Nodes[i] = cp
	}
	return out
}
