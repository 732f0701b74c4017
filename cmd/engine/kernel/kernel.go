package kernel

import (
	"context"
	"sort"

	"github.com/lyzr/runloop/cmd/engine/condition"
	"github.com/lyzr/runloop/cmd/engine/workflow"
	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/models"
)

// Kernel executes workflow graphs and streams execution events. It is
// stateless across runs; all run state lives with the caller.
type Kernel struct {
	executors *Registry
	evaluator *condition.Evaluator
	gate      Gate
	log       *logger.Logger
}

// Opts configures the kernel
type Opts struct {
	Executors *Registry
	Evaluator *condition.Evaluator
	Gate      Gate
	Logger    *logger.Logger
}

// New creates a kernel
func New(opts Opts) *Kernel {
	return &Kernel{
		executors: opts.Executors,
		evaluator: opts.Evaluator,
		gate:      opts.Gate,
		log:       opts.Logger,
	}
}

// Executors exposes the registry for validation wiring
func (k *Kernel) Executors() *Registry {
	return k.executors
}

// Stream walks the workflow graph from its start node and emits execution
// events on the returned channel. The channel closes after a terminal
// event, or without one if the context is cancelled mid-walk.
func (k *Kernel) Stream(ctx context.Context, wf *workflow.Workflow, input map[string]any) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		k.walk(ctx, wf, input, ch)
	}()
	return ch
}

func (k *Kernel) walk(ctx context.Context, wf *workflow.Workflow, input map[string]any, ch chan<- Event) {
	emit := func(ev Event) bool {
		ev.WorkflowID = wf.ID
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	starts := wf.StartNodes()
	if len(starts) == 0 {
		emit(Event{Type: models.EventWorkflowError, Error: "workflow has no start node", ErrorType: ErrTypeInternal})
		return
	}

	edgesFrom := make(map[string][]workflow.Edge)
	for _, e := range wf.Edges {
		edgesFrom[e.From] = append(edgesFrom[e.From], e)
	}

	// Inputs accumulated per node from traversed in-edges
	pending := map[string]map[string]any{starts[0]: input}
	visited := make(map[string]bool)
	ready := []string{starts[0]}

	for len(ready) > 0 {
		if ctx.Err() != nil {
			return
		}
		sort.Strings(ready)
		nodeID := ready[0]
		ready = ready[1:]
		if visited[nodeID] {
			continue
		}
		visited[nodeID] = true

		node, ok := wf.FindNode(nodeID)
		if !ok {
			emit(Event{Type: models.EventWorkflowError, NodeID: nodeID, Error: "edge references unknown node", ErrorType: ErrTypeInternal})
			return
		}

		if !emit(Event{Type: models.EventNodeStart, NodeID: node.ID, NodeType: node.Type}) {
			return
		}

		ex, ok := k.executors.Get(node.Type)
		if !ok {
			emit(Event{Type: models.EventNodeError, NodeID: node.ID, NodeType: node.Type, Error: "no executor for node type", ErrorType: ErrTypeInternal})
			emit(Event{Type: models.EventWorkflowError, NodeID: node.ID, Error: "no executor for node type " + node.Type, ErrorType: ErrTypeInternal})
			return
		}

		out, err := ex.Execute(ctx, *node, pending[node.ID])
		if err != nil {
			ee := AsExecError(err)
			if !emit(Event{
				Type: models.EventNodeError, NodeID: node.ID, NodeType: node.Type,
				Error: ee.Message, ErrorType: ee.Type, Retryable: ee.Retryable,
			}) {
				return
			}
			emit(Event{
				Type: models.EventWorkflowError, NodeID: node.ID,
				Error: ee.Message, ErrorType: ee.Type, Retryable: ee.Retryable,
			})
			return
		}

		ev := Event{Type: models.EventNodeComplete, NodeID: node.ID, NodeType: node.Type, Output: out}
		if out != nil {
			if called, okCall := out["llm_call"].(bool); okCall && called {
				ev.Fields = map[string]any{"llm_call": true}
			}
		}
		if !emit(ev) {
			return
		}

		if node.Type == workflow.NodeEnd {
			emit(Event{Type: models.EventWorkflowComplete, NodeID: node.ID, Output: out})
			return
		}

		for _, edge := range edgesFrom[node.ID] {
			pass, cerr := k.evaluator.Evaluate(edge.Condition, out, input)
			if cerr != nil {
				emit(Event{
					Type: models.EventWorkflowError, NodeID: node.ID,
					Error: cerr.Error(), ErrorType: "condition_error",
				})
				return
			}
			if !pass || visited[edge.To] {
				continue
			}
			dst := pending[edge.To]
			if dst == nil {
				dst = make(map[string]any)
				pending[edge.To] = dst
			}
			for key, v := range out {
				dst[key] = v
			}
			ready = append(ready, edge.To)
		}
	}

	// Ran out of traversable edges before reaching an end node
	emit(Event{Type: models.EventWorkflowError, Error: "no path reached an end node", ErrorType: ErrTypeInternal})
}
