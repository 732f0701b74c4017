package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/runloop/cmd/engine/condition"
	"github.com/lyzr/runloop/cmd/engine/tool"
	"github.com/lyzr/runloop/cmd/engine/workflow"
	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/models"
)

func testKernel(t *testing.T, tools *tool.Registry) *Kernel {
	t.Helper()
	if tools == nil {
		tools = tool.NewRegistry()
	}
	evaluator := condition.NewEvaluator()
	registry := NewRegistry()
	RegisterBuiltins(registry, tools, evaluator, nil, nil)
	return New(Opts{
		Executors: registry,
		Evaluator: evaluator,
		Logger:    logger.New("error", "text"),
	})
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStream_LinearWorkflow(t *testing.T) {
	k := testKernel(t, nil)
	wf := &workflow.Workflow{
		ID: "wf_linear",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{{From: "start", To: "end"}},
	}

	events := collect(t, k.Stream(context.Background(), wf, map[string]any{"x": 1}))
	require.NotEmpty(t, events)

	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		models.EventNodeStart, models.EventNodeComplete,
		models.EventNodeStart, models.EventNodeComplete,
		models.EventWorkflowComplete,
	}, types)

	last := events[len(events)-1]
	assert.Equal(t, "wf_linear", last.WorkflowID)
	assert.Equal(t, 1, last.Output["x"])
}

func TestStream_ConditionalBranch(t *testing.T) {
	k := testKernel(t, nil)
	wf := &workflow.Workflow{
		ID: "wf_branch",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "high", Type: workflow.NodeFunction, Config: map[string]any{"name": "high"}},
			{ID: "low", Type: workflow.NodeFunction, Config: map[string]any{"name": "low"}},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "high", Condition: "output.score > 5"},
			{From: "start", To: "low", Condition: "output.score <= 5"},
			{From: "high", To: "end"},
			{From: "low", To: "end"},
		},
	}

	events := collect(t, k.Stream(context.Background(), wf, map[string]any{"score": 9}))

	visited := map[string]bool{}
	for _, ev := range events {
		if ev.Type == models.EventNodeComplete {
			visited[ev.NodeID] = true
		}
	}
	assert.True(t, visited["high"])
	assert.False(t, visited["low"])
	assert.Equal(t, models.EventWorkflowComplete, events[len(events)-1].Type)
}

func TestStream_JSONPathConditionShorthand(t *testing.T) {
	k := testKernel(t, nil)
	wf := &workflow.Workflow{
		ID: "wf_jsonpath",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{{From: "start", To: "end", Condition: "$.approved == true"}},
	}

	events := collect(t, k.Stream(context.Background(), wf, map[string]any{"approved": true}))
	assert.Equal(t, models.EventWorkflowComplete, events[len(events)-1].Type)
}

func TestStream_ToolFailureEmitsTypedError(t *testing.T) {
	tools := tool.NewRegistry()
	tools.Register(&tool.Tool{
		ID: "broken",
		Invoke: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, errors.New("kaput")
		},
	})
	k := testKernel(t, tools)
	wf := &workflow.Workflow{
		ID: "wf_tool",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "call", Type: workflow.NodeTool, Config: map[string]any{"tool_id": "broken"}},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "call"},
			{From: "call", To: "end"},
		},
	}

	events := collect(t, k.Stream(context.Background(), wf, nil))
	require.NotEmpty(t, events)

	var nodeErr, wfErr *Event
	for i := range events {
		switch events[i].Type {
		case models.EventNodeError:
			nodeErr = &events[i]
		case models.EventWorkflowError:
			wfErr = &events[i]
		}
	}
	require.NotNil(t, nodeErr)
	require.NotNil(t, wfErr)
	assert.Equal(t, ErrTypeToolError, nodeErr.ErrorType)
	assert.Equal(t, "call", nodeErr.NodeID)
	assert.False(t, nodeErr.Retryable)
}

func TestStream_MissingToolIsToolNotFound(t *testing.T) {
	k := testKernel(t, nil)
	wf := &workflow.Workflow{
		ID: "wf_missing_tool",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "call", Type: workflow.NodeTool, Config: map[string]any{"tool_id": "ghost"}},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "call"},
			{From: "call", To: "end"},
		},
	}

	events := collect(t, k.Stream(context.Background(), wf, nil))
	found := false
	for _, ev := range events {
		if ev.Type == models.EventNodeError {
			assert.Equal(t, ErrTypeToolNotFound, ev.ErrorType)
			found = true
		}
	}
	assert.True(t, found)
}

func TestStream_TransformUsesCEL(t *testing.T) {
	k := testKernel(t, nil)
	wf := &workflow.Workflow{
		ID: "wf_transform",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "double", Type: workflow.NodeTransform, Config: map[string]any{"expression": "output.n * 2", "output_field": "doubled"}},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "double"},
			{From: "double", To: "end"},
		},
	}

	events := collect(t, k.Stream(context.Background(), wf, map[string]any{"n": 21}))
	last := events[len(events)-1]
	require.Equal(t, models.EventWorkflowComplete, last.Type)
	assert.Contains(t, last.Output, "doubled")
}

func TestStream_NoTraversablePathTerminatesWithError(t *testing.T) {
	k := testKernel(t, nil)
	wf := &workflow.Workflow{
		ID: "wf_dead_end",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{{From: "start", To: "end", Condition: "output.never == true"}},
	}

	events := collect(t, k.Stream(context.Background(), wf, map[string]any{}))
	assert.Equal(t, models.EventWorkflowError, events[len(events)-1].Type)
}

func TestIsKnownEventType(t *testing.T) {
	assert.True(t, IsKnownEventType(models.EventNodeStart))
	assert.True(t, IsKnownEventType(models.EventWorkflowComplete))
	assert.False(t, IsKnownEventType("surprise_event"))
}
