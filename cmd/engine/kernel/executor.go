package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lyzr/runloop/cmd/engine/condition"
	"github.com/lyzr/runloop/cmd/engine/tool"
	"github.com/lyzr/runloop/cmd/engine/workflow"
)

// Executor runs a single node
type Executor interface {
	Execute(ctx context.Context, node workflow.Node, input map[string]any) (map[string]any, error)
}

// Error types carried on node_error events. The repair loop keys its
// policy off these.
const (
	ErrTypeTimeout      = "timeout"
	ErrTypeToolNotFound = "tool_not_found"
	ErrTypeToolError    = "tool_error"
	ErrTypeHTTPError    = "http_error"
	ErrTypeTransform    = "transform_error"
	ErrTypeInternal     = "internal"
)

// ExecError is a typed executor failure
type ExecError struct {
	Type      string
	Retryable bool
	Message   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// AsExecError coerces any error into an ExecError, defaulting to a
// non-retryable internal failure
func AsExecError(err error) *ExecError {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecError{Type: ErrTypeTimeout, Retryable: true, Message: err.Error()}
	}
	return &ExecError{Type: ErrTypeInternal, Retryable: false, Message: err.Error()}
}

// Registry maps node types to executors. Implements workflow.ExecutorSet.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a node type
func (r *Registry) Register(nodeType string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[nodeType] = ex
}

// Supports reports whether the node type has an executor
func (r *Registry) Supports(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[nodeType]
	return ok
}

// Get returns the executor for a node type
func (r *Registry) Get(nodeType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[nodeType]
	return ex, ok
}

// Types returns the registered node types, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, node workflow.Node, input map[string]any) (map[string]any, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, node workflow.Node, input map[string]any) (map[string]any, error) {
	return f(ctx, node, input)
}

// LLMClient completes prompts for agent nodes
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RegisterBuiltins wires the default executor set: passthrough start/end,
// function, CEL transform, tool invocation, HTTP calls, agent prompts and
// log notifications.
func RegisterBuiltins(r *Registry, tools *tool.Registry, evaluator *condition.Evaluator, llm LLMClient, httpClient *http.Client) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	passthrough := ExecutorFunc(func(ctx context.Context, node workflow.Node, input map[string]any) (map[string]any, error) {
		return input, nil
	})
	r.Register(workflow.NodeStart, passthrough)
	r.Register(workflow.NodeEnd, passthrough)

	r.Register(workflow.NodeFunction, ExecutorFunc(func(ctx context.Context, node workflow.Node, input map[string]any) (map[string]any, error) {
		name, _ := node.Config["name"].(string)
		out := map[string]any{"function": name}
		for k, v := range input {
			out[k] = v
		}
		return out, nil
	}))

	r.Register(workflow.NodeTransform, ExecutorFunc(func(ctx context.Context, node workflow.Node, input map[string]any) (map[string]any, error) {
		expr, _ := node.Config["expression"].(string)
		val, err := evaluator.EvaluateValue(expr, input, nil)
		if err != nil {
			return nil, &ExecError{Type: ErrTypeTransform, Retryable: false, Message: err.Error()}
		}
		field, _ := node.Config["output_field"].(string)
		if field == "" {
			field = "result"
		}
		out := map[string]any{field: val}
		return out, nil
	}))

	r.Register(workflow.NodeTool, ExecutorFunc(func(ctx context.Context, node workflow.Node, input map[string]any) (map[string]any, error) {
		id, _ := node.Config["tool_id"].(string)
		t, ok := tools.Get(id)
		if !ok || t.Deprecated {
			return nil, &ExecError{Type: ErrTypeToolNotFound, Retryable: false, Message: fmt.Sprintf("tool %q not available", id)}
		}

		timeout := configTimeout(node.Config, 60*time.Second)
		toolCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if t.Invoke == nil {
			return map[string]any{"tool_id": id, "status": "ok"}, nil
		}
		out, err := t.Invoke(toolCtx, input)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || toolCtx.Err() != nil {
				return nil, &ExecError{Type: ErrTypeTimeout, Retryable: true, Message: err.Error()}
			}
			return nil, &ExecError{Type: ErrTypeToolError, Retryable: false, Message: err.Error()}
		}
		if out == nil {
			out = map[string]any{}
		}
		out["tool_id"] = id
		return out, nil
	}))

	r.Register(workflow.NodeHTTP, ExecutorFunc(func(ctx context.Context, node workflow.Node, input map[string]any) (map[string]any, error) {
		url, _ := node.Config["url"].(string)
		method, _ := node.Config["method"].(string)
		if method == "" {
			method = http.MethodGet
		}

		timeout := configTimeout(node.Config, 30*time.Second)
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
		if err != nil {
			return nil, &ExecError{Type: ErrTypeHTTPError, Retryable: false, Message: err.Error()}
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() != nil {
				return nil, &ExecError{Type: ErrTypeTimeout, Retryable: true, Message: err.Error()}
			}
			return nil, &ExecError{Type: ErrTypeHTTPError, Retryable: true, Message: err.Error()}
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode >= 500 {
			return nil, &ExecError{Type: ErrTypeHTTPError, Retryable: true, Message: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			return nil, &ExecError{Type: ErrTypeHTTPError, Retryable: false, Message: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
		}
		return map[string]any{
			"status_code": resp.StatusCode,
			"body":        string(body),
		}, nil
	}))

	r.Register(workflow.NodeAgent, ExecutorFunc(func(ctx context.Context, node workflow.Node, input map[string]any) (map[string]any, error) {
		prompt, _ := node.Config["prompt"].(string)
		if prompt == "" {
			tmpl, _ := node.Config["prompt_template"].(string)
			prompt = renderTemplate(tmpl, input)
		}
		if llm == nil {
			return nil, &ExecError{Type: ErrTypeInternal, Retryable: false, Message: "no llm client configured"}
		}
		completion, err := llm.Complete(ctx, prompt)
		if err != nil {
			return nil, &ExecError{Type: ErrTypeInternal, Retryable: true, Message: err.Error()}
		}
		return map[string]any{"completion": completion, "llm_call": true}, nil
	}))

	r.Register(workflow.NodeNotification, ExecutorFunc(func(ctx context.Context, node workflow.Node, input map[string]any) (map[string]any, error) {
		channel, _ := node.Config["channel"].(string)
		target, _ := node.Config["target"].(string)
		return map[string]any{"notified": true, "channel": channel, "target": target}, nil
	}))
}

// configTimeout reads a numeric "timeout" (seconds) from node config
func configTimeout(config map[string]any, def time.Duration) time.Duration {
	raw, ok := config["timeout"]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// renderTemplate substitutes {{key}} placeholders from input
func renderTemplate(tmpl string, input map[string]any) string {
	out := tmpl
	for k, v := range input {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return out
}
