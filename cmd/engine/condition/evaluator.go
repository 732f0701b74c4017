package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Evaluator compiles and runs CEL expressions with a program cache.
// Expressions see two variables: `output` (the source node's output) and
// `ctx` (run-scoped context such as the run input).
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates an evaluator with an empty cache
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// Evaluate runs a boolean edge condition. An empty expression is
// unconditionally true.
func (e *Evaluator) Evaluate(expr string, output, context map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	out, err := e.eval(expr, output, context)
	if err != nil {
		return false, err
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return boolean, got %T", expr, out.Value())
	}
	return result, nil
}

// EvaluateValue runs a transform expression and returns its raw value
func (e *Evaluator) EvaluateValue(expr string, output, context map[string]any) (any, error) {
	out, err := e.eval(expr, output, context)
	if err != nil {
		return nil, err
	}
	return out.Value(), nil
}

func (e *Evaluator) eval(expr string, output, context map[string]any) (ref.Val, error) {
	// Accept JSONPath-style $.field as shorthand for output.field
	normalized := strings.ReplaceAll(expr, "$.", "output.")

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"output": output,
		"ctx":    context,
	})
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error: %w", err)
	}
	if types.IsError(out) {
		return nil, fmt.Errorf("CEL evaluation error: %v", out)
	}
	return out, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// CacheSize returns the number of cached programs
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
