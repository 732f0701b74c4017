package workflow

import (
	"fmt"
	"strings"

	"github.com/lyzr/runloop/cmd/engine/tool"
	"github.com/lyzr/runloop/common/enginerr"
)

// Validation error codes
const (
	CodeNoStart           = "workflow_no_start"
	CodeNoEnd             = "workflow_no_end"
	CodeNoPath            = "workflow_no_path"
	CodeCycle             = "workflow_cycle"
	CodeUnknownNode       = "edge_unknown_node"
	CodeDuplicateNode     = "duplicate_node_id"
	CodeNodeTypeUnknown   = "node_type_unknown"
	CodeToolNotFound      = "tool_not_found"
	CodeToolDeprecated    = "tool_deprecated"
	CodeConfigInvalid     = "node_config_invalid"
	CodeProviderForbidden = "provider_not_allowed"
)

// ExecutorSet answers whether a node type has a registered executor.
// Implemented by the kernel's executor registry.
type ExecutorSet interface {
	Supports(nodeType string) bool
}

// ruleKind discriminates the config contract rule variants
type ruleKind int

const (
	ruleRequired ruleKind = iota
	ruleRequiredAnyOf
	ruleEnum
	ruleConditionalRequired
	ruleProviderAllowlist
)

// configRule is one entry in a node type's config contract
type configRule struct {
	kind       ruleKind
	field      string
	anyOf      []string
	allowed    []string
	whenField  string
	whenEquals string
}

// nodeContracts declares, per node type, the config shape a node must
// satisfy before execution. The validator walks this table rather than
// hand-coding per-type checks.
var nodeContracts = map[string][]configRule{
	NodeFunction: {
		{kind: ruleRequired, field: "name"},
	},
	NodeTransform: {
		{kind: ruleRequired, field: "expression"},
	},
	NodeTool: {
		{kind: ruleRequired, field: "tool_id"},
	},
	NodeHTTP: {
		{kind: ruleRequired, field: "url"},
		{kind: ruleEnum, field: "method", allowed: []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
	},
	NodeAgent: {
		{kind: ruleRequiredAnyOf, anyOf: []string{"prompt", "prompt_template"}},
		{kind: ruleProviderAllowlist, field: "provider"},
	},
	NodeNotification: {
		{kind: ruleRequired, field: "channel"},
		{kind: ruleEnum, field: "channel", allowed: []string{"email", "webhook", "log"}},
		{kind: ruleConditionalRequired, field: "target", whenField: "channel", whenEquals: "webhook"},
	},
}

// allowedProviders is the agent provider allowlist
var allowedProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"bedrock":   true,
}

// Validator checks that a workflow can execute: graph shape, executor
// availability, tool resolution, and per-type config contracts.
type Validator struct {
	tools     *tool.Registry
	executors ExecutorSet
}

// NewValidator creates a validator backed by the given tool registry and
// executor set
func NewValidator(tools *tool.Registry, executors ExecutorSet) *Validator {
	return &Validator{tools: tools, executors: executors}
}

// ValidateForExecution runs the full pre-execution check. All violations
// surface as ValidationError; no run state is touched.
func (v *Validator) ValidateForExecution(w *Workflow) error {
	if err := v.validateGraph(w); err != nil {
		return err
	}
	main := w.MainSubgraph()
	for _, n := range w.Nodes {
		if !main[n.ID] {
			continue
		}
		if err := v.validateNode(&n); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateGraph(w *Workflow) error {
	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if seen[n.ID] {
			return enginerr.NewValidation(CodeDuplicateNode, "node id %q declared twice", n.ID)
		}
		seen[n.ID] = true
	}

	starts := w.StartNodes()
	if len(starts) == 0 {
		return enginerr.NewValidation(CodeNoStart, "workflow %s has no start node", w.ID)
	}
	ends := w.EndNodes()
	if len(ends) == 0 {
		return enginerr.NewValidation(CodeNoEnd, "workflow %s has no end node", w.ID)
	}

	for _, e := range w.Edges {
		if !seen[e.From] {
			return enginerr.NewValidation(CodeUnknownNode, "edge references unknown node %q", e.From)
		}
		if !seen[e.To] {
			return enginerr.NewValidation(CodeUnknownNode, "edge references unknown node %q", e.To)
		}
	}

	if cycleNode, ok := findCycle(w); ok {
		return enginerr.NewValidation(CodeCycle, "workflow %s has a cycle through node %q", w.ID, cycleNode)
	}

	main := w.MainSubgraph()
	endReachable := false
	for _, end := range ends {
		if main[end] {
			endReachable = true
			break
		}
	}
	if !endReachable {
		return enginerr.NewValidation(CodeNoPath, "no path from start to any end node")
	}
	return nil
}

func (v *Validator) validateNode(n *Node) error {
	if v.executors != nil && !v.executors.Supports(n.Type) {
		return enginerr.NewValidation(CodeNodeTypeUnknown, "node %q has type %q with no registered executor", n.ID, n.Type)
	}

	for _, rule := range nodeContracts[n.Type] {
		if err := v.applyRule(n, rule); err != nil {
			return err
		}
	}

	// Tool nodes must resolve against the registry, not just carry an id
	if n.Type == NodeTool {
		id, _ := n.Config["tool_id"].(string)
		t, ok := v.tools.Get(id)
		if !ok {
			return enginerr.NewValidation(CodeToolNotFound, "node %q references unknown tool %q", n.ID, id)
		}
		if t.Deprecated {
			return enginerr.NewValidation(CodeToolDeprecated, "node %q references deprecated tool %q", n.ID, id)
		}
	}
	return nil
}

func (v *Validator) applyRule(n *Node, rule configRule) error {
	get := func(field string) (string, bool) {
		raw, ok := n.Config[field]
		if !ok {
			return "", false
		}
		s, isStr := raw.(string)
		if isStr && s == "" {
			return "", false
		}
		if !isStr {
			return fmt.Sprintf("%v", raw), true
		}
		return s, true
	}

	switch rule.kind {
	case ruleRequired:
		if _, ok := get(rule.field); !ok {
			return enginerr.NewValidation(CodeConfigInvalid, "node %q: config field %q is required", n.ID, rule.field)
		}
	case ruleRequiredAnyOf:
		for _, f := range rule.anyOf {
			if _, ok := get(f); ok {
				return nil
			}
		}
		return enginerr.NewValidation(CodeConfigInvalid, "node %q: one of config fields %s is required", n.ID, strings.Join(rule.anyOf, ", "))
	case ruleEnum:
		val, ok := get(rule.field)
		if !ok {
			return nil // absence is handled by a required rule if one exists
		}
		for _, a := range rule.allowed {
			if val == a {
				return nil
			}
		}
		return enginerr.NewValidation(CodeConfigInvalid, "node %q: config field %q must be one of %s, got %q", n.ID, rule.field, strings.Join(rule.allowed, "|"), val)
	case ruleConditionalRequired:
		when, _ := get(rule.whenField)
		if when != rule.whenEquals {
			return nil
		}
		if _, ok := get(rule.field); !ok {
			return enginerr.NewValidation(CodeConfigInvalid, "node %q: config field %q is required when %s=%s", n.ID, rule.field, rule.whenField, rule.whenEquals)
		}
	case ruleProviderAllowlist:
		val, ok := get(rule.field)
		if !ok {
			return nil
		}
		if !allowedProviders[val] {
			return enginerr.NewValidation(CodeProviderForbidden, "node %q: provider %q is not allowed", n.ID, val)
		}
	}
	return nil
}

// findCycle runs an iterative DFS with colors; returns a node on a cycle
func findCycle(w *Workflow) (string, bool) {
	adj := make(map[string][]string)
	for _, e := range w.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Nodes))

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return next, true
			case white:
				if n, found := visit(next); found {
					return n, true
				}
			}
		}
		color[id] = black
		return "", false
	}

	for _, n := range w.Nodes {
		if color[n.ID] == white {
			if node, found := visit(n.ID); found {
				return node, true
			}
		}
	}
	return "", false
}
