package entry

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/runloop/cmd/engine/kernel"
	"github.com/lyzr/runloop/cmd/engine/tool"
	"github.com/lyzr/runloop/cmd/engine/workflow"
	"github.com/lyzr/runloop/common/validation"
)

// Patch scope: repairs may only touch node config, never topology
const patchScope = "config_only"

// Timeout clamp bounds in seconds for the retry-with-backoff repair
const (
	minPatchTimeout = 10
	maxPatchTimeout = 300
)

// Stop reasons emitted on the termination report
const (
	StopMaxAttempts         = "max_attempts"
	StopConsecutiveFailures = "consecutive_failures"
	StopMaxLLMCalls         = "max_llm_calls"
	StopMaxElapsed          = "max_elapsed"
	StopUnrepairable        = "unrepairable_error"
	StopScopeViolation      = "patch_scope_violation"
)

// PatchOp is one RFC 6902 operation
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patcher proposes and applies config-only repair patches in response to
// a failed attempt
type Patcher struct {
	tools *tool.Registry
	scope *validation.PatchValidator
}

// NewPatcher creates a patcher
func NewPatcher(tools *tool.Registry) *Patcher {
	return &Patcher{tools: tools, scope: validation.NewPatchValidator()}
}

// Propose derives a repair for the failure. A nil ops slice with a stop
// reason means the failure is not repairable by a config change.
func (p *Patcher) Propose(wf *workflow.Workflow, failure *kernel.Event) (ops []PatchOp, description, stopReason string) {
	if failure == nil || failure.NodeID == "" {
		return nil, "", StopUnrepairable
	}
	idx := nodeIndex(wf, failure.NodeID)
	if idx < 0 {
		return nil, "", StopUnrepairable
	}
	node := wf.Nodes[idx]

	switch {
	case failure.ErrorType == kernel.ErrTypeTimeout || failure.Retryable:
		cur := timeoutSeconds(node.Config)
		next := clamp(cur*2, minPatchTimeout, maxPatchTimeout)
		if next == cur {
			return nil, "", StopUnrepairable
		}
		op := "replace"
		if _, exists := node.Config["timeout"]; !exists {
			op = "add"
		}
		return []PatchOp{{
				Op:    op,
				Path:  fmt.Sprintf("/nodes/%d/config/timeout", idx),
				Value: next,
			}},
			fmt.Sprintf("raise timeout on node %s from %ds to %ds", node.ID, cur, next),
			""

	case failure.ErrorType == kernel.ErrTypeToolNotFound:
		current, _ := node.Config["tool_id"].(string)
		alt, ok := p.tools.Alternative(current)
		if !ok {
			return nil, "", StopUnrepairable
		}
		return []PatchOp{{
				Op:    "replace",
				Path:  fmt.Sprintf("/nodes/%d/config/tool_id", idx),
				Value: alt.ID,
			}},
			fmt.Sprintf("swap tool on node %s from %q to %q", node.ID, current, alt.ID),
			""

	default:
		return nil, "", StopUnrepairable
	}
}

// Apply runs the patch against the workflow document and verifies the
// result kept the original topology. Op shape and path scope are checked
// before the patch touches the document.
func (p *Patcher) Apply(wf *workflow.Workflow, ops []PatchOp) (*workflow.Workflow, string, error) {
	if err := p.scope.ValidateSize(len(ops)); err != nil {
		return nil, StopScopeViolation, err
	}
	for _, op := range ops {
		if err := p.scope.ValidateOperation(op.Op, op.Path); err != nil {
			return nil, StopScopeViolation, err
		}
	}

	doc, err := json.Marshal(wf)
	if err != nil {
		return nil, StopUnrepairable, fmt.Errorf("marshal workflow: %w", err)
	}
	rawOps, err := json.Marshal(ops)
	if err != nil {
		return nil, StopUnrepairable, fmt.Errorf("marshal patch: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(rawOps)
	if err != nil {
		return nil, StopUnrepairable, fmt.Errorf("decode patch: %w", err)
	}
	modified, err := patch.Apply(doc)
	if err != nil {
		return nil, StopUnrepairable, fmt.Errorf("apply patch: %w", err)
	}

	var out workflow.Workflow
	if err := json.Unmarshal(modified, &out); err != nil {
		return nil, StopUnrepairable, fmt.Errorf("unmarshal patched workflow: %w", err)
	}

	if !sameTopology(wf, &out) {
		return nil, StopScopeViolation, fmt.Errorf("patch changed workflow topology")
	}
	return &out, "", nil
}

// sameTopology compares node identity and edge structure, ignoring config
func sameTopology(a, b *workflow.Workflow) bool {
	if len(a.Nodes) != len(b.Nodes) || len(a.Edges) != len(b.Edges) {
		return false
	}
	for i := range a.Nodes {
		if a.Nodes[i].ID != b.Nodes[i].ID || a.Nodes[i].Type != b.Nodes[i].Type {
			return false
		}
	}
	for i := range a.Edges {
		if a.Edges[i].From != b.Edges[i].From || a.Edges[i].To != b.Edges[i].To {
			return false
		}
	}
	return true
}

func nodeIndex(wf *workflow.Workflow, nodeID string) int {
	for i := range wf.Nodes {
		if wf.Nodes[i].ID == nodeID {
			return i
		}
	}
	return -1
}

func timeoutSeconds(config map[string]any) int {
	raw, ok := config["timeout"]
	if !ok {
		return 30
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 30
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
