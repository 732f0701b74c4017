package bridge

import (
	"context"

	"github.com/lyzr/runloop/cmd/engine/entry"
	"github.com/lyzr/runloop/cmd/engine/kernel"
	"github.com/lyzr/runloop/common/bus"
	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/models"
)

// DecisionExecuteWorkflow is the actionable decision type the bridge
// translates into a run execution
const DecisionExecuteWorkflow = "execute_workflow"

// Bridge subscribes to validated decisions and turns the actionable ones
// into executions through the entry. Non-actionable types are ignored.
type Bridge struct {
	entry      *entry.Entry
	bus        *bus.Bus
	actionable map[string]bool
	log        *logger.Logger
}

// NewBridge creates a bridge handling the default actionable set
func NewBridge(e *entry.Entry, b *bus.Bus, log *logger.Logger) *Bridge {
	return &Bridge{
		entry:      e,
		bus:        b,
		actionable: map[string]bool{DecisionExecuteWorkflow: true},
		log:        log,
	}
}

// Subscribe attaches the bridge to the bus
func (br *Bridge) Subscribe() {
	br.bus.Subscribe(bus.TypeDecisionValidated, br.handle)
}

func (br *Bridge) handle(ctx context.Context, event bus.Event) error {
	validated, ok := event.(*bus.DecisionValidatedEvent)
	if !ok {
		return nil
	}
	d := validated.Decision
	if !br.actionable[d.DecisionType] {
		br.log.Debug("ignoring non-actionable decision", "decision_type", d.DecisionType)
		return nil
	}

	workflowID, _ := d.Payload["workflow_id"].(string)
	runID, _ := d.Payload["run_id"].(string)
	input, _ := d.Payload["input"].(map[string]any)

	result, err := br.entry.ExecuteWithResults(ctx, entry.PrepareRequest{
		WorkflowID:         workflowID,
		RunID:              runID,
		Input:              input,
		CorrelationID:      d.CorrelationID,
		OriginalDecisionID: d.DecisionID,
	})
	if err != nil {
		// Pre-claim rejections create no run events; the failure travels
		// back over the bus only
		br.log.Warn("bridged execution rejected",
			"decision_id", d.DecisionID,
			"run_id", runID,
			"error", err,
		)
		return br.bus.Publish(ctx, &bus.ExecutionResultEvent{
			Status:        "failed",
			CorrelationID: d.CorrelationID,
			RunID:         runID,
			Error:         err.Error(),
		})
	}

	status := "succeeded"
	if result.TerminalType != "workflow_complete" {
		status = "failed"
	}
	return br.bus.Publish(ctx, &bus.ExecutionResultEvent{
		Status:        status,
		CorrelationID: d.CorrelationID,
		RunID:         result.RunID,
		Result:        result.Output,
		Error:         result.LastError,
	})
}

// ExecutionGate adapts a coordinator policy into the kernel's
// pre-execution gate
type ExecutionGate struct {
	policy Policy
}

// NewExecutionGate creates the gate. A nil policy allows everything.
func NewExecutionGate(policy Policy) *ExecutionGate {
	return &ExecutionGate{policy: policy}
}

// Check implements kernel.Gate
func (g *ExecutionGate) Check(ctx context.Context, req kernel.GateRequest) error {
	if g.policy == nil || req.OriginalDecisionID == "" {
		// Direct API executions carry no originating decision
		return nil
	}
	return g.policy.Allow(ctx, modelDecision(req))
}

func modelDecision(req kernel.GateRequest) models.Decision {
	return models.Decision{
		DecisionType:  DecisionExecuteWorkflow,
		DecisionID:    req.OriginalDecisionID,
		CorrelationID: req.CorrelationID,
		Payload: map[string]any{
			"workflow_id": req.WorkflowID,
			"run_id":      req.RunID,
		},
	}
}
