package bus

import (
	"github.com/lyzr/runloop/common/models"
)

// Event type names carried on the bus
const (
	TypeDecisionMade        = "decision_made"
	TypeDecisionValidated   = "decision_validated"
	TypeDecisionRejected    = "decision_rejected"
	TypeExecutionResult     = "execution_result"
	TypeAdjustmentRequested = "workflow_adjustment_requested"
)

// DecisionMadeEvent is published by the conversation agent when it proposes
// an action. The coordinator middleware gates it.
type DecisionMadeEvent struct {
	Decision models.Decision
}

func (e *DecisionMadeEvent) EventType() string { return TypeDecisionMade }

// DecisionValidatedEvent is published on the allow path after the coordinator
// let the decision through.
type DecisionValidatedEvent struct {
	Decision models.Decision
}

func (e *DecisionValidatedEvent) EventType() string { return TypeDecisionValidated }

// DecisionRejectedEvent pairs with a blocked DecisionMadeEvent
type DecisionRejectedEvent struct {
	Decision models.Decision
	Reason   string
}

func (e *DecisionRejectedEvent) EventType() string { return TypeDecisionRejected }

// ExecutionResultEvent surfaces the bridge handler outcome
type ExecutionResultEvent struct {
	Status        string         `json:"status"` // succeeded|failed
	CorrelationID string         `json:"correlation_id"`
	RunID         string         `json:"run_id"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func (e *ExecutionResultEvent) EventType() string { return TypeExecutionResult }

// WorkflowAdjustmentRequestedEvent is the REPLAN signal: published at most
// once per reflection, witnessed by the journal row.
type WorkflowAdjustmentRequestedEvent struct {
	WorkflowID       string   `json:"workflow_id"`
	RunID            string   `json:"run_id"`
	FromReflectionID string   `json:"from_reflection_id"`
	NextAttempt      int      `json:"next_attempt"`
	UnmetCriteria    []string `json:"unmet_criteria"`
	MissingEvidence  []string `json:"missing_evidence"`
	Constraints      []string `json:"constraints"`
}

func (e *WorkflowAdjustmentRequestedEvent) EventType() string { return TypeAdjustmentRequested }
