package kernel

import "context"

// GateRequest carries the identity of an execution attempt into the gate
type GateRequest struct {
	WorkflowID         string
	RunID              string
	CorrelationID      string
	OriginalDecisionID string
}

// Gate is the pre-execution policy hook. A non-nil error blocks the
// attempt before any run state changes.
type Gate interface {
	Check(ctx context.Context, req GateRequest) error
}

// GateFunc adapts a function to the Gate interface
type GateFunc func(ctx context.Context, req GateRequest) error

// Check implements Gate
func (f GateFunc) Check(ctx context.Context, req GateRequest) error {
	return f(ctx, req)
}

// AllowAll is the default gate
var AllowAll Gate = GateFunc(func(ctx context.Context, req GateRequest) error {
	return nil
})

// GateExecute runs the gate and, only on pass, the guarded continuation.
// The continuation owns the run claim; nothing observable happens when
// the gate rejects.
func (k *Kernel) GateExecute(ctx context.Context, req GateRequest, afterGate func(context.Context) error) error {
	gate := k.gate
	if gate == nil {
		gate = AllowAll
	}
	if err := gate.Check(ctx, req); err != nil {
		k.log.Warn("execution gate rejected",
			"workflow_id", req.WorkflowID,
			"run_id", req.RunID,
			"correlation_id", req.CorrelationID,
			"error", err,
		)
		return err
	}
	return afterGate(ctx)
}
