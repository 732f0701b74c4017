package enginerr

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a missing entity (run, workflow, tool).
// Callers map it to HTTP 404.
var ErrNotFound = errors.New("not found")

// NotFound wraps ErrNotFound with the entity kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Gate sub-codes. These are the only codes a run-gate rejection may carry.
const (
	CodeRunNotFound        = "run_not_found"
	CodeRunWrongWorkflow   = "run_wrong_workflow"
	CodeRunNotExecutable   = "run_not_executable"
	CodeDuplicateExecution = "duplicate_execution"
)

// ValidationError is a workflow or argument shape violation.
// Raised before any state change; maps to HTTP 400.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s", e.Code, e.Message)
}

// NewValidation creates a ValidationError with a stable code.
func NewValidation(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// GateError means the run's state forbids the requested operation.
// Maps to HTTP 400 with the sub-code in the body.
type GateError struct {
	Code    string
	RunID   string
	Message string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("run gate rejected [%s] run=%s: %s", e.Code, e.RunID, e.Message)
}

// NewGate creates a GateError.
func NewGate(code, runID, format string, args ...any) *GateError {
	return &GateError{Code: code, RunID: runID, Message: fmt.Sprintf(format, args...)}
}

// PolicyError means coordinator middleware denied the action. Maps to HTTP 403.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy rejected: %s", e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsGate reports whether err is a GateError, returning it if so.
func IsGate(err error) (*GateError, bool) {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsPolicy reports whether err is a PolicyError.
func IsPolicy(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}
