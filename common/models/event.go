package models

import (
	"strconv"
	"time"
)

// Channel is a logical subpartition of a run's journal
type Channel string

const (
	ChannelExecution Channel = "execution"
	ChannelLifecycle Channel = "lifecycle"
	ChannelPlanning  Channel = "planning"
)

// Execution-channel event types
const (
	EventNodeStart         = "node_start"
	EventNodeComplete      = "node_complete"
	EventNodeError         = "node_error"
	EventWorkflowStart     = "workflow_start"
	EventWorkflowComplete  = "workflow_complete"
	EventWorkflowError     = "workflow_error"
	EventConfirmRequired   = "workflow_confirm_required"
	EventConfirmed         = "workflow_confirmed"
	EventReactLoopStarted  = "workflow_react_loop_started"
	EventAttemptFailed     = "workflow_attempt_failed"
	EventReactPatchApplied = "workflow_react_patch_applied"
	EventTerminationReport = "workflow_termination_report"
)

// Lifecycle-channel event types (acceptance loop markers)
const (
	EventExecutionCompleted  = "workflow_execution_completed"
	EventTestReport          = "workflow_test_report"
	EventReflectionRequested = "workflow_reflection_requested"
	EventReflectionCompleted = "workflow_reflection_completed"
	EventAdjustmentRequested = "workflow_adjustment_requested"
)

// IsTerminalEventType reports whether type is one of the two terminal markers.
// Terminal rows are unique per (run, channel, type) even without an idempotency key.
func IsTerminalEventType(eventType string) bool {
	return eventType == EventWorkflowComplete || eventType == EventWorkflowError
}

// RunEvent is an ordered, append-only record in a run's journal.
// Maps to: run_events table.
type RunEvent struct {
	EventID        int64          `db:"id" json:"event_id"`
	RunID          string         `db:"run_id" json:"run_id"`
	Channel        Channel        `db:"channel" json:"channel"`
	Type           string         `db:"type" json:"type"`
	Payload        map[string]any `db:"payload" json:"payload"`
	IdempotencyKey *string        `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// Ref returns the stable string reference used in evidence snapshots
func (e *RunEvent) Ref() string {
	return EventRef(e.RunID, e.EventID)
}

// EventRef formats the stable reference for a journal row
func EventRef(runID string, eventID int64) string {
	return "ev:" + runID + ":" + strconv.FormatInt(eventID, 10)
}

// Flatten returns the SSE/replay wire shape: payload fields hoisted to the
// top level with type and identity fields, no nested payload object.
func (e *RunEvent) Flatten() map[string]any {
	out := make(map[string]any, len(e.Payload)+5)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["event_id"] = e.EventID
	out["run_id"] = e.RunID
	out["channel"] = string(e.Channel)
	out["type"] = e.Type
	out["created_at"] = e.CreatedAt
	return out
}
