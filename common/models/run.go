package models

import (
	"time"
)

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	StatusCreated   RunStatus = "created"
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the status is absorbing
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// CanClaim reports whether a run in this status may be claimed for execution
func (s RunStatus) CanClaim() bool {
	return s == StatusCreated || s == StatusPending
}

// Run represents a single executable instance of a workflow.
// Maps to: runs table.
type Run struct {
	RunID      string     `db:"id" json:"id"`
	ProjectID  string     `db:"project_id" json:"project_id"`
	WorkflowID string     `db:"workflow_id" json:"workflow_id"`
	AgentID    *string    `db:"agent_id" json:"agent_id,omitempty"`
	Status     RunStatus  `db:"status" json:"status"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Error      *string    `db:"error" json:"error,omitempty"`
}
