package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/lyzr/runloop/common/models"
)

// RunRepository persists run rows. Status transitions go through the
// compare-and-swap primitive; there is no unconditional status update.
type RunRepository interface {
	// Save upserts a run by id
	Save(ctx context.Context, run *models.Run) error

	// GetByID returns the run or enginerr.ErrNotFound
	GetByID(ctx context.Context, runID string) (*models.Run, error)

	// UpdateStatusIfCurrent atomically moves the run from expected to target.
	// Returns true iff exactly one row was affected. started_at is stamped on
	// first entry into running, finished_at on first entry into a terminal state.
	UpdateStatusIfCurrent(ctx context.Context, runID string, expected, target models.RunStatus) (bool, error)

	// CountByWorkflowID returns the number of runs for a workflow
	CountByWorkflowID(ctx context.Context, workflowID string) (int64, error)

	// ListByWorkflowID lists runs for a workflow, newest first
	ListByWorkflowID(ctx context.Context, workflowID string, limit, offset int) ([]*models.Run, error)

	// Delete removes a run (idempotent); its journal rows cascade
	Delete(ctx context.Context, runID string) error
}

// AppendResult reports the outcome of a journal append
type AppendResult struct {
	Event   *models.RunEvent
	Deduped bool
}

// EventListPage is one page of ordered journal rows
type EventListPage struct {
	Events     []*models.RunEvent
	NextCursor int64
	HasMore    bool
}

// EventJournal is the append-only per-run event log. Order is event_id
// ascending; that order, not wall-clock, defines replay semantics.
type EventJournal interface {
	// Append inserts an event. When the event carries an idempotency key the
	// insert behaves as insert-or-get on (run_id, channel, idempotency_key).
	// Terminal-type rows additionally dedup on (run_id, channel, type).
	Append(ctx context.Context, event *models.RunEvent) (*AppendResult, error)

	// List returns events after cursor (exclusive), ordered by event_id.
	// channel == "" lists every channel.
	List(ctx context.Context, runID string, channel models.Channel, cursor int64, limit int) (*EventListPage, error)

	// ListAll returns every event for the run ordered by event_id
	ListAll(ctx context.Context, runID string) ([]*models.RunEvent, error)
}

// DeriveRunID derives a deterministic run id from the creation triple, so the
// same idempotency key converges to the same run.
func DeriveRunID(projectID, workflowID, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(projectID + "|" + workflowID + "|" + idempotencyKey))
	return "run_" + hex.EncodeToString(sum[:])[:16]
}

// NewRun builds a run row in the created state
func NewRun(runID, projectID, workflowID string) *models.Run {
	return &models.Run{
		RunID:      runID,
		ProjectID:  projectID,
		WorkflowID: workflowID,
		Status:     models.StatusCreated,
		CreatedAt:  time.Now().UTC(),
	}
}
