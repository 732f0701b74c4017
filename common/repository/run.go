package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/runloop/common/db"
	"github.com/lyzr/runloop/common/enginerr"
	"github.com/lyzr/runloop/common/models"
)

// PgRunRepository handles database operations for runs
type PgRunRepository struct {
	db *db.DB
}

// NewPgRunRepository creates a new Postgres-backed run repository
func NewPgRunRepository(database *db.DB) *PgRunRepository {
	return &PgRunRepository{db: database}
}

// Save upserts a run by id
func (r *PgRunRepository) Save(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO runs (id, project_id, workflow_id, agent_id, status, created_at, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			error = EXCLUDED.error
	`

	_, err := r.db.Exec(
		ctx,
		query,
		run.RunID,
		run.ProjectID,
		run.WorkflowID,
		run.AgentID,
		run.Status,
		run.CreatedAt,
		run.StartedAt,
		run.FinishedAt,
		run.Error,
	)

	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID
func (r *PgRunRepository) GetByID(ctx context.Context, runID string) (*models.Run, error) {
	query := `
		SELECT id, project_id, workflow_id, agent_id, status, created_at, started_at, finished_at, error
		FROM runs
		WHERE id = $1
	`

	run := &models.Run{}
	err := r.db.QueryRow(ctx, query, runID).Scan(
		&run.RunID,
		&run.ProjectID,
		&run.WorkflowID,
		&run.AgentID,
		&run.Status,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Error,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, enginerr.NotFound("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateStatusIfCurrent performs the CAS transition in a single statement.
// Returns true iff exactly one row was affected.
func (r *PgRunRepository) UpdateStatusIfCurrent(ctx context.Context, runID string, expected, target models.RunStatus) (bool, error) {
	query := `
		UPDATE runs
		SET status = $3,
			started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN $4 ELSE started_at END,
			finished_at = CASE WHEN $3 IN ('completed', 'succeeded', 'failed') AND finished_at IS NULL THEN $4 ELSE finished_at END
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Exec(ctx, query, runID, expected, target, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// CountByWorkflowID returns the number of runs for a workflow
func (r *PgRunRepository) CountByWorkflowID(ctx context.Context, workflowID string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE workflow_id = $1`, workflowID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// ListByWorkflowID lists runs for a workflow, newest first
func (r *PgRunRepository) ListByWorkflowID(ctx context.Context, workflowID string, limit, offset int) ([]*models.Run, error) {
	query := `
		SELECT id, project_id, workflow_id, agent_id, status, created_at, started_at, finished_at, error
		FROM runs
		WHERE workflow_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run := &models.Run{}
		err := rows.Scan(
			&run.RunID,
			&run.ProjectID,
			&run.WorkflowID,
			&run.AgentID,
			&run.Status,
			&run.CreatedAt,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// Delete removes a run (idempotent); run_events rows cascade via FK
func (r *PgRunRepository) Delete(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}
