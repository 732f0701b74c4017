package repository

import (
	"context"
	"fmt"

	"github.com/lyzr/runloop/common/db"
)

// Schema is the DDL for the run store. Run through the bootstrap DB init hook;
// every statement is idempotent so restarts are safe.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	agent_id    TEXT,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_workflow_created
	ON runs (workflow_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_events (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	channel         TEXT NOT NULL,
	type            TEXT NOT NULL,
	payload         JSONB NOT NULL DEFAULT '{}',
	idempotency_key TEXT,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_run_events_idem
	ON run_events (run_id, channel, idempotency_key)
	WHERE idempotency_key IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS uq_run_events_terminal
	ON run_events (run_id, channel, type)
	WHERE type IN ('workflow_complete', 'workflow_error');

CREATE INDEX IF NOT EXISTS idx_run_events_run_channel_type
	ON run_events (run_id, channel, type);
`

// InitSchema applies the schema; used as a bootstrap DB init hook
func InitSchema(database *db.DB) error {
	if _, err := database.Exec(context.Background(), Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
