package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/runloop/common/db"
	"github.com/lyzr/runloop/common/models"
)

// PgEventJournal is the Postgres-backed append-only run event log
type PgEventJournal struct {
	db *db.DB
}

// NewPgEventJournal creates a new Postgres-backed event journal
func NewPgEventJournal(database *db.DB) *PgEventJournal {
	return &PgEventJournal{db: database}
}

// Append inserts an event. Dedup relies on the unique indexes declared in
// schema.go: (run_id, channel, idempotency_key) for keyed rows, and
// (run_id, channel, type) restricted to terminal types for unkeyed terminals.
func (j *PgEventJournal) Append(ctx context.Context, event *models.RunEvent) (*AppendResult, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO run_events (run_id, channel, type, payload, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at
	`

	err = j.db.QueryRow(ctx, query,
		event.RunID,
		event.Channel,
		event.Type,
		payloadJSON,
		event.IdempotencyKey,
		event.CreatedAt,
	).Scan(&event.EventID, &event.CreatedAt)

	if err == nil {
		return &AppendResult{Event: event, Deduped: false}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	// Insert hit a unique constraint; return the existing row.
	existing, err := j.findExisting(ctx, event)
	if err != nil {
		return nil, err
	}
	return &AppendResult{Event: existing, Deduped: true}, nil
}

func (j *PgEventJournal) findExisting(ctx context.Context, event *models.RunEvent) (*models.RunEvent, error) {
	var (
		query string
		args  []any
	)

	if event.IdempotencyKey != nil {
		query = `
			SELECT id, run_id, channel, type, payload, idempotency_key, created_at
			FROM run_events
			WHERE run_id = $1 AND channel = $2 AND idempotency_key = $3
		`
		args = []any{event.RunID, event.Channel, *event.IdempotencyKey}
	} else {
		query = `
			SELECT id, run_id, channel, type, payload, idempotency_key, created_at
			FROM run_events
			WHERE run_id = $1 AND channel = $2 AND type = $3
			ORDER BY id ASC
			LIMIT 1
		`
		args = []any{event.RunID, event.Channel, event.Type}
	}

	row, err := j.scanOne(ctx, query, args...)
	if errors.Is(err, pgx.ErrNoRows) && event.IdempotencyKey != nil && models.IsTerminalEventType(event.Type) {
		// A keyed terminal can collide with an earlier terminal written under a
		// different key; the first terminal wins.
		return j.findExisting(ctx, &models.RunEvent{
			RunID:   event.RunID,
			Channel: event.Channel,
			Type:    event.Type,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deduped event: %w", err)
	}
	return row, nil
}

func (j *PgEventJournal) scanOne(ctx context.Context, query string, args ...any) (*models.RunEvent, error) {
	event := &models.RunEvent{}
	var payloadJSON []byte

	err := j.db.QueryRow(ctx, query, args...).Scan(
		&event.EventID,
		&event.RunID,
		&event.Channel,
		&event.Type,
		&payloadJSON,
		&event.IdempotencyKey,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return event, nil
}

// List returns events after cursor (exclusive), ordered by event_id
func (j *PgEventJournal) List(ctx context.Context, runID string, channel models.Channel, cursor int64, limit int) (*EventListPage, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, run_id, channel, type, payload, idempotency_key, created_at
		FROM run_events
		WHERE run_id = $1 AND id > $2 AND ($3 = '' OR channel = $3)
		ORDER BY id ASC
		LIMIT $4
	`

	// Fetch one extra row to compute has_more without a second query
	rows, err := j.db.Query(ctx, query, runID, cursor, string(channel), limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.RunEvent
	for rows.Next() {
		event := &models.RunEvent{}
		var payloadJSON []byte
		err := rows.Scan(
			&event.EventID,
			&event.RunID,
			&event.Channel,
			&event.Type,
			&payloadJSON,
			&event.IdempotencyKey,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	page := &EventListPage{NextCursor: cursor}
	if len(events) > limit {
		page.HasMore = true
		events = events[:limit]
	}
	page.Events = events
	if len(events) > 0 {
		page.NextCursor = events[len(events)-1].EventID
	}
	return page, nil
}

// ListAll returns every event for the run ordered by event_id
func (j *PgEventJournal) ListAll(ctx context.Context, runID string) ([]*models.RunEvent, error) {
	var all []*models.RunEvent
	cursor := int64(0)
	for {
		page, err := j.List(ctx, runID, "", cursor, 500)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Events...)
		if !page.HasMore {
			return all, nil
		}
		cursor = page.NextCursor
	}
}
