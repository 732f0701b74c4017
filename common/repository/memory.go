package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/runloop/common/enginerr"
	"github.com/lyzr/runloop/common/models"
)

// MemoryRunRepository is an in-memory run store. It backs the test suite and
// the disable_run_persistence mode; semantics match the Postgres repository.
type MemoryRunRepository struct {
	mu   sync.Mutex
	runs map[string]*models.Run
}

// NewMemoryRunRepository creates an empty in-memory run repository
func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{runs: make(map[string]*models.Run)}
}

// Save upserts a run by id
func (r *MemoryRunRepository) Save(ctx context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *run
	r.runs[run.RunID] = &copied
	return nil
}

// GetByID returns the run or enginerr.ErrNotFound
func (r *MemoryRunRepository) GetByID(ctx context.Context, runID string) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return nil, enginerr.NotFound("run", runID)
	}
	copied := *run
	return &copied, nil
}

// UpdateStatusIfCurrent performs the CAS transition under the store mutex
func (r *MemoryRunRepository) UpdateStatusIfCurrent(ctx context.Context, runID string, expected, target models.RunStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok || run.Status != expected {
		return false, nil
	}

	now := time.Now().UTC()
	run.Status = target
	if target == models.StatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if target.IsTerminal() && run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	return true, nil
}

// CountByWorkflowID returns the number of runs for a workflow
func (r *MemoryRunRepository) CountByWorkflowID(ctx context.Context, workflowID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, run := range r.runs {
		if run.WorkflowID == workflowID {
			count++
		}
	}
	return count, nil
}

// ListByWorkflowID lists runs for a workflow, newest first
func (r *MemoryRunRepository) ListByWorkflowID(ctx context.Context, workflowID string, limit, offset int) ([]*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var runs []*models.Run
	for _, run := range r.runs {
		if run.WorkflowID == workflowID {
			copied := *run
			runs = append(runs, &copied)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Delete removes a run (idempotent)
func (r *MemoryRunRepository) Delete(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.runs, runID)
	return nil
}

// MemoryEventJournal is an in-memory append-only event log with the same
// dedup semantics as the Postgres journal. Event ids are monotone per run.
type MemoryEventJournal struct {
	mu     sync.Mutex
	events map[string][]*models.RunEvent
	nextID map[string]int64
}

// NewMemoryEventJournal creates an empty in-memory journal
func NewMemoryEventJournal() *MemoryEventJournal {
	return &MemoryEventJournal{
		events: make(map[string][]*models.RunEvent),
		nextID: make(map[string]int64),
	}
}

// Append inserts an event with insert-or-get dedup
func (j *MemoryEventJournal) Append(ctx context.Context, event *models.RunEvent) (*AppendResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, existing := range j.events[event.RunID] {
		if existing.Channel != event.Channel {
			continue
		}
		if event.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
			*existing.IdempotencyKey == *event.IdempotencyKey {
			copied := *existing
			return &AppendResult{Event: &copied, Deduped: true}, nil
		}
		if models.IsTerminalEventType(event.Type) && existing.Type == event.Type {
			copied := *existing
			return &AppendResult{Event: &copied, Deduped: true}, nil
		}
	}

	j.nextID[event.RunID]++

	stored := *event
	stored.EventID = j.nextID[event.RunID]
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Payload == nil {
		stored.Payload = map[string]any{}
	}
	j.events[event.RunID] = append(j.events[event.RunID], &stored)

	copied := stored
	return &AppendResult{Event: &copied, Deduped: false}, nil
}

// List returns events after cursor (exclusive), ordered by event_id
func (j *MemoryEventJournal) List(ctx context.Context, runID string, channel models.Channel, cursor int64, limit int) (*EventListPage, error) {
	if limit <= 0 {
		limit = 100
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var matched []*models.RunEvent
	for _, event := range j.events[runID] {
		if event.EventID <= cursor {
			continue
		}
		if channel != "" && event.Channel != channel {
			continue
		}
		copied := *event
		matched = append(matched, &copied)
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].EventID < matched[k].EventID
	})

	page := &EventListPage{NextCursor: cursor}
	if len(matched) > limit {
		page.HasMore = true
		matched = matched[:limit]
	}
	page.Events = matched
	if len(matched) > 0 {
		page.NextCursor = matched[len(matched)-1].EventID
	}
	return page, nil
}

// ListAll returns every event for the run ordered by event_id
func (j *MemoryEventJournal) ListAll(ctx context.Context, runID string) ([]*models.RunEvent, error) {
	page, err := j.List(ctx, runID, "", 0, 1<<30)
	if err != nil {
		return nil, err
	}
	return page.Events, nil
}
