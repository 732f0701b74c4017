package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/runloop/common/enginerr"
	"github.com/lyzr/runloop/common/models"
)

func strPtr(s string) *string { return &s }

func TestRunRepository_SaveAndGet(t *testing.T) {
	r := NewMemoryRunRepository()
	ctx := context.Background()

	require.NoError(t, r.Save(ctx, NewRun("run_1", "proj", "wf_1")))

	run, err := r.GetByID(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, run.Status)
	assert.Equal(t, "wf_1", run.WorkflowID)

	_, err = r.GetByID(ctx, "run_missing")
	assert.ErrorIs(t, err, enginerr.ErrNotFound)
}

func TestRunRepository_StatusIsMonotone(t *testing.T) {
	r := NewMemoryRunRepository()
	ctx := context.Background()
	require.NoError(t, r.Save(ctx, NewRun("run_1", "proj", "wf_1")))

	ok, err := r.UpdateStatusIfCurrent(ctx, "run_1", models.StatusCreated, models.StatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	// The losing side of a claim race
	ok, err = r.UpdateStatusIfCurrent(ctx, "run_1", models.StatusCreated, models.StatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.UpdateStatusIfCurrent(ctx, "run_1", models.StatusRunning, models.StatusFailed)
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal status is absorbing
	ok, err = r.UpdateStatusIfCurrent(ctx, "run_1", models.StatusRunning, models.StatusCompleted)
	require.NoError(t, err)
	assert.False(t, ok)

	run, err := r.GetByID(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, run.Status)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)
}

func TestRunRepository_ListByWorkflowPaginates(t *testing.T) {
	r := NewMemoryRunRepository()
	ctx := context.Background()
	for _, id := range []string{"run_a", "run_b", "run_c"} {
		require.NoError(t, r.Save(ctx, NewRun(id, "proj", "wf_1")))
	}
	require.NoError(t, r.Save(ctx, NewRun("run_other", "proj", "wf_2")))

	count, err := r.CountByWorkflowID(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	page, err := r.ListByWorkflowID(ctx, "wf_1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := r.ListByWorkflowID(ctx, "wf_1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	empty, err := r.ListByWorkflowID(ctx, "wf_1", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeriveRunID_Deterministic(t *testing.T) {
	a := DeriveRunID("proj", "wf_1", "key")
	b := DeriveRunID("proj", "wf_1", "key")
	c := DeriveRunID("proj", "wf_1", "other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestJournal_AppendAssignsMonotoneIDs(t *testing.T) {
	j := NewMemoryEventJournal()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := j.Append(ctx, &models.RunEvent{
			RunID:   "run_1",
			Channel: models.ChannelExecution,
			Type:    models.EventNodeStart,
		})
		require.NoError(t, err)
		assert.False(t, res.Deduped)
		assert.Equal(t, int64(i+1), res.Event.EventID)
	}

	// A second run has its own id sequence
	res, err := j.Append(ctx, &models.RunEvent{
		RunID:   "run_2",
		Channel: models.ChannelExecution,
		Type:    models.EventNodeStart,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Event.EventID)
}

func TestJournal_KeyedDedupReturnsExistingRow(t *testing.T) {
	j := NewMemoryEventJournal()
	ctx := context.Background()

	first, err := j.Append(ctx, &models.RunEvent{
		RunID:          "run_1",
		Channel:        models.ChannelLifecycle,
		Type:           models.EventTestReport,
		IdempotencyKey: strPtr("test_report:run_1"),
		Payload:        map[string]any{"passed": true},
	})
	require.NoError(t, err)
	require.False(t, first.Deduped)

	second, err := j.Append(ctx, &models.RunEvent{
		RunID:          "run_1",
		Channel:        models.ChannelLifecycle,
		Type:           models.EventTestReport,
		IdempotencyKey: strPtr("test_report:run_1"),
		Payload:        map[string]any{"passed": false},
	})
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.Event.EventID, second.Event.EventID)
	assert.Equal(t, true, second.Event.Payload["passed"], "the first write wins")
}

func TestJournal_KeyedDedupIsPerChannel(t *testing.T) {
	j := NewMemoryEventJournal()
	ctx := context.Background()

	a, err := j.Append(ctx, &models.RunEvent{
		RunID:          "run_1",
		Channel:        models.ChannelExecution,
		Type:           models.EventWorkflowStart,
		IdempotencyKey: strPtr("shared_key"),
	})
	require.NoError(t, err)
	require.False(t, a.Deduped)

	b, err := j.Append(ctx, &models.RunEvent{
		RunID:          "run_1",
		Channel:        models.ChannelLifecycle,
		Type:           models.EventExecutionCompleted,
		IdempotencyKey: strPtr("shared_key"),
	})
	require.NoError(t, err)
	assert.False(t, b.Deduped)
}

func TestJournal_TerminalDedupByType(t *testing.T) {
	j := NewMemoryEventJournal()
	ctx := context.Background()

	first, err := j.Append(ctx, &models.RunEvent{
		RunID:   "run_1",
		Channel: models.ChannelExecution,
		Type:    models.EventWorkflowComplete,
	})
	require.NoError(t, err)
	require.False(t, first.Deduped)

	dup, err := j.Append(ctx, &models.RunEvent{
		RunID:   "run_1",
		Channel: models.ChannelExecution,
		Type:    models.EventWorkflowComplete,
	})
	require.NoError(t, err)
	assert.True(t, dup.Deduped)
	assert.Equal(t, first.Event.EventID, dup.Event.EventID)

	// Non-terminal types may repeat freely
	x, err := j.Append(ctx, &models.RunEvent{
		RunID:   "run_1",
		Channel: models.ChannelExecution,
		Type:    models.EventNodeStart,
	})
	require.NoError(t, err)
	y, err := j.Append(ctx, &models.RunEvent{
		RunID:   "run_1",
		Channel: models.ChannelExecution,
		Type:    models.EventNodeStart,
	})
	require.NoError(t, err)
	assert.False(t, x.Deduped)
	assert.False(t, y.Deduped)
}

func TestJournal_CursorPaginationReconstructsStream(t *testing.T) {
	j := NewMemoryEventJournal()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := j.Append(ctx, &models.RunEvent{
			RunID:   "run_1",
			Channel: models.ChannelExecution,
			Type:    models.EventNodeComplete,
			Payload: map[string]any{"i": i},
		})
		require.NoError(t, err)
	}

	var paged []*models.RunEvent
	cursor := int64(0)
	for {
		page, err := j.List(ctx, "run_1", models.ChannelExecution, cursor, 3)
		require.NoError(t, err)
		paged = append(paged, page.Events...)
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	all, err := j.ListAll(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, paged, len(all))
	for i := range all {
		assert.Equal(t, all[i].EventID, paged[i].EventID)
		assert.Equal(t, all[i].Payload, paged[i].Payload)
	}
}

func TestJournal_ChannelFilter(t *testing.T) {
	j := NewMemoryEventJournal()
	ctx := context.Background()

	_, err := j.Append(ctx, &models.RunEvent{RunID: "run_1", Channel: models.ChannelExecution, Type: models.EventWorkflowStart})
	require.NoError(t, err)
	_, err = j.Append(ctx, &models.RunEvent{RunID: "run_1", Channel: models.ChannelLifecycle, Type: models.EventExecutionCompleted})
	require.NoError(t, err)

	page, err := j.List(ctx, "run_1", models.ChannelLifecycle, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, models.EventExecutionCompleted, page.Events[0].Type)
}

func TestEventRef_Format(t *testing.T) {
	assert.Equal(t, "ev:run_1:42", models.EventRef("run_1", 42))
}
