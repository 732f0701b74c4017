package evidence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/runloop/common/models"
	"github.com/lyzr/runloop/common/repository"
)

func seedRun(t *testing.T, runs *repository.MemoryRunRepository, journal *repository.MemoryEventJournal, runID string, events []*models.RunEvent) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, runs.Save(ctx, repository.NewRun(runID, "proj", "wf_1")))
	for _, ev := range events {
		ev.RunID = runID
		_, err := journal.Append(ctx, ev)
		require.NoError(t, err)
	}
}

func TestCollect_SummarizesExecutionChannel(t *testing.T) {
	runs := repository.NewMemoryRunRepository()
	journal := repository.NewMemoryEventJournal()
	seedRun(t, runs, journal, "run_1", []*models.RunEvent{
		{Channel: models.ChannelExecution, Type: models.EventWorkflowStart, Payload: map[string]any{}},
		{Channel: models.ChannelExecution, Type: models.EventNodeStart, Payload: map[string]any{"node_id": "start"}},
		{Channel: models.ChannelExecution, Type: models.EventNodeComplete, Payload: map[string]any{"node_id": "start"}},
		{Channel: models.ChannelExecution, Type: models.EventWorkflowComplete, Payload: map[string]any{}},
		{Channel: models.ChannelLifecycle, Type: models.EventTestReport, Payload: map[string]any{}},
	})

	snap, err := NewCollector(runs, journal).Collect(context.Background(), "run_1")
	require.NoError(t, err)

	assert.Equal(t, models.EventWorkflowComplete, snap.Summary.TerminalEventType)
	assert.True(t, snap.HasTerminal())
	assert.True(t, snap.Succeeded())
	assert.Len(t, snap.RunEventRefs, 4, "lifecycle events are not execution evidence")
	assert.Equal(t, 1, snap.Summary.TypeCounts[models.EventNodeComplete])
	assert.NotZero(t, snap.Summary.FirstEventID)
	assert.Greater(t, snap.Summary.LastEventID, snap.Summary.FirstEventID)
}

func TestCollect_Deterministic(t *testing.T) {
	runs := repository.NewMemoryRunRepository()
	journal := repository.NewMemoryEventJournal()
	seedRun(t, runs, journal, "run_1", []*models.RunEvent{
		{Channel: models.ChannelExecution, Type: models.EventWorkflowStart, Payload: map[string]any{}},
		{Channel: models.ChannelExecution, Type: models.EventWorkflowError, Payload: map[string]any{"reason": "boom"}},
	})

	c := NewCollector(runs, journal)
	a, err := c.Collect(context.Background(), "run_1")
	require.NoError(t, err)
	b, err := c.Collect(context.Background(), "run_1")
	require.NoError(t, err)

	assert.Equal(t, a.RunEventRefs, b.RunEventRefs)
	assert.Equal(t, a.Summary, b.Summary)
}

func TestCollect_ConfirmDecisionExtracted(t *testing.T) {
	runs := repository.NewMemoryRunRepository()
	journal := repository.NewMemoryEventJournal()
	seedRun(t, runs, journal, "run_1", []*models.RunEvent{
		{Channel: models.ChannelExecution, Type: models.EventConfirmRequired, Payload: map[string]any{"confirm_id": "cfm_1"}},
		{Channel: models.ChannelExecution, Type: models.EventConfirmed, Payload: map[string]any{"confirm_id": "cfm_1", "decision": "deny"}},
		{Channel: models.ChannelExecution, Type: models.EventWorkflowError, Payload: map[string]any{"reason": "user_denied"}},
	})

	snap, err := NewCollector(runs, journal).Collect(context.Background(), "run_1")
	require.NoError(t, err)

	assert.True(t, snap.Summary.ConfirmRequired)
	assert.Equal(t, "deny", snap.Summary.ConfirmDecision)
	assert.False(t, snap.Succeeded())
}

func TestCollect_UnknownRun(t *testing.T) {
	runs := repository.NewMemoryRunRepository()
	journal := repository.NewMemoryEventJournal()

	_, err := NewCollector(runs, journal).Collect(context.Background(), "run_missing")
	assert.Error(t, err)
}

func TestCollect_NoTerminal(t *testing.T) {
	runs := repository.NewMemoryRunRepository()
	journal := repository.NewMemoryEventJournal()
	seedRun(t, runs, journal, "run_1", []*models.RunEvent{
		{Channel: models.ChannelExecution, Type: models.EventWorkflowStart, Payload: map[string]any{}},
	})

	snap, err := NewCollector(runs, journal).Collect(context.Background(), "run_1")
	require.NoError(t, err)
	assert.False(t, snap.HasTerminal())
}
