package acceptance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/runloop/cmd/engine/criteria"
	"github.com/lyzr/runloop/cmd/engine/evidence"
	"github.com/lyzr/runloop/cmd/engine/workflow"
	"github.com/lyzr/runloop/common/bus"
	"github.com/lyzr/runloop/common/config"
	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/models"
	"github.com/lyzr/runloop/common/repository"
)

type loopFixture struct {
	runs      *repository.MemoryRunRepository
	journal   *repository.MemoryEventJournal
	workflows *workflow.Store
	bus       *bus.Bus
	loop      *Loop
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	log := logger.New("error", "text")
	runs := repository.NewMemoryRunRepository()
	journal := repository.NewMemoryEventJournal()
	workflows := workflow.NewStore()
	b := bus.New(log)

	loop := NewLoop(Opts{
		Runs:      runs,
		Journal:   journal,
		Collector: evidence.NewCollector(runs, journal),
		Manager:   criteria.NewManager(log),
		Workflows: workflows,
		Bus:       b,
		Config: config.EngineConfig{
			MaxReplanAttempts:        3,
			RequireTestReportForPass: true,
		},
		Logger: log,
	})
	return &loopFixture{runs: runs, journal: journal, workflows: workflows, bus: b, loop: loop}
}

func (f *loopFixture) seedTerminalRun(t *testing.T, runID string, terminal string) {
	t.Helper()
	ctx := context.Background()

	run := repository.NewRun(runID, "proj", "wf_1")
	run.Status = models.StatusCompleted
	if terminal == models.EventWorkflowError {
		run.Status = models.StatusFailed
	}
	require.NoError(t, f.runs.Save(ctx, run))

	for _, eventType := range []string{models.EventWorkflowStart, terminal} {
		_, err := f.journal.Append(ctx, &models.RunEvent{
			RunID:   runID,
			Channel: models.ChannelExecution,
			Type:    eventType,
			Payload: map[string]any{},
		})
		require.NoError(t, err)
	}
}

func (f *loopFixture) eventCount(t *testing.T, runID string) int {
	t.Helper()
	events, err := f.journal.ListAll(context.Background(), runID)
	require.NoError(t, err)
	return len(events)
}

func TestOnRunTerminal_PassRecordsFullPipeline(t *testing.T) {
	f := newLoopFixture(t)
	f.seedTerminalRun(t, "run_pass", models.EventWorkflowComplete)

	res, err := f.loop.OnRunTerminal(context.Background(), TerminalInput{
		WorkflowID: "wf_1",
		RunID:      "run_pass",
		Attempt:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, res.Verdict)

	events, err := f.journal.ListAll(context.Background(), "run_pass")
	require.NoError(t, err)

	types := map[string]int{}
	for _, ev := range events {
		if ev.Channel == models.ChannelLifecycle {
			types[ev.Type]++
		}
	}
	assert.Equal(t, 1, types[models.EventTestReport])
	assert.Equal(t, 1, types[models.EventExecutionCompleted])
	assert.Equal(t, 1, types[models.EventReflectionRequested])
	assert.Equal(t, 1, types[models.EventReflectionCompleted])
	assert.Zero(t, types[models.EventAdjustmentRequested])
}

func TestOnRunTerminal_Idempotent(t *testing.T) {
	f := newLoopFixture(t)
	f.seedTerminalRun(t, "run_idem", models.EventWorkflowComplete)
	ctx := context.Background()

	in := TerminalInput{WorkflowID: "wf_1", RunID: "run_idem", Attempt: 1}
	first, err := f.loop.OnRunTerminal(ctx, in)
	require.NoError(t, err)
	countAfterFirst := f.eventCount(t, "run_idem")

	second, err := f.loop.OnRunTerminal(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, countAfterFirst, f.eventCount(t, "run_idem"),
		"re-running acceptance must not append new events")
}

func TestOnRunTerminal_ReplanPublishesExactlyOnce(t *testing.T) {
	f := newLoopFixture(t)
	f.seedTerminalRun(t, "run_replan", models.EventWorkflowComplete)
	ctx := context.Background()

	published := 0
	f.bus.Subscribe(bus.TypeAdjustmentRequested, func(ctx context.Context, ev bus.Event) error {
		published++
		return nil
	})

	in := TerminalInput{
		WorkflowID:   "wf_1",
		RunID:        "run_replan",
		Attempt:      1,
		UserCriteria: []string{"the export step must complete"},
	}
	first, err := f.loop.OnRunTerminal(ctx, in)
	require.NoError(t, err)
	require.Equal(t, VerdictReplan, first.Verdict)
	assert.Equal(t, 1, published)

	second, err := f.loop.OnRunTerminal(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, VerdictReplan, second.Verdict)
	assert.Equal(t, 1, published, "replan must not be re-published for the same reflection")
}

func TestOnRunTerminal_BlockedWhenRunNotTerminal(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	run := repository.NewRun("run_live", "proj", "wf_1")
	run.Status = models.StatusRunning
	require.NoError(t, f.runs.Save(ctx, run))
	_, err := f.journal.Append(ctx, &models.RunEvent{
		RunID:   "run_live",
		Channel: models.ChannelExecution,
		Type:    models.EventWorkflowStart,
		Payload: map[string]any{},
	})
	require.NoError(t, err)

	countBefore := f.eventCount(t, "run_live")
	res, err := f.loop.OnRunTerminal(ctx, TerminalInput{WorkflowID: "wf_1", RunID: "run_live", Attempt: 1})
	require.NoError(t, err)

	assert.Equal(t, VerdictBlocked, res.Verdict)
	assert.Equal(t, "run_not_terminal", res.BlockedReason)
	assert.Equal(t, countBefore, f.eventCount(t, "run_live"), "blocked acceptance must not journal anything")
}

func TestOnRunTerminal_FailedRunGetsFailingTestReport(t *testing.T) {
	f := newLoopFixture(t)
	f.seedTerminalRun(t, "run_fail", models.EventWorkflowError)

	res, err := f.loop.OnRunTerminal(context.Background(), TerminalInput{
		WorkflowID: "wf_1",
		RunID:      "run_fail",
		Attempt:    1,
	})
	require.NoError(t, err)
	assert.NotEqual(t, VerdictPass, res.Verdict)
	assert.NotEmpty(t, res.UnmetCriteria)
}

func TestOnRunTerminal_SubjectiveTaskTextNeedsUser(t *testing.T) {
	f := newLoopFixture(t)
	f.seedTerminalRun(t, "run_pretty", models.EventWorkflowComplete)

	res, err := f.loop.OnRunTerminal(context.Background(), TerminalInput{
		WorkflowID: "wf_1",
		RunID:      "run_pretty",
		Attempt:    1,
		TaskText:   "make the landing page 更漂亮",
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictNeedUser, res.Verdict)
	assert.NotEmpty(t, res.UserQuestions)
}

func TestOnRunTerminal_WorkflowDescriptionIsTaskText(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	require.NoError(t, f.workflows.Register(&workflow.Workflow{
		ID:          "wf_pretty",
		Description: "make the report prettier",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{{From: "start", To: "end"}},
	}))

	run := repository.NewRun("run_desc", "proj", "wf_pretty")
	run.Status = models.StatusCompleted
	require.NoError(t, f.runs.Save(ctx, run))
	for _, eventType := range []string{models.EventWorkflowStart, models.EventWorkflowComplete} {
		_, err := f.journal.Append(ctx, &models.RunEvent{
			RunID:   "run_desc",
			Channel: models.ChannelExecution,
			Type:    eventType,
			Payload: map[string]any{},
		})
		require.NoError(t, err)
	}

	res, err := f.loop.OnRunTerminal(ctx, TerminalInput{
		WorkflowID: "wf_pretty",
		RunID:      "run_desc",
		Attempt:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictNeedUser, res.Verdict,
		"a subjective workflow description must surface a manual criterion")
}

func TestReflectionID_Deterministic(t *testing.T) {
	a := ReflectionID("run_1", "hash_a")
	b := ReflectionID("run_1", "hash_a")
	c := ReflectionID("run_1", "hash_b")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
