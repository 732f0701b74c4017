package engine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/lyzr/runloop/common/models"
	"github.com/lyzr/runloop/common/repository"
)

// BenchmarkRunClaim measures the CAS claim on the in-memory repository,
// including the losing path once the run is claimed.
func BenchmarkRunClaim(b *testing.B) {
	ctx := context.Background()
	runs := repository.NewMemoryRunRepository()
	for i := 0; i < b.N; i++ {
		runID := fmt.Sprintf("run_%d", i)
		_ = runs.Save(ctx, repository.NewRun(runID, "bench", "wf_bench"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		runID := fmt.Sprintf("run_%d", i)
		ok, err := runs.UpdateStatusIfCurrent(ctx, runID, models.StatusCreated, models.StatusRunning)
		if err != nil || !ok {
			b.Fatalf("claim failed for %s", runID)
		}
	}
}

// BenchmarkRunClaimContended measures CAS throughput when every goroutine
// races for the same fresh run; exactly one claim may win per run.
func BenchmarkRunClaimContended(b *testing.B) {
	ctx := context.Background()
	runs := repository.NewMemoryRunRepository()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			runID := fmt.Sprintf("run_%d", i)
			i++
			_ = runs.Save(ctx, repository.NewRun(runID, "bench", "wf_bench"))
			_, _ = runs.UpdateStatusIfCurrent(ctx, runID, models.StatusCreated, models.StatusRunning)
		}
	})
}

// BenchmarkJournalAppend measures sequential event appends on one run.
func BenchmarkJournalAppend(b *testing.B) {
	ctx := context.Background()
	journal := repository.NewMemoryEventJournal()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := journal.Append(ctx, &models.RunEvent{
			RunID:   "run_bench",
			Channel: models.ChannelExecution,
			Type:    models.EventNodeComplete,
			Payload: map[string]any{"i": i},
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkJournalTerminalDedup measures the dedup fast path: every append
// after the first resolves to the existing terminal row.
func BenchmarkJournalTerminalDedup(b *testing.B) {
	ctx := context.Background()
	journal := repository.NewMemoryEventJournal()
	_, _ = journal.Append(ctx, &models.RunEvent{
		RunID:   "run_bench",
		Channel: models.ChannelExecution,
		Type:    models.EventWorkflowComplete,
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := journal.Append(ctx, &models.RunEvent{
			RunID:   "run_bench",
			Channel: models.ChannelExecution,
			Type:    models.EventWorkflowComplete,
		})
		if err != nil || !res.Deduped {
			b.Fatal("expected deduped terminal append")
		}
	}
}
