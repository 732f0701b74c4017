package evidence

import (
	"context"
	"fmt"
	"sort"

	"github.com/lyzr/runloop/common/models"
	"github.com/lyzr/runloop/common/repository"
)

// ExecutionSummary is the derived view of a run's execution channel
type ExecutionSummary struct {
	TerminalEventType string              `json:"terminal_event_type"`
	TypeCounts        map[string]int      `json:"type_counts"`
	RefsByType        map[string][]string `json:"refs_by_type"`
	ConfirmRequired   bool                `json:"confirm_required"`
	ConfirmDecision   string              `json:"confirm_decision,omitempty"`
	FirstEventID      int64               `json:"first_event_id"`
	LastEventID       int64               `json:"last_event_id"`
}

// Snapshot is the deterministic evidence bundle for one run. Building it
// twice over the same journal yields identical snapshots.
type Snapshot struct {
	RunID        string           `json:"run_id"`
	RunStatus    models.RunStatus `json:"run_status"`
	RunEventRefs []string         `json:"run_event_refs"`
	Summary      ExecutionSummary `json:"summary"`
}

// HasTerminal reports whether the run reached a terminal execution event
func (s *Snapshot) HasTerminal() bool {
	return s.Summary.TerminalEventType != ""
}

// Succeeded reports whether the run terminated with workflow_complete and,
// when confirmation was required, the user allowed it
func (s *Snapshot) Succeeded() bool {
	if s.Summary.TerminalEventType != models.EventWorkflowComplete {
		return false
	}
	if s.Summary.ConfirmRequired && s.Summary.ConfirmDecision != "allow" {
		return false
	}
	return true
}

// Collector reads runs and journals into evidence snapshots
type Collector struct {
	runs    repository.RunRepository
	journal repository.EventJournal
}

// NewCollector creates a collector
func NewCollector(runs repository.RunRepository, journal repository.EventJournal) *Collector {
	return &Collector{runs: runs, journal: journal}
}

// Collect builds the evidence snapshot for a run from its execution
// channel. The journal is the sole source; no live state is consulted.
func (c *Collector) Collect(ctx context.Context, runID string) (*Snapshot, error) {
	run, err := c.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("collect evidence for %s: %w", runID, err)
	}

	all, err := c.journal.ListAll(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("collect evidence for %s: %w", runID, err)
	}
	events := make([]*models.RunEvent, 0, len(all))
	for _, ev := range all {
		if ev.Channel == models.ChannelExecution {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].EventID < events[j].EventID })

	snap := &Snapshot{
		RunID:     runID,
		RunStatus: run.Status,
		Summary: ExecutionSummary{
			TypeCounts: make(map[string]int),
			RefsByType: make(map[string][]string),
		},
	}

	for _, ev := range events {
		ref := ev.Ref()
		snap.RunEventRefs = append(snap.RunEventRefs, ref)
		snap.Summary.TypeCounts[ev.Type]++
		snap.Summary.RefsByType[ev.Type] = append(snap.Summary.RefsByType[ev.Type], ref)

		if snap.Summary.FirstEventID == 0 {
			snap.Summary.FirstEventID = ev.EventID
		}
		snap.Summary.LastEventID = ev.EventID

		switch ev.Type {
		case models.EventConfirmRequired:
			snap.Summary.ConfirmRequired = true
		case models.EventConfirmed:
			if d, ok := ev.Payload["decision"].(string); ok {
				snap.Summary.ConfirmDecision = d
			}
		}
	}

	// workflow_complete wins when both terminals somehow exist
	if snap.Summary.TypeCounts[models.EventWorkflowComplete] > 0 {
		snap.Summary.TerminalEventType = models.EventWorkflowComplete
	} else if snap.Summary.TypeCounts[models.EventWorkflowError] > 0 {
		snap.Summary.TerminalEventType = models.EventWorkflowError
	}

	return snap, nil
}
