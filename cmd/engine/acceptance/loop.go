package acceptance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lyzr/runloop/cmd/engine/criteria"
	"github.com/lyzr/runloop/cmd/engine/evidence"
	"github.com/lyzr/runloop/cmd/engine/workflow"
	"github.com/lyzr/runloop/common/bus"
	"github.com/lyzr/runloop/common/config"
	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/metrics"
	"github.com/lyzr/runloop/common/models"
	rediscommon "github.com/lyzr/runloop/common/redis"
	"github.com/lyzr/runloop/common/repository"
)

// ReplanStream is the Redis stream mirrored with adjustment requests so
// out-of-process planners can consume them
const ReplanStream = "wf.replan.requests"

// Loop drives acceptance after a run terminates: collect evidence, write
// the test report, request and record the reflection, and publish the
// REPLAN signal at most once per reflection.
type Loop struct {
	runs      repository.RunRepository
	journal   repository.EventJournal
	collector *evidence.Collector
	manager   *criteria.Manager
	workflows *workflow.Store
	bus       *bus.Bus
	redis     *rediscommon.Client
	cfg       config.EngineConfig
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// Opts configures the loop
type Opts struct {
	Runs      repository.RunRepository
	Journal   repository.EventJournal
	Collector *evidence.Collector
	Manager   *criteria.Manager
	Workflows *workflow.Store
	Bus       *bus.Bus
	Redis     *rediscommon.Client
	Config    config.EngineConfig
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// NewLoop creates the acceptance orchestrator
func NewLoop(opts Opts) *Loop {
	return &Loop{
		runs:      opts.Runs,
		journal:   opts.Journal,
		collector: opts.Collector,
		manager:   opts.Manager,
		workflows: opts.Workflows,
		bus:       opts.Bus,
		redis:     opts.Redis,
		cfg:       opts.Config,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
}

// TerminalInput identifies one terminated run attempt
type TerminalInput struct {
	WorkflowID   string
	RunID        string
	Attempt      int
	UserCriteria []string
	PlanCriteria []string

	// TaskText overrides the workflow description as the task text the
	// criteria snapshot is built from
	TaskText string

	// TestsPassed overrides the derived test outcome when set
	TestsPassed *bool

	// PreviousUnmetIDs enables the loop guard across attempts
	PreviousUnmetIDs []string
}

// ReflectionID derives the deterministic reflection identity for a run
// and criteria set
func ReflectionID(runID, criteriaHash string) string {
	sum := sha256.Sum256([]byte(runID + "|" + criteriaHash + "|v1"))
	return hex.EncodeToString(sum[:])
}

// OnRunTerminal runs the acceptance pipeline for a terminated run. The
// whole pipeline is idempotent per reflection id: re-invoking it for the
// same run and criteria returns the recorded verdict without new side
// effects.
func (l *Loop) OnRunTerminal(ctx context.Context, in TerminalInput) (*Result, error) {
	log := l.log.WithRunID(in.RunID).WithWorkflowID(in.WorkflowID)

	// 1-2. Build the criteria snapshot and reflection identity, using the
	// workflow description as the task text unless the caller overrode it
	taskText := in.TaskText
	if taskText == "" && l.workflows != nil {
		if wf, err := l.workflows.Get(in.WorkflowID); err == nil {
			taskText = wf.Description
		}
	}
	snap := l.manager.BuildSnapshot(taskText, in.UserCriteria, in.PlanCriteria)
	reflectionID := ReflectionID(in.RunID, snap.CriteriaHash)
	log = log.WithReflectionID(reflectionID)

	// 3. Already reflected? Re-evaluate from the journal and return.
	if recorded, ok, err := l.findRecordedReflection(ctx, in.RunID, reflectionID); err != nil {
		return nil, err
	} else if ok {
		log.Info("reflection already recorded, returning stored verdict", "verdict", recorded.Verdict)
		return recorded, nil
	}

	// 4. Evidence. A run without a terminal event cannot be accepted.
	ev, err := l.collector.Collect(ctx, in.RunID)
	if err != nil {
		return nil, err
	}
	if !ev.HasTerminal() {
		log.Warn("acceptance requested for non-terminal run")
		return &Result{Verdict: VerdictBlocked, BlockedReason: "run_not_terminal", EvidenceMap: map[string][]string{}}, nil
	}

	// 5. Test report
	testsPassed, testReportRef, err := l.appendTestReport(ctx, in, ev, reflectionID)
	if err != nil {
		return nil, err
	}

	// 6. Execution-completed marker
	if err := l.appendLifecycle(ctx, in.RunID, models.EventExecutionCompleted,
		"execution_completed:"+reflectionID, map[string]any{
			"reflection_id":    reflectionID,
			"run_id":           in.RunID,
			"workflow_id":      in.WorkflowID,
			"attempt":          in.Attempt,
			"run_event_refs":   ev.RunEventRefs,
			"test_report_ref":  testReportRef,
			"confirm_required": ev.Summary.ConfirmRequired,
		}); err != nil {
		return nil, err
	}

	// 7. Reflection request with the frozen criteria snapshot
	if err := l.appendLifecycle(ctx, in.RunID, models.EventReflectionRequested,
		"reflection_requested:"+reflectionID, map[string]any{
			"reflection_id":     reflectionID,
			"criteria_hash":     snap.CriteriaHash,
			"criteria_snapshot": snap,
		}); err != nil {
		return nil, err
	}

	// 8. Evaluate and record
	result := Evaluate(Input{
		Criteria:          snap,
		Evidence:          ev,
		Attempt:           in.Attempt,
		MaxReplanAttempts: l.cfg.MaxReplanAttempts,
		PreviousUnmetIDs:  in.PreviousUnmetIDs,
		TestsPassed:       testsPassed,
		TestReportRef:     testReportRef,
		RequireTestReport: l.cfg.RequireTestReportForPass,
	})

	if err := l.appendLifecycle(ctx, in.RunID, models.EventReflectionCompleted,
		"reflection_completed:"+reflectionID, map[string]any{
			"reflection_id":      reflectionID,
			"verdict":            string(result.Verdict),
			"unmet_criteria":     result.UnmetCriteria,
			"evidence_map":       result.EvidenceMap,
			"missing_evidence":   result.MissingEvidence,
			"user_questions":     result.UserQuestions,
			"replan_constraints": result.ReplanConstraints,
			"test_report_ref":    testReportRef,
			"blocked_reason":     result.BlockedReason,
		}); err != nil {
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.Verdicts.WithLabelValues(string(result.Verdict)).Inc()
	}
	log.Info("reflection recorded", "verdict", result.Verdict, "unmet", len(result.UnmetCriteria))

	// 9. REPLAN: journal row is the witness; publish only on first append
	if result.Verdict == VerdictReplan {
		if err := l.publishReplan(ctx, in, reflectionID, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// findRecordedReflection scans the lifecycle channel for a completed
// reflection with this id and rebuilds its result
func (l *Loop) findRecordedReflection(ctx context.Context, runID, reflectionID string) (*Result, bool, error) {
	events, err := l.journal.ListAll(ctx, runID)
	if err != nil {
		return nil, false, fmt.Errorf("scan reflections for %s: %w", runID, err)
	}
	for _, ev := range events {
		if ev.Channel != models.ChannelLifecycle || ev.Type != models.EventReflectionCompleted {
			continue
		}
		if id, _ := ev.Payload["reflection_id"].(string); id != reflectionID {
			continue
		}
		return resultFromPayload(ev.Payload), true, nil
	}
	return nil, false, nil
}

func resultFromPayload(p map[string]any) *Result {
	res := &Result{
		EvidenceMap: map[string][]string{},
	}
	if v, _ := p["verdict"].(string); v != "" {
		res.Verdict = Verdict(v)
	}
	res.UnmetCriteria = toStrings(p["unmet_criteria"])
	res.MissingEvidence = toStrings(p["missing_evidence"])
	res.UserQuestions = toStrings(p["user_questions"])
	res.ReplanConstraints = toStrings(p["replan_constraints"])
	res.BlockedReason, _ = p["blocked_reason"].(string)
	if em, ok := p["evidence_map"].(map[string]any); ok {
		for k, v := range em {
			res.EvidenceMap[k] = toStrings(v)
		}
	}
	return res
}

// toStrings tolerates both []string (memory journal) and []any (rows
// round-tripped through jsonb)
func toStrings(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// appendTestReport derives the deterministic test checks from evidence
// and journals the report. Returns the pass flag and the report ref.
func (l *Loop) appendTestReport(ctx context.Context, in TerminalInput, ev *evidence.Snapshot, reflectionID string) (bool, string, error) {
	type check struct {
		Name   string `json:"name"`
		Passed bool   `json:"passed"`
	}
	checks := []check{
		{Name: "terminal_event_is_workflow_complete", Passed: ev.Summary.TerminalEventType == models.EventWorkflowComplete},
	}
	if ev.Summary.ConfirmRequired {
		checks = append(checks, check{Name: "side_effect_confirmed", Passed: ev.Summary.ConfirmDecision == "allow"})
	}

	passed := true
	for _, c := range checks {
		passed = passed && c.Passed
	}
	if in.TestsPassed != nil {
		passed = *in.TestsPassed
	}

	status := "failed"
	if passed {
		status = "passed"
	}

	key := "test_report:" + reflectionID
	event := &models.RunEvent{
		RunID:          in.RunID,
		Channel:        models.ChannelLifecycle,
		Type:           models.EventTestReport,
		IdempotencyKey: &key,
		Payload: map[string]any{
			"reflection_id": reflectionID,
			"status":        status,
			"checks":        checks,
		},
	}
	res, err := l.journal.Append(ctx, event)
	if err != nil {
		return false, "", fmt.Errorf("append test report for %s: %w", in.RunID, err)
	}
	if l.metrics != nil && !res.Deduped {
		l.metrics.EventsAppended.WithLabelValues(string(models.ChannelLifecycle)).Inc()
	}
	return passed, res.Event.Ref(), nil
}

func (l *Loop) appendLifecycle(ctx context.Context, runID, eventType, key string, payload map[string]any) error {
	// Round-trip through JSON so stored payloads have the same shape in
	// every journal implementation
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("normalize %s payload: %w", eventType, err)
	}

	res, err := l.journal.Append(ctx, &models.RunEvent{
		RunID:          runID,
		Channel:        models.ChannelLifecycle,
		Type:           eventType,
		IdempotencyKey: &key,
		Payload:        normalized,
	})
	if err != nil {
		return fmt.Errorf("append %s for %s: %w", eventType, runID, err)
	}
	if l.metrics != nil && !res.Deduped {
		l.metrics.EventsAppended.WithLabelValues(string(models.ChannelLifecycle)).Inc()
	}
	return nil
}

// publishReplan appends the adjustment-requested row and, only when this
// call inserted it, signals the planner over the bus and the Redis stream
func (l *Loop) publishReplan(ctx context.Context, in TerminalInput, reflectionID string, result *Result) error {
	key := "adjustment_requested:" + reflectionID
	res, err := l.journal.Append(ctx, &models.RunEvent{
		RunID:          in.RunID,
		Channel:        models.ChannelLifecycle,
		Type:           models.EventAdjustmentRequested,
		IdempotencyKey: &key,
		Payload: map[string]any{
			"reflection_id":      reflectionID,
			"workflow_id":        in.WorkflowID,
			"next_attempt":       in.Attempt + 1,
			"unmet_criteria":     result.UnmetCriteria,
			"missing_evidence":   result.MissingEvidence,
			"replan_constraints": result.ReplanConstraints,
		},
	})
	if err != nil {
		return fmt.Errorf("append adjustment request for %s: %w", in.RunID, err)
	}
	if res.Deduped {
		return nil
	}

	adjustment := &bus.WorkflowAdjustmentRequestedEvent{
		WorkflowID:       in.WorkflowID,
		RunID:            in.RunID,
		FromReflectionID: reflectionID,
		NextAttempt:      in.Attempt + 1,
		UnmetCriteria:    result.UnmetCriteria,
		MissingEvidence:  result.MissingEvidence,
		Constraints:      result.ReplanConstraints,
	}
	if l.bus != nil {
		if err := l.bus.Publish(ctx, adjustment); err != nil {
			l.log.Error("failed to publish adjustment request", "run_id", in.RunID, "error", err)
		}
	}
	if l.redis != nil {
		raw, _ := json.Marshal(adjustment)
		if _, err := l.redis.AddToStream(ctx, ReplanStream, map[string]any{
			"run_id":        in.RunID,
			"workflow_id":   in.WorkflowID,
			"reflection_id": reflectionID,
			"payload":       string(raw),
		}); err != nil {
			l.log.Warn("failed to mirror adjustment request to stream", "run_id", in.RunID, "error", err)
		}
	}
	return nil
}
