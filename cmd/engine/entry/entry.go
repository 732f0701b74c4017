package entry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lyzr/runloop/cmd/engine/confirm"
	"github.com/lyzr/runloop/cmd/engine/kernel"
	"github.com/lyzr/runloop/cmd/engine/workflow"
	"github.com/lyzr/runloop/common/config"
	"github.com/lyzr/runloop/common/enginerr"
	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/metrics"
	"github.com/lyzr/runloop/common/models"
	"github.com/lyzr/runloop/common/repository"
)

// Entry is the single entry point for run execution. Everything that
// executes a workflow against a run goes through Prepare and Stream.
type Entry struct {
	workflows *workflow.Store
	validator *workflow.Validator
	kernel    *kernel.Kernel
	confirms  *confirm.Store
	runs      repository.RunRepository
	journal   repository.EventJournal
	sink      Sink
	patcher   *Patcher
	cfg       config.EngineConfig
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// Opts configures the entry
type Opts struct {
	Workflows *workflow.Store
	Validator *workflow.Validator
	Kernel    *kernel.Kernel
	Confirms  *confirm.Store
	Runs      repository.RunRepository
	Journal   repository.EventJournal

	// Sink receives per-attempt kernel events. Nil means the journal
	// itself, which persists synchronously before every yield.
	Sink Sink

	Patcher *Patcher
	Config  config.EngineConfig
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// New creates the execution entry
func New(opts Opts) *Entry {
	sink := Sink(opts.Journal)
	if opts.Sink != nil {
		sink = opts.Sink
	}
	return &Entry{
		workflows: opts.Workflows,
		validator: opts.Validator,
		kernel:    opts.Kernel,
		confirms:  opts.Confirms,
		runs:      opts.Runs,
		journal:   opts.Journal,
		sink:      sink,
		patcher:   opts.Patcher,
		cfg:       opts.Config,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
}

// PrepareRequest identifies the workflow, run and inputs of one execution
// attempt
type PrepareRequest struct {
	WorkflowID         string
	RunID              string
	Input              map[string]any
	CorrelationID      string
	OriginalDecisionID string
}

// Execution is a claimed run ready to stream. Obtained from Prepare.
type Execution struct {
	entry *Entry
	wf    *workflow.Workflow
	run   *models.Run
	input map[string]any
	log   *logger.Logger

	correlationID     string
	startedAt         time.Time
	terminalPersisted bool
}

// Prepare validates the workflow, gates the run and claims it. On any
// rejection no run state has changed and no events exist. A successful
// Prepare has moved the run to running and journaled workflow_start; the
// caller must Stream it to completion.
func (e *Entry) Prepare(ctx context.Context, req PrepareRequest) (*Execution, error) {
	wf, err := e.workflows.Get(req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if err := e.validator.ValidateForExecution(wf); err != nil {
		return nil, err
	}

	run, err := e.runs.GetByID(ctx, req.RunID)
	if err != nil {
		if errorsIsNotFound(err) {
			return nil, enginerr.NewGate(enginerr.CodeRunNotFound, req.RunID, "run does not exist")
		}
		return nil, err
	}
	if run.WorkflowID != wf.ID {
		return nil, enginerr.NewGate(enginerr.CodeRunWrongWorkflow, run.RunID,
			"run belongs to workflow %s, not %s", run.WorkflowID, wf.ID)
	}
	if !run.Status.CanClaim() {
		return nil, enginerr.NewGate(enginerr.CodeRunNotExecutable, run.RunID,
			"run is %s and cannot be executed", run.Status)
	}

	exec := &Execution{
		entry:         e,
		wf:            wf,
		run:           run,
		input:         req.Input,
		correlationID: req.CorrelationID,
		log:           e.log.WithRunID(run.RunID).WithWorkflowID(wf.ID),
	}

	gateReq := kernel.GateRequest{
		WorkflowID:         wf.ID,
		RunID:              run.RunID,
		CorrelationID:      req.CorrelationID,
		OriginalDecisionID: req.OriginalDecisionID,
	}
	err = e.kernel.GateExecute(ctx, gateReq, func(ctx context.Context) error {
		claimed, cerr := e.runs.UpdateStatusIfCurrent(ctx, run.RunID, run.Status, models.StatusRunning)
		if cerr != nil {
			return fmt.Errorf("claim run %s: %w", run.RunID, cerr)
		}
		if !claimed {
			return enginerr.NewGate(enginerr.CodeDuplicateExecution, run.RunID,
				"run was claimed by a concurrent execution")
		}
		exec.startedAt = time.Now()

		key := "workflow_start"
		_, aerr := e.appendExecution(ctx, run.RunID, models.EventWorkflowStart, &key, map[string]any{
			"workflow_id":    wf.ID,
			"correlation_id": req.CorrelationID,
		})
		if aerr != nil {
			return aerr
		}
		if aerr := e.appendLifecycle(ctx, run.RunID, models.EventWorkflowStart, "workflow_start", map[string]any{
			"workflow_id":    wf.ID,
			"correlation_id": req.CorrelationID,
		}); aerr != nil {
			return aerr
		}
		if e.metrics != nil {
			e.metrics.RunsStarted.Inc()
		}
		exec.log.Info("run claimed", "correlation_id", req.CorrelationID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Stream executes the claimed run, yielding every journaled event in
// order. It always persists exactly one terminal event before returning,
// even on cancellation or panic unwind via the finalizer.
func (ex *Execution) Stream(ctx context.Context, yield func(*models.RunEvent) error) error {
	e := ex.entry
	defer e.confirms.Cleanup(ex.run.RunID)
	defer ex.finalize()

	// Side-effect gating comes before any node executes
	if ex.wf.HasSideEffects() {
		proceed, err := ex.confirmSideEffects(ctx, yield)
		if err != nil || !proceed {
			return err
		}
	}

	return ex.reactLoop(ctx, yield)
}

// confirmSideEffects runs the confirmation protocol. Returns false when
// the run was denied and terminated.
func (ex *Execution) confirmSideEffects(ctx context.Context, yield func(*models.RunEvent) error) (bool, error) {
	e := ex.entry
	nodeID, _ := ex.wf.FirstSideEffectNode()
	p := e.confirms.CreateOrGet(ex.run.RunID, ex.wf.ID, nodeID)

	key := "confirm_required"
	ev, err := e.appendExecution(ctx, ex.run.RunID, models.EventConfirmRequired, &key, map[string]any{
		"confirm_id":       p.ConfirmID,
		"node_id":          nodeID,
		"default_decision": string(confirm.DecisionDeny),
		"timeout_seconds":  int(e.cfg.ConfirmTimeout.Seconds()),
	})
	if err != nil {
		return false, err
	}
	if err := yield(ev); err != nil {
		return false, err
	}

	decision, outcome := e.confirms.Wait(ctx, p, e.cfg.ConfirmTimeout)
	if e.metrics != nil {
		e.metrics.ConfirmDecisions.WithLabelValues(string(decision)).Inc()
	}

	confirmedKey := "confirmed"
	ev, err = e.appendExecution(ctx, ex.run.RunID, models.EventConfirmed, &confirmedKey, map[string]any{
		"confirm_id": p.ConfirmID,
		"decision":   string(decision),
		"outcome":    string(outcome),
	})
	if err != nil {
		return false, err
	}
	if err := yield(ev); err != nil {
		return false, err
	}

	if decision == confirm.DecisionAllow {
		ex.log.Info("side effects confirmed", "confirm_id", p.ConfirmID)
		return true, nil
	}

	reason := "user_denied"
	switch outcome {
	case confirm.OutcomeTimeout:
		reason = "confirm_timeout"
	case confirm.OutcomeCancelled:
		reason = "stream_cancelled"
	}
	ex.log.Warn("side effects denied", "confirm_id", p.ConfirmID, "reason", reason)

	tev, err := ex.persistTerminal(models.EventWorkflowError, map[string]any{
		"reason": reason,
		"error":  "side-effect execution was not confirmed",
	})
	if err != nil {
		return false, err
	}
	_ = yield(tev)
	return false, nil
}

// reactLoop executes kernel attempts with config-only repair between
// failures, bounded by the engine limits
func (ex *Execution) reactLoop(ctx context.Context, yield func(*models.RunEvent) error) error {
	e := ex.entry
	workingWf := ex.wf.Clone()
	attempt := 1
	consecutiveFailures := 0
	llmCalls := 0
	reactStarted := false
	var patchDescriptions []string
	loopStart := time.Now()

	for {
		failure, done, err := ex.runAttempt(ctx, workingWf, attempt, &llmCalls, yield)
		if err != nil || done {
			return err
		}
		if ctx.Err() != nil {
			// Finalizer persists the terminal marker
			return ctx.Err()
		}

		// Attempt failed: journal the repair-loop markers
		if !reactStarted {
			reactStarted = true
			key := "react_loop_started"
			ev, aerr := e.appendExecution(ctx, ex.run.RunID, models.EventReactLoopStarted, &key, map[string]any{
				"max_attempts": e.cfg.MaxReactAttempts,
			})
			if aerr != nil {
				return aerr
			}
			if yerr := yield(ev); yerr != nil {
				return yerr
			}
		}

		consecutiveFailures++
		ev, aerr := e.appendExecution(ctx, ex.run.RunID, models.EventAttemptFailed, nil, map[string]any{
			"attempt":    attempt,
			"node_id":    failure.NodeID,
			"error":      failure.Error,
			"error_type": failure.ErrorType,
			"retryable":  failure.Retryable,
		})
		if aerr != nil {
			return aerr
		}
		if yerr := yield(ev); yerr != nil {
			return yerr
		}

		elapsed := time.Since(loopStart)
		stopReason := ""
		switch {
		case attempt >= e.cfg.MaxReactAttempts:
			stopReason = StopMaxAttempts
		case consecutiveFailures >= e.cfg.MaxConsecutiveFailures:
			stopReason = StopConsecutiveFailures
		case llmCalls >= e.cfg.MaxLLMCalls:
			stopReason = StopMaxLLMCalls
		case elapsed >= time.Duration(e.cfg.MaxReactSeconds)*time.Second:
			stopReason = StopMaxElapsed
		}
		if stopReason != "" {
			return ex.terminate(ctx, stopReason, failure, attempt, consecutiveFailures, llmCalls, elapsed, patchDescriptions, yield)
		}

		// Propose and apply a config-only repair
		ops, description, proposeStop := e.patcher.Propose(workingWf, failure)
		if proposeStop != "" {
			return ex.terminate(ctx, proposeStop, failure, attempt, consecutiveFailures, llmCalls, elapsed, patchDescriptions, yield)
		}
		patched, applyStop, perr := e.patcher.Apply(workingWf, ops)
		if perr != nil {
			ex.log.Warn("repair patch failed", "error", perr)
			return ex.terminate(ctx, applyStop, failure, attempt, consecutiveFailures, llmCalls, elapsed, patchDescriptions, yield)
		}
		if verr := e.validator.ValidateForExecution(patched); verr != nil {
			ex.log.Warn("patched workflow failed validation", "error", verr)
			return ex.terminate(ctx, StopScopeViolation, failure, attempt, consecutiveFailures, llmCalls, elapsed, patchDescriptions, yield)
		}

		ev, aerr = e.appendExecution(ctx, ex.run.RunID, models.EventReactPatchApplied, nil, map[string]any{
			"attempt":     attempt,
			"patch":       ops,
			"description": description,
			"patch_scope": patchScope,
		})
		if aerr != nil {
			return aerr
		}
		if yerr := yield(ev); yerr != nil {
			return yerr
		}
		if e.metrics != nil {
			e.metrics.ReactPatches.Inc()
		}
		ex.log.Info("repair patch applied", "attempt", attempt, "description", description)

		patchDescriptions = append(patchDescriptions, description)
		workingWf = patched
		attempt++
	}
}

// runAttempt streams one kernel pass. Returns the failure event when the
// attempt failed, or done=true when the run reached workflow_complete or
// was poisoned by an unknown event type.
func (ex *Execution) runAttempt(ctx context.Context, wf *workflow.Workflow, attempt int, llmCalls *int, yield func(*models.RunEvent) error) (*kernel.Event, bool, error) {
	e := ex.entry
	var failure *kernel.Event

	for kev := range e.kernel.Stream(ctx, wf, ex.input) {
		if !kernel.IsKnownEventType(kev.Type) {
			ex.log.Error("kernel emitted unknown event type", "type", kev.Type)
			tev, err := ex.persistTerminal(models.EventWorkflowError, map[string]any{
				"reason": "invalid_execution_event_type",
				"error":  fmt.Sprintf("kernel emitted unknown event type %q", kev.Type),
			})
			if err != nil {
				return nil, true, err
			}
			_ = yield(tev)
			return nil, true, nil
		}

		kev.RunID = ex.run.RunID
		kev.Attempt = attempt

		switch kev.Type {
		case models.EventWorkflowError:
			// Attempt-level failure; the run-level terminal is persisted
			// only after the repair loop gives up
			f := kev
			if failure == nil {
				failure = &f
			}
			continue

		case models.EventWorkflowComplete:
			tev, err := ex.persistTerminal(models.EventWorkflowComplete, kev.Payload())
			if err != nil {
				return nil, true, err
			}
			_ = yield(tev)
			return nil, true, nil
		}

		if kev.Fields != nil {
			if called, ok := kev.Fields["llm_call"].(bool); ok && called {
				*llmCalls++
			}
		}
		if kev.Type == models.EventNodeError {
			f := kev
			failure = &f
		}

		ev, err := e.sinkExecution(ctx, ex.run.RunID, kev.Type, kev.Payload())
		if err != nil {
			return nil, true, err
		}
		if err := yield(ev); err != nil {
			return nil, true, err
		}
	}

	if ctx.Err() != nil {
		return nil, false, nil
	}
	if failure == nil {
		// Stream ended without any terminal event
		failure = &kernel.Event{
			Type:      models.EventWorkflowError,
			Error:     "kernel stream ended without a terminal event",
			ErrorType: "missing_terminal_event",
		}
	}
	return failure, false, nil
}

// terminate journals the termination report and the terminal error
func (ex *Execution) terminate(ctx context.Context, stopReason string, failure *kernel.Event, attempts, consecutiveFailures, llmCalls int, elapsed time.Duration, patches []string, yield func(*models.RunEvent) error) error {
	e := ex.entry

	errMsg := ""
	nodeID := ""
	if failure != nil {
		errMsg = failure.Error
		nodeID = failure.NodeID
	}

	key := "termination_report"
	ev, err := e.appendExecution(ctx, ex.run.RunID, models.EventTerminationReport, &key, map[string]any{
		"stop_reason":          stopReason,
		"attempts":             attempts,
		"consecutive_failures": consecutiveFailures,
		"llm_calls":            llmCalls,
		"elapsed_seconds":      int(elapsed.Seconds()),
		"patches_applied":      patches,
		"last_error":           errMsg,
		"last_error_node":      nodeID,
	})
	if err != nil {
		return err
	}
	if yerr := yield(ev); yerr != nil {
		return yerr
	}

	tev, err := ex.persistTerminal(models.EventWorkflowError, map[string]any{
		"reason":  stopReason,
		"error":   errMsg,
		"node_id": nodeID,
	})
	if err != nil {
		return err
	}
	_ = yield(tev)
	ex.log.Warn("run terminated by repair loop", "stop_reason", stopReason, "attempts", attempts)
	return nil
}

// persistTerminal journals the run's single terminal event on both the
// execution and lifecycle channels and moves the run status to its
// terminal state. Uses a detached context so the guarantee holds under
// cancellation.
func (ex *Execution) persistTerminal(eventType string, payload map[string]any) (*models.RunEvent, error) {
	e := ex.entry
	ctx := context.WithoutCancel(context.Background())

	ev, err := e.appendExecution(ctx, ex.run.RunID, eventType, nil, payload)
	if err != nil {
		return nil, fmt.Errorf("persist terminal for %s: %w", ex.run.RunID, err)
	}
	ex.terminalPersisted = true

	// The shared key caps the lifecycle channel at one terminal row per run
	if lerr := e.appendLifecycle(ctx, ex.run.RunID, eventType, "terminal", payload); lerr != nil {
		ex.log.Error("failed to mirror terminal to lifecycle channel", "error", lerr)
	}

	target := models.StatusFailed
	if eventType == models.EventWorkflowComplete {
		target = models.StatusCompleted
	}
	if _, serr := e.runs.UpdateStatusIfCurrent(ctx, ex.run.RunID, models.StatusRunning, target); serr != nil {
		ex.log.Error("failed to finalize run status", "error", serr)
	}

	if e.metrics != nil {
		e.metrics.RunsTerminal.WithLabelValues(eventType).Inc()
		if !ex.startedAt.IsZero() {
			e.metrics.StreamDuration.Observe(time.Since(ex.startedAt).Seconds())
		}
	}
	return ev, nil
}

// finalize is the terminal-persistence guarantee: a claimed run never
// ends its stream without a journaled terminal event
func (ex *Execution) finalize() {
	if ex.terminalPersisted {
		return
	}
	ex.log.Error("stream ended without terminal event, persisting synthetic terminal")
	if _, err := ex.persistTerminal(models.EventWorkflowError, map[string]any{
		"reason": "missing_terminal_event",
		"error":  "execution stream ended without persisting a terminal event",
	}); err != nil {
		ex.log.Error("failed to persist synthetic terminal", "error", err)
	}
}

// appendExecution journals one execution-channel event
func (e *Entry) appendExecution(ctx context.Context, runID, eventType string, key *string, payload map[string]any) (*models.RunEvent, error) {
	res, err := e.journal.Append(ctx, &models.RunEvent{
		RunID:          runID,
		Channel:        models.ChannelExecution,
		Type:           eventType,
		IdempotencyKey: key,
		Payload:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("append %s for %s: %w", eventType, runID, err)
	}
	if e.metrics != nil && !res.Deduped {
		e.metrics.EventsAppended.WithLabelValues(string(models.ChannelExecution)).Inc()
	}
	return res.Event, nil
}

// sinkExecution persists one kernel event through the configured sink.
// In production mode this is the async sink, so per-node persistence is
// best-effort and does not block the stream.
func (e *Entry) sinkExecution(ctx context.Context, runID, eventType string, payload map[string]any) (*models.RunEvent, error) {
	res, err := e.sink.Append(ctx, &models.RunEvent{
		RunID:   runID,
		Channel: models.ChannelExecution,
		Type:    eventType,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("append %s for %s: %w", eventType, runID, err)
	}
	if e.metrics != nil && !res.Deduped {
		e.metrics.EventsAppended.WithLabelValues(string(models.ChannelExecution)).Inc()
	}
	return res.Event, nil
}

// appendLifecycle mirrors a run-level marker onto the lifecycle channel.
// Keys keep the mirror idempotent under retries and the finalizer.
func (e *Entry) appendLifecycle(ctx context.Context, runID, eventType, key string, payload map[string]any) error {
	res, err := e.journal.Append(ctx, &models.RunEvent{
		RunID:          runID,
		Channel:        models.ChannelLifecycle,
		Type:           eventType,
		IdempotencyKey: &key,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("append lifecycle %s for %s: %w", eventType, runID, err)
	}
	if e.metrics != nil && !res.Deduped {
		e.metrics.EventsAppended.WithLabelValues(string(models.ChannelLifecycle)).Inc()
	}
	return nil
}

// Result summarizes a full non-streaming execution
type Result struct {
	RunID        string           `json:"run_id"`
	Status       models.RunStatus `json:"status"`
	TerminalType string           `json:"terminal_type"`
	EventCount   int              `json:"event_count"`
	LastError    string           `json:"last_error,omitempty"`
	Output       map[string]any   `json:"output,omitempty"`
}

// ExecuteWithResults runs Prepare and Stream to completion, collecting
// the outcome instead of streaming it
func (e *Entry) ExecuteWithResults(ctx context.Context, req PrepareRequest) (*Result, error) {
	exec, err := e.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: exec.run.RunID}
	err = exec.Stream(ctx, func(ev *models.RunEvent) error {
		result.EventCount++
		switch ev.Type {
		case models.EventWorkflowComplete:
			result.TerminalType = ev.Type
			if out, ok := ev.Payload["output"].(map[string]any); ok {
				result.Output = out
			}
		case models.EventWorkflowError:
			result.TerminalType = ev.Type
			if msg, ok := ev.Payload["error"].(string); ok {
				result.LastError = msg
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	run, gerr := e.runs.GetByID(ctx, exec.run.RunID)
	if gerr != nil {
		return nil, gerr
	}
	result.Status = run.Status
	return result, nil
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, enginerr.ErrNotFound)
}
