package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/runloop/cmd/engine/acceptance"
	"github.com/lyzr/runloop/cmd/engine/confirm"
	"github.com/lyzr/runloop/cmd/engine/entry"
	"github.com/lyzr/runloop/common/idempotency"
	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/models"
)

// ExecuteHandler serves run execution, confirmation and acceptance
type ExecuteHandler struct {
	entry    *entry.Entry
	confirms *confirm.Store
	loop     *acceptance.Loop
	idem     *idempotency.Coordinator
	log      *logger.Logger
}

// NewExecuteHandler creates an execute handler
func NewExecuteHandler(e *entry.Entry, confirms *confirm.Store, loop *acceptance.Loop, idem *idempotency.Coordinator, log *logger.Logger) *ExecuteHandler {
	return &ExecuteHandler{entry: e, confirms: confirms, loop: loop, idem: idem, log: log}
}

type executeRequest struct {
	Input         map[string]any `json:"input,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Stream executes a run and streams its journal as SSE. Gate rejections
// surface as a JSON error before the stream opens; after the claim the
// response is a `data: <event>` sequence ending with the terminal event.
// POST /api/workflows/:workflow_id/runs/:run_id/execute/stream
func (h *ExecuteHandler) Stream(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid_body", "message": err.Error()})
	}

	ctx := c.Request().Context()
	exec, err := h.entry.Prepare(ctx, entry.PrepareRequest{
		WorkflowID:    c.Param("workflow_id"),
		RunID:         c.Param("run_id"),
		Input:         req.Input,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return writeError(c, err)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	streamErr := exec.Stream(ctx, func(ev *models.RunEvent) error {
		raw, merr := json.Marshal(ev.Flatten())
		if merr != nil {
			return merr
		}
		if _, werr := fmt.Fprintf(resp, "data: %s\n\n", raw); werr != nil {
			return werr
		}
		resp.Flush()
		return nil
	})
	if streamErr != nil {
		h.log.Warn("stream ended with error", "run_id", c.Param("run_id"), "error", streamErr)
	}
	return nil
}

// Execute runs a workflow to completion and returns the collected result.
// An Idempotency-Key header dedups concurrent and repeated requests onto
// one execution.
// POST /api/workflows/:workflow_id/runs/:run_id/execute
func (h *ExecuteHandler) Execute(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid_body", "message": err.Error()})
	}

	ctx := c.Request().Context()
	prepReq := entry.PrepareRequest{
		WorkflowID:    c.Param("workflow_id"),
		RunID:         c.Param("run_id"),
		Input:         req.Input,
		CorrelationID: req.CorrelationID,
	}

	run := func(ctx context.Context) (map[string]any, error) {
		result, err := h.entry.ExecuteWithResults(ctx, prepReq)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var (
		out map[string]any
		err error
	)
	if key := c.Request().Header.Get("Idempotency-Key"); key != "" && h.idem != nil {
		out, err = h.idem.Do(ctx, "execute:"+prepReq.RunID+":"+key, run)
	} else {
		out, err = run(ctx)
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type confirmRequest struct {
	ConfirmID string `json:"confirm_id"`
	Decision  string `json:"decision"`
}

// Confirm resolves a pending side-effect confirmation.
// POST /api/runs/:run_id/confirm
func (h *ExecuteHandler) Confirm(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid_body", "message": err.Error()})
	}

	runID := c.Param("run_id")
	if err := h.confirms.Resolve(runID, req.ConfirmID, confirm.Decision(req.Decision)); err != nil {
		return writeError(c, err)
	}
	h.log.Info("confirmation resolved", "run_id", runID, "confirm_id", req.ConfirmID, "decision", req.Decision)
	return c.JSON(http.StatusOK, map[string]any{
		"run_id":     runID,
		"confirm_id": req.ConfirmID,
		"decision":   req.Decision,
	})
}

type acceptanceRequest struct {
	WorkflowID       string   `json:"workflow_id"`
	Attempt          int      `json:"attempt"`
	TaskText         string   `json:"task_text,omitempty"`
	UserCriteria     []string `json:"user_criteria,omitempty"`
	PlanCriteria     []string `json:"plan_criteria,omitempty"`
	TestsPassed      *bool    `json:"tests_passed,omitempty"`
	PreviousUnmetIDs []string `json:"previous_unmet_ids,omitempty"`
}

// Acceptance runs the acceptance loop for a terminated run and returns
// the verdict. Idempotent per run and criteria set.
// POST /api/runs/:run_id/acceptance
func (h *ExecuteHandler) Acceptance(c echo.Context) error {
	var req acceptanceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid_body", "message": err.Error()})
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}

	result, err := h.loop.OnRunTerminal(c.Request().Context(), acceptance.TerminalInput{
		WorkflowID:       req.WorkflowID,
		RunID:            c.Param("run_id"),
		Attempt:          req.Attempt,
		TaskText:         req.TaskText,
		UserCriteria:     req.UserCriteria,
		PlanCriteria:     req.PlanCriteria,
		TestsPassed:      req.TestsPassed,
		PreviousUnmetIDs: req.PreviousUnmetIDs,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
