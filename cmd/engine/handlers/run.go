package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/runloop/cmd/engine/workflow"
	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/repository"
)

// RunHandler serves run CRUD
type RunHandler struct {
	runs      repository.RunRepository
	workflows *workflow.Store
	log       *logger.Logger
}

// NewRunHandler creates a run handler
func NewRunHandler(runs repository.RunRepository, workflows *workflow.Store, log *logger.Logger) *RunHandler {
	return &RunHandler{runs: runs, workflows: workflows, log: log}
}

type createRunRequest struct {
	ProjectID      string `json:"project_id"`
	WorkflowID     string `json:"workflow_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CreateRun creates a run in the created state.
// POST /api/runs
// The idempotency key may arrive in the body or the Idempotency-Key
// header; either way the run id is derived from the creation triple, so
// retries converge on the same run.
func (h *RunHandler) CreateRun(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid_body", "message": err.Error()})
	}
	key := req.IdempotencyKey
	if key == "" {
		key = c.Request().Header.Get("Idempotency-Key")
	}
	return h.createRun(c, req.ProjectID, req.WorkflowID, key)
}

// CreateProjectRun creates a run on the project-scoped path.
// POST /api/projects/:project_id/workflows/:workflow_id/runs
func (h *RunHandler) CreateProjectRun(c echo.Context) error {
	return h.createRun(c, c.Param("project_id"), c.Param("workflow_id"),
		c.Request().Header.Get("Idempotency-Key"))
}

func (h *RunHandler) createRun(c echo.Context, projectID, workflowID, idempotencyKey string) error {
	if workflowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid_body", "message": "workflow_id is required"})
	}
	if _, err := h.workflows.Get(workflowID); err != nil {
		return writeError(c, err)
	}

	ctx := c.Request().Context()

	var runID string
	if idempotencyKey != "" {
		runID = repository.DeriveRunID(projectID, workflowID, idempotencyKey)
		if existing, err := h.runs.GetByID(ctx, runID); err == nil {
			return c.JSON(http.StatusOK, existing)
		}
	} else {
		runID = "run_" + uuid.NewString()
	}

	run := repository.NewRun(runID, projectID, workflowID)
	if err := h.runs.Save(ctx, run); err != nil {
		return writeError(c, err)
	}
	h.log.Info("run created", "run_id", runID, "workflow_id", workflowID)
	return c.JSON(http.StatusCreated, run)
}

// GetRun returns one run.
// GET /api/runs/:run_id
func (h *RunHandler) GetRun(c echo.Context) error {
	run, err := h.runs.GetByID(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns lists a workflow's runs, newest first.
// GET /api/workflows/:workflow_id/runs?limit=&offset=
func (h *RunHandler) ListRuns(c echo.Context) error {
	workflowID := c.Param("workflow_id")
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	ctx := c.Request().Context()
	runs, err := h.runs.ListByWorkflowID(ctx, workflowID, limit, offset)
	if err != nil {
		return writeError(c, err)
	}
	total, err := h.runs.CountByWorkflowID(ctx, workflowID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"runs":   runs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// DeleteRun removes a run and its journal.
// DELETE /api/runs/:run_id
func (h *RunHandler) DeleteRun(c echo.Context) error {
	if err := h.runs.Delete(c.Request().Context(), c.Param("run_id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
