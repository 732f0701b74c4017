package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/runloop/cmd/engine/workflow"
	"github.com/lyzr/runloop/common/logger"
)

// WorkflowHandler serves workflow registration and introspection
type WorkflowHandler struct {
	workflows *workflow.Store
	validator *workflow.Validator
	executors workflow.ExecutorSet
	log       *logger.Logger
}

// NewWorkflowHandler creates a workflow handler
func NewWorkflowHandler(store *workflow.Store, validator *workflow.Validator, executors workflow.ExecutorSet, log *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{workflows: store, validator: validator, executors: executors, log: log}
}

// Register stores a workflow definition. The full execution validation
// runs here too so authors get contract errors at registration time.
// POST /api/workflows
func (h *WorkflowHandler) Register(c echo.Context) error {
	var wf workflow.Workflow
	if err := c.Bind(&wf); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid_body", "message": err.Error()})
	}
	if err := h.validator.ValidateForExecution(&wf); err != nil {
		return writeError(c, err)
	}
	if err := h.workflows.Register(&wf); err != nil {
		return writeError(c, err)
	}
	h.log.Info("workflow registered", "workflow_id", wf.ID, "nodes", len(wf.Nodes))
	return c.JSON(http.StatusCreated, map[string]any{
		"workflow_id":  wf.ID,
		"side_effects": wf.HasSideEffects(),
	})
}

// Get returns a workflow definition.
// GET /api/workflows/:workflow_id
func (h *WorkflowHandler) Get(c echo.Context) error {
	wf, err := h.workflows.Get(c.Param("workflow_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// List returns all registered workflows.
// GET /api/workflows
func (h *WorkflowHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"workflows": h.workflows.List()})
}

// Capabilities returns the node types the engine can execute with their
// config contracts.
// GET /api/workflows/capabilities
func (h *WorkflowHandler) Capabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"node_types": workflow.Capabilities(h.executors),
	})
}
