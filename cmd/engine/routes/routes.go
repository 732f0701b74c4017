package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/runloop/cmd/engine/handlers"
	"github.com/lyzr/runloop/common/bootstrap"
)

// Handlers groups the engine's HTTP handlers for registration
type Handlers struct {
	Runs      *handlers.RunHandler
	Workflows *handlers.WorkflowHandler
	Events    *handlers.EventsHandler
	Execute   *handlers.ExecuteHandler

	// ExecuteLimit, when set, guards the execute endpoints
	ExecuteLimit echo.MiddlewareFunc
}

// Register wires all engine routes onto the echo instance
func Register(e *echo.Echo, components *bootstrap.Components, h Handlers) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	e.GET("/healthz", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})

	workflows := e.Group("/api/workflows")
	{
		workflows.POST("", h.Workflows.Register)
		workflows.GET("", h.Workflows.List)
		workflows.GET("/capabilities", h.Workflows.Capabilities)
		workflows.GET("/:workflow_id", h.Workflows.Get)
		workflows.GET("/:workflow_id/runs", h.Runs.ListRuns)
		var executeMW []echo.MiddlewareFunc
		if h.ExecuteLimit != nil {
			executeMW = append(executeMW, h.ExecuteLimit)
		}
		workflows.POST("/:workflow_id/runs/:run_id/execute", h.Execute.Execute, executeMW...)
		workflows.POST("/:workflow_id/runs/:run_id/execute/stream", h.Execute.Stream, executeMW...)
	}

	projects := e.Group("/api/projects")
	{
		projects.POST("/:project_id/workflows/:workflow_id/runs", h.Runs.CreateProjectRun)
	}

	runs := e.Group("/api/runs")
	{
		runs.POST("", h.Runs.CreateRun)
		runs.GET("/:run_id", h.Runs.GetRun)
		runs.DELETE("/:run_id", h.Runs.DeleteRun)
		runs.GET("/:run_id/events", h.Events.List)
		runs.POST("/:run_id/confirm", h.Execute.Confirm)
		runs.POST("/:run_id/acceptance", h.Execute.Acceptance)
	}
}
