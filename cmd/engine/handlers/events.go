package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/models"
	"github.com/lyzr/runloop/common/repository"
)

// EventsHandler serves journal replay
type EventsHandler struct {
	runs    repository.RunRepository
	journal repository.EventJournal
	log     *logger.Logger
}

// NewEventsHandler creates an events handler
func NewEventsHandler(runs repository.RunRepository, journal repository.EventJournal, log *logger.Logger) *EventsHandler {
	return &EventsHandler{runs: runs, journal: journal, log: log}
}

// List replays a run's journal in event order with cursor pagination.
// The cursor is the last seen event_id, exclusive.
// GET /api/runs/:run_id/events?channel=&cursor=&limit=
func (h *EventsHandler) List(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	if _, err := h.runs.GetByID(ctx, runID); err != nil {
		return writeError(c, err)
	}

	var cursor int64
	if raw := c.QueryParam("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid_cursor", "message": "cursor must be a non-negative integer"})
		}
		cursor = v
	}
	limit := queryInt(c, "limit", 100)
	channel := models.Channel(c.QueryParam("channel"))

	page, err := h.journal.List(ctx, runID, channel, cursor, limit)
	if err != nil {
		return writeError(c, err)
	}

	events := make([]map[string]any, len(page.Events))
	for i, ev := range page.Events {
		events[i] = ev.Flatten()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id":      runID,
		"events":      events,
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}
