package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/runloop/common/enginerr"
)

// writeError maps engine errors to their HTTP shape. Validation and gate
// rejections are 400 with a stable code, policy denials 403, missing
// entities 404, anything else 500.
func writeError(c echo.Context, err error) error {
	var ve *enginerr.ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":   "validation_failed",
			"code":    ve.Code,
			"message": ve.Message,
		})
	}

	if ge, ok := enginerr.IsGate(err); ok {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":   "run_gate_rejected",
			"code":    ge.Code,
			"run_id":  ge.RunID,
			"message": ge.Message,
		})
	}

	if enginerr.IsPolicy(err) {
		return c.JSON(http.StatusForbidden, map[string]any{
			"error":   "policy_rejected",
			"message": err.Error(),
		})
	}

	if errors.Is(err, enginerr.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]any{
			"error":   "not_found",
			"message": err.Error(),
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error":   "internal",
		"message": err.Error(),
	})
}
