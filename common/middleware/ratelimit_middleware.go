package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/runloop/common/ratelimit"
)

// TierFunc resolves the rate-limit tier for a workflow id. Returning
// false means the workflow is unknown; the request passes through and
// fails later at the gate.
type TierFunc func(workflowID string) (ratelimit.Tier, bool)

// ExecuteRateLimit guards the execute endpoints with a global window and a
// per-workflow tiered window. Limiter errors fail open so Redis trouble
// does not take down execution.
func ExecuteRateLimit(limiter *ratelimit.Limiter, globalPerMinute int64, tierOf TierFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			result, err := limiter.CheckGlobal(ctx, globalPerMinute)
			if err == nil && !result.Allowed {
				return tooManyRequests(c, "global_rate_limit_exceeded", result)
			}

			workflowID := c.Param("workflow_id")
			if workflowID == "" {
				return next(c)
			}
			tier, ok := tierOf(workflowID)
			if !ok {
				return next(c)
			}
			result, err = limiter.CheckWorkflow(ctx, workflowID, tier)
			if err == nil && !result.Allowed {
				return tooManyRequests(c, "workflow_rate_limit_exceeded", result)
			}
			return next(c)
		}
	}
}

func tooManyRequests(c echo.Context, code string, result *ratelimit.Result) error {
	return c.JSON(http.StatusTooManyRequests, map[string]any{
		"error":               code,
		"limit":               result.Limit,
		"current":             result.CurrentCount,
		"retry_after_seconds": result.RetryAfterSeconds,
	})
}
