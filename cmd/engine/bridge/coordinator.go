package bridge

import (
	"context"
	"sync"

	"github.com/lyzr/runloop/common/bus"
	"github.com/lyzr/runloop/common/enginerr"
	"github.com/lyzr/runloop/common/logger"
	"github.com/lyzr/runloop/common/models"
)

// Policy decides whether a proposed decision may proceed
type Policy interface {
	Allow(ctx context.Context, d models.Decision) error
}

// AllowlistPolicy permits only registered decision types. An empty
// allowlist denies everything; coordination fails closed.
type AllowlistPolicy struct {
	mu      sync.RWMutex
	allowed map[string]bool
}

// NewAllowlistPolicy creates a policy permitting the given decision types
func NewAllowlistPolicy(types ...string) *AllowlistPolicy {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return &AllowlistPolicy{allowed: allowed}
}

// Allow implements Policy
func (p *AllowlistPolicy) Allow(ctx context.Context, d models.Decision) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.allowed[d.DecisionType] {
		return &enginerr.PolicyError{Reason: "decision type " + d.DecisionType + " is not allowed"}
	}
	return nil
}

// Permit adds a decision type at runtime
func (p *AllowlistPolicy) Permit(decisionType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed[decisionType] = true
}

// CoordinatorMiddleware gates decision_made events on the bus. Valid and
// allowed decisions are re-published as decision_validated; everything
// else is blocked and answered with decision_rejected. The middleware
// never lets a raw decision_made through to subscribers.
func CoordinatorMiddleware(b *bus.Bus, policy Policy, log *logger.Logger) bus.Middleware {
	return func(ctx context.Context, event bus.Event) (bus.Event, error) {
		made, ok := event.(*bus.DecisionMadeEvent)
		if !ok {
			return event, nil
		}

		reject := func(reason string) (bus.Event, error) {
			log.Warn("decision rejected",
				"decision_id", made.Decision.DecisionID,
				"decision_type", made.Decision.DecisionType,
				"reason", reason,
			)
			if err := b.Publish(ctx, &bus.DecisionRejectedEvent{Decision: made.Decision, Reason: reason}); err != nil {
				log.Error("failed to publish rejection", "error", err)
			}
			return nil, nil
		}

		if err := made.Decision.Validate(); err != nil {
			return reject(err.Error())
		}
		if policy != nil {
			if err := policy.Allow(ctx, made.Decision); err != nil {
				return reject(err.Error())
			}
		}

		if err := b.Publish(ctx, &bus.DecisionValidatedEvent{Decision: made.Decision}); err != nil {
			log.Error("failed to publish validated decision", "error", err)
		}
		// The raw decision_made stops here
		return nil, nil
	}
}
