package models

// Decision is a proposed action from the agent layer. Validated decisions
// flow through the event bus to the decision bridge.
type Decision struct {
	DecisionType  string         `json:"decision_type"`
	DecisionID    string         `json:"decision_id"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload"`
}

// Validate checks the decision shape
func (d *Decision) Validate() error {
	if d.DecisionType == "" {
		return errMissing("decision_type")
	}
	if d.DecisionID == "" {
		return errMissing("decision_id")
	}
	if d.CorrelationID == "" {
		return errMissing("correlation_id")
	}
	return nil
}

type missingFieldError struct{ field string }

func (e *missingFieldError) Error() string { return "decision missing field: " + e.field }

func errMissing(field string) error { return &missingFieldError{field: field} }
