package kernel

import "github.com/lyzr/runloop/common/models"

// Event is one execution event produced by the kernel stream. The entry
// layer stamps run and executor identity and persists it to the journal.
type Event struct {
	Type       string
	RunID      string
	ExecutorID string
	WorkflowID string
	NodeID     string
	NodeType   string
	Attempt    int
	Error      string
	ErrorType  string
	Retryable  bool
	Output     map[string]any
	Fields     map[string]any
}

// knownEventTypes is the contract between kernel and journal. Events of
// any other type mean a kernel bug and poison the run.
var knownEventTypes = map[string]bool{
	models.EventWorkflowStart:    true,
	models.EventNodeStart:        true,
	models.EventNodeComplete:     true,
	models.EventNodeError:        true,
	models.EventWorkflowComplete: true,
	models.EventWorkflowError:    true,
}

// IsKnownEventType reports whether the kernel may emit this type
func IsKnownEventType(t string) bool {
	return knownEventTypes[t]
}

// IsTerminal reports whether the event ends the stream
func (e Event) IsTerminal() bool {
	return e.Type == models.EventWorkflowComplete || e.Type == models.EventWorkflowError
}

// Payload builds the journal payload for this event
func (e Event) Payload() map[string]any {
	p := make(map[string]any, 8)
	if e.NodeID != "" {
		p["node_id"] = e.NodeID
	}
	if e.NodeType != "" {
		p["node_type"] = e.NodeType
	}
	if e.Attempt > 0 {
		p["attempt"] = e.Attempt
	}
	if e.Error != "" {
		p["error"] = e.Error
	}
	if e.ErrorType != "" {
		p["error_type"] = e.ErrorType
		p["retryable"] = e.Retryable
	}
	if e.Output != nil {
		p["output"] = e.Output
	}
	for k, v := range e.Fields {
		p[k] = v
	}
	return p
}
