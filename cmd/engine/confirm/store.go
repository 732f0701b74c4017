package confirm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/runloop/common/enginerr"
)

// Decision is the outcome of a confirmation request
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Outcome explains how a wait ended
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Pending is an open confirmation request for a run
type Pending struct {
	ConfirmID  string
	RunID      string
	WorkflowID string
	NodeID     string
	CreatedAt  time.Time

	ch   chan Decision
	once sync.Once
}

func (p *Pending) resolve(d Decision) bool {
	resolved := false
	p.once.Do(func() {
		p.ch <- d
		resolved = true
	})
	return resolved
}

// Store tracks pending confirmations. At most one per run; confirm ids
// are single use.
type Store struct {
	mu    sync.Mutex
	byRun map[string]*Pending
	byID  map[string]*Pending
}

// NewStore creates an empty confirmation store
func NewStore() *Store {
	return &Store{
		byRun: make(map[string]*Pending),
		byID:  make(map[string]*Pending),
	}
}

// CreateOrGet returns the run's pending confirmation, creating it when
// absent. Repeated calls for the same run return the same confirm id.
func (s *Store) CreateOrGet(runID, workflowID, nodeID string) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.byRun[runID]; ok {
		return p
	}
	p := &Pending{
		ConfirmID:  "cfm_" + uuid.NewString(),
		RunID:      runID,
		WorkflowID: workflowID,
		NodeID:     nodeID,
		CreatedAt:  time.Now().UTC(),
		ch:         make(chan Decision, 1),
	}
	s.byRun[runID] = p
	s.byID[p.ConfirmID] = p
	return p
}

// Resolve delivers a user decision. Unknown or already-consumed confirm
// ids are rejected; a confirm id never resolves twice.
func (s *Store) Resolve(runID, confirmID string, d Decision) error {
	if d != DecisionAllow && d != DecisionDeny {
		return enginerr.NewValidation("invalid_decision", "decision must be allow or deny, got %q", d)
	}

	s.mu.Lock()
	p, ok := s.byID[confirmID]
	s.mu.Unlock()

	if !ok || p.RunID != runID {
		return enginerr.NotFound("confirmation", confirmID)
	}
	if !p.resolve(d) {
		return fmt.Errorf("confirmation %s already resolved", confirmID)
	}
	return nil
}

// Wait blocks until the confirmation resolves, the timeout elapses, or
// the context is cancelled. Timeout and cancellation both deny.
func (s *Store) Wait(ctx context.Context, p *Pending, timeout time.Duration) (Decision, Outcome) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-p.ch:
		return d, OutcomeResolved
	case <-timer.C:
		p.once.Do(func() {}) // burn the id so a late Resolve is rejected
		return DecisionDeny, OutcomeTimeout
	case <-ctx.Done():
		p.once.Do(func() {})
		return DecisionDeny, OutcomeCancelled
	}
}

// Cleanup removes the run's confirmation state after the run terminates
func (s *Store) Cleanup(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byRun[runID]; ok {
		delete(s.byID, p.ConfirmID)
		delete(s.byRun, runID)
	}
}

// PendingForRun returns the open confirmation for a run, if any
func (s *Store) PendingForRun(runID string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byRun[runID]
	return p, ok
}
