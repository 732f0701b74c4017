package confirm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrGet_SinglePendingPerRun(t *testing.T) {
	s := NewStore()
	a := s.CreateOrGet("run_1", "wf_1", "node_tool")
	b := s.CreateOrGet("run_1", "wf_1", "node_tool")
	assert.Equal(t, a.ConfirmID, b.ConfirmID)

	c := s.CreateOrGet("run_2", "wf_1", "node_tool")
	assert.NotEqual(t, a.ConfirmID, c.ConfirmID)
}

func TestResolve_AllowDeliversDecision(t *testing.T) {
	s := NewStore()
	p := s.CreateOrGet("run_1", "wf_1", "node_tool")

	go func() {
		_ = s.Resolve("run_1", p.ConfirmID, DecisionAllow)
	}()

	d, outcome := s.Wait(context.Background(), p, time.Second)
	assert.Equal(t, DecisionAllow, d)
	assert.Equal(t, OutcomeResolved, outcome)
}

func TestWait_TimeoutDenies(t *testing.T) {
	s := NewStore()
	p := s.CreateOrGet("run_1", "wf_1", "node_tool")

	d, outcome := s.Wait(context.Background(), p, 20*time.Millisecond)
	assert.Equal(t, DecisionDeny, d)
	assert.Equal(t, OutcomeTimeout, outcome)

	// A confirm id that timed out is burned
	err := s.Resolve("run_1", p.ConfirmID, DecisionAllow)
	assert.Error(t, err)
}

func TestWait_CancelDenies(t *testing.T) {
	s := NewStore()
	p := s.CreateOrGet("run_1", "wf_1", "node_tool")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, outcome := s.Wait(ctx, p, time.Second)
	assert.Equal(t, DecisionDeny, d)
	assert.Equal(t, OutcomeCancelled, outcome)
}

func TestResolve_UnknownConfirmID(t *testing.T) {
	s := NewStore()
	err := s.Resolve("run_1", "cfm_missing", DecisionAllow)
	assert.Error(t, err)
}

func TestResolve_WrongRunRejected(t *testing.T) {
	s := NewStore()
	p := s.CreateOrGet("run_1", "wf_1", "node_tool")
	err := s.Resolve("run_other", p.ConfirmID, DecisionAllow)
	assert.Error(t, err)
}

func TestResolve_InvalidDecision(t *testing.T) {
	s := NewStore()
	p := s.CreateOrGet("run_1", "wf_1", "node_tool")
	err := s.Resolve("run_1", p.ConfirmID, Decision("maybe"))
	assert.Error(t, err)
}

func TestResolve_SecondResolveRejected(t *testing.T) {
	s := NewStore()
	p := s.CreateOrGet("run_1", "wf_1", "node_tool")

	require.NoError(t, s.Resolve("run_1", p.ConfirmID, DecisionDeny))
	err := s.Resolve("run_1", p.ConfirmID, DecisionAllow)
	assert.Error(t, err, "a confirm id must never resolve twice")

	d, outcome := s.Wait(context.Background(), p, time.Second)
	assert.Equal(t, DecisionDeny, d)
	assert.Equal(t, OutcomeResolved, outcome)
}

func TestCleanup_RemovesPending(t *testing.T) {
	s := NewStore()
	p := s.CreateOrGet("run_1", "wf_1", "node_tool")
	s.Cleanup("run_1")

	_, ok := s.PendingForRun("run_1")
	assert.False(t, ok)

	err := s.Resolve("run_1", p.ConfirmID, DecisionAllow)
	assert.Error(t, err, "confirm ids must not survive cleanup")
}
