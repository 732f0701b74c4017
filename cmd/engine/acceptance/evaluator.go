package acceptance

import (
	"fmt"
	"sort"

	"github.com/lyzr/runloop/cmd/engine/criteria"
	"github.com/lyzr/runloop/cmd/engine/evidence"
)

// Verdict is the acceptance outcome for one reflection
type Verdict string

const (
	VerdictPass     Verdict = "PASS"
	VerdictReplan   Verdict = "REPLAN"
	VerdictNeedUser Verdict = "NEED_USER"
	VerdictBlocked  Verdict = "BLOCKED"
)

// maxReplanConstraints caps the constraints handed to the planner
const maxReplanConstraints = 5

// Input is everything the evaluator may consult. Evaluation is a pure
// function of this struct.
type Input struct {
	Criteria *criteria.Snapshot
	Evidence *evidence.Snapshot

	Attempt           int
	MaxReplanAttempts int

	// PreviousUnmetIDs, when non-nil, enables the loop guard: the current
	// unmet set must strictly shrink or the verdict escalates to NEED_USER.
	PreviousUnmetIDs []string

	TestsPassed       bool
	TestReportRef     string
	RequireTestReport bool
}

// Result is the full reflection outcome
type Result struct {
	Verdict           Verdict             `json:"verdict"`
	UnmetCriteria     []string            `json:"unmet_criteria"`
	EvidenceMap       map[string][]string `json:"evidence_map"`
	MissingEvidence   []string            `json:"missing_evidence,omitempty"`
	UserQuestions     []string            `json:"user_questions,omitempty"`
	ReplanConstraints []string            `json:"replan_constraints,omitempty"`
	BlockedReason     string              `json:"blocked_reason,omitempty"`
}

// Evaluate derives the verdict from criteria and evidence. Fail closed:
// a criterion with no positive evidence is unmet.
func Evaluate(in Input) *Result {
	res := &Result{
		EvidenceMap: make(map[string][]string),
	}

	if !in.Evidence.HasTerminal() {
		res.Verdict = VerdictBlocked
		res.BlockedReason = "run_not_terminal"
		return res
	}

	needsUser := false
	for _, c := range in.Criteria.Criteria {
		refs, satisfied, missing := evaluateCriterion(c, in)
		res.EvidenceMap[c.ID] = refs
		if satisfied {
			continue
		}
		res.UnmetCriteria = append(res.UnmetCriteria, c.ID)
		if missing != "" {
			res.MissingEvidence = append(res.MissingEvidence, missing)
		}
		if c.Method == criteria.MethodManual || in.Criteria.UnverifiableID[c.ID] {
			needsUser = true
		}
	}
	sort.Strings(res.UnmetCriteria)

	switch {
	case len(in.Criteria.Conflicts) > 0:
		res.Verdict = VerdictNeedUser
		res.UserQuestions = in.Criteria.UserQuestions

	case needsUser:
		res.Verdict = VerdictNeedUser
		res.UserQuestions = in.Criteria.UserQuestions
		if len(res.UserQuestions) == 0 {
			res.UserQuestions = questionsForUnmet(in.Criteria, res.UnmetCriteria)
		}

	case len(res.UnmetCriteria) == 0 && in.TestsPassed:
		if in.RequireTestReport && in.TestReportRef == "" {
			res.Verdict = VerdictBlocked
			res.BlockedReason = "missing_test_report"
			return res
		}
		res.Verdict = VerdictPass

	case in.Attempt >= in.MaxReplanAttempts:
		res.Verdict = VerdictBlocked
		res.BlockedReason = "max_replan_attempts_reached"

	default:
		res.Verdict = VerdictReplan
		res.ReplanConstraints = constraintsForUnmet(in.Criteria, res.UnmetCriteria)
	}

	// Loop guard: replanning must make progress on the unmet set
	if res.Verdict == VerdictReplan && in.PreviousUnmetIDs != nil {
		if !strictlyShrinks(res.UnmetCriteria, in.PreviousUnmetIDs) {
			res.Verdict = VerdictNeedUser
			res.ReplanConstraints = nil
			res.UserQuestions = append(res.UserQuestions,
				"Replanning is not reducing the unmet criteria. Should the remaining criteria be relaxed or the task reworked?")
		}
	}
	return res
}

// evaluateCriterion checks one criterion against the evidence. Returns
// the supporting refs, whether it is satisfied, and a missing-evidence
// note when it is not.
func evaluateCriterion(c criteria.Criterion, in Input) (refs []string, satisfied bool, missing string) {
	switch c.Method {
	case criteria.MethodRunEvent:
		if c.Baseline {
			if in.Evidence.Succeeded() {
				return in.Evidence.Summary.RefsByType[in.Evidence.Summary.TerminalEventType], true, ""
			}
			return nil, false, fmt.Sprintf("criterion %s: run did not complete successfully", c.ID)
		}
		// Only the baseline is auto-satisfied from run events
		return nil, false, fmt.Sprintf("criterion %s: no run event evidence", c.ID)

	case criteria.MethodTest:
		if in.TestsPassed && in.TestReportRef != "" {
			return []string{in.TestReportRef}, true, ""
		}
		return nil, false, fmt.Sprintf("criterion %s: no passing test report", c.ID)

	case criteria.MethodArtifact:
		return nil, false, fmt.Sprintf("criterion %s: no artifact evidence", c.ID)

	case criteria.MethodManual:
		return nil, false, fmt.Sprintf("criterion %s: requires manual confirmation", c.ID)

	default:
		return nil, false, fmt.Sprintf("criterion %s: no verification method", c.ID)
	}
}

// strictlyShrinks reports whether current is a proper subset of previous
func strictlyShrinks(current, previous []string) bool {
	if len(current) >= len(previous) {
		return false
	}
	prev := make(map[string]bool, len(previous))
	for _, id := range previous {
		prev[id] = true
	}
	for _, id := range current {
		if !prev[id] {
			return false
		}
	}
	return true
}

func constraintsForUnmet(snap *criteria.Snapshot, unmet []string) []string {
	var out []string
	for _, id := range unmet {
		if len(out) >= maxReplanConstraints {
			break
		}
		c, ok := snap.Get(id)
		if !ok {
			continue
		}
		out = append(out, fmt.Sprintf("fix_unmet_criterion:%s:%s", id, c.Text))
	}
	return out
}

func questionsForUnmet(snap *criteria.Snapshot, unmet []string) []string {
	var out []string
	for _, id := range unmet {
		c, ok := snap.Get(id)
		if !ok || (c.Method != criteria.MethodManual && !snap.UnverifiableID[id]) {
			continue
		}
		if len(out) >= 3 {
			break
		}
		out = append(out, fmt.Sprintf("Is criterion %q satisfied?", c.Text))
	}
	return out
}
