package criteria

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lyzr/runloop/common/logger"
)

// maxUserQuestions caps the questions surfaced per snapshot
const maxUserQuestions = 3

// Manager builds criteria snapshots from user and plan inputs
type Manager struct {
	log *logger.Logger
}

// NewManager creates a criteria manager
func NewManager(log *logger.Logger) *Manager {
	return &Manager{log: log}
}

// BuildSnapshot merges user and plan criteria with the inferred baseline
// into a deterministic snapshot. A subjective task description with no
// numeric anchor contributes a manual criterion of its own. Same inputs
// always produce the same criteria set, hash, conflicts and questions.
func (m *Manager) BuildSnapshot(taskText string, userCriteria, planCriteria []string) *Snapshot {
	type raw struct {
		text   string
		source Source
		method VerificationMethod
	}

	var inputs []raw
	for _, t := range userCriteria {
		if strings.TrimSpace(t) != "" {
			inputs = append(inputs, raw{text: t, source: SourceUser})
		}
	}
	for _, t := range planCriteria {
		if strings.TrimSpace(t) != "" {
			inputs = append(inputs, raw{text: t, source: SourcePlan})
		}
	}
	inputs = append(inputs, raw{text: BaselineText, source: SourceInferred})
	if IsSubjective(taskText) {
		inputs = append(inputs, raw{text: taskText, source: SourceInferred, method: MethodManual})
	}

	// Dedup by id; the higher-priority source wins
	byID := make(map[string]*Criterion)
	for _, in := range inputs {
		norm := Normalize(in.text)
		id := CriterionID(norm)
		existing, ok := byID[id]
		if ok && sourcePriority[existing.Source] >= sourcePriority[in.source] {
			continue
		}
		method := in.method
		if method == "" {
			method = classifyMethod(in.text)
		}
		c := &Criterion{
			ID:     id,
			Text:   in.text,
			Source: in.source,
			Method: method,
		}
		if norm == Normalize(BaselineText) {
			c.Baseline = true
			c.Method = MethodRunEvent
		}
		byID[id] = c
	}

	criteria := make([]Criterion, 0, len(byID))
	for _, c := range byID {
		criteria = append(criteria, *c)
	}
	sort.Slice(criteria, func(i, j int) bool {
		pi, pj := sourcePriority[criteria[i].Source], sourcePriority[criteria[j].Source]
		if pi != pj {
			return pi > pj
		}
		return Normalize(criteria[i].Text) < Normalize(criteria[j].Text)
	})

	snap := &Snapshot{
		Criteria:       criteria,
		CriteriaHash:   Hash(criteria),
		UnverifiableID: make(map[string]bool),
		byID:           make(map[string]*Criterion, len(criteria)),
	}
	for i := range snap.Criteria {
		snap.byID[snap.Criteria[i].ID] = &snap.Criteria[i]
	}

	snap.Conflicts = findConflicts(criteria)

	for _, c := range criteria {
		if c.Method == MethodManual || (c.Method == MethodUnknown && IsSubjective(c.Text)) {
			snap.UnverifiableID[c.ID] = true
		}
	}

	snap.UserQuestions = m.buildQuestions(snap)

	if m.log != nil && (len(snap.Conflicts) > 0 || len(snap.UnverifiableID) > 0) {
		m.log.Info("criteria snapshot needs user input",
			"conflicts", len(snap.Conflicts),
			"unverifiable", len(snap.UnverifiableID),
			"criteria_hash", snap.CriteriaHash,
		)
	}
	return snap
}

// classifyMethod assigns the verification method from text heuristics
func classifyMethod(text string) VerificationMethod {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "test"):
		return MethodTest
	case strings.Contains(lower, "artifact") || strings.Contains(lower, "report file") || strings.Contains(lower, "output file"):
		return MethodArtifact
	case strings.Contains(lower, "review") || strings.Contains(lower, "manually") || strings.Contains(lower, "approve"):
		return MethodManual
	case strings.Contains(lower, "complete") || strings.Contains(lower, "succeed") || strings.Contains(lower, "terminal event"):
		return MethodRunEvent
	default:
		return MethodUnknown
	}
}

// findConflicts pairs criteria whose requirement cores match but whose
// polarity differs
func findConflicts(criteria []Criterion) []ConflictPair {
	type entry struct {
		id       string
		polarity int
	}
	byCore := make(map[string][]entry)
	for _, c := range criteria {
		norm := Normalize(c.Text)
		k := core(norm)
		if k == "" {
			continue
		}
		byCore[k] = append(byCore[k], entry{id: c.ID, polarity: polarity(norm)})
	}

	var out []ConflictPair
	for _, entries := range byCore {
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				if entries[i].polarity != entries[j].polarity {
					a, b := entries[i].id, entries[j].id
					if a > b {
						a, b = b, a
					}
					out = append(out, ConflictPair{AID: a, BID: b})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AID != out[j].AID {
			return out[i].AID < out[j].AID
		}
		return out[i].BID < out[j].BID
	})
	return out
}

// buildQuestions renders at most maxUserQuestions questions, conflicts
// before unverifiable criteria
func (m *Manager) buildQuestions(snap *Snapshot) []string {
	var out []string
	for _, cf := range snap.Conflicts {
		if len(out) >= maxUserQuestions {
			return out
		}
		a, _ := snap.Get(cf.AID)
		b, _ := snap.Get(cf.BID)
		if a == nil || b == nil {
			continue
		}
		out = append(out, fmt.Sprintf("These criteria conflict: %q vs %q. Which one should apply?", a.Text, b.Text))
	}

	var unverifiable []string
	for id := range snap.UnverifiableID {
		unverifiable = append(unverifiable, id)
	}
	sort.Strings(unverifiable)
	for _, id := range unverifiable {
		if len(out) >= maxUserQuestions {
			return out
		}
		c, _ := snap.Get(id)
		if c == nil {
			continue
		}
		out = append(out, fmt.Sprintf("Criterion %q cannot be verified automatically. Can you restate it with a measurable target?", c.Text))
	}
	return out
}
