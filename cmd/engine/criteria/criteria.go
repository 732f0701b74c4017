package criteria

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Source is where a criterion came from. Higher priority wins on merge.
type Source string

const (
	SourceUser     Source = "user"
	SourcePlan     Source = "plan"
	SourceInferred Source = "inferred"
)

var sourcePriority = map[Source]int{
	SourceUser:     3,
	SourcePlan:     2,
	SourceInferred: 1,
}

// VerificationMethod classifies how a criterion can be checked
type VerificationMethod string

const (
	MethodRunEvent VerificationMethod = "run_event"
	MethodTest     VerificationMethod = "test"
	MethodArtifact VerificationMethod = "artifact"
	MethodManual   VerificationMethod = "manual"
	MethodUnknown  VerificationMethod = "unknown"
)

// Criterion is one acceptance requirement
type Criterion struct {
	ID       string             `json:"id"`
	Text     string             `json:"text"`
	Source   Source             `json:"source"`
	Method   VerificationMethod `json:"verification_method"`
	Baseline bool               `json:"baseline,omitempty"`
}

// ConflictPair records two criteria with the same core requirement but
// opposite polarity
type ConflictPair struct {
	AID string `json:"a_id"`
	BID string `json:"b_id"`
}

// Snapshot is the immutable criteria set bound to one reflection
type Snapshot struct {
	Criteria       []Criterion        `json:"criteria"`
	CriteriaHash   string             `json:"criteria_hash"`
	Conflicts      []ConflictPair     `json:"conflicts,omitempty"`
	UnverifiableID map[string]bool    `json:"-"`
	UserQuestions  []string           `json:"user_questions,omitempty"`
	byID           map[string]*Criterion
}

// Get returns the criterion with the given id
func (s *Snapshot) Get(id string) (*Criterion, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// BaselineText is the always-present success criterion
const BaselineText = "run completed successfully with a workflow_complete terminal event"

// Normalize canonicalizes criterion text: trim, collapse inner
// whitespace, lowercase ASCII. CJK text passes through unchanged apart
// from whitespace handling.
func Normalize(text string) string {
	fields := strings.Fields(text)
	joined := strings.Join(fields, " ")
	return strings.ToLower(joined)
}

// CriterionID derives the stable id from normalized text
func CriterionID(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return "crit_" + hex.EncodeToString(sum[:])[:12]
}

// subjectiveTokens flag criteria that cannot be verified automatically
// unless anchored by a number
var subjectiveTokens = []string{
	"prettier", "nicer", "cleaner", "beautiful", "better",
	"更漂亮", "更好看", "更美观", "更好",
}

// IsSubjective reports whether the text is a subjective requirement
// without a numeric anchor
func IsSubjective(text string) bool {
	lower := strings.ToLower(text)
	hit := false
	for _, tok := range subjectiveTokens {
		if strings.Contains(lower, tok) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	for _, r := range text {
		if r >= '0' && r <= '9' {
			return false
		}
	}
	return true
}

// Negation and affirmation markers, ASCII and CJK. Used for both
// polarity detection and core-requirement extraction.
var negationMarkers = []string{
	"must not ", "should not ", "do not ", "don't ", "never ", "cannot ",
	"禁止", "不得", "不要", "不能",
}

var affirmMarkers = []string{
	"must ", "should ", "always ", "ensure ", "please ",
	"必须", "需要", "应该", "请",
}

// polarity returns -1 for negated requirements, +1 otherwise
func polarity(normalized string) int {
	for _, m := range negationMarkers {
		if strings.Contains(normalized, m) {
			return -1
		}
	}
	return 1
}

// core strips polarity and emphasis markers so that "must use X" and
// "禁止 use X" reduce to the same requirement core
func core(normalized string) string {
	out := normalized
	for _, m := range negationMarkers {
		out = strings.ReplaceAll(out, m, " ")
	}
	for _, m := range affirmMarkers {
		out = strings.ReplaceAll(out, m, " ")
	}
	return strings.Join(strings.Fields(out), " ")
}

// canonicalCriterion fixes the field order for hashing
type canonicalCriterion struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Source string `json:"source"`
	Method string `json:"verification_method"`
}

// Hash computes the deterministic digest of a sorted criteria slice
func Hash(criteria []Criterion) string {
	canon := make([]canonicalCriterion, len(criteria))
	for i, c := range criteria {
		canon[i] = canonicalCriterion{
			ID:     c.ID,
			Text:   Normalize(c.Text),
			Source: string(c.Source),
			Method: string(c.Method),
		}
	}
	raw, _ := json.Marshal(canon)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
