package criteria

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSnapshot_InjectsBaseline(t *testing.T) {
	m := NewManager(nil)
	snap := m.BuildSnapshot("", nil, nil)

	require.Len(t, snap.Criteria, 1)
	assert.True(t, snap.Criteria[0].Baseline)
	assert.Equal(t, MethodRunEvent, snap.Criteria[0].Method)
	assert.Equal(t, SourceInferred, snap.Criteria[0].Source)
	assert.NotEmpty(t, snap.CriteriaHash)
}

func TestBuildSnapshot_Deterministic(t *testing.T) {
	m := NewManager(nil)
	user := []string{"All tests must pass", "must use the staging database"}
	plan := []string{"output artifact is generated"}

	a := m.BuildSnapshot("", user, plan)
	b := m.BuildSnapshot("", user, plan)

	assert.Equal(t, a.CriteriaHash, b.CriteriaHash)
	require.Equal(t, len(a.Criteria), len(b.Criteria))
	for i := range a.Criteria {
		assert.Equal(t, a.Criteria[i].ID, b.Criteria[i].ID)
	}
}

func TestBuildSnapshot_DedupPrefersUserSource(t *testing.T) {
	m := NewManager(nil)
	snap := m.BuildSnapshot("",
		[]string{"  All tests MUST pass  "},
		[]string{"all tests must pass"},
	)

	var matched []Criterion
	for _, c := range snap.Criteria {
		if Normalize(c.Text) == "all tests must pass" {
			matched = append(matched, c)
		}
	}
	require.Len(t, matched, 1)
	assert.Equal(t, SourceUser, matched[0].Source)
}

func TestBuildSnapshot_ConflictDetection(t *testing.T) {
	m := NewManager(nil)
	snap := m.BuildSnapshot("", []string{
		"must use the cache",
		"must not use the cache",
	}, nil)

	require.Len(t, snap.Conflicts, 1)
	assert.NotEmpty(t, snap.UserQuestions)
}

func TestBuildSnapshot_ConflictDetectionCJK(t *testing.T) {
	m := NewManager(nil)
	snap := m.BuildSnapshot("", []string{
		"必须使用缓存",
		"禁止使用缓存",
	}, nil)

	require.Len(t, snap.Conflicts, 1)
}

func TestBuildSnapshot_SubjectiveIsUnverifiable(t *testing.T) {
	m := NewManager(nil)
	snap := m.BuildSnapshot("", []string{"the dashboard should look prettier"}, nil)

	found := false
	for id := range snap.UnverifiableID {
		c, ok := snap.Get(id)
		require.True(t, ok)
		if c.Text == "the dashboard should look prettier" {
			found = true
		}
	}
	assert.True(t, found, "subjective criterion should be flagged unverifiable")
	assert.NotEmpty(t, snap.UserQuestions)
}

func TestBuildSnapshot_SubjectiveTaskTextAddsManualCriterion(t *testing.T) {
	m := NewManager(nil)
	snap := m.BuildSnapshot("make the dashboard prettier", nil, nil)

	require.Len(t, snap.Criteria, 2)
	var manual *Criterion
	for i := range snap.Criteria {
		if snap.Criteria[i].Method == MethodManual {
			manual = &snap.Criteria[i]
		}
	}
	require.NotNil(t, manual, "subjective task text must contribute a manual criterion")
	assert.Equal(t, "make the dashboard prettier", manual.Text)
	assert.Equal(t, SourceInferred, manual.Source)
	assert.True(t, snap.UnverifiableID[manual.ID])
	assert.NotEmpty(t, snap.UserQuestions)
}

func TestBuildSnapshot_AnchoredTaskTextStaysBaselineOnly(t *testing.T) {
	m := NewManager(nil)
	snap := m.BuildSnapshot("make the dashboard prettier, score above 90", nil, nil)

	require.Len(t, snap.Criteria, 1)
	assert.True(t, snap.Criteria[0].Baseline)
}

func TestBuildSnapshot_NumericAnchorIsNotSubjective(t *testing.T) {
	assert.False(t, IsSubjective("page load should be better than 200ms"))
	assert.True(t, IsSubjective("page load should be better"))
}

func TestBuildSnapshot_QuestionsCapped(t *testing.T) {
	m := NewManager(nil)
	snap := m.BuildSnapshot("", []string{
		"reviewer must approve the layout",
		"design review sign-off happens manually",
		"the landing page looks prettier",
		"the flow feels cleaner",
		"copy should read nicer",
	}, nil)

	assert.LessOrEqual(t, len(snap.UserQuestions), 3)
}

func TestCriterionID_Stable(t *testing.T) {
	id1 := CriterionID(Normalize("All Tests   Must Pass"))
	id2 := CriterionID(Normalize("all tests must pass"))
	assert.Equal(t, id1, id2)
	assert.Regexp(t, "^crit_[0-9a-f]{12}$", id1)
}

func TestHash_OrderSensitiveInputsSortedBeforeHashing(t *testing.T) {
	m := NewManager(nil)
	a := m.BuildSnapshot("", []string{"first thing", "second thing"}, nil)
	b := m.BuildSnapshot("", []string{"second thing", "first thing"}, nil)
	assert.Equal(t, a.CriteriaHash, b.CriteriaHash)
}
