package resolver

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jordanhubbard/lessonloop/internal/configs"
	"github.com/jordanhubbard/lessonloop/internal/gate"
	"github.com/jordanhubbard/lessonloop/pkg/config"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func base() *models.Configuration {
	return &models.Configuration{
		Name:     "base",
		Metadata: models.ConfigMetadata{CreatedAt: t0, AppliedLessons: []string{}},
		Params: map[string]any{
			"retrieval.top_k":     8,
			"retrieval.min_score": 0.35,
			"generation.model":    "small",
		},
	}
}

func mk(id string, scope models.Scope, pattern string, at time.Time, changes ...models.Change) models.Lesson {
	return models.Lesson{
		ID:        id,
		CreatedAt: at,
		Scope:     scope,
		Finding:   models.Finding{Pattern: pattern},
		Recommendation: models.Recommendation{
			Changes:         changes,
			PredictedEffect: map[string]string{"recall": "+0.01~+0.02"},
		},
	}
}

func req(scope models.Scope) Request {
	return Request{Base: base(), Scope: scope, Window: 10, Mode: models.ModeApply, Now: t0.Add(time.Hour)}
}

func refIDs(refs []LessonRef) []string {
	out := []string{}
	for _, r := range refs {
		out = append(out, r.ID)
	}
	return out
}

func TestResolveEmptyLessons(t *testing.T) {
	res, err := Resolve(req(models.ScopeDataset), nil)
	require.NoError(t, err)
	assert.Nil(t, res.Candidate)
	assert.Empty(t, res.Record.Merged)
	assert.Empty(t, res.Contributions)
	assert.Contains(t, res.Record.Markdown(), "Candidate: none")
}

func TestResolveValidatesRequest(t *testing.T) {
	_, err := Resolve(Request{Scope: models.ScopeDataset}, nil)
	assert.Error(t, err)

	r := req(models.Scope("team"))
	_, err = Resolve(r, nil)
	assert.ErrorIs(t, err, models.ErrUnknownScope)
}

func TestResolveAppliesOps(t *testing.T) {
	lessons := []models.Lesson{
		mk("01A", models.ScopeDataset, "p1", t0,
			models.Change{Key: "retrieval.top_k", Op: models.OpAdd, Value: 4},
			models.Change{Key: "retrieval.min_score", Op: models.OpAdd, Value: -0.05},
			models.Change{Key: "retrieval.chunk_overlap", Op: models.OpAdd, Value: 32},
			models.Change{Key: "generation.cite_sources", Op: models.OpSet, Value: true},
			models.Change{Key: "generation.model", Op: models.OpRemove},
			models.Change{Key: "not.there", Op: models.OpRemove},
		),
	}
	res, err := Resolve(req(models.ScopeDataset), lessons)
	require.NoError(t, err)
	require.NotNil(t, res.Candidate)

	want := map[string]any{
		"retrieval.top_k":         12,
		"retrieval.min_score":     0.3,
		"retrieval.chunk_overlap": 32,
		"generation.cite_sources": true,
	}
	if diff := cmp.Diff(want, res.Candidate.Params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "base", res.Candidate.Parent())
	assert.Equal(t, []string{"01A"}, res.Candidate.Metadata.AppliedLessons)
	assert.Equal(t, configs.Fingerprint(res.Candidate.Params), res.Candidate.Metadata.Fingerprint)
	assert.Len(t, res.Record.Changes, 6)
	assert.True(t, res.Record.Changes[5].Noop)
}

func TestResolveDoesNotMutateBase(t *testing.T) {
	r := req(models.ScopeDataset)
	_, err := Resolve(r, []models.Lesson{
		mk("01A", models.ScopeDataset, "p1", t0, models.Change{Key: "retrieval.top_k", Op: models.OpSet, Value: 3}),
	})
	require.NoError(t, err)
	assert.Equal(t, 8, r.Base.Params["retrieval.top_k"])
}

func TestResolveNonNumericAddIsSkipped(t *testing.T) {
	lessons := []models.Lesson{
		mk("01A", models.ScopeDataset, "p1", t0,
			models.Change{Key: "generation.model", Op: models.OpAdd, Value: 1},
			models.Change{Key: "retrieval.top_k", Op: models.OpAdd, Value: 1},
		),
	}
	res, err := Resolve(req(models.ScopeDataset), lessons)
	require.NoError(t, err)
	require.NotNil(t, res.Candidate)
	assert.Equal(t, "small", res.Candidate.Params["generation.model"])
	assert.Equal(t, 9, res.Candidate.Params["retrieval.top_k"])
	require.Len(t, res.Record.Warnings, 1)
	assert.Contains(t, res.Record.Warnings[0], "generation.model")
}

func TestResolveScopeEligibility(t *testing.T) {
	lessons := []models.Lesson{
		mk("01G", models.ScopeGlobal, "g", t0),
		mk("01D", models.ScopeDataset, "d", t0),
		mk("01P", models.ScopeProfile, "p", t0),
	}
	tests := []struct {
		scope models.Scope
		want  []string
	}{
		{models.ScopeProfile, []string{"01P", "01G", "01D"}},
		{models.ScopeDataset, []string{"01G", "01D"}},
		{models.ScopeGlobal, []string{"01G"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.scope), func(t *testing.T) {
			res, err := Resolve(req(tt.scope), lessons)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, refIDs(res.Record.Selected))
		})
	}
}

func TestResolveConflictNarrowerScopeWins(t *testing.T) {
	// The global lesson is newer, but the profile lesson is narrower.
	lessons := []models.Lesson{
		mk("01P", models.ScopeProfile, "p1", t0, models.Change{Key: "retrieval.top_k", Op: models.OpSet, Value: 5}),
		mk("01G", models.ScopeGlobal, "p2", t0.Add(time.Minute), models.Change{Key: "retrieval.top_k", Op: models.OpSet, Value: 20}),
	}
	res, err := Resolve(req(models.ScopeProfile), lessons)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Candidate.Params["retrieval.top_k"])
	assert.Equal(t, []string{"01P"}, res.Candidate.Metadata.AppliedLessons)
	require.Len(t, res.Record.Dropped, 1)
	d := res.Record.Dropped[0]
	assert.Equal(t, "01G", d.LessonID)
	assert.Equal(t, "01P", d.WinnerID)
	assert.Equal(t, "retrieval.top_k", d.Key)
	assert.Contains(t, d.Reason, "narrower scope")
	assert.Contains(t, res.Record.Markdown(), "Dropped due to conflict")
}

func TestResolveConflictNewerWinsWithinScope(t *testing.T) {
	lessons := []models.Lesson{
		mk("01A", models.ScopeDataset, "p1", t0, models.Change{Key: "k", Op: models.OpSet, Value: "old"}),
		mk("01B", models.ScopeDataset, "p2", t0.Add(time.Second), models.Change{Key: "k", Op: models.OpSet, Value: "new"}),
	}
	res, err := Resolve(req(models.ScopeDataset), lessons)
	require.NoError(t, err)
	assert.Equal(t, "new", res.Candidate.Params["k"])
	require.Len(t, res.Record.Dropped, 1)
	assert.Equal(t, "more recent lesson", res.Record.Dropped[0].Reason)
}

func TestResolveConflictTieBreaksOnID(t *testing.T) {
	lessons := []models.Lesson{
		mk("01B", models.ScopeDataset, "p2", t0, models.Change{Key: "k", Op: models.OpSet, Value: "b"}),
		mk("01A", models.ScopeDataset, "p1", t0, models.Change{Key: "k", Op: models.OpSet, Value: "a"}),
	}
	res, err := Resolve(req(models.ScopeDataset), lessons)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Candidate.Params["k"])
	assert.Equal(t, "tie broken by lesson id", res.Record.Dropped[0].Reason)

	// Input order does not matter.
	lessons[0], lessons[1] = lessons[1], lessons[0]
	again, err := Resolve(req(models.ScopeDataset), lessons)
	require.NoError(t, err)
	assert.Equal(t, res.Candidate.Params, again.Candidate.Params)
}

func TestResolveDisjointKeysAllApply(t *testing.T) {
	lessons := []models.Lesson{
		mk("01A", models.ScopeDataset, "p1", t0, models.Change{Key: "a", Op: models.OpSet, Value: 1}),
		mk("01B", models.ScopeGlobal, "p2", t0, models.Change{Key: "b", Op: models.OpSet, Value: 2}),
	}
	res, err := Resolve(req(models.ScopeDataset), lessons)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidate.Params["a"])
	assert.Equal(t, 2, res.Candidate.Params["b"])
	assert.Empty(t, res.Record.Dropped)
	assert.Equal(t, []string{"01A", "01B"}, res.Candidate.Metadata.AppliedLessons)
}

func TestResolveSupersession(t *testing.T) {
	lessons := []models.Lesson{
		mk("01A", models.ScopeDataset, "same", t0, models.Change{Key: "k", Op: models.OpAdd, Value: 1}),
		mk("01B", models.ScopeDataset, "same", t0.Add(time.Minute), models.Change{Key: "k", Op: models.OpAdd, Value: 10}),
		mk("01C", models.ScopeGlobal, "same", t0, models.Change{Key: "j", Op: models.OpAdd, Value: 1}),
	}
	res, err := Resolve(req(models.ScopeDataset), lessons)
	require.NoError(t, err)

	require.Len(t, res.Record.Superseded, 1)
	assert.Equal(t, "01A", res.Record.Superseded[0].LessonID)
	assert.Equal(t, "01B", res.Record.Superseded[0].SupersededBy)
	assert.Equal(t, 10, res.Candidate.Params["k"])
	assert.Equal(t, 1, res.Candidate.Params["j"], "same pattern at another scope is not superseded")
	assert.Len(t, res.Record.Considered, 3)
}

func TestResolveWindow(t *testing.T) {
	var lessons []models.Lesson
	for i := 0; i < 12; i++ {
		lessons = append(lessons, mk(fmt.Sprintf("01%02d", i), models.ScopeDataset, fmt.Sprintf("p%d", i),
			t0.Add(time.Duration(i)*time.Minute), models.Change{Key: fmt.Sprintf("k%d", i), Op: models.OpSet, Value: i}))
	}

	r := req(models.ScopeDataset)
	r.Window = 3
	res, err := Resolve(r, lessons)
	require.NoError(t, err)
	assert.Equal(t, []string{"0111", "0110", "0109"}, refIDs(res.Record.Selected))
	assert.Len(t, res.Record.OutsideWindow, 9)

	r.Window = 0
	res, err = Resolve(r, lessons)
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, res.Record.Window)
	assert.Len(t, res.Record.Selected, DefaultWindow)
}

func TestResolveInformationalLessonsAreNotMerged(t *testing.T) {
	lessons := []models.Lesson{mk("01S", models.ScopeDataset, "stable_success", t0)}
	res, err := Resolve(req(models.ScopeDataset), lessons)
	require.NoError(t, err)
	assert.Nil(t, res.Candidate)
	assert.Equal(t, []string{"01S"}, res.Record.Informational)
	assert.Empty(t, res.Contributions)
}

func TestResolveMalformedLessonIsWarning(t *testing.T) {
	lessons := []models.Lesson{
		{ID: "bad", Scope: models.ScopeDataset},
		mk("01A", models.ScopeDataset, "p1", t0, models.Change{Key: "k", Op: models.OpSet, Value: 1}),
	}
	res, err := Resolve(req(models.ScopeDataset), lessons)
	require.NoError(t, err)
	assert.Equal(t, []string{"01A"}, res.Candidate.Metadata.AppliedLessons)
	require.Len(t, res.Record.Warnings, 1)
	assert.Contains(t, res.Record.Warnings[0], "bad")
}

func TestResolveIsDeterministic(t *testing.T) {
	lessons := []models.Lesson{
		mk("01A", models.ScopeDataset, "p1", t0, models.Change{Key: "retrieval.top_k", Op: models.OpAdd, Value: 4}),
		mk("01B", models.ScopeGlobal, "p2", t0.Add(time.Second), models.Change{Key: "retrieval.top_k", Op: models.OpAdd, Value: -2}),
		mk("01C", models.ScopeProfile, "p3", t0, models.Change{Key: "cache.enabled", Op: models.OpSet, Value: true}),
	}

	first, err := Resolve(req(models.ScopeProfile), lessons)
	require.NoError(t, err)
	second, err := Resolve(req(models.ScopeProfile), lessons)
	require.NoError(t, err)

	a, err := configs.Marshal(first.Candidate)
	require.NoError(t, err)
	b, err := configs.Marshal(second.Candidate)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, first.Candidate.Name, second.Candidate.Name)
	assert.Equal(t, first.Contributions, second.Contributions)
}

func TestCandidateName(t *testing.T) {
	a := CandidateName("base", []string{"01A", "01B"})
	assert.Regexp(t, `^base\.c[0-9a-f]{8}$`, a)
	assert.Equal(t, a, CandidateName("base", []string{"01A", "01B"}))
	assert.NotEqual(t, a, CandidateName("base", []string{"01A"}))
}

func TestDecisionRecordWithGate(t *testing.T) {
	lessons := []models.Lesson{
		mk("01A", models.ScopeDataset, "p1", t0, models.Change{Key: "retrieval.top_k", Op: models.OpAdd, Value: 4}),
	}
	lessons[0].Recommendation.PredictedEffect = map[string]string{"recall": "+0.00~+0.00", "latency": "+10~15%", "cost": "unknown"}

	res, err := Resolve(req(models.ScopeDataset), lessons)
	require.NoError(t, err)

	lo, hi := 0.45, 5.0
	verdict := gate.Check(config.Policy{"recall": {Min: &lo}, "latency": {Max: &hi}}, res.Contributions)
	res.Record.ApplyGate(verdict, models.OutcomeAdvisoryFallback)

	assert.True(t, res.Record.Blocked)
	assert.Len(t, res.Record.Violations, 2)
	assert.Len(t, res.Record.GateWarnings(), 3)

	md := res.Record.Markdown()
	assert.Contains(t, md, "Outcome: **advisory-fallback**")
	assert.Contains(t, md, "## Gate violations")
	assert.Contains(t, md, "## Needs human review")
	assert.Contains(t, md, "| recall")

	data, err := res.Record.JSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, true, decoded["apply_blocked"])
	assert.Equal(t, "advisory-fallback", decoded["outcome"])
}
