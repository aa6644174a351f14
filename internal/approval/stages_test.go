package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/contradiction"
	"github.com/sells-group/evidence-engine/internal/model"
)

func claim(text string, cites ...model.Citation) model.ContentEvidence {
	return model.ContentEvidence{ClaimText: text, Citations: cites}
}

func TestCoverage(t *testing.T) {
	assert.Equal(t, 0.0, Coverage(nil))
	claims := []model.ContentEvidence{
		claim("rial fell 12%", model.Citation{ObservationID: "o1"}),
		claim("imports rose"),
		claim("fuel prices doubled", model.Citation{}, model.Citation{DocumentID: "d1", PageRef: "4"}),
		claim("aid dropped", model.Citation{}),
	}
	assert.InDelta(t, 0.5, Coverage(claims), 1e-9)
	assert.Equal(t, 2, CitationCount(claims))
}

func TestEvalEvidence(t *testing.T) {
	pol := DefaultPolicy("report")

	t.Run("two claims one cited fails coverage", func(t *testing.T) {
		v, err := evalEvidence(context.Background(), &input{
			policy: pol,
			evidence: []model.ContentEvidence{
				claim("inflation reached 30%", model.Citation{ObservationID: "o1"}),
				claim("the rial depreciated"),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, model.ResultFail, v.Result)
		assert.InDelta(t, 0.5, v.Score, 1e-9)
		assert.Contains(t, v.Output["reason"], "coverage")
	})

	t.Run("fully cited passes", func(t *testing.T) {
		v, err := evalEvidence(context.Background(), &input{
			policy:   pol,
			evidence: []model.ContentEvidence{claim("inflation reached 30%", model.Citation{ObservationID: "o1"})},
		})
		require.NoError(t, err)
		assert.Equal(t, model.ResultPass, v.Result)
	})

	t.Run("too few claims", func(t *testing.T) {
		strict := pol
		strict.MinCitations = 3
		v, _ := evalEvidence(context.Background(), &input{
			policy:   strict,
			evidence: []model.ContentEvidence{claim("x", model.Citation{SeriesID: "s1"})},
		})
		assert.Equal(t, model.ResultFail, v.Result)
		assert.Equal(t, "1 claims, policy requires 3", v.Output["reason"])
	})

	t.Run("claim count not citation count", func(t *testing.T) {
		strict := pol
		strict.MinCitations = 2
		// Three citations on a single claim do not make two claims.
		v, _ := evalEvidence(context.Background(), &input{
			policy: strict,
			evidence: []model.ContentEvidence{claim("x",
				model.Citation{SeriesID: "s1"}, model.Citation{ObservationID: "o1"}, model.Citation{DocumentID: "d1"})},
		})
		assert.Equal(t, model.ResultFail, v.Result)
		assert.Equal(t, 3, v.Output["citations"])

		v, _ = evalEvidence(context.Background(), &input{
			policy: strict,
			evidence: []model.ContentEvidence{
				claim("x", model.Citation{SeriesID: "s1"}),
				claim("y", model.Citation{ObservationID: "o1"}),
			},
		})
		assert.Equal(t, model.ResultPass, v.Result)
	})

	t.Run("unknown citation target", func(t *testing.T) {
		v, _ := evalEvidence(context.Background(), &input{
			policy:      pol,
			evidence:    []model.ContentEvidence{claim("x", model.Citation{ObservationID: "gone"})},
			citationErr: model.ErrInvalidReference,
		})
		assert.Equal(t, model.ResultFail, v.Result)
	})

	t.Run("no claims", func(t *testing.T) {
		v, _ := evalEvidence(context.Background(), &input{policy: pol})
		assert.Equal(t, model.ResultFail, v.Result)
	})
}

func TestEvalDrafting(t *testing.T) {
	v, _ := evalDrafting(context.Background(), &input{item: model.ContentItem{TitleAR: "تحديث", BodyEN: "text"}})
	assert.Equal(t, model.ResultPass, v.Result)

	v, _ = evalDrafting(context.Background(), &input{item: model.ContentItem{BodyEN: "text"}})
	assert.Equal(t, model.ResultFail, v.Result)

	v, _ = evalDrafting(context.Background(), &input{item: model.ContentItem{TitleEN: "Update", BodyAR: "  "}})
	assert.Equal(t, model.ResultFail, v.Result)
}

func TestJudgeScreening(t *testing.T) {
	tests := []struct {
		name string
		sc   Screening
		want model.StageResult
	}{
		{"clean", Screening{Passed: true, RiskScore: 0.1}, model.ResultPass},
		{"unresolved match above threshold", Screening{Passed: true, RiskScore: 0.3, Matches: []Match{{Term: "acme", Score: 0.95}}}, model.ResultFail},
		{"resolved match", Screening{Passed: true, RiskScore: 0.3, Matches: []Match{{Term: "acme", Score: 0.95, Resolved: true}}}, model.ResultPass},
		{"match below threshold", Screening{Passed: true, RiskScore: 0.3, Matches: []Match{{Term: "acme", Score: 0.5}}}, model.ResultPass},
		{"failed above threshold", Screening{Passed: false, RiskScore: 0.9}, model.ResultFail},
		{"failed below threshold", Screening{Passed: false, RiskScore: 0.4}, model.ResultPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, judgeScreening(&tt.sc, 0.8).Result)
		})
	}
}

func TestCopyStages(t *testing.T) {
	ar := model.ContentItem{TitleAR: "تحديث سعر الصرف", BodyAR: "انخفض الريال في عدن مقابل الدولار"}
	v, _ := evalArabicCopy(context.Background(), &input{item: ar})
	assert.Equal(t, model.ResultPass, v.Result)

	wrongScript := model.ContentItem{TitleAR: "Exchange rate", BodyAR: "The rial fell"}
	v, _ = evalArabicCopy(context.Background(), &input{item: wrongScript})
	assert.Equal(t, model.ResultNeedsHuman, v.Result)

	v, _ = evalArabicCopy(context.Background(), &input{item: model.ContentItem{TitleEN: "x"}})
	assert.Equal(t, model.ResultFail, v.Result)

	en := model.ContentItem{TitleEN: "Exchange rate update", BodyEN: "The rial fell against the dollar in Aden."}
	v, _ = evalEnglishCopy(context.Background(), &input{item: en})
	assert.Equal(t, model.ResultPass, v.Result)

	decomposed := model.ContentItem{TitleEN: "Cafe\u0301 prices", BodyEN: "Prices rose."}
	v, _ = evalEnglishCopy(context.Background(), &input{item: decomposed})
	assert.Equal(t, model.ResultFail, v.Result)
	assert.Contains(t, v.Output["reason"], "NFC")
}

func latestAll(result model.StageResult, upTo model.Stage) map[model.Stage]model.AgentRun {
	out := map[model.Stage]model.AgentRun{}
	for _, s := range model.Stages[:upTo.Index()] {
		out[s] = model.AgentRun{ID: "run-" + string(s), Stage: s, Result: result}
	}
	return out
}

func TestEvalFinalApproval(t *testing.T) {
	pol := DefaultPolicy("report")
	p := NewPipeline(nil, Deps{Contradictions: &fakeOpen{}})
	ctx := context.Background()

	v, err := p.evalFinalApproval(ctx, &input{policy: pol, latest: latestAll(model.ResultPass, model.StageFinalApproval)})
	require.NoError(t, err)
	assert.Equal(t, model.ResultPass, v.Result)

	latest := latestAll(model.ResultPass, model.StageFinalApproval)
	latest[model.StageSafety] = model.AgentRun{Stage: model.StageSafety, Result: model.ResultFail}
	v, _ = p.evalFinalApproval(ctx, &input{policy: pol, latest: latest})
	assert.Equal(t, model.ResultFail, v.Result)
	assert.Equal(t, []string{"safety"}, v.Output["unmet"])

	latest[model.StageSafety] = model.AgentRun{Stage: model.StageSafety, Result: model.ResultSkipped}
	v, _ = p.evalFinalApproval(ctx, &input{policy: pol, latest: latest})
	assert.Equal(t, model.ResultFail, v.Result, "skipped is not satisfied unless skippable")

	pol.SkippableStages = []model.Stage{model.StageSafety}
	v, _ = p.evalFinalApproval(ctx, &input{policy: pol, latest: latest})
	assert.Equal(t, model.ResultPass, v.Result)
}

func TestEvalFinalApproval_OpenContradiction(t *testing.T) {
	open := &fakeOpen{open: []model.Contradiction{{ID: "cx-1", SeriesIDs: []string{"s1"}}}}
	p := NewPipeline(nil, Deps{Contradictions: open})

	v, err := p.evalFinalApproval(context.Background(), &input{
		policy: DefaultPolicy("report"),
		latest: latestAll(model.ResultPass, model.StageFinalApproval),
		refs:   []model.Ref{"series:s1"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ResultFail, v.Result)
	assert.Equal(t, []string{"cx-1"}, v.Output["open_contradictions"])
	assert.Equal(t, []string{"s1"}, open.gotIDs)
}

type fakeDetector struct {
	gotIDs       []string
	gotThreshold float64
}

func (f *fakeDetector) DetectForObservations(_ context.Context, ids []string, _ time.Time, threshold float64) ([]contradiction.Detection, error) {
	f.gotIDs, f.gotThreshold = ids, threshold
	return nil, nil
}

type fakeOpen struct {
	open   []model.Contradiction
	gotIDs []string
}

func (f *fakeOpen) OpenForSeries(_ context.Context, ids []string) ([]model.Contradiction, error) {
	f.gotIDs = ids
	return f.open, nil
}

type fakeScreener struct {
	sc  *Screening
	err error
}

func (f fakeScreener) Screen(context.Context, ScreenRequest) (*Screening, error) { return f.sc, f.err }

func TestEvalConsistency(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	det := &fakeDetector{}
	open := &fakeOpen{open: []model.Contradiction{{ID: "c1"}}}
	p := NewPipeline(mock, Deps{Detector: det, Contradictions: open})

	mock.ExpectQuery(`SELECT DISTINCT series_id FROM evidence.observations WHERE id = ANY`).
		WithArgs([]string{"o1", "o2"}).
		WillReturnRows(pgxmock.NewRows([]string{"series_id"}).AddRow("s1").AddRow("s2"))

	pol := DefaultPolicy("report")
	pol.MaxVarianceFlag = 0.25
	v, err := p.evalConsistency(context.Background(), &input{
		policy: pol,
		refs:   []model.Ref{"document:d1", "observation:o1", "observation:o2", "series:s3"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ResultFail, v.Result)
	assert.Equal(t, []string{"o1", "o2"}, det.gotIDs)
	assert.Equal(t, 0.25, det.gotThreshold)
	assert.Equal(t, []string{"s1", "s2", "s3"}, open.gotIDs)
	assert.Equal(t, []string{"c1"}, v.Output["open_contradictions"])

	open.open = nil
	v, err = p.evalConsistency(context.Background(), &input{policy: pol, refs: []model.Ref{"series:s3"}})
	require.NoError(t, err)
	assert.Equal(t, model.ResultPass, v.Result)
}

func TestEvalSafety(t *testing.T) {
	in := &input{item: model.ContentItem{ID: "c1", TitleEN: "Update", BodyEN: "Body"}}

	p := NewPipeline(nil, Deps{})
	v, err := p.evalSafety(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.ResultNeedsHuman, v.Result)

	p = NewPipeline(nil, Deps{Screener: fakeScreener{err: errors.New("503 from screening service")}})
	v, err = p.evalSafety(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.ResultNeedsHuman, v.Result)

	p = NewPipeline(nil, Deps{Screener: fakeScreener{err: context.DeadlineExceeded}})
	_, err = p.evalSafety(context.Background(), in)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p = NewPipeline(nil, Deps{Screener: fakeScreener{sc: &Screening{Passed: false, RiskScore: 0.7}}}, WithRiskThreshold(0.5))
	v, err = p.evalSafety(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFail, v.Result)
}

func TestEvalStandards(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	p := NewPipeline(mock, Deps{Content: NewContent(mock)})
	in := &input{item: model.ContentItem{ID: "c1"}, policy: DefaultPolicy("report")}
	checkCols := []string{"id", "content_item_id", "similarity_score", "matched_item_id", "checked_at"}
	checkedAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM evidence.uniqueness_checks`).WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(checkCols))
	v, err := p.evalStandards(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.ResultNeedsHuman, v.Result)

	mock.ExpectQuery(`FROM evidence.uniqueness_checks`).WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(checkCols).AddRow("u1", "c1", 0.85, "", checkedAt))
	v, err = p.evalStandards(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.ResultPass, v.Result, "a score equal to the maximum passes")

	mock.ExpectQuery(`FROM evidence.uniqueness_checks`).WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(checkCols).AddRow("u2", "c1", 0.93, "c0", checkedAt))
	v, err = p.evalStandards(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFail, v.Result)
	assert.Equal(t, "c0", v.Output["matched_item_id"])
}
