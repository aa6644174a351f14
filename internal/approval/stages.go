package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/evidence-engine/internal/model"
)

// verdict is what a stage evaluator decides before it is recorded as an AgentRun.
type verdict struct {
	Result model.StageResult
	Score  float64
	Output map[string]any
}

func pass(score float64, out map[string]any) verdict {
	return verdict{Result: model.ResultPass, Score: score, Output: out}
}

func fail(score float64, reason string, out map[string]any) verdict {
	if out == nil {
		out = map[string]any{}
	}
	out["reason"] = reason
	return verdict{Result: model.ResultFail, Score: score, Output: out}
}

func needsHuman(reason string, out map[string]any) verdict {
	if out == nil {
		out = map[string]any{}
	}
	out["reason"] = reason
	return verdict{Result: model.ResultNeedsHuman, Output: out}
}

// input is everything a stage may read about the item under review.
type input struct {
	item     model.ContentItem
	policy   model.ApprovalPolicy
	evidence []model.ContentEvidence
	// refs are the cited observation, series and document references. They
	// are set only when every cited id exists; citationErr says why not.
	refs        []model.Ref
	citationErr error
	latest      map[model.Stage]model.AgentRun
}

type evaluator func(ctx context.Context, in *input) (verdict, error)

// stageTable maps each stage to its evaluator. Adding a stage means adding
// a model.Stage and an entry here.
func (p *Pipeline) stageTable() map[model.Stage]evaluator {
	return map[model.Stage]evaluator{
		model.StageDrafting:      evalDrafting,
		model.StageEvidence:      evalEvidence,
		model.StageConsistency:   p.evalConsistency,
		model.StageSafety:        p.evalSafety,
		model.StageArabicCopy:    evalArabicCopy,
		model.StageEnglishCopy:   evalEnglishCopy,
		model.StageStandards:     p.evalStandards,
		model.StageFinalApproval: p.evalFinalApproval,
	}
}

func evalDrafting(_ context.Context, in *input) (verdict, error) {
	it := in.item
	hasTitle := strings.TrimSpace(it.TitleEN) != "" || strings.TrimSpace(it.TitleAR) != ""
	hasBody := strings.TrimSpace(it.BodyEN) != "" || strings.TrimSpace(it.BodyAR) != ""
	switch {
	case !hasTitle:
		return fail(0, "no title in either language", nil), nil
	case !hasBody:
		return fail(0, "no body in either language", nil), nil
	}
	return pass(1, nil), nil
}

// Coverage is the fraction of claims with at least one citation. An item
// without claims has coverage 0.
func Coverage(claims []model.ContentEvidence) float64 {
	if len(claims) == 0 {
		return 0
	}
	cited := 0
	for _, c := range claims {
		if c.Cited() {
			cited++
		}
	}
	return float64(cited) / float64(len(claims))
}

// CitationCount counts non-empty citations across all claims.
func CitationCount(claims []model.ContentEvidence) int {
	n := 0
	for _, c := range claims {
		for _, cite := range c.Citations {
			if !cite.Empty() {
				n++
			}
		}
	}
	return n
}

func evalEvidence(_ context.Context, in *input) (verdict, error) {
	coverage := Coverage(in.evidence)
	citations := CitationCount(in.evidence)
	out := map[string]any{
		"claims":       len(in.evidence),
		"citations":    citations,
		"coverage":     coverage,
		"min_coverage": in.policy.MinEvidenceCoverage,
	}
	if in.citationErr != nil {
		out["error"] = in.citationErr.Error()
		return fail(coverage, "citations reference unknown entities", out), nil
	}
	// min_citations bounds the number of claims; coverage bounds how many
	// of them are cited.
	if len(in.evidence) < in.policy.MinCitations {
		return fail(coverage, fmt.Sprintf("%d claims, policy requires %d", len(in.evidence), in.policy.MinCitations), out), nil
	}
	if coverage < in.policy.MinEvidenceCoverage {
		return fail(coverage, fmt.Sprintf("coverage %.2f below %.2f", coverage, in.policy.MinEvidenceCoverage), out), nil
	}
	return pass(coverage, out), nil
}

// citedIDs splits references into observation and series ids.
func citedIDs(refs []model.Ref) (observations, series []string) {
	for _, r := range refs {
		kind, id, err := r.Parse()
		if err != nil {
			continue
		}
		switch kind {
		case model.RefObservation:
			observations = append(observations, id)
		case model.RefSeries:
			series = append(series, id)
		}
	}
	return observations, series
}

// citedSeries returns the series an item cites directly or through its
// cited observations, sorted and distinct.
func (p *Pipeline) citedSeries(ctx context.Context, refs []model.Ref) ([]string, error) {
	obsIDs, seriesIDs := citedIDs(refs)
	obsSeries, err := p.seriesOf(ctx, obsIDs)
	if err != nil {
		return nil, err
	}
	seriesIDs = append(seriesIDs, obsSeries...)
	slices.Sort(seriesIDs)
	return slices.Compact(seriesIDs), nil
}

// openContradictionIDs lists the open contradictions touching seriesIDs.
func (p *Pipeline) openContradictionIDs(ctx context.Context, seriesIDs []string) ([]string, error) {
	if len(seriesIDs) == 0 {
		return nil, nil
	}
	open, err := p.contradictions.OpenForSeries(ctx, seriesIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(open))
	for i, c := range open {
		ids[i] = c.ID
	}
	return ids, nil
}

func (p *Pipeline) evalConsistency(ctx context.Context, in *input) (verdict, error) {
	obsIDs, _ := citedIDs(in.refs)

	out := map[string]any{"threshold": in.policy.MaxVarianceFlag}
	if p.detector != nil && len(obsIDs) > 0 {
		dets, err := p.detector.DetectForObservations(ctx, obsIDs, p.now(), in.policy.MaxVarianceFlag)
		if err != nil {
			return verdict{}, err
		}
		out["detected"] = len(dets)
	}

	seriesIDs, err := p.citedSeries(ctx, in.refs)
	if err != nil {
		return verdict{}, err
	}
	open, err := p.openContradictionIDs(ctx, seriesIDs)
	if err != nil {
		return verdict{}, err
	}
	out["series"] = len(seriesIDs)
	if len(open) > 0 {
		out["open_contradictions"] = open
		return fail(0, fmt.Sprintf("%d open contradictions touch cited series", len(open)), out), nil
	}
	return pass(1, out), nil
}

func (p *Pipeline) evalSafety(ctx context.Context, in *input) (verdict, error) {
	if p.screener == nil {
		return needsHuman("no compliance screener configured", nil), nil
	}
	it := in.item
	texts := []string{}
	for _, s := range []string{it.TitleEN, it.TitleAR, it.BodyEN, it.BodyAR} {
		if strings.TrimSpace(s) != "" {
			texts = append(texts, s)
		}
	}
	for _, e := range in.evidence {
		texts = append(texts, e.ClaimText)
	}

	sc, err := p.screener.Screen(ctx, ScreenRequest{ContentItemID: it.ID, Texts: texts})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return verdict{}, err
		}
		p.log.Warn("compliance screening failed", zap.String("content_item_id", it.ID), zap.Error(err))
		return needsHuman("compliance screening unavailable", map[string]any{"error": err.Error()}), nil
	}
	return judgeScreening(sc, p.riskThreshold), nil
}

// judgeScreening fails on any unresolved match above threshold, or on a
// failed screening whose overall risk is above threshold.
func judgeScreening(sc *Screening, threshold float64) verdict {
	out := map[string]any{"risk_score": sc.RiskScore, "matches": len(sc.Matches), "threshold": threshold}
	var blocking []string
	for _, m := range sc.Matches {
		if !m.Resolved && m.Score > threshold {
			blocking = append(blocking, m.Term)
		}
	}
	if len(blocking) > 0 {
		out["blocking_matches"] = blocking
		return fail(1-sc.RiskScore, "unresolved screening matches above risk threshold", out)
	}
	if !sc.Passed && sc.RiskScore > threshold {
		return fail(1-sc.RiskScore, "screening failed above risk threshold", out)
	}
	return pass(1-sc.RiskScore, out)
}

// scriptShare is the fraction of letters in s belonging to table.
func scriptShare(s string, table *unicode.RangeTable) float64 {
	letters, in := 0, 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(table, r) {
			in++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(in) / float64(letters)
}

// minScriptShare is the share of letters a copy must have in its own script.
const minScriptShare = 0.6

func checkCopy(title, body string, table *unicode.RangeTable, lang string) verdict {
	if strings.TrimSpace(title) == "" || strings.TrimSpace(body) == "" {
		return fail(0, lang+" title and body are required", nil)
	}
	text := title + "\n" + body
	if !norm.NFC.IsNormalString(text) {
		return fail(0, lang+" copy is not NFC normalized", nil)
	}
	share := scriptShare(text, table)
	out := map[string]any{"script_share": share}
	if share < minScriptShare {
		return needsHuman(fmt.Sprintf("only %.0f%% of letters are %s script", share*100, lang), out)
	}
	return pass(share, out)
}

func evalArabicCopy(_ context.Context, in *input) (verdict, error) {
	return checkCopy(in.item.TitleAR, in.item.BodyAR, unicode.Arabic, "arabic"), nil
}

func evalEnglishCopy(_ context.Context, in *input) (verdict, error) {
	return checkCopy(in.item.TitleEN, in.item.BodyEN, unicode.Latin, "english"), nil
}

func (p *Pipeline) evalStandards(ctx context.Context, in *input) (verdict, error) {
	u, err := p.content.LatestUniquenessCheck(ctx, in.item.ID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return needsHuman("no uniqueness check recorded", nil), nil
		}
		return verdict{}, err
	}
	out := map[string]any{
		"similarity_score": u.SimilarityScore,
		"max_similarity":   in.policy.MaxSimilarityScore,
		"check_id":         u.ID,
	}
	if u.MatchedItemID != "" {
		out["matched_item_id"] = u.MatchedItemID
	}
	if u.SimilarityScore > in.policy.MaxSimilarityScore {
		return fail(1-u.SimilarityScore, "too similar to published content", out), nil
	}
	return pass(1-u.SimilarityScore, out), nil
}

// satisfied reports whether a stage's latest run lets the pipeline move past it.
func satisfied(run model.AgentRun, ok bool, pol model.ApprovalPolicy) bool {
	if !ok {
		return false
	}
	switch run.Result {
	case model.ResultPass:
		return true
	case model.ResultSkipped:
		return pol.Skippable(run.Stage)
	}
	return false
}

// evalFinalApproval passes only when every earlier stage is satisfied and no
// contradiction on a cited series is open now. A contradiction opened after
// the consistency stage passed still blocks publication.
func (p *Pipeline) evalFinalApproval(ctx context.Context, in *input) (verdict, error) {
	var unmet []string
	for _, s := range model.Stages[:model.StageFinalApproval.Index()] {
		run, ok := in.latest[s]
		if !satisfied(run, ok, in.policy) {
			unmet = append(unmet, string(s))
		}
	}
	if len(unmet) > 0 {
		return fail(0, "prior stages not satisfied", map[string]any{"unmet": unmet}), nil
	}

	seriesIDs, err := p.citedSeries(ctx, in.refs)
	if err != nil {
		return verdict{}, err
	}
	open, err := p.openContradictionIDs(ctx, seriesIDs)
	if err != nil {
		return verdict{}, err
	}
	if len(open) > 0 {
		return fail(0, fmt.Sprintf("%d open contradictions touch cited series", len(open)),
			map[string]any{"open_contradictions": open}), nil
	}
	return pass(1, nil), nil
}
