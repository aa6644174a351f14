// Package approval gates publication of content items behind an eight-stage
// review. Each stage evaluation is an append-only AgentRun; the pipeline
// always judges an item by the latest run of each stage, and publishes only
// when every stage is satisfied.
//
// Stages of one item run strictly in order. Writes are serialized per item by
// an optimistic review_version check, so two concurrent evaluations of the
// same item cannot both commit.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/contradiction"
	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/events"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/metrics"
	"github.com/sells-group/evidence-engine/internal/model"
)

// ContradictionDetector runs detection for the observations an item cites.
// *contradiction.Detector satisfies it.
type ContradictionDetector interface {
	DetectForObservations(ctx context.Context, observationIDs []string, asOf time.Time, threshold float64) ([]contradiction.Detection, error)
}

// OpenContradictions lists open contradictions by series.
// *contradiction.Store satisfies it.
type OpenContradictions interface {
	OpenForSeries(ctx context.Context, seriesIDs []string) ([]model.Contradiction, error)
}

// Deps are the collaborators of a Pipeline. Detector and Screener may be nil.
type Deps struct {
	Content        *Content
	Policies       *Policies
	Ledger         *ledger.Ledger
	Detector       ContradictionDetector
	Contradictions OpenContradictions
	Screener       Screener
}

// Position is where an item stands in the pipeline.
type Position struct {
	ContentItemID string              `json:"content_item_id"`
	Status        model.ContentStatus `json:"status"`
	Stage         model.Stage         `json:"stage,omitempty"`
	State         model.PipelineState `json:"state"`
	LastRun       *model.AgentRun     `json:"last_run,omitempty"`
}

// Pipeline evaluates stages and records their outcomes.
type Pipeline struct {
	pool           db.Pool
	content        *Content
	policies       *Policies
	ledger         *ledger.Ledger
	detector       ContradictionDetector
	contradictions OpenContradictions
	screener       Screener
	riskThreshold  float64
	stages         map[model.Stage]evaluator
	events         events.Publisher
	now            func() time.Time
	newID          func() string
	log            *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRiskThreshold sets the screening score above which the safety stage fails.
func WithRiskThreshold(t float64) Option {
	return func(p *Pipeline) { p.riskThreshold = t }
}

// WithPublisher sets the governance event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) { p.events = pub }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a Pipeline.
func NewPipeline(pool db.Pool, deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		pool:           pool,
		content:        deps.Content,
		policies:       deps.Policies,
		ledger:         deps.Ledger,
		detector:       deps.Detector,
		contradictions: deps.Contradictions,
		screener:       deps.Screener,
		riskThreshold:  0.8,
		events:         events.Nop{},
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
		log:            zap.L().With(zap.String("component", "approval.pipeline")),
	}
	for _, o := range opts {
		o(p)
	}
	p.stages = p.stageTable()
	return p
}

// Submit moves a draft under review. The pipeline starts at drafting.
func (p *Pipeline) Submit(ctx context.Context, itemID string) (*model.ContentItem, error) {
	now := p.now()
	it, err := scanItem(p.pool.QueryRow(ctx,
		`UPDATE evidence.content_items
		 SET status = 'under_review', submitted_at = $2, updated_at = $2, review_version = review_version + 1
		 WHERE id = $1 AND status = 'draft'
		 RETURNING `+itemColumns,
		itemID, now))
	if err == nil {
		p.log.Info("content item submitted", zap.String("content_item_id", itemID))
		return it, nil
	}
	if !db.IsNoRows(err) {
		return nil, eris.Wrapf(err, "approval: submit %s", itemID)
	}

	cur, err := getItem(ctx, p.pool, itemID)
	if err != nil {
		return nil, err
	}
	return nil, eris.Wrapf(model.ErrInvalidStateTransition, "approval: %s is %s, only drafts can be submitted", itemID, cur.Status)
}

// CurrentStage reports the stage an item waits in and why.
func (p *Pipeline) CurrentStage(ctx context.Context, itemID string) (*Position, error) {
	_, pos, err := p.load(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// RunStage evaluates stage for an item under review and records the result.
// The stage must be the item's current stage, and an item held for a human
// decision cannot be re-evaluated until RecordOutcome is called.
func (p *Pipeline) RunStage(ctx context.Context, itemID string, stage model.Stage) (*model.AgentRun, error) {
	eval, ok := p.stages[stage]
	if !ok {
		return nil, eris.Errorf("approval: unknown stage %q", stage)
	}
	in, pos, err := p.load(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if err := checkTurn(pos, stage); err != nil {
		return nil, err
	}
	if pos.State == model.PipelineNeedsHuman {
		return nil, eris.Wrapf(model.ErrInvalidStateTransition, "approval: %s awaits a human outcome at %s", itemID, stage)
	}

	v, err := eval(ctx, in)
	if err != nil {
		return nil, eris.Wrapf(err, "approval: evaluate %s of %s", stage, itemID)
	}
	return p.record(ctx, in, stage, stage.Agent(), v)
}

// RecordOutcome records a human decision for the current stage. It is
// accepted when the stage awaits a human, when overriding a failure under a
// policy that allows it, or when skipping a stage the policy marks skippable.
func (p *Pipeline) RecordOutcome(ctx context.Context, itemID string, stage model.Stage, result model.StageResult, by, note string) (*model.AgentRun, error) {
	if strings.TrimSpace(by) == "" {
		return nil, eris.New("approval: outcome needs a reviewer")
	}
	if result == model.ResultNeedsHuman {
		return nil, eris.New("approval: a human outcome must be pass, fail or skipped")
	}
	in, pos, err := p.load(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if err := checkTurn(pos, stage); err != nil {
		return nil, err
	}

	switch {
	case result == model.ResultSkipped:
		if !in.policy.Skippable(stage) {
			return nil, eris.Wrapf(model.ErrInvalidStateTransition, "approval: %s is not skippable for %s", stage, in.item.ContentType)
		}
	case pos.State == model.PipelineNeedsHuman:
	case pos.State == model.PipelineBlocked && in.policy.AllowFailOverride:
	default:
		return nil, eris.Wrapf(model.ErrInvalidStateTransition, "approval: %s at %s is %s; no human outcome is expected", itemID, stage, pos.State)
	}

	if stage == model.StageFinalApproval && result == model.ResultPass {
		v, err := p.evalFinalApproval(ctx, in)
		if err != nil {
			return nil, eris.Wrapf(err, "approval: evaluate %s of %s", stage, itemID)
		}
		if v.Result != model.ResultPass {
			return nil, eris.Wrapf(model.ErrInvalidStateTransition, "approval: %s cannot be approved: %v", itemID, v.Output["reason"])
		}
	}

	v := verdict{Result: result, Output: map[string]any{"recorded_by": by}}
	if note != "" {
		v.Output["note"] = note
	}
	if result == model.ResultPass {
		v.Score = 1
	}
	return p.record(ctx, in, stage, "human:"+by, v)
}

// Runs returns every AgentRun of an item, oldest first.
func (p *Pipeline) Runs(ctx context.Context, itemID string) ([]model.AgentRun, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+runColumns+` FROM evidence.agent_runs WHERE content_item_id = $1 ORDER BY created_at, attempt`,
		itemID)
	if err != nil {
		return nil, eris.Wrapf(err, "approval: runs of %s", itemID)
	}
	return collectRuns(rows)
}

// Held is an item whose current stage waits on a human.
type Held struct {
	ContentItemID string      `json:"content_item_id"`
	Stage         model.Stage `json:"stage"`
	Since         time.Time   `json:"since"`
}

// HeldForHuman lists items under review whose latest run is NeedsHuman and
// was recorded before cutoff, oldest first.
func (p *Pipeline) HeldForHuman(ctx context.Context, cutoff time.Time) ([]Held, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT content_item_id, stage, created_at FROM (
		   SELECT DISTINCT ON (r.content_item_id) r.content_item_id, r.stage, r.result, r.created_at
		   FROM evidence.agent_runs r
		   JOIN evidence.content_items c ON c.id = r.content_item_id
		   WHERE c.status = 'under_review'
		   ORDER BY r.content_item_id, r.created_at DESC, r.attempt DESC
		 ) latest
		 WHERE result = 'needs_human' AND created_at < $1
		 ORDER BY created_at`,
		cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "approval: items held for human")
	}
	defer rows.Close()

	var out []Held
	for rows.Next() {
		var h Held
		var stage string
		if err := rows.Scan(&h.ContentItemID, &stage, &h.Since); err != nil {
			return nil, eris.Wrap(err, "approval: scan held item")
		}
		h.Stage = model.Stage(stage)
		out = append(out, h)
	}
	return out, rows.Err()
}

func checkTurn(pos *Position, stage model.Stage) error {
	if pos.Status != model.ContentUnderReview {
		return eris.Wrapf(model.ErrInvalidStateTransition, "approval: %s is %s, not under review", pos.ContentItemID, pos.Status)
	}
	if pos.Stage != stage {
		return eris.Wrapf(model.ErrInvalidStateTransition, "approval: %s is at %s, not %s", pos.ContentItemID, pos.Stage, stage)
	}
	return nil
}

// load reads everything stage evaluation needs and derives the position.
func (p *Pipeline) load(ctx context.Context, itemID string) (*input, *Position, error) {
	it, err := getItem(ctx, p.pool, itemID)
	if err != nil {
		return nil, nil, err
	}
	pol, err := p.policies.Get(ctx, it.ContentType)
	if err != nil {
		return nil, nil, err
	}
	ev, err := p.content.Evidence(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	latest, err := p.latestRuns(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}

	in := &input{item: *it, policy: pol, evidence: ev, latest: latest}
	if refs := citationRefs(ev); len(refs) > 0 {
		err := ledger.Validate(ctx, p.pool, model.LedgerEntry{Action: model.ActionValidate, OutputRefs: refs})
		switch {
		case err == nil:
			in.refs = refs
		case errors.Is(err, model.ErrInvalidReference):
			in.citationErr = err
		default:
			return nil, nil, err
		}
	}
	return in, position(*it, pol, latest), nil
}

// position walks the stages in order to the first one not yet satisfied.
func position(it model.ContentItem, pol model.ApprovalPolicy, latest map[model.Stage]model.AgentRun) *Position {
	pos := &Position{ContentItemID: it.ID, Status: it.Status}
	switch it.Status {
	case model.ContentDraft:
		pos.State = model.PipelineNotSubmitted
		return pos
	case model.ContentPublished:
		pos.State = model.PipelinePublished
		return pos
	case model.ContentRetracted, model.ContentArchived:
		pos.State = model.PipelineClosed
		return pos
	}

	for _, s := range model.Stages {
		run, ok := latest[s]
		if satisfied(run, ok, pol) {
			continue
		}
		pos.Stage = s
		pos.State = model.PipelinePending
		if ok {
			pos.LastRun = &run
			switch run.Result {
			case model.ResultNeedsHuman:
				pos.State = model.PipelineNeedsHuman
			case model.ResultFail:
				pos.State = model.PipelineBlocked
			}
		}
		return pos
	}

	// Every stage is satisfied but the item was not published in the same
	// transaction; final approval can be evaluated again.
	pos.Stage = model.StageFinalApproval
	pos.State = model.PipelinePending
	return pos
}

// citationRefs converts the citations of all claims into sorted, distinct references.
func citationRefs(ev []model.ContentEvidence) []model.Ref {
	var refs []model.Ref
	for _, e := range ev {
		for _, c := range e.Citations {
			if c.ObservationID != "" {
				refs = append(refs, model.NewRef(model.RefObservation, c.ObservationID))
			}
			if c.SeriesID != "" {
				refs = append(refs, model.NewRef(model.RefSeries, c.SeriesID))
			}
			if c.DocumentID != "" {
				id := c.DocumentID
				if c.PageRef != "" {
					id += "#" + c.PageRef
				}
				refs = append(refs, model.NewRef(model.RefDocument, id))
			}
		}
	}
	slices.Sort(refs)
	return slices.Compact(refs)
}

const runColumns = `id, content_item_id, stage, agent, attempt, result, score, output, created_at`

func scanRun(row interface{ Scan(dest ...any) error }) (*model.AgentRun, error) {
	var r model.AgentRun
	var stage, result string
	var output []byte
	if err := row.Scan(&r.ID, &r.ContentItemID, &stage, &r.Agent, &r.Attempt, &result, &r.Score, &output, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Stage = model.Stage(stage)
	r.Result = model.StageResult(result)
	if len(output) > 0 {
		if err := json.Unmarshal(output, &r.Output); err != nil {
			return nil, eris.Wrapf(err, "approval: decode output of agent run %s", r.ID)
		}
	}
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]model.AgentRun, error) {
	defer rows.Close()
	var out []model.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "approval: scan agent run")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *Pipeline) latestRuns(ctx context.Context, itemID string) (map[model.Stage]model.AgentRun, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT ON (stage) `+runColumns+`
		 FROM evidence.agent_runs
		 WHERE content_item_id = $1
		 ORDER BY stage, created_at DESC, attempt DESC`,
		itemID)
	if err != nil {
		return nil, eris.Wrapf(err, "approval: latest runs of %s", itemID)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	latest := make(map[model.Stage]model.AgentRun, len(runs))
	for _, r := range runs {
		latest[r.Stage] = r
	}
	return latest, nil
}

func (p *Pipeline) seriesOf(ctx context.Context, observationIDs []string) ([]string, error) {
	if len(observationIDs) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT series_id FROM evidence.observations WHERE id = ANY($1) ORDER BY series_id`,
		observationIDs)
	if err != nil {
		return nil, eris.Wrap(err, "approval: series of cited observations")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "approval: scan series id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// record appends the AgentRun and its VALIDATE ledger entry, and publishes
// the item when final approval passes, all in one transaction.
func (p *Pipeline) record(ctx context.Context, in *input, stage model.Stage, agent string, v verdict) (*model.AgentRun, error) {
	it := in.item
	run := &model.AgentRun{
		ID:            p.newID(),
		ContentItemID: it.ID,
		Stage:         stage,
		Agent:         agent,
		Result:        v.Result,
		Score:         v.Score,
		Output:        v.Output,
	}
	var output []byte
	if len(v.Output) > 0 {
		var err error
		if output, err = json.Marshal(v.Output); err != nil {
			return nil, eris.Wrap(err, "approval: marshal stage output")
		}
	}
	publish := stage == model.StageFinalApproval && v.Result == model.ResultPass

	now := p.now()
	err := db.InTx(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE evidence.content_items SET review_version = review_version + 1, updated_at = $3
			 WHERE id = $1 AND review_version = $2 AND status = 'under_review'`,
			it.ID, it.ReviewVersion, now)
		if err != nil {
			return eris.Wrapf(err, "approval: bump review version of %s", it.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(model.ErrWriteConflict, "approval: %s changed during %s", it.ID, stage)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO evidence.agent_runs (id, content_item_id, stage, agent, attempt, result, score, output)
			 SELECT $1, $2, $3, $4, COALESCE(MAX(attempt), 0) + 1, $5, $6, $7
			 FROM evidence.agent_runs
			 WHERE content_item_id = $2 AND agent = $4
			 RETURNING attempt, created_at`,
			run.ID, it.ID, string(stage), agent, string(v.Result), v.Score, output,
		).Scan(&run.Attempt, &run.CreatedAt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return eris.Wrapf(model.ErrWriteConflict, "approval: concurrent attempt of %s by %s", stage, agent)
			}
			return eris.Wrapf(err, "approval: insert agent run for %s", it.ID)
		}

		if _, err := p.ledger.Append(ctx, tx, model.LedgerEntry{
			Action:     model.ActionValidate,
			InputRefs:  in.refs,
			OutputRefs: []model.Ref{model.NewRef(model.RefAgentRun, run.ID)},
			AgentRunID: run.ID,
			Parameters: map[string]any{
				"content_item_id": it.ID,
				"stage":           string(stage),
				"result":          string(v.Result),
				"score":           v.Score,
			},
		}); err != nil {
			return err
		}

		if publish {
			return p.publish(ctx, tx, in, run, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordStageOutcome(string(stage), string(v.Result))
	events.Emit(ctx, p.events, events.Event{
		Type: events.StageEvaluated,
		Ref:  string(model.NewRef(model.RefAgentRun, run.ID)),
		Attributes: map[string]any{
			"content_item_id": it.ID,
			"stage":           string(stage),
			"result":          string(v.Result),
			"attempt":         run.Attempt,
		},
	})
	p.log.Info("stage evaluated",
		zap.String("content_item_id", it.ID),
		zap.String("stage", string(stage)),
		zap.String("agent", agent),
		zap.String("result", string(v.Result)),
		zap.Int("attempt", run.Attempt),
	)

	if publish {
		metrics.RecordPublished()
		events.Emit(ctx, p.events, events.Event{
			Type:       events.ContentPublished,
			Ref:        string(model.NewRef(model.RefContent, it.ID)),
			Attributes: map[string]any{"content_type": it.ContentType, "visibility": string(it.Visibility)},
		})
		p.log.Info("content item published", zap.String("content_item_id", it.ID))
	}
	return run, nil
}

// publish flips the item to published and appends the PUBLISH entry whose
// inputs are the latest run of every stage plus the cited evidence.
func (p *Pipeline) publish(ctx context.Context, tx pgx.Tx, in *input, final *model.AgentRun, now time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE evidence.content_items SET status = 'published', published_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'under_review'`,
		in.item.ID, now)
	if err != nil {
		return eris.Wrapf(err, "approval: publish %s", in.item.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrWriteConflict, "approval: %s left review before publish", in.item.ID)
	}

	inputs := make([]model.Ref, 0, len(model.Stages)+len(in.refs))
	for _, s := range model.Stages {
		if s == model.StageFinalApproval {
			inputs = append(inputs, model.NewRef(model.RefAgentRun, final.ID))
			continue
		}
		if run, ok := in.latest[s]; ok {
			inputs = append(inputs, model.NewRef(model.RefAgentRun, run.ID))
		}
	}
	inputs = append(inputs, in.refs...)

	_, err = p.ledger.Append(ctx, tx, model.LedgerEntry{
		Action:     model.ActionPublish,
		InputRefs:  inputs,
		OutputRefs: []model.Ref{model.NewRef(model.RefContent, in.item.ID)},
		AgentRunID: final.ID,
		Parameters: map[string]any{
			"content_type": in.item.ContentType,
			"visibility":   string(in.item.Visibility),
		},
	})
	return err
}
