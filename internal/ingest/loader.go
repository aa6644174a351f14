// Package ingest loads fetched batches into the evidence store: one
// ingestion run per batch, raw evidence first, then the observations and the
// INGEST ledger entry tying them together, committed in one transaction.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/contradiction"
	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/evidence"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/observation"
)

var validate = validator.New()

// Runs is the part of evidence.Tracker the loader drives.
type Runs interface {
	StartRun(ctx context.Context, sourceID string) (*model.IngestionRun, error)
	StoreRawObject(ctx context.Context, runID string, data []byte, kind string) (*model.RawObject, error)
	CompleteRun(ctx context.Context, runID string, result evidence.RunResult) error
}

// Observations is the part of observation.Store the loader writes through.
// Series are registered outside the batch transaction.
type Observations interface {
	EnsureSeries(ctx context.Context, key model.SeriesKey, freq model.Cadence, unit string) (*model.Series, error)
	PutObservationTx(ctx context.Context, tx pgx.Tx, p observation.Put) (*model.Observation, error)
}

// Recorder appends ledger entries through q. *ledger.Ledger satisfies it.
type Recorder interface {
	Append(ctx context.Context, q db.Querier, e model.LedgerEntry) (*model.LedgerEntry, error)
}

// Detector checks freshly written observations for disagreement.
// *contradiction.Detector satisfies it.
type Detector interface {
	DetectForObservations(ctx context.Context, observationIDs []string, asOf time.Time, threshold float64) ([]contradiction.Detection, error)
}

// Payload is one raw artifact as captured by the fetcher.
type Payload struct {
	Kind string `json:"kind" validate:"required"`
	Data []byte `json:"data" validate:"required"`
}

// Row is one parsed value. The series source is always the batch source.
type Row struct {
	Indicator    string        `json:"indicator" validate:"required"`
	Geo          string        `json:"geo" validate:"required"`
	Regime       model.Regime  `json:"regime" validate:"required"`
	ExternalCode string        `json:"external_code"`
	Frequency    model.Cadence `json:"frequency"`
	Unit         string        `json:"unit"`
	ObsDate      time.Time     `json:"obs_date" validate:"required"`
	VintageDate  time.Time     `json:"vintage_date" validate:"required"`
	Value        float64       `json:"value"`
}

// Batch is the output of one fetch of one source.
type Batch struct {
	SourceID string    `json:"source_id" validate:"required"`
	Raw      []Payload `json:"raw" validate:"dive"`
	Rows     []Row     `json:"rows" validate:"dive"`
}

// Result summarizes one loaded batch.
type Result struct {
	SourceID       string          `json:"source_id"`
	RunID          string          `json:"run_id"`
	Status         model.RunStatus `json:"status"`
	RawObjects     int             `json:"raw_objects"`
	Written        int             `json:"written"`
	Unchanged      int             `json:"unchanged"`
	Rejected       int             `json:"rejected"`
	LedgerEntryID  string          `json:"ledger_entry_id,omitempty"`
	Contradictions int             `json:"contradictions"`
	Errors         []string        `json:"errors,omitempty"`
}

// Loader runs ingestion cycles.
type Loader struct {
	pool     db.Pool
	runs     Runs
	obs      Observations
	ledger   Recorder
	detector Detector
	cfg      config.IngestConfig
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithDetector runs contradiction detection over each batch's new observations.
func WithDetector(d Detector) Option {
	return func(l *Loader) { l.detector = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// NewLoader creates a Loader.
func NewLoader(pool db.Pool, runs Runs, obs Observations, rec Recorder, cfg config.IngestConfig, opts ...Option) *Loader {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	l := &Loader{
		pool:   pool,
		runs:   runs,
		obs:    obs,
		ledger: rec,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		log:    zap.L().With(zap.String("component", "ingest.loader")),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// maxRowErrors caps the row errors kept on a Result.
const maxRowErrors = 20

// Load runs one ingestion cycle for b. Rejected rows make the run partial;
// a batch whose rows were all rejected fails. Errors that stop the cycle
// seal the run as failed before returning.
func (l *Loader) Load(ctx context.Context, b Batch) (*Result, error) {
	if err := validate.Struct(b); err != nil {
		return nil, eris.Wrap(err, "ingest: invalid batch")
	}

	run, err := l.runs.StartRun(ctx, b.SourceID)
	if err != nil {
		return nil, err
	}
	log := l.log.With(zap.String("source_id", b.SourceID), zap.String("run_id", run.ID))
	res := &Result{SourceID: b.SourceID, RunID: run.ID}

	abort := func(cause error) (*Result, error) {
		// The cycle's own context may be the reason it stopped.
		sealCtx := context.WithoutCancel(ctx)
		if err := l.runs.CompleteRun(sealCtx, run.ID, evidence.RunResult{
			Status:  model.RunFailed,
			Error:   cause.Error(),
			Metrics: res.metrics(),
		}); err != nil {
			log.Error("failed to seal aborted run", zap.Error(err))
		}
		res.Status = model.RunFailed
		return res, cause
	}

	inputs := []model.Ref{model.NewRef(model.RefRun, run.ID)}
	for _, p := range b.Raw {
		raw, err := l.runs.StoreRawObject(ctx, run.ID, p.Data, p.Kind)
		if err != nil {
			return abort(err)
		}
		inputs = append(inputs, model.NewRef(model.RefRawObject, raw.ID))
		res.RawObjects++
	}

	// Observations without their INGEST entry never become visible: both
	// commit together or neither does.
	var written []string
	err = db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var err error
		written, err = l.putRows(ctx, tx, run, b, res)
		if err != nil || len(written) == 0 {
			return err
		}
		outputs := make([]model.Ref, len(written))
		for i, id := range written {
			outputs[i] = model.NewRef(model.RefObservation, id)
		}
		entry, err := l.ledger.Append(ctx, tx, model.LedgerEntry{
			Action:     model.ActionIngest,
			InputRefs:  inputs,
			OutputRefs: outputs,
			RunID:      run.ID,
			Parameters: map[string]any{"source_id": b.SourceID, "rows": len(b.Rows)},
		})
		if err != nil {
			return err
		}
		res.LedgerEntryID = entry.ID
		return nil
	})
	if err != nil {
		res.Written = 0
		return abort(err)
	}

	res.Status = res.outcome(len(b.Rows))
	rows := int64(res.Written)
	seal := evidence.RunResult{Status: res.Status, RowsIngested: &rows, Metrics: res.metrics()}
	if res.Status != model.RunSuccess && len(res.Errors) > 0 {
		seal.Error = res.Errors[0]
	}
	if err := l.runs.CompleteRun(ctx, run.ID, seal); err != nil {
		return res, err
	}

	if l.detector != nil && len(written) > 0 {
		dets, err := l.detector.DetectForObservations(ctx, written, l.now(), 0)
		if err != nil {
			log.Warn("contradiction detection after ingest failed", zap.Error(err))
		}
		for _, d := range dets {
			if d.New {
				res.Contradictions++
			}
		}
	}

	log.Info("batch loaded",
		zap.String("status", string(res.Status)),
		zap.Int("written", res.Written),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("rejected", res.Rejected),
		zap.Int("contradictions", res.Contradictions),
	)
	return res, nil
}

// putRows writes every row and returns the ids of observations this run
// created. Row-level reference and validation errors reject the row; any
// other error stops the cycle.
func (l *Loader) putRows(ctx context.Context, tx pgx.Tx, run *model.IngestionRun, b Batch, res *Result) ([]string, error) {
	series := make(map[model.SeriesKey]string)
	var written []string

	for i, r := range b.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := checkRow(r); err != nil {
			res.reject(i, err)
			continue
		}

		key := model.SeriesKey{
			Indicator:    r.Indicator,
			Geo:          r.Geo,
			Regime:       r.Regime,
			SourceID:     b.SourceID,
			ExternalCode: r.ExternalCode,
		}
		seriesID, ok := series[key]
		if !ok {
			freq := r.Frequency
			if freq == "" {
				freq = model.Irregular
			}
			s, err := l.obs.EnsureSeries(ctx, key, freq, r.Unit)
			if err != nil {
				if rejectable(err) {
					res.reject(i, err)
					continue
				}
				return nil, err
			}
			seriesID = s.ID
			series[key] = seriesID
		}

		obs, err := l.obs.PutObservationTx(ctx, tx, observation.Put{
			SeriesID:    seriesID,
			ObsDate:     r.ObsDate,
			VintageDate: r.VintageDate,
			Value:       r.Value,
			SourceID:    b.SourceID,
			RunID:       run.ID,
		})
		if err != nil {
			if rejectable(err) {
				res.reject(i, err)
				continue
			}
			return nil, err
		}
		if obs.RunID != run.ID {
			res.Unchanged++
			continue
		}
		written = append(written, obs.ID)
		res.Written++
	}
	return written, nil
}

// rejectable reports whether err concerns a single row rather than the run.
func rejectable(err error) bool {
	return errors.Is(err, model.ErrInvalidReference) || errors.Is(err, model.ErrWriteConflict)
}

// checkRow catches rows the store would refuse before anything is written.
func checkRow(r Row) error {
	if _, err := model.ParseRegime(string(r.Regime)); err != nil {
		return err
	}
	_, err := model.ParseCadence(string(r.Frequency))
	return err
}

func (r *Result) reject(i int, err error) {
	r.Rejected++
	if len(r.Errors) < maxRowErrors {
		r.Errors = append(r.Errors, eris.Wrapf(err, "row %d", i).Error())
	}
}

func (r *Result) outcome(rows int) model.RunStatus {
	switch {
	case r.Rejected == 0:
		return model.RunSuccess
	case r.Rejected == rows:
		return model.RunFailed
	default:
		return model.RunPartial
	}
}

func (r *Result) metrics() map[string]any {
	return map[string]any{
		"raw_objects": r.RawObjects,
		"written":     r.Written,
		"unchanged":   r.Unchanged,
		"rejected":    r.Rejected,
	}
}

// LoadAll loads batches in parallel, at most cfg.Concurrency at a time. One
// batch failing does not stop the others; the returned error joins every
// batch error and results[i] belongs to batches[i].
func (l *Loader) LoadAll(ctx context.Context, batches []Batch) ([]*Result, error) {
	results := make([]*Result, len(batches))
	errs := make([]error, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for i, b := range batches {
		g.Go(func() error {
			res, err := l.Load(gctx, b)
			results[i] = res
			if err != nil {
				errs[i] = eris.Wrapf(err, "ingest: batch %d (%s)", i, b.SourceID)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
