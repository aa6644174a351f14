// Package evidence tracks ingestion runs and the raw artifacts they capture.
//
// A run is opened by StartRun and sealed exactly once by CompleteRun,
// FailRun or CancelRun. Raw objects are content-addressed by sha256 and are
// unique per (run, content hash); storing identical bytes twice under one run
// returns the first row.
package evidence

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/events"
	"github.com/sells-group/evidence-engine/internal/metrics"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

// RunResult is passed to CompleteRun.
type RunResult struct {
	Status       model.RunStatus
	Metrics      map[string]any
	RowsIngested *int64
	Error        string
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	SourceID     string
	Status       model.RunStatus
	StartedAfter time.Time
	Limit        int
}

// Tracker reads and writes ingestion runs and raw objects.
type Tracker struct {
	pool   db.Pool
	blobs  BlobStore
	retry  resilience.RetryConfig
	events events.Publisher
	now    func() time.Time
	log    *zap.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithRetry overrides the blob storage retry policy.
func WithRetry(cfg resilience.RetryConfig) TrackerOption {
	return func(t *Tracker) { t.retry = cfg }
}

// WithPublisher sets the governance event publisher.
func WithPublisher(p events.Publisher) TrackerOption {
	return func(t *Tracker) { t.events = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker. blobs may be nil for read-only use.
func NewTracker(pool db.Pool, blobs BlobStore, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		pool:   pool,
		blobs:  blobs,
		retry:  resilience.DefaultRetryConfig(),
		events: events.Nop{},
		now:    func() time.Time { return time.Now().UTC() },
		log:    zap.L().With(zap.String("component", "evidence.tracker")),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// StartRun opens a run for an active source. RetryCount is the number of
// failed runs for the source since its last success.
func (t *Tracker) StartRun(ctx context.Context, sourceID string) (*model.IngestionRun, error) {
	var status model.SourceStatus
	err := t.pool.QueryRow(ctx,
		`SELECT status FROM evidence.sources WHERE id = $1`, sourceID,
	).Scan(&status)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrInvalidReference, "evidence: unknown source %q", sourceID)
		}
		return nil, eris.Wrapf(err, "evidence: look up source %s", sourceID)
	}
	if status != model.SourceActive {
		return nil, eris.Wrapf(model.ErrInvalidStateTransition, "evidence: source %s is %s", sourceID, status)
	}

	run := &model.IngestionRun{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		Status:    model.RunRunning,
		StartedAt: t.now(),
	}
	err = t.pool.QueryRow(ctx,
		`INSERT INTO evidence.ingestion_runs (id, source_id, status, started_at, retry_count)
		 SELECT $1, $2, 'running', $3, COUNT(*)
		 FROM evidence.ingestion_runs
		 WHERE source_id = $2 AND status = 'failed'
		   AND started_at > COALESCE(
		     (SELECT MAX(started_at) FROM evidence.ingestion_runs WHERE source_id = $2 AND status = 'success'),
		     '-infinity'::timestamptz)
		 RETURNING retry_count`,
		run.ID, sourceID, run.StartedAt,
	).Scan(&run.RetryCount)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: start run for %s", sourceID)
	}

	t.log.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("source_id", sourceID),
		zap.Int("retry_count", run.RetryCount),
	)
	return run, nil
}

// CompleteRun seals a run. It fails with model.ErrAlreadySealed when the run
// already has an end time.
func (t *Tracker) CompleteRun(ctx context.Context, runID string, result RunResult) error {
	if !result.Status.Terminal() {
		return eris.Wrapf(model.ErrInvalidStateTransition, "evidence: cannot seal run %s as %q", runID, result.Status)
	}

	var metaJSON []byte
	if result.Metrics != nil {
		var err error
		metaJSON, err = json.Marshal(result.Metrics)
		if err != nil {
			return eris.Wrap(err, "evidence: marshal run metrics")
		}
	}
	var errMsg *string
	if result.Error != "" {
		errMsg = &result.Error
	}

	tag, err := t.pool.Exec(ctx,
		`UPDATE evidence.ingestion_runs
		 SET status = $2, ended_at = $3, error = $4, metrics = $5, rows_ingested = $6
		 WHERE id = $1 AND ended_at IS NULL`,
		runID, string(result.Status), t.now(), errMsg, metaJSON, result.RowsIngested,
	)
	if err != nil {
		return eris.Wrapf(err, "evidence: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return t.sealFailure(ctx, runID)
	}

	metrics.RecordRunSealed(string(result.Status))
	events.Emit(ctx, t.events, events.Event{
		Type:       events.RunSealed,
		Ref:        string(model.NewRef(model.RefRun, runID)),
		Attributes: map[string]any{"status": string(result.Status), "error": result.Error},
	})
	t.log.Info("run sealed",
		zap.String("run_id", runID),
		zap.String("status", string(result.Status)),
		zap.String("error", result.Error),
	)
	return nil
}

// FailRun seals a run as failed with errMsg as its error detail.
func (t *Tracker) FailRun(ctx context.Context, runID, errMsg string) error {
	return t.CompleteRun(ctx, runID, RunResult{Status: model.RunFailed, Error: errMsg})
}

// CancelRun seals an in-flight run as failed with a cancellation summary.
// Raw objects already stored under the run are kept.
func (t *Tracker) CancelRun(ctx context.Context, runID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "no reason given"
	}
	return t.FailRun(ctx, runID, "cancelled: "+reason)
}

// sealFailure explains why a conditional seal matched no row.
func (t *Tracker) sealFailure(ctx context.Context, runID string) error {
	var sealed bool
	err := t.pool.QueryRow(ctx,
		`SELECT ended_at IS NOT NULL FROM evidence.ingestion_runs WHERE id = $1`, runID,
	).Scan(&sealed)
	if err != nil {
		if db.IsNoRows(err) {
			return eris.Wrapf(model.ErrNotFound, "evidence: run %s", runID)
		}
		return eris.Wrapf(err, "evidence: check run %s", runID)
	}
	return eris.Wrapf(model.ErrAlreadySealed, "evidence: run %s", runID)
}

const runColumns = `id, source_id, status, started_at, ended_at, retry_count, error, metrics, rows_ingested`

func scanRun(row interface{ Scan(dest ...any) error }) (*model.IngestionRun, error) {
	var r model.IngestionRun
	var status string
	var errStr *string
	var metaJSON []byte
	if err := row.Scan(&r.ID, &r.SourceID, &status, &r.StartedAt, &r.EndedAt, &r.RetryCount, &errStr, &metaJSON, &r.RowsIngested); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if errStr != nil {
		r.Error = *errStr
	}
	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &r.Metrics); err != nil {
			return nil, eris.Wrapf(err, "evidence: decode metrics of run %s", r.ID)
		}
	}
	return &r, nil
}

// GetRun returns one run.
func (t *Tracker) GetRun(ctx context.Context, runID string) (*model.IngestionRun, error) {
	r, err := scanRun(t.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM evidence.ingestion_runs WHERE id = $1`, runID))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "evidence: run %s", runID)
		}
		return nil, eris.Wrapf(err, "evidence: get run %s", runID)
	}
	return r, nil
}

// ListRuns returns runs, most recent first.
func (t *Tracker) ListRuns(ctx context.Context, f RunFilter) ([]model.IngestionRun, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.pool.Query(ctx,
		`SELECT `+runColumns+` FROM evidence.ingestion_runs
		 WHERE ($1 = '' OR source_id = $1) AND ($2 = '' OR status = $2) AND started_at >= $3
		 ORDER BY started_at DESC LIMIT $4`,
		f.SourceID, string(f.Status), f.StartedAfter, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: list runs")
	}
	defer rows.Close()

	var out []model.IngestionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "evidence: scan run")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// LastSuccess returns the start time of the source's most recent successful
// run, or nil if it has never succeeded.
func (t *Tracker) LastSuccess(ctx context.Context, sourceID string) (*time.Time, error) {
	var ts time.Time
	err := t.pool.QueryRow(ctx,
		`SELECT started_at FROM evidence.ingestion_runs
		 WHERE source_id = $1 AND status = 'success'
		 ORDER BY started_at DESC LIMIT 1`,
		sourceID,
	).Scan(&ts)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "evidence: last success for %s", sourceID)
	}
	return &ts, nil
}
