// Package observation is the temporal observation store: series registry,
// revisioned observation writes, and as-of reads.
//
// A value is addressed by (series, obs_date, vintage_date, revision_no). A
// write picks the next revision for its (series, obs_date, vintage_date) in
// one conditional INSERT; two writers racing on the same tuple collide on the
// unique key, and the loser retries with a fresh read. As-of reads pick the
// greatest vintage not after the as-of date and, within it, the greatest
// revision.
package observation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/metrics"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

// Store reads and writes series and observations.
type Store struct {
	pool  db.Pool
	retry resilience.RetryConfig
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetry overrides the revision conflict retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Store) { s.retry = cfg }
}

// WithClock overrides time.Now, which defines "now" for Latest.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store.
func NewStore(pool db.Pool, opts ...Option) *Store {
	s := &Store{
		pool:  pool,
		retry: resilience.ConflictRetryConfig(),
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "observation.store")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Put is the input to PutObservation.
type Put struct {
	SeriesID    string
	ObsDate     time.Time
	VintageDate time.Time
	Value       float64
	SourceID    string
	RunID       string
}

// PutObservation records a value. The series, source and run must exist, the
// run must belong to the source that owns the series, and the run must still
// be open. A value equal to the current latest revision of its (series,
// obs_date, vintage_date) returns that revision without writing. Revision
// races are retried; when retries run out the error is model.ErrWriteConflict.
func (s *Store) PutObservation(ctx context.Context, p Put) (*model.Observation, error) {
	p, err := checkPut(p)
	if err != nil {
		return nil, err
	}
	if err := checkOrigin(ctx, s.pool, p); err != nil {
		return nil, err
	}
	return s.retryPut(ctx, func(ctx context.Context) (*model.Observation, error) {
		return s.putOnce(ctx, s.pool, p)
	})
}

// PutObservationTx is PutObservation through tx, so the write commits or
// rolls back with whatever else tx carries. Each attempt runs in its own
// savepoint; a revision race rolls back to it and leaves tx usable.
func (s *Store) PutObservationTx(ctx context.Context, tx pgx.Tx, p Put) (*model.Observation, error) {
	p, err := checkPut(p)
	if err != nil {
		return nil, err
	}
	if err := checkOrigin(ctx, tx, p); err != nil {
		return nil, err
	}
	return s.retryPut(ctx, func(ctx context.Context) (*model.Observation, error) {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "observation: savepoint")
		}
		obs, err := s.putOnce(ctx, sp, p)
		if err != nil {
			_ = sp.Rollback(ctx)
			return nil, err
		}
		if err := sp.Commit(ctx); err != nil {
			return nil, eris.Wrap(err, "observation: release savepoint")
		}
		return obs, nil
	})
}

func checkPut(p Put) (Put, error) {
	if p.SeriesID == "" || p.SourceID == "" || p.RunID == "" {
		return p, eris.Wrap(model.ErrInvalidReference, "observation: series, source and run are required")
	}
	if p.ObsDate.IsZero() || p.VintageDate.IsZero() {
		return p, eris.New("observation: obs_date and vintage_date are required")
	}
	p.ObsDate = model.Day(p.ObsDate)
	p.VintageDate = model.Day(p.VintageDate)
	return p, nil
}

func (s *Store) retryPut(ctx context.Context, put func(ctx context.Context) (*model.Observation, error)) (*model.Observation, error) {
	retry := s.retry
	retry.ShouldRetry = func(err error) bool { return errors.Is(err, model.ErrWriteConflict) }
	retry.OnRetry = resilience.Chain(retry.OnRetry, func(int, error) {
		metrics.RecordObservationWrite("conflict")
	}, resilience.RetryLogger("observation.store", "put_observation"))

	obs, err := resilience.DoVal(ctx, retry, put)
	if err != nil {
		if errors.Is(err, model.ErrWriteConflict) {
			metrics.RecordObservationWrite("conflict")
		}
		return nil, err
	}
	return obs, nil
}

// checkOrigin enforces the evidence-first invariant before any write.
func checkOrigin(ctx context.Context, q db.Querier, p Put) error {
	var seriesSource, runSource string
	var sealed bool
	err := q.QueryRow(ctx,
		`SELECT s.source_id, r.source_id, r.ended_at IS NOT NULL
		 FROM evidence.series s, evidence.ingestion_runs r
		 WHERE s.id = $1 AND r.id = $2`,
		p.SeriesID, p.RunID,
	).Scan(&seriesSource, &runSource, &sealed)
	if err != nil {
		if db.IsNoRows(err) {
			return eris.Wrapf(model.ErrInvalidReference, "observation: unknown series %q or run %q", p.SeriesID, p.RunID)
		}
		return eris.Wrap(err, "observation: check origin")
	}
	if seriesSource != p.SourceID {
		return eris.Wrapf(model.ErrInvalidReference, "observation: series %s belongs to source %s, not %s", p.SeriesID, seriesSource, p.SourceID)
	}
	if runSource != p.SourceID {
		return eris.Wrapf(model.ErrInvalidReference, "observation: run %s belongs to source %s, not %s", p.RunID, runSource, p.SourceID)
	}
	if sealed {
		return eris.Wrapf(model.ErrAlreadySealed, "observation: run %s", p.RunID)
	}
	return nil
}

func (s *Store) putOnce(ctx context.Context, q db.Querier, p Put) (*model.Observation, error) {
	current, err := scanObservation(q.QueryRow(ctx,
		`SELECT `+obsColumns+` FROM evidence.observations
		 WHERE series_id = $1 AND obs_date = $2 AND vintage_date = $3
		 ORDER BY revision_no DESC LIMIT 1`,
		p.SeriesID, p.ObsDate, p.VintageDate))
	switch {
	case err == nil:
		if current.Value == p.Value {
			metrics.RecordObservationWrite("unchanged")
			return current, nil
		}
	case !db.IsNoRows(err):
		return nil, eris.Wrap(err, "observation: read current revision")
	}

	obs := &model.Observation{
		ID:          uuid.NewString(),
		SeriesID:    p.SeriesID,
		ObsDate:     p.ObsDate,
		VintageDate: p.VintageDate,
		Value:       p.Value,
		SourceID:    p.SourceID,
		RunID:       p.RunID,
		RecordedAt:  s.now(),
	}
	err = q.QueryRow(ctx,
		`INSERT INTO evidence.observations
		   (id, series_id, obs_date, vintage_date, revision_no, value, source_id, run_id, recorded_at)
		 SELECT $1::text, $2::text, $3::date, $4::date, COALESCE(MAX(revision_no) + 1, 0),
		        $5::double precision, $6::text, $7::text, $8::timestamptz
		 FROM evidence.observations
		 WHERE series_id = $2::text AND obs_date = $3::date AND vintage_date = $4::date
		 RETURNING revision_no`,
		obs.ID, obs.SeriesID, obs.ObsDate, obs.VintageDate, obs.Value, obs.SourceID, obs.RunID, obs.RecordedAt,
	).Scan(&obs.RevisionNo)
	if err != nil {
		if db.IsUniqueViolation(err) || db.IsRetryable(err) {
			return nil, eris.Wrapf(model.ErrWriteConflict, "observation: series %s obs %s vintage %s",
				p.SeriesID, p.ObsDate.Format(time.DateOnly), p.VintageDate.Format(time.DateOnly))
		}
		if db.IsForeignKeyViolation(err) {
			return nil, eris.Wrap(model.ErrInvalidReference, "observation: "+err.Error())
		}
		return nil, eris.Wrap(err, "observation: insert")
	}

	metrics.RecordObservationWrite("inserted")
	s.log.Debug("observation recorded",
		zap.String("series_id", obs.SeriesID),
		zap.String("obs_date", obs.ObsDate.Format(time.DateOnly)),
		zap.String("vintage_date", obs.VintageDate.Format(time.DateOnly)),
		zap.Int("revision_no", obs.RevisionNo),
	)
	return obs, nil
}

const obsColumns = `id, series_id, obs_date, vintage_date, revision_no, value, source_id, run_id, recorded_at`

func scanObservation(row interface{ Scan(dest ...any) error }) (*model.Observation, error) {
	var o model.Observation
	if err := row.Scan(&o.ID, &o.SeriesID, &o.ObsDate, &o.VintageDate, &o.RevisionNo, &o.Value, &o.SourceID, &o.RunID, &o.RecordedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func collectObservations(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}) ([]model.Observation, error) {
	defer rows.Close()
	var out []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "observation: scan")
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// AsOf returns the value of a series for obsDate as it was known at asOf: the
// greatest vintage not after asOf, and the greatest revision within it.
// Absence is model.ErrNotFound.
func (s *Store) AsOf(ctx context.Context, seriesID string, obsDate, asOf time.Time) (*model.Observation, error) {
	o, err := scanObservation(s.pool.QueryRow(ctx,
		`SELECT `+obsColumns+` FROM evidence.observations
		 WHERE series_id = $1 AND obs_date = $2 AND vintage_date <= $3
		 ORDER BY vintage_date DESC, revision_no DESC LIMIT 1`,
		seriesID, model.Day(obsDate), model.Day(asOf)))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "observation: series %s obs %s as of %s",
				seriesID, obsDate.Format(time.DateOnly), asOf.Format(time.DateOnly))
		}
		return nil, eris.Wrap(err, "observation: as of")
	}
	return o, nil
}

// Latest is AsOf at the store clock's current date.
func (s *Store) Latest(ctx context.Context, seriesID string, obsDate time.Time) (*model.Observation, error) {
	return s.AsOf(ctx, seriesID, obsDate, s.now())
}

// History returns every revision of every vintage for (series, obsDate), oldest first.
func (s *Store) History(ctx context.Context, seriesID string, obsDate time.Time) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+obsColumns+` FROM evidence.observations
		 WHERE series_id = $1 AND obs_date = $2
		 ORDER BY vintage_date, revision_no`,
		seriesID, model.Day(obsDate))
	if err != nil {
		return nil, eris.Wrap(err, "observation: history")
	}
	return collectObservations(rows)
}

// Get returns one observation row by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Observation, error) {
	o, err := scanObservation(s.pool.QueryRow(ctx,
		`SELECT `+obsColumns+` FROM evidence.observations WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "observation: %s", id)
		}
		return nil, eris.Wrapf(err, "observation: get %s", id)
	}
	return o, nil
}

// GetMany returns the observations with the given ids, in id order.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]model.Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+obsColumns+` FROM evidence.observations WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "observation: get many")
	}
	return collectObservations(rows)
}
