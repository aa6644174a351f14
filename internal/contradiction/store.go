// Package contradiction detects disagreements between sources reporting the
// same indicator, geography and date, and records how each was closed.
//
// A contradiction is identified by the fingerprint of its implicated
// observation ids, so detection over unchanged data never opens a second
// ticket. Closing writes one resolution per cycle; reopening starts a new
// cycle.
package contradiction

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/model"
)

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status    model.ContradictionStatus
	Indicator string
	Geo       string
	Limit     int
}

// Store reads contradictions and their resolutions.
type Store struct {
	pool db.Pool
}

// NewStore creates a Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

const contradictionColumns = `id, indicator, geo, obs_date, observation_ids, series_ids, fingerprint,
	max_deviation, threshold, detected_by, status, cycle, detected_at, updated_at`

func scanContradiction(row interface{ Scan(dest ...any) error }) (*model.Contradiction, error) {
	var c model.Contradiction
	var status string
	if err := row.Scan(&c.ID, &c.Indicator, &c.Geo, &c.ObsDate, &c.ObservationIDs, &c.SeriesIDs, &c.Fingerprint,
		&c.MaxDeviation, &c.Threshold, &c.DetectedBy, &status, &c.Cycle, &c.DetectedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = model.ContradictionStatus(status)
	return &c, nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]model.Contradiction, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contradiction
	for rows.Next() {
		c, err := scanContradiction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Get returns one contradiction.
func (s *Store) Get(ctx context.Context, id string) (*model.Contradiction, error) {
	c, err := scanContradiction(s.pool.QueryRow(ctx,
		`SELECT `+contradictionColumns+` FROM evidence.contradictions WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "contradiction: %s", id)
		}
		return nil, eris.Wrapf(err, "contradiction: get %s", id)
	}
	return c, nil
}

func byFingerprint(ctx context.Context, q db.Querier, fingerprint string) (*model.Contradiction, error) {
	c, err := scanContradiction(q.QueryRow(ctx,
		`SELECT `+contradictionColumns+` FROM evidence.contradictions WHERE fingerprint = $1`, fingerprint))
	if err != nil {
		return nil, eris.Wrap(err, "contradiction: get by fingerprint")
	}
	return c, nil
}

// Open returns open contradictions, oldest first. A non-empty seriesID limits
// the result to contradictions implicating that series.
func (s *Store) Open(ctx context.Context, seriesID string) ([]model.Contradiction, error) {
	out, err := s.query(ctx,
		`SELECT `+contradictionColumns+` FROM evidence.contradictions
		 WHERE status = 'open' AND ($1 = '' OR $1 = ANY(series_ids))
		 ORDER BY detected_at, id`,
		seriesID)
	if err != nil {
		return nil, eris.Wrap(err, "contradiction: list open")
	}
	return out, nil
}

// OpenForSeries returns open contradictions implicating any of seriesIDs.
func (s *Store) OpenForSeries(ctx context.Context, seriesIDs []string) ([]model.Contradiction, error) {
	if len(seriesIDs) == 0 {
		return nil, nil
	}
	out, err := s.query(ctx,
		`SELECT `+contradictionColumns+` FROM evidence.contradictions
		 WHERE status = 'open' AND series_ids && $1::text[]
		 ORDER BY detected_at, id`,
		seriesIDs)
	if err != nil {
		return nil, eris.Wrap(err, "contradiction: open for series")
	}
	return out, nil
}

// OpenBefore returns contradictions still open that were detected before cutoff.
func (s *Store) OpenBefore(ctx context.Context, cutoff time.Time) ([]model.Contradiction, error) {
	out, err := s.query(ctx,
		`SELECT `+contradictionColumns+` FROM evidence.contradictions
		 WHERE status = 'open' AND detected_at < $1
		 ORDER BY detected_at, id`,
		cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "contradiction: open before")
	}
	return out, nil
}

// List returns contradictions matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]model.Contradiction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	out, err := s.query(ctx,
		`SELECT `+contradictionColumns+` FROM evidence.contradictions
		 WHERE ($1 = '' OR status = $1) AND ($2 = '' OR indicator = $2) AND ($3 = '' OR geo = $3)
		 ORDER BY detected_at DESC, id
		 LIMIT $4`,
		string(f.Status), f.Indicator, f.Geo, limit)
	if err != nil {
		return nil, eris.Wrap(err, "contradiction: list")
	}
	return out, nil
}

// Resolutions returns every resolution of a contradiction, one per closed cycle.
func (s *Store) Resolutions(ctx context.Context, contradictionID string) ([]model.ContradictionResolution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, contradiction_id, cycle, outcome, text, resolved_by, resolved_at
		 FROM evidence.contradiction_resolutions
		 WHERE contradiction_id = $1
		 ORDER BY cycle`,
		contradictionID)
	if err != nil {
		return nil, eris.Wrapf(err, "contradiction: resolutions of %s", contradictionID)
	}
	defer rows.Close()

	var out []model.ContradictionResolution
	for rows.Next() {
		var r model.ContradictionResolution
		var outcome string
		if err := rows.Scan(&r.ID, &r.ContradictionID, &r.Cycle, &outcome, &r.Text, &r.ResolvedBy, &r.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "contradiction: scan resolution")
		}
		r.Outcome = model.ContradictionStatus(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}
