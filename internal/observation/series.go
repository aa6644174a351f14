package observation

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/model"
)

// EnsureSeries returns the series with the given identity, creating it if
// needed. Frequency and unit of an existing series are left unchanged.
func (s *Store) EnsureSeries(ctx context.Context, key model.SeriesKey, freq model.Cadence, unit string) (*model.Series, error) {
	key.Indicator = strings.TrimSpace(key.Indicator)
	key.Geo = strings.TrimSpace(key.Geo)
	if key.Indicator == "" || key.Geo == "" || key.SourceID == "" {
		return nil, eris.New("observation: indicator, geo and source are required")
	}
	if _, err := model.ParseRegime(string(key.Regime)); err != nil {
		return nil, eris.Wrap(err, "observation: ensure series")
	}
	freq, err := model.ParseCadence(string(freq))
	if err != nil {
		return nil, eris.Wrap(err, "observation: ensure series")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO evidence.series (id, indicator, geo, regime, source_id, external_code, frequency, unit, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (indicator, geo, regime, source_id, external_code) DO NOTHING`,
		uuid.NewString(), key.Indicator, key.Geo, string(key.Regime), key.SourceID, key.ExternalCode,
		string(freq), unit, s.now(),
	)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return nil, eris.Wrapf(model.ErrInvalidReference, "observation: unknown source %q", key.SourceID)
		}
		return nil, eris.Wrap(err, "observation: insert series")
	}

	ser, err := scanSeries(s.pool.QueryRow(ctx,
		`SELECT `+seriesColumns+` FROM evidence.series
		 WHERE indicator = $1 AND geo = $2 AND regime = $3 AND source_id = $4 AND external_code = $5`,
		key.Indicator, key.Geo, string(key.Regime), key.SourceID, key.ExternalCode))
	if err != nil {
		return nil, eris.Wrap(err, "observation: read series")
	}
	return ser, nil
}

const seriesColumns = `id, indicator, geo, regime, source_id, external_code, frequency, unit, created_at`

func scanSeries(row interface{ Scan(dest ...any) error }) (*model.Series, error) {
	var ser model.Series
	var regime, freq string
	if err := row.Scan(&ser.ID, &ser.Indicator, &ser.Geo, &regime, &ser.SourceID, &ser.ExternalCode, &freq, &ser.Unit, &ser.CreatedAt); err != nil {
		return nil, err
	}
	ser.Regime = model.Regime(regime)
	ser.Frequency = model.Cadence(freq)
	return &ser, nil
}

// GetSeries returns one series.
func (s *Store) GetSeries(ctx context.Context, id string) (*model.Series, error) {
	ser, err := scanSeries(s.pool.QueryRow(ctx,
		`SELECT `+seriesColumns+` FROM evidence.series WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "observation: series %s", id)
		}
		return nil, eris.Wrapf(err, "observation: get series %s", id)
	}
	return ser, nil
}

// SeriesFilter narrows ListSeries. Empty fields match everything.
type SeriesFilter struct {
	Indicator string
	Geo       string
	SourceID  string
}

// ListSeries returns series ordered by indicator, geo, regime and source.
func (s *Store) ListSeries(ctx context.Context, f SeriesFilter) ([]model.Series, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+seriesColumns+` FROM evidence.series
		 WHERE ($1 = '' OR indicator = $1) AND ($2 = '' OR geo = $2) AND ($3 = '' OR source_id = $3)
		 ORDER BY indicator, geo, regime, source_id, external_code`,
		f.Indicator, f.Geo, f.SourceID)
	if err != nil {
		return nil, eris.Wrap(err, "observation: list series")
	}
	defer rows.Close()

	var out []model.Series
	for rows.Next() {
		ser, err := scanSeries(rows)
		if err != nil {
			return nil, eris.Wrap(err, "observation: scan series")
		}
		out = append(out, *ser)
	}
	return out, rows.Err()
}
