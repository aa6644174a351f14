package observation

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/model"
)

// Grid returns the expected observation dates of a frequency between from and
// to inclusive. Monthly, quarterly and annual series are dated at period
// start; weekly grids step seven days from from. Irregular series have no grid.
func Grid(freq model.Cadence, from, to time.Time) []time.Time {
	from, to = model.Day(from), model.Day(to)
	if to.Before(from) {
		return nil
	}

	var start time.Time
	var step func(time.Time) time.Time
	switch freq {
	case model.Daily:
		start = from
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	case model.Weekly:
		start = from
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	case model.Monthly:
		start = time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
		step = func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	case model.Quarterly:
		start = time.Date(from.Year(), time.Month((int(from.Month())-1)/3*3+1), 1, 0, 0, 0, 0, time.UTC)
		step = func(t time.Time) time.Time { return t.AddDate(0, 3, 0) }
	case model.Annual:
		start = time.Date(from.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		step = func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }
	default:
		return nil
	}

	var out []time.Time
	for d := start; !d.After(to); d = step(d) {
		if !d.Before(from) {
			out = append(out, d)
		}
	}
	return out
}

// Gaps returns the grid dates of a series between from and to that had no
// value known at asOf. Off-grid observations are accepted on write and
// ignored here.
func (s *Store) Gaps(ctx context.Context, seriesID string, from, to, asOf time.Time) ([]time.Time, error) {
	ser, err := s.GetSeries(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	grid := Grid(ser.Frequency, from, to)
	if grid == nil {
		if ser.Frequency == model.Irregular {
			return nil, eris.Errorf("observation: series %s has no regular frequency", seriesID)
		}
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT obs_date FROM evidence.observations
		 WHERE series_id = $1 AND obs_date BETWEEN $2 AND $3 AND vintage_date <= $4`,
		seriesID, model.Day(from), model.Day(to), model.Day(asOf))
	if err != nil {
		return nil, eris.Wrap(err, "observation: gaps")
	}
	known, err := collectDates(rows)
	if err != nil {
		return nil, err
	}

	have := make(map[time.Time]bool, len(known))
	for _, d := range known {
		have[d] = true
	}
	var missing []time.Time
	for _, d := range grid {
		if !have[d] {
			missing = append(missing, d)
		}
	}
	return missing, nil
}
