package observation

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/model"
)

// GroupKey identifies observations expected to measure the same quantity.
type GroupKey struct {
	Indicator string    `json:"indicator"`
	Geo       string    `json:"geo"`
	ObsDate   time.Time `json:"obs_date"`
}

// Member is one series' as-of value within a group, with the attributes
// contradiction detection needs.
type Member struct {
	Observation model.Observation `json:"observation"`
	Regime      model.Regime      `json:"regime"`
	Tier        model.Tier        `json:"tier"`
}

// LatestInGroup returns, for every series of (indicator, geo), its as-of
// value for obsDate. Series with no value known at asOf are omitted.
func (s *Store) LatestInGroup(ctx context.Context, key GroupKey, asOf time.Time) ([]Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (o.series_id)
		        o.id, o.series_id, o.obs_date, o.vintage_date, o.revision_no, o.value, o.source_id, o.run_id, o.recorded_at,
		        s.regime, src.tier
		 FROM evidence.observations o
		 JOIN evidence.series s ON s.id = o.series_id
		 JOIN evidence.sources src ON src.id = o.source_id
		 WHERE s.indicator = $1 AND s.geo = $2 AND o.obs_date = $3 AND o.vintage_date <= $4
		 ORDER BY o.series_id, o.vintage_date DESC, o.revision_no DESC`,
		key.Indicator, key.Geo, model.Day(key.ObsDate), model.Day(asOf))
	if err != nil {
		return nil, eris.Wrap(err, "observation: latest in group")
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		var regime, tier string
		o := &m.Observation
		if err := rows.Scan(&o.ID, &o.SeriesID, &o.ObsDate, &o.VintageDate, &o.RevisionNo, &o.Value,
			&o.SourceID, &o.RunID, &o.RecordedAt, &regime, &tier); err != nil {
			return nil, eris.Wrap(err, "observation: scan group member")
		}
		m.Regime = model.Regime(regime)
		m.Tier = model.Tier(tier)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GroupsOf returns the distinct groups the given observations belong to.
func (s *Store) GroupsOf(ctx context.Context, observationIDs []string) ([]GroupKey, error) {
	if len(observationIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT s.indicator, s.geo, o.obs_date
		 FROM evidence.observations o
		 JOIN evidence.series s ON s.id = o.series_id
		 WHERE o.id = ANY($1)
		 ORDER BY s.indicator, s.geo, o.obs_date`,
		observationIDs)
	if err != nil {
		return nil, eris.Wrap(err, "observation: groups of")
	}
	defer rows.Close()

	var out []GroupKey
	for rows.Next() {
		var g GroupKey
		if err := rows.Scan(&g.Indicator, &g.Geo, &g.ObsDate); err != nil {
			return nil, eris.Wrap(err, "observation: scan group")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DatesInRange returns the distinct obs_dates with any value for (indicator,
// geo) between from and to inclusive.
func (s *Store) DatesInRange(ctx context.Context, indicator, geo string, from, to time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT o.obs_date
		 FROM evidence.observations o
		 JOIN evidence.series s ON s.id = o.series_id
		 WHERE s.indicator = $1 AND s.geo = $2 AND o.obs_date BETWEEN $3 AND $4
		 ORDER BY o.obs_date`,
		indicator, geo, model.Day(from), model.Day(to))
	if err != nil {
		return nil, eris.Wrap(err, "observation: dates in range")
	}
	return collectDates(rows)
}

func collectDates(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}) ([]time.Time, error) {
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "observation: scan date")
		}
		out = append(out, model.Day(d))
	}
	return out, rows.Err()
}
