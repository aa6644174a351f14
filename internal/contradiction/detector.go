package contradiction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/db"
	"github.com/sells-group/evidence-engine/internal/events"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/metrics"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/observation"
)

// GroupReader supplies the as-of members of an observation group.
// *observation.Store satisfies it.
type GroupReader interface {
	LatestInGroup(ctx context.Context, key observation.GroupKey, asOf time.Time) ([]observation.Member, error)
	GroupsOf(ctx context.Context, observationIDs []string) ([]observation.GroupKey, error)
	DatesInRange(ctx context.Context, indicator, geo string, from, to time.Time) ([]time.Time, error)
}

// Detection is one contradiction found by a detector pass. New is false when
// the implicated set was already on record.
type Detection struct {
	Contradiction model.Contradiction `json:"contradiction"`
	New           bool                `json:"new"`
}

// Detector opens contradictions for groups whose corroborating sources disagree.
type Detector struct {
	pool   db.Pool
	groups GroupReader
	ledger *ledger.Ledger
	cfg    config.ContradictionConfig
	events events.Publisher
	now    func() time.Time
	newID  func() string
	log    *zap.Logger
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithPublisher sets the governance event publisher.
func WithPublisher(p events.Publisher) DetectorOption {
	return func(d *Detector) { d.events = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a Detector. A non-positive default variance flag in cfg
// falls back to 0.15.
func NewDetector(pool db.Pool, groups GroupReader, led *ledger.Ledger, cfg config.ContradictionConfig, opts ...DetectorOption) *Detector {
	if cfg.DefaultVarianceFlag <= 0 {
		cfg.DefaultVarianceFlag = 0.15
	}
	if cfg.DetectedBy == "" {
		cfg.DetectedBy = "detector"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	d := &Detector{
		pool:   pool,
		groups: groups,
		ledger: led,
		cfg:    cfg,
		events: events.Nop{},
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		log:    zap.L().With(zap.String("component", "contradiction.detector")),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect checks one group as of asOf. A non-positive threshold uses the
// detector default. Running Detect again over unchanged data returns the
// existing contradiction with New false.
func (d *Detector) Detect(ctx context.Context, key observation.GroupKey, asOf time.Time, threshold float64) ([]Detection, error) {
	if threshold <= 0 {
		threshold = d.cfg.DefaultVarianceFlag
	}
	members, err := d.groups.LatestInGroup(ctx, key, asOf)
	if err != nil {
		return nil, err
	}

	var out []Detection
	for _, part := range partition(members, d.cfg.SeparateRegimes) {
		f, ok := evaluate(part, threshold)
		if !ok {
			continue
		}
		det, err := d.open(ctx, key, f, threshold)
		if err != nil {
			return nil, err
		}
		out = append(out, *det)
	}
	return out, nil
}

// DetectRange checks every date with data for (indicator, geo) in [from, to].
func (d *Detector) DetectRange(ctx context.Context, indicator, geo string, from, to, asOf time.Time, threshold float64) ([]Detection, error) {
	dates, err := d.groups.DatesInRange(ctx, indicator, geo, from, to)
	if err != nil {
		return nil, err
	}
	keys := make([]observation.GroupKey, len(dates))
	for i, date := range dates {
		keys[i] = observation.GroupKey{Indicator: indicator, Geo: geo, ObsDate: date}
	}
	return d.detectAll(ctx, keys, asOf, threshold)
}

// DetectForObservations checks every group the given observations belong to,
// typically right after an ingestion run wrote them.
func (d *Detector) DetectForObservations(ctx context.Context, observationIDs []string, asOf time.Time, threshold float64) ([]Detection, error) {
	keys, err := d.groups.GroupsOf(ctx, observationIDs)
	if err != nil {
		return nil, err
	}
	return d.detectAll(ctx, keys, asOf, threshold)
}

func (d *Detector) detectAll(ctx context.Context, keys []observation.GroupKey, asOf time.Time, threshold float64) ([]Detection, error) {
	results := make([][]Detection, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, key := range keys {
		g.Go(func() error {
			dets, err := d.Detect(gctx, key, asOf, threshold)
			if err != nil {
				return eris.Wrapf(err, "contradiction: detect %s/%s/%s", key.Indicator, key.Geo, key.ObsDate.Format(time.DateOnly))
			}
			results[i] = dets
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Detection
	opened := 0
	for _, dets := range results {
		for _, det := range dets {
			if det.New {
				opened++
			}
			out = append(out, det)
		}
	}
	d.log.Info("detection pass complete",
		zap.Int("groups", len(keys)),
		zap.Int("contradictions", len(out)),
		zap.Int("opened", opened),
	)
	return out, nil
}

// open records a finding unless its fingerprint is already known. The insert
// and its VALIDATE ledger entry commit together.
func (d *Detector) open(ctx context.Context, key observation.GroupKey, f finding, threshold float64) (*Detection, error) {
	c := model.Contradiction{
		ID:           d.newID(),
		Indicator:    key.Indicator,
		Geo:          key.Geo,
		ObsDate:      model.Day(key.ObsDate),
		MaxDeviation: f.maxDeviation,
		Threshold:    threshold,
		DetectedBy:   d.cfg.DetectedBy,
		Status:       model.ContradictionOpen,
		DetectedAt:   d.now(),
	}
	c.UpdatedAt = c.DetectedAt
	inputs := make([]model.Ref, 0, len(f.members))
	for _, m := range f.members {
		c.ObservationIDs = append(c.ObservationIDs, m.Observation.ID)
		c.SeriesIDs = append(c.SeriesIDs, m.Observation.SeriesID)
		inputs = append(inputs, model.NewRef(model.RefObservation, m.Observation.ID))
	}
	c.Fingerprint = Fingerprint(c.ObservationIDs)

	det := &Detection{Contradiction: c}
	err := db.InTx(ctx, d.pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx,
			`INSERT INTO evidence.contradictions
			   (id, indicator, geo, obs_date, observation_ids, series_ids, fingerprint,
			    max_deviation, threshold, detected_by, status, cycle, detected_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'open', 0, $11, $11)
			 ON CONFLICT (fingerprint) DO NOTHING
			 RETURNING id`,
			c.ID, c.Indicator, c.Geo, c.ObsDate, c.ObservationIDs, c.SeriesIDs, c.Fingerprint,
			c.MaxDeviation, c.Threshold, c.DetectedBy, c.DetectedAt,
		).Scan(&id)
		if db.IsNoRows(err) {
			existing, err := byFingerprint(ctx, tx, c.Fingerprint)
			if err != nil {
				return err
			}
			det.Contradiction = *existing
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "contradiction: insert")
		}

		det.New = true
		_, err = d.ledger.Append(ctx, tx, model.LedgerEntry{
			Action:     model.ActionValidate,
			InputRefs:  inputs,
			OutputRefs: []model.Ref{model.NewRef(model.RefContradiction, c.ID)},
			Formula:    "max |a-b|/min(|a|,|b|) > threshold",
			Parameters: map[string]any{
				"threshold":     threshold,
				"max_deviation": c.MaxDeviation,
				"detected_by":   c.DetectedBy,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if det.New {
		metrics.RecordContradiction("opened")
		events.Emit(ctx, d.events, events.Event{
			Type: events.ContradictionOpened,
			Ref:  string(model.NewRef(model.RefContradiction, c.ID)),
			Attributes: map[string]any{
				"indicator":     c.Indicator,
				"geo":           c.Geo,
				"obs_date":      c.ObsDate.Format(time.DateOnly),
				"max_deviation": c.MaxDeviation,
				"observations":  len(c.ObservationIDs),
			},
		})
		d.log.Info("contradiction opened",
			zap.String("contradiction_id", c.ID),
			zap.String("indicator", c.Indicator),
			zap.String("geo", c.Geo),
			zap.Time("obs_date", c.ObsDate),
			zap.Float64("max_deviation", c.MaxDeviation),
		)
	}
	return det, nil
}
