package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/approval"
	"github.com/sells-group/evidence-engine/internal/evidence"
	"github.com/sells-group/evidence-engine/internal/model"
)

// MetricsSnapshot holds a point-in-time view of governance health.
type MetricsSnapshot struct {
	// Ingestion runs started within the lookback window.
	RunsTotal     int      `json:"runs_total"`
	RunsSuccess   int      `json:"runs_success"`
	RunsPartial   int      `json:"runs_partial"`
	RunsFailed    int      `json:"runs_failed"`
	RunsRunning   int      `json:"runs_running"`
	RunFailRate   float64  `json:"run_fail_rate"`
	FailedSources []string `json:"failed_sources,omitempty"`

	// Contradictions.
	OpenContradictions  int      `json:"open_contradictions"`
	StaleContradictions []string `json:"stale_contradictions,omitempty"`
	StaleHours          int      `json:"stale_hours"`

	// Reviews waiting on a human past the threshold.
	StuckReviews []approval.Held `json:"stuck_reviews,omitempty"`
	StuckHours   int             `json:"stuck_hours"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister abstracts the tracker query the collector needs.
type RunLister interface {
	ListRuns(ctx context.Context, f evidence.RunFilter) ([]model.IngestionRun, error)
}

// ContradictionQuerier abstracts the contradiction store queries the collector needs.
type ContradictionQuerier interface {
	Open(ctx context.Context, seriesID string) ([]model.Contradiction, error)
	OpenBefore(ctx context.Context, cutoff time.Time) ([]model.Contradiction, error)
}

// ReviewQuerier abstracts the approval pipeline query the collector needs.
type ReviewQuerier interface {
	HeldForHuman(ctx context.Context, cutoff time.Time) ([]approval.Held, error)
}

// Thresholds are the ages past which open work counts as stale or stuck.
type Thresholds struct {
	StaleContradictionHours int
	StuckReviewHours        int
}

// Collector gathers health metrics from the evidence, contradiction and review stores.
type Collector struct {
	runs           RunLister
	contradictions ContradictionQuerier
	reviews        ReviewQuerier
	th             Thresholds
	now            func() time.Time
}

// NewCollector creates a metrics collector. Nil queriers skip their section.
func NewCollector(runs RunLister, contradictions ContradictionQuerier, reviews ReviewQuerier, th Thresholds) *Collector {
	if th.StaleContradictionHours <= 0 {
		th.StaleContradictionHours = 72
	}
	if th.StuckReviewHours <= 0 {
		th.StuckReviewHours = 48
	}
	return &Collector{
		runs:           runs,
		contradictions: contradictions,
		reviews:        reviews,
		th:             th,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		StaleHours:    c.th.StaleContradictionHours,
		StuckHours:    c.th.StuckReviewHours,
		CollectedAt:   now,
	}

	if c.runs != nil {
		runs, err := c.runs.ListRuns(ctx, evidence.RunFilter{
			StartedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
			Limit:        10000,
		})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		failedSources := make(map[string]bool)
		snap.RunsTotal = len(runs)
		for _, r := range runs {
			switch r.Status {
			case model.RunSuccess:
				snap.RunsSuccess++
			case model.RunPartial:
				snap.RunsPartial++
			case model.RunFailed:
				snap.RunsFailed++
				if !failedSources[r.SourceID] {
					failedSources[r.SourceID] = true
					snap.FailedSources = append(snap.FailedSources, r.SourceID)
				}
			case model.RunRunning:
				snap.RunsRunning++
			}
		}
		if finished := snap.finished(); finished > 0 {
			snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
		}
	}

	if c.contradictions != nil {
		open, err := c.contradictions.Open(ctx, "")
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: open contradictions")
		}
		snap.OpenContradictions = len(open)

		stale, err := c.contradictions.OpenBefore(ctx, now.Add(-time.Duration(c.th.StaleContradictionHours)*time.Hour))
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: stale contradictions")
		}
		for _, ct := range stale {
			snap.StaleContradictions = append(snap.StaleContradictions, ct.ID)
		}
	}

	if c.reviews != nil {
		held, err := c.reviews.HeldForHuman(ctx, now.Add(-time.Duration(c.th.StuckReviewHours)*time.Hour))
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: held reviews")
		}
		snap.StuckReviews = held
	}

	return snap, nil
}

func (s *MetricsSnapshot) finished() int {
	return s.RunsSuccess + s.RunsPartial + s.RunsFailed
}
