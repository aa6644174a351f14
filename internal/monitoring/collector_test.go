package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/approval"
	"github.com/sells-group/evidence-engine/internal/evidence"
	"github.com/sells-group/evidence-engine/internal/model"
)

var checkNow = time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)

// mockRuns implements RunLister for testing.
type mockRuns struct {
	runs   []model.IngestionRun
	err    error
	filter evidence.RunFilter
}

func (m *mockRuns) ListRuns(_ context.Context, f evidence.RunFilter) ([]model.IngestionRun, error) {
	m.filter = f
	if m.err != nil {
		return nil, m.err
	}
	var out []model.IngestionRun
	for _, r := range m.runs {
		if r.StartedAt.Before(f.StartedAfter) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// mockContradictions implements ContradictionQuerier for testing.
type mockContradictions struct {
	open   []model.Contradiction
	err    error
	cutoff time.Time
}

func (m *mockContradictions) Open(_ context.Context, _ string) ([]model.Contradiction, error) {
	return m.open, m.err
}

func (m *mockContradictions) OpenBefore(_ context.Context, cutoff time.Time) ([]model.Contradiction, error) {
	m.cutoff = cutoff
	var out []model.Contradiction
	for _, c := range m.open {
		if c.DetectedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

// mockReviews implements ReviewQuerier for testing.
type mockReviews struct {
	held   []approval.Held
	cutoff time.Time
}

func (m *mockReviews) HeldForHuman(_ context.Context, cutoff time.Time) ([]approval.Held, error) {
	m.cutoff = cutoff
	return m.held, nil
}

func newTestCollector(runs RunLister, cs ContradictionQuerier, rs ReviewQuerier) *Collector {
	c := NewCollector(runs, cs, rs, Thresholds{})
	c.now = func() time.Time { return checkNow }
	return c
}

func TestCollector_Empty(t *testing.T) {
	c := newTestCollector(&mockRuns{}, &mockContradictions{}, &mockReviews{})

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.RunsTotal)
	assert.Equal(t, 0.0, snap.RunFailRate)
	assert.Empty(t, snap.StaleContradictions)
	assert.Empty(t, snap.StuckReviews)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, checkNow, snap.CollectedAt)
}

func TestCollector_RunMetrics(t *testing.T) {
	runs := &mockRuns{runs: []model.IngestionRun{
		{ID: "1", SourceID: "imf", Status: model.RunSuccess, StartedAt: checkNow.Add(-time.Hour)},
		{ID: "2", SourceID: "cby-aden", Status: model.RunPartial, StartedAt: checkNow.Add(-2 * time.Hour)},
		{ID: "3", SourceID: "wfp", Status: model.RunFailed, StartedAt: checkNow.Add(-3 * time.Hour)},
		{ID: "4", SourceID: "wfp", Status: model.RunFailed, StartedAt: checkNow.Add(-4 * time.Hour)},
		{ID: "5", SourceID: "imf", Status: model.RunRunning, StartedAt: checkNow.Add(-10 * time.Minute)},
		// Outside lookback window.
		{ID: "6", SourceID: "cby-sanaa", Status: model.RunFailed, StartedAt: checkNow.Add(-48 * time.Hour)},
	}}

	c := newTestCollector(runs, nil, nil)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, checkNow.Add(-24*time.Hour), runs.filter.StartedAfter)
	assert.Equal(t, 5, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsSuccess)
	assert.Equal(t, 1, snap.RunsPartial)
	assert.Equal(t, 2, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.InDelta(t, 0.5, snap.RunFailRate, 0.001) // 2 failed / 4 sealed
	assert.Equal(t, []string{"wfp"}, snap.FailedSources)
}

func TestCollector_StaleAndStuck(t *testing.T) {
	cs := &mockContradictions{open: []model.Contradiction{
		{ID: "c-old", DetectedAt: checkNow.Add(-100 * time.Hour)},
		{ID: "c-new", DetectedAt: checkNow.Add(-time.Hour)},
	}}
	rs := &mockReviews{held: []approval.Held{{ContentItemID: "item-1", Stage: model.StageSafety}}}

	c := newTestCollector(nil, cs, rs)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, checkNow.Add(-72*time.Hour), cs.cutoff)
	assert.Equal(t, checkNow.Add(-48*time.Hour), rs.cutoff)
	assert.Equal(t, 2, snap.OpenContradictions)
	assert.Equal(t, []string{"c-old"}, snap.StaleContradictions)
	require.Len(t, snap.StuckReviews, 1)
	assert.Equal(t, 72, snap.StaleHours)
}

func TestCollector_Errors(t *testing.T) {
	c := newTestCollector(&mockRuns{err: errors.New("db down")}, nil, nil)
	_, err := c.Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "list runs")

	c = newTestCollector(nil, &mockContradictions{err: errors.New("db down")}, nil)
	_, err = c.Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "open contradictions")
}
