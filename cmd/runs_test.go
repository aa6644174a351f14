package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/evidence-engine/internal/model"
)

func int64p(n int64) *int64 { return &n }

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	ended := now.Add(2 * time.Minute)
	runs := []model.IngestionRun{
		{
			ID:           "abc12345-6789-0000-0000-000000000000",
			SourceID:     "cby-aden",
			Status:       model.RunSuccess,
			StartedAt:    now,
			EndedAt:      &ended,
			RowsIngested: int64p(120),
		},
		{
			ID:         "def12345-6789-0000-0000-000000000000",
			SourceID:   "wfp",
			Status:     model.RunRunning,
			StartedAt:  now.Add(-time.Hour),
			RetryCount: 2,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "SOURCE")
	assert.Contains(t, output, "cby-aden")
	assert.Contains(t, output, "success")
	assert.Contains(t, output, "120")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "wfp")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
}

func TestRunsStats(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	end := func(d time.Duration) *time.Time {
		t := now.Add(d)
		return &t
	}
	runs := []model.IngestionRun{
		{Status: model.RunSuccess, StartedAt: now, EndedAt: end(10 * time.Second), RowsIngested: int64p(5)},
		{Status: model.RunPartial, StartedAt: now, EndedAt: end(30 * time.Second), RowsIngested: int64p(3)},
		{Status: model.RunFailed, StartedAt: now, EndedAt: end(20 * time.Second)},
		{Status: model.RunRunning, StartedAt: now},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Success)
	assert.Equal(t, 1, s.Partial)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, int64(8), s.Rows)
	assert.InDelta(t, 20.0, s.AvgDurSecs, 0.001)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.Contains(t, buf.String(), "Total runs:")
	assert.Contains(t, buf.String(), "Avg duration:")
}

func TestRunsStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.AvgDurSecs)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.NotContains(t, buf.String(), "Avg duration:")
}
