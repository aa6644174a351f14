package observation

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/model"
)

func TestLatestInGroup(t *testing.T) {
	s, mock := newTestStore(t)
	cols := []string{"id", "series_id", "obs_date", "vintage_date", "revision_no", "value", "source_id", "run_id", "recorded_at", "regime", "tier"}

	mock.ExpectQuery(`SELECT DISTINCT ON \(o.series_id\)`).
		WithArgs("cpi", "YE", jan1, jan5).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("o1", "s1", jan1, jan5, 0, 100.0, "cby", "run-1", recordedAt, "aden", "T1").
			AddRow("o2", "s2", jan1, jan1, 2, 140.0, "wfp", "run-2", recordedAt, "sanaa", "T2"))

	members, err := s.LatestInGroup(context.Background(), GroupKey{Indicator: "cpi", Geo: "YE", ObsDate: jan1}, jan5)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, model.TierT2, members[1].Tier)
	assert.Equal(t, model.RegimeSanaa, members[1].Regime)
	assert.Equal(t, 140.0, members[1].Observation.Value)
}

func TestGroupsOf(t *testing.T) {
	s, mock := newTestStore(t)

	groups, err := s.GroupsOf(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, groups)

	mock.ExpectQuery(`SELECT DISTINCT s.indicator, s.geo, o.obs_date`).
		WithArgs([]string{"o1", "o2"}).
		WillReturnRows(pgxmock.NewRows([]string{"indicator", "geo", "obs_date"}).AddRow("cpi", "YE", jan1))

	groups, err = s.GroupsOf(context.Background(), []string{"o1", "o2"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, GroupKey{Indicator: "cpi", Geo: "YE", ObsDate: jan1}, groups[0])
}
