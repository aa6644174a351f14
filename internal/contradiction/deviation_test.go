package contradiction

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/observation"
)

func TestRelativeDeviation(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
		want float64
	}{
		{"equal", 100, 100, 0},
		{"forty percent", 100, 140, 0.4},
		{"symmetric", 140, 100, 0.4},
		{"negative values", -50, -75, 0.5},
		{"both zero", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RelativeDeviation(tt.a, tt.b), 1e-9)
		})
	}
	assert.True(t, math.IsInf(RelativeDeviation(0, 3), 1))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]string{"o2", "o1", "o3"})
	assert.Equal(t, a, Fingerprint([]string{"o3", "o2", "o1"}))
	assert.Equal(t, a, Fingerprint([]string{"o1", "o2", "o3", "o1"}))
	assert.NotEqual(t, a, Fingerprint([]string{"o1", "o2"}))
	assert.Len(t, a, 64)
}

func member(id, source string, tier model.Tier, regime model.Regime, value float64) observation.Member {
	return observation.Member{
		Observation: model.Observation{ID: id, SeriesID: "series-" + id, SourceID: source, Value: value},
		Regime:      regime,
		Tier:        tier,
	}
}

func memberIDs(ms []observation.Member) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Observation.ID
	}
	return out
}

func TestEvaluate(t *testing.T) {
	t.Run("two sources beyond threshold", func(t *testing.T) {
		f, ok := evaluate([]observation.Member{
			member("o1", "cby-aden", model.TierT1, model.RegimeAden, 100),
			member("o2", "imf", model.TierT1, model.RegimeUnified, 140),
		}, 0.15)
		assert.True(t, ok)
		assert.Equal(t, []string{"o1", "o2"}, memberIDs(f.members))
		assert.InDelta(t, 0.4, f.maxDeviation, 1e-9)
	})

	t.Run("within threshold", func(t *testing.T) {
		_, ok := evaluate([]observation.Member{
			member("o1", "cby-aden", model.TierT1, model.RegimeAden, 100),
			member("o2", "imf", model.TierT2, model.RegimeUnified, 110),
		}, 0.15)
		assert.False(t, ok)
	})

	t.Run("deviation equal to threshold does not flag", func(t *testing.T) {
		_, ok := evaluate([]observation.Member{
			member("o1", "a", model.TierT1, model.RegimeUnified, 100),
			member("o2", "b", model.TierT1, model.RegimeUnified, 150),
		}, 0.5)
		assert.False(t, ok)
	})

	t.Run("low tiers ignored", func(t *testing.T) {
		_, ok := evaluate([]observation.Member{
			member("o1", "cby-aden", model.TierT1, model.RegimeAden, 100),
			member("o2", "blog", model.TierT3, model.RegimeUnified, 400),
			member("o3", "rumor", model.TierUnknown, model.RegimeUnified, 900),
		}, 0.15)
		assert.False(t, ok)
	})

	t.Run("same source never contradicts itself", func(t *testing.T) {
		_, ok := evaluate([]observation.Member{
			member("o1", "wfp", model.TierT2, model.RegimeAden, 100),
			member("o2", "wfp", model.TierT2, model.RegimeSanaa, 200),
		}, 0.15)
		assert.False(t, ok)
	})

	t.Run("only implicated members listed", func(t *testing.T) {
		f, ok := evaluate([]observation.Member{
			member("o1", "a", model.TierT1, model.RegimeUnified, 100),
			member("o2", "b", model.TierT1, model.RegimeUnified, 101),
			member("o3", "c", model.TierT2, model.RegimeUnified, 200),
		}, 0.15)
		assert.True(t, ok)
		assert.Equal(t, []string{"o1", "o2", "o3"}, memberIDs(f.members))

		f, ok = evaluate([]observation.Member{
			member("o1", "a", model.TierT1, model.RegimeUnified, 100),
			member("o2", "a", model.TierT1, model.RegimeUnified, 101),
			member("o3", "c", model.TierT2, model.RegimeUnified, 101),
		}, 0.15)
		assert.False(t, ok)
		assert.Empty(t, f.members)
	})

	t.Run("zero against non-zero is capped", func(t *testing.T) {
		f, ok := evaluate([]observation.Member{
			member("o1", "a", model.TierT1, model.RegimeUnified, 0),
			member("o2", "b", model.TierT1, model.RegimeUnified, 5),
		}, 0.15)
		assert.True(t, ok)
		assert.Equal(t, float64(deviationCap), f.maxDeviation)
	})
}

func TestPartition(t *testing.T) {
	ms := []observation.Member{
		member("o1", "a", model.TierT1, model.RegimeSanaa, 1),
		member("o2", "b", model.TierT1, model.RegimeAden, 2),
		member("o3", "c", model.TierT1, model.RegimeSanaa, 3),
	}
	assert.Len(t, partition(ms, false), 1)

	parts := partition(ms, true)
	if assert.Len(t, parts, 2) {
		assert.Equal(t, []string{"o2"}, memberIDs(parts[0]))
		assert.Equal(t, []string{"o1", "o3"}, memberIDs(parts[1]))
	}
}
