package contradiction

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"slices"
	"strings"

	"github.com/sells-group/evidence-engine/internal/observation"
)

// RelativeDeviation is |a-b| divided by the smaller magnitude of the two.
// Equal values deviate by 0, including two zeros; a zero against a non-zero
// value deviates by +Inf.
func RelativeDeviation(a, b float64) float64 {
	if a == b {
		return 0
	}
	base := math.Min(math.Abs(a), math.Abs(b))
	if base == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / base
}

// Fingerprint identifies a set of implicated observations independent of order.
func Fingerprint(observationIDs []string) string {
	ids := slices.Clone(observationIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}

// deviationCap bounds recorded deviations so they stay JSON encodable.
const deviationCap = 1e6

// finding is one set of members whose pairwise deviation exceeded the threshold.
type finding struct {
	members      []observation.Member
	maxDeviation float64
}

// evaluate compares every pair of corroborating members drawn from different
// sources. A member is implicated when any of its pairs exceeds threshold.
// Non-corroborating tiers are ignored entirely.
func evaluate(members []observation.Member, threshold float64) (finding, bool) {
	var candidates []observation.Member
	for _, m := range members {
		if m.Tier.Corroborating() {
			candidates = append(candidates, m)
		}
	}

	implicated := make([]bool, len(candidates))
	var f finding
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i].Observation, candidates[j].Observation
			if a.SourceID == b.SourceID {
				continue
			}
			d := RelativeDeviation(a.Value, b.Value)
			if d <= threshold {
				continue
			}
			implicated[i], implicated[j] = true, true
			f.maxDeviation = math.Max(f.maxDeviation, math.Min(d, deviationCap))
		}
	}

	for i, ok := range implicated {
		if ok {
			f.members = append(f.members, candidates[i])
		}
	}
	return f, len(f.members) >= 2
}

// partition splits members by regime when regimes are compared separately.
func partition(members []observation.Member, separateRegimes bool) [][]observation.Member {
	if !separateRegimes {
		return [][]observation.Member{members}
	}
	byRegime := make(map[string][]observation.Member)
	var order []string
	for _, m := range members {
		r := string(m.Regime)
		if _, ok := byRegime[r]; !ok {
			order = append(order, r)
		}
		byRegime[r] = append(byRegime[r], m)
	}
	slices.Sort(order)
	out := make([][]observation.Member, 0, len(order))
	for _, r := range order {
		out = append(out, byRegime[r])
	}
	return out
}
