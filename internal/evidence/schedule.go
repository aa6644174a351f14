package evidence

import (
	"time"

	"github.com/sells-group/evidence-engine/internal/model"
)

// IsDue reports whether a source with the given cadence needs a new run,
// given the start time of its last successful run. Periods are calendar
// aligned in UTC: a monthly source is due once per calendar month, and so on.
// Irregular sources are due only until their first success.
func IsDue(c model.Cadence, now time.Time, lastSuccess *time.Time) bool {
	if lastSuccess == nil {
		return true
	}
	now = now.UTC()
	var periodStart time.Time
	switch c {
	case model.Daily:
		periodStart = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case model.Weekly:
		// ISO weeks start on Monday.
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		periodStart = time.Date(now.Year(), now.Month(), now.Day()-(weekday-1), 0, 0, 0, 0, time.UTC)
	case model.Monthly:
		periodStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case model.Quarterly:
		periodStart = quarterStart(now)
	case model.Annual:
		periodStart = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return false
	}
	return lastSuccess.Before(periodStart)
}

func quarterStart(t time.Time) time.Time {
	m := time.Month((int(t.Month())-1)/3*3 + 1)
	return time.Date(t.Year(), m, 1, 0, 0, 0, 0, time.UTC)
}
