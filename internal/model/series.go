package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Regime tags which administrative authority a series pertains to. Regimes
// are never merged: the same indicator reported by two regimes is two series.
type Regime string

const (
	RegimeUnified       Regime = "unified"
	RegimeAden          Regime = "aden"
	RegimeSanaa         Regime = "sanaa"
	RegimeMixed         Regime = "mixed"
	RegimeNotApplicable Regime = "not_applicable"
)

// ParseRegime converts a regime label into a Regime.
func ParseRegime(s string) (Regime, error) {
	switch r := Regime(s); r {
	case RegimeUnified, RegimeAden, RegimeSanaa, RegimeMixed, RegimeNotApplicable:
		return r, nil
	default:
		return "", eris.Errorf("unknown regime: %q (valid: unified, aden, sanaa, mixed, not_applicable)", s)
	}
}

// SeriesKey is the five-part identity of a series.
type SeriesKey struct {
	Indicator    string `json:"indicator" validate:"required"`
	Geo          string `json:"geo" validate:"required"`
	Regime       Regime `json:"regime" validate:"required"`
	SourceID     string `json:"source_id" validate:"required"`
	ExternalCode string `json:"external_code"`
}

// Series is one homogeneous time line.
type Series struct {
	ID string `json:"id"`
	SeriesKey
	Frequency Cadence   `json:"frequency"`
	Unit      string    `json:"unit,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Observation is one value of one series as of one obs_date. The tuple
// (series, obs_date, vintage_date, revision_no) is unique and rows are never
// updated: a correction is a new row with a higher revision.
type Observation struct {
	ID          string    `json:"id"`
	SeriesID    string    `json:"series_id"`
	ObsDate     time.Time `json:"obs_date"`
	VintageDate time.Time `json:"vintage_date"`
	RevisionNo  int       `json:"revision_no"`
	Value       float64   `json:"value"`
	SourceID    string    `json:"source_id"`
	RunID       string    `json:"run_id"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Day truncates t to a UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse date %q", s)
	}
	return t, nil
}
