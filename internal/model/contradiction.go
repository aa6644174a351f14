package model

import "time"

// ContradictionStatus is the lifecycle status of a contradiction.
type ContradictionStatus string

const (
	ContradictionOpen      ContradictionStatus = "open"
	ContradictionResolved  ContradictionStatus = "resolved"
	ContradictionDismissed ContradictionStatus = "dismissed"
)

// Contradiction is a detected disagreement among observations expected to
// represent the same quantity.
type Contradiction struct {
	ID             string              `json:"id"`
	Indicator      string              `json:"indicator"`
	Geo            string              `json:"geo"`
	ObsDate        time.Time           `json:"obs_date"`
	ObservationIDs []string            `json:"observation_ids"`
	SeriesIDs      []string            `json:"series_ids"`
	Fingerprint    string              `json:"fingerprint"`
	MaxDeviation   float64             `json:"max_deviation"`
	Threshold      float64             `json:"threshold"`
	DetectedBy     string              `json:"detected_by"`
	Status         ContradictionStatus `json:"status"`
	// Cycle counts reopenings; each cycle is closed by at most one resolution.
	Cycle      int       `json:"cycle"`
	DetectedAt time.Time `json:"detected_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ContradictionResolution is the decision that closes one contradiction cycle.
type ContradictionResolution struct {
	ID              string              `json:"id"`
	ContradictionID string              `json:"contradiction_id"`
	Cycle           int                 `json:"cycle"`
	Outcome         ContradictionStatus `json:"outcome"`
	Text            string              `json:"text"`
	ResolvedBy      string              `json:"resolved_by"`
	ResolvedAt      time.Time           `json:"resolved_at"`
}
