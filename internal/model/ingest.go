package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus is the outcome of an ingestion run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunPartial RunStatus = "partial"
)

// ParseRunStatus converts a status label into a RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	switch st := RunStatus(s); st {
	case RunRunning, RunSuccess, RunFailed, RunPartial:
		return st, nil
	default:
		return "", eris.Errorf("unknown run status: %q", s)
	}
}

// Terminal reports whether a run can be sealed with this status.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunPartial
}

// IngestionRun is one attempt to pull from a source.
type IngestionRun struct {
	ID           string         `json:"id"`
	SourceID     string         `json:"source_id"`
	Status       RunStatus      `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	RetryCount   int            `json:"retry_count"`
	Error        string         `json:"error,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	RowsIngested *int64         `json:"rows_ingested,omitempty"`
}

// Sealed reports whether the run already has an end time.
func (r *IngestionRun) Sealed() bool {
	return r.EndedAt != nil
}

// RawObject is an immutable captured artifact owned by an ingestion run.
type RawObject struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	ContentHash     string    `json:"content_hash"`
	StorageLocation string    `json:"storage_location"`
	ByteSize        int64     `json:"byte_size"`
	Kind            string    `json:"kind"`
	CreatedAt       time.Time `json:"created_at"`
}
