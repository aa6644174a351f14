package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Tier is the reliability tier of a source.
type Tier string

const (
	TierT1      Tier = "T1"
	TierT2      Tier = "T2"
	TierT3      Tier = "T3"
	TierUnknown Tier = "unknown"
)

// ParseTier converts a tier label into a Tier. An empty string maps to TierUnknown.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "T1", "t1":
		return TierT1, nil
	case "T2", "t2":
		return TierT2, nil
	case "T3", "t3":
		return TierT3, nil
	case "", "unknown":
		return TierUnknown, nil
	default:
		return "", eris.Errorf("unknown tier: %q (valid: T1, T2, T3, unknown)", s)
	}
}

// Corroborating reports whether observations from this tier can raise a contradiction.
func (t Tier) Corroborating() bool {
	return t == TierT1 || t == TierT2
}

// SourceStatus is the operating status of a source. Sources are deactivated, never deleted.
type SourceStatus string

const (
	SourceActive   SourceStatus = "active"
	SourceInactive SourceStatus = "inactive"
)

// Cadence describes how often a source publishes, and how often a series is observed.
type Cadence string

const (
	Daily     Cadence = "daily"
	Weekly    Cadence = "weekly"
	Monthly   Cadence = "monthly"
	Quarterly Cadence = "quarterly"
	Annual    Cadence = "annual"
	Irregular Cadence = "irregular"
)

// ParseCadence converts a cadence label into a Cadence.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(s); c {
	case Daily, Weekly, Monthly, Quarterly, Annual, Irregular:
		return c, nil
	case "":
		return Irregular, nil
	default:
		return "", eris.Errorf("unknown cadence: %q", s)
	}
}

// Source is a registered evidence provider.
type Source struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Tier      Tier         `json:"tier" yaml:"tier"`
	Status    SourceStatus `json:"status" yaml:"status"`
	Cadence   Cadence      `json:"cadence" yaml:"cadence"`
	URL       string       `json:"url,omitempty" yaml:"url"`
	CreatedAt time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"-"`
}
