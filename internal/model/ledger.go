package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Action is the kind of transformation a ledger entry records.
type Action string

const (
	ActionIngest    Action = "ingest"
	ActionNormalize Action = "normalize"
	ActionTransform Action = "transform"
	ActionAggregate Action = "aggregate"
	ActionDerive    Action = "derive"
	ActionValidate  Action = "validate"
	ActionPublish   Action = "publish"
)

// ParseAction converts an action label into an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case ActionIngest, ActionNormalize, ActionTransform, ActionAggregate,
		ActionDerive, ActionValidate, ActionPublish:
		return a, nil
	default:
		return "", eris.Errorf("unknown ledger action: %q", s)
	}
}

// RefKind names the entity a ledger reference points at.
type RefKind string

const (
	RefSource        RefKind = "source"
	RefRun           RefKind = "run"
	RefRawObject     RefKind = "raw_object"
	RefSeries        RefKind = "series"
	RefObservation   RefKind = "observation"
	RefLedgerEntry   RefKind = "ledger"
	RefContradiction RefKind = "contradiction"
	RefResolution    RefKind = "resolution"
	RefContent       RefKind = "content"
	RefAgentRun      RefKind = "agent_run"
	// RefDocument points at a citation target owned by the document collaborator.
	RefDocument RefKind = "document"
)

// Ref is a typed reference of the form "<kind>:<id>".
type Ref string

// NewRef builds a reference to the entity of the given kind.
func NewRef(kind RefKind, id string) Ref {
	return Ref(string(kind) + ":" + id)
}

// Parse splits a reference into its kind and id.
func (r Ref) Parse() (RefKind, string, error) {
	kind, id, ok := strings.Cut(string(r), ":")
	if !ok || kind == "" || id == "" {
		return "", "", eris.Wrapf(ErrInvalidReference, "malformed reference %q", string(r))
	}
	switch k := RefKind(kind); k {
	case RefSource, RefRun, RefRawObject, RefSeries, RefObservation, RefLedgerEntry,
		RefContradiction, RefResolution, RefContent, RefAgentRun, RefDocument:
		return k, id, nil
	default:
		return "", "", eris.Wrapf(ErrInvalidReference, "unknown reference kind %q", kind)
	}
}

// Kind returns the reference kind, or "" when the reference is malformed.
func (r Ref) Kind() RefKind {
	k, _, err := r.Parse()
	if err != nil {
		return ""
	}
	return k
}

// RefStrings converts references to plain strings for storage.
func RefStrings(refs []Ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = string(r)
	}
	return out
}

// ToRefs converts stored strings back to references.
func ToRefs(ss []string) []Ref {
	out := make([]Ref, len(ss))
	for i, s := range ss {
		out[i] = Ref(s)
	}
	return out
}

// LedgerEntry is an append-only record of one transformation.
type LedgerEntry struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	Action     Action         `json:"action"`
	InputRefs  []Ref          `json:"input_refs"`
	OutputRefs []Ref          `json:"output_refs"`
	Formula    string         `json:"formula,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	AgentRunID string         `json:"agent_run_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
